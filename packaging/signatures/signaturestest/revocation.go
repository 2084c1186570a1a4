package signaturestest

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RevocationResponder answers OCSP and CRL requests for certificates
// issued by one authority. Certificates are good unless revoked.
type RevocationResponder struct {
	Issuer *Identity

	// Unavailable makes every request fail with 503.
	Unavailable bool

	mu       sync.Mutex
	revoked  map[string]time.Time
	requests int
	server   *httptest.Server
}

// NewRevocationResponder starts a responder for issuer. Certificates that
// should use it get OCSPURL and CRLURL in their options.
func NewRevocationResponder(t testing.TB, issuer *Identity) *RevocationResponder {
	t.Helper()
	r := &RevocationResponder{Issuer: issuer, revoked: map[string]time.Time{}}
	r.server = httptest.NewServer(r)
	t.Cleanup(r.server.Close)
	return r
}

// OCSPURL is the responder's OCSP endpoint.
func (r *RevocationResponder) OCSPURL() string { return r.server.URL + "/ocsp" }

// CRLURL is the responder's CRL distribution point.
func (r *RevocationResponder) CRLURL() string { return r.server.URL + "/crl" }

// Revoke marks cert as revoked.
func (r *RevocationResponder) Revoke(cert *x509.Certificate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[cert.SerialNumber.String()] = time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
}

// Requests returns the number of requests served.
func (r *RevocationResponder) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

func (r *RevocationResponder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.requests++
	unavailable := r.Unavailable
	r.mu.Unlock()
	if unavailable {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	switch {
	case strings.HasPrefix(req.URL.Path, "/ocsp"):
		r.serveOCSP(w, req)
	case req.URL.Path == "/crl":
		r.serveCRL(w)
	default:
		http.NotFound(w, req)
	}
}

func (r *RevocationResponder) serveOCSP(w http.ResponseWriter, req *http.Request) {
	var raw []byte
	var err error
	if req.Method == http.MethodPost {
		raw, err = io.ReadAll(req.Body)
	} else {
		encoded := strings.TrimPrefix(strings.TrimPrefix(req.URL.Path, "/ocsp"), "/")
		raw, err = base64.StdEncoding.DecodeString(encoded)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ocspReq, err := ocsp.ParseRequest(raw)
	if err != nil {
		_, _ = w.Write(ocsp.MalformedRequestErrorResponse)
		return
	}

	now := time.Now().UTC().Truncate(time.Second)
	template := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: ocspReq.SerialNumber,
		ThisUpdate:   now.Add(-time.Minute),
		NextUpdate:   now.Add(time.Hour),
	}
	r.mu.Lock()
	if revokedAt, ok := r.revoked[ocspReq.SerialNumber.String()]; ok {
		template.Status = ocsp.Revoked
		template.RevokedAt = revokedAt
		template.RevocationReason = ocsp.KeyCompromise
	}
	r.mu.Unlock()

	resp, err := ocsp.CreateResponse(r.Issuer.Certificate, r.Issuer.Certificate, template, r.Issuer.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/ocsp-response")
	_, _ = w.Write(resp)
}

func (r *RevocationResponder) serveCRL(w http.ResponseWriter) {
	r.mu.Lock()
	var entries []x509.RevocationListEntry
	for serialText, at := range r.revoked {
		serialNumber, _ := new(big.Int).SetString(serialText, 10)
		entries = append(entries, x509.RevocationListEntry{SerialNumber: serialNumber, RevocationTime: at})
	}
	r.mu.Unlock()

	now := time.Now().UTC()
	crl, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(now.Unix()),
		ThisUpdate:                now.Add(-time.Minute),
		NextUpdate:                now.Add(time.Hour),
		RevokedCertificateEntries: entries,
	}, r.Issuer.Certificate, r.Issuer.Key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	_, _ = w.Write(crl)
}
