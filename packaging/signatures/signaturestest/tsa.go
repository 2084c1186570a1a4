package signaturestest

import (
	"crypto/x509"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/willibrandon/nusign/packaging/signatures"
)

var oidTSTInfo = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 1, 4}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

type timeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
	Extensions     asn1.RawValue         `asn1:"optional,tag:0"`
}

type accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
}

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time `asn1:"generalized"`
	Accuracy       accuracy  `asn1:"optional"`
	Nonce          *big.Int  `asn1:"optional"`
}

type pkiStatusInfo struct {
	Status int
}

type timeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// TimestampAuthority issues RFC 3161 tokens signed by its identity.
type TimestampAuthority struct {
	Identity *Identity

	// Now returns the generalized time of issued tokens. Defaults to time.Now.
	Now func() time.Time

	// Accuracy is encoded in whole milliseconds when positive.
	Accuracy time.Duration

	// Reject makes the authority answer with status rejection.
	Reject bool

	// OmitNonce drops the request nonce from issued tokens.
	OmitNonce bool

	mu       sync.Mutex
	requests int
}

// NewTimestampAuthority creates an authority with a fresh timestamping
// certificate issued by ca.
func NewTimestampAuthority(t testing.TB, ca *Identity) *TimestampAuthority {
	t.Helper()
	return &TimestampAuthority{Identity: ca.NewTimestampingLeaf(t, "Test Timestamp Authority")}
}

// Requests returns the number of requests served.
func (a *TimestampAuthority) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

// Token issues a token over digest, a hash computed with hashAlg.
func (a *TimestampAuthority) Token(t testing.TB, hashAlg signatures.HashAlgorithmName, digest []byte, nonce *big.Int) []byte {
	t.Helper()
	token, err := a.token(hashAlg.OID(), digest, nonce)
	if err != nil {
		t.Fatalf("issue timestamp token: %v", err)
	}
	return token
}

// TokenFor hashes data with hashAlg and issues a token over the result.
func (a *TimestampAuthority) TokenFor(t testing.TB, hashAlg signatures.HashAlgorithmName, data []byte) []byte {
	t.Helper()
	digest, err := hashAlg.Sum(data)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return a.Token(t, hashAlg, digest, nil)
}

func (a *TimestampAuthority) token(hashOID asn1.ObjectIdentifier, digest []byte, nonce *big.Int) ([]byte, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	info := tstInfo{
		Version: 1,
		Policy:  asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{Algorithm: hashOID},
			HashedMessage: digest,
		},
		SerialNumber: nextSerial(),
		GenTime:      now().UTC().Truncate(time.Second),
	}
	if a.Accuracy > 0 {
		info.Accuracy = accuracy{Millis: int(a.Accuracy / time.Millisecond)}
	}
	if nonce != nil && !a.OmitNonce {
		info.Nonce = nonce
	}
	content, err := asn1.Marshal(info)
	if err != nil {
		return nil, err
	}
	return signatures.CreateSignedData(signatures.SignedDataRequest{
		ContentType:   oidTSTInfo,
		Content:       content,
		Certificate:   a.Identity.Certificate,
		Signer:        a.Identity.Key,
		HashAlgorithm: signatures.HashAlgorithmSHA256,
		Certificates:  a.Identity.Chain,
	})
}

// ServeHTTP answers application/timestamp-query requests.
func (a *TimestampAuthority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.requests++
	a.mu.Unlock()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req timeStampReq
	if _, err := asn1.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := timeStampResp{Status: pkiStatusInfo{Status: 2}}
	if !a.Reject {
		token, err := a.token(req.MessageImprint.HashAlgorithm.Algorithm, req.MessageImprint.HashedMessage, req.Nonce)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp = timeStampResp{Status: pkiStatusInfo{Status: 0}, TimeStampToken: asn1.RawValue{FullBytes: token}}
	}
	encoded, err := asn1.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(encoded)
}

// NewTimestampServer starts an httptest server backed by a new authority
// under ca. The server is closed when the test ends.
func NewTimestampServer(t testing.TB, ca *Identity) (*TimestampAuthority, *httptest.Server) {
	t.Helper()
	tsa := NewTimestampAuthority(t, ca)
	server := httptest.NewServer(tsa)
	t.Cleanup(server.Close)
	return tsa, server
}

// TrustStore returns a trust store anchored at the given identities' roots.
func TrustStore(ids ...*Identity) *signatures.TrustStore {
	store := signatures.NewTrustStore()
	for _, id := range ids {
		store.AddCertificate(id.Root())
	}
	return store
}

// Pool returns the certificates of ids, leaf first, without duplicates.
func Pool(ids ...*Identity) []*x509.Certificate {
	var pool []*x509.Certificate
	seen := map[string]bool{}
	for _, id := range ids {
		for _, c := range id.Certificates() {
			if !seen[string(c.Raw)] {
				seen[string(c.Raw)] = true
				pool = append(pool, c)
			}
		}
	}
	return pool
}
