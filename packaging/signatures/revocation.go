package signatures

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/willibrandon/nusign/cache"
	"github.com/willibrandon/nusign/observability"
)

const (
	maxOCSPResponseSize = 20 * 1024
	maxCRLSize          = 10 * 1024 * 1024

	// defaultRevocationLifetime caches responses that carry no next update.
	defaultRevocationLifetime = time.Hour
)

// HTTPDoer sends HTTP requests for revocation, issuer and timestamp lookups.
// The http package's Client satisfies it.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// StdHTTPDoer adapts a net/http client.
type StdHTTPDoer struct {
	Client *http.Client
}

// Do sends req with ctx attached.
func (d StdHTTPDoer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := d.Client
	if c == nil {
		c = http.DefaultClient
	}
	return c.Do(req.WithContext(ctx))
}

// RevocationStatus is the outcome of a revocation lookup.
type RevocationStatus int

const (
	// RevocationUnknown means the status could not be determined.
	RevocationUnknown RevocationStatus = iota
	// RevocationGood means a responder confirmed the certificate is not revoked.
	RevocationGood
	// RevocationRevoked means the certificate is revoked.
	RevocationRevoked
)

func (s RevocationStatus) String() string {
	switch s {
	case RevocationGood:
		return "good"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// RevocationResult describes one certificate's revocation status.
type RevocationResult struct {
	Status     RevocationStatus `json:"status"`
	Source     string           `json:"source"`
	Reason     string           `json:"reason,omitempty"`
	RevokedAt  time.Time        `json:"revokedAt,omitzero"`
	NextUpdate time.Time        `json:"nextUpdate,omitzero"`
}

// RevocationChecker is the revocation-status oracle.
type RevocationChecker interface {
	Check(ctx context.Context, cert, issuer *x509.Certificate) RevocationResult
}

// RevocationOptions configures the built-in checkers.
type RevocationOptions struct {
	HTTPClient HTTPDoer
	Cache      *cache.RevocationCache
	Logger     observability.Logger
}

// NewRevocationChecker returns the checker for a revocation mode.
func NewRevocationChecker(mode RevocationMode, opts RevocationOptions) RevocationChecker {
	switch mode {
	case RevocationOffline:
		return NewOfflineRevocationChecker(opts.Cache)
	case RevocationNoCheck:
		return noRevocationChecker{}
	default:
		return NewOnlineRevocationChecker(opts)
	}
}

// revocationCacheKey identifies a certificate together with its issuer.
func revocationCacheKey(cert, issuer *x509.Certificate) string {
	certFP, _ := CertificateFingerprint(cert, HashAlgorithmSHA256)
	issuerFP, _ := CertificateFingerprint(issuer, HashAlgorithmSHA256)
	return "revocation:" + issuerFP + ":" + certFP
}

func lookupCachedRevocation(ctx context.Context, c *cache.RevocationCache, cert, issuer *x509.Certificate) (RevocationResult, bool) {
	if c == nil {
		return RevocationResult{}, false
	}
	data, ok := c.Get(ctx, revocationCacheKey(cert, issuer))
	if !ok {
		return RevocationResult{}, false
	}
	var result RevocationResult
	if err := json.Unmarshal(data, &result); err != nil || result.Status == RevocationUnknown {
		return RevocationResult{}, false
	}
	return result, true
}

// OfflineRevocationChecker answers from previously cached responses only.
type OfflineRevocationChecker struct {
	cache *cache.RevocationCache
}

// NewOfflineRevocationChecker creates a cache-only checker. c may be nil.
func NewOfflineRevocationChecker(c *cache.RevocationCache) *OfflineRevocationChecker {
	return &OfflineRevocationChecker{cache: c}
}

// Check returns the cached status, or Unknown.
func (o *OfflineRevocationChecker) Check(ctx context.Context, cert, issuer *x509.Certificate) RevocationResult {
	if result, ok := lookupCachedRevocation(ctx, o.cache, cert, issuer); ok {
		result.Source = "cache"
		observability.RevocationChecksTotal.WithLabelValues("cache", result.Status.String()).Inc()
		return result
	}
	observability.RevocationChecksTotal.WithLabelValues("offline", RevocationUnknown.String()).Inc()
	return RevocationResult{Status: RevocationUnknown, Source: "offline", Reason: "the revocation status is not available offline"}
}

type noRevocationChecker struct{}

func (noRevocationChecker) Check(context.Context, *x509.Certificate, *x509.Certificate) RevocationResult {
	return RevocationResult{Status: RevocationUnknown, Source: "none", Reason: "revocation checking is disabled"}
}

// OnlineRevocationChecker queries OCSP responders and falls back to CRL
// distribution points. Failures are reported as Unknown and never retried.
type OnlineRevocationChecker struct {
	client HTTPDoer
	cache  *cache.RevocationCache
	logger observability.Logger
	now    func() time.Time
}

// NewOnlineRevocationChecker creates an online checker.
func NewOnlineRevocationChecker(opts RevocationOptions) *OnlineRevocationChecker {
	client := opts.HTTPClient
	if client == nil {
		client = StdHTTPDoer{Client: &http.Client{Timeout: 15 * time.Second}}
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &OnlineRevocationChecker{client: client, cache: opts.Cache, logger: logger, now: time.Now}
}

// Check determines the revocation status of cert.
func (o *OnlineRevocationChecker) Check(ctx context.Context, cert, issuer *x509.Certificate) RevocationResult {
	ctx, span := observability.StartRevocationCheckSpan(ctx, cert.Subject.String())
	defer span.End()

	if result, ok := lookupCachedRevocation(ctx, o.cache, cert, issuer); ok {
		result.Source = "cache"
		observability.RevocationChecksTotal.WithLabelValues("cache", result.Status.String()).Inc()
		return result
	}

	var reasons []string
	if len(cert.OCSPServer) > 0 {
		result, err := o.checkOCSP(ctx, cert, issuer)
		if err == nil {
			return o.finish(ctx, cert, issuer, result)
		}
		reasons = append(reasons, err.Error())
	}
	if len(cert.CRLDistributionPoints) > 0 && ctx.Err() == nil {
		result, err := o.checkCRL(ctx, cert, issuer)
		if err == nil {
			return o.finish(ctx, cert, issuer, result)
		}
		reasons = append(reasons, err.Error())
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "the certificate has no OCSP or CRL endpoint")
	}

	o.logger.DebugContext(ctx, "Revocation status of {Subject} is unknown: {Reason}", cert.Subject.String(), strings.Join(reasons, "; "))
	observability.RevocationChecksTotal.WithLabelValues("online", RevocationUnknown.String()).Inc()
	return RevocationResult{Status: RevocationUnknown, Source: "online", Reason: strings.Join(reasons, "; ")}
}

func (o *OnlineRevocationChecker) finish(ctx context.Context, cert, issuer *x509.Certificate, result RevocationResult) RevocationResult {
	observability.RevocationChecksTotal.WithLabelValues(result.Source, result.Status.String()).Inc()
	if o.cache != nil {
		expiry := result.NextUpdate
		if expiry.IsZero() {
			expiry = o.now().Add(defaultRevocationLifetime)
		}
		if data, err := json.Marshal(result); err == nil {
			if err := o.cache.Set(ctx, revocationCacheKey(cert, issuer), data, expiry); err != nil {
				o.logger.WarnContext(ctx, "Failed to cache revocation status: {Error}", err)
			}
		}
	}
	return result
}

func (o *OnlineRevocationChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, error) {
	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA1})
	if err != nil {
		return RevocationResult{}, fmt.Errorf("create OCSP request: %w", err)
	}

	var lastErr error
	for _, server := range cert.OCSPServer {
		if err := ctx.Err(); err != nil {
			return RevocationResult{}, err
		}
		resp, err := o.queryOCSP(ctx, server, req, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("OCSP %s: %w", server, err)
			continue
		}
		if !resp.NextUpdate.IsZero() && o.now().After(resp.NextUpdate) {
			lastErr = fmt.Errorf("OCSP %s: expired OCSP response", server)
			continue
		}
		switch resp.Status {
		case ocsp.Good:
			return RevocationResult{Status: RevocationGood, Source: "ocsp", NextUpdate: resp.NextUpdate}, nil
		case ocsp.Revoked:
			return RevocationResult{Status: RevocationRevoked, Source: "ocsp", RevokedAt: resp.RevokedAt, NextUpdate: resp.NextUpdate}, nil
		default:
			lastErr = fmt.Errorf("OCSP %s: responder does not know the certificate", server)
		}
	}
	return RevocationResult{}, lastErr
}

func (o *OnlineRevocationChecker) queryOCSP(ctx context.Context, server string, req []byte, cert, issuer *x509.Certificate) (*ocsp.Response, error) {
	var httpReq *http.Request
	var err error
	encoded := url.QueryEscape(base64.StdEncoding.EncodeToString(req))
	if len(encoded) < 255 {
		var reqURL string
		if reqURL, err = url.JoinPath(server, encoded); err != nil {
			return nil, err
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(req))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/ocsp-request")
		}
	}
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/ocsp-response")

	body, err := o.fetch(ctx, httpReq, maxOCSPResponseSize)
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(body, ocsp.UnauthorizedErrorResponse):
		return nil, errors.New("OCSP unauthorized")
	case bytes.Equal(body, ocsp.MalformedRequestErrorResponse):
		return nil, errors.New("OCSP malformed request")
	case bytes.Equal(body, ocsp.InternalErrorErrorResponse):
		return nil, errors.New("OCSP internal error")
	case bytes.Equal(body, ocsp.TryLaterErrorResponse):
		return nil, errors.New("OCSP try later")
	}
	return ocsp.ParseResponseForCert(body, cert, issuer)
}

func (o *OnlineRevocationChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) (RevocationResult, error) {
	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		if err := ctx.Err(); err != nil {
			return RevocationResult{}, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, dp, nil)
		if err != nil {
			lastErr = err
			continue
		}
		httpReq.Header.Set("Accept", "application/pkix-crl")
		body, err := o.fetch(ctx, httpReq, maxCRLSize)
		if err != nil {
			lastErr = fmt.Errorf("CRL %s: %w", dp, err)
			continue
		}
		crl, err := x509.ParseRevocationList(body)
		if err != nil {
			lastErr = fmt.Errorf("CRL %s: parse: %w", dp, err)
			continue
		}
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			lastErr = fmt.Errorf("CRL %s: signature: %w", dp, err)
			continue
		}
		if !crl.NextUpdate.IsZero() && o.now().After(crl.NextUpdate) {
			lastErr = fmt.Errorf("CRL %s: expired", dp)
			continue
		}
		for _, entry := range crl.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return RevocationResult{Status: RevocationRevoked, Source: "crl", RevokedAt: entry.RevocationTime, NextUpdate: crl.NextUpdate}, nil
			}
		}
		return RevocationResult{Status: RevocationGood, Source: "crl", NextUpdate: crl.NextUpdate}, nil
	}
	return RevocationResult{}, lastErr
}

func (o *OnlineRevocationChecker) fetch(ctx context.Context, req *http.Request, limit int64) ([]byte, error) {
	resp, err := o.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("response had status code %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}
