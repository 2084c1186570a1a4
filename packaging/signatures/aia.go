package signatures

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/willibrandon/nusign/observability"
)

const maxIssuerSize = 1024 * 1024

// AIAIssuerFetcher downloads issuer certificates from the authority
// information access URLs of a certificate.
type AIAIssuerFetcher struct {
	client HTTPDoer
	logger observability.Logger
}

// NewAIAIssuerFetcher returns a fetcher using client for downloads.
func NewAIAIssuerFetcher(client HTTPDoer, logger observability.Logger) *AIAIssuerFetcher {
	if client == nil {
		client = StdHTTPDoer{}
	}
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &AIAIssuerFetcher{client: client, logger: logger}
}

// FetchIssuers returns the certificates published at cert's issuing
// certificate URLs. Unreachable URLs are skipped; an error is returned only
// when every URL failed.
func (f *AIAIssuerFetcher) FetchIssuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error) {
	var issuers []*x509.Certificate
	var errs []error
	for _, u := range cert.IssuingCertificateURL {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		certs, err := f.fetch(ctx, u)
		if err != nil {
			f.logger.DebugContext(ctx, "Failed to fetch issuer from {URL}: {Error}", u, err.Error())
			errs = append(errs, err)
			continue
		}
		issuers = append(issuers, certs...)
	}
	if len(issuers) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return issuers, nil
}

func (f *AIAIssuerFetcher) fetch(ctx context.Context, url string) ([]*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/pkix-cert")
	resp, err := f.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch issuer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch issuer: HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIssuerSize))
	if err != nil {
		return nil, fmt.Errorf("read issuer: %w", err)
	}

	// Publishers serve DER, PKCS#7 certs-only bundles are rare and not handled.
	if block, _ := pem.Decode(body); block != nil {
		body = block.Bytes
	}
	return x509.ParseCertificates(body)
}
