package signatures

import (
	"bytes"
	"context"
	"crypto/x509"
)

// maxChainDepth bounds the issuer walk on malformed inputs.
const maxChainDepth = 16

// CertificateChain is ordered leaf first, root last.
type CertificateChain []*x509.Certificate

// Leaf returns the first certificate.
func (c CertificateChain) Leaf() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// Root returns the last certificate.
func (c CertificateChain) Root() *x509.Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// IssuerOf returns the certificate that issued c[i], or nil for the root.
func (c CertificateChain) IssuerOf(i int) *x509.Certificate {
	if i+1 >= len(c) {
		return nil
	}
	return c[i+1]
}

// IssuerFetcher retrieves candidate issuers of a certificate from outside
// the signature, typically through the authority information access
// extension.
type IssuerFetcher interface {
	FetchIssuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error)
}

// ChainOptions configures BuildChain.
type ChainOptions struct {
	// Certificates is the candidate pool in discovery order.
	Certificates []*x509.Certificate

	// TrustStore supplies anchors; an anchor wins a tie between issuers.
	TrustStore *TrustStore

	// Fetcher is consulted when the pool has no issuer. Nil means offline.
	Fetcher IssuerFetcher
}

// BuildChain walks from leaf to a self-signed root.
//
// An issuer must have a subject equal to the current certificate's issuer
// and a key that verifies its signature. When several candidates match, a
// trust anchor is preferred; otherwise the first in discovery order wins.
func BuildChain(ctx context.Context, leaf *x509.Certificate, opts ChainOptions) (CertificateChain, error) {
	if leaf == nil {
		return nil, &ChainBuildError{Reason: ChainIncomplete}
	}

	pool := make([]*x509.Certificate, 0, len(opts.Certificates)+len(opts.TrustStore.Anchors()))
	pool = append(pool, opts.Certificates...)
	pool = append(pool, opts.TrustStore.Anchors()...)

	chain := CertificateChain{leaf}
	current := leaf
	for !isSelfSigned(current) {
		if len(chain) >= maxChainDepth {
			return nil, &ChainBuildError{Certificate: current, Reason: ChainCycle}
		}

		candidates := issuerCandidates(current, pool)
		if len(candidates) == 0 && opts.Fetcher != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			fetched, err := opts.Fetcher.FetchIssuers(ctx, current)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, &ChainBuildError{Certificate: current, Reason: ChainIncomplete, Err: err}
			}
			pool = append(pool, fetched...)
			candidates = issuerCandidates(current, fetched)
		}
		if len(candidates) == 0 {
			return nil, &ChainBuildError{Certificate: current, Reason: ChainIncomplete}
		}

		issuer := pickIssuer(candidates, chain, opts.TrustStore)
		if issuer == nil {
			return nil, &ChainBuildError{Certificate: current, Reason: ChainCycle}
		}
		chain = append(chain, issuer)
		current = issuer
	}
	return chain, nil
}

func issuerCandidates(cert *x509.Certificate, pool []*x509.Certificate) []*x509.Certificate {
	var candidates []*x509.Certificate
	for _, c := range pool {
		if !bytes.Equal(c.RawSubject, cert.RawIssuer) {
			continue
		}
		if cert.CheckSignatureFrom(c) != nil {
			continue
		}
		if containsCertificate(candidates, c) {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// pickIssuer skips candidates already in the chain and prefers anchors.
func pickIssuer(candidates []*x509.Certificate, chain CertificateChain, trust *TrustStore) *x509.Certificate {
	var first *x509.Certificate
	for _, c := range candidates {
		if containsCertificate(chain, c) {
			continue
		}
		if trust.Contains(c) {
			return c
		}
		if first == nil {
			first = c
		}
	}
	return first
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawSubject, cert.RawIssuer) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func containsCertificate(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if bytes.Equal(c.Raw, cert.Raw) {
			return true
		}
	}
	return false
}
