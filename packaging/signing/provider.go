// Package signing verifies and creates package signatures.
//
// Verification runs every eligible signature of a package through a fixed
// list of VerificationProviders and aggregates their findings. Signing
// computes the package content hash, produces a CMS signature through a
// SignatureProvider and writes it into the archive.
package signing

import (
	"context"
	"crypto/x509"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// SignedPackageReader is the package view verification needs.
// *packaging.PackageReader implements it.
type SignedPackageReader interface {
	IsSigned() bool
	GetPrimarySignature(ctx context.Context) (*signatures.PrimarySignature, error)
	GetContentHash(ctx context.Context, hashAlgorithm signatures.HashAlgorithmName) ([]byte, error)
}

// VerificationProvider checks one aspect of a single signature.
//
// Policy findings go into the result. An error aborts verification and is
// reserved for cancellation and unreadable packages.
type VerificationProvider interface {
	Verify(ctx context.Context, pkg SignedPackageReader, sig *signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error)
}

// PackageVerificationProvider is implemented by providers whose verdict
// depends on the selected signatures together. The pipeline calls
// VerifyPackage once per package instead of Verify per signature.
type PackageVerificationProvider interface {
	VerificationProvider
	VerifyPackage(ctx context.Context, pkg SignedPackageReader, sigs []*signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error)
}

// ProviderResult is one provider's verdict on one signature, or on the
// package for a PackageVerificationProvider.
type ProviderResult struct {
	Provider string
	Status   signatures.VerificationStatus
	Flags    signatures.StatusFlags
	Issues   []signatures.SignatureLog
}

func newProviderResult(provider string, flags signatures.StatusFlags, issues []signatures.SignatureLog) *ProviderResult {
	return &ProviderResult{
		Provider: provider,
		Status:   signatures.StatusFromFlags(flags, issues),
		Flags:    flags,
		Issues:   issues,
	}
}

// packagePath returns the package file name for diagnostics when the reader knows it.
func packagePath(pkg any) string {
	if p, ok := pkg.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

// TrustOptions configures the default providers.
type TrustOptions struct {
	TrustStore   *signatures.TrustStore
	Certificates []*x509.Certificate
	Fetcher      signatures.IssuerFetcher

	RevocationOptions signatures.RevocationOptions

	AllowList []CertificateHashAllowListEntry

	// UntrustedRootAllowed is passed to the trust provider.
	UntrustedRootAllowed []CertificateHashAllowListEntry

	Logger observability.Logger
}

// DefaultVerificationProviders returns the integrity, trust, timestamp and
// allow-list providers in that order.
func DefaultVerificationProviders(opts TrustOptions) []VerificationProvider {
	return []VerificationProvider{
		&IntegrityVerificationProvider{Logger: opts.Logger},
		&SignatureTrustAndValidityVerificationProvider{
			TrustStore:           opts.TrustStore,
			Certificates:         opts.Certificates,
			Fetcher:              opts.Fetcher,
			RevocationOptions:    opts.RevocationOptions,
			UntrustedRootAllowed: opts.UntrustedRootAllowed,
			Logger:               opts.Logger,
		},
		&TimestampVerificationProvider{
			Validator: &signatures.TimestampValidator{
				TrustStore:        opts.TrustStore,
				Certificates:      opts.Certificates,
				Fetcher:           opts.Fetcher,
				RevocationOptions: opts.RevocationOptions,
				Logger:            opts.Logger,
			},
			Logger: opts.Logger,
		},
		NewAllowListVerificationProvider(opts.AllowList),
	}
}
