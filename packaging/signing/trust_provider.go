package signing

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// SignatureTrustAndValidityVerificationProvider checks the signer
// certificate: its chain and trust anchor, key, validity period and
// revocation status.
type SignatureTrustAndValidityVerificationProvider struct {
	TrustStore *signatures.TrustStore

	// Certificates are extra chain-building candidates.
	Certificates []*x509.Certificate

	// Fetcher retrieves missing issuers; nil keeps chain building offline.
	Fetcher signatures.IssuerFetcher

	// Revocation overrides the checker chosen from the settings.
	Revocation        signatures.RevocationChecker
	RevocationOptions signatures.RevocationOptions

	// UntrustedRootAllowed lists signers that may chain to a root outside
	// TrustStore, as trusted signers marked allowUntrustedRoot do.
	UntrustedRootAllowed []CertificateHashAllowListEntry

	// Now defaults to time.Now.
	Now func() time.Time

	Logger observability.Logger
}

// Verify implements VerificationProvider.
func (p *SignatureTrustAndValidityVerificationProvider) Verify(ctx context.Context, _ SignedPackageReader, sig *signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error) {
	const name = "SignatureTrustAndValidity"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}

	code := signatures.NU3018
	if sig.Placement == signatures.PlacementCountersignature {
		code = signatures.NU3035
	}

	var flags signatures.StatusFlags
	var issues []signatures.SignatureLog

	cert := sig.SignerCertificate
	if cert == nil {
		issues = append(issues, signatures.Issue(!settings.AllowIllegal, code, "The %s signing certificate was not found.", sig.FriendlyName()))
		return newProviderResult(name, signatures.StatusNoCertificate, issues), nil
	}
	logger.DebugContext(ctx, "Checking trust of {Signature} signed by {Subject}", sig.FriendlyName(), cert.Subject.String())

	if err := signatures.CheckSignerKeyLength(cert); err != nil {
		flags |= signatures.StatusCertificatePublicKeyInvalid
		issues = append(issues, signatures.Issue(!settings.AllowIllegal, signatures.NU3013, "The %s signing certificate has an unsupported key: %v", sig.FriendlyName(), err))
	}
	if !signatures.HasExtKeyUsage(cert, x509.ExtKeyUsageCodeSigning) {
		flags |= signatures.StatusSignatureCouldNotBeVerified
		issues = append(issues, signatures.Issue(!settings.AllowIllegal, code, "The %s signing certificate is not valid for code signing.", sig.FriendlyName()))
	}

	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	signedAt := now
	if now.After(cert.NotAfter) {
		signedAt = signatures.TrustedSigningTime(sig, p.timestampValidForTrust(ctx, sig, settings), now)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	switch {
	case now.Before(cert.NotBefore):
		flags |= signatures.StatusCertificateValidityInTheFuture
		issues = append(issues, signatures.ErrorIssue(code, "The %s signing certificate is not yet valid.", sig.FriendlyName()))
	case signedAt.After(cert.NotAfter):
		flags |= signatures.StatusCertificateExpired
		issues = append(issues, signatures.ErrorIssue(signatures.NU3037, "The %s validity period has expired.", sig.FriendlyName()))
	case now.After(cert.NotAfter):
		issues = append(issues, signatures.InformationIssue(code, "The %s signing certificate has expired but a timestamp proves it was valid at signing time.", sig.FriendlyName()))
	}

	chainOpts := signatures.ChainOptions{
		Certificates: p.Certificates,
		TrustStore:   p.TrustStore,
		Fetcher:      p.Fetcher,
	}
	chain, chainFlags, err := signatures.VerifyChainTrust(ctx, cert, signatures.ChainTrustOptions{
		Chain: chainOpts,
		Build: func(ctx context.Context, opts signatures.ChainOptions) (signatures.CertificateChain, error) {
			if primary := sig.Primary(); sig.Placement == signatures.PlacementCountersignature && primary != nil && primary.RepositoryCountersignature != nil {
				return signatures.GetRepositoryCountersignatureCertificateChain(ctx, primary, opts)
			}
			return signatures.GetSigningCertificateChain(ctx, sig, opts)
		},
		Code:           code,
		AllowUntrusted: settings.AllowUntrusted || p.untrustedRootAllowed(sig),
	}, &issues)
	if err != nil {
		return nil, err
	}
	flags |= chainFlags

	if chain != nil {
		checker := p.Revocation
		if checker == nil {
			checker = signatures.NewRevocationChecker(settings.RevocationMode, p.RevocationOptions)
		}
		revocationFlags, err := signatures.CheckChainRevocation(ctx, chain, checker, settings, code, &issues)
		if err != nil {
			return nil, err
		}
		flags |= revocationFlags
	}

	return newProviderResult(name, flags, issues), nil
}

func (p *SignatureTrustAndValidityVerificationProvider) untrustedRootAllowed(sig *signatures.Signature) bool {
	for _, entry := range p.UntrustedRootAllowed {
		if entry.matches(sig) {
			return true
		}
	}
	return false
}

// timestampValidForTrust reports which timestamps of sig may stand in for
// the current time once the signer certificate has expired.
func (p *SignatureTrustAndValidityVerificationProvider) timestampValidForTrust(ctx context.Context, sig *signatures.Signature, settings signatures.VerifierSettings) func(*signatures.Timestamp) bool {
	validator := &signatures.TimestampValidator{
		TrustStore:        p.TrustStore,
		Certificates:      p.Certificates,
		Fetcher:           p.Fetcher,
		Revocation:        p.Revocation,
		RevocationOptions: p.RevocationOptions,
		Logger:            p.Logger,
	}
	return func(ts *signatures.Timestamp) bool {
		flags, err := validator.Verify(ctx, ts, sig, settings, signatures.HashAlgorithmSHA256, nil)
		if err != nil || !signatures.IsValidForTrust(flags) {
			return false
		}
		return settings.AllowUntrusted || !flags.Has(signatures.StatusUntrustedRoot)
	}
}
