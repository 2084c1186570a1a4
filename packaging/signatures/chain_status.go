package signatures

import (
	"context"
	"crypto/x509"
	"errors"
)

// CheckChainRevocation evaluates every non-root certificate of chain and
// logs one issue per certificate that is revoked or unknown. ctx is checked
// before each lookup.
func CheckChainRevocation(ctx context.Context, chain CertificateChain, checker RevocationChecker, settings VerifierSettings, code LogCode, log *[]SignatureLog) (StatusFlags, error) {
	var flags StatusFlags
	for i := 0; i < len(chain)-1; i++ {
		if err := ctx.Err(); err != nil {
			return flags, err
		}
		cert, issuer := chain[i], chain.IssuerOf(i)
		result := checker.Check(ctx, cert, issuer)
		if err := ctx.Err(); err != nil {
			return flags, err
		}

		switch result.Status {
		case RevocationGood:
		case RevocationRevoked:
			flags |= StatusCertificateRevoked
			appendIssue(log, ErrorIssue(code, "The certificate %q is revoked.", cert.Subject.String()))
		default:
			flags |= StatusUnknownRevocation
			appendIssue(log, settings.UnknownRevocationIssue(code,
				"The revocation function was unable to check revocation for the certificate %q: %s", cert.Subject.String(), result.Reason))
		}
	}
	return flags, nil
}

// ChainTrustOptions configures VerifyChainTrust.
type ChainTrustOptions struct {
	Chain ChainOptions

	// Build replaces BuildChain for the leaf when set.
	Build func(ctx context.Context, opts ChainOptions) (CertificateChain, error)

	Code           LogCode
	AllowUntrusted bool
}

// VerifyChainTrust builds the chain for leaf and checks it ends in a trust
// anchor. Failures are logged, not returned; the error is reserved for
// cancellation. The chain is nil when it could not be built.
func VerifyChainTrust(ctx context.Context, leaf *x509.Certificate, opts ChainTrustOptions, log *[]SignatureLog) (CertificateChain, StatusFlags, error) {
	build := opts.Build
	if build == nil {
		build = func(ctx context.Context, chainOpts ChainOptions) (CertificateChain, error) {
			return BuildChain(ctx, leaf, chainOpts)
		}
	}
	chain, err := build(ctx, opts.Chain)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, 0, err
		}
		appendIssue(log, Issue(!opts.AllowUntrusted, opts.Code, "A certificate chain could not be built for %q: %v", leaf.Subject.String(), err))
		return nil, StatusChainBuildingFailure, nil
	}
	if !opts.Chain.TrustStore.IsTrusted(chain) {
		appendIssue(log, Issue(!opts.AllowUntrusted, opts.Code,
			"A certificate chain processed, but terminated in a root certificate %q which is not trusted by the trust provider.", chain.Root().Subject.String()))
		return chain, StatusUntrustedRoot, nil
	}
	return chain, StatusNoErrors, nil
}

func appendIssue(log *[]SignatureLog, issue SignatureLog) {
	if log != nil {
		*log = append(*log, issue)
	}
}
