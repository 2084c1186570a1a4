package signatures

import (
	"bytes"
	"context"
	"crypto/x509"
	"slices"
	"time"

	"github.com/willibrandon/nusign/observability"
)

// TimestampValidator verifies RFC 3161 timestamp tokens embedded in signatures.
type TimestampValidator struct {
	// TrustStore holds the trust anchors for timestamp authority chains.
	TrustStore *TrustStore

	// Certificates are extra chain-building candidates.
	Certificates []*x509.Certificate

	// Fetcher retrieves missing issuers online; nil keeps chain building offline.
	Fetcher IssuerFetcher

	// Revocation overrides the checker chosen from the settings' revocation mode.
	Revocation RevocationChecker

	// RevocationOptions configures the checker chosen from the revocation mode.
	RevocationOptions RevocationOptions

	Logger observability.Logger
}

// Verify validates ts, a timestamp over parent's signature value.
//
// Findings are appended to log and summarized in the returned flags. An
// error is returned only when ctx is cancelled. hashAlgorithm selects the
// fingerprint algorithm used in messages; the imprint is recomputed with the
// algorithm the token declares.
func (v *TimestampValidator) Verify(ctx context.Context, ts *Timestamp, parent *Signature, settings VerifierSettings, hashAlgorithm HashAlgorithmName, log *[]SignatureLog) (StatusFlags, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	logger := v.Logger
	if logger == nil {
		logger = observability.NewNullLogger()
	}

	var flags StatusFlags
	cert := ts.SignerCertificate
	if cert == nil {
		appendIssue(log, ErrorIssue(NU3020, "The timestamp's signing certificate is not found in the timestamp token."))
		return StatusNoCertificate, nil
	}
	fingerprint, err := CertificateFingerprint(cert, hashAlgorithm)
	if err != nil {
		fingerprint, _ = CertificateFingerprint(cert, HashAlgorithmSHA256)
	}
	logger.DebugContext(ctx, "Verifying timestamp from {Subject} ({Fingerprint})", cert.Subject.String(), fingerprint)

	// 1. token signature
	attrs, err := parseAttributes(ts.SignerInfo.SignedAttrs)
	if err == nil {
		err = validateSigningCertificate(attrs, cert, true)
	}
	if err == nil {
		err = ts.VerifyTokenSignature()
	}
	if err != nil {
		flags |= StatusSignatureCouldNotBeVerified
		appendIssue(log, ErrorIssue(NU3021, "The timestamp signature is invalid: %v", err))
	}

	// 2. message imprint over the parent signature value
	if ts.HashAlgorithm == "" {
		flags |= StatusMessageImprintUnsupportedAlgorithm
		appendIssue(log, ErrorIssue(NU3021, "The timestamp message imprint uses an unsupported hash algorithm."))
	} else if expected, _ := ts.HashAlgorithm.Sum(parent.SignatureValue()); !bytes.Equal(expected, ts.MessageImprint) {
		flags |= StatusSignatureCouldNotBeVerified
		appendIssue(log, ErrorIssue(NU3021, "The timestamp's message imprint does not match the %s.", parent.FriendlyName()))
	}

	if !slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageTimeStamping) {
		flags |= StatusSignatureCouldNotBeVerified
		appendIssue(log, ErrorIssue(NU3021, "The timestamp signing certificate %s does not have the time stamping enhanced key usage.", fingerprint))
	}
	if err := CheckSignerKeyLength(cert); err != nil {
		flags |= StatusCertificatePublicKeyInvalid
		appendIssue(log, ErrorIssue(NU3021, "The timestamp signing certificate has an unsupported key: %v", err))
	}

	// 3. timestamp authority chain
	chain, chainFlags, err := VerifyChainTrust(ctx, cert, ChainTrustOptions{
		Chain: ChainOptions{
			Certificates: v.Certificates,
			TrustStore:   v.TrustStore,
			Fetcher:      v.Fetcher,
		},
		Build: func(ctx context.Context, opts ChainOptions) (CertificateChain, error) {
			return GetTimestampCertificateChain(ctx, parent, ts, opts)
		},
		Code:           NU3028,
		AllowUntrusted: settings.AllowUntrusted,
	}, log)
	if err != nil {
		return flags, err
	}
	flags |= chainFlags

	// 4. generalized time against both validity windows
	if !timeWithinValidity(ts, cert) {
		flags |= StatusGeneralizedTimeOutsideValidity
		appendIssue(log, ErrorIssue(NU3036, "The timestamp's generalized time is outside the timestamping certificate's validity period."))
	}
	if signer := parent.SignerCertificate; signer != nil && !timeWithinValidity(ts, signer) {
		flags |= StatusGeneralizedTimeOutsideValidity
		appendIssue(log, WarningIssue(NU3036, "The timestamp's generalized time is outside the validity period of the %s certificate.", parent.FriendlyName()))
	}

	// 5. revocation
	if chain != nil {
		checker := v.Revocation
		if checker == nil {
			checker = NewRevocationChecker(settings.RevocationMode, v.RevocationOptions)
		}
		revocationFlags, err := CheckChainRevocation(ctx, chain, checker, settings, NU3028, log)
		flags |= revocationFlags
		if err != nil {
			return flags, err
		}
	}

	if flags != StatusNoErrors {
		logger.DebugContext(ctx, "Timestamp verification finished with {Flags}", flags.String())
	}
	return flags, nil
}

// IsValidForTrust reports whether flags leave the timestamp usable for
// extending trust past certificate expiry.
func IsValidForTrust(flags StatusFlags) bool {
	return !flags.Any(StatusIllegal | StatusSuspect | StatusGeneralizedTimeOutsideValidity | StatusChainBuildingFailure)
}

// timeWithinValidity checks the token's time, widened by its accuracy,
// against the certificate's validity period.
func timeWithinValidity(ts *Timestamp, cert *x509.Certificate) bool {
	return !ts.LowerLimit().Before(cert.NotBefore) && !ts.UpperLimit().After(cert.NotAfter)
}

// TrustedSigningTime returns the time a signature should be evaluated at:
// the earliest valid timestamp, or now.
func TrustedSigningTime(sig *Signature, valid func(*Timestamp) bool, now time.Time) time.Time {
	best := now
	for _, ts := range sig.Timestamps {
		if valid(ts) && ts.UpperLimit().Before(best) {
			best = ts.UpperLimit()
		}
	}
	return best
}
