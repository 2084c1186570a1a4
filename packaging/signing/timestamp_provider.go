package signing

import (
	"context"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// TimestampVerificationProvider validates the RFC 3161 timestamps of a
// signature with a signatures.TimestampValidator.
type TimestampVerificationProvider struct {
	Validator *signatures.TimestampValidator
	Logger    observability.Logger
}

// Verify implements VerificationProvider.
func (p *TimestampVerificationProvider) Verify(ctx context.Context, _ SignedPackageReader, sig *signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error) {
	const name = "Timestamp"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch {
	case len(sig.Timestamps) == 0:
		issues := []signatures.SignatureLog{
			signatures.Issue(!settings.AllowNoTimestamp, signatures.NU3027,
				"The %s should be timestamped to enable long-term signature validity after the certificate has expired.", sig.FriendlyName()),
		}
		return newProviderResult(name, signatures.StatusNoValidTimestamp, issues), nil
	case len(sig.Timestamps) > 1 && !settings.AllowMultipleTimestamps:
		issues := []signatures.SignatureLog{
			signatures.ErrorIssue(signatures.NU3000, "The %s has multiple timestamps.", sig.FriendlyName()),
		}
		return newProviderResult(name, signatures.StatusMultipleTimestamps, issues), nil
	}

	validator := p.Validator
	if validator == nil {
		validator = &signatures.TimestampValidator{Logger: p.Logger}
	}

	var flags signatures.StatusFlags
	var issues []signatures.SignatureLog
	for _, ts := range sig.Timestamps {
		var log []signatures.SignatureLog
		tsFlags, err := validator.Verify(ctx, ts, sig, settings, signatures.HashAlgorithmSHA256, &log)
		if err != nil {
			return nil, err
		}
		flags |= tsFlags
		issues = append(issues, log...)
	}

	if settings.AllowIgnoreTimestamp && signatures.HasErrors(issues) {
		for i := range issues {
			if issues[i].Level == signatures.LogLevelError {
				issues[i].Level = signatures.LogLevelWarning
			}
		}
		// An ignored timestamp cannot make the signature suspect.
		result := newProviderResult(name, flags, issues)
		result.Status = signatures.StatusFromFlags(flags&^signatures.StatusSuspect, issues)
		return result, nil
	}
	return newProviderResult(name, flags, issues), nil
}
