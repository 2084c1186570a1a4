package signing

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// IntegrityVerificationProvider checks the CMS signature value and, for a
// primary signature, that the signed content hash matches the package.
type IntegrityVerificationProvider struct {
	Logger observability.Logger
}

// Verify implements VerificationProvider.
func (p *IntegrityVerificationProvider) Verify(ctx context.Context, pkg SignedPackageReader, sig *signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error) {
	const name = "Integrity"
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	code := signatures.NU3011
	if sig.Placement == signatures.PlacementCountersignature {
		code = signatures.NU3031
	}

	if err := sig.VerifySignatureValue(); err != nil {
		flags := signatures.StatusSignatureCouldNotBeVerified
		if errors.Is(err, signatures.ErrUnsupportedSignatureAlgorithm) {
			flags = signatures.StatusSignatureAlgorithmUnsupported
		} else if errors.Is(err, signatures.ErrUnsupportedHashAlgorithm) {
			flags = signatures.StatusHashAlgorithmUnsupported
		}
		issues := []signatures.SignatureLog{
			signatures.Issue(!settings.AllowIllegal, code, "The %s is invalid: %v", sig.FriendlyName(), err),
		}
		return newProviderResult(name, flags, issues), nil
	}

	if sig.Placement == signatures.PlacementCountersignature {
		return newProviderResult(name, signatures.StatusNoErrors, nil), nil
	}

	content := sig.Primary().Content
	hash, err := pkg.GetContentHash(ctx, content.HashAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("compute package content hash: %w", err)
	}
	if !bytes.Equal(hash, content.HashValue) {
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "Package content hash {Actual} does not match signed hash {Expected}", fmt.Sprintf("%X", hash), fmt.Sprintf("%X", content.HashValue))
		}
		issues := []signatures.SignatureLog{
			signatures.ErrorIssue(signatures.NU3008, "The package integrity check failed. The package has changed since it was signed."),
		}
		return newProviderResult(name, signatures.StatusIntegrityCheckFailed, issues), nil
	}
	return newProviderResult(name, signatures.StatusNoErrors, nil), nil
}
