package config

import (
	"fmt"
	"strings"

	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signing"
)

// ValidationMode is the signatureValidationMode setting.
type ValidationMode string

const (
	ValidationModeAccept  ValidationMode = "accept"
	ValidationModeRequire ValidationMode = "require"
)

// TrustPolicy is what the verify command derives from the config.
type TrustPolicy struct {
	AllowList            []signing.CertificateHashAllowListEntry
	UntrustedRootAllowed []signing.CertificateHashAllowListEntry
}

// TrustPolicy converts the trusted signers into allow-list entries. Author
// certificates admit author primary signatures; repository certificates
// admit repository signatures in either placement, limited to the owners.
func (c *Config) TrustPolicy() (TrustPolicy, error) {
	var policy TrustPolicy
	if c.TrustedSigners == nil {
		return policy, nil
	}

	add := func(signer string, cert Certificate, target signatures.VerificationTarget, placement signatures.SignaturePlacement, owners []string) error {
		hashAlg := signatures.HashAlgorithmSHA256
		if cert.HashAlgorithm != "" {
			var err error
			if hashAlg, err = signatures.ParseHashAlgorithm(cert.HashAlgorithm); err != nil {
				return fmt.Errorf("trusted signer %q: %w", signer, err)
			}
		}
		if strings.TrimSpace(cert.Fingerprint) == "" {
			return fmt.Errorf("trusted signer %q: certificate has no fingerprint", signer)
		}
		entry := signing.CertificateHashAllowListEntry{
			Fingerprint:   cert.Fingerprint,
			HashAlgorithm: hashAlg,
			Target:        target,
			Placement:     placement,
			Owners:        owners,
		}
		policy.AllowList = append(policy.AllowList, entry)
		if cert.AllowUntrustedRoot {
			policy.UntrustedRootAllowed = append(policy.UntrustedRootAllowed, entry)
		}
		return nil
	}

	for _, a := range c.TrustedSigners.Authors {
		for _, cert := range a.Certificates {
			if err := add(a.Name, cert, signatures.TargetAuthor, signatures.PlacementPrimarySignature, nil); err != nil {
				return TrustPolicy{}, err
			}
		}
	}
	for _, r := range c.TrustedSigners.Repositories {
		for _, cert := range r.Certificates {
			if err := add(r.Name, cert, signatures.TargetRepository, signatures.PlacementAny, r.OwnerList()); err != nil {
				return TrustPolicy{}, err
			}
		}
	}
	return policy, nil
}

// VerifierSettings returns the preset selected by signatureValidationMode,
// with revocationMode applied. An unset mode yields fallback.
func (c *Config) VerifierSettings(fallback signatures.VerifierSettings) (signatures.VerifierSettings, error) {
	settings := fallback
	switch mode := ValidationMode(strings.ToLower(c.GetValue(KeySignatureValidationMode))); mode {
	case "":
	case ValidationModeAccept:
		settings = signatures.AcceptModeDefault()
	case ValidationModeRequire:
		settings = signatures.RequireModeDefault()
	default:
		return settings, fmt.Errorf("invalid %s %q: want accept or require", KeySignatureValidationMode, mode)
	}

	if v := c.GetValue(KeyRevocationMode); v != "" {
		mode, err := signatures.ParseRevocationMode(v)
		if err != nil {
			return settings, fmt.Errorf("invalid %s: %w", KeyRevocationMode, err)
		}
		settings.RevocationMode = mode
	}
	return settings, nil
}
