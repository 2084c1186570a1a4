package signing

import (
	"context"
	"strings"

	"github.com/willibrandon/nusign/packaging/signatures"
)

// CertificateHashAllowListEntry admits signatures whose signer certificate
// has the given fingerprint.
type CertificateHashAllowListEntry struct {
	Fingerprint string

	// HashAlgorithm of Fingerprint; SHA256 when empty.
	HashAlgorithm signatures.HashAlgorithmName

	Target    signatures.VerificationTarget
	Placement signatures.SignaturePlacement

	// Owners restricts a repository entry to packages listing at least one
	// of these owners. Empty means any owner.
	Owners []string
}

func (e CertificateHashAllowListEntry) matches(sig *signatures.Signature) bool {
	if !e.Target.Includes(sig.Type) || !e.Placement.Allows(sig.Placement) {
		return false
	}
	hashAlg := e.HashAlgorithm
	if hashAlg == "" {
		hashAlg = signatures.HashAlgorithmSHA256
	}
	fingerprint, err := signatures.CertificateFingerprint(sig.SignerCertificate, hashAlg)
	if err != nil || fingerprint != signatures.NormalizeFingerprint(e.Fingerprint) {
		return false
	}
	if len(e.Owners) == 0 || sig.Type != signatures.SignatureTypeRepository {
		return true
	}
	for _, want := range e.Owners {
		for _, have := range sig.PackageOwners {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// AllowListVerificationProvider admits a package when at least one of its
// selected signatures was made by a signer on the allow-list. An empty list
// admits every package.
type AllowListVerificationProvider struct {
	Entries []CertificateHashAllowListEntry

	// Name distinguishes several allow-lists in results.
	Name string
}

// NewAllowListVerificationProvider returns a provider for entries.
func NewAllowListVerificationProvider(entries []CertificateHashAllowListEntry) *AllowListVerificationProvider {
	return &AllowListVerificationProvider{Entries: entries, Name: "AllowList"}
}

func (p *AllowListVerificationProvider) name() string {
	if p.Name == "" {
		return "AllowList"
	}
	return p.Name
}

// Verify checks sig on its own. The pipeline calls VerifyPackage instead.
func (p *AllowListVerificationProvider) Verify(ctx context.Context, pkg SignedPackageReader, sig *signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error) {
	return p.VerifyPackage(ctx, pkg, []*signatures.Signature{sig}, settings)
}

// VerifyPackage implements PackageVerificationProvider. NU3034 is a warning
// when settings allow untrusted signers.
func (p *AllowListVerificationProvider) VerifyPackage(ctx context.Context, _ SignedPackageReader, sigs []*signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(p.Entries) == 0 || len(sigs) == 0 {
		return newProviderResult(p.name(), signatures.StatusNoErrors, nil), nil
	}

	for _, sig := range sigs {
		if sig.SignerCertificate == nil {
			continue
		}
		for _, entry := range p.Entries {
			if entry.matches(sig) {
				return newProviderResult(p.name(), signatures.StatusNoErrors, nil), nil
			}
		}
	}
	issues := []signatures.SignatureLog{
		signatures.Issue(!settings.AllowUntrusted, signatures.NU3034,
			"The package signing certificates do not match any certificate in the allow-list."),
	}
	return newProviderResult(p.name(), signatures.StatusNoErrors, issues), nil
}
