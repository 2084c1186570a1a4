package signing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/nusign/packaging/signatures"
)

// stubProvider records the signatures it sees and returns a fixed verdict.
type stubProvider struct {
	name   string
	seen   *[]string
	flags  signatures.StatusFlags
	issues []signatures.SignatureLog
	before func()
	err    error
}

func (p *stubProvider) Verify(_ context.Context, _ SignedPackageReader, sig *signatures.Signature, _ signatures.VerifierSettings) (*ProviderResult, error) {
	if p.before != nil {
		p.before()
	}
	if p.seen != nil {
		*p.seen = append(*p.seen, fmt.Sprintf("%s:%s", p.name, sig.FriendlyName()))
	}
	if p.err != nil {
		return nil, p.err
	}
	return newProviderResult(p.name, p.flags, p.issues), nil
}

func TestVerifySignatures_Unsigned(t *testing.T) {
	pki := newTestPKI(t)
	pkg := openPackage(t, newPackage(t))
	var seen []string
	v := NewPackageSignatureVerifier([]VerificationProvider{&stubProvider{name: "stub", seen: &seen}}, nil)

	result, err := v.VerifySignatures(context.Background(), pkg, testSettings())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.Signed)
	assert.Equal(t, []signatures.LogCode{signatures.NU3004}, issueCodes(result.GetErrorIssues()))
	assert.True(t, result.Flags.Has(signatures.StatusNoSignature))
	assert.Empty(t, result.Results)
	assert.Empty(t, seen, "no provider runs on an unsigned package")

	settings := testSettings()
	settings.AllowUnsigned = true
	result, err = pki.verifier().VerifySignatures(context.Background(), pkg, settings)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.AllIssues())
}

func TestVerifySignatures_Tampered(t *testing.T) {
	pki := newTestPKI(t)
	signed := signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false)
	tampered := withSignature(t, newPackage(t, "Contoso.Utils.nuspec", "<package/>", "evil.dll", "payload"), primaryOf(t, signed).RawData)

	for _, settings := range []signatures.VerifierSettings{testSettings(), signatures.AcceptModeDefault()} {
		settings.RevocationMode = signatures.RevocationNoCheck
		result, err := pki.verifier().VerifySignatures(context.Background(), openPackage(t, tampered), settings)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Contains(t, issueCodes(result.GetErrorIssues()), signatures.NU3008)
		assert.True(t, result.Flags.Has(signatures.StatusIntegrityCheckFailed))
		require.Len(t, result.Results, 1)
		assert.Equal(t, signatures.VerificationSuspect, result.Results[0].Status)
	}
}

func TestVerifySignatures_UntrustedRoot(t *testing.T) {
	pki := newTestPKI(t)
	signed := openPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false))
	v := NewPackageSignatureVerifier(DefaultVerificationProviders(TrustOptions{}), nil)

	result, err := v.VerifySignatures(context.Background(), signed, testSettings())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	codes := issueCodes(result.GetErrorIssues())
	assert.Contains(t, codes, signatures.NU3018)
	assert.Contains(t, codes, signatures.NU3028)
	assert.True(t, result.Flags.Has(signatures.StatusUntrustedRoot))

	settings := testSettings()
	settings.AllowUntrusted = true
	result, err = v.VerifySignatures(context.Background(), signed, settings)
	require.NoError(t, err)
	assert.True(t, result.Valid, "errors: %v", result.GetErrorIssues())
	assert.Contains(t, issueCodes(result.GetWarningIssues()), signatures.NU3018)
}

func TestVerifySignatures_AllowList(t *testing.T) {
	pki := newTestPKI(t)
	signed := openPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false))
	fingerprint, err := signatures.CertificateFingerprint(pki.leaf.Certificate, signatures.HashAlgorithmSHA256)
	require.NoError(t, err)

	tests := []struct {
		name    string
		entries []CertificateHashAllowListEntry
		valid   bool
	}{
		{"empty list", nil, true},
		{"match", []CertificateHashAllowListEntry{{Fingerprint: fingerprint, Target: signatures.TargetAll}}, true},
		{"lowercase match", []CertificateHashAllowListEntry{{Fingerprint: strings.ToLower(fingerprint), Target: signatures.TargetAuthor}}, true},
		{"no match", []CertificateHashAllowListEntry{{Fingerprint: "AA", Target: signatures.TargetAll}}, false},
		{"wrong target", []CertificateHashAllowListEntry{{Fingerprint: fingerprint, Target: signatures.TargetRepository}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := pki.trustOptions()
			opts.AllowList = tt.entries
			v := NewPackageSignatureVerifier(DefaultVerificationProviders(opts), nil)

			result, err := v.VerifySignatures(context.Background(), signed, testSettings())
			require.NoError(t, err)
			assert.Equal(t, tt.valid, result.Valid, "errors: %v", result.GetErrorIssues())
			if !tt.valid {
				assert.Equal(t, []signatures.LogCode{signatures.NU3034}, issueCodes(result.GetErrorIssues()))
			}
		})
	}
}

func TestVerifySignatures_AllowListCountersigned(t *testing.T) {
	pki := newTestPKI(t)
	repo := pki.root.NewCodeSigningLeaf(t, "Contoso Repository")
	authorSigned := signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false)
	countersigned := signPackage(t, authorSigned, pki.requestFor(repo, signatures.SignatureTypeRepository), false)

	authorFingerprint, err := signatures.CertificateFingerprint(pki.leaf.Certificate, signatures.HashAlgorithmSHA256)
	require.NoError(t, err)
	repoFingerprint, err := signatures.CertificateFingerprint(repo.Certificate, signatures.HashAlgorithmSHA256)
	require.NoError(t, err)

	tests := []struct {
		name     string
		entries  []CertificateHashAllowListEntry
		allowAny bool
		valid    bool
		errors   []signatures.LogCode
		warnings []signatures.LogCode
	}{
		{
			name: "countersigner only",
			entries: []CertificateHashAllowListEntry{
				{Fingerprint: "abc", Target: signatures.TargetAll, Placement: signatures.PlacementAny},
				{Fingerprint: repoFingerprint, Target: signatures.TargetAll, Placement: signatures.PlacementAny},
			},
			valid: true,
		},
		{
			name:    "trusted repository",
			entries: []CertificateHashAllowListEntry{{Fingerprint: repoFingerprint, Target: signatures.TargetRepository, Placement: signatures.PlacementAny}},
			valid:   true,
		},
		{
			name:    "trusted author",
			entries: []CertificateHashAllowListEntry{{Fingerprint: authorFingerprint, Target: signatures.TargetAuthor, Placement: signatures.PlacementPrimarySignature}},
			valid:   true,
		},
		{
			name:    "author certificate as countersigner",
			entries: []CertificateHashAllowListEntry{{Fingerprint: authorFingerprint, Target: signatures.TargetAll, Placement: signatures.PlacementCountersignatureOnly}},
			valid:   false,
			errors:  []signatures.LogCode{signatures.NU3034},
		},
		{
			name:    "no match",
			entries: []CertificateHashAllowListEntry{{Fingerprint: "abc", Target: signatures.TargetAll}},
			valid:   false,
			errors:  []signatures.LogCode{signatures.NU3034},
		},
		{
			name:     "no match allowing untrusted",
			entries:  []CertificateHashAllowListEntry{{Fingerprint: "abc", Target: signatures.TargetAll}},
			allowAny: true,
			valid:    true,
			warnings: []signatures.LogCode{signatures.NU3034},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := pki.trustOptions()
			opts.AllowList = tt.entries
			v := NewPackageSignatureVerifier(DefaultVerificationProviders(opts), nil)
			settings := testSettings()
			settings.AllowUntrusted = tt.allowAny

			result, err := v.VerifySignatures(context.Background(), openPackage(t, countersigned), settings)
			require.NoError(t, err)
			require.Len(t, result.Results, 2)
			assert.Equal(t, tt.valid, result.Valid, "errors: %v", result.GetErrorIssues())
			assert.Equal(t, tt.errors, nilIfEmpty(issueCodes(result.GetErrorIssues())))
			assert.Equal(t, tt.warnings, nilIfEmpty(issueCodes(result.GetWarningIssues())))
			require.Len(t, result.PackageResults, 1)
			assert.Equal(t, "AllowList", result.PackageResults[0].Provider)
			for _, sr := range result.Results {
				for _, pr := range sr.ProviderResults {
					assert.NotEqual(t, "AllowList", pr.Provider, "the allow-list runs once per package")
				}
			}
		})
	}
}

func nilIfEmpty(codes []signatures.LogCode) []signatures.LogCode {
	if len(codes) == 0 {
		return nil
	}
	return codes
}

func TestVerifySignatures_Selection(t *testing.T) {
	pki := newTestPKI(t)
	authorOnly := openPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false))
	countersigned := openPackage(t, signPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false), pki.request(signatures.SignatureTypeRepository), false))
	repoPrimary := openPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeRepository), false))

	const (
		author     = "stub:author primary signature"
		repository = "stub:repository primary signature"
		counter    = "stub:repository countersignature"
	)

	tests := []struct {
		name      string
		pkg       SignedPackageReader
		target    signatures.VerificationTarget
		placement signatures.SignaturePlacement
		behavior  signatures.CountersignatureBehavior
		seen      []string
		errors    []signatures.LogCode
	}{
		{"author all", countersigned, signatures.TargetAll, signatures.PlacementAny, signatures.CountersignatureIfExistsAndIsNecessary, []string{author, counter}, nil},
		{"author target skips necessary countersignature", countersigned, signatures.TargetAuthor, signatures.PlacementAny, signatures.CountersignatureIfExistsAndIsNecessary, []string{author}, nil},
		{"if exists ignores target", countersigned, signatures.TargetAuthor, signatures.PlacementAny, signatures.CountersignatureIfExists, []string{author, counter}, nil},
		{"never", countersigned, signatures.TargetAll, signatures.PlacementAny, signatures.CountersignatureNever, []string{author}, nil},
		{"countersignature placement", countersigned, signatures.TargetAll, signatures.PlacementCountersignatureOnly, signatures.CountersignatureIfExists, []string{counter}, nil},
		{"repository target on countersigned", countersigned, signatures.TargetRepository, signatures.PlacementAny, signatures.CountersignatureIfExistsAndIsNecessary, []string{counter}, nil},
		{"always without countersignature", authorOnly, signatures.TargetAll, signatures.PlacementAny, signatures.CountersignatureAlways, []string{author}, []signatures.LogCode{signatures.NU3038}},
		{"always on repository primary", repoPrimary, signatures.TargetAll, signatures.PlacementAny, signatures.CountersignatureAlways, []string{repository}, nil},
		{"nothing eligible", authorOnly, signatures.TargetRepository, signatures.PlacementAny, signatures.CountersignatureIfExistsAndIsNecessary, nil, []signatures.LogCode{signatures.NU3038}},
		{"primary placement on countersignature target", countersigned, signatures.TargetRepository, signatures.PlacementPrimarySignature, signatures.CountersignatureIfExists, nil, []signatures.LogCode{signatures.NU3038}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen []string
			v := NewPackageSignatureVerifier([]VerificationProvider{&stubProvider{name: "stub", seen: &seen}}, nil)
			settings := testSettings()
			settings.VerificationTarget = tt.target
			settings.SignaturePlacement = tt.placement
			settings.CountersignatureBehavior = tt.behavior

			result, err := v.VerifySignatures(context.Background(), tt.pkg, settings)
			require.NoError(t, err)
			assert.Equal(t, tt.seen, seen)
			assert.Equal(t, len(tt.errors) == 0, result.Valid)
			if len(tt.errors) > 0 {
				assert.Equal(t, tt.errors, issueCodes(result.GetErrorIssues()))
			}
		})
	}

	t.Run("nothing eligible but unsigned allowed", func(t *testing.T) {
		v := NewPackageSignatureVerifier(nil, nil)
		settings := testSettings()
		settings.VerificationTarget = signatures.TargetRepository
		settings.AllowUnsigned = true
		result, err := v.VerifySignatures(context.Background(), authorOnly, settings)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Empty(t, result.Results)
	})
}

func TestVerifySignatures_ProviderOrderAndAggregation(t *testing.T) {
	pki := newTestPKI(t)
	pkg := openPackage(t, signPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false), pki.request(signatures.SignatureTypeRepository), false))

	var seen []string
	v := NewPackageSignatureVerifier([]VerificationProvider{
		&stubProvider{name: "first", seen: &seen, flags: signatures.StatusUnknownRevocation,
			issues: []signatures.SignatureLog{signatures.WarningIssue(signatures.NU3018, "revocation unknown")}},
		&stubProvider{name: "second", seen: &seen, flags: signatures.StatusUntrustedRoot,
			issues: []signatures.SignatureLog{signatures.ErrorIssue(signatures.NU3018, "untrusted")}},
	}, nil)

	result, err := v.VerifySignatures(context.Background(), pkg, testSettings())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"first:author primary signature",
		"second:author primary signature",
		"first:repository countersignature",
		"second:repository countersignature",
	}, seen)

	assert.False(t, result.Valid)
	assert.Equal(t, signatures.StatusUnknownRevocation|signatures.StatusUntrustedRoot, result.Flags)
	require.Len(t, result.Results, 2)
	for _, sr := range result.Results {
		assert.Equal(t, signatures.VerificationDisallowed, sr.Status)
		require.Len(t, sr.ProviderResults, 2)
		assert.Equal(t, "first", sr.ProviderResults[0].Provider)
		assert.Len(t, sr.GetErrorIssues(), 1)
		assert.Len(t, sr.GetWarningIssues(), 1)
	}
	assert.Len(t, result.GetErrorIssues(), 2)
	assert.Len(t, result.GetWarningIssues(), 2)
}

func TestVerifySignatures_Cancelled(t *testing.T) {
	pki := newTestPKI(t)
	pkg := openPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false))

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, err := pki.verifier().VerifySignatures(ctx, pkg, testSettings())
		require.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, result)
	})

	t.Run("between providers", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var seen []string
		v := NewPackageSignatureVerifier([]VerificationProvider{
			&stubProvider{name: "first", seen: &seen, before: cancel},
			&stubProvider{name: "second", seen: &seen},
		}, nil)

		result, err := v.VerifySignatures(ctx, pkg, testSettings())
		require.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, result)
		assert.Equal(t, []string{"first:author primary signature"}, seen)
	})
}

func TestVerifySignatures_Errors(t *testing.T) {
	pki := newTestPKI(t)

	t.Run("malformed signature", func(t *testing.T) {
		pkg := openPackage(t, withSignature(t, newPackage(t), []byte("not a signature")))
		result, err := pki.verifier().VerifySignatures(context.Background(), pkg, testSettings())
		var formatErr *signatures.FormatError
		require.ErrorAs(t, err, &formatErr)
		assert.Nil(t, result)
	})

	t.Run("provider failure", func(t *testing.T) {
		pkg := openPackage(t, signPackage(t, newPackage(t), pki.request(signatures.SignatureTypeAuthor), false))
		boom := errors.New("boom")
		v := NewPackageSignatureVerifier([]VerificationProvider{&stubProvider{name: "broken", err: boom}}, nil)
		result, err := v.VerifySignatures(context.Background(), pkg, testSettings())
		require.ErrorIs(t, err, boom)
		assert.Nil(t, result)
	})
}
