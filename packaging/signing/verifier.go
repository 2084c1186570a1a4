package signing

import (
	"context"
	"fmt"
	"time"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// SignatureVerificationResult collects the provider results for one signature.
type SignatureVerificationResult struct {
	Signature *signatures.Signature

	// Status is the most severe provider verdict.
	Status signatures.VerificationStatus

	// Flags is the union of provider flags.
	Flags signatures.StatusFlags

	ProviderResults []*ProviderResult
}

// Issues returns every provider issue in provider order.
func (r *SignatureVerificationResult) Issues() []signatures.SignatureLog {
	var all []signatures.SignatureLog
	for _, pr := range r.ProviderResults {
		all = append(all, pr.Issues...)
	}
	return all
}

// GetErrorIssues returns the Error-level issues.
func (r *SignatureVerificationResult) GetErrorIssues() []signatures.SignatureLog {
	return signatures.FilterIssues(r.Issues(), signatures.LogLevelError)
}

// GetWarningIssues returns the Warning-level issues.
func (r *SignatureVerificationResult) GetWarningIssues() []signatures.SignatureLog {
	return signatures.FilterIssues(r.Issues(), signatures.LogLevelWarning)
}

// VerifySignaturesResult is the outcome of verifying a package.
type VerifySignaturesResult struct {
	// Valid is true when no Error issue was logged anywhere.
	Valid bool

	// Signed reports whether the package carried a signature.
	Signed bool

	Flags signatures.StatusFlags

	// Issues that are not tied to a single signature, such as NU3004.
	Issues []signatures.SignatureLog

	// Results in verification order: primary, then countersignature.
	Results []*SignatureVerificationResult

	// PackageResults holds the verdicts of package-level providers.
	PackageResults []*ProviderResult
}

// PackageIssues returns the issues not tied to a single signature.
func (r *VerifySignaturesResult) PackageIssues() []signatures.SignatureLog {
	all := append([]signatures.SignatureLog{}, r.Issues...)
	for _, pr := range r.PackageResults {
		all = append(all, pr.Issues...)
	}
	return all
}

// AllIssues returns the package issues followed by every signature's issues.
func (r *VerifySignaturesResult) AllIssues() []signatures.SignatureLog {
	all := r.PackageIssues()
	for _, sr := range r.Results {
		all = append(all, sr.Issues()...)
	}
	return all
}

// GetErrorIssues returns every Error-level issue.
func (r *VerifySignaturesResult) GetErrorIssues() []signatures.SignatureLog {
	return signatures.FilterIssues(r.AllIssues(), signatures.LogLevelError)
}

// GetWarningIssues returns every Warning-level issue.
func (r *VerifySignaturesResult) GetWarningIssues() []signatures.SignatureLog {
	return signatures.FilterIssues(r.AllIssues(), signatures.LogLevelWarning)
}

// PackageSignatureVerifier runs verification providers over the signatures
// of a package.
type PackageSignatureVerifier struct {
	providers []VerificationProvider
	logger    observability.Logger
}

// NewPackageSignatureVerifier returns a verifier that runs providers in order.
func NewPackageSignatureVerifier(providers []VerificationProvider, logger observability.Logger) *PackageSignatureVerifier {
	if logger == nil {
		logger = observability.NewNullLogger()
	}
	return &PackageSignatureVerifier{providers: providers, logger: logger}
}

// VerifySignatures verifies every signature selected by settings.
//
// Cancellation returns ctx.Err() and no result. Malformed signatures and
// unreadable packages are returned as errors; policy findings are issues.
func (v *PackageSignatureVerifier) VerifySignatures(ctx context.Context, pkg SignedPackageReader, settings signatures.VerifierSettings) (*VerifySignaturesResult, error) {
	ctx, span := observability.StartPackageVerifySpan(ctx, packagePath(pkg))
	start := time.Now()

	result, err := v.verify(ctx, pkg, settings)

	observability.VerificationDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		observability.SignatureVerificationsTotal.WithLabelValues("error").Inc()
	case result.Valid:
		observability.SignatureVerificationsTotal.WithLabelValues("valid").Inc()
	default:
		observability.SignatureVerificationsTotal.WithLabelValues("invalid").Inc()
	}
	if result != nil {
		span.SetAttributes(observability.AttrVerificationRes.Bool(result.Valid))
	}
	observability.EndSpanWithError(span, err)
	return result, err
}

func (v *PackageSignatureVerifier) verify(ctx context.Context, pkg SignedPackageReader, settings signatures.VerifierSettings) (*VerifySignaturesResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !pkg.IsSigned() {
		v.logger.DebugContext(ctx, "Package is not signed")
		if settings.AllowUnsigned {
			return &VerifySignaturesResult{Valid: true}, nil
		}
		return &VerifySignaturesResult{
			Flags:  signatures.StatusNoSignature,
			Issues: []signatures.SignatureLog{signatures.ErrorIssue(signatures.NU3004, "The package is not signed.")},
		}, nil
	}

	primary, err := pkg.GetPrimarySignature(ctx)
	if err != nil {
		return nil, err
	}

	result := &VerifySignaturesResult{Signed: true}
	selected, issues := selectSignatures(primary, settings)
	result.Issues = issues

	if len(selected) == 0 {
		if !settings.AllowUnsigned {
			result.Issues = append(result.Issues, signatures.ErrorIssue(signatures.NU3038,
				"The package signatures do not satisfy the verification target %s.", settings.VerificationTarget))
		}
		result.Valid = !signatures.HasErrors(result.Issues)
		return result, nil
	}

	for _, sig := range selected {
		sr, err := v.verifySignature(ctx, pkg, sig, settings)
		if err != nil {
			return nil, err
		}
		result.Results = append(result.Results, sr)
		result.Flags |= sr.Flags
	}

	for _, provider := range v.providers {
		pp, ok := provider.(PackageVerificationProvider)
		if !ok {
			continue
		}
		pr, err := v.runPackageProvider(ctx, pp, pkg, selected, settings)
		if err != nil {
			return nil, err
		}
		result.PackageResults = append(result.PackageResults, pr)
		result.Flags |= pr.Flags
	}

	result.Valid = !signatures.HasErrors(result.AllIssues())
	v.logger.DebugContext(ctx, "Verified {Count} signatures: valid={Valid} flags={Flags}", len(result.Results), result.Valid, result.Flags.String())
	return result, nil
}

func (v *PackageSignatureVerifier) verifySignature(ctx context.Context, pkg SignedPackageReader, sig *signatures.Signature, settings signatures.VerifierSettings) (*SignatureVerificationResult, error) {
	sr := &SignatureVerificationResult{Signature: sig, Status: signatures.VerificationValid}

	for _, provider := range v.providers {
		if _, ok := provider.(PackageVerificationProvider); ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("%T", provider)
		pctx, span := observability.StartProviderSpan(ctx, name, string(sig.Type))
		pr, err := provider.Verify(pctx, pkg, sig, settings)
		observability.EndSpanWithError(span, err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}

		if pr.Status != signatures.VerificationValid {
			v.logger.WarnContext(ctx, "{Provider} rejected the {Signature}: {Status} {Flags}", pr.Provider, sig.FriendlyName(), pr.Status.String(), pr.Flags.String())
		}
		sr.ProviderResults = append(sr.ProviderResults, pr)
		sr.Flags |= pr.Flags
		sr.Status = worseStatus(sr.Status, pr.Status)
	}
	return sr, nil
}

func (v *PackageSignatureVerifier) runPackageProvider(ctx context.Context, provider PackageVerificationProvider, pkg SignedPackageReader, sigs []*signatures.Signature, settings signatures.VerifierSettings) (*ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pctx, span := observability.StartProviderSpan(ctx, fmt.Sprintf("%T", provider), "package")
	pr, err := provider.VerifyPackage(pctx, pkg, sigs, settings)
	observability.EndSpanWithError(span, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if pr.Status != signatures.VerificationValid {
		v.logger.WarnContext(ctx, "{Provider} rejected the package: {Status}", pr.Provider, pr.Status.String())
	}
	return pr, nil
}

// selectSignatures returns the signatures to verify in order, plus any
// issue raised by a missing required countersignature.
func selectSignatures(primary *signatures.PrimarySignature, settings signatures.VerifierSettings) ([]*signatures.Signature, []signatures.SignatureLog) {
	var selected []*signatures.Signature
	var issues []signatures.SignatureLog

	if settings.VerificationTarget.Includes(primary.Type) && settings.SignaturePlacement.Allows(signatures.PlacementPrimary) {
		selected = append(selected, &primary.Signature)
	}

	counter := primary.RepositoryCountersignature
	placementAllowed := settings.SignaturePlacement.Allows(signatures.PlacementCountersignature)

	switch settings.CountersignatureBehavior {
	case signatures.CountersignatureNever:
	case signatures.CountersignatureAlways:
		if counter == nil && primary.Type == signatures.SignatureTypeAuthor {
			issues = append(issues, signatures.ErrorIssue(signatures.NU3038, "The author primary signature does not have a repository countersignature."))
		}
		if counter != nil && placementAllowed {
			selected = append(selected, &counter.Signature)
		}
	case signatures.CountersignatureIfExists:
		if counter != nil && placementAllowed {
			selected = append(selected, &counter.Signature)
		}
	default:
		if counter != nil && placementAllowed && settings.VerificationTarget.Includes(signatures.SignatureTypeRepository) {
			selected = append(selected, &counter.Signature)
		}
	}
	return selected, issues
}

// worseStatus orders verdicts Valid < Unknown < Disallowed < Suspect.
func worseStatus(a, b signatures.VerificationStatus) signatures.VerificationStatus {
	rank := func(s signatures.VerificationStatus) int {
		switch s {
		case signatures.VerificationValid:
			return 0
		case signatures.VerificationUnknown:
			return 1
		case signatures.VerificationDisallowed:
			return 2
		default:
			return 3
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}
