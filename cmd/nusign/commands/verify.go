package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nusign/cache"
	"github.com/willibrandon/nusign/cmd/nusign/output"
	nhttp "github.com/willibrandon/nusign/http"
	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging"
	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signing"
)

type verifyOptions struct {
	configFile     string
	format         string
	target         string
	revocationMode string
	trustRoots     []string
	noSystemRoots  bool
	fingerprints   []string
	cacheDir       string
	noCache        bool

	// Set by tests; the CLI uses the global client and run logger.
	httpClient signatures.HTTPDoer
	logger     observability.Logger
}

// NewVerifyCommand creates the verify command
func NewVerifyCommand(console *output.Console) *cobra.Command {
	opts := &verifyOptions{}

	cmd := &cobra.Command{
		Use:   "verify <package-path>...",
		Short: "Verify the signatures of NuGet packages",
		Long: `Verify package integrity, certificate trust, timestamps and revocation
for every signature of one or more packages.

The policy follows signatureValidationMode and revocationMode from the
config file. Signers listed under trustedSigners form an allow-list.

Examples:
  nusign verify Contoso.Lib.1.0.0.nupkg
  nusign verify *.nupkg --trust-root corp-root.pem --revocation-mode offline
  nusign verify pkg.nupkg --certificate-fingerprint 3F9001EA83C5... --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), console, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format (text, json)")
	cmd.Flags().StringVar(&opts.target, "target", "all", "Signatures to verify (all, author, repository)")
	cmd.Flags().StringVar(&opts.revocationMode, "revocation-mode", "", "Revocation mode (online, offline, nocheck); overrides config")
	cmd.Flags().StringSliceVar(&opts.trustRoots, "trust-root", nil, "Additional trusted root certificate file (PEM or DER, repeatable)")
	cmd.Flags().BoolVar(&opts.noSystemRoots, "no-system-roots", false, "Do not trust the system root store")
	cmd.Flags().StringSliceVar(&opts.fingerprints, "certificate-fingerprint", nil, "SHA-256 fingerprint of an allowed signing certificate (repeatable)")
	cmd.Flags().StringVar(&opts.cacheDir, "revocation-cache", "", "Revocation response cache directory (default: user cache dir)")
	cmd.Flags().BoolVar(&opts.noCache, "no-revocation-cache", false, "Keep revocation responses in memory only")

	return cmd
}

func parseTarget(s string) (signatures.VerificationTarget, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return signatures.TargetAll, nil
	case "author":
		return signatures.TargetAuthor, nil
	case "repository":
		return signatures.TargetRepository, nil
	default:
		return signatures.TargetAll, fmt.Errorf("invalid target %q (all, author, repository)", s)
	}
}

// verification is everything a verify run needs besides the packages.
type verification struct {
	verifier *signing.PackageSignatureVerifier
	settings signatures.VerifierSettings
}

func (o *verifyOptions) prepare(console *output.Console) (*verification, error) {
	cfg, _, err := loadConfig(o.configFile)
	if err != nil {
		return nil, err
	}
	settings, err := cfg.VerifierSettings(signatures.VerifyCommandDefault())
	if err != nil {
		return nil, err
	}
	if o.revocationMode != "" {
		if settings.RevocationMode, err = signatures.ParseRevocationMode(o.revocationMode); err != nil {
			return nil, err
		}
	}
	if settings.VerificationTarget, err = parseTarget(o.target); err != nil {
		return nil, err
	}

	policy, err := cfg.TrustPolicy()
	if err != nil {
		return nil, err
	}
	for _, fp := range o.fingerprints {
		policy.AllowList = append(policy.AllowList, signing.CertificateHashAllowListEntry{
			Fingerprint:   fp,
			HashAlgorithm: signatures.HashAlgorithmSHA256,
			Target:        signatures.TargetAll,
			Placement:     signatures.PlacementAny,
		})
	}

	trustStore, err := o.trustStore(console)
	if err != nil {
		return nil, err
	}
	revocationCache, err := o.revocationCache()
	if err != nil {
		return nil, err
	}

	logger := commandLogger(o.logger)
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = nhttp.GetGlobalClient()
	}

	providers := signing.DefaultVerificationProviders(signing.TrustOptions{
		TrustStore: trustStore,
		Fetcher:    signatures.NewAIAIssuerFetcher(httpClient, logger),
		RevocationOptions: signatures.RevocationOptions{
			HTTPClient: httpClient,
			Cache:      revocationCache,
			Logger:     logger,
		},
		AllowList:            policy.AllowList,
		UntrustedRootAllowed: policy.UntrustedRootAllowed,
		Logger:               logger,
	})
	return &verification{
		verifier: signing.NewPackageSignatureVerifier(providers, logger),
		settings: settings,
	}, nil
}

func (o *verifyOptions) trustStore(console *output.Console) (*signatures.TrustStore, error) {
	ts := signatures.NewTrustStore()
	if !o.noSystemRoots {
		system, err := signatures.NewTrustStoreFromSystem()
		if err != nil {
			console.Warning("The system root store is unavailable: %v", err)
		} else {
			ts = system
		}
	}

	for _, path := range o.trustRoots {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read trust root: %w", err)
		}
		certs, err := parseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, cert := range certs {
			ts.AddCertificate(cert)
		}
	}
	return ts, nil
}

func (o *verifyOptions) revocationCache() (*cache.RevocationCache, error) {
	memory := cache.NewMemoryCache(1024, 16*1024*1024)
	if o.noCache {
		return cache.NewRevocationCache(memory, nil), nil
	}

	dir := o.cacheDir
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return cache.NewRevocationCache(memory, nil), nil
		}
		dir = filepath.Join(base, "nusign", "revocation")
	}
	disk, err := cache.NewDiskCache(dir)
	if err != nil {
		return nil, fmt.Errorf("open revocation cache: %w", err)
	}
	return cache.NewRevocationCache(memory, disk), nil
}

func runVerify(ctx context.Context, console *output.Console, args []string, opts *verifyOptions) error {
	start := time.Now()
	format, err := output.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	paths, err := expandPackagePaths(args)
	if err != nil {
		return err
	}

	// With --format json only the document goes to stdout.
	stdout := console.Out()
	if format == output.FormatJSON {
		console = output.NewConsole(console.Err(), console.Err(), console.GetVerbosity())
	}

	v, err := opts.prepare(console)
	if err != nil {
		return err
	}

	report := output.NewVerifyOutput()
	for _, path := range paths {
		result, err := verifyFile(ctx, v, path)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			console.Error("%s: %v", path, err)
			report.Add(failedPackage(path, err))
			continue
		}

		report.Add(packageReport(path, result))
		if format == output.FormatText {
			printResult(console, path, result)
		}
	}
	report.ElapsedMs = output.MeasureElapsed(start)

	if format == output.FormatJSON {
		if err := output.WriteJSON(stdout, report); err != nil {
			return err
		}
	}
	if !report.Valid {
		return ErrVerificationFailed
	}
	return nil
}

func verifyFile(ctx context.Context, v *verification, path string) (*signing.VerifySignaturesResult, error) {
	pkg, err := packaging.OpenPackage(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pkg.Close() }()

	return v.verifier.VerifySignatures(ctx, pkg, v.settings)
}

func printResult(console *output.Console, path string, result *signing.VerifySignaturesResult) {
	console.Header("Verifying %s", path)
	if !result.Signed && len(result.Results) == 0 && result.Valid {
		console.Info("The package is not signed.")
	}

	for _, sr := range result.Results {
		sig := sr.Signature
		console.Info("%s signature (%s): %s", sig.Type, sig.Placement, sr.Status)
		if sig.SignerCertificate != nil {
			console.Detail("  Subject: %s", sig.SignerCertificate.Subject)
			if fp, err := signatures.CertificateFingerprint(sig.SignerCertificate, signatures.HashAlgorithmSHA256); err == nil {
				console.Detail("  SHA256 fingerprint: %s", fp)
			}
			console.Detail("  Valid from: %s to %s",
				sig.SignerCertificate.NotBefore.UTC().Format(time.RFC3339),
				sig.SignerCertificate.NotAfter.UTC().Format(time.RFC3339))
		}
		if sig.V3ServiceIndexURL != "" {
			console.Detail("  Service index: %s", sig.V3ServiceIndexURL)
		}
		for _, ts := range sig.Timestamps {
			console.Detail("  Timestamp: %s", ts.Time.UTC().Format(time.RFC3339))
		}
	}

	console.Issues(result.AllIssues())
	if result.Valid {
		console.Success("Successfully verified package '%s'.", path)
	} else {
		console.Error("Package signature validation failed for '%s'.", path)
	}
}

func packageReport(path string, result *signing.VerifySignaturesResult) output.PackageVerify {
	p := output.PackageVerify{
		Path:       path,
		Signed:     result.Signed || len(result.Results) > 0,
		Valid:      result.Valid,
		Flags:      flagNames(result.Flags),
		Issues:     issueReports(result.PackageIssues()),
		Signatures: []output.SignatureResult{},
	}
	for _, sr := range result.Results {
		p.Signatures = append(p.Signatures, signatureReport(sr))
	}
	return p
}

func signatureReport(sr *signing.SignatureVerificationResult) output.SignatureResult {
	sig := sr.Signature
	r := output.SignatureResult{
		Placement:     sig.Placement.String(),
		Type:          string(sig.Type),
		Status:        sr.Status.String(),
		Flags:         flagNames(sr.Flags),
		HashAlgorithm: string(sig.HashAlgorithm),
		ServiceIndex:  sig.V3ServiceIndexURL,
		Owners:        sig.PackageOwners,
		Timestamps:    []output.Timestamp{},
		Issues:        issueReports(sr.Issues()),
	}
	if sig.SignerCertificate != nil {
		r.Subject = sig.SignerCertificate.Subject.String()
		r.Fingerprint, _ = signatures.CertificateFingerprint(sig.SignerCertificate, signatures.HashAlgorithmSHA256)
	}
	for _, ts := range sig.Timestamps {
		t := output.Timestamp{Time: ts.Time.UTC()}
		if ts.SignerCertificate != nil {
			t.Authority = ts.SignerCertificate.Subject.String()
		}
		r.Timestamps = append(r.Timestamps, t)
	}
	return r
}

// failedPackage reports a package that could not be verified at all.
func failedPackage(path string, err error) output.PackageVerify {
	code := signatures.NU3000
	var sigErr *signatures.SignatureError
	if errors.As(err, &sigErr) {
		code = sigErr.Code
	}
	return output.PackageVerify{
		Path:       path,
		Flags:      []string{},
		Issues:     []output.Issue{{Level: signatures.LogLevelError.String(), Code: string(code), Message: err.Error()}},
		Signatures: []output.SignatureResult{},
	}
}

func flagNames(f signatures.StatusFlags) []string {
	names := f.Names()
	if names == nil {
		return []string{}
	}
	return names
}

func issueReports(issues []signatures.SignatureLog) []output.Issue {
	out := make([]output.Issue, 0, len(issues))
	for _, issue := range issues {
		out = append(out, output.Issue{
			Level:   issue.Level.String(),
			Code:    string(issue.Code),
			Message: issue.Message,
		})
	}
	return out
}
