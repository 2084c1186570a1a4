package commands

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nusign/cmd/nusign/config"
	"github.com/willibrandon/nusign/cmd/nusign/output"
	"github.com/willibrandon/nusign/packaging"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// trustOptions holds options shared by the trust subcommands
type trustOptions struct {
	configFile         string
	format             string
	fingerprints       []string
	certificatePath    string
	packagePath        string
	hashAlgorithm      string
	allowUntrustedRoot bool
	serviceIndex       string
	owners             []string
}

// NewTrustCommand creates the trust command and its subcommands
func NewTrustCommand(console *output.Console) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted signers",
		Long: `Manage the trustedSigners section of the config file.

Trusted signers restrict verification to packages signed with one of the
listed certificates. Authors admit author signatures; repositories admit
repository signatures and countersignatures, optionally limited to
packages with one of the listed owners.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustList(console, &trustOptions{format: "text"})
		},
	}

	cmd.AddCommand(newTrustListCommand(console))
	cmd.AddCommand(newTrustAuthorCommand(console))
	cmd.AddCommand(newTrustRepositoryCommand(console))
	cmd.AddCommand(newTrustRemoveCommand(console))

	return cmd
}

func newTrustListCommand(console *output.Console) *cobra.Command {
	opts := &trustOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trusted signers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustList(console, opts)
		},
	}
	cmd.Flags().StringVar(&opts.format, "format", "text", "Output format (text, json)")
	return cmd
}

func addCertificateFlags(cmd *cobra.Command, opts *trustOptions) {
	cmd.Flags().StringSliceVar(&opts.fingerprints, "certificate-fingerprint", nil, "Certificate fingerprint (hex, repeatable)")
	cmd.Flags().StringVar(&opts.certificatePath, "certificate-path", "", "Certificate file to take the fingerprint from")
	cmd.Flags().StringVar(&opts.packagePath, "package", "", "Signed package to take the signer certificate from")
	cmd.Flags().StringVar(&opts.hashAlgorithm, "hash-algorithm", "SHA256", "Fingerprint hash algorithm (SHA256, SHA384, SHA512)")
	cmd.Flags().BoolVar(&opts.allowUntrustedRoot, "allow-untrusted-root", false, "Accept the certificate even if its root is not trusted")
}

func newTrustAuthorCommand(console *output.Console) *cobra.Command {
	opts := &trustOptions{}
	cmd := &cobra.Command{
		Use:   "author <name>",
		Short: "Trust an author certificate",
		Long: `Add a certificate to a trusted author, creating the author if needed.

Examples:
  nusign trust author Contoso --certificate-fingerprint 3F9001EA83C560D712C24CF213C3D312CB3BFF51EE89435D3430BD06B5D0EECE
  nusign trust author Contoso --certificate-path contoso.pem
  nusign trust author Contoso --package Contoso.Lib.1.0.0.nupkg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustAuthor(cmd.Context(), console, args[0], opts)
		},
	}
	addCertificateFlags(cmd, opts)
	return cmd
}

func newTrustRepositoryCommand(console *output.Console) *cobra.Command {
	opts := &trustOptions{}
	cmd := &cobra.Command{
		Use:   "repository <name>",
		Short: "Trust a repository certificate",
		Long: `Add or replace a trusted repository.

With --package, the certificate, service index and owners are taken from
the repository signature or countersignature of the package.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustRepository(cmd.Context(), console, args[0], opts)
		},
	}
	addCertificateFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.serviceIndex, "service-index", "", "Repository service index URL")
	cmd.Flags().StringSliceVar(&opts.owners, "owners", nil, "Allowed package owners (repeatable)")
	return cmd
}

func newTrustRemoveCommand(console *output.Console) *cobra.Command {
	opts := &trustOptions{}
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a trusted signer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrustRemove(console, args[0], opts)
		},
	}
}

func runTrustList(console *output.Console, opts *trustOptions) error {
	format, err := output.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	cfg, path, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}

	list := output.NewTrustListOutput(path)
	if cfg.TrustedSigners != nil {
		for _, a := range cfg.TrustedSigners.Authors {
			list.Signers = append(list.Signers, output.TrustedSigner{
				Name:         a.Name,
				Kind:         "author",
				Certificates: certificateReports(a.Certificates),
			})
		}
		for _, r := range cfg.TrustedSigners.Repositories {
			list.Signers = append(list.Signers, output.TrustedSigner{
				Name:         r.Name,
				Kind:         "repository",
				ServiceIndex: r.ServiceIndex,
				Owners:       r.OwnerList(),
				Certificates: certificateReports(r.Certificates),
			})
		}
	}

	if format == output.FormatJSON {
		return output.WriteJSON(console.Out(), list)
	}

	if len(list.Signers) == 0 {
		console.Info("No trusted signers configured.")
		return nil
	}
	console.Info("Registered trusted signers:")
	for i, s := range list.Signers {
		console.Info("  %d.  %s [%s]", i+1, s.Name, s.Kind)
		if s.ServiceIndex != "" {
			console.Info("      Service index: %s", s.ServiceIndex)
		}
		if len(s.Owners) > 0 {
			console.Info("      Owners: %s", strings.Join(s.Owners, ", "))
		}
		for _, c := range s.Certificates {
			suffix := ""
			if c.AllowUntrustedRoot {
				suffix = " (allow untrusted root)"
			}
			console.Info("      %s %s%s", c.HashAlgorithm, c.Fingerprint, suffix)
		}
	}
	return nil
}

func certificateReports(certs []config.Certificate) []output.TrustedCertificate {
	out := make([]output.TrustedCertificate, 0, len(certs))
	for _, c := range certs {
		hashAlg := c.HashAlgorithm
		if hashAlg == "" {
			hashAlg = string(signatures.HashAlgorithmSHA256)
		}
		out = append(out, output.TrustedCertificate{
			Fingerprint:        c.Fingerprint,
			HashAlgorithm:      hashAlg,
			AllowUntrustedRoot: c.AllowUntrustedRoot,
		})
	}
	return out
}

func runTrustAuthor(ctx context.Context, console *output.Console, name string, opts *trustOptions) error {
	cfg, path, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}

	var fromPackage *x509.Certificate
	if opts.packagePath != "" {
		sig, err := packageSigner(ctx, opts.packagePath, signatures.SignatureTypeAuthor)
		if err != nil {
			return err
		}
		fromPackage = sig.SignerCertificate
	}
	certs, err := opts.certificates(fromPackage)
	if err != nil {
		return err
	}

	for _, c := range certs {
		cfg.AddAuthorCertificate(name, c)
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	console.Success("Trusted author '%s' updated (%d certificate(s)).", name, len(certs))
	return nil
}

func runTrustRepository(ctx context.Context, console *output.Console, name string, opts *trustOptions) error {
	cfg, path, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}

	repo := config.TrustedRepository{
		Name:         name,
		ServiceIndex: opts.serviceIndex,
		Owners:       strings.Join(opts.owners, ";"),
	}
	var fromPackage *x509.Certificate
	if opts.packagePath != "" {
		sig, err := packageSigner(ctx, opts.packagePath, signatures.SignatureTypeRepository)
		if err != nil {
			return err
		}
		fromPackage = sig.SignerCertificate
		if repo.ServiceIndex == "" {
			repo.ServiceIndex = sig.V3ServiceIndexURL
		}
		if repo.Owners == "" {
			repo.Owners = strings.Join(sig.PackageOwners, ";")
		}
	}
	if repo.ServiceIndex == "" {
		return fmt.Errorf("--service-index is required")
	}

	if repo.Certificates, err = opts.certificates(fromPackage); err != nil {
		return err
	}
	cfg.AddRepository(repo)
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	console.Success("Trusted repository '%s' updated.", name)
	return nil
}

func runTrustRemove(console *output.Console, name string, opts *trustOptions) error {
	cfg, path, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	if !cfg.RemoveSigner(name) {
		return fmt.Errorf("trusted signer '%s' not found", name)
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	console.Success("Trusted signer '%s' removed.", name)
	return nil
}

// certificates collects the fingerprints given by flags, a certificate
// file and a package signer.
func (o *trustOptions) certificates(fromPackage *x509.Certificate) ([]config.Certificate, error) {
	hashAlg, err := signatures.ParseHashAlgorithm(o.hashAlgorithm)
	if err != nil {
		return nil, err
	}
	entry := func(fp string) config.Certificate {
		return config.Certificate{Fingerprint: fp, HashAlgorithm: string(hashAlg), AllowUntrustedRoot: o.allowUntrustedRoot}
	}

	var out []config.Certificate
	for _, fp := range o.fingerprints {
		normalized, err := validateFingerprint(fp, hashAlg)
		if err != nil {
			return nil, err
		}
		out = append(out, entry(normalized))
	}

	var certs []*x509.Certificate
	if o.certificatePath != "" {
		data, err := os.ReadFile(o.certificatePath)
		if err != nil {
			return nil, fmt.Errorf("read certificate: %w", err)
		}
		parsed, err := parseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", o.certificatePath, err)
		}
		certs = append(certs, parsed[0])
	}
	if fromPackage != nil {
		certs = append(certs, fromPackage)
	}
	for _, cert := range certs {
		fp, err := signatures.CertificateFingerprint(cert, hashAlg)
		if err != nil {
			return nil, err
		}
		out = append(out, entry(fp))
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("one of --certificate-fingerprint, --certificate-path or --package is required")
	}
	return out, nil
}

// validateFingerprint normalizes fp and checks its length against hashAlg.
func validateFingerprint(fp string, hashAlg signatures.HashAlgorithmName) (string, error) {
	normalized := signatures.NormalizeFingerprint(fp)
	raw, err := hex.DecodeString(normalized)
	if err != nil {
		return "", fmt.Errorf("invalid certificate fingerprint %q: not hex", fp)
	}
	h, err := hashAlg.CryptoHash()
	if err != nil {
		return "", err
	}
	if len(raw) != h.Size() {
		return "", fmt.Errorf("invalid certificate fingerprint %q: want %d bytes for %s, got %d", fp, h.Size(), hashAlg, len(raw))
	}
	return normalized, nil
}

// packageSigner returns the signature of sigType in the package at path: the
// primary signature, or for repositories also the countersignature.
func packageSigner(ctx context.Context, path string, sigType signatures.SignatureType) (*signatures.Signature, error) {
	pkg, err := packaging.OpenPackage(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pkg.Close() }()

	primary, err := pkg.GetPrimarySignature(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if primary.Type == sigType {
		return &primary.Signature, nil
	}
	if sigType == signatures.SignatureTypeRepository && primary.RepositoryCountersignature != nil {
		return &primary.RepositoryCountersignature.Signature, nil
	}
	return nil, fmt.Errorf("%s has no %s signature", path, strings.ToLower(string(sigType)))
}
