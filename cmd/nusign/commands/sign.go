package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nusign/cmd/nusign/cli"
	"github.com/willibrandon/nusign/cmd/nusign/config"
	"github.com/willibrandon/nusign/cmd/nusign/output"
	nhttp "github.com/willibrandon/nusign/http"
	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging"
	"github.com/willibrandon/nusign/packaging/signatures"
	"github.com/willibrandon/nusign/packaging/signing"
)

type signOptions struct {
	keyMaterial

	configFile             string
	timestamper            string
	hashAlgorithm          string
	timestampHashAlgorithm string
	outputDirectory        string
	overwrite              bool
	signatureType          string
	serviceIndex           string
	owners                 []string

	// Set by tests; the CLI uses the global client and run logger.
	httpClient signatures.HTTPDoer
	logger     observability.Logger
}

// NewSignCommand creates the sign command
func NewSignCommand(console *output.Console) *cobra.Command {
	opts := &signOptions{}

	cmd := &cobra.Command{
		Use:   "sign <package-path>...",
		Short: "Sign NuGet packages with an X.509 certificate",
		Long: `Sign one or more NuGet packages.

An author signature is created on unsigned packages. With --signature-type
repository, unsigned packages get a repository primary signature and
author-signed packages get a repository countersignature.

The certificate file may hold the whole chain and the private key. The key
may be PKCS#1, SEC 1 or PKCS#8; an encrypted PKCS#8 key needs a password,
given literally, as env:<VAR>, or as keychain:<name> (see "nusign keychain").

Examples:
  nusign sign Contoso.Lib.1.0.0.nupkg --certificate-path signer.pem --timestamper http://timestamp.example.com
  nusign sign *.nupkg --certificate-path chain.pem --certificate-key-path key.pem --certificate-password keychain:release
  nusign sign pkg.nupkg --certificate-path repo.pem --signature-type repository --v3-service-index-url https://api.example.com/v3/index.json --package-owner contoso`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.nonInteractive = cli.Options.NonInteractive
			return runSign(cmd.Context(), console, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.certificatePath, "certificate-path", "", "Path to the signing certificate (PEM or DER); may include the chain and key")
	cmd.Flags().StringVar(&opts.keyPath, "certificate-key-path", "", "Path to the PEM private key when it is not in the certificate file")
	cmd.Flags().StringVar(&opts.password, "certificate-password", "", "Private key password, env:<VAR> or keychain:<name>")
	cmd.Flags().StringVar(&opts.timestamper, "timestamper", "", "RFC 3161 timestamp server URL (default: timestampServer from config)")
	cmd.Flags().StringVar(&opts.hashAlgorithm, "hash-algorithm", "SHA256", "Signature hash algorithm (SHA256, SHA384, SHA512)")
	cmd.Flags().StringVar(&opts.timestampHashAlgorithm, "timestamp-hash-algorithm", "SHA256", "Timestamp hash algorithm (SHA256, SHA384, SHA512)")
	cmd.Flags().StringVarP(&opts.outputDirectory, "output-directory", "o", "", "Directory for signed packages (default: sign in place)")
	cmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "Replace an existing signature")
	cmd.Flags().StringVar(&opts.signatureType, "signature-type", "author", "Signature type (author, repository)")
	cmd.Flags().StringVar(&opts.serviceIndex, "v3-service-index-url", "", "Repository service index URL (repository signatures)")
	cmd.Flags().StringSliceVar(&opts.owners, "package-owner", nil, "Package owner (repository signatures, repeatable)")

	return cmd
}

func parseSignatureType(s string) (signatures.SignatureType, error) {
	switch strings.ToLower(s) {
	case "", "author":
		return signatures.SignatureTypeAuthor, nil
	case "repository":
		return signatures.SignatureTypeRepository, nil
	default:
		return "", fmt.Errorf("invalid signature type %q (author, repository)", s)
	}
}

func (o *signOptions) request(cfg *config.Config) (*signing.SignPackageRequest, error) {
	sigType, err := parseSignatureType(o.signatureType)
	if err != nil {
		return nil, err
	}
	if sigType == signatures.SignatureTypeRepository && o.serviceIndex == "" {
		return nil, fmt.Errorf("--v3-service-index-url is required for repository signatures")
	}
	hashAlg, err := signatures.ParseHashAlgorithm(o.hashAlgorithm)
	if err != nil {
		return nil, err
	}
	tsHashAlg, err := signatures.ParseHashAlgorithm(o.timestampHashAlgorithm)
	if err != nil {
		return nil, err
	}

	leaf, chain, key, err := o.load()
	if err != nil {
		return nil, err
	}

	tsURL := o.timestamper
	if tsURL == "" {
		tsURL = cfg.GetValue(config.KeyTimestampServer)
	}

	req := &signing.SignPackageRequest{
		Certificate:            leaf,
		Chain:                  chain,
		Signer:                 key,
		SignatureType:          sigType,
		SignatureHashAlgorithm: hashAlg,
		TimestampHashAlgorithm: tsHashAlg,
		TimestampURL:           tsURL,
	}
	if sigType == signatures.SignatureTypeRepository {
		req.V3ServiceIndexURL = o.serviceIndex
		req.PackageOwners = o.owners
	}
	return req, nil
}

func runSign(ctx context.Context, console *output.Console, args []string, opts *signOptions) error {
	paths, err := expandPackagePaths(args)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig(opts.configFile)
	if err != nil {
		return err
	}
	req, err := opts.request(cfg)
	if err != nil {
		return err
	}
	if req.TimestampURL == "" {
		console.Warning("No timestamp server was given; the signature will be invalid once the certificate expires.")
	}

	logger := commandLogger(opts.logger)
	httpClient := opts.httpClient
	if httpClient == nil {
		httpClient = nhttp.GetGlobalClient().Retrying()
	}

	console.Detail("Signing certificate: %s", req.Certificate.Subject)
	for _, path := range paths {
		outPath := path
		if opts.outputDirectory != "" {
			outPath = filepath.Join(opts.outputDirectory, filepath.Base(path))
		}
		if err := signFile(ctx, path, outPath, req, opts, httpClient, logger); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		console.Success("Successfully signed %s", outPath)
	}
	return nil
}

func signFile(ctx context.Context, path, outPath string, req *signing.SignPackageRequest, opts *signOptions, httpClient signatures.HTTPDoer, logger observability.Logger) error {
	if outPath != path && !opts.overwrite {
		if _, err := os.Stat(outPath); err == nil {
			return fmt.Errorf("%s already exists; use --overwrite to replace it", outPath)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return packaging.WriteFileAtomic(ctx, outPath, func(w io.Writer) error {
		return signing.Sign(ctx, &signing.SigningOptions{
			Input:       bytes.NewReader(data),
			InputSize:   int64(len(data)),
			Output:      w,
			Overwrite:   opts.overwrite,
			HTTPClient:  httpClient,
			PackagePath: path,
			Logger:      observability.ForPackage(logger, path),
		}, req)
	})
}
