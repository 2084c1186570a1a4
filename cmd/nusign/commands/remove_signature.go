package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nusign/cmd/nusign/output"
	"github.com/willibrandon/nusign/packaging"
	"github.com/willibrandon/nusign/packaging/signing"
)

type removeSignatureOptions struct {
	countersignatureOnly bool
	outputDirectory      string
}

// NewRemoveSignatureCommand creates the remove-signature command
func NewRemoveSignatureCommand(console *output.Console) *cobra.Command {
	opts := &removeSignatureOptions{}

	cmd := &cobra.Command{
		Use:   "remove-signature <package-path>...",
		Short: "Remove signatures from NuGet packages",
		Long: `Remove the signature from one or more packages. The result is
byte-identical to the package before it was signed.

With --repository-countersignature-only, only the repository
countersignature of an author-signed package is removed and the author
signature is kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoveSignature(cmd.Context(), console, args, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.countersignatureOnly, "repository-countersignature-only", false, "Remove only the repository countersignature")
	cmd.Flags().StringVarP(&opts.outputDirectory, "output-directory", "o", "", "Directory for the resulting packages (default: modify in place)")

	return cmd
}

func runRemoveSignature(ctx context.Context, console *output.Console, args []string, opts *removeSignatureOptions) error {
	paths, err := expandPackagePaths(args)
	if err != nil {
		return err
	}

	for _, path := range paths {
		outPath := path
		if opts.outputDirectory != "" {
			outPath = filepath.Join(opts.outputDirectory, filepath.Base(path))
		}

		removed, err := removeSignature(ctx, path, outPath, opts.countersignatureOnly)
		switch {
		case errors.Is(err, packaging.ErrPackageNotSigned):
			return fmt.Errorf("%s: the package is not signed", path)
		case err != nil:
			return fmt.Errorf("%s: %w", path, err)
		case !removed:
			console.Warning("%s has no repository countersignature", path)
		case opts.countersignatureOnly:
			console.Success("Removed the repository countersignature from %s", outPath)
		default:
			console.Success("Removed the signature from %s", outPath)
		}
	}
	return nil
}

// removeSignature rewrites path into outPath. Nothing is written when there
// is nothing to remove.
func removeSignature(ctx context.Context, path, outPath string, countersignatureOnly bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	in := bytes.NewReader(data)
	size := int64(len(data))

	var out bytes.Buffer
	if countersignatureOnly {
		removed, err := signing.RemoveRepositoryCountersignatures(ctx, in, size, &out)
		if err != nil || !removed {
			return false, err
		}
	} else if err := packaging.RemoveSignature(ctx, in, size, &out); err != nil {
		return false, err
	}

	err = packaging.WriteFileAtomic(ctx, outPath, func(w io.Writer) error {
		_, err := w.Write(out.Bytes())
		return err
	})
	return err == nil, err
}
