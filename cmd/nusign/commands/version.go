package commands

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nusign/cmd/nusign/cli"
	"github.com/willibrandon/nusign/cmd/nusign/output"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// versionInfo is the --format json document of the version command.
type versionInfo struct {
	SchemaVersion  string   `json:"schemaVersion"`
	Version        string   `json:"version"`
	Commit         string   `json:"commit"`
	Date           string   `json:"date"`
	BuiltBy        string   `json:"builtBy"`
	GoVersion      string   `json:"goVersion"`
	HashAlgorithms []string `json:"hashAlgorithms"`
}

// NewVersionCommand creates the version command
func NewVersionCommand(console *output.Console) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long:  `Display the nusign version, its build metadata and the signature hash algorithms it supports.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := output.ParseFormat(format)
			if err != nil {
				return err
			}
			if f == output.FormatJSON {
				return output.WriteJSON(console.Out(), currentVersionInfo())
			}
			return runVersion(console)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	return cmd
}

func currentVersionInfo() versionInfo {
	return versionInfo{
		SchemaVersion: output.CurrentSchemaVersion,
		Version:       cli.Version,
		Commit:        cli.Commit,
		Date:          cli.Date,
		BuiltBy:       cli.BuiltBy,
		GoVersion:     runtime.Version(),
		HashAlgorithms: []string{
			string(signatures.HashAlgorithmSHA256),
			string(signatures.HashAlgorithmSHA384),
			string(signatures.HashAlgorithmSHA512),
		},
	}
}

func runVersion(console *output.Console) error {
	console.Println(cli.GetFullVersion())
	console.Detail("hash algorithms: SHA256, SHA384, SHA512")
	return nil
}
