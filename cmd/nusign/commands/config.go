package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nusign/cmd/nusign/config"
	"github.com/willibrandon/nusign/cmd/nusign/output"
	"github.com/willibrandon/nusign/packaging/signatures"
)

var configKeys = []string{
	config.KeySignatureValidationMode,
	config.KeyRevocationMode,
	config.KeyTimestampServer,
}

// NewConfigCommand creates the config command
func NewConfigCommand(console *output.Console) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get or set configuration values",
		Long: `Get or set values of the config section.

Keys:
  signatureValidationMode  accept or require
  revocationMode           online, offline or nocheck
  timestampServer          default RFC 3161 server for sign`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigGet(console, "", args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(console, "", args[0], args[1])
		},
	})
	return cmd
}

func checkConfigKey(key string) error {
	for _, k := range configKeys {
		if strings.EqualFold(k, key) {
			return nil
		}
	}
	return fmt.Errorf("unknown config key %q", key)
}

func runConfigGet(console *output.Console, configFile, key string) error {
	if err := checkConfigKey(key); err != nil {
		return err
	}
	cfg, _, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	console.Println(cfg.GetValue(key))
	return nil
}

func runConfigSet(console *output.Console, configFile, key, value string) error {
	if err := checkConfigKey(key); err != nil {
		return err
	}
	cfg, path, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	cfg.SetValue(key, value)

	// Reject values verify would fail on later.
	if _, err := cfg.VerifierSettings(signatures.VerifyCommandDefault()); err != nil {
		return err
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	console.Success("Set %s in %s", key, path)
	return nil
}
