package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/willibrandon/nusign/cmd/nusign/cli"
	"github.com/willibrandon/nusign/cmd/nusign/output"
)

// NewKeychainCommand creates the keychain command
func NewKeychainCommand(console *output.Console) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keychain",
		Short: "Store private key passwords in the OS keychain",
		Long: `Store and remove private key passwords in the OS keychain (macOS
Keychain, Windows Credential Manager, Linux Secret Service).

A stored password is referenced as keychain:<name>, for example
  nusign sign pkg.nupkg --certificate-path key.pem --certificate-password keychain:release`,
	}

	var password string
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeychainSet(console, args[0], password, cli.Options.NonInteractive)
		},
	}
	set.Flags().StringVar(&password, "password", "", "Password to store (prompted when omitted)")

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deletePassword(args[0]); err != nil {
				return err
			}
			console.Success("Password '%s' removed from the keychain.", args[0])
			return nil
		},
	}

	cmd.AddCommand(set, remove)
	return cmd
}

func runKeychainSet(console *output.Console, name, password string, nonInteractive bool) error {
	if password == "" {
		if nonInteractive {
			return fmt.Errorf("--password is required in non-interactive mode")
		}
		var err error
		if password, err = promptPassword("Password for " + name + ": "); err != nil {
			return err
		}
	}
	ref, err := storePassword(name, password)
	if err != nil {
		return err
	}
	console.Success("Password stored. Use --certificate-password %s", ref)
	return nil
}
