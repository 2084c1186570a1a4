// Package commands implements the nusign CLI commands.
package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/willibrandon/nusign/cmd/nusign/cli"
	"github.com/willibrandon/nusign/cmd/nusign/config"
	"github.com/willibrandon/nusign/observability"
)

// ErrVerificationFailed is returned by verify when a package is invalid.
// Details have already been printed.
var ErrVerificationFailed = errors.New("package signature verification failed")

// loadConfig loads the config at path, or the CLI config path when empty.
// A missing default config is an empty config; a missing explicit one is an error.
func loadConfig(path string) (*config.Config, string, error) {
	explicit := path != "" || cli.Options.ConfigFile != ""
	if path == "" {
		path = cli.ConfigPath()
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return &config.Config{}, path, nil
		}
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("specified config file does not exist: %s", path)
		}
		return nil, "", err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

// expandPackagePaths resolves glob patterns; a pattern with no match is an error.
func expandPackagePaths(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[") {
			paths = append(paths, arg)
			continue
		}
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid package path pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no packages match %q", arg)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

// commandLogger returns l, or the running command's logger when nil.
func commandLogger(l observability.Logger) observability.Logger {
	if l != nil {
		return l
	}
	return cli.Logger()
}
