// Package config loads token configuration from YAML or JSON files.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"gopkg.in/yaml.v3"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "config")

// TokenConfig holds the configuration of a token slot.
//
// Supply this to session.NewSession collaborator construction, or load
// it from a file with LoadTokenConfig.
type TokenConfig interface {
	// SlotID is the slot the token is bound to.
	SlotID() int

	// TokenLabel is the token's display label.
	TokenLabel() string

	// RootSecret is the secret the sealing key is derived from.
	// If it's prefixed with `file:`, then it will be loaded from the file.
	RootSecret() string

	// ReadOnly reports whether sessions open read-only.
	ReadOnly() bool
}

type tokenConfig struct {
	Slot   int    `json:"SlotID"     yaml:"slot_id"`
	Label  string `json:"TokenLabel" yaml:"token_label"`
	Secret string `json:"RootSecret" yaml:"root_secret"`
	RO     bool   `json:"ReadOnly"   yaml:"read_only"`
}

// SlotID is the slot the token is bound to.
func (c *tokenConfig) SlotID() int {
	return c.Slot
}

// TokenLabel is the token's display label.
func (c *tokenConfig) TokenLabel() string {
	return c.Label
}

// RootSecret is the secret the sealing key is derived from.
// If it's prefixed with `file:`, then it will be loaded from the file.
func (c *tokenConfig) RootSecret() string {
	return c.Secret
}

// ReadOnly reports whether sessions open read-only.
func (c *tokenConfig) ReadOnly() bool {
	return c.RO
}

// LoadTokenConfig loads token configuration
func LoadTokenConfig(filename string) (TokenConfig, error) {
	cfr, err := os.Open(filename)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cfr.Close()
	tokenConfig := new(tokenConfig)

	if strings.HasSuffix(filename, ".json") {
		err = json.NewDecoder(cfr).Decode(tokenConfig)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
		}
	} else {
		err = yaml.NewDecoder(cfr).Decode(tokenConfig)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to decode file: %s", filename)
		}
	}

	secret := tokenConfig.RootSecret()
	if strings.HasPrefix(secret, "file:") {
		secretFile := secret[5:]

		// try to resolve the secret file
		cwd, _ := os.Getwd()
		folders := []string{
			"",
			cwd,
			filepath.Dir(filename),
		}

		for _, folder := range folders {
			if resolved, err := resolve(secretFile, folder); err == nil {
				secretFile = resolved
				break
			}
			logger.Warningf("reason=resolve, secret_file=%q, basedir=%q", secretFile, folder)
		}

		sb, err := os.ReadFile(secretFile)
		if err != nil {
			return nil, errors.WithMessagef(err, "unable to load root secret for configuration: %s", filename)
		}
		tokenConfig.Secret = strings.TrimSpace(string(sb))
	}

	return tokenConfig, nil
}

// resolve returns absolute file name relative to baseDir,
// or an error when the file does not exist.
func resolve(file string, baseDir string) (resolved string, err error) {
	if file == "" {
		return file, nil
	}
	if filepath.IsAbs(file) {
		resolved = file
	} else if baseDir != "" {
		resolved = filepath.Join(baseDir, file)
	}
	if _, err := os.Stat(resolved); os.IsNotExist(err) {
		return resolved, errors.WithMessagef(err, "not found: %v", resolved)
	}
	return resolved, nil
}
