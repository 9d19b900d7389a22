package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// secretBytes is the entropy of a generated cluster secret.
const secretBytes = 32

// GenerateSecret writes a new random cluster secret to path with owner-only
// permissions and returns it.
func GenerateSecret(path string) (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create secret directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

// LoadSecret reads a cluster secret from path. Surrounding whitespace is ignored.
func LoadSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return secret, nil
}

// EnsureSecret loads the secret at path, generating one if the file does not exist.
func EnsureSecret(path string) (string, error) {
	secret, err := LoadSecret(path)
	if err == nil {
		return secret, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return GenerateSecret(path)
	}
	return "", err
}

// ResolveAuthToken fills AuthToken from AuthTokenFile when only the file is set.
func (c *NodeConfig) ResolveAuthToken() error {
	if c.AuthToken != "" || c.AuthTokenFile == "" {
		return nil
	}
	secret, err := LoadSecret(expandHome(c.AuthTokenFile))
	if err != nil {
		return err
	}
	c.AuthToken = secret
	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
