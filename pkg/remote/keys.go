package remote

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	ErrInvalidKeyFile    = errors.New("private key file is not valid")
	ErrInvalidPassphrase = errors.New("passphrase is not valid")
)

// LoadSigner reads a private key file. The passphrase is used only when the
// key is encrypted.
func LoadSigner(keyPath, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(ExpandHome(keyPath))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("parse ssh private key: %w", err)
	}
	return signer, nil
}

// ValidatePrivateKeyFile checks that path holds a private key. Encrypted keys
// are valid here; use CheckPassphrase to verify the passphrase.
func ValidatePrivateKeyFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("please set a path to private key file")
	}
	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file doesn't exist: %s", path)
		}
		return err
	}
	_, err = ssh.ParseRawPrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if err != nil && !errors.As(err, &missing) {
		return fmt.Errorf("%w: %v", ErrInvalidKeyFile, err)
	}
	return nil
}

// CheckPassphrase verifies that passphrase unlocks the key at path. An empty
// passphrase is accepted for unencrypted keys.
func CheckPassphrase(path, passphrase string) error {
	if err := ValidatePrivateKeyFile(path); err != nil {
		return err
	}
	if _, err := LoadSigner(path, passphrase); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPassphrase, err)
	}
	return nil
}

// GuessKeyFile returns the first default private key found under ~/.ssh, or
// "" when there is none.
func GuessKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_dsa", "id_rsa", "id_ecdsa", "id_ed25519"} {
		candidate := filepath.Join(home, ".ssh", name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
