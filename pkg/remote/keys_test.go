package remote

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePrivateKeyFile(t *testing.T) {
	plain, _ := writeKey(t, "")
	encrypted, _ := writeKey(t, "pw")
	garbage := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(garbage, []byte("not a key"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := ValidatePrivateKeyFile(plain); err != nil {
		t.Fatalf("plain key: %v", err)
	}
	if err := ValidatePrivateKeyFile(encrypted); err != nil {
		t.Fatalf("encrypted key should be a valid key file: %v", err)
	}
	if err := ValidatePrivateKeyFile(garbage); !errors.Is(err, ErrInvalidKeyFile) {
		t.Fatalf("expected ErrInvalidKeyFile, got %v", err)
	}
	if err := ValidatePrivateKeyFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if err := ValidatePrivateKeyFile(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestCheckPassphrase(t *testing.T) {
	plain, _ := writeKey(t, "")
	encrypted, _ := writeKey(t, "pw")

	cases := []struct {
		name       string
		path       string
		passphrase string
		wantErr    error
	}{
		{"plain without passphrase", plain, "", nil},
		{"plain ignores passphrase", plain, "anything", nil},
		{"encrypted with passphrase", encrypted, "pw", nil},
		{"encrypted wrong passphrase", encrypted, "nope", ErrInvalidPassphrase},
		{"encrypted missing passphrase", encrypted, "", ErrInvalidPassphrase},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPassphrase(tc.path, tc.passphrase)
			if tc.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestGuessKeyFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := GuessKeyFile(); got != "" {
		t.Fatalf("expected no key, got %s", got)
	}
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"id_rsa", "id_dsa"} {
		if err := os.WriteFile(filepath.Join(sshDir, name), []byte("k"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if got := GuessKeyFile(); got != filepath.Join(sshDir, "id_dsa") {
		t.Fatalf("expected id_dsa to win, got %s", got)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/ci")
	if got := ExpandHome("~/.ssh/id_rsa"); got != "/home/ci/.ssh/id_rsa" {
		t.Fatalf("unexpected expansion %s", got)
	}
	if got := ExpandHome("/etc/key"); got != "/etc/key" {
		t.Fatalf("absolute path changed: %s", got)
	}
}
