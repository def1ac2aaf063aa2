package vault

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	v := New("correct horse battery staple")

	ciphertext, nonce, err := v.seal([]byte("sk-ant-secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(string(ciphertext), "sk-ant") {
		t.Error("ciphertext should not contain the plaintext")
	}

	plaintext, err := v.open(ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "sk-ant-secret" {
		t.Errorf("round trip mismatch: %q", plaintext)
	}
}

func TestWrongPassphraseFailsToOpen(t *testing.T) {
	ciphertext, nonce, err := New("alpha").seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := New("beta").open(ciphertext, nonce); err == nil {
		t.Error("expected open to fail under a different passphrase")
	}
}

func TestDeterministicKeyAcrossRestarts(t *testing.T) {
	ciphertext, nonce, err := New("stable").seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	// A fresh Vault from the same passphrase must open old ciphertext.
	plaintext, err := New("stable").open(ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Errorf("round trip mismatch: %q", plaintext)
	}
}

func TestSecretStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.json")
	v := New("passphrase")

	s, err := NewSecretStore(v, path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.Set("ANTHROPIC_API_KEY", "sk-ant-abc"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("OPENAI_API_KEY", "sk-oai-def"); err != nil {
		t.Fatalf("set: %v", err)
	}

	// Reload from disk with a fresh vault.
	reloaded, err := NewSecretStore(New("passphrase"), path)
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	got, err := reloaded.Get("ANTHROPIC_API_KEY")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sk-ant-abc" {
		t.Errorf("unexpected value %q", got)
	}

	names := reloaded.List()
	if len(names) != 2 || names[0] != "ANTHROPIC_API_KEY" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestSecretStoreEnv(t *testing.T) {
	s, err := NewSecretStore(New("p"), filepath.Join(t.TempDir(), "secrets.json"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.Set("TOKEN", "value"); err != nil {
		t.Fatalf("set: %v", err)
	}

	env := s.Env()
	if len(env) != 1 || env[0] != "TOKEN=value" {
		t.Errorf("unexpected env %v", env)
	}
}

func TestSecretStoreDelete(t *testing.T) {
	s, err := NewSecretStore(New("p"), filepath.Join(t.TempDir(), "secrets.json"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	if err := s.Set("TOKEN", "value"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Delete("TOKEN"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("TOKEN"); err == nil {
		t.Error("expected get after delete to fail")
	}
	if err := s.Delete("TOKEN"); err != nil {
		t.Errorf("deleting a missing secret should be a no-op: %v", err)
	}
}
