package vault

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

type sealedSecret struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// SecretStore is a file-backed map of named secrets, each sealed by
// the vault. Keys are environment variable names.
type SecretStore struct {
	vault *Vault
	path  string

	mu      sync.Mutex
	secrets map[string]sealedSecret
}

func NewSecretStore(v *Vault, path string) (*SecretStore, error) {
	s := &SecretStore{vault: v, path: path, secrets: make(map[string]sealedSecret)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	if err := json.Unmarshal(data, &s.secrets); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return s, nil
}

func (s *SecretStore) Set(name, value string) error {
	ciphertext, nonce, err := s.vault.seal([]byte(value))
	if err != nil {
		return fmt.Errorf("seal secret %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = sealedSecret{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	return s.save()
}

func (s *SecretStore) Get(name string) (string, error) {
	s.mu.Lock()
	sealed, ok := s.secrets[name]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("secret not found: %s", name)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode secret %s: %w", name, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce %s: %w", name, err)
	}

	plaintext, err := s.vault.open(ciphertext, nonce)
	if err != nil {
		return "", fmt.Errorf("open secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

func (s *SecretStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[name]; !ok {
		return nil
	}
	delete(s.secrets, name)
	return s.save()
}

// List returns the stored secret names, sorted. Values stay sealed.
func (s *SecretStore) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env decrypts every secret into KEY=value form for agent process
// environments. A secret that fails to open is skipped rather than
// aborting the spawn.
func (s *SecretStore) Env() []string {
	env := make([]string, 0, len(s.List()))
	for _, name := range s.List() {
		value, err := s.Get(name)
		if err != nil {
			continue
		}
		env = append(env, name+"="+value)
	}
	return env
}

func (s *SecretStore) save() error {
	data, err := json.MarshalIndent(s.secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return os.Rename(tmp, s.path)
}
