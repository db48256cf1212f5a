package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/arable/internal/store"
)

// SecretPrefix marks a config string that names a vault secret.
const SecretPrefix = "secret:"

var ErrSecretNotFound = errors.New("secret not found")

// Secrets stores encrypted values in the sqlite store and resolves
// secret references in agent config.
type Secrets struct {
	vault *Vault
	store *store.Store
}

func NewSecrets(v *Vault, s *store.Store) *Secrets {
	return &Secrets{vault: v, store: s}
}

func (s *Secrets) Set(name, description string, value []byte) error {
	if name == "" {
		return errors.New("secret name is required")
	}
	ciphertext, nonce, err := s.vault.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}
	return s.store.SaveSecret(&store.Secret{
		ID:          name,
		Name:        name,
		Description: description,
		Value:       ciphertext,
		Nonce:       nonce,
	})
}

func (s *Secrets) Get(name string) ([]byte, error) {
	sec, err := s.store.GetSecret(name)
	if err != nil {
		return nil, err
	}
	if sec == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	plaintext, err := s.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", name, err)
	}
	return plaintext, nil
}

// Resolve returns a copy of cfg with every "secret:<name>" string replaced
// by the decrypted secret. Nested maps and lists are walked. The input is
// not modified.
func (s *Secrets) Resolve(cfg map[string]any) (map[string]any, error) {
	if cfg == nil {
		return nil, nil
	}
	out, err := s.resolveValue(cfg, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (s *Secrets) resolveValue(v any, path string) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, SecretPrefix) {
			return val, nil
		}
		name := strings.TrimPrefix(val, SecretPrefix)
		plaintext, err := s.Get(name)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		return string(plaintext), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := s.resolveValue(item, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := s.resolveValue(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// HasReferences reports whether cfg contains any secret reference.
func HasReferences(cfg map[string]any) bool {
	var walk func(v any) bool
	walk = func(v any) bool {
		switch val := v.(type) {
		case string:
			return strings.HasPrefix(val, SecretPrefix)
		case map[string]any:
			for _, item := range val {
				if walk(item) {
					return true
				}
			}
		case []any:
			for _, item := range val {
				if walk(item) {
					return true
				}
			}
		}
		return false
	}
	return walk(cfg)
}
