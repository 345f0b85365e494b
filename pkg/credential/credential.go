// Package credential supplies the replication secret. A secret is either
// stored in the config in plain text, read from an environment variable, or
// sealed with age ("ENC:<base64>") and opened with an identity file.
package credential

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

const (
	// SealedPrefix marks an age-sealed value.
	SealedPrefix = "ENC:"
	// EnvPrefix marks a value read from the named environment variable.
	EnvPrefix = "env:"
)

// ErrMissing is returned when a required secret is not available.
var ErrMissing = errors.New("credential not available")

// Provider returns the replication password.
type Provider interface {
	Password(ctx context.Context) (string, error)
}

type StaticProvider struct {
	Value string
}

func (p StaticProvider) Password(context.Context) (string, error) {
	if p.Value == "" {
		return "", ErrMissing
	}
	return p.Value, nil
}

type EnvProvider struct {
	Var string
}

func (p EnvProvider) Password(context.Context) (string, error) {
	v, ok := os.LookupEnv(p.Var)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: environment variable %s is not set", ErrMissing, p.Var)
	}
	return v, nil
}

// AgeProvider opens a sealed value with the identities in IdentityFile.
type AgeProvider struct {
	Sealed       string
	IdentityFile string
}

func (p AgeProvider) Password(context.Context) (string, error) {
	ids, err := loadIdentities(p.IdentityFile)
	if err != nil {
		return "", err
	}
	return Open(p.Sealed, ids...)
}

// FromConfig picks the provider matching the form of value.
func FromConfig(value, identityFile string) Provider {
	switch {
	case strings.HasPrefix(value, SealedPrefix):
		return AgeProvider{Sealed: value, IdentityFile: identityFile}
	case strings.HasPrefix(value, EnvPrefix):
		return EnvProvider{Var: strings.TrimPrefix(value, EnvPrefix)}
	default:
		return StaticProvider{Value: value}
	}
}

// Seal encrypts plaintext to recipient and returns the "ENC:" form.
func Seal(plaintext string, recipient age.Recipient) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("failed to encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finish encryption: %w", err)
	}
	return SealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts an "ENC:" value.
func Open(sealed string, identities ...age.Identity) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("sealed credential is not valid base64: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identities...)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed credential: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read sealed credential: %w", err)
	}
	return string(plain), nil
}

func loadIdentities(path string) ([]age.Identity, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no identity file configured for sealed credential", ErrMissing)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open identity file: %v", ErrMissing, err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", path, err)
	}
	return ids, nil
}

// LoadOrCreateIdentity returns the first X25519 identity in path, generating
// and writing a new one (mode 0600) if the file does not exist.
func LoadOrCreateIdentity(path string) (*age.X25519Identity, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		ids, err := age.ParseIdentities(bytes.NewReader(data))
		if err != nil {
			return nil, false, fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		for _, id := range ids {
			if x, ok := id.(*age.X25519Identity); ok {
				return x, false, nil
			}
		}
		return nil, false, fmt.Errorf("identity file %s holds no X25519 identity", path)
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to read identity file %s: %w", path, err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate identity: %w", err)
	}
	content := fmt.Sprintf("# public key: %s\n%s\n", id.Recipient(), id)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return nil, false, fmt.Errorf("failed to write identity file %s: %w", path, err)
	}
	return id, true, nil
}
