// Package secrets turns a destination's stored credential blob into the
// plaintext credential the conversion API needs.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/austindbirch/conversion_hook/internal/capi"
)

var (
	ErrDecrypt    = errors.New("secrets: decrypt failed")
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes, base64 encoded")
)

// Resolver decrypts a stored credential. Implementations may call out to a
// secret manager; the worker only depends on this method.
type Resolver interface {
	Decrypt(ctx context.Context, blob []byte) (capi.Credential, error)
}

// Box seals credentials with XChaCha20-Poly1305. A blob is nonce||ciphertext.
type Box struct {
	key []byte
}

// NewBox parses a base64 (std or raw url) 32-byte key.
func NewBox(b64Key string) (*Box, error) {
	b64Key = strings.TrimSpace(b64Key)
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		key, err = base64.RawURLEncoding.DecodeString(b64Key)
	}
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Box{key: key}, nil
}

// Decrypt opens blob and decodes the credential JSON inside it.
func (b *Box) Decrypt(_ context.Context, blob []byte) (capi.Credential, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return capi.Credential{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return capi.Credential{}, fmt.Errorf("%w: blob too short", ErrDecrypt)
	}
	nonce, ct := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return capi.Credential{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	var cred capi.Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return capi.Credential{}, fmt.Errorf("%w: credential is not json: %v", ErrDecrypt, err)
	}
	if cred.AccessToken == "" {
		return capi.Credential{}, fmt.Errorf("%w: access_token missing", ErrDecrypt)
	}
	return cred, nil
}

// Encrypt seals cred. Used by tooling that provisions destinations.
func (b *Box) Encrypt(cred capi.Credential) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	plain, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// GenerateKey returns a fresh base64 key for NewBox.
func GenerateKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
