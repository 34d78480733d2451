package crdtsync

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// CryptoProvider wraps and unwraps op payloads for transport, approximating
// spec.md §4.I's MLS-style space-scoped group keys with a per-space
// symmetric key (MLS group management itself is out of scope here; key
// distribution is assumed to have already happened out of band).
type CryptoProvider interface {
	Wrap(spaceID string, plaintext []byte) ([]byte, error)
	Unwrap(spaceID string, ciphertext []byte) ([]byte, error)
}

// SecretboxCrypto implements CryptoProvider using NaCl secretbox, keyed
// per space.
type SecretboxCrypto struct {
	keys map[string]*[32]byte
}

// NewSecretboxCrypto constructs a CryptoProvider from a set of space ->
// 32-byte key mappings.
func NewSecretboxCrypto(keys map[string]*[32]byte) *SecretboxCrypto {
	return &SecretboxCrypto{keys: keys}
}

func (c *SecretboxCrypto) key(spaceID string) (*[32]byte, error) {
	k, ok := c.keys[spaceID]
	if !ok {
		return nil, fmt.Errorf("crdtsync: no group key for space %q", spaceID)
	}
	return k, nil
}

// Wrap encrypts plaintext with the space's key under a fresh random nonce,
// prefixing the nonce to the ciphertext.
func (c *SecretboxCrypto) Wrap(spaceID string, plaintext []byte) ([]byte, error) {
	key, err := c.key(spaceID)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crdtsync: nonce generation: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, key)
	return sealed, nil
}

// Unwrap decrypts ciphertext produced by Wrap. Returns an error (and the
// caller must drop-with-audit per spec.md §4.I) on decryption failure.
func (c *SecretboxCrypto) Unwrap(spaceID string, ciphertext []byte) ([]byte, error) {
	key, err := c.key(spaceID)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 24 {
		return nil, fmt.Errorf("crdtsync: ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])
	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("crdtsync: decryption failed")
	}
	return plaintext, nil
}

// NoopCrypto passes payloads through unmodified. Used in tests and for
// bands that do not require envelope-level encryption on top of transport
// TLS.
type NoopCrypto struct{}

func (NoopCrypto) Wrap(_ string, plaintext []byte) ([]byte, error)   { return plaintext, nil }
func (NoopCrypto) Unwrap(_ string, ciphertext []byte) ([]byte, error) { return ciphertext, nil }
