// Package secrets seals provider API keys so they can sit in the environment
// encrypted. Sealed values look like enc:<key id>:<base64 nonce+ciphertext>.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const Prefix = "enc:"

var ErrNoKeyring = errors.New("sealed value found but no master keys configured")

type Keyring struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		if strings.Contains(id, ":") {
			return nil, fmt.Errorf("key id %q must not contain ':'", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{currentKeyID: currentKeyID, keys: cp}, nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Seal encrypts value with the current key. The key id is bound as
// additional data so a sealed value cannot be replayed under another id.
func (k *Keyring) Seal(value string) (string, error) {
	aead, err := newAEAD(k.keys[k.currentKeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), []byte(k.currentKeyID))
	return Prefix + k.currentKeyID + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (k *Keyring) Open(sealed string) (string, error) {
	rest, ok := strings.CutPrefix(sealed, Prefix)
	if !ok {
		return "", fmt.Errorf("value is not sealed")
	}
	keyID, payload, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("sealed value has no key id")
	}
	key, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", keyID)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// Reseal re-encrypts a sealed value under the current key.
func (k *Keyring) Reseal(sealed string) (string, error) {
	plain, err := k.Open(sealed)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}

// Resolve returns plain values unchanged and opens sealed ones. A nil keyring
// can only resolve plain values.
func (k *Keyring) Resolve(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if k == nil {
		return "", ErrNoKeyring
	}
	return k.Open(value)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
