// Package crypto seals credentials kept in .env files. A sealed value looks
// like ENC[v1]:base64(nonce|ciphertext) and is opened with AES-256-GCM
// using the key of the version it names.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	prefix    = "ENC[v"
	maxKeyVer = 10

	// EnvKey is the primary key variable; rotated keys use EnvKey_V2 and up.
	EnvKey = "MASTER_ENCRYPTION_KEY"
)

var (
	ErrNoKey             = errors.New("no encryption key configured")
	ErrInvalidCiphertext = errors.New("invalid sealed value")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Keyring holds one AEAD per key version and seals with the newest.
type Keyring struct {
	aeads   map[int]cipher.AEAD
	current int
}

// NewKeyring builds a keyring from raw key material per version. Material
// that is not exactly KeySize bytes is stretched with HKDF-SHA256, so a
// passphrase works as well as a generated key.
func NewKeyring(material map[int][]byte) (*Keyring, error) {
	k := &Keyring{aeads: make(map[int]cipher.AEAD, len(material))}
	for ver, raw := range material {
		if len(raw) == 0 {
			continue
		}
		key, err := deriveKey(ver, raw)
		if err != nil {
			return nil, err
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", ver, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("key v%d: %w", ver, err)
		}
		k.aeads[ver] = aead
		if ver > k.current {
			k.current = ver
		}
	}
	if len(k.aeads) == 0 {
		return nil, ErrNoKey
	}
	return k, nil
}

func deriveKey(ver int, raw []byte) ([]byte, error) {
	if len(raw) == KeySize {
		return raw, nil
	}
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, raw, nil, []byte(fmt.Sprintf("algotrader secrets v%d", ver)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key v%d: %w", ver, err)
	}
	return key, nil
}

// KeyringFromEnv reads EnvKey (version 1) and EnvKey_V2..EnvKey_V10.
// Values are base64 when they decode, otherwise taken as passphrases.
func KeyringFromEnv(lookup func(string) string) (*Keyring, error) {
	material := map[int][]byte{}
	for ver := 1; ver <= maxKeyVer; ver++ {
		name := EnvKey
		if ver > 1 {
			name = fmt.Sprintf("%s_V%d", EnvKey, ver)
		}
		val := strings.TrimSpace(lookup(name))
		if val == "" {
			continue
		}
		if raw, err := base64.StdEncoding.DecodeString(val); err == nil {
			material[ver] = raw
		} else {
			material[ver] = []byte(val)
		}
	}
	return NewKeyring(material)
}

// Version is the key version Seal uses.
func (k *Keyring) Version() int { return k.current }

// Seal encrypts plaintext with the newest key.
func (k *Keyring) Seal(plaintext string) (string, error) {
	aead := k.aeads[k.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("%s%d]:%s", prefix, k.current, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Open decrypts a sealed value with the key version it names.
func (k *Keyring) Open(sealed string) (string, error) {
	ver, payload, err := parse(sealed)
	if err != nil {
		return "", err
	}
	aead, ok := k.aeads[ver]
	if !ok {
		return "", fmt.Errorf("key version %d not configured", ver)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	n := aead.NonceSize()
	plain, err := aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// Reseal re-encrypts a value under the newest key, for key rotation.
func (k *Keyring) Reseal(sealed string) (string, error) {
	plain, err := k.Open(sealed)
	if err != nil {
		return "", err
	}
	return k.Seal(plain)
}

// IsSealed reports whether s carries the sealed-value prefix.
func IsSealed(s string) bool { return strings.HasPrefix(s, prefix) }

// Reveal opens s when sealed and returns it unchanged otherwise. A nil
// keyring can only pass through plain values.
func Reveal(k *Keyring, s string) (string, error) {
	if !IsSealed(s) {
		return s, nil
	}
	if k == nil {
		return "", fmt.Errorf("%w: sealed value needs %s", ErrNoKey, EnvKey)
	}
	return k.Open(s)
}

func parse(sealed string) (int, string, error) {
	if !IsSealed(sealed) {
		return 0, "", ErrInvalidCiphertext
	}
	end := strings.Index(sealed, "]:")
	if end < 0 {
		return 0, "", ErrInvalidCiphertext
	}
	var ver int
	if _, err := fmt.Sscanf(sealed[len(prefix):end], "%d", &ver); err != nil || ver <= 0 {
		return 0, "", ErrInvalidCiphertext
	}
	return ver, sealed[end+2:], nil
}

// GenerateKey returns a random base64 key suitable for EnvKey.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
