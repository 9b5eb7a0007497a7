package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// KeySize is the length of a symmetric channel key in bytes.
const KeySize = 32

// Key is the symmetric key for one institution's encrypted channel.
type Key [KeySize]byte

// ErrAuthenticationFailure is returned when a ciphertext fails
// authenticated decryption: wrong key, tampered data, or a malformed
// message. Decryption never returns a silently-wrong vector.
var ErrAuthenticationFailure = errors.New("ciphertext authentication failure")

// GenerateKey returns a fresh random channel key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// NewKeyFromHex parses a hex-encoded channel key.
func NewKeyFromHex(s string) (Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key hex: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("invalid key length %d, want %d", len(raw), KeySize)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

// String returns the hex encoding of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// EncryptVector encrypts a parameter vector under the institution's
// channel key using AES-256-GCM. Format: nonce (12 bytes) || ciphertext+tag.
func EncryptVector(key Key, vec []float64) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, EncodeVector(vec), nil)
	return ciphertext, nil
}

// DecryptVector decrypts a ciphertext produced by EncryptVector. Any
// tampering or key mismatch fails with ErrAuthenticationFailure.
func DecryptVector(key Key, ciphertext []byte) ([]float64, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrAuthenticationFailure
	}

	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}

	vec, err := DecodeVector(plaintext)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return vec, nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveAESKey(key))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// deriveAESKey domain-separates the channel key from other uses of the
// same material.
func deriveAESKey(key Key) []byte {
	h := sha3.New256()
	h.Write([]byte("fedtrain-vector-v1"))
	h.Write(key[:])
	return h.Sum(nil)
}
