package cloudsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Algorithm names the only envelope cipher.
const Algorithm = "aes-256-gcm"

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
	keyInfo   = "devcompanion sync v1"
)

// ErrTagVerification is returned when an envelope fails authentication.
var ErrTagVerification = errors.New("cloudsync: authentication tag verification failed")

// Envelope is the encrypted container. Binary fields are standard base64.
type Envelope struct {
	Algorithm  string `json:"algorithm"`
	IV         string `json:"iv"`
	AuthTag    string `json:"auth_tag"`
	Ciphertext string `json:"ciphertext"`
}

// DeriveKey derives the 256-bit sync key from an account id and the
// deployment salt with HKDF-SHA256.
func DeriveKey(accountID, salt string) ([]byte, error) {
	if accountID == "" {
		return nil, errors.New("derive key: account id is required")
	}
	r := hkdf.New(sha256.New, []byte(accountID), []byte(salt), []byte(keyInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Cipher seals and opens envelopes for one account.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewCipher returns a cipher keyed for accountID and salt.
func NewCipher(accountID, salt string) (*Cipher, error) {
	key, err := DeriveKey(accountID, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts plaintext under a fresh random IV.
func (c *Cipher) Seal(plaintext []byte) (Envelope, error) {
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return Envelope{
		Algorithm:  Algorithm,
		IV:         base64.StdEncoding.EncodeToString(iv),
		AuthTag:    base64.StdEncoding.EncodeToString(tag),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open verifies the tag and returns the plaintext. Any tampering yields
// ErrTagVerification.
func (c *Cipher) Open(env Envelope) ([]byte, error) {
	if env.Algorithm != Algorithm {
		return nil, fmt.Errorf("open envelope: unsupported algorithm %q", env.Algorithm)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(iv) != nonceSize {
		return nil, fmt.Errorf("open envelope: bad iv")
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("open envelope: bad auth tag")
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open envelope: bad ciphertext: %w", err)
	}
	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrTagVerification
	}
	return plaintext, nil
}
