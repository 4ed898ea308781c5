package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MasterKeySize is the required key length for AES-256-GCM.
const MasterKeySize = 32

// SecretBox encrypts and decrypts values at rest with AES-256-GCM using the
// gateway master key. The persistent store runs every record through it.
type SecretBox struct {
	key []byte
}

// NewSecretBox creates a secret box from a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return &SecretBox{key: key}, nil
}

// Encrypt encrypts plaintext and prepends the nonce.
func (sb *SecretBox) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(sb.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt.
func (sb *SecretBox) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(sb.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// LoadMasterKey reads the hex-encoded master key from path. A missing key
// is a fatal startup condition; the caller exits non-zero.
func LoadMasterKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("master key not available at %s: %w", path, err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("master key at %s is not valid hex: %w", path, err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("master key at %s must decode to %d bytes, got %d", path, MasterKeySize, len(key))
	}

	return key, nil
}

// GenerateMasterKey creates a new random master key file with 0600
// permissions. Fails if the file already exists.
func GenerateMasterKey(path string) ([]byte, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("master key already exists at %s", path)
	}

	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}

	return key, nil
}

// DeriveSubKey derives a purpose-bound 32-byte key from the master key.
// Token signing and session identity keys use distinct labels so that
// compromising one surface never exposes another.
func DeriveSubKey(masterKey []byte, label string) []byte {
	h := sha256.New()
	h.Write(masterKey)
	h.Write([]byte(":"))
	h.Write([]byte(label))
	return h.Sum(nil)
}
