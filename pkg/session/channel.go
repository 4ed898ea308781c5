package session

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// AlgorithmName is the AEAD identifier advertised in encrypted envelopes.
const AlgorithmName = "xchacha20poly1305"

// Channel errors.
var (
	ErrChannelExpired  = errors.New("session channel expired")
	ErrDecryptFailed   = errors.New("decryption failed")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Channel holds the live cryptographic state for one client session.
// Entries are immutable once established; replacement goes through the
// Manager, never through mutation.
type Channel struct {
	ClientID      string
	Component     string
	EstablishedAt time.Time
	ExpiresAt     time.Time

	// Peer identity (Ed25519) and the ephemeral exchange result are kept
	// for auditability; only the derived AEAD is used per request.
	PeerIdentity []byte

	aead           cipher.AEAD
	maxPayloadSize int

	// Unix nanos; atomic because requests touch the channel concurrently.
	lastUsed atomic.Int64
}

// newChannel wraps a derived session key into an AEAD channel.
func newChannel(clientID, component string, peerIdentity, key []byte, ttl time.Duration, maxPayloadSize int) (*Channel, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	now := time.Now()
	c := &Channel{
		ClientID:       clientID,
		Component:      component,
		EstablishedAt:  now,
		ExpiresAt:      now.Add(ttl),
		PeerIdentity:   peerIdentity,
		aead:           aead,
		maxPayloadSize: maxPayloadSize,
	}
	c.lastUsed.Store(now.UnixNano())
	return c, nil
}

// Valid reports whether the channel can still encrypt traffic.
func (c *Channel) Valid() bool {
	return c.aead != nil && time.Now().Before(c.ExpiresAt)
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (c *Channel) Encrypt(plaintext []byte) (string, error) {
	if !c.Valid() {
		return "", ErrChannelExpired
	}
	if c.maxPayloadSize > 0 && len(plaintext) > c.maxPayloadSize {
		return "", fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(plaintext))
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	c.lastUsed.Store(time.Now().UnixNano())
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64(nonce || ciphertext) payload.
func (c *Channel) Decrypt(encoded string) ([]byte, error) {
	if !c.Valid() {
		return nil, ErrChannelExpired
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64", ErrDecryptFailed)
	}

	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptFailed)
	}
	if c.maxPayloadSize > 0 && len(sealed) > c.maxPayloadSize+c.aead.Overhead()+nonceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(sealed))
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}

	c.lastUsed.Store(time.Now().UnixNano())
	return plaintext, nil
}

// LastUsed returns the last time the channel moved traffic.
func (c *Channel) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}
