package session

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Client is the client half of the session protocol. Local tools (the
// task CLI) use it to handshake with a running gateway and speak the
// same sealed-envelope format the middleware expects.
type Client struct {
	component string
	clientID  string

	priv  []byte
	pub   []byte
	nonce []byte
	aead  cipher.AEAD
}

// NewClient generates the ephemeral key material for one handshake.
func NewClient(component string) (*Client, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &Client{component: component, priv: priv, pub: pub, nonce: nonce}, nil
}

// Request builds the handshake request to POST at the handshake path.
func (c *Client) Request() *HandshakeRequest {
	return &HandshakeRequest{
		Component: c.component,
		PublicKey: base64.StdEncoding.EncodeToString(c.pub),
		Nonce:     base64.StdEncoding.EncodeToString(c.nonce),
	}
}

// Complete derives the channel key from the gateway's response and
// verifies the confirmation before any payload is trusted to it.
func (c *Client) Complete(clientID string, resp *HandshakeResponse) error {
	serverPub, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil || len(serverPub) != curve25519.PointSize {
		return fmt.Errorf("%w: server public key", ErrInvalidHandshake)
	}
	shared, err := curve25519.X25519(c.priv, serverPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	key, err := deriveSessionKey(shared, c.nonce)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	c.aead = aead
	c.clientID = clientID

	// The confirmation must decrypt to our nonce under the derived key.
	echoed, err := c.Decrypt(resp.Confirmation)
	if err != nil || !bytes.Equal(echoed, c.nonce) {
		c.aead = nil
		return fmt.Errorf("%w: confirmation mismatch", ErrHandshakeFailed)
	}
	return nil
}

// ClientID returns the identifier assigned by the gateway.
func (c *Client) ClientID() string { return c.clientID }

// Established reports whether Complete succeeded.
func (c *Client) Established() bool { return c.aead != nil }

// Encrypt seals plaintext as base64(nonce || ciphertext).
func (c *Client) Encrypt(plaintext []byte) (string, error) {
	if c.aead == nil {
		return "", ErrHandshakeFailed
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(c.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt opens a base64(nonce || ciphertext) payload from the gateway.
func (c *Client) Decrypt(encoded string) ([]byte, error) {
	if c.aead == nil {
		return nil, ErrHandshakeFailed
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64", ErrDecryptFailed)
	}
	size := c.aead.NonceSize()
	if len(sealed) < size {
		return nil, fmt.Errorf("%w: payload too short", ErrDecryptFailed)
	}
	plaintext, err := c.aead.Open(nil, sealed[:size], sealed[size:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return plaintext, nil
}
