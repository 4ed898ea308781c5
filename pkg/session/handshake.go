package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/aico-ai/gateway/pkg/security"
)

// Handshake errors surfaced to the transport middleware.
var (
	ErrInvalidHandshake = errors.New("invalid handshake format")
	ErrHandshakeFailed  = errors.New("handshake processing failed")
)

const hkdfInfo = "aico-gateway-session-v1"

// HandshakeRequest is the client half of the session exchange.
type HandshakeRequest struct {
	Component   string  `json:"component"`
	Timestamp   float64 `json:"timestamp,omitempty"`
	IdentityKey string  `json:"identity_key"`
	PublicKey   string  `json:"public_key"`
	Nonce       string  `json:"nonce"`
	ClientID    string  `json:"client_id,omitempty"`
}

// HandshakeResponse is the server half.
type HandshakeResponse struct {
	IdentityKey  string `json:"identity_key"`
	PublicKey    string `json:"public_key"`
	Confirmation string `json:"confirmation"`
	ExpiresAt    string `json:"expires_at"`
}

// IdentityManager owns the gateway's long-term Ed25519 identity and
// performs the X25519 exchange that derives per-session AEAD keys.
type IdentityManager struct {
	identityPub  ed25519.PublicKey
	identityPriv ed25519.PrivateKey

	sessionTTL     time.Duration
	maxPayloadSize int
}

// NewIdentityManager derives the gateway identity deterministically from
// the master key so the identity survives restarts without separate key
// storage.
func NewIdentityManager(masterKey []byte, sessionTTL time.Duration, maxPayloadSize int) *IdentityManager {
	seed := security.DeriveSubKey(masterKey, "session-identity")
	priv := ed25519.NewKeyFromSeed(seed)
	return &IdentityManager{
		identityPub:    priv.Public().(ed25519.PublicKey),
		identityPriv:   priv,
		sessionTTL:     sessionTTL,
		maxPayloadSize: maxPayloadSize,
	}
}

// IdentityKey returns the gateway's public identity.
func (im *IdentityManager) IdentityKey() ed25519.PublicKey {
	return im.identityPub
}

// ProcessHandshake validates a handshake request, performs the ephemeral
// X25519 exchange, and returns the derived channel plus the response the
// client needs to derive the same key.
func (im *IdentityManager) ProcessHandshake(req *HandshakeRequest, derivedClientID string) (string, *HandshakeResponse, *Channel, error) {
	if req.Component == "" || req.PublicKey == "" || req.Nonce == "" {
		return "", nil, nil, fmt.Errorf("%w: missing component, public_key, or nonce", ErrInvalidHandshake)
	}
	if req.Timestamp == 0 {
		req.Timestamp = float64(time.Now().Unix())
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = derivedClientID
	}

	peerIdentity, err := base64.StdEncoding.DecodeString(req.IdentityKey)
	if err != nil || (len(peerIdentity) != 0 && len(peerIdentity) != ed25519.PublicKeySize) {
		return "", nil, nil, fmt.Errorf("%w: identity key must be base64 ed25519", ErrInvalidHandshake)
	}

	peerEphemeral, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(peerEphemeral) != curve25519.PointSize {
		return "", nil, nil, fmt.Errorf("%w: public key must be a base64 x25519 point", ErrInvalidHandshake)
	}

	nonce, err := base64.StdEncoding.DecodeString(req.Nonce)
	if err != nil || len(nonce) == 0 {
		return "", nil, nil, fmt.Errorf("%w: nonce must be base64", ErrInvalidHandshake)
	}

	// Ephemeral exchange.
	var ephemeralPriv [curve25519.ScalarSize]byte
	if _, err := io.ReadFull(rand.Reader, ephemeralPriv[:]); err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	shared, err := curve25519.X25519(ephemeralPriv[:], peerEphemeral)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	key, err := deriveSessionKey(shared, nonce)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	channel, err := newChannel(clientID, req.Component, peerIdentity, key, im.sessionTTL, im.maxPayloadSize)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	// Confirmation proves the server derived the same key: the client
	// nonce encrypted under the new channel.
	confirmation, err := channel.Encrypt(nonce)
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	resp := &HandshakeResponse{
		IdentityKey:  base64.StdEncoding.EncodeToString(im.identityPub),
		PublicKey:    base64.StdEncoding.EncodeToString(ephemeralPub),
		Confirmation: confirmation,
		ExpiresAt:    channel.ExpiresAt.UTC().Format(time.RFC3339),
	}

	return clientID, resp, channel, nil
}

// deriveSessionKey expands the ECDH result through HKDF-SHA256, salted
// with the client nonce.
func deriveSessionKey(shared, nonce []byte) ([]byte, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, shared, nonce, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveClientID builds a stable client identifier from transport
// attributes when the client did not supply one.
func DeriveClientID(remoteAddr, userAgent string) string {
	sum := sha256.Sum256([]byte(remoteAddr + "|" + userAgent))
	return hex.EncodeToString(sum[:8])
}
