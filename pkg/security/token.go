package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aico-ai/gateway/pkg/types"
)

// Token errors surfaced to the security plugin.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// TokenManager issues and verifies the HS256 bearer tokens used by the
// security plugin and the websocket auth frame. The signing key is derived
// from the master key.
type TokenManager struct {
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewTokenManager creates a token manager keyed off the master key.
func NewTokenManager(masterKey []byte, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		signingKey: DeriveSubKey(masterKey, "auth-token"),
		issuer:     issuer,
		ttl:        ttl,
	}
}

type tokenClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// Issue creates a signed token for the given user.
func (tm *TokenManager) Issue(userUUID string, roles []string) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userUUID,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token and returns the authenticated principal.
func (tm *TokenManager) Verify(tokenString string) (*types.Principal, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	return &types.Principal{
		UserUUID:   claims.Subject,
		Roles:      claims.Roles,
		AuthMethod: "jwt",
	}, nil
}
