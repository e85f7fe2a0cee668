package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrMissingClaims    = errors.New("missing required claims")
)

// Claims carried by a gateway credential. PrincipalID is the
// authenticated end-user identity; DeviceID distinguishes the client
// installation and is optional.
type Claims struct {
	PrincipalID string `json:"principal_id"`
	DeviceID    string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}

// Manager verifies and issues HS256 credentials.
type Manager struct {
	secret []byte
	expire time.Duration
	issuer string
}

// NewManager creates a credential manager.
func NewManager(secret string, expire time.Duration, issuer string) *Manager {
	return &Manager{
		secret: []byte(secret),
		expire: expire,
		issuer: issuer,
	}
}

// GenerateToken issues a credential for a principal. Used by tests and
// the development token endpoint; production tokens come from the
// identity service with the shared secret.
func (m *Manager) GenerateToken(principalID, deviceID string) (string, error) {
	now := time.Now()
	claims := Claims{
		PrincipalID: principalID,
		DeviceID:    deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expire)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// VerifyToken validates a credential and returns its claims.
func (m *Manager) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidSignature
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.PrincipalID == "" {
		return nil, ErrMissingClaims
	}
	return claims, nil
}

// Verify adapts the manager to the session coordinator's credential
// verifier interface.
func (m *Manager) Verify(token string) (string, error) {
	claims, err := m.VerifyToken(token)
	if err != nil {
		return "", err
	}
	return claims.PrincipalID, nil
}
