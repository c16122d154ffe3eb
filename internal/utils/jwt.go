package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// JWTManager signs and parses the HS256 access tokens shared with the
// authentication layer. Now is optional and defaults to the wall clock.
type JWTManager struct {
	Secret         []byte
	Issuer         string
	AccessTokenTTL time.Duration
	Now            func() time.Time
}

// AccessClaims identify the user, the role and the trust session a request belongs to.
// SessionID is empty for service tokens that are not bound to a session.
type AccessClaims struct {
	UserID    string `json:"sub"`
	Role      string `json:"role"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (m JWTManager) IssueAccessToken(userID string, role string, sessionID string) (string, time.Duration, error) {
	ttl := m.AccessTokenTTL
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	now := m.now()
	claims := AccessClaims{
		UserID:    userID,
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.Secret)
	if err != nil {
		return "", 0, err
	}
	return signed, ttl, nil
}

func (m JWTManager) ParseAccessToken(tokenString string) (*AccessClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.Issuer))
	}
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.Secret, nil
	}, options...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (m JWTManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
