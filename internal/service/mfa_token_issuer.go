package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const challengeTokenType = "mfa_challenge"

// ChallengeTokenIssuerJWT hands out challenge tokens as signed JWTs carrying
// the challenge id. Only a hash of the token is stored with the challenge.
type ChallengeTokenIssuerJWT struct {
	Secret []byte
	Issuer string
	Clock  Clock
}

type challengeClaims struct {
	UserID string `json:"sub"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

func (m ChallengeTokenIssuerJWT) IssueChallengeToken(userID, challengeID uuid.UUID, expiresAt time.Time) (string, error) {
	claims := challengeClaims{
		UserID: userID.String(),
		Type:   challengeTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        challengeID.String(),
			Issuer:    m.Issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(m.now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.Secret)
}

// ParseChallengeToken returns the challenge id. An expired but otherwise
// valid token yields ErrChallengeExpired rather than ErrInvalidToken.
func (m ChallengeTokenIssuerJWT) ParseChallengeToken(token string) (uuid.UUID, error) {
	claims := &challengeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if errors.Is(err, jwt.ErrTokenExpired) && claims.Type == challengeTokenType {
		return uuid.Nil, ErrChallengeExpired
	}
	if err != nil || !parsed.Valid || claims.Type != challengeTokenType {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

func (m ChallengeTokenIssuerJWT) now() time.Time {
	if m.Clock == nil {
		return time.Now()
	}
	return m.Clock.Now()
}
