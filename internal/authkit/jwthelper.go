package authkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errEmptyTokenSubject = errors.New("subject must be non-empty")

// SessionClaims are embedded in both access and refresh tokens. TokenVersion
// must equal the stored value at verification time for the token to be accepted.
type SessionClaims struct {
	UserID       string `json:"id"`
	UserEmail    string `json:"email"`
	TokenVersion int    `json:"tokenVersion"`
	jwt.RegisteredClaims
}

// MintAccessToken creates a signed HS256 access token for the given user.
func MintAccessToken(clock Clock, user UserRecord, issuer string, signingKey []byte, ttl time.Duration) (string, time.Time, error) {
	return mintSessionToken(clock, user, issuer, signingKey, ttl, "")
}

// MintRefreshToken creates a signed HS256 refresh token carrying a fresh jti
// for the rotation ledger. The signing key must differ from the access key.
func MintRefreshToken(clock Clock, user UserRecord, issuer string, signingKey []byte, ttl time.Duration) (string, string, time.Time, error) {
	tokenID := uuid.NewString()
	signed, expiresAt, err := mintSessionToken(clock, user, issuer, signingKey, ttl, tokenID)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, tokenID, expiresAt, nil
}

func mintSessionToken(clock Clock, user UserRecord, issuer string, signingKey []byte, ttl time.Duration, tokenID string) (string, time.Time, error) {
	if user.ID == "" {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", errEmptyTokenSubject)
	}
	issuedAt := clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID:       user.ID,
		UserEmail:    user.Email,
		TokenVersion: user.TokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}
