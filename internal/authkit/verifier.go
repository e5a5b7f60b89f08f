package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates presented tokens against signatures, expiry, and
// the current state of the credential store.
type TokenVerifier struct {
	configuration ServerConfig
	users         CredentialStore
	ledger        RefreshTokenLedger
}

// NewTokenVerifier constructs a verifier over the given stores.
func NewTokenVerifier(configuration ServerConfig, users CredentialStore, ledger RefreshTokenLedger) *TokenVerifier {
	return &TokenVerifier{configuration: configuration, users: users, ledger: ledger}
}

// VerifyAccess validates an access token and returns its claims together with
// the current credential record.
func (verifier *TokenVerifier) VerifyAccess(ctx context.Context, tokenString string) (*SessionClaims, UserRecord, error) {
	return verifier.verify(ctx, tokenString, verifier.configuration.AccessTokenSecret, false)
}

// VerifyRefresh validates a refresh token, including its rotation-ledger jti.
func (verifier *TokenVerifier) VerifyRefresh(ctx context.Context, tokenString string) (*SessionClaims, UserRecord, error) {
	return verifier.verify(ctx, tokenString, verifier.configuration.RefreshTokenSecret, true)
}

// verify runs the four checks in order: signature, expiry, user lookup, and
// token-version equality. Refresh tokens additionally require a live jti.
func (verifier *TokenVerifier) verify(ctx context.Context, tokenString string, signingKey []byte, isRefresh bool) (*SessionClaims, UserRecord, error) {
	claims, parseErr := verifier.parseClaims(tokenString, signingKey)
	if parseErr != nil {
		return nil, UserRecord{}, parseErr
	}

	user, lookupErr := verifier.users.FindUserByID(ctx, claims.UserID)
	if lookupErr != nil {
		if errors.Is(lookupErr, ErrUserNotFound) {
			return nil, UserRecord{}, fmt.Errorf("token.verify.lookup: %w", ErrUserNotFound)
		}
		return nil, UserRecord{}, fmt.Errorf("token.verify.lookup: %w", lookupErr)
	}

	if claims.TokenVersion != user.TokenVersion {
		return nil, UserRecord{}, fmt.Errorf("token.verify.version: %w", ErrTokenRevoked)
	}

	if isRefresh {
		if ledgerErr := verifier.ledger.ValidateRefreshToken(ctx, claims.ID); ledgerErr != nil {
			if errors.Is(ledgerErr, ErrRefreshTokenNotFound) || errors.Is(ledgerErr, ErrRefreshTokenRevoked) {
				return nil, UserRecord{}, fmt.Errorf("token.verify.ledger: %w", ErrTokenRevoked)
			}
			return nil, UserRecord{}, fmt.Errorf("token.verify.ledger: %w", ledgerErr)
		}
	}

	return claims, user, nil
}

func (verifier *TokenVerifier) parseClaims(tokenString string, signingKey []byte) (*SessionClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token.verify.parse: %w", ErrInvalidToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return activeClock().Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token.verify.parse: %w", ErrExpiredToken)
		}
		return nil, fmt.Errorf("token.verify.parse: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("token.verify.parse: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*SessionClaims)
	if !ok || claims.UserID == "" {
		return nil, fmt.Errorf("token.verify.parse: %w", ErrInvalidToken)
	}
	if claims.Issuer != verifier.configuration.TokenIssuer {
		return nil, fmt.Errorf("token.verify.issuer: %w", ErrInvalidToken)
	}
	return claims, nil
}
