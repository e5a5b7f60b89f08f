package authkit

import "errors"

var (
	// ErrInvalidCredentials covers both unknown email and wrong password; callers must
	// not distinguish the two in responses.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrInvalidToken indicates a malformed token or a bad signature.
	ErrInvalidToken = errors.New("auth.invalid_token")
	// ErrExpiredToken indicates a well-signed token past its expiry.
	ErrExpiredToken = errors.New("auth.expired_token")
	// ErrTokenRevoked indicates a valid, unexpired token whose embedded tokenVersion
	// lags the stored one, or a refresh token rotated out of the ledger.
	ErrTokenRevoked = errors.New("auth.token_revoked")
	// ErrUserNotFound indicates the token references a deleted account.
	ErrUserNotFound = errors.New("auth.user_not_found")
	// ErrEmailAlreadyRegistered indicates a registration attempt for a taken email.
	ErrEmailAlreadyRegistered = errors.New("auth.email_already_registered")
	// ErrFederatedVerification indicates the provider-issued identity token failed
	// validation or its subject did not match the claimed one.
	ErrFederatedVerification = errors.New("auth.federated_verification_failed")
	// ErrPasswordChangeUnsupported indicates a password change on an account that
	// has no password hash (federated provider).
	ErrPasswordChangeUnsupported = errors.New("auth.password_change_unsupported")
)

var (
	// ErrRefreshTokenNotFound indicates no ledger row matched the refresh token id.
	ErrRefreshTokenNotFound = errors.New("refresh_ledger.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token id was rotated or revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_ledger.revoked")
	// ErrRefreshTokenAlreadyRevoked signals an idempotent revoke on a revoked id.
	ErrRefreshTokenAlreadyRevoked = errors.New("refresh_ledger.already_revoked")
)
