package authkit

import "context"

// Auth provider discriminators stored on credential records.
const (
	ProviderEmail  = "email"
	ProviderGoogle = "google"
)

// Roles carried in issued claims.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// UserRecord is a credential record as seen by the auth core. PasswordHash is
// empty for federated accounts; GoogleSubject is empty for email accounts.
type UserRecord struct {
	ID             string
	Email          string
	UserName       string
	PasswordHash   string
	GoogleSubject  string
	AuthProvider   string
	Role           string
	ProfilePicture string
	TokenVersion   int
	EmailVerified  bool
}

// CredentialStore persists and retrieves credential records.
type CredentialStore interface {
	CreateEmailUser(ctx context.Context, userName string, email string, passwordHash string) (UserRecord, error)
	FindUserByEmail(ctx context.Context, email string) (UserRecord, error)
	FindUserByID(ctx context.Context, userID string) (UserRecord, error)
	UpsertGoogleUser(ctx context.Context, googleSubject string, email string, userName string, pictureURL string) (UserRecord, error)
	// ChangePassword stores the new hash and increments the token version in a
	// single atomic update, revoking every previously issued token.
	ChangePassword(ctx context.Context, userID string, newPasswordHash string) error
	MarkEmailVerified(ctx context.Context, email string) error
	DeleteUser(ctx context.Context, userID string) error
}

// RefreshTokenLedger records issued refresh token ids so rotation can
// invalidate the previous token rather than leaving it verifiable until expiry.
type RefreshTokenLedger interface {
	RecordRefreshToken(ctx context.Context, userID string, tokenID string, expiresUnix int64, previousTokenID string) error
	ValidateRefreshToken(ctx context.Context, tokenID string) error
	RevokeRefreshToken(ctx context.Context, tokenID string) error
	RevokeUserRefreshTokens(ctx context.Context, userID string) error
}

// VerificationCodeStore issues and consumes one-time email verification codes.
type VerificationCodeStore interface {
	Issue(ctx context.Context, email string) (string, error)
	Consume(ctx context.Context, email string, code string) error
}
