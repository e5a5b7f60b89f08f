package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCredentialStore is an in-memory CredentialStore intended for tests
// and local runs without a database.
type MemoryCredentialStore struct {
	mutex   sync.Mutex
	byID    map[string]UserRecord
	byEmail map[string]string
}

// NewMemoryCredentialStore creates an empty in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		byID:    make(map[string]UserRecord),
		byEmail: make(map[string]string),
	}
}

// CreateEmailUser inserts a new email-provider record with token version 0.
func (store *MemoryCredentialStore) CreateEmailUser(ctx context.Context, userName string, email string, passwordHash string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, exists := store.byEmail[email]; exists {
		return UserRecord{}, fmt.Errorf("credential_store.create: %w", ErrEmailAlreadyRegistered)
	}
	record := UserRecord{
		ID:           uuid.NewString(),
		Email:        email,
		UserName:     userName,
		PasswordHash: passwordHash,
		AuthProvider: ProviderEmail,
		Role:         RoleUser,
		TokenVersion: 0,
	}
	store.byID[record.ID] = record
	store.byEmail[email] = record.ID
	return record, nil
}

// FindUserByEmail returns the record for the given email.
func (store *MemoryCredentialStore) FindUserByEmail(ctx context.Context, email string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, ok := store.byEmail[email]
	if !ok {
		return UserRecord{}, fmt.Errorf("credential_store.find_by_email: %w", ErrUserNotFound)
	}
	return store.byID[userID], nil
}

// FindUserByID returns the record for the given id.
func (store *MemoryCredentialStore) FindUserByID(ctx context.Context, userID string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return UserRecord{}, fmt.Errorf("credential_store.find_by_id: %w", ErrUserNotFound)
	}
	return record, nil
}

// UpsertGoogleUser matches by google subject first, then by email (linking
// the subject to an existing email account), and creates a passwordless
// google-provider record when neither matches.
func (store *MemoryCredentialStore) UpsertGoogleUser(ctx context.Context, googleSubject string, email string, userName string, pictureURL string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	for _, record := range store.byID {
		if record.GoogleSubject == googleSubject {
			record.UserName = userName
			record.ProfilePicture = pictureURL
			store.byID[record.ID] = record
			return record, nil
		}
	}
	if userID, ok := store.byEmail[email]; ok {
		record := store.byID[userID]
		record.GoogleSubject = googleSubject
		if record.ProfilePicture == "" {
			record.ProfilePicture = pictureURL
		}
		store.byID[userID] = record
		return record, nil
	}

	record := UserRecord{
		ID:             uuid.NewString(),
		Email:          email,
		UserName:       userName,
		GoogleSubject:  googleSubject,
		AuthProvider:   ProviderGoogle,
		Role:           RoleUser,
		ProfilePicture: pictureURL,
		TokenVersion:   0,
		EmailVerified:  true,
	}
	store.byID[record.ID] = record
	store.byEmail[email] = record.ID
	return record, nil
}

// ChangePassword stores the new hash and bumps the token version together.
func (store *MemoryCredentialStore) ChangePassword(ctx context.Context, userID string, newPasswordHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("credential_store.change_password: %w", ErrUserNotFound)
	}
	record.PasswordHash = newPasswordHash
	record.TokenVersion++
	store.byID[userID] = record
	return nil
}

// MarkEmailVerified sets the verified flag for the given email.
func (store *MemoryCredentialStore) MarkEmailVerified(ctx context.Context, email string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	userID, ok := store.byEmail[email]
	if !ok {
		return fmt.Errorf("credential_store.mark_verified: %w", ErrUserNotFound)
	}
	record := store.byID[userID]
	record.EmailVerified = true
	store.byID[userID] = record
	return nil
}

// DeleteUser removes the record; outstanding tokens then fail verification.
func (store *MemoryCredentialStore) DeleteUser(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, ok := store.byID[userID]
	if !ok {
		return fmt.Errorf("credential_store.delete: %w", ErrUserNotFound)
	}
	delete(store.byEmail, record.Email)
	delete(store.byID, userID)
	return nil
}

// MemoryRefreshLedger is an in-memory RefreshTokenLedger for tests and dev.
type MemoryRefreshLedger struct {
	mutex   sync.Mutex
	records map[string]*memoryLedgerRecord
}

type memoryLedgerRecord struct {
	UserID          string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshLedger creates an empty in-memory ledger.
func NewMemoryRefreshLedger() *MemoryRefreshLedger {
	return &MemoryRefreshLedger{records: make(map[string]*memoryLedgerRecord)}
}

// RecordRefreshToken inserts a ledger row for the freshly minted jti.
func (ledger *MemoryRefreshLedger) RecordRefreshToken(ctx context.Context, userID string, tokenID string, expiresUnix int64, previousTokenID string) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	ledger.records[tokenID] = &memoryLedgerRecord{
		UserID:          userID,
		ExpiresUnix:     expiresUnix,
		RevokedAtUnix:   0,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    time.Now().UTC().Unix(),
	}
	return nil
}

// ValidateRefreshToken reports whether the jti is still live.
func (ledger *MemoryRefreshLedger) ValidateRefreshToken(ctx context.Context, tokenID string) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	record, ok := ledger.records[tokenID]
	if !ok {
		return fmt.Errorf("refresh_ledger.validate: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("refresh_ledger.validate: %w", ErrRefreshTokenRevoked)
	}
	return nil
}

// RevokeRefreshToken marks a jti as revoked; revoking twice is idempotent.
func (ledger *MemoryRefreshLedger) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	record, ok := ledger.records[tokenID]
	if !ok {
		return fmt.Errorf("refresh_ledger.revoke: %w", ErrRefreshTokenNotFound)
	}
	if record.RevokedAtUnix != 0 {
		return nil
	}
	record.RevokedAtUnix = time.Now().UTC().Unix()
	return nil
}

// RevokeUserRefreshTokens revokes every live jti belonging to the user.
func (ledger *MemoryRefreshLedger) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	ledger.mutex.Lock()
	defer ledger.mutex.Unlock()

	nowUnix := time.Now().UTC().Unix()
	for _, record := range ledger.records {
		if record.UserID == userID && record.RevokedAtUnix == 0 {
			record.RevokedAtUnix = nowUnix
		}
	}
	return nil
}
