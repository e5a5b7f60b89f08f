// Package store persists credential records and the refresh rotation ledger
// using GORM, selecting the postgres or sqlite driver from the database URL.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mprlab/goaltrack/internal/authkit"
)

// Store implements authkit.CredentialStore and authkit.RefreshTokenLedger on
// a single GORM connection. Concurrent password changes for the same user
// serialize on the database row, not on application locks.
type Store struct {
	db          *gorm.DB
	driverLabel string
}

// New opens the database, migrates the schema, and returns the store.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userRecord{}, &refreshTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &Store{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *Store) Driver() string {
	return store.driverLabel
}

// CreateEmailUser inserts a new email-provider user with token version 0.
func (store *Store) CreateEmailUser(ctx context.Context, userName string, email string, passwordHash string) (authkit.UserRecord, error) {
	var existing userRecord
	lookupErr := store.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if lookupErr == nil {
		return authkit.UserRecord{}, fmt.Errorf("store.create_user.%s: %w", store.driverLabel, authkit.ErrEmailAlreadyRegistered)
	}
	if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		return authkit.UserRecord{}, fmt.Errorf("store.create_user.%s: %w", store.driverLabel, lookupErr)
	}

	nowUnix := time.Now().UTC().Unix()
	record := userRecord{
		ID:            uuid.NewString(),
		Email:         email,
		UserName:      userName,
		PasswordHash:  passwordHash,
		AuthProvider:  authkit.ProviderEmail,
		Role:          authkit.RoleUser,
		TokenVersion:  0,
		CreatedAtUnix: nowUnix,
		UpdatedAtUnix: nowUnix,
	}
	if createErr := store.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		return authkit.UserRecord{}, fmt.Errorf("store.create_user.%s: %w", store.driverLabel, createErr)
	}
	return toAuthRecord(record), nil
}

// FindUserByEmail returns the credential record for the given email.
func (store *Store) FindUserByEmail(ctx context.Context, email string) (authkit.UserRecord, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("email = ?", email).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return authkit.UserRecord{}, fmt.Errorf("store.find_by_email.%s: %w", store.driverLabel, authkit.ErrUserNotFound)
		}
		return authkit.UserRecord{}, fmt.Errorf("store.find_by_email.%s: %w", store.driverLabel, err)
	}
	return toAuthRecord(record), nil
}

// FindUserByID returns the credential record for the given id.
func (store *Store) FindUserByID(ctx context.Context, userID string) (authkit.UserRecord, error) {
	var record userRecord
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return authkit.UserRecord{}, fmt.Errorf("store.find_by_id.%s: %w", store.driverLabel, authkit.ErrUserNotFound)
		}
		return authkit.UserRecord{}, fmt.Errorf("store.find_by_id.%s: %w", store.driverLabel, err)
	}
	return toAuthRecord(record), nil
}

// UpsertGoogleUser matches by google subject first, then by email (linking
// the federated identity to an existing email account), and otherwise creates
// a passwordless google-provider record.
func (store *Store) UpsertGoogleUser(ctx context.Context, googleSubject string, email string, userName string, pictureURL string) (authkit.UserRecord, error) {
	nowUnix := time.Now().UTC().Unix()

	var bySubject userRecord
	subjectErr := store.db.WithContext(ctx).Where("google_subject = ?", googleSubject).Take(&bySubject).Error
	if subjectErr == nil {
		updates := map[string]interface{}{
			"user_name":       userName,
			"profile_picture": pictureURL,
			"updated_at_unix": nowUnix,
		}
		if updateErr := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", bySubject.ID).Updates(updates).Error; updateErr != nil {
			return authkit.UserRecord{}, fmt.Errorf("store.upsert_google.%s: %w", store.driverLabel, updateErr)
		}
		bySubject.UserName = userName
		bySubject.ProfilePicture = pictureURL
		return toAuthRecord(bySubject), nil
	}
	if !errors.Is(subjectErr, gorm.ErrRecordNotFound) {
		return authkit.UserRecord{}, fmt.Errorf("store.upsert_google.%s: %w", store.driverLabel, subjectErr)
	}

	var byEmail userRecord
	emailErr := store.db.WithContext(ctx).Where("email = ?", email).Take(&byEmail).Error
	if emailErr == nil {
		updates := map[string]interface{}{
			"google_subject":  googleSubject,
			"updated_at_unix": nowUnix,
		}
		if byEmail.ProfilePicture == "" {
			updates["profile_picture"] = pictureURL
		}
		if updateErr := store.db.WithContext(ctx).Model(&userRecord{}).Where("id = ?", byEmail.ID).Updates(updates).Error; updateErr != nil {
			return authkit.UserRecord{}, fmt.Errorf("store.upsert_google.%s: %w", store.driverLabel, updateErr)
		}
		byEmail.GoogleSubject = googleSubject
		if byEmail.ProfilePicture == "" {
			byEmail.ProfilePicture = pictureURL
		}
		return toAuthRecord(byEmail), nil
	}
	if !errors.Is(emailErr, gorm.ErrRecordNotFound) {
		return authkit.UserRecord{}, fmt.Errorf("store.upsert_google.%s: %w", store.driverLabel, emailErr)
	}

	record := userRecord{
		ID:             uuid.NewString(),
		Email:          email,
		UserName:       userName,
		GoogleSubject:  googleSubject,
		AuthProvider:   authkit.ProviderGoogle,
		Role:           authkit.RoleUser,
		ProfilePicture: pictureURL,
		TokenVersion:   0,
		EmailVerified:  true,
		CreatedAtUnix:  nowUnix,
		UpdatedAtUnix:  nowUnix,
	}
	if createErr := store.db.WithContext(ctx).Create(&record).Error; createErr != nil {
		return authkit.UserRecord{}, fmt.Errorf("store.upsert_google.%s: %w", store.driverLabel, createErr)
	}
	return toAuthRecord(record), nil
}

// ChangePassword writes the new hash and bumps the token version in a single
// UPDATE, so the revocation is atomic under the database's guarantees.
func (store *Store) ChangePassword(ctx context.Context, userID string, newPasswordHash string) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"password_hash":   newPasswordHash,
			"token_version":   gorm.Expr("token_version + 1"),
			"updated_at_unix": time.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return fmt.Errorf("store.change_password.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store.change_password.%s: %w", store.driverLabel, authkit.ErrUserNotFound)
	}
	return nil
}

// MarkEmailVerified sets the verified flag for the given email.
func (store *Store) MarkEmailVerified(ctx context.Context, email string) error {
	result := store.db.WithContext(ctx).Model(&userRecord{}).
		Where("email = ?", email).
		Updates(map[string]interface{}{
			"email_verified":  true,
			"updated_at_unix": time.Now().UTC().Unix(),
		})
	if result.Error != nil {
		return fmt.Errorf("store.mark_verified.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("store.mark_verified.%s: %w", store.driverLabel, authkit.ErrUserNotFound)
	}
	return nil
}

// DeleteUser removes the credential record and its ledger rows in one
// transaction; outstanding tokens become permanently unverifiable.
func (store *Store) DeleteUser(ctx context.Context, userID string) error {
	return store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", userID).Delete(&userRecord{})
		if result.Error != nil {
			return fmt.Errorf("store.delete_user.%s: %w", store.driverLabel, result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("store.delete_user.%s: %w", store.driverLabel, authkit.ErrUserNotFound)
		}
		if ledgerErr := tx.Where("user_id = ?", userID).Delete(&refreshTokenRecord{}).Error; ledgerErr != nil {
			return fmt.Errorf("store.delete_user.%s: %w", store.driverLabel, ledgerErr)
		}
		return nil
	})
}

// RecordRefreshToken inserts a ledger row for a freshly minted refresh jti.
func (store *Store) RecordRefreshToken(ctx context.Context, userID string, tokenID string, expiresUnix int64, previousTokenID string) error {
	record := refreshTokenRecord{
		TokenID:         tokenID,
		UserID:          userID,
		ExpiresUnix:     expiresUnix,
		RevokedAtUnix:   0,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    time.Now().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("store.record_refresh.%s: %w", store.driverLabel, err)
	}
	return nil
}

// ValidateRefreshToken reports whether the jti is still live.
func (store *Store) ValidateRefreshToken(ctx context.Context, tokenID string) error {
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store.validate_refresh.%s: %w", store.driverLabel, authkit.ErrRefreshTokenNotFound)
		}
		return fmt.Errorf("store.validate_refresh.%s: %w", store.driverLabel, err)
	}
	if record.RevokedAtUnix != 0 {
		return fmt.Errorf("store.validate_refresh.%s: %w", store.driverLabel, authkit.ErrRefreshTokenRevoked)
	}
	return nil
}

// RevokeRefreshToken marks a jti as revoked; revoking twice reports
// ErrRefreshTokenAlreadyRevoked.
func (store *Store) RevokeRefreshToken(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", time.Now().UTC().Unix())
	if result.Error != nil {
		return fmt.Errorf("store.revoke_refresh.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		var record refreshTokenRecord
		findErr := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store.revoke_refresh.%s: %w", store.driverLabel, authkit.ErrRefreshTokenNotFound)
		}
		if findErr != nil {
			return fmt.Errorf("store.revoke_refresh.%s: %w", store.driverLabel, findErr)
		}
		if record.RevokedAtUnix != 0 {
			return fmt.Errorf("store.revoke_refresh.%s: %w", store.driverLabel, authkit.ErrRefreshTokenAlreadyRevoked)
		}
	}
	return nil
}

// RevokeUserRefreshTokens revokes every live jti belonging to the user.
func (store *Store) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	err := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked_at_unix = 0", userID).
		Update("revoked_at_unix", time.Now().UTC().Unix()).Error
	if err != nil {
		return fmt.Errorf("store.revoke_user_refresh.%s: %w", store.driverLabel, err)
	}
	return nil
}

// PurgeExpiredRefreshTokens deletes ledger rows whose expiry has passed.
func (store *Store) PurgeExpiredRefreshTokens(ctx context.Context) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_unix < ?", time.Now().UTC().Unix()).
		Delete(&refreshTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("store.purge_refresh.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func toAuthRecord(record userRecord) authkit.UserRecord {
	return authkit.UserRecord{
		ID:             record.ID,
		Email:          record.Email,
		UserName:       record.UserName,
		PasswordHash:   record.PasswordHash,
		GoogleSubject:  record.GoogleSubject,
		AuthProvider:   record.AuthProvider,
		Role:           record.Role,
		ProfilePicture: record.ProfilePicture,
		TokenVersion:   record.TokenVersion,
		EmailVerified:  record.EmailVerified,
	}
}
