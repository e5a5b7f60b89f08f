package store

type userRecord struct {
	ID             string `gorm:"column:id;primaryKey"`
	Email          string `gorm:"column:email;uniqueIndex;not null"`
	UserName       string `gorm:"column:user_name;not null"`
	PasswordHash   string `gorm:"column:password_hash;not null;default:''"`
	GoogleSubject  string `gorm:"column:google_subject;index;not null;default:''"`
	AuthProvider   string `gorm:"column:auth_provider;not null"`
	Role           string `gorm:"column:role;not null;default:'user'"`
	ProfilePicture string `gorm:"column:profile_picture;not null;default:''"`
	TokenVersion   int    `gorm:"column:token_version;not null;default:0"`
	EmailVerified  bool   `gorm:"column:email_verified;not null;default:false"`
	CreatedAtUnix  int64  `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix  int64  `gorm:"column:updated_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}
