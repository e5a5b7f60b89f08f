package authkit

// Request bodies are bound into tagged structs and validated before any
// business logic runs; malformed input never reaches the stores.

type registerRequest struct {
	UserName string `json:"userName" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type googleLoginRequest struct {
	IDToken  string `json:"idToken" binding:"required"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	PhotoURL string `json:"photoURL"`
	UID      string `json:"uid"`
}

type changePasswordRequest struct {
	UserID      string `json:"userId" binding:"required"`
	OldPassword string `json:"oldPassword" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required,min=6"`
}

type deleteAccountRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type verifyEmailRequest struct {
	Email string `json:"email" binding:"required,email"`
	Code  string `json:"code" binding:"required"`
}

// PublicUser is the user shape serialized to clients. The password hash and
// token version are never included.
type PublicUser struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	UserName       string `json:"userName"`
	ProfilePicture string `json:"profilePicture"`
	AuthProvider   string `json:"authProvider"`
	Role           string `json:"role"`
}

func publicUser(record UserRecord) PublicUser {
	return PublicUser{
		ID:             record.ID,
		Email:          record.Email,
		UserName:       record.UserName,
		ProfilePicture: record.ProfilePicture,
		AuthProvider:   record.AuthProvider,
		Role:           record.Role,
	}
}
