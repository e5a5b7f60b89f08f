package authkit

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

var errNoGoogleValidator = errors.New("google validator not provided")

// GoogleTokenValidator validates a Google-issued ID token against an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds a validator backed by Google's certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleIdentity holds the verified claims extracted from a valid ID token.
type GoogleIdentity struct {
	Subject     string
	Email       string
	DisplayName string
	PictureURL  string
}

// VerifyGoogleIdentity validates the provider token and confirms the embedded
// subject matches the client-claimed one. This is a trust boundary: callers
// must not touch the credential store unless it succeeds.
func VerifyGoogleIdentity(ctx context.Context, configuration ServerConfig, providerToken string, claimedSubject string) (GoogleIdentity, error) {
	validator := activeGoogleTokenValidator()
	if validator == nil {
		return GoogleIdentity{}, fmt.Errorf("google.verify: %w", errNoGoogleValidator)
	}

	payload, validateErr := validator.Validate(ctx, providerToken, configuration.GoogleWebClientID)
	if validateErr != nil {
		return GoogleIdentity{}, fmt.Errorf("google.verify: %w", ErrFederatedVerification)
	}

	issuerValue, okIssuer := payload.Claims["iss"].(string)
	if !okIssuer || (issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com") {
		return GoogleIdentity{}, fmt.Errorf("google.verify.issuer: %w", ErrFederatedVerification)
	}

	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	pictureURL, _ := payload.Claims["picture"].(string)

	if googleSub == "" || userEmail == "" || !emailVerified {
		return GoogleIdentity{}, fmt.Errorf("google.verify.unverified_identity: %w", ErrFederatedVerification)
	}
	if claimedSubject != "" && claimedSubject != googleSub {
		return GoogleIdentity{}, fmt.Errorf("google.verify.subject_mismatch: %w", ErrFederatedVerification)
	}

	return GoogleIdentity{
		Subject:     googleSub,
		Email:       userEmail,
		DisplayName: userDisplayName,
		PictureURL:  pictureURL,
	}, nil
}
