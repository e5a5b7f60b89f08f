package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	messageInvalidRequest          = "Invalid request"
	messageInvalidCredentials      = "Invalid credentials"
	messageOAuthPasswordChange     = "Password change not available for OAuth users"
	messageSessionExpired          = "Session expired"
	messageEmailAlreadyRegistered  = "User already exists"
	messageRegistrationSuccessful  = "Registration successful"
	messageLoginSuccessful         = "Login successful"
	messageLogoutSuccessful        = "Logged out successfully"
	messagePasswordChangeSuccess   = "Password updated successfully"
	messageAccountDeleted          = "Account deleted successfully"
	messageEmailVerified           = "Email verified successfully"
	messageVerificationUnavailable = "Verification not available"
	messageInvalidVerification     = "Invalid or expired verification code"
)

// MountAuthRoutes registers the session protocol endpoints on the given
// router group (conventionally /api/auth). The verification code store may be
// nil, which disables the email verification flow.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, users CredentialStore, ledger RefreshTokenLedger, codes VerificationCodeStore) {
	hasher := NewBcryptHasher(configuration.BcryptCost)
	verifier := NewTokenVerifier(configuration, users, ledger)

	router.POST("/register", func(contextGin *gin.Context) {
		var inbound registerRequest
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": messageInvalidRequest})
			return
		}

		passwordHash, hashErr := hasher.Hash(inbound.Password)
		if hashErr != nil {
			activeLogger().Error("password hashing failed",
				zap.String("code", "auth.register.hash_failure"),
				zap.Error(hashErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		created, createErr := users.CreateEmailUser(contextGin.Request.Context(), inbound.UserName, inbound.Email, passwordHash)
		if createErr != nil {
			if errors.Is(createErr, ErrEmailAlreadyRegistered) {
				activeMetrics().Increment(metricRegisterFailure)
				contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": messageEmailAlreadyRegistered})
				return
			}
			activeLogger().Error("user creation failed",
				zap.String("code", "auth.register.store_failure"),
				zap.Error(createErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		if codes != nil {
			verificationCode, issueErr := codes.Issue(contextGin.Request.Context(), created.Email)
			if issueErr != nil {
				activeLogger().Warn("verification code issue failed",
					zap.String("code", "auth.register.otp_failure"),
					zap.Error(issueErr))
			} else {
				// Email delivery lives outside this service; dev runs read the
				// code from the log.
				activeLogger().Info("verification code issued",
					zap.String("code", "auth.register.otp_issued"),
					zap.String("email", created.Email),
					zap.String("verification_code", verificationCode))
			}
		}

		activeMetrics().Increment(metricRegisterSuccess)
		contextGin.JSON(http.StatusCreated, gin.H{"success": true, "message": messageRegistrationSuccessful})
	})

	router.POST("/login", func(contextGin *gin.Context) {
		var inbound loginRequest
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": messageInvalidRequest})
			return
		}

		user, lookupErr := users.FindUserByEmail(contextGin.Request.Context(), inbound.Email)
		if lookupErr != nil || user.PasswordHash == "" || !hasher.Verify(inbound.Password, user.PasswordHash) {
			// Unknown email and wrong password produce the same response so
			// account existence cannot be probed.
			activeMetrics().Increment(metricLoginFailure)
			contextGin.JSON(http.StatusOK, gin.H{"success": false, "message": messageInvalidCredentials})
			return
		}

		accessToken, issueErr := issueSessionTokens(contextGin, configuration, ledger, user)
		if issueErr != nil {
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		activeMetrics().Increment(metricLoginSuccess)
		contextGin.JSON(http.StatusOK, gin.H{
			"success":     true,
			"message":     messageLoginSuccessful,
			"accessToken": accessToken,
			"user":        publicUser(user),
		})
	})

	router.POST("/google-login", func(contextGin *gin.Context) {
		var inbound googleLoginRequest
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": messageInvalidRequest})
			return
		}

		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "HTTPS required"})
			return
		}

		identity, verifyErr := VerifyGoogleIdentity(contextGin.Request.Context(), configuration, inbound.IDToken, inbound.UID)
		if verifyErr != nil {
			activeMetrics().Increment(metricGoogleLoginFailure)
			contextGin.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid token"})
			return
		}

		displayName := identity.DisplayName
		if displayName == "" {
			displayName = inbound.Name
		}
		pictureURL := identity.PictureURL
		if pictureURL == "" {
			pictureURL = inbound.PhotoURL
		}

		user, upsertErr := users.UpsertGoogleUser(contextGin.Request.Context(), identity.Subject, identity.Email, displayName, pictureURL)
		if upsertErr != nil {
			activeLogger().Error("google user upsert failed",
				zap.String("code", "auth.google_login.store_failure"),
				zap.Error(upsertErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		accessToken, issueErr := issueSessionTokens(contextGin, configuration, ledger, user)
		if issueErr != nil {
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		activeMetrics().Increment(metricGoogleLoginSuccess)
		contextGin.JSON(http.StatusOK, gin.H{
			"success":     true,
			"message":     messageLoginSuccessful,
			"accessToken": accessToken,
			"user":        publicUser(user),
		})
	})

	router.POST("/refresh", func(contextGin *gin.Context) {
		refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName)
		if cookieErr != nil || refreshCookie == nil || strings.TrimSpace(refreshCookie.Value) == "" {
			activeMetrics().Increment(metricRefreshFailure)
			contextGin.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": messageSessionExpired})
			return
		}

		claims, user, verifyErr := verifier.VerifyRefresh(contextGin.Request.Context(), refreshCookie.Value)
		if verifyErr != nil {
			// A failed refresh is terminal for this session: clear the cookie
			// and force the client back to anonymous.
			clearRefreshCookie(contextGin, configuration)
			activeMetrics().Increment(metricRefreshFailure)
			contextGin.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": messageSessionExpired})
			return
		}

		accessToken, rotateErr := rotateSessionTokens(contextGin, configuration, ledger, user, claims.ID)
		if rotateErr != nil {
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		activeMetrics().Increment(metricRefreshSuccess)
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "accessToken": accessToken})
	})

	router.GET("/check-auth", RequireAuth(verifier), func(contextGin *gin.Context) {
		userValue, found := contextGin.Get(ContextKeyUser)
		user, ok := userValue.(UserRecord)
		if !found || !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "user": publicUser(user)})
	})

	router.POST("/logout", func(contextGin *gin.Context) {
		refreshCookie, cookieErr := contextGin.Request.Cookie(configuration.RefreshCookieName)
		if cookieErr == nil && refreshCookie != nil && strings.TrimSpace(refreshCookie.Value) != "" {
			claims, _, verifyErr := verifier.VerifyRefresh(contextGin.Request.Context(), refreshCookie.Value)
			if verifyErr == nil && claims.ID != "" {
				_ = ledger.RevokeRefreshToken(contextGin.Request.Context(), claims.ID)
			}
		}
		// Single-session logout: the token version is untouched, so sessions
		// on other devices stay valid.
		clearRefreshCookie(contextGin, configuration)
		activeMetrics().Increment(metricLogoutSuccess)
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "message": messageLogoutSuccessful})
	})

	router.POST("/setnewpassword", RequireAuth(verifier), func(contextGin *gin.Context) {
		var inbound changePasswordRequest
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": messageInvalidRequest})
			return
		}

		claims := claimsFromContext(contextGin)
		if claims == nil || claims.UserID != inbound.UserID {
			contextGin.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Forbidden"})
			return
		}

		user, lookupErr := users.FindUserByID(contextGin.Request.Context(), inbound.UserID)
		if lookupErr != nil {
			contextGin.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}

		if user.PasswordHash == "" {
			activeMetrics().Increment(metricPasswordChangeFailure)
			contextGin.JSON(http.StatusOK, gin.H{"success": false, "message": messageOAuthPasswordChange})
			return
		}
		if !hasher.Verify(inbound.OldPassword, user.PasswordHash) {
			activeMetrics().Increment(metricPasswordChangeFailure)
			contextGin.JSON(http.StatusOK, gin.H{"success": false, "message": "Incorrect old password"})
			return
		}

		newHash, hashErr := hasher.Hash(inbound.NewPassword)
		if hashErr != nil {
			activeLogger().Error("password hashing failed",
				zap.String("code", "auth.password_change.hash_failure"),
				zap.Error(hashErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}

		// The hash update and version bump are one atomic store operation, so
		// every token minted before this point fails verification from now on.
		if changeErr := users.ChangePassword(contextGin.Request.Context(), user.ID, newHash); changeErr != nil {
			activeLogger().Error("password change failed",
				zap.String("code", "auth.password_change.store_failure"),
				zap.Error(changeErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
		if revokeErr := ledger.RevokeUserRefreshTokens(contextGin.Request.Context(), user.ID); revokeErr != nil {
			activeLogger().Warn("refresh ledger revoke-all failed",
				zap.String("code", "auth.password_change.ledger_failure"),
				zap.Error(revokeErr))
		}
		clearRefreshCookie(contextGin, configuration)

		activeMetrics().Increment(metricPasswordChangeSuccess)
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "message": messagePasswordChangeSuccess})
	})

	router.DELETE("/delete-account", RequireAuth(verifier), func(contextGin *gin.Context) {
		var inbound deleteAccountRequest
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": messageInvalidRequest})
			return
		}

		claims := claimsFromContext(contextGin)
		if claims == nil || claims.UserID != inbound.UserID {
			contextGin.JSON(http.StatusForbidden, gin.H{"success": false, "message": "Forbidden"})
			return
		}

		if deleteErr := users.DeleteUser(contextGin.Request.Context(), inbound.UserID); deleteErr != nil {
			activeLogger().Error("account deletion failed",
				zap.String("code", "auth.account_delete.store_failure"),
				zap.Error(deleteErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
		if revokeErr := ledger.RevokeUserRefreshTokens(contextGin.Request.Context(), inbound.UserID); revokeErr != nil {
			activeLogger().Warn("refresh ledger revoke-all failed",
				zap.String("code", "auth.account_delete.ledger_failure"),
				zap.Error(revokeErr))
		}
		clearRefreshCookie(contextGin, configuration)

		activeMetrics().Increment(metricAccountDeleteSuccess)
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "message": messageAccountDeleted})
	})

	router.POST("/verify-email", func(contextGin *gin.Context) {
		var inbound verifyEmailRequest
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			contextGin.JSON(http.StatusBadRequest, gin.H{"success": false, "message": messageInvalidRequest})
			return
		}
		if codes == nil {
			contextGin.JSON(http.StatusOK, gin.H{"success": false, "message": messageVerificationUnavailable})
			return
		}
		if consumeErr := codes.Consume(contextGin.Request.Context(), inbound.Email, inbound.Code); consumeErr != nil {
			contextGin.JSON(http.StatusOK, gin.H{"success": false, "message": messageInvalidVerification})
			return
		}
		if markErr := users.MarkEmailVerified(contextGin.Request.Context(), inbound.Email); markErr != nil {
			activeLogger().Error("email verification update failed",
				zap.String("code", "auth.verify_email.store_failure"),
				zap.Error(markErr))
			contextGin.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Internal server error"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "message": messageEmailVerified})
	})
}

// issueSessionTokens mints a fresh access/refresh pair, records the refresh
// jti in the ledger, and sets the refresh cookie.
func issueSessionTokens(contextGin *gin.Context, configuration ServerConfig, ledger RefreshTokenLedger, user UserRecord) (string, error) {
	return mintAndRecord(contextGin, configuration, ledger, user, "")
}

// rotateSessionTokens mints a new pair linked to the previous refresh jti and
// revokes it, so a captured pre-rotation refresh token stops verifying.
func rotateSessionTokens(contextGin *gin.Context, configuration ServerConfig, ledger RefreshTokenLedger, user UserRecord, previousTokenID string) (string, error) {
	accessToken, err := mintAndRecord(contextGin, configuration, ledger, user, previousTokenID)
	if err != nil {
		return "", err
	}
	if revokeErr := ledger.RevokeRefreshToken(contextGin.Request.Context(), previousTokenID); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
		return "", revokeErr
	}
	return accessToken, nil
}

func mintAndRecord(contextGin *gin.Context, configuration ServerConfig, ledger RefreshTokenLedger, user UserRecord, previousTokenID string) (string, error) {
	clock := activeClock()

	accessToken, _, accessErr := MintAccessToken(clock, user, configuration.TokenIssuer, configuration.AccessTokenSecret, configuration.AccessTokenTTL)
	if accessErr != nil {
		activeLogger().Error("access token mint failed",
			zap.String("code", "auth.mint.access_failure"),
			zap.Error(accessErr))
		return "", accessErr
	}

	refreshToken, refreshTokenID, refreshExpiresAt, refreshErr := MintRefreshToken(clock, user, configuration.TokenIssuer, configuration.RefreshTokenSecret, configuration.RefreshTokenTTL)
	if refreshErr != nil {
		activeLogger().Error("refresh token mint failed",
			zap.String("code", "auth.mint.refresh_failure"),
			zap.Error(refreshErr))
		return "", refreshErr
	}

	if recordErr := ledger.RecordRefreshToken(contextGin.Request.Context(), user.ID, refreshTokenID, refreshExpiresAt.Unix(), previousTokenID); recordErr != nil {
		activeLogger().Error("refresh ledger record failed",
			zap.String("code", "auth.mint.ledger_failure"),
			zap.Error(recordErr))
		return "", recordErr
	}

	writeRefreshCookie(contextGin, configuration, refreshToken, refreshExpiresAt)
	return accessToken, nil
}

func claimsFromContext(contextGin *gin.Context) *SessionClaims {
	claimsValue, found := contextGin.Get(ContextKeyClaims)
	if !found {
		return nil
	}
	claims, ok := claimsValue.(*SessionClaims)
	if !ok {
		return nil
	}
	return claims
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, refreshToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    refreshToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearRefreshCookie(contextGin *gin.Context, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    "",
		Path:     "/",
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
