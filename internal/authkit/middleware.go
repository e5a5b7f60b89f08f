package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys set by RequireAuth for downstream handlers.
const (
	ContextKeyClaims = "auth_claims"
	ContextKeyUser   = "auth_user"
)

// RequireAuth validates the bearer access token and injects the verified
// claims and credential record. Verification failures reject the request;
// reacting to the 401 (via refresh) is the client's responsibility.
func RequireAuth(verifier *TokenVerifier) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		tokenString := bearerToken(contextGin.Request)
		if tokenString == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}
		claims, user, verifyErr := verifier.VerifyAccess(contextGin.Request.Context(), tokenString)
		if verifyErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
			return
		}
		contextGin.Set(ContextKeyClaims, claims)
		contextGin.Set(ContextKeyUser, user)
		contextGin.Next()
	}
}

func bearerToken(request *http.Request) string {
	headerValue := request.Header.Get("Authorization")
	if headerValue == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(headerValue, prefix) {
		return ""
	}
	return strings.TrimSpace(headerValue[len(prefix):])
}
