package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

type controllableClock struct {
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("audience_mismatch")
	}
	if result.err != nil {
		return nil, result.err
	}
	return result.payload, nil
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		AccessTokenSecret:  []byte("access-secret-1234567890"),
		RefreshTokenSecret: []byte("refresh-secret-0987654321"),
		TokenIssuer:        "test-issuer",
		GoogleWebClientID:  "client-id",
		CookieDomain:       "",
		RefreshCookieName:  "refreshToken",
		AccessTokenTTL:     time.Minute,
		RefreshTokenTTL:    15 * time.Minute,
		BcryptCost:         4,
		SameSiteMode:       http.SameSiteStrictMode,
		AllowInsecureHTTP:  true,
	}
}

type authTestHarness struct {
	config  ServerConfig
	users   *MemoryCredentialStore
	ledger  *MemoryRefreshLedger
	clock   *controllableClock
	metrics *CounterMetrics
	server  *httptest.Server
	client  *http.Client
	refresh string
	access  string
}

func newAuthTestHarness(t *testing.T, validator GoogleTokenValidator) *authTestHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	harness := &authTestHarness{
		config:  newTestServerConfig(),
		users:   NewMemoryCredentialStore(),
		ledger:  NewMemoryRefreshLedger(),
		clock:   &controllableClock{current: time.Now().UTC()},
		metrics: NewCounterMetrics(),
	}

	ProvideGoogleTokenValidator(validator)
	ProvideClock(harness.clock)
	ProvideMetrics(harness.metrics)
	ProvideLogger(zaptest.NewLogger(t))
	t.Cleanup(func() {
		ProvideGoogleTokenValidator(nil)
		ProvideClock(nil)
		ProvideMetrics(nil)
		ProvideLogger(nil)
	})

	router := gin.New()
	MountAuthRoutes(router.Group("/api/auth"), harness.config, harness.users, harness.ledger, nil)

	harness.server = httptest.NewTLSServer(router)
	t.Cleanup(harness.server.Close)
	harness.client = harness.server.Client()
	return harness
}

func (harness *authTestHarness) request(t *testing.T, method string, path string, payload any, bearer string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			t.Fatalf("encoding payload failed: %v", encodeErr)
		}
		body = bytes.NewReader(encoded)
	}
	request, requestErr := http.NewRequest(method, harness.server.URL+path, body)
	if requestErr != nil {
		t.Fatalf("building request failed: %v", requestErr)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	if harness.refresh != "" {
		request.AddCookie(&http.Cookie{Name: harness.config.RefreshCookieName, Value: harness.refresh})
	}

	response, doErr := harness.client.Do(request)
	if doErr != nil {
		t.Fatalf("%s %s failed: %v", method, path, doErr)
	}
	for _, cookie := range response.Cookies() {
		if cookie.Name == harness.config.RefreshCookieName {
			harness.refresh = cookie.Value
		}
	}

	decoded := map[string]interface{}{}
	raw, readErr := io.ReadAll(response.Body)
	_ = response.Body.Close()
	if readErr != nil {
		t.Fatalf("reading body failed: %v", readErr)
	}
	if len(raw) > 0 {
		if decodeErr := json.Unmarshal(raw, &decoded); decodeErr != nil {
			t.Fatalf("decoding body %q failed: %v", string(raw), decodeErr)
		}
	}
	return response, decoded
}

func (harness *authTestHarness) registerAndLogin(t *testing.T, email string, password string) map[string]interface{} {
	t.Helper()
	registerResp, registerBody := harness.request(t, http.MethodPost, "/api/auth/register", map[string]string{
		"userName": "Test User",
		"email":    email,
		"password": password,
	}, "")
	if registerResp.StatusCode != http.StatusCreated || registerBody["success"] != true {
		t.Fatalf("expected successful registration, got %d %v", registerResp.StatusCode, registerBody)
	}

	loginResp, loginBody := harness.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	if loginResp.StatusCode != http.StatusOK || loginBody["success"] != true {
		t.Fatalf("expected successful login, got %d %v", loginResp.StatusCode, loginBody)
	}
	accessToken, _ := loginBody["accessToken"].(string)
	if accessToken == "" {
		t.Fatalf("expected non-empty access token in %v", loginBody)
	}
	if harness.refresh == "" {
		t.Fatalf("expected refresh cookie after login")
	}
	harness.access = accessToken
	return loginBody
}

func TestHTTPLoginLifecycle(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})

	loginBody := harness.registerAndLogin(t, "a@b.com", "correct-password")
	userPayload, ok := loginBody["user"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected user object in login response, got %v", loginBody)
	}
	if userPayload["email"] != "a@b.com" || userPayload["authProvider"] != ProviderEmail {
		t.Fatalf("unexpected user payload: %v", userPayload)
	}
	if _, exposed := userPayload["tokenVersion"]; exposed {
		t.Fatalf("token version must never serialize to the client")
	}

	checkResp, checkBody := harness.request(t, http.MethodGet, "/api/auth/check-auth", nil, harness.access)
	if checkResp.StatusCode != http.StatusOK || checkBody["success"] != true {
		t.Fatalf("expected authenticated check-auth, got %d %v", checkResp.StatusCode, checkBody)
	}

	logoutResp, logoutBody := harness.request(t, http.MethodPost, "/api/auth/logout", nil, "")
	if logoutResp.StatusCode != http.StatusOK || logoutBody["success"] != true {
		t.Fatalf("expected successful logout, got %d %v", logoutResp.StatusCode, logoutBody)
	}
	if harness.refresh != "" {
		t.Fatalf("expected refresh cookie cleared on logout, got %q", harness.refresh)
	}

	if harness.metrics.Count(metricLoginSuccess) == 0 {
		t.Fatalf("expected auth.login.success metric increment")
	}
	if harness.metrics.Count(metricLogoutSuccess) == 0 {
		t.Fatalf("expected auth.logout.success metric increment")
	}
}

func TestHTTPLoginBadPassword(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})
	harness.registerAndLogin(t, "a@b.com", "correct")
	harness.refresh = ""

	loginResp, loginBody := harness.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "a@b.com",
		"password": "wrong",
	}, "")
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for bad credentials, got %d", loginResp.StatusCode)
	}
	if loginBody["success"] != false || loginBody["message"] != "Invalid credentials" {
		t.Fatalf("expected unified invalid-credentials response, got %v", loginBody)
	}
	if harness.refresh != "" {
		t.Fatalf("expected no refresh cookie on failed login")
	}

	unknownResp, unknownBody := harness.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "nobody@b.com",
		"password": "whatever",
	}, "")
	if unknownResp.StatusCode != http.StatusOK || unknownBody["message"] != "Invalid credentials" {
		t.Fatalf("unknown email must be indistinguishable from wrong password, got %d %v", unknownResp.StatusCode, unknownBody)
	}
}

func TestHTTPExpiredAccessTokenRefreshFlow(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})
	harness.registerAndLogin(t, "a@b.com", "correct")

	harness.clock.Advance(2 * time.Minute)

	expiredResp, _ := harness.request(t, http.MethodGet, "/api/auth/check-auth", nil, harness.access)
	if expiredResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired access token, got %d", expiredResp.StatusCode)
	}

	refreshResp, refreshBody := harness.request(t, http.MethodPost, "/api/auth/refresh", nil, "")
	if refreshResp.StatusCode != http.StatusOK || refreshBody["success"] != true {
		t.Fatalf("expected successful refresh, got %d %v", refreshResp.StatusCode, refreshBody)
	}
	newAccessToken, _ := refreshBody["accessToken"].(string)
	if newAccessToken == "" || newAccessToken == harness.access {
		t.Fatalf("expected a fresh access token")
	}

	checkResp, checkBody := harness.request(t, http.MethodGet, "/api/auth/check-auth", nil, newAccessToken)
	if checkResp.StatusCode != http.StatusOK || checkBody["success"] != true {
		t.Fatalf("expected refreshed token to authenticate, got %d %v", checkResp.StatusCode, checkBody)
	}

	if harness.metrics.Count(metricRefreshSuccess) == 0 {
		t.Fatalf("expected auth.refresh.success metric increment")
	}
}

func TestHTTPRefreshRotationRejectsReusedCookie(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})
	harness.registerAndLogin(t, "a@b.com", "correct")

	originalCookie := harness.refresh

	firstResp, _ := harness.request(t, http.MethodPost, "/api/auth/refresh", nil, "")
	if firstResp.StatusCode != http.StatusOK {
		t.Fatalf("expected first refresh to succeed, got %d", firstResp.StatusCode)
	}
	if harness.refresh == originalCookie {
		t.Fatalf("expected rotation to issue a fresh cookie")
	}

	harness.refresh = originalCookie
	secondResp, secondBody := harness.request(t, http.MethodPost, "/api/auth/refresh", nil, "")
	if secondResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected reused pre-rotation cookie to fail, got %d %v", secondResp.StatusCode, secondBody)
	}
	if harness.metrics.Count(metricRefreshFailure) == 0 {
		t.Fatalf("expected auth.refresh.failure metric increment")
	}
}

func TestHTTPRefreshWithoutCookie(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})

	refreshResp, refreshBody := harness.request(t, http.MethodPost, "/api/auth/refresh", nil, "")
	if refreshResp.StatusCode != http.StatusUnauthorized || refreshBody["success"] != false {
		t.Fatalf("expected 401 without refresh cookie, got %d %v", refreshResp.StatusCode, refreshBody)
	}
}

func TestHTTPGoogleLoginCreatesUser(t *testing.T) {
	validator := &fakeGoogleValidator{results: map[string]validatorResult{
		"valid-token": {
			payload: &idtoken.Payload{
				Claims: map[string]interface{}{
					"iss":            "https://accounts.google.com",
					"sub":            "google-sub-1",
					"email":          "g@b.com",
					"email_verified": true,
					"name":           "Google User",
					"picture":        "https://example.com/p.png",
				},
			},
			expectedAudience: "client-id",
		},
	}}
	harness := newAuthTestHarness(t, validator)

	loginResp, loginBody := harness.request(t, http.MethodPost, "/api/auth/google-login", map[string]string{
		"idToken":  "valid-token",
		"email":    "g@b.com",
		"name":     "Google User",
		"photoURL": "https://example.com/p.png",
		"uid":      "google-sub-1",
	}, "")
	if loginResp.StatusCode != http.StatusOK || loginBody["success"] != true {
		t.Fatalf("expected successful google login, got %d %v", loginResp.StatusCode, loginBody)
	}
	userPayload, _ := loginBody["user"].(map[string]interface{})
	if userPayload["authProvider"] != ProviderGoogle {
		t.Fatalf("expected google auth provider, got %v", userPayload)
	}
	if harness.refresh == "" {
		t.Fatalf("expected refresh cookie after google login")
	}

	mismatchResp, mismatchBody := harness.request(t, http.MethodPost, "/api/auth/google-login", map[string]string{
		"idToken": "valid-token",
		"uid":     "someone-else",
	}, "")
	if mismatchResp.StatusCode != http.StatusUnauthorized || mismatchBody["success"] != false {
		t.Fatalf("expected subject mismatch rejection, got %d %v", mismatchResp.StatusCode, mismatchBody)
	}
}

func TestHTTPPasswordChangeRevokesOtherSessions(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})
	loginBody := harness.registerAndLogin(t, "a@b.com", "old-password")
	userPayload, _ := loginBody["user"].(map[string]interface{})
	userID, _ := userPayload["id"].(string)

	staleAccessToken := harness.access
	staleRefreshCookie := harness.refresh

	changeResp, changeBody := harness.request(t, http.MethodPost, "/api/auth/setnewpassword", map[string]string{
		"userId":      userID,
		"oldPassword": "old-password",
		"newPassword": "new-password",
	}, harness.access)
	if changeResp.StatusCode != http.StatusOK || changeBody["success"] != true {
		t.Fatalf("expected successful password change, got %d %v", changeResp.StatusCode, changeBody)
	}

	staleCheckResp, _ := harness.request(t, http.MethodGet, "/api/auth/check-auth", nil, staleAccessToken)
	if staleCheckResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected pre-change access token to be revoked, got %d", staleCheckResp.StatusCode)
	}

	harness.refresh = staleRefreshCookie
	staleRefreshResp, _ := harness.request(t, http.MethodPost, "/api/auth/refresh", nil, "")
	if staleRefreshResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected pre-change refresh token to be revoked, got %d", staleRefreshResp.StatusCode)
	}

	harness.refresh = ""
	reloginResp, reloginBody := harness.request(t, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    "a@b.com",
		"password": "new-password",
	}, "")
	if reloginResp.StatusCode != http.StatusOK || reloginBody["success"] != true {
		t.Fatalf("expected login with new password, got %d %v", reloginResp.StatusCode, reloginBody)
	}
}

func TestHTTPPasswordChangeBlockedForOAuthUsers(t *testing.T) {
	validator := &fakeGoogleValidator{results: map[string]validatorResult{
		"valid-token": {
			payload: &idtoken.Payload{
				Claims: map[string]interface{}{
					"iss":            "https://accounts.google.com",
					"sub":            "google-sub-2",
					"email":          "oauth@b.com",
					"email_verified": true,
					"name":           "OAuth User",
				},
			},
			expectedAudience: "client-id",
		},
	}}
	harness := newAuthTestHarness(t, validator)

	loginResp, loginBody := harness.request(t, http.MethodPost, "/api/auth/google-login", map[string]string{
		"idToken": "valid-token",
		"uid":     "google-sub-2",
	}, "")
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("expected successful google login, got %d", loginResp.StatusCode)
	}
	accessToken, _ := loginBody["accessToken"].(string)
	userPayload, _ := loginBody["user"].(map[string]interface{})
	userID, _ := userPayload["id"].(string)

	changeResp, changeBody := harness.request(t, http.MethodPost, "/api/auth/setnewpassword", map[string]string{
		"userId":      userID,
		"oldPassword": "irrelevant",
		"newPassword": "irrelevant-2",
	}, accessToken)
	if changeResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with success:false, got %d", changeResp.StatusCode)
	}
	if changeBody["success"] != false || changeBody["message"] != "Password change not available for OAuth users" {
		t.Fatalf("unexpected OAuth password change response: %v", changeBody)
	}
}

func TestHTTPDeleteAccountInvalidatesTokens(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})
	loginBody := harness.registerAndLogin(t, "a@b.com", "password-1")
	userPayload, _ := loginBody["user"].(map[string]interface{})
	userID, _ := userPayload["id"].(string)

	accessToken := harness.access
	deleteResp, deleteBody := harness.request(t, http.MethodDelete, "/api/auth/delete-account", map[string]string{
		"userId": userID,
	}, accessToken)
	if deleteResp.StatusCode != http.StatusOK || deleteBody["success"] != true {
		t.Fatalf("expected successful deletion, got %d %v", deleteResp.StatusCode, deleteBody)
	}

	checkResp, _ := harness.request(t, http.MethodGet, "/api/auth/check-auth", nil, accessToken)
	if checkResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected deleted account token to fail, got %d", checkResp.StatusCode)
	}
}

func TestHTTPRegisterDuplicateEmail(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})
	harness.registerAndLogin(t, "a@b.com", "password-1")

	duplicateResp, duplicateBody := harness.request(t, http.MethodPost, "/api/auth/register", map[string]string{
		"userName": "Someone Else",
		"email":    "a@b.com",
		"password": "password-2",
	}, "")
	if duplicateResp.StatusCode != http.StatusBadRequest || duplicateBody["success"] != false {
		t.Fatalf("expected duplicate registration rejection, got %d %v", duplicateResp.StatusCode, duplicateBody)
	}
}

func TestHTTPRegisterRejectsMalformedBody(t *testing.T) {
	harness := newAuthTestHarness(t, &fakeGoogleValidator{})

	malformedResp, malformedBody := harness.request(t, http.MethodPost, "/api/auth/register", map[string]string{
		"userName": "No Email",
		"password": "password-1",
	}, "")
	if malformedResp.StatusCode != http.StatusBadRequest || malformedBody["success"] != false {
		t.Fatalf("expected validation rejection, got %d %v", malformedResp.StatusCode, malformedBody)
	}
}
