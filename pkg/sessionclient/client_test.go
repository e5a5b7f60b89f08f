package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeAuthServer scripts the server side of the session protocol: bearer
// tokens checked on protected paths, a refresh cookie rotated on each refresh,
// and counters for asserting how many refreshes actually ran.
type fakeAuthServer struct {
	mutex            sync.Mutex
	validAccessToken string
	validRefresh     string
	accessCounter    int
	refreshCalls     atomic.Int64
	rejectData       atomic.Bool
	refreshGate      chan struct{}
	server           *httptest.Server
}

func newFakeAuthServer(t *testing.T) *fakeAuthServer {
	t.Helper()
	fake := &fakeAuthServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", fake.handleLogin)
	mux.HandleFunc("/api/auth/refresh", fake.handleRefresh)
	mux.HandleFunc("/api/auth/logout", fake.handleLogout)
	mux.HandleFunc("/api/auth/check-auth", fake.handleCheckAuth)
	mux.HandleFunc("/api/data", fake.handleData)
	fake.server = httptest.NewServer(mux)
	t.Cleanup(fake.server.Close)
	return fake
}

func (fake *fakeAuthServer) client(t *testing.T) *Client {
	t.Helper()
	constructed, err := New(Config{BaseURL: fake.server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return constructed
}

func (fake *fakeAuthServer) issueTokens() (string, string) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.accessCounter++
	fake.validAccessToken = fmt.Sprintf("access-%d", fake.accessCounter)
	fake.validRefresh = fmt.Sprintf("refresh-%d", fake.accessCounter)
	return fake.validAccessToken, fake.validRefresh
}

// expireAccessToken invalidates the current bearer token without touching the
// refresh cookie, simulating access-token expiry server side.
func (fake *fakeAuthServer) expireAccessToken() {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.validAccessToken = ""
}

func (fake *fakeAuthServer) revokeRefresh() {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.validRefresh = ""
}

func (fake *fakeAuthServer) bearerValid(request *http.Request) bool {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.validAccessToken != "" && request.Header.Get("Authorization") == "Bearer "+fake.validAccessToken
}

func (fake *fakeAuthServer) refreshCookieValid(request *http.Request) bool {
	cookie, err := request.Cookie("refreshToken")
	if err != nil {
		return false
	}
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.validRefresh != "" && cookie.Value == fake.validRefresh
}

func (fake *fakeAuthServer) handleLogin(writer http.ResponseWriter, request *http.Request) {
	var payload map[string]string
	_ = json.NewDecoder(request.Body).Decode(&payload)
	if payload["password"] != "correct" {
		writeJSON(writer, http.StatusOK, map[string]any{"success": false, "message": "Invalid credentials"})
		return
	}
	accessToken, refreshToken := fake.issueTokens()
	http.SetCookie(writer, &http.Cookie{Name: "refreshToken", Value: refreshToken, Path: "/"})
	writeJSON(writer, http.StatusOK, map[string]any{
		"success":     true,
		"accessToken": accessToken,
		"user":        map[string]string{"id": "user-1", "email": payload["email"], "authProvider": "email"},
	})
}

func (fake *fakeAuthServer) setRefreshGate(gate chan struct{}) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.refreshGate = gate
}

func (fake *fakeAuthServer) currentRefreshGate() chan struct{} {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.refreshGate
}

func (fake *fakeAuthServer) handleRefresh(writer http.ResponseWriter, request *http.Request) {
	fake.refreshCalls.Add(1)
	if gate := fake.currentRefreshGate(); gate != nil {
		<-gate
	}
	if !fake.refreshCookieValid(request) {
		writeJSON(writer, http.StatusUnauthorized, map[string]any{"success": false, "message": "Session expired"})
		return
	}
	accessToken, refreshToken := fake.issueTokens()
	http.SetCookie(writer, &http.Cookie{Name: "refreshToken", Value: refreshToken, Path: "/"})
	writeJSON(writer, http.StatusOK, map[string]any{"success": true, "accessToken": accessToken})
}

func (fake *fakeAuthServer) handleLogout(writer http.ResponseWriter, _ *http.Request) {
	fake.revokeRefresh()
	http.SetCookie(writer, &http.Cookie{Name: "refreshToken", Value: "", Path: "/", MaxAge: -1})
	writeJSON(writer, http.StatusOK, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (fake *fakeAuthServer) handleCheckAuth(writer http.ResponseWriter, request *http.Request) {
	if !fake.bearerValid(request) {
		writeJSON(writer, http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthorized"})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"success": true,
		"user":    map[string]string{"id": "user-1", "email": "user@example.com", "authProvider": "email"},
	})
}

func (fake *fakeAuthServer) handleData(writer http.ResponseWriter, request *http.Request) {
	if fake.rejectData.Load() || !fake.bearerValid(request) {
		writeJSON(writer, http.StatusUnauthorized, map[string]any{"success": false, "message": "Unauthorized"})
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(writer http.ResponseWriter, status int, payload map[string]any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{BaseURL: "   "})
	if !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected ErrMissingBaseURL, got %v", err)
	}
}

func TestLoginStoresAccessTokenInMemoryOnly(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	user, loginErr := client.Login(context.Background(), "user@example.com", "correct")
	if loginErr != nil {
		t.Fatalf("unexpected error: %v", loginErr)
	}
	if user.ID != "user-1" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if client.AccessToken() == "" {
		t.Fatalf("expected access token in memory after login")
	}

	profile, checkErr := client.CheckAuth(context.Background())
	if checkErr != nil {
		t.Fatalf("unexpected error: %v", checkErr)
	}
	if profile.Email != "user@example.com" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestLoginFailureSurfacesServerMessage(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	_, loginErr := client.Login(context.Background(), "user@example.com", "wrong")
	if !errors.Is(loginErr, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", loginErr)
	}
	if client.AccessToken() != "" {
		t.Fatalf("expected no access token after failed login")
	}
}

func TestDoRetriesOnceAfterRefresh(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	if _, err := client.Login(context.Background(), "user@example.com", "correct"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	staleToken := client.AccessToken()
	fake.expireAccessToken()

	response, doErr := client.Do(context.Background(), http.MethodGet, "/api/data", nil)
	if doErr != nil {
		t.Fatalf("expected transparent refresh-and-retry, got %v", doErr)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after retry, got %d", response.StatusCode)
	}
	if client.AccessToken() == staleToken || client.AccessToken() == "" {
		t.Fatalf("expected a rotated access token")
	}
	if count := fake.refreshCalls.Load(); count != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", count)
	}
}

func TestDoSecondUnauthorizedIsTerminal(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	if _, err := client.Login(context.Background(), "user@example.com", "correct"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Refresh succeeds but the retried request is still rejected, so the
	// client must give up rather than loop.
	fake.rejectData.Store(true)

	_, doErr := client.Do(context.Background(), http.MethodGet, "/api/data", nil)
	if !errors.Is(doErr, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", doErr)
	}
	if client.AccessToken() != "" {
		t.Fatalf("expected access token cleared after terminal 401")
	}
	if count := fake.refreshCalls.Load(); count != 1 {
		t.Fatalf("expected exactly one refresh attempt, got %d", count)
	}
}

func TestBootstrapWithoutCookieReportsExpired(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	bootstrapErr := client.Bootstrap(context.Background())
	if !errors.Is(bootstrapErr, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", bootstrapErr)
	}
	if client.AccessToken() != "" {
		t.Fatalf("expected no access token after failed bootstrap")
	}
}

func TestBootstrapWithCookieRestoresSession(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	if _, err := client.Login(context.Background(), "user@example.com", "correct"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.setAccessToken("")

	if bootstrapErr := client.Bootstrap(context.Background()); bootstrapErr != nil {
		t.Fatalf("expected silent refresh to restore the session, got %v", bootstrapErr)
	}
	if client.AccessToken() == "" {
		t.Fatalf("expected access token after bootstrap")
	}
}

func TestLogoutClearsToken(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	if _, err := client.Login(context.Background(), "user@example.com", "correct"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logoutErr := client.Logout(context.Background()); logoutErr != nil {
		t.Fatalf("unexpected error: %v", logoutErr)
	}
	if client.AccessToken() != "" {
		t.Fatalf("expected access token cleared after logout")
	}

	if bootstrapErr := client.Bootstrap(context.Background()); !errors.Is(bootstrapErr, ErrSessionExpired) {
		t.Fatalf("expected refresh to fail after logout, got %v", bootstrapErr)
	}
}

func TestConcurrentRefreshesCoalesce(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	if _, err := client.Login(context.Background(), "user@example.com", "correct"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fake.refreshCalls.Store(0)
	gate := make(chan struct{})
	fake.setRefreshGate(gate)

	const waiters = 8
	var started sync.WaitGroup
	var finished sync.WaitGroup
	errorsChannel := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		started.Add(1)
		finished.Add(1)
		go func() {
			started.Done()
			defer finished.Done()
			errorsChannel <- client.Bootstrap(context.Background())
		}()
	}
	started.Wait()
	time.Sleep(100 * time.Millisecond)
	close(gate)
	finished.Wait()
	close(errorsChannel)

	for waitErr := range errorsChannel {
		if waitErr != nil {
			t.Fatalf("expected every coalesced waiter to succeed, got %v", waitErr)
		}
	}
	if count := fake.refreshCalls.Load(); count != 1 {
		t.Fatalf("expected one shared refresh flight, got %d", count)
	}
}

func TestRefreshHonorsCallerContext(t *testing.T) {
	fake := newFakeAuthServer(t)
	client := fake.client(t)

	if _, err := client.Login(context.Background(), "user@example.com", "correct"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gate := make(chan struct{})
	fake.setRefreshGate(gate)
	defer close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	bootstrapErr := client.Bootstrap(ctx)
	if !errors.Is(bootstrapErr, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline error, got %v", bootstrapErr)
	}
}
