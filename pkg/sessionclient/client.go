// Package sessionclient implements the client side of the session protocol:
// the access token lives only in memory, the refresh token only in the
// httpOnly cookie managed by the jar, and refresh attempts are coalesced so
// simultaneous 401s trigger a single rotation.
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds the silent-refresh call so a hung network
// request cannot indefinitely block the pending state.
const DefaultRefreshTimeout = 10 * time.Second

var (
	// ErrMissingBaseURL indicates the client was constructed without a base URL.
	ErrMissingBaseURL = errors.New("session.client.missing_base_url")
	// ErrSessionExpired indicates refresh failed and the client is anonymous;
	// the user must log in again.
	ErrSessionExpired = errors.New("session.client.expired")
	// ErrLoginFailed indicates the server rejected the presented credentials.
	ErrLoginFailed = errors.New("session.client.login_failed")
)

// Config configures the Client.
type Config struct {
	BaseURL        string
	HTTPClient     *http.Client
	RefreshTimeout time.Duration
}

// User is the profile payload returned by the server.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	UserName       string `json:"userName"`
	ProfilePicture string `json:"profilePicture"`
	AuthProvider   string `json:"authProvider"`
	Role           string `json:"role"`
}

type serverEnvelope struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	AccessToken string `json:"accessToken"`
	User        *User  `json:"user"`
}

// Client orchestrates login, silent refresh, and authenticated requests.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	refreshTimeout time.Duration

	mutex       sync.RWMutex
	accessToken string

	refreshGroup singleflight.Group
}

// New constructs a Client; a cookie jar is attached when the supplied HTTP
// client has none, since the refresh cookie must round-trip automatically.
func New(configuration Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(configuration.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("session.client.new: %w", ErrMissingBaseURL)
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if httpClient.Jar == nil {
		jar, jarErr := cookiejar.New(nil)
		if jarErr != nil {
			return nil, fmt.Errorf("session.client.new: %w", jarErr)
		}
		httpClient.Jar = jar
	}
	refreshTimeout := configuration.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = DefaultRefreshTimeout
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		refreshTimeout: refreshTimeout,
	}, nil
}

// AccessToken returns the current in-memory access token; empty when anonymous.
func (client *Client) AccessToken() string {
	client.mutex.RLock()
	defer client.mutex.RUnlock()
	return client.accessToken
}

func (client *Client) setAccessToken(token string) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.accessToken = token
}

// Bootstrap performs the silent re-authentication attempted on application
// start: one refresh using the cookie, before any protected call. A refusal
// is the common anonymous case and surfaces as ErrSessionExpired.
func (client *Client) Bootstrap(ctx context.Context) error {
	return client.refreshAccessToken(ctx)
}

// Login authenticates with email and password. The refresh cookie is stored
// by the jar; the access token is kept in memory only.
func (client *Client) Login(ctx context.Context, email string, password string) (User, error) {
	payload := map[string]string{"email": email, "password": password}
	envelope, status, err := client.postJSON(ctx, "/api/auth/login", payload)
	if err != nil {
		return User{}, err
	}
	if status != http.StatusOK || !envelope.Success || envelope.AccessToken == "" {
		return User{}, fmt.Errorf("session.client.login: %w: %s", ErrLoginFailed, envelope.Message)
	}
	client.setAccessToken(envelope.AccessToken)
	if envelope.User == nil {
		return User{}, nil
	}
	return *envelope.User, nil
}

// Logout clears the server-side cookie and the in-memory token.
func (client *Client) Logout(ctx context.Context) error {
	defer client.setAccessToken("")
	_, _, err := client.postJSON(ctx, "/api/auth/logout", nil)
	return err
}

// CheckAuth fetches the authenticated profile, refreshing once on a 401.
func (client *Client) CheckAuth(ctx context.Context) (User, error) {
	response, err := client.Do(ctx, http.MethodGet, "/api/auth/check-auth", nil)
	if err != nil {
		return User{}, err
	}
	defer func() { _ = response.Body.Close() }()
	var envelope serverEnvelope
	if decodeErr := json.NewDecoder(response.Body).Decode(&envelope); decodeErr != nil {
		return User{}, fmt.Errorf("session.client.check_auth: %w", decodeErr)
	}
	if !envelope.Success || envelope.User == nil {
		return User{}, fmt.Errorf("session.client.check_auth: %w", ErrSessionExpired)
	}
	return *envelope.User, nil
}

// Do sends an authenticated JSON request. On a 401 it performs exactly one
// coalesced refresh-and-retry; a second 401 is a hard authentication failure,
// never another retry.
func (client *Client) Do(ctx context.Context, method string, path string, payload any) (*http.Response, error) {
	response, err := client.send(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusUnauthorized {
		return response, nil
	}
	_ = response.Body.Close()

	if refreshErr := client.refreshAccessToken(ctx); refreshErr != nil {
		client.setAccessToken("")
		return nil, refreshErr
	}

	retryResponse, retryErr := client.send(ctx, method, path, payload)
	if retryErr != nil {
		return nil, retryErr
	}
	if retryResponse.StatusCode == http.StatusUnauthorized {
		_ = retryResponse.Body.Close()
		client.setAccessToken("")
		return nil, fmt.Errorf("session.client.do: %w", ErrSessionExpired)
	}
	return retryResponse, nil
}

// refreshAccessToken coalesces concurrent refresh attempts into one in-flight
// request whose single result every waiter consumes. The shared call runs
// detached from any individual caller's context, bounded by the refresh
// timeout; a cancelled waiter stops waiting without aborting the flight.
func (client *Client) refreshAccessToken(ctx context.Context) error {
	resultChannel := client.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		timeoutCtx, cancel := context.WithTimeout(context.Background(), client.refreshTimeout)
		defer cancel()

		envelope, status, postErr := client.postJSON(timeoutCtx, "/api/auth/refresh", nil)
		if postErr != nil {
			return nil, postErr
		}
		if status != http.StatusOK || !envelope.Success || envelope.AccessToken == "" {
			client.setAccessToken("")
			return nil, fmt.Errorf("session.client.refresh: %w", ErrSessionExpired)
		}
		client.setAccessToken(envelope.AccessToken)
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("session.client.refresh: %w", ctx.Err())
	case result := <-resultChannel:
		return result.Err
	}
}

func (client *Client) send(ctx context.Context, method string, path string, payload any) (*http.Response, error) {
	request, buildErr := client.buildRequest(ctx, method, path, payload)
	if buildErr != nil {
		return nil, buildErr
	}
	if token := client.AccessToken(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return nil, fmt.Errorf("session.client.send: %w", doErr)
	}
	return response, nil
}

func (client *Client) postJSON(ctx context.Context, path string, payload any) (serverEnvelope, int, error) {
	request, buildErr := client.buildRequest(ctx, http.MethodPost, path, payload)
	if buildErr != nil {
		return serverEnvelope{}, 0, buildErr
	}
	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return serverEnvelope{}, 0, fmt.Errorf("session.client.send: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	var envelope serverEnvelope
	if decodeErr := json.NewDecoder(response.Body).Decode(&envelope); decodeErr != nil {
		return serverEnvelope{}, response.StatusCode, fmt.Errorf("session.client.decode: %w", decodeErr)
	}
	return envelope, response.StatusCode, nil
}

func (client *Client) buildRequest(ctx context.Context, method string, path string, payload any) (*http.Request, error) {
	var body *bytes.Reader
	if payload != nil {
		encoded, encodeErr := json.Marshal(payload)
		if encodeErr != nil {
			return nil, fmt.Errorf("session.client.encode: %w", encodeErr)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}
	request, requestErr := http.NewRequestWithContext(ctx, method, client.baseURL+path, body)
	if requestErr != nil {
		return nil, fmt.Errorf("session.client.request: %w", requestErr)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	return request, nil
}
