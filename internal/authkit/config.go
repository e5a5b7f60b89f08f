package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures token secrets, cookies, and TTLs.
type ServerConfig struct {
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	TokenIssuer        string
	GoogleWebClientID  string
	CookieDomain       string
	RefreshCookieName  string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	BcryptCost         int
	SameSiteMode       http.SameSite
	AllowInsecureHTTP  bool
}
