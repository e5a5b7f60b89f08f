package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mprlab/goaltrack/internal/authkit"
	"github.com/mprlab/goaltrack/internal/otp"
	"github.com/mprlab/goaltrack/internal/store"
	"github.com/mprlab/goaltrack/internal/web"
	webassets "github.com/mprlab/goaltrack/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "goaltrack-auth",
		Short:   "Auth service for the goaltrack app: JWT sessions, rotating refresh tokens, Google Sign-In",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID")
	rootCmd.Flags().String("access_token_secret", "", "HS256 signing secret for access tokens")
	rootCmd.Flags().String("refresh_token_secret", "", "HS256 signing secret for refresh tokens (must differ from the access secret)")
	rootCmd.Flags().Duration("access_token_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_token_ttl", 7*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Int("bcrypt_cost", authkit.DefaultBcryptCost, "bcrypt work factor for password hashing")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().String("redis_url", "", "Redis URL for verification codes; leave empty for the in-memory store")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	rootCmd.Flags().Duration("verification_code_ttl", otp.DefaultTTL, "Lifetime of email verification codes")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("cookie_domain", rootCmd.Flags().Lookup("cookie_domain"))
	_ = viper.BindPFlag("google_web_client_id", rootCmd.Flags().Lookup("google_web_client_id"))
	_ = viper.BindPFlag("access_token_secret", rootCmd.Flags().Lookup("access_token_secret"))
	_ = viper.BindPFlag("refresh_token_secret", rootCmd.Flags().Lookup("refresh_token_secret"))
	_ = viper.BindPFlag("access_token_ttl", rootCmd.Flags().Lookup("access_token_ttl"))
	_ = viper.BindPFlag("refresh_token_ttl", rootCmd.Flags().Lookup("refresh_token_ttl"))
	_ = viper.BindPFlag("bcrypt_cost", rootCmd.Flags().Lookup("bcrypt_cost"))
	_ = viper.BindPFlag("dev_insecure_http", rootCmd.Flags().Lookup("dev_insecure_http"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("redis_url", rootCmd.Flags().Lookup("redis_url"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("verification_code_ttl", rootCmd.Flags().Lookup("verification_code_ttl"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	refreshCookieName = "refreshToken"
	tokenIssuerName   = "goaltrack-auth"

	configCodeMissingGoogleClientID   = "config.missing_google_web_client_id"
	configCodeMissingAccessSecret     = "config.missing_access_token_secret"
	configCodeMissingRefreshSecret    = "config.missing_refresh_token_secret"
	configCodeIdenticalTokenSecrets   = "config.identical_token_secrets"
	configCodeInvalidAccessTTL        = "config.invalid_access_token_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_token_ttl"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the auth configuration from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	googleWebClientID := viper.GetString("google_web_client_id")
	if googleWebClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}

	accessTokenSecret := viper.GetString("access_token_secret")
	if accessTokenSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingAccessSecret, "access_token_secret must be provided")
	}
	refreshTokenSecret := viper.GetString("refresh_token_secret")
	if refreshTokenSecret == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingRefreshSecret, "refresh_token_secret must be provided")
	}
	// Compromise of one secret must not allow forging tokens of the other kind.
	if accessTokenSecret == refreshTokenSecret {
		return authkit.ServerConfig{}, configError(configCodeIdenticalTokenSecrets, "access_token_secret and refresh_token_secret must differ")
	}

	accessTokenTTL := viper.GetDuration("access_token_ttl")
	if accessTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_token_ttl must be greater than zero")
	}
	refreshTokenTTL := viper.GetDuration("refresh_token_ttl")
	if refreshTokenTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_token_ttl must be greater than zero")
	}

	return authkit.ServerConfig{
		AccessTokenSecret:  []byte(accessTokenSecret),
		RefreshTokenSecret: []byte(refreshTokenSecret),
		TokenIssuer:        tokenIssuerName,
		GoogleWebClientID:  googleWebClientID,
		CookieDomain:       viper.GetString("cookie_domain"),
		RefreshCookieName:  refreshCookieName,
		AccessTokenTTL:     accessTokenTTL,
		RefreshTokenTTL:    refreshTokenTTL,
		BcryptCost:         viper.GetInt("bcrypt_cost"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	databaseURL := viper.GetString("database_url")
	redisURL := viper.GetString("redis_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	verificationCodeTTL := viper.GetDuration("verification_code_ttl")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/static/auth-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedStaticJS(contextGin, webassets.FS, "auth-client.js")
	})
	router.GET("/static/config.js", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{
			GoogleClientID: serverConfig.GoogleWebClientID,
		})
	})

	var users authkit.CredentialStore
	var ledger authkit.RefreshTokenLedger

	if databaseURL != "" {
		persistentStore, storeErr := store.New(context.Background(), databaseURL)
		if storeErr != nil {
			return storeErr
		}
		users = persistentStore
		ledger = persistentStore
		logger.Info("using persistent credential store", zap.String("driver", persistentStore.Driver()))
	} else {
		users = authkit.NewMemoryCredentialStore()
		ledger = authkit.NewMemoryRefreshLedger()
		logger.Info("using in-memory credential store")
	}

	var codes authkit.VerificationCodeStore
	if redisURL != "" {
		redisOptions, redisErr := redis.ParseURL(redisURL)
		if redisErr != nil {
			return fmt.Errorf("config.invalid_redis_url: %w", redisErr)
		}
		codes = otp.NewRedisStore(redis.NewClient(redisOptions), verificationCodeTTL)
		logger.Info("using redis verification code store")
	} else {
		codes = otp.NewMemoryStore(verificationCodeTTL)
		logger.Info("using in-memory verification code store")
	}

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	validator, validatorErr := buildGoogleTokenValidator(command.Context())
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}
	authkit.ProvideGoogleTokenValidator(validator)
	defer authkit.ProvideGoogleTokenValidator(nil)

	authkit.ProvideClock(authkit.NewSystemClock())
	defer authkit.ProvideClock(nil)

	authkit.ProvideLogger(logger)
	defer authkit.ProvideLogger(nil)

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector())
	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(metricsRegistry)
	if metricsErr != nil {
		return fmt.Errorf("config.metrics_init: %w", metricsErr)
	}
	authkit.ProvideMetrics(metricsRecorder)
	defer authkit.ProvideMetrics(nil)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})))

	authkit.MountAuthRoutes(router.Group("/api/auth"), serverConfig, users, ledger, codes)

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
