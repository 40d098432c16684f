package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"portal-auth/internal/audit"
	"portal-auth/internal/auth"
	"portal-auth/internal/db"
	"portal-auth/internal/mail"
	"portal-auth/internal/maintenance"
	"portal-auth/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *zap.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	environment := envOrDefault("APP_ENV", "development")

	logger, err := observability.NewLogger(environment)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment, os.Getenv("APP_RELEASE")); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	cfg := auth.Config{
		JWTSecret:            []byte(jwtSecret),
		Issuer:               envOrDefault("JWT_ISSUER", "portal-auth"),
		Audience:             envOrDefault("JWT_AUDIENCE", "portal"),
		AccessTTL:            envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTTL:           envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
		CodeTTL:              envMinutesOrDefault("OTP_CODE_TTL_MINUTES", 15),
		MaxLoginAttempts:     envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LockDuration:         envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		RequireVerifiedEmail: EnvBoolOrDefault("REQUIRE_VERIFIED_EMAIL", false),
	}

	repo := auth.NewRepository(database)
	gate := auth.NewGate(repo, cfg)
	issuer := auth.NewIssuer(repo, repo, cfg)
	challenges := auth.NewChallenges(repo, cfg)
	revoker := auth.NewRevoker(repo)

	recorder := audit.NewAsyncRecorder(logger.Named("audit"), envIntOrDefault("AUDIT_BUFFER_SIZE", 256))
	mailer := mail.NewLogMailer(logger.Named("mail"))

	authHandler := auth.NewHandler(gate, issuer, challenges, revoker, repo, mailer, recorder)
	cleanupHandler := maintenance.NewCleanupHandler(
		repo,
		logger,
		os.Getenv("CRON_SECRET"),
		envDaysOrDefault("AUTH_REFRESH_TOKEN_RETENTION_DAYS", 14),
		envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	)

	if err := seedAdmin(repo); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	loginLimiter := auth.NewLoginRateLimiter(
		envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	authed := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(issuer, h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/logout-all", authed(authHandler.LogoutAll))
	mux.Handle("GET /auth/sessions", authed(authHandler.Sessions))
	mux.Handle("POST /auth/password", authed(authHandler.ChangePassword))
	mux.Handle("POST /auth/password-reset", loginLimiter.Middleware(http.HandlerFunc(authHandler.RequestPasswordReset)))
	mux.HandleFunc("POST /auth/password-reset/confirm", authHandler.ConfirmPasswordReset)
	mux.Handle("POST /auth/verify-email", loginLimiter.Middleware(http.HandlerFunc(authHandler.RequestEmailVerification)))
	mux.HandleFunc("POST /auth/verify-email/confirm", authHandler.ConfirmEmailVerification)
	mux.Handle("POST /auth/step-up", authed(authHandler.RequestStepUp))
	mux.Handle("POST /auth/step-up/verify", authed(authHandler.VerifyStepUp))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Logger:  logger,
		Close: func() error {
			recorder.Close()
			observability.FlushSentry()
			_ = logger.Sync()
			return database.Close()
		},
	}, nil
}

// seedAdmin makes sure an operator account exists when the ADMIN_* envs are
// set. The seed is skipped silently when the username is already taken.
func seedAdmin(repo *auth.Repository) error {
	username := strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_USERNAME")))
	email := strings.ToLower(strings.TrimSpace(os.Getenv("ADMIN_EMAIL")))
	password := strings.TrimSpace(os.Getenv("ADMIN_PASSWORD"))

	if username == "" && email == "" && password == "" {
		return nil
	}
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return repo.SeedCredential(ctx, username, email, password, envOrDefault("ADMIN_ROLE_ID", "admin"))
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
