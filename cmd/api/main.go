package main

import (
	"context"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/domain/realtime"
	"github.com/mwork/credit-ledger/internal/middleware"
	"github.com/mwork/credit-ledger/internal/pkg/clock"
	"github.com/mwork/credit-ledger/internal/pkg/database"
	"github.com/mwork/credit-ledger/internal/pkg/jwt"
	"github.com/mwork/credit-ledger/internal/pkg/logger"
	"github.com/mwork/credit-ledger/internal/pkg/pricing"
	"github.com/mwork/credit-ledger/internal/pkg/response"
	"github.com/mwork/credit-ledger/internal/pkg/storage"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting credit ledger API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	if cfg.RunMigrations {
		if err := database.RunMigrations(db.DB); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	redis, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(redis)

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)

	// ---------- Realtime ----------
	hub := realtime.NewHub(redis)
	go hub.Run()
	defer hub.Shutdown()

	// ---------- Ledger ----------
	clk := clock.Real()
	repo := credit.NewRepository(db, cfg.LockTimeout)

	ledger := credit.NewService(repo,
		credit.WithClock(clk),
		credit.WithRetryPolicy(credit.RetryPolicy{Delays: cfg.DeductRetryDelays}),
		credit.WithNotifier(hub),
		credit.WithLowBalanceThreshold(cfg.LowBalanceThreshold),
	)
	reports := credit.NewReports(repo, ledger, clk, cfg.ExpiryWarningDays)
	catalog := credit.NewCatalog(repo, clk, cfg.CodeExpirationDays)

	exportStorage, err := newExportStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create export storage")
	}
	exporter := credit.NewExporter(repo, exportStorage, clk)

	creditHandler := credit.NewHandler(ledger, reports, pricing.Default())
	creditAdminHandler := credit.NewAdminHandler(ledger, catalog, reports, exporter)
	wsHandler := realtime.NewHandler(hub, cfg.AllowedOrigins)

	// ---------- Router ----------
	authMiddleware := middleware.Auth(jwtService)
	wsAuthMiddleware := middleware.AuthWithQueryToken(jwtService)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", healthHandler(db))
	r.Handle("/debug/vars", expvar.Handler())

	r.Mount("/api/v1/credits", creditHandler.Routes(authMiddleware, wsAuthMiddleware, wsHandler))
	r.Mount("/api/admin/credits", creditAdminHandler.Routes(authMiddleware, middleware.RequireAdmin()))

	server := newServer(cfg, r)

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Dur("write_timeout", server.WriteTimeout).
			Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

const (
	baseWriteTimeout = 15 * time.Second
	// lockWaitsPerDeduct is how many lock statements one deduction attempt
	// can block on, counting the settlement pass after a shortfall.
	lockWaitsPerDeduct = 4
)

// deductBudget is the longest a deduction can run before giving up: every
// attempt waiting out the lock timeout, plus the delays between attempts.
func deductBudget(cfg *config.Config) time.Duration {
	attempts := time.Duration(len(cfg.DeductRetryDelays) + 1)
	budget := attempts * lockWaitsPerDeduct * cfg.LockTimeout
	for _, d := range cfg.DeductRetryDelays {
		budget += d
	}
	return budget
}

// newServer sizes the write deadline so a usage request that retries to
// exhaustion still gets its response instead of a dropped connection.
func newServer(cfg *config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: baseWriteTimeout + deductBudget(cfg),
		IdleTimeout:  60 * time.Second,
	}
}

// newExportStorage returns the S3 bucket when one is configured and a local
// directory otherwise.
func newExportStorage(cfg *config.Config) (storage.Storage, error) {
	if !cfg.ExportsEnabled() {
		log.Warn().Str("dir", cfg.ExportLocalDir).Msg("Export bucket not configured, writing exports locally")
		local, err := storage.NewLocalStorage(cfg.ExportLocalDir, "/exports")
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s3, err := storage.NewS3Storage(ctx, storage.Config{
		S3Endpoint:  cfg.ExportS3Endpoint,
		S3Region:    cfg.ExportS3Region,
		S3Bucket:    cfg.ExportS3Bucket,
		S3AccessKey: cfg.ExportS3AccessKey,
		S3SecretKey: cfg.ExportS3SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func healthHandler(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			response.ServiceUnavailable(w, "database unavailable")
			return
		}
		response.OK(w, map[string]string{"status": "ok"})
	}
}
