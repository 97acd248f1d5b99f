package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lef-zach/blog-sub000/internal/config"
	"github.com/lef-zach/blog-sub000/internal/database"
	"github.com/lef-zach/blog-sub000/internal/handler"
	"github.com/lef-zach/blog-sub000/internal/keyvalue"
	"github.com/lef-zach/blog-sub000/internal/middleware"
	"github.com/lef-zach/blog-sub000/internal/repository"
	"github.com/lef-zach/blog-sub000/internal/router"
	"github.com/lef-zach/blog-sub000/internal/service"
)

type App struct {
	server       *http.Server
	db           *database.DB
	cleanupFuncs []func()
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("connecting to PostgreSQL")
	db, err := database.New(context.Background(), database.PoolConfig{
		URL:               cfg.DatabaseURL,
		MaxConns:          cfg.DBMaxConns,
		MinConns:          cfg.DBMinConns,
		MaxConnLifetime:   cfg.DBConnLifetime,
		MaxConnIdleTime:   cfg.DBConnIdleTime,
		HealthCheckPeriod: cfg.DBHealthPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure database schema: %w", err)
	}

	kv, err := keyvalue.OpenBolt(cfg.StateFile)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	pool := db.Pool
	userRepo := repository.NewUserRepository(pool)
	tokenRepo := repository.NewTokenRepository(pool)
	slog.Info("database ready")

	authService, err := service.NewAuthService(service.AuthConfig{
		JWTSecret:          cfg.JWTSecret,
		AccessTTL:          cfg.JWTAccessTTL,
		RefreshTTL:         cfg.JWTRefreshTTL,
		BcryptCost:         cfg.BcryptCost,
		LoginMaxAttempts:   cfg.LoginMaxAttempts,
		LoginAttemptWindow: cfg.LoginAttemptWindow,
		RegistrationOpen:   cfg.RegistrationOpen,
	}, userRepo, tokenRepo, kv)
	if err != nil {
		kv.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize auth service: %w", err)
	}

	if err := authService.SeedAdmin(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
		kv.Close()
		db.Close()
		return nil, fmt.Errorf("failed to seed admin user: %w", err)
	}

	authMiddleware := middleware.NewAuthMiddleware(authService)
	authHandler := handler.NewAuthHandler(authService, handler.CookieConfig{
		Secure: cfg.IsProduction(),
		MaxAge: cfg.JWTRefreshTTL,
	})

	adminHandler := handler.NewAdminHandler(authService)

	appRouter := router.New(cfg, authMiddleware, authHandler, adminHandler)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	go authService.StartCleanupTicker(cleanupCtx, cfg.CleanupInterval)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      appRouter,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	return &App{
		server: server,
		db:     db,
		cleanupFuncs: []func(){
			cleanupCancel,
			func() {
				if err := kv.Close(); err != nil {
					slog.Error("failed to close state store", "error", err)
				}
			},
			db.Close,
		},
	}, nil
}

func (a *App) Run() error {
	go func() {
		slog.Info("server starting", "addr", a.server.Addr)
		if serveErr := a.server.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("server failed", "error", serveErr)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	for _, cleanup := range a.cleanupFuncs {
		cleanup()
	}

	slog.Info("server stopped")
	return nil
}
