package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/ehrstore/internal/config"
	"github.com/ehr/ehrstore/internal/ehr"
	"github.com/ehr/ehrstore/internal/platform/auth"
	"github.com/ehr/ehrstore/internal/platform/db"
	"github.com/ehr/ehrstore/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehrstore-server",
		Short: "Clinical record store API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initStructureCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the record store API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func initStructureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-structure",
		Short: "Create the backend collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			svc, _, err := buildServices(cfg, logger)
			if err != nil {
				return err
			}
			if err := svc.InitStructure(context.Background()); err != nil {
				return err
			}
			fmt.Println("Collections initialized.")
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func buildServices(cfg *config.Config, logger zerolog.Logger) (*ehr.Services, ehr.Driver, error) {
	scopes := ehr.ScopeCollections{
		Patients: cfg.PatientsCollection,
		EHR:      cfg.EHRCollection,
	}

	var driver ehr.Driver
	switch cfg.Backend {
	case config.BackendMemory:
		driver = ehr.NewMemoryDriver(cfg.Database, scopes, logger)
	default:
		driver = ehr.NewPGDriver(cfg.DatabaseURL, cfg.Database, scopes, cfg.DBMaxConns, cfg.DBMinConns, logger)
	}

	index := ehr.NewLocalIndexService(logger)
	codec := ehr.NewCodec(ehr.DefaultEncodings())
	return ehr.NewServices(driver, index, codec, scopes, logger), driver, nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	svc, driver, err := buildServices(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}
	logger.Info().Str("backend", cfg.Backend).Msg("record store ready")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", func(c echo.Context) error {
		var stats *db.PoolStats
		err := ehr.WithConnection(c.Request().Context(), driver, func(d ehr.Driver) error {
			if pg, ok := d.(*ehr.PGDriver); ok {
				stats = pg.PoolStats()
			}
			return nil
		})
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		resp := map[string]any{"status": "healthy", "backend": cfg.Backend}
		if stats != nil {
			resp["pool"] = stats
		}
		return c.JSON(http.StatusOK, resp)
	})

	// Authenticated API surface; health stays open.
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSecret),
		}))
	}
	ehr.NewHandler(svc).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
