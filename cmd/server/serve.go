package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"analytics-agent/backend/internal/api"
	"analytics-agent/backend/internal/auth"
	"analytics-agent/backend/internal/config"
	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/mcp"
	devtls "analytics-agent/backend/internal/tls"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(*envFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	logger.Info("Starting Analytics Agent", "version", api.Version)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	authz, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if !authz.Enabled() {
		logger.Warn("Authentication disabled, chat and MCP routes are open")
	}
	protect := echo.WrapMiddleware(authz.RequireAuth)

	e := newEcho(cfg, logger)

	api.NewHandler(a.chat, cfg, logger).Register(e, protect)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(a.dispatcher, a.chat, api.Version, cfg.Agent.MaxRows, a.engine.AllowedModules(),
		mcp.WithHiddenErrorDetail(cfg.IsProduction()))
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpGroup := e.Group("/mcp", protect)
	mcpGroup.Any("", echo.WrapHandler(mcpHandlers))
	mcpGroup.Any("/*", echo.WrapHandler(mcpHandlers))
	logger.Info("MCP protocol handlers mounted")

	if cfg.TLS.Enable {
		if err := ensureCertificate(cfg, logger); err != nil {
			return err
		}
	}

	// Streams outlive any fixed write deadline, so only reads are bounded.
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	logger.Info("Server stopped gracefully")
	return nil
}

// newEcho builds the router with the shared middleware stack.
func newEcho(cfg *config.Config, logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(cfg.IsProduction(), logger)

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("analytics-agent"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				logger.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds(), "error", v.Error)
				return nil
			}
			logger.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     cfg.CORS.Origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderAuthorization, echo.HeaderContentType, "Mcp-Session-Id"},
		ExposeHeaders:    []string{"X-Run-ID", "Mcp-Session-Id"},
		AllowCredentials: true,
	}))
	return e
}

// ensureCertificate generates a self-signed pair when the configured
// certificate is missing. Production requires real certificates.
func ensureCertificate(cfg *config.Config, logger *logging.Logger) error {
	_, err := os.Stat(cfg.TLS.CertFile)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat tls certificate: %w", err)
	}
	if cfg.IsProduction() {
		return fmt.Errorf("tls certificate %s not found", cfg.TLS.CertFile)
	}

	hosts := devtls.Hosts(cfg.Server.Host)
	if err := devtls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, hosts); err != nil {
		return fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	logger.Warn("Generated self-signed certificate", "cert_file", cfg.TLS.CertFile, "hosts", hosts)
	return nil
}
