package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"analytics-agent/backend/internal/config"
	"analytics-agent/backend/internal/llm"
	"analytics-agent/backend/internal/logging"
	"analytics-agent/backend/internal/repository"
	"analytics-agent/backend/internal/sandbox"
	"analytics-agent/backend/internal/services"
	"analytics-agent/backend/internal/tableau"
	"analytics-agent/backend/internal/tools"
	"analytics-agent/backend/internal/workflow"
)

// app holds the wired components shared by the subcommands.
type app struct {
	cfg          *config.Config
	logger       *logging.Logger
	engine       *sandbox.Engine
	dispatcher   *tools.Dispatcher
	orchestrator *workflow.Orchestrator
	chat         *services.ChatService
	pool         *pgxpool.Pool
}

// loadConfig reads configuration and builds the process logger.
func loadConfig(envFile string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadConfig(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, !cfg.IsProduction())
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"tableau_configured", cfg.Tableau.ServerURL != "",
		"ledger_enabled", cfg.DatabaseEnabled(),
		"config_file", cfg.ConfigFile,
	)
	return cfg, logger, nil
}

func newEngine(cfg *config.Config, logger *logging.Logger) *sandbox.Engine {
	return sandbox.NewEngine(
		sandbox.WithMaxTimeout(cfg.ExecTimeout()),
		sandbox.WithLogger(logger),
	)
}

// newApp wires every component. The ledger is connected only when a
// database is configured.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	provider, err := llm.New(cfg, nil)
	if err != nil {
		return nil, err
	}

	// An unset interface keeps the dispatcher's not-configured path.
	var data tools.DataProvider
	client, err := tableau.NewClient(cfg, nil, logger)
	switch {
	case err == nil:
		data = client
	case errors.Is(err, tableau.ErrNotConfigured):
		logger.Warn("Tableau is not configured, data tools will report errors")
	default:
		return nil, fmt.Errorf("failed to create tableau client: %w", err)
	}

	engine := newEngine(cfg, logger)
	dispatcher := tools.NewDispatcher(data, engine, cfg.Agent.MaxRows, logger)

	orchestrator, err := workflow.New(provider, dispatcher,
		workflow.WithMaxIterations(cfg.Agent.MaxIterations),
		workflow.WithToolRounds(cfg.Agent.ToolRounds),
		workflow.WithMaxRows(cfg.Agent.MaxRows),
		workflow.WithAllowedModules(engine.AllowedModules()),
		workflow.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	a := &app{
		cfg:          cfg,
		logger:       logger,
		engine:       engine,
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
	}

	var store repository.RunStore = repository.NopStore{}
	if cfg.DatabaseEnabled() {
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		store = repository.NewPostgresRunStore(pool)
		logger.Info("Database connected")
	}
	a.chat = services.NewChatService(orchestrator, store, logger)
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection", "host", cfg.DB.Host, "name", cfg.DB.Name)

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
