package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-operator/internal/agent"
	"github.com/kubilitics/kubilitics-operator/internal/audit"
	"github.com/kubilitics/kubilitics-operator/internal/catalog"
	"github.com/kubilitics/kubilitics-operator/internal/config"
	"github.com/kubilitics/kubilitics-operator/internal/contextmgr"
	"github.com/kubilitics/kubilitics-operator/internal/db"
	"github.com/kubilitics/kubilitics-operator/internal/executor"
	"github.com/kubilitics/kubilitics-operator/internal/llm/adapter"
	"github.com/kubilitics/kubilitics-operator/internal/llm/summarizer"
	"github.com/kubilitics/kubilitics-operator/internal/safety"
	"github.com/kubilitics/kubilitics-operator/internal/server"
	"github.com/kubilitics/kubilitics-operator/internal/session"
)

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ─── Configuration ──────────────────────────────────────────────────────
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	// ─── Logging ────────────────────────────────────────────────────────────
	auditCfg := &audit.Config{
		AuditLogPath: cfg.Audit.AuditLogPath,
		AppLogPath:   cfg.Audit.AppLogPath,
		MaxSize:      cfg.Audit.MaxSizeMB,
		MaxBackups:   cfg.Audit.MaxBackups,
		MaxAge:       cfg.Audit.MaxAgeDays,
		Compress:     cfg.Audit.Compress,
		LogLevel:     cfg.Logging.Level,
		LogFormat:    cfg.Logging.Format,
	}
	for _, p := range []string{cfg.Audit.AuditLogPath, cfg.Audit.AppLogPath, cfg.Database.SQLitePath} {
		if p != "" && p != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", p, err)
			}
		}
	}
	logger, err := audit.NewAppLogger(auditCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// ─── Persistence and audit ──────────────────────────────────────────────
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.NewLogger(auditCfg, logger, audit.NewStoreSink(store))
	if err != nil {
		return fmt.Errorf("create audit logger: %w", err)
	}
	defer auditLog.Close()
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventConfigLoaded).
		WithDescription("configuration loaded from "+configPath).
		WithResult(audit.ResultSuccess))

	// ─── Tools and safety ───────────────────────────────────────────────────
	tools := catalog.Default()
	if cfg.Catalog.Path != "" {
		if err := tools.LoadFile(cfg.Catalog.Path); err != nil {
			return fmt.Errorf("load tool catalogue: %w", err)
		}
	}
	tiers := safety.NewRegistry(tools.Tiers())
	for name, raw := range cfg.Safety.TierOverrides {
		tier, err := safety.ParseTier(raw)
		if err != nil {
			return fmt.Errorf("safety.tier_overrides[%s]: %w", name, err)
		}
		tiers.Register(name, tier)
	}
	engine := safety.NewEngine(tiers,
		safety.NewGuard(cfg.Safety.ProtectedVMIDs, cfg.Safety.ProtectedServices),
		logger,
	).WithAuditLogger(auditLog)

	var exec executor.Executor
	if cfg.Executor.Address != "" {
		client, err := executor.NewGRPCClient(executor.GRPCConfig{
			Address:  cfg.Executor.Address,
			Insecure: cfg.Executor.Insecure,
		}, auditLog, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		exec = client
	} else {
		logger.Warn("no executor address configured; every tool call will fail")
	}

	// ─── Models and context ─────────────────────────────────────────────────
	providers := adapter.NewFromConfig(cfg.LLM, logger)

	var backend summarizer.Backend
	if cfg.Summarizer.BaseURL != "" {
		backend = summarizer.NewOpenAIBackend(summarizer.OpenAIConfig{
			BaseURL:     cfg.Summarizer.BaseURL,
			APIKey:      cfg.Summarizer.APIKey,
			Model:       cfg.Summarizer.Model,
			Temperature: cfg.Summarizer.Temperature,
			MaxTokens:   cfg.Summarizer.MaxTokens,
			Logger:      logger,
		})
	}
	contexts := contextmgr.New(contextmgr.Options{
		Threshold:        cfg.Context.SummarizeThreshold,
		KeepRecent:       cfg.Context.KeepRecent,
		SummaryRatio:     cfg.Context.SummaryRatio,
		SummarizeTimeout: cfg.Context.SummarizeTimeout,
		Counter:          summarizer.NewTokenizerClient(cfg.Tokenizer.URL, cfg.Tokenizer.Timeout, logger),
		Backend:          backend,
		Logger:           logger,
	})

	loop := agent.New(agent.Options{
		Providers:       providers,
		Safety:          engine,
		Catalog:         tools,
		Executor:        exec,
		Audit:           auditLog,
		Store:           store,
		Logger:          logger,
		MaxIterations:   cfg.Agent.MaxIterations,
		ToolTimeout:     cfg.Agent.ToolTimeout,
		ConfirmationTTL: cfg.Agent.ConfirmationTTL,
		DryRun:          cfg.Executor.DryRun,
	})
	sessions := session.NewRegistry(contexts.Clear, logger)

	srv, err := server.New(server.Deps{
		Server:    cfg.Server,
		Agent:     cfg.Agent,
		Loop:      loop,
		Sessions:  sessions,
		Context:   contexts,
		Providers: providers,
		Safety:    engine,
		Catalog:   tools,
		Store:     store,
		Audit:     auditLog,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("listening on %s:%d", cfg.Server.Host, cfg.Server.Port)).
		WithResult(audit.ResultSuccess))

	// ─── Run ────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		updates := mgr.Watch(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-updates:
				engine.SetGuard(safety.NewGuard(next.Safety.ProtectedVMIDs, next.Safety.ProtectedServices))
				_ = auditLog.Log(gctx, audit.NewEvent(audit.EventConfigChanged).
					WithDescription("protected resources reloaded").
					WithResult(audit.ResultSuccess))
			}
		}
	})

	err = g.Wait()
	_ = auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))
	if err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
