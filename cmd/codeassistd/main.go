package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/codeassist/internal/api"
	"github.com/nidhogg/codeassist/internal/config"
	editorctx "github.com/nidhogg/codeassist/internal/context"
	"github.com/nidhogg/codeassist/internal/history"
	"github.com/nidhogg/codeassist/internal/orchestrator"
	"github.com/nidhogg/codeassist/internal/prompt"
	"github.com/nidhogg/codeassist/internal/provider"
	"github.com/nidhogg/codeassist/internal/store"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/codeassist.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Config loaded", zap.String("path", cfgPath), zap.Int("profiles", len(cfg.Providers)))

	// Provider adapters share one client; streams are bounded by the
	// per-profile idle timeout, not a client-wide deadline.
	registry := provider.NewRegistry(&http.Client{}, cfg.ModelCache.Std(), logger)

	// Prompt templates and language table
	langs, err := cfg.LanguageTable()
	if err != nil {
		logger.Fatal("invalid language table", zap.Error(err))
	}
	var templates []prompt.Template
	if cfg.TemplateDir != "" {
		templates, err = prompt.LoadDir(cfg.TemplateDir)
		if err != nil {
			logger.Fatal("failed to load templates", zap.String("dir", cfg.TemplateDir), zap.Error(err))
		}
		logger.Info("Templates loaded", zap.String("dir", cfg.TemplateDir), zap.Int("count", len(templates)))
	}
	catalog, err := prompt.NewCatalog(append(templates, cfg.PromptTemplates()...)...)
	if err != nil {
		logger.Fatal("invalid template", zap.Error(err))
	}
	rules, err := prompt.LoadRules(cfg.ProjectRoot)
	if err != nil {
		logger.Fatal("failed to load project rules", zap.String("root", cfg.ProjectRoot), zap.Error(err))
	}
	if !rules.Empty() {
		logger.Info("Project rules loaded", zap.String("root", cfg.ProjectRoot))
	}
	engine := prompt.NewEngine(langs, logger, prompt.WithRules(rules))

	changes := editorctx.NewChangeCache(cfg.History.ChangeCacheSize, cfg.History.ChangeTTL.Std())
	collector := editorctx.NewCollector(cfg.Context, changes, logger)

	routes := orchestrator.NewStaticRoutes()
	bindRoute(routes, cfg, orchestrator.PurposeCompletion, cfg.Completion, logger)
	bindRoute(routes, cfg, orchestrator.PurposeChat, cfg.Chat, logger)

	// Chat archive
	ctx := context.Background()
	archive, err := store.Open(ctx, cfg.Archive.StoreOptions(), logger)
	if err != nil {
		logger.Warn("chat archive unavailable, history kept in memory only",
			zap.String("type", cfg.Archive.Type), zap.Error(err))
	}
	var hist history.Archive
	if archive != nil {
		hist = archive
		logger.Info("chat archive ready", zap.String("type", cfg.Archive.Type))
	}

	orch := orchestrator.New(orchestrator.Options{
		Collector:  collector,
		Engine:     engine,
		Catalog:    catalog,
		Providers:  registry,
		Routes:     routes,
		Archive:    hist,
		TokenLimit: cfg.History.TokenLimit,
		Retry:      orchestrator.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff.Std()},
		Logger:     logger,
	})

	profiles := make([]provider.Config, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		profiles = append(profiles, p.Snapshot())
	}

	// Build HTTP handler
	handler := api.NewHandler(api.Options{
		Orchestrator: orch,
		Routes:       routes,
		Models:       registry,
		Profiles:     profiles,
		Changes:      changes,
		Trigger:      cfg.Trigger.SchedulerConfig(),
		Hub:          api.NewHub(100, logger),
		Logger:       logger,
	})

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8321"
	}
	srv := &http.Server{
		Addr:              "127.0.0.1:" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("codeassist listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down codeassist...")
	handler.Close()
	orch.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if archive != nil {
		archive.Close()
	}
	changes.Close()
	registry.Close()
}

func newLogger(level string) *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err == nil {
			zc.Level = lvl
		}
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func bindRoute(routes *orchestrator.StaticRoutes, cfg *config.Config, purpose orchestrator.Purpose, role config.RoleConfig, logger *zap.Logger) {
	profile, ok := cfg.Profile(role.Provider)
	if !ok {
		logger.Warn("no provider profile for route", zap.String("purpose", string(purpose)), zap.String("profile", role.Provider))
		return
	}
	routes.Set(purpose, orchestrator.Route{
		Provider:     profile.Snapshot(),
		Template:     role.Template,
		Instructions: role.Instructions,
	})
	logger.Info("route bound",
		zap.String("purpose", string(purpose)),
		zap.String("profile", profile.Name),
		zap.String("provider", string(profile.Type)),
		zap.String("template", role.Template))
}
