package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/kayz/specforge/internal/config"
	"github.com/kayz/specforge/internal/generator"
	"github.com/kayz/specforge/internal/logger"
	"github.com/kayz/specforge/internal/notify"
	"github.com/kayz/specforge/internal/persist"
	"github.com/kayz/specforge/internal/pipeline"
)

// appRuntime holds the wired components a command works with.
type appRuntime struct {
	cfg     *config.Config
	store   *persist.Store
	builds  *pipeline.Manager
	slack   *notify.SlackSink
	closers []func()
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openStore opens the document store only, for read-only commands.
func openStore() (*config.Config, *persist.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := persist.NewStore(cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

// newRuntime wires config, store, providers, orchestrator and manager.
func newRuntime() (*appRuntime, error) {
	cfg, store, err := openStore()
	if err != nil {
		return nil, err
	}
	rt := &appRuntime{cfg: cfg, store: store}
	rt.closers = append(rt.closers, func() { store.Close() })

	gen, err := newGenerator(cfg)
	if err != nil {
		rt.close()
		return nil, err
	}

	orch := pipeline.New(gen, store, pipeline.Config{
		Deadline:             cfg.Build.Deadline,
		MaxRetries:           cfg.Build.MaxRetries,
		RetryBackoff:         cfg.Build.RetryBackoff,
		PersistRetries:       cfg.Build.PersistRetries,
		ExecutionConcurrency: cfg.Build.ExecutionConcurrency,
	})

	var sink pipeline.Sink
	if cfg.Notify.SlackWebhook != "" {
		rt.slack = notify.NewSlackSink(cfg.Notify.SlackWebhook)
		rt.closers = append([]func(){rt.slack.Close}, rt.closers...)
		sink = rt.slack
	}
	rt.builds = pipeline.NewManager(orch, sink)
	return rt, nil
}

func newGenerator(cfg *config.Config) (pipeline.Generator, error) {
	if len(cfg.AI.Providers) == 0 {
		return nil, fmt.Errorf("no AI provider configured: add ai.providers to the config or set OPENAI_API_KEY / ANTHROPIC_API_KEY")
	}
	providers := make([]generator.Provider, 0, len(cfg.AI.Providers))
	for _, pc := range cfg.AI.Providers {
		p, err := generator.NewProvider(generator.ProviderConfig{
			Name:      pc.Name,
			Type:      pc.Type,
			BaseURL:   pc.BaseURL,
			APIKey:    pc.APIKey,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
		})
		if err != nil {
			return nil, err
		}
		logger.Debug("[Generator] Provider %s (%s) ready", pc.Name, pc.Type)
		providers = append(providers, p)
	}
	return generator.NewLLM(generator.NewRouter(providers, cfg.AI.Cooldown)), nil
}

// close waits briefly for background builds and releases resources.
func (rt *appRuntime) close() {
	if rt.builds != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rt.builds.Shutdown(ctx); err != nil {
			logger.Warn("Builds still running at shutdown: %v", rt.builds.Running())
		}
		cancel()
	}
	for _, c := range rt.closers {
		c()
	}
}
