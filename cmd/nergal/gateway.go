package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/nergal/internal/agents"
	"github.com/mtzanidakis/nergal/internal/config"
	"github.com/mtzanidakis/nergal/internal/conversation"
	"github.com/mtzanidakis/nergal/internal/dialog"
	"github.com/mtzanidakis/nergal/internal/llm"
	"github.com/mtzanidakis/nergal/internal/memory"
	"github.com/mtzanidakis/nergal/internal/metrics"
	"github.com/mtzanidakis/nergal/internal/natsbus"
	"github.com/mtzanidakis/nergal/internal/reliability"
	"github.com/mtzanidakis/nergal/internal/scheduler"
	"github.com/mtzanidakis/nergal/internal/store"
	"github.com/mtzanidakis/nergal/internal/telegram"
	"github.com/mtzanidakis/nergal/internal/todoist"
	"github.com/mtzanidakis/nergal/internal/vault"
	"github.com/mtzanidakis/nergal/internal/web"
	"github.com/mtzanidakis/nergal/internal/websearch"
)

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.Info("starting nergal gateway", "version", version, "model", cfg.LLM.Model)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	rec := metrics.NewRecorder()

	// Embedded NATS
	var bus *natsbus.Bus
	events := natsbus.NewEmitter(nil)
	if cfg.NATS.Enabled {
		bus, err = natsbus.New(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer bus.Close()

		client, err := natsbus.NewClient(bus)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer client.Close()
		events = natsbus.NewEmitter(client)
		slog.Info("nats started", "url", bus.ClientURL())
	}

	// Every external dependency gets its own retrier and breaker
	var breakers []*reliability.CircuitBreaker
	newRetrier := func(name string) *reliability.Retrier {
		b := reliability.NewCircuitBreaker(name, breakerConfig(cfg.Reliability.Breaker))
		rec.TrackBreaker(b)
		b.OnStateChange(events.BreakerChanged)
		breakers = append(breakers, b)

		r := reliability.NewRetrier(name, retryConfig(cfg.Reliability.Retry), b)
		r.SetObserver(rec)
		return r
	}

	provider := llm.NewResilient(llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
	}), newRetrier("llm"))

	deps := agents.Deps{LLM: provider, MaxResults: cfg.WebSearch.MaxResults}

	if cfg.WebSearch.Enabled {
		search := websearch.NewMCPProvider(websearch.MCPConfig{
			URL:     cfg.WebSearch.MCPURL,
			APIKey:  cfg.WebSearch.APIKey,
			Timeout: cfg.WebSearch.Timeout,
		}, newRetrier("web_search"), rec.SearchSink(db))
		defer search.Close()
		deps.Search = search
	}

	var secrets *vault.Secrets
	if cfg.Vault.Passphrase != "" {
		secrets = vault.NewSecrets(vault.New(cfg.Vault.Passphrase), db)
	}
	if cfg.Todoist.Enabled && secrets != nil {
		deps.Secrets = secrets
		deps.Todoist = func(token string) agents.TaskClient {
			return todoist.NewClient(cfg.Todoist.BaseURL, token, cfg.Todoist.Timeout)
		}
	}

	// Agents and orchestration
	reg := dialog.NewRegistry()
	dispatcher := agents.Register(reg, deps, func(t dialog.AgentType) bool {
		return cfg.AgentEnabled(string(t))
	})
	orch := dialog.NewOrchestrator(reg, dialog.OrchestratorConfig{
		StepTimeout: cfg.Dialog.StepTimeout,
	}, rec, events)

	mem := memory.NewService(db, memory.Config{
		FactLimit: cfg.Memory.FactLimit,
		Retention: cfg.Memory.Retention,
	})

	conv := conversation.NewManager(db, mem, reg, orch, dispatcher, events, conversation.Config{
		UsePlanner:     cfg.Dialog.UsePlanner,
		HistoryLimit:   cfg.Dialog.HistoryLimit,
		SessionTimeout: cfg.Dialog.SessionTimeout,
	}, rec)

	// Telegram bot
	botDeps := telegram.Deps{
		Conversations: conv,
		Store:         db,
		Status: func() string {
			return statusText(reg, breakers, conv.ActiveSessions())
		},
	}
	if secrets != nil {
		botDeps.Secrets = secrets
	}
	bot, err := telegram.NewBot(cfg.Telegram, botDeps)
	if err != nil {
		return fmt.Errorf("init telegram bot: %w", err)
	}

	// Scheduled prompts and housekeeping
	sched := scheduler.New(db, conv, bot, events, cfg.Scheduler)
	sched.AddHousekeeping("memory cleanup", mem.Cleanup)
	sched.AddHousekeeping("idle sessions", func() error {
		if n := conv.ExpireIdle(); n > 0 {
			slog.Info("idle sessions closed", "count", n)
		}
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Start(gctx) })
	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	// Admin web
	if cfg.Web.Enabled {
		webDeps := web.Deps{
			Store:    db,
			Bus:      bus,
			Registry: reg,
			Breakers: breakers,
			Sessions: conv,
			Metrics:  rec.Handler(),
			Version:  version,
		}
		if secrets != nil {
			webDeps.Secrets = secrets
		}
		srv := web.NewServer(cfg.Web, webDeps)
		g.Go(func() error { return srv.Start(gctx) })
	}

	err = g.Wait()
	slog.Info("shutting down")
	return err
}

func retryConfig(c config.RetryConfig) reliability.RetryConfig {
	rc := reliability.DefaultRetryConfig()
	if c.MaxRetries > 0 {
		rc.MaxRetries = c.MaxRetries
	}
	if c.BaseDelay > 0 {
		rc.BaseDelay = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		rc.MaxDelay = c.MaxDelay
	}
	if c.Jitter > 0 {
		rc.Jitter = c.Jitter
	}
	return rc
}

func breakerConfig(c config.BreakerConfig) reliability.BreakerConfig {
	bc := reliability.DefaultBreakerConfig()
	if c.FailureThreshold > 0 {
		bc.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		bc.SuccessThreshold = c.SuccessThreshold
	}
	if c.RecoveryTimeout > 0 {
		bc.RecoveryTimeout = c.RecoveryTimeout
	}
	return bc
}

// statusText is the /status reply of the bot.
func statusText(reg *dialog.Registry, breakers []*reliability.CircuitBreaker, sessions int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Nergal* %s\n\n", version)

	types := reg.Types()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	fmt.Fprintf(&sb, "Agents (%d): %s\n", len(names), strings.Join(names, ", "))
	fmt.Fprintf(&sb, "Active sessions: %d\n", sessions)

	for _, b := range breakers {
		snap := b.Snapshot()
		fmt.Fprintf(&sb, "Breaker %s: %s", snap.Name, snap.State)
		if snap.State != reliability.StateClosed && !snap.LastFailure.IsZero() {
			fmt.Fprintf(&sb, " (last failure %s ago)", time.Since(snap.LastFailure).Round(time.Second))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
