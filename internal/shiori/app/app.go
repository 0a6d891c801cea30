// Package app wires Shiori's components from a config.Config and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Shiori/common/retry"
	"github.com/bdobrica/Shiori/internal/shiori/bot"
	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/config"
	"github.com/bdobrica/Shiori/internal/shiori/extraction"
	"github.com/bdobrica/Shiori/internal/shiori/llm"
	"github.com/bdobrica/Shiori/internal/shiori/memory"
	"github.com/bdobrica/Shiori/internal/shiori/session"
	"github.com/bdobrica/Shiori/internal/shiori/store"
)

// shutdownTimeout bounds how long Stop waits for open discussions to be
// persisted and for detached extraction to finish.
const shutdownTimeout = 30 * time.Second

// App holds every long-lived component.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	memory   *memory.Registry
	provider llm.Provider
	bot      *bot.Bot
	channels []channel.Channel
	health   *HealthServer
}

// Options are the injectable parts of New. Zero values build the real
// components from the config.
type Options struct {
	Logger   *slog.Logger
	Provider llm.Provider
	// Channels replaces the Telegram and Matrix channels built from config.
	Channels []channel.Channel
}

// New opens the database and the memory directory and wires the bot. No
// network connection is made until Run.
func New(cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("app: create database directory: %w", err)
		}
	}
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	backend, err := memory.NewFileBackend(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	registry := memory.NewRegistry(backend, MemoryConfig(cfg), memory.WithLogger(logger))

	provider := opts.Provider
	if provider == nil && cfg.LLM.APIKey != "" {
		provider = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		})
	}
	if provider == nil {
		logger.Warn("no LLM API key configured; discussions will not get replies and nothing will be learned")
	}

	channels := opts.Channels
	if channels == nil {
		channels, err = buildChannels(cfg, st, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		memory:   registry,
		provider: provider,
		channels: channels,
	}

	budget := llm.NewTokenBudget(cfg.LLM.DailyTokenBudget)
	deps := bot.Deps{
		Store:    st,
		Memory:   registry,
		Out:      channel.NewMulti(channels...),
		Provider: provider,
		Budget:   budget,
		Logger:   logger,
		Session: session.Config{
			Timeout:     cfg.Session.Timeout,
			MailboxSize: cfg.Session.MailboxSize,
			MaxMessages: cfg.Session.MaxMessages,
			IdleTTL:     cfg.Session.IdleTTL,
		},
	}
	if provider != nil {
		deps.Extractor = NewExtractor(cfg, provider, registry, st, budget, logger)
	}
	a.bot, err = bot.New(bot.Config{
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
		PromptTokens: cfg.Prompt.MaxTokens,
		MemoryTokens: cfg.Prompt.MemoryTokens,
		Retry:        RetryConfig(cfg),
	}, deps)
	if err != nil {
		st.Close()
		return nil, err
	}

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a)
	}
	return a, nil
}

// MemoryConfig maps the memory section of cfg.
func MemoryConfig(cfg config.Config) memory.Config {
	return memory.Config{
		DurableThreshold: cfg.Memory.DurableThreshold,
		WordBudget:       cfg.Memory.WordBudget,
		Retention:        cfg.Memory.Retention,
		RecentDays:       cfg.Memory.RecentDays,
		RecentLimit:      cfg.Memory.RecentLimit,
		ContextMatches:   cfg.Memory.ContextMatches,
	}
}

// RetryConfig maps the retry section of cfg.
func RetryConfig(cfg config.Config) retry.Config {
	return retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
	}
}

// NewExtractor builds the extraction pipeline over registry, gated by the
// users' memory flag in st.
func NewExtractor(cfg config.Config, provider llm.Provider, registry *memory.Registry, st *store.Store, budget *llm.TokenBudget, logger *slog.Logger) *extraction.Extractor {
	model := cfg.Extraction.Model
	if model == "" {
		model = cfg.LLM.Model
	}
	loop := extraction.NewLoop(provider, extraction.LoopConfig{
		MaxToolCalls: cfg.Extraction.MaxToolCalls,
		Model:        model,
		MaxTokens:    cfg.LLM.MaxTokens,
		AllowDelete:  cfg.Extraction.AllowDelete,
		Retry:        RetryConfig(cfg),
	}, logger)
	open := func(ctx context.Context, userID string) (extraction.MemoryStore, error) {
		return registry.Open(ctx, userID)
	}
	return extraction.NewExtractor(loop, open, st, budget, logger)
}

func buildChannels(cfg config.Config, st *store.Store, logger *slog.Logger) ([]channel.Channel, error) {
	var out []channel.Channel
	if cfg.Telegram.Enabled {
		tg, err := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
		}, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("app: telegram: %w", err)
		}
		out = append(out, tg)
	}
	if cfg.Matrix.Enabled {
		mx, err := channel.NewMatrix(channel.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			AllowFrom:   cfg.Matrix.AllowFrom,
			DB:          st.DB(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("app: matrix: %w", err)
		}
		out = append(out, mx)
	}
	return out, nil
}

// Bot returns the wired bot.
func (a *App) Bot() *bot.Bot { return a.bot }

// Store returns the metadata store.
func (a *App) Store() *store.Store { return a.store }

// Memory returns the memory registry.
func (a *App) Memory() *memory.Registry { return a.memory }

// ActiveSessions implements statusProvider.
func (a *App) ActiveSessions() int { return a.bot.Sessions().Active() }

// UserCount implements statusProvider.
func (a *App) UserCount(ctx context.Context) (int, error) {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// Ready implements statusProvider. The app is ready while its database
// answers.
func (a *App) Ready(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// Run starts every channel and blocks until ctx is cancelled or a channel
// fails to start.
func (a *App) Run(ctx context.Context) error {
	if len(a.channels) == 0 {
		return errors.New("app: no channel enabled; configure telegram or matrix")
	}
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range a.channels {
		g.Go(func() error {
			a.logger.Info("starting channel", "channel", ch.Name())
			if err := ch.Start(gctx, a.bot.Handle); err != nil {
				return fmt.Errorf("app: start %s: %w", ch.Name(), err)
			}
			<-gctx.Done()
			return nil
		})
	}
	a.logger.Info("Shiori is running; press Ctrl+C to stop", "channels", len(a.channels))
	return g.Wait()
}

// Stop stops the channels, ends open discussions and closes the database.
func (a *App) Stop() {
	for _, ch := range a.channels {
		a.logger.Info("stopping channel", "channel", ch.Name())
		ch.Stop()
	}
	if a.health != nil {
		a.health.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.bot.Close(ctx); err != nil {
		a.logger.Warn("sessions did not close cleanly", "err", err)
	}

	a.logger.Info("closing database")
	a.store.Close()
}
