// Package bot routes inbound chat events through the session state machine,
// the memory store and the completion service, and delivers the replies.
//
// Every inbound event runs on its user's session actor, so one user's
// commands, discussion turns and memory edits never interleave. Slow work
// (completion calls, deliveries) blocks only that user's queue.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Shiori/common/retry"
	"github.com/bdobrica/Shiori/common/trace"
	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/extraction"
	"github.com/bdobrica/Shiori/internal/shiori/llm"
	"github.com/bdobrica/Shiori/internal/shiori/memory"
	"github.com/bdobrica/Shiori/internal/shiori/observability"
	"github.com/bdobrica/Shiori/internal/shiori/session"
	"github.com/bdobrica/Shiori/internal/shiori/store"
)

// Canned replies.
const (
	busyText     = "I'm still working on your previous messages. Give me a moment."
	tryAgainText = "Sorry, I couldn't come up with a reply just now. Please try again in a bit."
	budgetText   = "You've used up today's conversation allowance. Let's pick this up tomorrow."
)

// Config tunes the bot.
type Config struct {
	// Model and MaxTokens are passed to every completion request.
	Model     string
	MaxTokens int
	// PromptTokens bounds the assembled discussion prompt.
	PromptTokens int
	// MemoryTokens bounds the memory context pulled for one reply.
	MemoryTokens int
	// Retry bounds completion and delivery retries.
	Retry retry.Config
	// BatchConcurrency caps users processed in parallel by RunBatch.
	BatchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.PromptTokens <= 0 {
		c.PromptTokens = 3000
	}
	if c.MemoryTokens <= 0 || c.MemoryTokens > c.PromptTokens {
		c.MemoryTokens = c.PromptTokens / 4
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.DefaultConfig
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
	return c
}

// BatchExtractor runs extraction over a window of interaction events.
type BatchExtractor interface {
	session.Extractor
	Batch(ctx context.Context, userID string, events []extraction.Event, day time.Time) (extraction.Result, error)
}

// Deps are the collaborators of a Bot. Provider, Budget and Extractor may
// be nil: without a provider discussion replies fall back to the canned
// "try again" text, and without an extractor nothing is learned.
type Deps struct {
	Store     *store.Store
	Memory    *memory.Registry
	Out       channel.Deliverer
	Provider  llm.Provider
	Budget    *llm.TokenBudget
	Extractor BatchExtractor
	Logger    *slog.Logger

	Session        session.Config
	SessionOptions []session.Option
}

// Bot is the application core: it implements channel.Handler through
// Handle and is the Persister and Notifier of its session Manager.
type Bot struct {
	cfg       Config
	store     *store.Store
	memory    *memory.Registry
	out       channel.Deliverer
	provider  llm.Provider
	budget    *llm.TokenBudget
	extractor BatchExtractor
	logger    *slog.Logger
	router    *Router
	sessions  *session.Manager
}

// New wires a Bot and starts its session Manager.
func New(cfg Config, deps Deps) (*Bot, error) {
	if deps.Store == nil || deps.Memory == nil || deps.Out == nil {
		return nil, errors.New("bot: store, memory and deliverer are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bot{
		cfg:       cfg.withDefaults(),
		store:     deps.Store,
		memory:    deps.Memory,
		out:       deps.Out,
		provider:  deps.Provider,
		budget:    deps.Budget,
		extractor: deps.Extractor,
		logger:    logger,
		router:    NewRouter("/"),
	}
	b.registerCommands()

	opts := []session.Option{
		session.WithLogger(logger),
		session.WithPersister(b),
		session.WithNotifier(b),
	}
	if deps.Extractor != nil {
		opts = append(opts, session.WithExtractor(deps.Extractor))
	}
	opts = append(opts, deps.SessionOptions...)
	b.sessions = session.NewManager(deps.Session, opts...)
	return b, nil
}

// Sessions exposes the session Manager.
func (b *Bot) Sessions() *session.Manager {
	return b.sessions
}

// Close ends every open discussion and waits for persistence and detached
// extraction to finish.
func (b *Bot) Close(ctx context.Context) error {
	return b.sessions.Close(ctx)
}

// Handle is the channel.Handler: it queues in on the user's actor and
// returns without waiting. A full queue gets a "busy" reply.
func (b *Bot) Handle(ctx context.Context, in channel.Inbound) {
	ctx = trace.WithUserID(trace.Ensure(ctx), in.UserID)
	log := observability.WithTrace(ctx, b.logger)

	err := b.sessions.Submit(ctx, in.UserID, func(ctx context.Context, s *session.Session) error {
		return b.dispatch(ctx, s, in)
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrQueueFull):
		log.Warn("bot: user queue full, shedding event", "channel", in.Channel)
		b.deliver(ctx, in.UserID, Reply{Text: busyText})
	default:
		log.Error("bot: failed to queue event", "err", err)
	}
}

// HandleSync is Handle that waits for the event to be processed. The CLI
// and tests use it.
func (b *Bot) HandleSync(ctx context.Context, in channel.Inbound) error {
	ctx = trace.WithUserID(trace.Ensure(ctx), in.UserID)
	return b.sessions.Do(ctx, in.UserID, func(ctx context.Context, s *session.Session) error {
		return b.dispatch(ctx, s, in)
	})
}

// dispatch runs on the user's actor.
func (b *Bot) dispatch(ctx context.Context, s *session.Session, in channel.Inbound) error {
	log := observability.WithTrace(ctx, b.logger)
	if _, err := b.store.EnsureUser(ctx, in.UserID, in.DisplayName, in.Channel); err != nil {
		return fmt.Errorf("bot: ensure user: %w", err)
	}

	var (
		reply Reply
		err   error
	)
	switch {
	case in.Callback != "":
		var cmd *Command
		if cmd, err = ParseCallback(in.Callback); err == nil {
			reply, err = b.router.Dispatch(ctx, s, cmd)
		}
	default:
		reply, err = b.router.Route(ctx, s, in.Text)
		if errors.Is(err, ErrNotACommand) {
			reply, err = b.converse(ctx, s, in.Text)
		}
	}
	if err != nil {
		log.Warn("bot: event failed", "mode", string(s.Mode()), "err", err)
		reply = Reply{Text: "That didn't work: " + err.Error() + ". Try /help."}
	}
	b.deliver(ctx, s.UserID(), reply)
	return nil
}

// converse handles a plain text message according to the user's mode.
func (b *Bot) converse(ctx context.Context, s *session.Session, text string) (Reply, error) {
	switch s.Mode() {
	case session.ModeOnboarding:
		return b.finishOnboarding(ctx, s, text)
	case session.ModeDiscussion:
		return b.discussionReply(ctx, s, text)
	default:
		return b.idleReply(ctx, s, text)
	}
}

// deliver sends reply with bounded retries. Failures are logged; the session
// is never affected.
func (b *Bot) deliver(ctx context.Context, userID string, reply Reply) {
	if reply.Text == "" {
		return
	}
	cfg := b.cfg.Retry
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, channel.ErrUnknownRecipient) && !errors.Is(err, channel.ErrNotStarted)
	}
	err := retry.Do(ctx, cfg, func() error {
		_, err := b.out.Deliver(ctx, userID, reply.Text, reply.Buttons)
		return err
	})
	if err != nil {
		observability.WithTrace(ctx, b.logger).Error("bot: delivery failed", "user_id", userID, "err", err)
	}
}

// complete calls the provider with bounded retries on transient failures.
func (b *Bot) complete(ctx context.Context, messages []llm.Message) (*llm.CompletionResponse, error) {
	if b.provider == nil {
		return nil, errors.New("bot: no completion provider configured")
	}
	cfg := b.cfg.Retry
	cfg.ShouldRetry = llm.IsTransient
	var resp *llm.CompletionResponse
	err := retry.Do(ctx, cfg, func() error {
		var err error
		resp, err = b.provider.Complete(ctx, llm.CompletionRequest{
			Model:     b.cfg.Model,
			Messages:  messages,
			MaxTokens: b.cfg.MaxTokens,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// memoryEnabled reports the user's memory gate. Lookup failures count as
// disabled.
func (b *Bot) memoryEnabled(ctx context.Context, userID string) bool {
	enabled, err := b.store.MemoryEnabled(ctx, userID)
	if err != nil {
		observability.WithTrace(ctx, b.logger).Warn("bot: memory gate lookup failed", "err", err)
		return false
	}
	return enabled
}
