package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Shiori/common/trace"
	"github.com/bdobrica/Shiori/internal/shiori/llm"
	"github.com/bdobrica/Shiori/internal/shiori/session"
)

var (
	// ErrMemoryDisabled is returned when the user paused memory collection.
	ErrMemoryDisabled = errors.New("extraction: memory collection disabled for user")

	// ErrBudgetExceeded is returned when the user's daily token budget is
	// spent.
	ErrBudgetExceeded = errors.New("extraction: daily token budget exhausted")
)

// Gate reports whether memory collection is enabled for a user.
type Gate interface {
	MemoryEnabled(ctx context.Context, userID string) (bool, error)
}

// StoreOpener returns the memory handle of one user.
type StoreOpener func(ctx context.Context, userID string) (MemoryStore, error)

// Extractor runs the Loop for the two extraction entry points: a closed
// discussion and a batch of recent interactions.
type Extractor struct {
	loop   *Loop
	open   StoreOpener
	gate   Gate
	budget *llm.TokenBudget
	logger *slog.Logger
}

// NewExtractor wires an Extractor. gate and budget may be nil.
func NewExtractor(loop *Loop, open StoreOpener, gate Gate, budget *llm.TokenBudget, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{loop: loop, open: open, gate: gate, budget: budget, logger: logger}
}

// ExtractRecord implements session.Extractor.
func (e *Extractor) ExtractRecord(ctx context.Context, rec session.Record) error {
	if len(rec.Messages) == 0 {
		return nil
	}
	_, err := e.run(ctx, rec.UserID, PostSessionSource(rec.TopicID), PostSessionInput(rec, ""))
	if errors.Is(err, ErrMemoryDisabled) {
		return nil
	}
	return err
}

// Batch runs extraction over a window of interaction events for userID.
func (e *Extractor) Batch(ctx context.Context, userID string, events []Event, day time.Time) (Result, error) {
	if len(events) == 0 {
		return Result{}, nil
	}
	return e.run(ctx, userID, BatchSource(day), BatchInput(events, day))
}

func (e *Extractor) run(ctx context.Context, userID, source, input string) (Result, error) {
	ctx = trace.WithUserID(trace.Ensure(ctx), userID)
	log := e.logger.With("user_id", userID, "source", source, "trace_id", trace.FromContext(ctx))

	if e.gate != nil {
		enabled, err := e.gate.MemoryEnabled(ctx, userID)
		if err != nil {
			return Result{}, fmt.Errorf("extraction: gate: %w", err)
		}
		if !enabled {
			log.Debug("extraction skipped: memory disabled")
			return Result{}, ErrMemoryDisabled
		}
	}
	if e.budget != nil && !e.budget.Allow(userID) {
		log.Warn("extraction skipped: token budget exhausted", "budget", e.budget.Budget())
		return Result{}, ErrBudgetExceeded
	}

	store, err := e.open(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("extraction: open memory: %w", err)
	}

	start := time.Now()
	res, err := e.loop.Run(ctx, store, source, input)
	if e.budget != nil {
		e.budget.RecordUsage(userID, res.Usage.TotalTokens)
	}
	if err != nil {
		log.Error("extraction failed", "err", err, "tool_calls", res.ToolCalls)
		return res, err
	}
	log.Info("extraction done",
		"tool_calls", res.ToolCalls,
		"writes", res.Writes,
		"updates", res.Updates,
		"rejected", res.Rejected,
		"downgraded", res.Downgraded,
		"unsearched", res.Unsearched,
		"cap_reached", res.CapReached,
		"tokens", res.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}
