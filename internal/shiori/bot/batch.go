package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/Shiori/internal/shiori/extraction"
)

// BatchReport summarises one RunBatch.
type BatchReport struct {
	Users    int
	Events   int
	Writes   int
	Updates  int
	Skipped  []string // memory paused or over budget
	Failed   map[string]error
	Expired  int
	Duration time.Duration
}

// RunBatch extracts memory for every user with interactions in
// [since, until), or only for users when given, at most BatchConcurrency
// users at a time, and then expires old daily notes of the stores it
// touched. One user's failure does not stop the others; the failures are in
// the report and joined into the error.
func (b *Bot) RunBatch(ctx context.Context, since, until time.Time, users ...string) (BatchReport, error) {
	start := time.Now()
	report := BatchReport{Failed: make(map[string]error)}
	if b.extractor == nil {
		return report, errors.New("bot: batch extraction needs an extractor")
	}
	if len(users) == 0 {
		var err error
		if users, err = b.store.ActiveUsers(ctx, since, until); err != nil {
			return report, fmt.Errorf("bot: batch: %w", err)
		}
	}
	report.Users = len(users)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.BatchConcurrency)
	for _, userID := range users {
		g.Go(func() error {
			n, res, err := b.batchUser(gctx, userID, since, until)
			mu.Lock()
			defer mu.Unlock()
			report.Events += n
			switch {
			case errors.Is(err, extraction.ErrMemoryDisabled), errors.Is(err, extraction.ErrBudgetExceeded):
				report.Skipped = append(report.Skipped, userID)
			case err != nil:
				report.Failed[userID] = err
			default:
				report.Writes += res.Writes
				report.Updates += res.Updates
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Skipped)

	expired, expireErrs := b.memory.ExpireAll(ctx)
	report.Expired = expired
	for userID, err := range expireErrs {
		if _, ok := report.Failed[userID]; !ok {
			report.Failed[userID] = err
		}
	}
	report.Duration = time.Since(start)

	b.logger.Info("bot: batch extraction done",
		"users", report.Users,
		"events", report.Events,
		"writes", report.Writes,
		"updates", report.Updates,
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"expired_notes", report.Expired,
		"duration", report.Duration,
	)

	if len(report.Failed) == 0 {
		return report, nil
	}
	ids := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("%s: %w", id, report.Failed[id]))
	}
	return report, fmt.Errorf("bot: batch: %w", errors.Join(errs...))
}

func (b *Bot) batchUser(ctx context.Context, userID string, since, until time.Time) (int, extraction.Result, error) {
	interactions, err := b.store.ListInteractions(ctx, userID, since, until)
	if err != nil {
		return 0, extraction.Result{}, err
	}
	events := make([]extraction.Event, 0, len(interactions))
	for _, in := range interactions {
		events = append(events, extraction.Event{
			Kind:    in.Kind,
			TopicID: in.TopicID,
			Detail:  in.Detail,
			At:      in.OccurredAt,
		})
	}
	day := until
	if day.IsZero() {
		day = time.Now()
	}
	res, err := b.extractor.Batch(ctx, userID, events, day)
	return len(events), res, err
}
