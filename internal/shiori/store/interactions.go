package store

import (
	"context"
	"fmt"
	"time"
)

// Interaction kinds recorded by the bot.
const (
	InteractionReaction   = "reaction"
	InteractionSave       = "save"
	InteractionDiscussion = "discussion"
	InteractionExplicit   = "explicit"
)

// Interaction is one user event feeding batch extraction.
type Interaction struct {
	ID         int64
	UserID     string
	Kind       string
	TopicID    string
	Detail     string
	OccurredAt time.Time
}

// RecordInteraction appends an interaction event. A zero OccurredAt is
// set to now.
func (s *Store) RecordInteraction(ctx context.Context, in *Interaction) error {
	if in.OccurredAt.IsZero() {
		in.OccurredAt = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (user_id, kind, topic_id, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?)
	`, in.UserID, in.Kind, in.TopicID, in.Detail, in.OccurredAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		in.ID = id
	}
	return nil
}

// ListInteractions returns the user's interactions in [since, until),
// oldest first. A zero until means no upper bound.
func (s *Store) ListInteractions(ctx context.Context, userID string, since, until time.Time) ([]*Interaction, error) {
	upper := int64(1<<63 - 1)
	if !until.IsZero() {
		upper = until.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, topic_id, detail, occurred_at
		FROM interactions
		WHERE user_id = ? AND occurred_at >= ? AND occurred_at < ?
		ORDER BY occurred_at, id
	`, userID, since.UnixMilli(), upper)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	var out []*Interaction
	for rows.Next() {
		in := &Interaction{}
		var ms int64
		if err := rows.Scan(&in.ID, &in.UserID, &in.Kind, &in.TopicID, &in.Detail, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		in.OccurredAt = time.UnixMilli(ms).UTC()
		out = append(out, in)
	}
	return out, rows.Err()
}

// ActiveUsers returns the IDs of users with at least one interaction in
// [since, until), ordered by ID.
func (s *Store) ActiveUsers(ctx context.Context, since, until time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id
		FROM interactions
		WHERE occurred_at >= ? AND occurred_at < ?
		ORDER BY user_id
	`, since.UnixMilli(), until.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
