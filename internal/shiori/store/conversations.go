package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ConversationMessage is one persisted discussion turn.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// Conversation is a closed discussion.
type Conversation struct {
	ID           string
	UserID       string
	TopicID      string
	Messages     []ConversationMessage
	InputTokens  int
	OutputTokens int
	EndReason    string
	StartedAt    time.Time
	EndedAt      time.Time
}

// SaveConversation appends a closed discussion. Saving the same ID twice is
// a no-op.
func (s *Store) SaveConversation(ctx context.Context, c *Conversation) error {
	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, topic_id, messages, input_tokens, output_tokens, end_reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, c.ID, c.UserID, c.TopicID, string(msgs), c.InputTokens, c.OutputTokens, c.EndReason,
		c.StartedAt.UTC(), c.EndedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// ListConversations returns up to limit conversations of userID, newest
// first. A non-positive limit returns all of them.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, topic_id, messages, input_tokens, output_tokens, end_reason, started_at, ended_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY ended_at DESC, id
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		var msgs string
		if err := rows.Scan(&c.ID, &c.UserID, &c.TopicID, &msgs, &c.InputTokens, &c.OutputTokens,
			&c.EndReason, &c.StartedAt, &c.EndedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
			return nil, fmt.Errorf("failed to decode messages of %s: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
