package bot

import (
	"context"
	"fmt"

	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/observability"
	"github.com/bdobrica/Shiori/internal/shiori/session"
	"github.com/bdobrica/Shiori/internal/shiori/store"
)

// PersistRecord implements session.Persister: the closed discussion becomes
// a conversations row and a "discussion" interaction for batch extraction.
func (b *Bot) PersistRecord(ctx context.Context, rec session.Record) error {
	name, _, err := channel.SplitUserID(rec.UserID)
	if err != nil {
		name = ""
	}
	if _, err := b.store.EnsureUser(ctx, rec.UserID, "", name); err != nil {
		return fmt.Errorf("bot: persist record: %w", err)
	}

	msgs := make([]store.ConversationMessage, 0, len(rec.Messages))
	for _, m := range rec.Messages {
		msgs = append(msgs, store.ConversationMessage{Role: m.Role, Text: m.Text, Timestamp: m.Timestamp})
	}
	if err := b.store.SaveConversation(ctx, &store.Conversation{
		ID:           rec.ID,
		UserID:       rec.UserID,
		TopicID:      rec.TopicID,
		Messages:     msgs,
		InputTokens:  rec.Usage.Input,
		OutputTokens: rec.Usage.Output,
		EndReason:    string(rec.Reason),
		StartedAt:    rec.StartedAt,
		EndedAt:      rec.EndedAt,
	}); err != nil {
		return fmt.Errorf("bot: persist record: %w", err)
	}

	if len(rec.Messages) == 0 {
		return nil
	}
	return b.store.RecordInteraction(ctx, &store.Interaction{
		UserID:     rec.UserID,
		Kind:       store.InteractionDiscussion,
		TopicID:    rec.TopicID,
		Detail:     recordDetail(rec),
		OccurredAt: rec.EndedAt,
	})
}

func recordDetail(rec session.Record) string {
	detail := fmt.Sprintf("%d messages, ended by %s", len(rec.Messages), rec.Reason)
	if rec.Dropped > 0 {
		detail += fmt.Sprintf(", %d earlier messages dropped", rec.Dropped)
	}
	return detail
}

// SessionEnded implements session.Notifier by telling the user the
// discussion was closed. Nothing is sent on shutdown.
func (b *Bot) SessionEnded(ctx context.Context, rec session.Record) {
	var text string
	switch rec.Reason {
	case session.EndShutdown:
		return
	case session.EndTimeout:
		text = fmt.Sprintf("I closed our discussion of article %s after a quiet spell.", rec.TopicID)
	case session.EndSwitch:
		text = fmt.Sprintf("Closed our discussion of article %s.", rec.TopicID)
	default:
		text = fmt.Sprintf("Discussion of article %s closed. Thanks for talking it through.", rec.TopicID)
	}
	observability.WithTrace(ctx, b.logger).Debug("bot: notifying session end",
		"topic_id", rec.TopicID,
		"reason", string(rec.Reason),
	)
	b.deliver(ctx, rec.UserID, Reply{Text: text, Buttons: []channel.Button{discussButton(rec.TopicID)}})
}

var (
	_ session.Persister = (*Bot)(nil)
	_ session.Notifier  = (*Bot)(nil)
)
