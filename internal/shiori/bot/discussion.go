package bot

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bdobrica/Shiori/common/retry"
	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/llm"
	"github.com/bdobrica/Shiori/internal/shiori/memory"
	"github.com/bdobrica/Shiori/internal/shiori/observability"
	"github.com/bdobrica/Shiori/internal/shiori/prompt"
	"github.com/bdobrica/Shiori/internal/shiori/session"
	"github.com/bdobrica/Shiori/internal/shiori/store"
)

const discussionPrompt = `You are Shiori, a thoughtful reading companion. You are discussing one article from the reader's daily digest with them.

Use what you know about the reader to pitch your answers at the right depth and to connect the article with their work and interests, but never recite their profile back to them. Stay on the article; if the reader drifts, answer briefly and steer back. Keep replies under 200 words unless asked for more.`

const idlePrompt = `You are Shiori, the assistant behind a personalised daily news digest. The reader is not discussing any article right now. Answer briefly and, where it helps, point them to /discuss <article> or /help. Do not claim to remember anything about them.`

// discussionReply answers a message inside an open discussion: memory
// context and the article go through the context assembler, the result to
// the completion service, and both turns into the session buffer.
func (b *Bot) discussionReply(ctx context.Context, s *session.Session, text string) (Reply, error) {
	log := observability.WithTrace(ctx, b.logger).With("topic_id", s.TopicID())
	userID := s.UserID()
	if b.budget != nil && !b.budget.Allow(userID) {
		log.Warn("bot: token budget exhausted", "budget", b.budget.Budget())
		return Reply{Text: budgetText}, nil
	}
	if err := s.Append("user", text); err != nil {
		return Reply{}, err
	}

	article, err := b.store.GetArticleText(ctx, s.TopicID())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Reply{}, err
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("bot: discussed article is gone from the store")
	}
	mc := b.memoryContext(ctx, userID, topicHint(article, text))

	assembled, err := prompt.Assemble(prompt.Input{
		Profile:        mc.Profile,
		SearchResults:  mc.MatchLines(),
		RecentActivity: mc.RecentText(),
		Article:        article,
		Conversation:   toPromptMessages(s.Buffer()),
	}, b.cfg.PromptTokens)
	if err != nil {
		return Reply{}, err
	}
	log.Debug("bot: prompt assembled",
		"profile_tokens", assembled.Usage.Profile,
		"search_tokens", assembled.Usage.Search,
		"recent_tokens", assembled.Usage.Recent,
		"article_tokens", assembled.Usage.Article,
		"conversation_tokens", assembled.Usage.Conversation,
	)

	resp, err := b.complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: discussionPrompt},
		{Role: llm.RoleUser, Content: assembled.Text},
	})
	if err != nil {
		logCompletionFailure(log, err)
		return Reply{Text: tryAgainText, Buttons: []channel.Button{endButton}}, nil
	}
	b.recordUsage(s, resp.Usage)

	answer := strings.TrimSpace(resp.Message.Content)
	if answer == "" {
		log.Warn("bot: completion returned no text", "finish_reason", resp.FinishReason)
		return Reply{Text: tryAgainText, Buttons: []channel.Button{endButton}}, nil
	}
	if err := s.Append("assistant", answer); err != nil {
		return Reply{}, err
	}
	return Reply{Text: answer, Buttons: []channel.Button{endButton}}, nil
}

// idleReply answers outside any discussion. It never reads or writes
// memory.
func (b *Bot) idleReply(ctx context.Context, s *session.Session, text string) (Reply, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, nil
	}
	if b.provider == nil {
		return Reply{Text: helpText}, nil
	}
	log := observability.WithTrace(ctx, b.logger)
	if b.budget != nil && !b.budget.Allow(s.UserID()) {
		return Reply{Text: budgetText}, nil
	}
	resp, err := b.complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: idlePrompt},
		{Role: llm.RoleUser, Content: prompt.Truncate(text, b.cfg.PromptTokens)},
	})
	if err != nil {
		logCompletionFailure(log, err)
		return Reply{Text: tryAgainText}, nil
	}
	if b.budget != nil {
		b.budget.RecordUsage(s.UserID(), resp.Usage.TotalTokens)
	}
	return Reply{Text: strings.TrimSpace(resp.Message.Content)}, nil
}

// memoryContext pulls the user's memory for one reply. A paused user gets
// nothing. When the profile alone overflows the memory budget, the whole
// profile is handed on and the assembler cuts it down with everything else.
func (b *Bot) memoryContext(ctx context.Context, userID, hint string) memory.Context {
	log := observability.WithTrace(ctx, b.logger)
	if !b.memoryEnabled(ctx, userID) {
		return memory.Context{}
	}
	mem, err := b.memory.Open(ctx, userID)
	if err != nil {
		log.Warn("bot: memory unavailable, replying without it", "err", err)
		return memory.Context{}
	}
	mc, err := mem.GetContext(hint, b.cfg.MemoryTokens)
	if errors.Is(err, memory.ErrContextOverflow) {
		log.Warn("bot: profile exceeds memory budget", "budget", b.cfg.MemoryTokens)
		profile, _ := mem.Snapshot()
		return memory.Context{Profile: memory.RenderProfile(profile)}
	}
	if err != nil {
		log.Warn("bot: memory context failed", "err", err)
		return memory.Context{}
	}
	return mc
}

func (b *Bot) recordUsage(s *session.Session, u llm.TokenUsage) {
	s.AddUsage(session.TokenUsage{Input: u.PromptTokens, Output: u.CompletionTokens})
	if b.budget != nil {
		total := u.TotalTokens
		if total == 0 {
			total = u.PromptTokens + u.CompletionTokens
		}
		b.budget.RecordUsage(s.UserID(), total)
	}
}

// topicHint is the article title plus the user's latest message.
func topicHint(article, text string) string {
	title, _, _ := strings.Cut(article, "\n")
	return strings.TrimSpace(title + " " + text)
}

func toPromptMessages(buf []session.Message) []prompt.Message {
	out := make([]prompt.Message, 0, len(buf))
	for _, m := range buf {
		out = append(out, prompt.Message{Role: m.Role, Content: m.Text})
	}
	return out
}

func logCompletionFailure(log *slog.Logger, err error) {
	if errors.Is(err, retry.ErrExhausted) {
		log.Error("bot: completion retries exhausted", "err", err)
		return
	}
	log.Error("bot: completion failed", "err", err)
}
