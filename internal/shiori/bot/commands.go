package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/memory"
	"github.com/bdobrica/Shiori/internal/shiori/session"
	"github.com/bdobrica/Shiori/internal/shiori/store"
)

const helpText = `Here's what I understand:
/discuss <article> - talk about an article from your digest
/end - close the current discussion
/memory - show what I remember about you
/search <words> - search my memory of you
/forget <words> - forget memories matching the words
/pause and /resume - stop or restart learning about you
/clear - forget everything about you
/start - tell me about yourself again`

const onboardingText = `Hi! I'm Shiori. I put together a daily digest and I'm happy to discuss any article in it.

To start, tell me a little about yourself in one message: what you work on, which topics you care about and how you like your summaries (short, detailed, technical...).`

const forgetLimit = 10

var (
	endButton   = channel.Button{Label: "End discussion", Data: "end"}
	clearButton = channel.Button{Label: "Yes, forget everything", Data: "clear:confirm"}
	keepButton  = channel.Button{Label: "Cancel", Data: "clear:cancel"}
)

func discussButton(topicID string) channel.Button {
	return channel.Button{Label: "Discuss again", Data: "discuss:" + topicID}
}

func (b *Bot) registerCommands() {
	b.router.Register("start", b.handleStart)
	b.router.Register("help", b.handleHelp)
	b.router.Register("discuss", b.handleDiscuss)
	b.router.Register("end", b.handleEnd)
	b.router.Register("memory", b.handleMemory)
	b.router.Register("search", b.handleSearch)
	b.router.Register("forget", b.handleForget)
	b.router.Register("pause", b.handlePause)
	b.router.Register("resume", b.handleResume)
	b.router.Register("clear", b.handleClear)
	b.router.Register("save", b.handleReaction(store.InteractionSave))
	b.router.Register("like", b.handleReaction(store.InteractionReaction))
	b.router.Register("dislike", b.handleReaction(store.InteractionReaction))
}

func (b *Bot) handleHelp(_ context.Context, _ *session.Session, _ *Command) (Reply, error) {
	return Reply{Text: helpText}, nil
}

func (b *Bot) handleStart(ctx context.Context, s *session.Session, _ *Command) (Reply, error) {
	switch s.Mode() {
	case session.ModeOnboarding:
		return Reply{Text: onboardingText}, nil
	case session.ModeDiscussion:
		return Reply{Text: "Let's finish this discussion first.", Buttons: []channel.Button{endButton}}, nil
	}
	if err := s.StartOnboarding(); err != nil {
		return Reply{}, err
	}
	return Reply{Text: onboardingText}, nil
}

// finishOnboarding stores the user's self-description as explicit
// preferences and returns them to IDLE.
func (b *Bot) finishOnboarding(ctx context.Context, s *session.Session, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{Text: onboardingText}, nil
	}
	userID := s.UserID()
	if b.memoryEnabled(ctx, userID) {
		mem, err := b.memory.Open(ctx, userID)
		if err != nil {
			return Reply{}, fmt.Errorf("open memory: %w", err)
		}
		_, err = mem.Write(ctx, memory.WriteRequest{
			Key:        memory.Slug(memory.CategoryPreference, "onboarding self description"),
			Value:      text,
			Category:   memory.CategoryPreference,
			Durability: memory.Durable,
			Source:     "explicit",
			Confidence: 1,
		})
		if err != nil {
			return Reply{}, fmt.Errorf("remember preferences: %w", err)
		}
	}
	if err := b.store.RecordInteraction(ctx, &store.Interaction{
		UserID: userID,
		Kind:   store.InteractionExplicit,
		Detail: "completed onboarding",
	}); err != nil {
		return Reply{}, err
	}
	if err := b.store.SetOnboarded(ctx, userID, true); err != nil {
		return Reply{}, err
	}
	if err := s.FinishOnboarding(); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Thanks, got it. Your next digest will take this into account.\n\n" + helpText}, nil
}

func (b *Bot) handleDiscuss(ctx context.Context, s *session.Session, cmd *Command) (Reply, error) {
	topicID := cmd.Arg()
	if topicID == "" {
		return Reply{Text: "Which article? Use /discuss <article id>."}, nil
	}
	if s.Mode() == session.ModeOnboarding {
		return Reply{Text: "Tell me a bit about yourself first, then we can discuss articles."}, nil
	}
	article, err := b.store.GetArticle(ctx, topicID)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{Text: fmt.Sprintf("I can't find article %q.", topicID)}, nil
	}
	if err != nil {
		return Reply{}, err
	}

	_, started, err := s.StartDiscussion(topicID)
	if err != nil {
		return Reply{}, err
	}
	if !started {
		return Reply{Text: fmt.Sprintf("We're already discussing %q. Go ahead.", article.Title), Buttons: []channel.Button{endButton}}, nil
	}
	return Reply{
		Text:    fmt.Sprintf("Let's talk about %q. What caught your attention?", article.Title),
		Buttons: []channel.Button{endButton},
	}, nil
}

func (b *Bot) handleEnd(_ context.Context, s *session.Session, _ *Command) (Reply, error) {
	if rec := s.End(session.EndExplicit); rec == nil {
		return Reply{Text: "There's no discussion to end."}, nil
	}
	// SessionEnded delivers the closing message.
	return Reply{}, nil
}

func (b *Bot) handleMemory(ctx context.Context, s *session.Session, _ *Command) (Reply, error) {
	mem, err := b.memory.Open(ctx, s.UserID())
	if err != nil {
		return Reply{}, err
	}
	profile, _ := mem.Snapshot()
	st := mem.Stats()

	var sb strings.Builder
	if rendered := memory.RenderProfile(profile); rendered != "" {
		sb.WriteString(rendered)
	} else {
		sb.WriteString("I haven't saved any lasting facts about you yet.")
	}
	fmt.Fprintf(&sb, "\n\n%d recent notes across %d days.", st.DailyEntries, st.DailyNotes)
	if !b.memoryEnabled(ctx, s.UserID()) {
		sb.WriteString("\nLearning is paused. Use /resume to turn it back on.")
	}
	return Reply{Text: sb.String()}, nil
}

func (b *Bot) handleSearch(ctx context.Context, s *session.Session, cmd *Command) (Reply, error) {
	query := cmd.Arg()
	if query == "" {
		return Reply{Text: "Search for what? Use /search <words>."}, nil
	}
	mem, err := b.memory.Open(ctx, s.UserID())
	if err != nil {
		return Reply{}, err
	}
	hits := mem.Search(query, 5, "")
	if len(hits) == 0 {
		return Reply{Text: "Nothing in my memory matches that."}, nil
	}
	var sb strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&sb, "- %s (%s, %s)\n", h.Entry.Value, h.Entry.Category.Title(), h.Entry.Durability)
	}
	return Reply{Text: strings.TrimRight(sb.String(), "\n")}, nil
}

func (b *Bot) handleForget(ctx context.Context, s *session.Session, cmd *Command) (Reply, error) {
	query := cmd.Arg()
	if query == "" {
		return Reply{Text: "Forget what? Use /forget <words>."}, nil
	}
	mem, err := b.memory.Open(ctx, s.UserID())
	if err != nil {
		return Reply{}, err
	}
	removed, err := mem.Forget(ctx, query, forgetLimit)
	if err != nil {
		return Reply{}, err
	}
	if len(removed) == 0 {
		return Reply{Text: "I had nothing matching that."}, nil
	}
	values := make([]string, 0, len(removed))
	for _, e := range removed {
		values = append(values, "- "+e.Value)
	}
	sort.Strings(values)
	return Reply{Text: fmt.Sprintf("Forgotten %d memories:\n%s", len(removed), strings.Join(values, "\n"))}, nil
}

func (b *Bot) handlePause(ctx context.Context, s *session.Session, _ *Command) (Reply, error) {
	if err := b.store.SetMemoryEnabled(ctx, s.UserID(), false); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Paused. I won't learn anything new or use what I know until you /resume."}, nil
}

func (b *Bot) handleResume(ctx context.Context, s *session.Session, _ *Command) (Reply, error) {
	if err := b.store.SetMemoryEnabled(ctx, s.UserID(), true); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Resumed. I'll keep learning what you like."}, nil
}

// handleClear asks for confirmation before wiping the user's memory.
func (b *Bot) handleClear(ctx context.Context, s *session.Session, cmd *Command) (Reply, error) {
	switch cmd.Arg() {
	case "confirm":
		mem, err := b.memory.Open(ctx, s.UserID())
		if err != nil {
			return Reply{}, err
		}
		if err := mem.Clear(ctx); err != nil {
			return Reply{}, err
		}
		return Reply{Text: "Done. I've forgotten everything I knew about you."}, nil
	case "cancel":
		return Reply{Text: "Okay, nothing was deleted."}, nil
	default:
		return Reply{
			Text:    "This deletes everything I remember about you. Are you sure?",
			Buttons: []channel.Button{clearButton, keepButton},
		}, nil
	}
}

// handleReaction records digest buttons ("save:<id>", "like:<id>") as
// interactions for batch extraction.
func (b *Bot) handleReaction(kind string) Handler {
	return func(ctx context.Context, s *session.Session, cmd *Command) (Reply, error) {
		topicID := cmd.Arg()
		if topicID == "" {
			return Reply{}, fmt.Errorf("%s needs an article id", cmd.Name)
		}
		if err := b.store.RecordInteraction(ctx, &store.Interaction{
			UserID:  s.UserID(),
			Kind:    kind,
			TopicID: topicID,
			Detail:  cmd.Name,
		}); err != nil {
			return Reply{}, err
		}
		if kind == store.InteractionSave {
			return Reply{Text: "Saved."}, nil
		}
		return Reply{}, nil
	}
}
