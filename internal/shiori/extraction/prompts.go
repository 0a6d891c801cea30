package extraction

import (
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Shiori/internal/shiori/session"
)

const systemPrompt = `You maintain a private memory about one reader of a personalised news digest.

You receive either a finished discussion about one article or a list of the reader's recent interactions. Decide what, if anything, is worth remembering.

Rules:
- Always call memory_search for a subject before writing about it. If a matching memory exists, call memory_update with its key instead of writing a new one.
- Use durability "durable" only for stable facts (role, long-term interests, style preferences) and only with confidence >= 0.7. Anything passing or uncertain is "daily".
- Values are one short sentence in plain language. Never store code, credentials or quotes longer than a sentence.
- Categories: preference, work_context, personal_context, reading_history.
- Do not remember anything the reader asked to forget.
- When you are done, reply with one sentence summarising what you stored, without calling any tool.`

// PostSessionSource is the provenance tag of a post-session run.
func PostSessionSource(topicID string) string {
	return "post-session:" + topicID
}

// BatchSource is the provenance tag of a batch run for day.
func BatchSource(day time.Time) string {
	return "batch-extraction:" + day.UTC().Format("2006-01-02")
}

// PostSessionInput renders a closed discussion for the model.
func PostSessionInput(rec session.Record, articleTitle string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Discussion about article %s", rec.TopicID)
	if articleTitle != "" {
		fmt.Fprintf(&b, " (%q)", articleTitle)
	}
	fmt.Fprintf(&b, ", %s to %s, ended by %s.\n\n",
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.EndedAt.UTC().Format(time.RFC3339),
		rec.Reason,
	)
	if rec.Dropped > 0 {
		fmt.Fprintf(&b, "(%d earlier messages were dropped; the transcript starts mid-discussion.)\n\n", rec.Dropped)
	}
	for _, m := range rec.Messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}
	return b.String()
}

// Event is one recent interaction fed to batch extraction.
type Event struct {
	Kind    string // "reaction", "save", "discussion", ...
	TopicID string
	Detail  string
	At      time.Time
}

// BatchInput renders a window of interaction events for the model.
func BatchInput(events []Event, day time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Interactions up to %s:\n\n", day.UTC().Format("2006-01-02"))
	for _, e := range events {
		fmt.Fprintf(&b, "- %s %s", e.At.UTC().Format("2006-01-02 15:04"), e.Kind)
		if e.TopicID != "" {
			fmt.Fprintf(&b, " on %s", e.TopicID)
		}
		if e.Detail != "" {
			fmt.Fprintf(&b, ": %s", e.Detail)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
