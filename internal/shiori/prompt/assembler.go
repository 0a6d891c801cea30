package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBudget is returned when the token budget cannot hold anything at all.
var ErrBudget = errors.New("prompt: token budget exhausted")

// Message is one turn of the active discussion.
type Message struct {
	Role    string
	Content string
}

// Input holds every source that may contribute to a discussion prompt.
// SearchResults must be ordered best match first.
type Input struct {
	Profile        string
	SearchResults  []string
	RecentActivity string
	Article        string
	Conversation   []Message
}

// Usage reports how many tokens each section kept after truncation.
type Usage struct {
	Profile      int
	Search       int
	Recent       int
	Article      int
	Conversation int
}

// Total is the sum of all section budgets.
func (u Usage) Total() int {
	return u.Profile + u.Search + u.Recent + u.Article + u.Conversation
}

// Assembled is the prompt payload plus the per-section accounting.
type Assembled struct {
	Text  string
	Usage Usage
}

const (
	headerProfile      = "## User profile"
	headerSearch       = "## Relevant memory"
	headerRecent       = "## Recent activity"
	headerArticle      = "## Article"
	headerConversation = "## Conversation so far"
)

// Assemble builds the payload in a fixed section order (profile, search
// results, recent activity, article, conversation tail) and keeps the total
// body size within maxTokens. Budget is handed out in preservation order:
// profile first, then search results, recent activity, article, and the
// conversation tail last, so the least essential section is the first to
// shrink. Section headers are framing and are not counted.
//
// Search results are kept or dropped whole, lowest ranked first. The article
// and recent activity keep their beginning; the conversation keeps its most
// recent messages.
func Assemble(in Input, maxTokens int) (Assembled, error) {
	if maxTokens <= 0 {
		return Assembled{}, fmt.Errorf("%w: max tokens %d", ErrBudget, maxTokens)
	}
	remaining := maxTokens
	var usage Usage

	take := func(text string) (string, int) {
		kept := Truncate(text, remaining)
		n := CountTokens(kept)
		remaining -= n
		return kept, n
	}

	profile, n := take(strings.TrimSpace(in.Profile))
	usage.Profile = n

	var results []string
	for _, r := range in.SearchResults {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		cost := CountTokens(r)
		if cost > remaining {
			break
		}
		results = append(results, r)
		remaining -= cost
		usage.Search += cost
	}

	recent, n := take(strings.TrimSpace(in.RecentActivity))
	usage.Recent = n

	article, n := take(strings.TrimSpace(in.Article))
	usage.Article = n

	convo, n := conversationTail(in.Conversation, remaining)
	usage.Conversation = n

	var b strings.Builder
	section := func(header, body string) {
		if body == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(header)
		b.WriteByte('\n')
		b.WriteString(body)
	}
	section(headerProfile, profile)
	if len(results) > 0 {
		section(headerSearch, "- "+strings.Join(results, "\n- "))
	}
	section(headerRecent, recent)
	section(headerArticle, article)
	section(headerConversation, convo)

	return Assembled{Text: b.String(), Usage: usage}, nil
}

// conversationTail renders the most recent messages that fit in budget.
// Whole messages are kept newest first; when even the newest message does
// not fit, its tail is kept.
func conversationTail(msgs []Message, budget int) (string, int) {
	if budget <= 0 || len(msgs) == 0 {
		return "", 0
	}
	var lines []string
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		line := formatMessage(msgs[i])
		cost := CountTokens(line)
		if used+cost > budget {
			if len(lines) == 0 {
				line = TruncateTail(line, budget)
				lines = append(lines, line)
				used += CountTokens(line)
			}
			break
		}
		lines = append(lines, line)
		used += cost
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n"), used
}

func formatMessage(m Message) string {
	return m.Role + ": " + strings.TrimSpace(m.Content)
}
