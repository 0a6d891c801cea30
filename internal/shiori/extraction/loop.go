package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bdobrica/Shiori/common/retry"
	"github.com/bdobrica/Shiori/internal/shiori/llm"
	"github.com/bdobrica/Shiori/internal/shiori/memory"
)

// DefaultMaxToolCalls bounds the tool calls of one extraction run.
const DefaultMaxToolCalls = 20

// MemoryStore is the subset of *memory.Store the loop drives.
type MemoryStore interface {
	Search(query string, limit int, category memory.Category) []memory.SearchResult
	Read(category memory.Category, limit int) []memory.Entry
	Write(ctx context.Context, req memory.WriteRequest) (memory.WriteResult, error)
	Update(ctx context.Context, req memory.UpdateRequest) (memory.UpdateResult, error)
	Delete(ctx context.Context, key string) (int, error)
}

// LoopConfig tunes a Loop.
type LoopConfig struct {
	// MaxToolCalls caps tool calls per run. Default 20.
	MaxToolCalls int
	// Model overrides the provider's default model.
	Model string
	// MaxTokens caps each completion.
	MaxTokens int
	// AllowDelete advertises and permits memory_delete.
	AllowDelete bool
	// Retry governs retries of transient completion failures.
	Retry retry.Config
}

// Loop runs the extraction tool-calling protocol against one store.
type Loop struct {
	provider llm.Provider
	cfg      LoopConfig
	logger   *slog.Logger
}

// NewLoop returns a Loop. A nil logger uses slog.Default().
func NewLoop(provider llm.Provider, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = llm.IsTransient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{provider: provider, cfg: cfg, logger: logger}
}

// Result summarises one run.
type Result struct {
	ToolCalls int
	Searches  int
	Reads     int
	Writes    int
	Updates   int
	Deletes   int
	// Rejected counts calls that failed parsing or execution.
	Rejected int
	// Downgraded counts durable writes stored as daily.
	Downgraded int
	// Unsearched counts writes with no related search earlier in the run.
	Unsearched int
	// CapReached is true when the run stopped at MaxToolCalls.
	CapReached bool
	Usage      llm.TokenUsage
	// Summary is the model's final text, if any.
	Summary string
}

// Run asks the model what to remember from input and executes its tool
// calls against store. source is recorded on every written entry.
func (l *Loop) Run(ctx context.Context, store MemoryStore, source, input string) (Result, error) {
	var res Result
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: input},
	}
	defs := ToolDefinitions(l.cfg.AllowDelete)
	var searched [][]string

	for {
		var resp *llm.CompletionResponse
		err := retry.Do(ctx, l.cfg.Retry, func() error {
			var err error
			resp, err = l.provider.Complete(ctx, llm.CompletionRequest{
				Model:     l.cfg.Model,
				Messages:  messages,
				Tools:     defs,
				MaxTokens: l.cfg.MaxTokens,
			})
			return err
		})
		if err != nil {
			return res, fmt.Errorf("extraction: completion: %w", err)
		}
		res.Usage.Add(resp.Usage)
		messages = append(messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			res.Summary = strings.TrimSpace(resp.Message.Content)
			return res, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			if res.ToolCalls >= l.cfg.MaxToolCalls {
				res.CapReached = true
				l.logger.Warn("extraction: tool call cap reached",
					"source", source,
					"cap", l.cfg.MaxToolCalls,
				)
				return res, nil
			}
			res.ToolCalls++

			content, err := l.execute(ctx, store, source, tc, &res, &searched)
			if err != nil {
				res.Rejected++
				l.logger.Warn("extraction: tool call rejected",
					"source", source,
					"tool", tc.Function.Name,
					"err", err,
				)
				content = "error: " + err.Error()
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
				Content:    content,
			})
		}
	}
}

func (l *Loop) execute(ctx context.Context, store MemoryStore, source string, tc llm.ToolCall, res *Result, searched *[][]string) (string, error) {
	call, err := ParseCall(tc.Function.Name, tc.Function.Arguments)
	if err != nil {
		return "", err
	}

	switch c := call.(type) {
	case SearchCall:
		res.Searches++
		*searched = append(*searched, memory.Tokenize(c.Query))
		limit := c.Limit
		if limit <= 0 {
			limit = 5
		}
		return encode(toSearchView(store.Search(c.Query, limit, c.Category)))

	case ReadCall:
		res.Reads++
		limit := c.Limit
		if limit <= 0 {
			limit = 20
		}
		return encode(toEntryViews(store.Read(c.Category, limit)))

	case WriteCall:
		if !relatedSearch(*searched, c.Key+" "+c.Value) {
			res.Unsearched++
			l.logger.Warn("extraction: write without a related search",
				"source", source,
				"key", c.Key,
			)
		}
		wr, err := store.Write(ctx, memory.WriteRequest{
			Key:        c.Key,
			Value:      c.Value,
			Category:   c.Category,
			Durability: c.Durability,
			Source:     source,
			Confidence: c.Confidence,
		})
		if err != nil {
			return "", err
		}
		res.Writes++
		if wr.Downgraded {
			res.Downgraded++
		}
		out := writeView{
			Key:        wr.Entry.Key,
			Durability: string(wr.Entry.Durability),
			Note:       wr.Entry.Note,
			Pruned:     len(wr.Pruned),
		}
		for _, s := range wr.Similar {
			if s.Entry.Key != wr.Entry.Key {
				out.Similar = append(out.Similar, s.Entry.Key)
			}
		}
		return encode(out)

	case UpdateCall:
		ur, err := store.Update(ctx, memory.UpdateRequest{
			Key:        c.Key,
			Value:      c.Value,
			Category:   c.Category,
			Source:     source,
			Confidence: c.Confidence,
		})
		if err != nil {
			return "", err
		}
		res.Updates++
		if ur.Downgraded {
			res.Downgraded++
		}
		return encode(map[string]any{
			"key":        ur.Entry.Key,
			"created":    ur.Created,
			"durability": string(ur.Entry.Durability),
			"note":       ur.Entry.Note,
			"pruned":     len(ur.Pruned),
		})

	case DeleteCall:
		if !l.cfg.AllowDelete {
			return "", errors.New("memory_delete is not permitted during extraction")
		}
		n, err := store.Delete(ctx, c.Key)
		if err != nil {
			return "", err
		}
		res.Deletes++
		return encode(map[string]any{"key": c.Key, "removed": n})
	}
	return "", fmt.Errorf("%w: %T", ErrUnknownTool, call)
}

// relatedSearch reports whether any earlier search shares a term with text.
func relatedSearch(searched [][]string, text string) bool {
	terms := make(map[string]bool)
	for _, t := range memory.Tokenize(text) {
		terms[t] = true
	}
	for _, q := range searched {
		for _, t := range q {
			if terms[t] {
				return true
			}
		}
	}
	return false
}

type entryView struct {
	Key        string  `json:"key"`
	Category   string  `json:"category"`
	Value      string  `json:"value"`
	Durability string  `json:"durability"`
	Confidence float64 `json:"confidence"`
	Score      float64 `json:"score,omitempty"`
}

type writeView struct {
	Key        string   `json:"key"`
	Durability string   `json:"durability"`
	Note       string   `json:"note,omitempty"`
	Similar    []string `json:"similar,omitempty"`
	Pruned     int      `json:"pruned,omitempty"`
}

func toEntryView(e memory.Entry) entryView {
	return entryView{
		Key:        e.Key,
		Category:   string(e.Category),
		Value:      e.Value,
		Durability: string(e.Durability),
		Confidence: e.Confidence,
	}
}

func toEntryViews(entries []memory.Entry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryView(e))
	}
	return out
}

func toSearchView(results []memory.SearchResult) []entryView {
	out := make([]entryView, 0, len(results))
	for _, r := range results {
		v := toEntryView(r.Entry)
		v.Score = r.Score
		out = append(out, v)
	}
	return out
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
