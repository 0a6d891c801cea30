// Package memory implements the per-user knowledge store behind Shiori's
// personalised digests and discussions.
//
// Memory is two-tiered. Durable entries live in a single profile document
// organised into four fixed category sections and bounded by a word budget.
// Daily entries live in dated, append-only notes that expire after a
// retention window. Both tiers are indexed by an in-process BM25 index that
// is rebuilt from the documents whenever they change structurally.
package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrNotFound is returned when a key does not exist in any tier.
	ErrNotFound = errors.New("memory: entry not found")

	// ErrInvalidEntry is returned for writes that fail basic validation
	// (empty value, unknown category, code blocks in the value).
	ErrInvalidEntry = errors.New("memory: invalid entry")

	// ErrContextOverflow is returned by GetContext when the durable profile
	// alone does not fit in the requested token budget.
	ErrContextOverflow = errors.New("memory: durable profile exceeds context budget")
)

// Category is one of the fixed profile sections.
type Category string

const (
	CategoryPreference      Category = "preference"
	CategoryWorkContext     Category = "work_context"
	CategoryPersonalContext Category = "personal_context"
	CategoryReadingHistory  Category = "reading_history"
)

// Categories lists the profile sections in their canonical order.
var Categories = []Category{
	CategoryPreference,
	CategoryWorkContext,
	CategoryPersonalContext,
	CategoryReadingHistory,
}

// ParseCategory validates s as a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: unknown category %q", ErrInvalidEntry, s)
}

// Title is the human-readable section heading.
func (c Category) Title() string {
	switch c {
	case CategoryPreference:
		return "Preferences"
	case CategoryWorkContext:
		return "Work context"
	case CategoryPersonalContext:
		return "Personal context"
	case CategoryReadingHistory:
		return "Reading history"
	default:
		return string(c)
	}
}

// Durability selects the tier an entry is stored in.
type Durability string

const (
	Durable Durability = "durable"
	Daily   Durability = "daily"
)

// ParseDurability validates s as a Durability. Empty input means Daily.
func ParseDurability(s string) (Durability, error) {
	switch Durability(strings.ToLower(strings.TrimSpace(s))) {
	case Durable:
		return Durable, nil
	case Daily, "":
		return Daily, nil
	default:
		return "", fmt.Errorf("%w: unknown durability %q", ErrInvalidEntry, s)
	}
}

// Entry is one remembered fact or observation.
type Entry struct {
	Key        string
	Category   Category
	Value      string
	Durability Durability
	Confidence float64
	Source     string
	// Note records why the store changed what the caller asked for, e.g. a
	// durable write demoted to daily.
	Note      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Words returns the word count of the entry's value.
func (e Entry) Words() int {
	return len(strings.Fields(e.Value))
}

// WriteRequest is the input to Store.Write.
type WriteRequest struct {
	Key        string
	Value      string
	Category   Category
	Durability Durability
	Source     string
	Confidence float64
}

// WriteResult reports what Store.Write actually did.
type WriteResult struct {
	Entry Entry
	// Downgraded is true when a durable request was stored as daily.
	Downgraded bool
	// Similar holds near-duplicates found before writing; callers that see
	// a match should prefer Update next time.
	Similar []SearchResult
	// Pruned lists durable entries removed to stay within the word budget.
	Pruned []Entry
}

// UpdateResult reports what Store.Update actually did.
type UpdateResult struct {
	Entry   Entry
	Created bool
	// Downgraded is true when a created entry fell below the durable
	// threshold and was stored as daily.
	Downgraded bool
	Pruned     []Entry
}

// SearchResult is a ranked hit from the BM25 index.
type SearchResult struct {
	DocID string
	Entry Entry
	Score float64
}

// Stats is a compact snapshot for the view-memory command and the CLI.
type Stats struct {
	DurableEntries int
	DailyEntries   int
	DailyNotes     int
	ProfileWords   int
	IndexedDocs    int
}

// Config tunes a Store. Zero fields fall back to DefaultConfig.
type Config struct {
	// DurableThreshold is the minimum confidence for a durable entry.
	DurableThreshold float64
	// WordBudget caps the durable profile's total word count.
	WordBudget int
	// Retention is how long daily notes are kept.
	Retention time.Duration
	// RecentDays is the window summarised as recent activity by GetContext.
	RecentDays int
	// RecentLimit caps the number of recent-activity lines.
	RecentLimit int
	// ContextMatches is the number of BM25 matches GetContext retrieves.
	ContextMatches int
	// K1 and B are the BM25 parameters.
	K1 float64
	B  float64
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		DurableThreshold: 0.7,
		WordBudget:       2000,
		Retention:        90 * 24 * time.Hour,
		RecentDays:       7,
		RecentLimit:      20,
		ContextMatches:   8,
		K1:               1.5,
		B:                0.75,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DurableThreshold <= 0 || c.DurableThreshold > 1 {
		c.DurableThreshold = d.DurableThreshold
	}
	if c.WordBudget <= 0 {
		c.WordBudget = d.WordBudget
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.RecentDays <= 0 {
		c.RecentDays = d.RecentDays
	}
	if c.RecentLimit <= 0 {
		c.RecentLimit = d.RecentLimit
	}
	if c.ContextMatches <= 0 {
		c.ContextMatches = d.ContextMatches
	}
	if c.K1 <= 0 {
		c.K1 = d.K1
	}
	if c.B <= 0 || c.B > 1 {
		c.B = d.B
	}
	return c
}

// Slug derives a stable key from a category and free text, e.g.
// Slug(CategoryPreference, "Prefers short summaries") == "preference/prefers-short-summaries".
func Slug(c Category, text string) string {
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words = append(words, w)
		if len(words) == 6 {
			break
		}
	}
	if len(words) == 0 {
		return string(c)
	}
	return string(c) + "/" + strings.Join(words, "-")
}
