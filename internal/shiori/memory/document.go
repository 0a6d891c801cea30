package memory

import (
	"sort"
	"time"
)

// Profile is the durable memory document: one section per Category, each an
// ordered list of entries identified by key. Keys are unique across the
// whole profile.
type Profile struct {
	sections map[Category][]Entry
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{sections: make(map[Category][]Entry, len(Categories))}
}

// Find returns the entry stored under key.
func (p *Profile) Find(key string) (Entry, bool) {
	for _, c := range Categories {
		for _, e := range p.sections[c] {
			if e.Key == key {
				return e, true
			}
		}
	}
	return Entry{}, false
}

// Upsert replaces the entry with e.Key in place, or appends e to its
// section. When the category changes, the entry moves to the end of the new
// section. The original CreatedAt is kept on replacement. Returns true when
// an existing entry was replaced.
func (p *Profile) Upsert(e Entry) bool {
	e.Durability = Durable
	for _, c := range Categories {
		sec := p.sections[c]
		for i, old := range sec {
			if old.Key != e.Key {
				continue
			}
			if !old.CreatedAt.IsZero() {
				e.CreatedAt = old.CreatedAt
			}
			if c == e.Category {
				sec[i] = e
				return true
			}
			p.sections[c] = append(sec[:i:i], sec[i+1:]...)
			p.sections[e.Category] = append(p.sections[e.Category], e)
			return true
		}
	}
	p.sections[e.Category] = append(p.sections[e.Category], e)
	return false
}

// Remove deletes the entry stored under key.
func (p *Profile) Remove(key string) bool {
	for _, c := range Categories {
		sec := p.sections[c]
		for i, e := range sec {
			if e.Key == key {
				p.sections[c] = append(sec[:i:i], sec[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Section returns a copy of one section's entries in document order.
func (p *Profile) Section(c Category) []Entry {
	return append([]Entry(nil), p.sections[c]...)
}

// Entries returns a copy of all entries in section order.
func (p *Profile) Entries() []Entry {
	var out []Entry
	for _, c := range Categories {
		out = append(out, p.sections[c]...)
	}
	return out
}

// Len returns the number of entries.
func (p *Profile) Len() int {
	n := 0
	for _, c := range Categories {
		n += len(p.sections[c])
	}
	return n
}

// WordCount is the total number of words across all entry values.
func (p *Profile) WordCount() int {
	n := 0
	for _, c := range Categories {
		for _, e := range p.sections[c] {
			n += e.Words()
		}
	}
	return n
}

// Prune removes entries until WordCount is within budget, lowest confidence
// first, then oldest UpdatedAt, then key. Entries whose key is in protect are
// never removed, so pruning can stop above budget when only protected
// entries remain.
func (p *Profile) Prune(budget int, protect map[string]bool) []Entry {
	total := p.WordCount()
	if total <= budget {
		return nil
	}
	candidates := make([]Entry, 0, p.Len())
	for _, e := range p.Entries() {
		if !protect[e.Key] {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence < b.Confidence
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.Key < b.Key
	})

	var pruned []Entry
	for _, e := range candidates {
		if total <= budget {
			break
		}
		p.Remove(e.Key)
		total -= e.Words()
		pruned = append(pruned, e)
	}
	return pruned
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	cp := NewProfile()
	for c, sec := range p.sections {
		cp.sections[c] = append([]Entry(nil), sec...)
	}
	return cp
}

// DailyNote is the append-only bucket of daily entries for one date.
type DailyNote struct {
	Date    string // YYYY-MM-DD
	Entries []Entry
}

// DateLayout is the layout of DailyNote.Date.
const DateLayout = time.DateOnly

// Day parses the note's date. Malformed dates parse as the zero time, which
// makes them expire immediately.
func (n *DailyNote) Day() time.Time {
	t, err := time.Parse(DateLayout, n.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

// RemoveKey drops every entry with key and returns how many were removed.
func (n *DailyNote) RemoveKey(key string) int {
	kept := n.Entries[:0]
	removed := 0
	for _, e := range n.Entries {
		if e.Key == key {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	n.Entries = kept
	return removed
}

// Clone returns a deep copy.
func (n *DailyNote) Clone() *DailyNote {
	return &DailyNote{Date: n.Date, Entries: append([]Entry(nil), n.Entries...)}
}
