package memory

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// The persisted layout is plain YAML so that operators can read and edit a
// user's memory by hand. The profile keeps one list per category in the
// canonical section order; each daily note is a flat list of entries.

const formatVersion = 1

type entryYAML struct {
	Key        string    `yaml:"key"`
	Category   string    `yaml:"category,omitempty"`
	Value      string    `yaml:"value"`
	Confidence float64   `yaml:"confidence"`
	Source     string    `yaml:"source,omitempty"`
	Note       string    `yaml:"note,omitempty"`
	CreatedAt  time.Time `yaml:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at"`
}

type profileYAML struct {
	Version         int         `yaml:"version"`
	User            string      `yaml:"user"`
	Preference      []entryYAML `yaml:"preference"`
	WorkContext     []entryYAML `yaml:"work_context"`
	PersonalContext []entryYAML `yaml:"personal_context"`
	ReadingHistory  []entryYAML `yaml:"reading_history"`
}

func (p *profileYAML) section(c Category) *[]entryYAML {
	switch c {
	case CategoryPreference:
		return &p.Preference
	case CategoryWorkContext:
		return &p.WorkContext
	case CategoryPersonalContext:
		return &p.PersonalContext
	default:
		return &p.ReadingHistory
	}
}

type dailyYAML struct {
	Version int         `yaml:"version"`
	User    string      `yaml:"user"`
	Date    string      `yaml:"date"`
	Entries []entryYAML `yaml:"entries"`
}

func toYAML(e Entry, withCategory bool) entryYAML {
	y := entryYAML{
		Key:        e.Key,
		Value:      e.Value,
		Confidence: e.Confidence,
		Source:     e.Source,
		Note:       e.Note,
		CreatedAt:  e.CreatedAt.UTC(),
		UpdatedAt:  e.UpdatedAt.UTC(),
	}
	if withCategory {
		y.Category = string(e.Category)
	}
	return y
}

func fromYAML(y entryYAML, c Category, d Durability) Entry {
	return Entry{
		Key:        y.Key,
		Category:   c,
		Value:      y.Value,
		Durability: d,
		Confidence: y.Confidence,
		Source:     y.Source,
		Note:       y.Note,
		CreatedAt:  y.CreatedAt,
		UpdatedAt:  y.UpdatedAt,
	}
}

// MarshalProfile renders p in the persisted layout.
func MarshalProfile(userID string, p *Profile) ([]byte, error) {
	doc := profileYAML{Version: formatVersion, User: userID}
	for _, c := range Categories {
		sec := doc.section(c)
		*sec = []entryYAML{}
		for _, e := range p.sections[c] {
			*sec = append(*sec, toYAML(e, false))
		}
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal profile: %w", err)
	}
	return out, nil
}

// UnmarshalProfile parses the persisted layout. Entries without a key get
// one derived from their value; duplicate keys keep the first occurrence.
func UnmarshalProfile(data []byte) (*Profile, error) {
	var doc profileYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("memory: parse profile: %w", err)
	}
	p := NewProfile()
	seen := make(map[string]bool)
	for _, c := range Categories {
		for _, y := range *doc.section(c) {
			e := fromYAML(y, c, Durable)
			if e.Key == "" {
				e.Key = Slug(c, e.Value)
			}
			if seen[e.Key] || e.Value == "" {
				continue
			}
			seen[e.Key] = true
			p.sections[c] = append(p.sections[c], e)
		}
	}
	return p, nil
}

// MarshalDaily renders a daily note in the persisted layout.
func MarshalDaily(userID string, n *DailyNote) ([]byte, error) {
	doc := dailyYAML{Version: formatVersion, User: userID, Date: n.Date, Entries: []entryYAML{}}
	for _, e := range n.Entries {
		doc.Entries = append(doc.Entries, toYAML(e, true))
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("memory: marshal daily note %s: %w", n.Date, err)
	}
	return out, nil
}

// UnmarshalDaily parses a daily note. Entries with an unknown category are
// filed under reading history rather than dropped.
func UnmarshalDaily(data []byte) (*DailyNote, error) {
	var doc dailyYAML
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("memory: parse daily note: %w", err)
	}
	if _, err := time.Parse(DateLayout, doc.Date); err != nil {
		return nil, fmt.Errorf("memory: daily note has bad date %q: %w", doc.Date, err)
	}
	n := &DailyNote{Date: doc.Date}
	for _, y := range doc.Entries {
		c, err := ParseCategory(y.Category)
		if err != nil {
			c = CategoryReadingHistory
		}
		e := fromYAML(y, c, Daily)
		if e.Value == "" {
			continue
		}
		if e.Key == "" {
			e.Key = Slug(c, e.Value)
		}
		n.Entries = append(n.Entries, e)
	}
	return n, nil
}
