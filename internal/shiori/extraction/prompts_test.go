package extraction

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Shiori/internal/shiori/session"
)

func TestPostSessionInput(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	base := session.Record{
		TopicID:   "42",
		Messages:  []session.Message{{Role: "user", Text: "why raft?"}},
		Reason:    session.EndExplicit,
		StartedAt: t0,
		EndedAt:   t0.Add(time.Minute),
	}
	overflowed := base
	overflowed.Dropped = 3

	cases := []struct {
		name     string
		rec      session.Record
		wantNote bool
	}{
		{"complete transcript", base, false},
		{"truncated transcript", overflowed, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := PostSessionInput(c.rec, "Consensus")
			if !strings.Contains(got, "user: why raft?") || !strings.Contains(got, `"Consensus"`) {
				t.Errorf("input missing transcript or title:\n%s", got)
			}
			if note := strings.Contains(got, "3 earlier messages were dropped"); note != c.wantNote {
				t.Errorf("dropped note present = %v, want %v:\n%s", note, c.wantNote, got)
			}
		})
	}
}
