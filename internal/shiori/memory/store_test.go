package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T, cfg Config) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	s, err := Open(context.Background(), "alice", NewMemBackend(), cfg, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return s, clock
}

func TestStore_ConfidenceGating(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()

	res, err := s.Write(ctx, WriteRequest{
		Key:        "preference/likes-rust",
		Value:      "Seems to like Rust",
		Category:   CategoryPreference,
		Durability: Durable,
		Source:     "post-session:42",
		Confidence: 0.5,
	})
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if !res.Downgraded {
		t.Error("expected write to be downgraded")
	}
	if res.Entry.Durability != Daily {
		t.Errorf("stored durability = %q, want daily", res.Entry.Durability)
	}
	if res.Entry.Note == "" {
		t.Error("expected a downgrade note on the entry")
	}
	if got := s.Read("", 0); len(got) != 0 {
		t.Errorf("durable read returned %d entries, want 0", len(got))
	}

	_, notes := s.Snapshot()
	if len(notes) != 1 || len(notes[0].Entries) != 1 || notes[0].Date != "2026-10-16" {
		t.Fatalf("expected one daily note for 2026-10-16, got %+v", notes)
	}

	hits := s.Search("rust", 10, "")
	if len(hits) != 1 || hits[0].Entry.Durability != Daily {
		t.Errorf("search should find the daily entry, got %+v", hits)
	}
}

func TestStore_DurableWriteAtThreshold(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	res, err := s.Write(context.Background(), WriteRequest{
		Value:      "Works as a data engineer",
		Category:   CategoryWorkContext,
		Durability: Durable,
		Confidence: 0.7,
	})
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if res.Downgraded || res.Entry.Durability != Durable {
		t.Errorf("confidence equal to threshold must stay durable, got %+v", res)
	}
	if res.Entry.Key != "work_context/works-as-a-data-engineer" {
		t.Errorf("derived key = %q", res.Entry.Key)
	}
}

func TestStore_DurableWriteReplacesByKey(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	first, err := s.Write(ctx, WriteRequest{
		Key: "preference/summary-length", Value: "Prefers short summaries",
		Category: CategoryPreference, Durability: Durable, Confidence: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	second, err := s.Write(ctx, WriteRequest{
		Key: "preference/summary-length", Value: "Prefers detailed summaries",
		Category: CategoryPreference, Durability: Durable, Confidence: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}

	entries := s.Read(CategoryPreference, 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after replace, got %d", len(entries))
	}
	if entries[0].Value != "Prefers detailed summaries" {
		t.Errorf("value = %q", entries[0].Value)
	}
	if !second.Entry.CreatedAt.Equal(first.Entry.CreatedAt) {
		t.Errorf("CreatedAt changed on replace: %v → %v", first.Entry.CreatedAt, second.Entry.CreatedAt)
	}
	if len(second.Similar) == 0 {
		t.Error("expected the existing entry to be reported as similar")
	}
	if got := s.Stats().IndexedDocs; got != 1 {
		t.Errorf("IndexedDocs = %d, want 1", got)
	}
}

func TestStore_ProfileBudgetNeverPrunesNewEntry(t *testing.T) {
	s, clock := newTestStore(t, Config{WordBudget: 20})
	ctx := context.Background()

	var last string
	for i := 0; i < 6; i++ {
		clock.Advance(time.Minute)
		last = fmt.Sprintf("work_context/fact-%d", i)
		res, err := s.Write(ctx, WriteRequest{
			Key:        last,
			Value:      fmt.Sprintf("fact number %d about the user here", i),
			Category:   CategoryWorkContext,
			Durability: Durable,
			Confidence: 0.9,
		})
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		for _, p := range res.Pruned {
			if p.Key == last {
				t.Fatalf("write %d pruned its own entry", i)
			}
		}
	}

	p, _ := s.Snapshot()
	if words := p.WordCount(); words > 20 {
		t.Errorf("profile has %d words, budget 20", words)
	}
	if _, ok := p.Find(last); !ok {
		t.Errorf("latest entry %q was pruned", last)
	}
	if _, ok := p.Find("work_context/fact-0"); ok {
		t.Error("oldest entry should have been pruned first")
	}
}

func TestStore_PruneLowestConfidenceFirst(t *testing.T) {
	s, clock := newTestStore(t, Config{WordBudget: 10})
	ctx := context.Background()

	write := func(key, value string, conf float64) {
		t.Helper()
		clock.Advance(time.Minute)
		if _, err := s.Write(ctx, WriteRequest{
			Key: key, Value: value, Category: CategoryPreference, Durability: Durable, Confidence: conf,
		}); err != nil {
			t.Fatal(err)
		}
	}
	write("preference/a", "one two three four", 0.95)
	write("preference/b", "five six seven eight", 0.75)
	write("preference/c", "nine ten eleven twelve", 0.9)

	p, _ := s.Snapshot()
	if _, ok := p.Find("preference/b"); ok {
		t.Error("lowest-confidence entry should be pruned before older, more confident ones")
	}
	if _, ok := p.Find("preference/a"); !ok {
		t.Error("high-confidence entry was pruned")
	}
}

func TestStore_UpdateMissingKeyCreates(t *testing.T) {
	tests := []struct {
		name           string
		confidence     float64
		wantDurability Durability
		wantDowngraded bool
	}{
		{"no confidence stated", 0, Daily, true},
		{"below threshold", 0.4, Daily, true},
		{"confident", 0.9, Durable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, Config{})
			res, err := s.Update(context.Background(), UpdateRequest{
				Key:        "personal_context/city",
				Value:      "Lives in Lisbon",
				Confidence: tt.confidence,
			})
			if err != nil {
				t.Fatalf("Update() error: %v", err)
			}
			if !res.Created {
				t.Error("expected Created for a missing key")
			}
			if res.Entry.Category != CategoryPersonalContext || res.Entry.Durability != tt.wantDurability {
				t.Errorf("created entry = %+v", res.Entry)
			}
			if res.Downgraded != tt.wantDowngraded {
				t.Errorf("Downgraded = %v, want %v", res.Downgraded, tt.wantDowngraded)
			}
			_, inProfile := s.profile.Find("personal_context/city")
			if inProfile != (tt.wantDurability == Durable) {
				t.Errorf("in profile = %v for durability %s", inProfile, tt.wantDurability)
			}
		})
	}
}

func TestStore_UpdateReplacesAndMovesCategory(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := s.Write(ctx, WriteRequest{
		Key: "topic/ml", Value: "Curious about machine learning",
		Category: CategoryPreference, Durability: Durable, Confidence: 0.8,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := s.Update(ctx, UpdateRequest{
		Key: "topic/ml", Value: "Builds machine learning pipelines at work",
		Category: CategoryWorkContext,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Error("update of existing key reported Created")
	}
	if len(s.Read(CategoryPreference, 0)) != 0 {
		t.Error("entry should have left the preference section")
	}
	got := s.Read(CategoryWorkContext, 0)
	if len(got) != 1 || got[0].Value != "Builds machine learning pipelines at work" || got[0].Confidence != 0.8 {
		t.Errorf("work_context = %+v", got)
	}
	if hits := s.Search("curious", 0, ""); len(hits) != 0 {
		t.Errorf("index still has the old value: %+v", hits)
	}
	if hits := s.Search("pipelines", 0, CategoryWorkContext); len(hits) != 1 {
		t.Errorf("index missing the new value: %+v", hits)
	}
}

func TestStore_DeleteRemovesFromBothTiers(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()

	if _, err := s.Write(ctx, WriteRequest{
		Key: "reading_history/go-generics", Value: "Read about Go generics",
		Category: CategoryReadingHistory, Durability: Durable, Confidence: 0.9,
	}); err != nil {
		t.Fatal(err)
	}
	clock.Advance(24 * time.Hour)
	if _, err := s.Write(ctx, WriteRequest{
		Key: "reading_history/go-generics", Value: "Asked follow-ups on Go generics",
		Category: CategoryReadingHistory, Durability: Daily, Confidence: 0.9,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Delete(ctx, "reading_history/go-generics")
	if err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if n != 2 {
		t.Errorf("Delete() removed %d, want 2", n)
	}
	if hits := s.Search("generics", 0, ""); len(hits) != 0 {
		t.Errorf("deleted entries still searchable: %+v", hits)
	}
	if st := s.Stats(); st.DurableEntries != 0 || st.DailyNotes != 0 {
		t.Errorf("stats after delete = %+v", st)
	}

	n, err = s.Delete(ctx, "nope")
	if err != nil || n != 0 {
		t.Errorf("Delete(missing) = %d, %v", n, err)
	}
}

func TestStore_Forget(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	for _, v := range []string{"Read about crypto wallets", "Dislikes crypto hype", "Enjoys chess openings"} {
		if _, err := s.Write(ctx, WriteRequest{Value: v, Category: CategoryReadingHistory, Confidence: 0.9}); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := s.Forget(ctx, "crypto", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 {
		t.Errorf("Forget removed %d, want 2", len(removed))
	}
	if st := s.Stats(); st.DailyEntries != 1 {
		t.Errorf("remaining daily entries = %d, want 1", st.DailyEntries)
	}
}

func TestStore_ExpireDaily(t *testing.T) {
	s, clock := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := s.Write(ctx, WriteRequest{Value: "Saved an article on SQLite", Category: CategoryReadingHistory}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(89 * 24 * time.Hour)
	if n, err := s.ExpireDaily(ctx); err != nil || n != 0 {
		t.Fatalf("ExpireDaily at 89 days = %d, %v", n, err)
	}

	clock.Advance(2 * 24 * time.Hour)
	n, err := s.ExpireDaily(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("ExpireDaily at 91 days = %d, want 1", n)
	}
	if hits := s.Search("sqlite", 0, ""); len(hits) != 0 {
		t.Errorf("expired entry still searchable: %+v", hits)
	}
}

func TestStore_RejectsInvalidWrites(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	tests := []struct {
		name string
		req  WriteRequest
	}{
		{"empty value", WriteRequest{Value: "  ", Category: CategoryPreference}},
		{"code block", WriteRequest{Value: "```go\nfmt.Println()\n```", Category: CategoryPreference}},
		{"unknown category", WriteRequest{Value: "hello", Category: "hobbies"}},
		{"unknown durability", WriteRequest{Value: "hello", Category: CategoryPreference, Durability: "forever"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Write(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Write() error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestStore_GetContext(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := s.Write(ctx, WriteRequest{
		Value: "Prefers short summaries about databases", Category: CategoryPreference,
		Durability: Durable, Confidence: 0.9,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, WriteRequest{
		Value: "Read about postgres indexing", Category: CategoryReadingHistory, Confidence: 0.9,
	}); err != nil {
		t.Fatal(err)
	}

	// Profile: "Preferences:\n- Prefers short summaries about databases" = 8 tokens.
	// Recent:  "2026-10-16: Read about postgres indexing" = 10 tokens.
	// Match:   "Read about postgres indexing" = 4 tokens.
	tests := []struct {
		name        string
		max         int
		wantRecent  int
		wantMatches int
		wantErr     error
	}{
		{"unbounded", 0, 1, 1, nil},
		{"everything fits", 22, 1, 1, nil},
		{"search dropped first", 18, 1, 0, nil},
		{"only profile", 8, 0, 0, nil},
		{"profile overflow", 7, 0, 0, ErrContextOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetContext("postgres", tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetContext() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !strings.Contains(got.Profile, "Prefers short summaries") {
				t.Errorf("profile missing from context: %q", got.Profile)
			}
			if len(got.Recent) != tt.wantRecent {
				t.Errorf("recent lines = %d, want %d", len(got.Recent), tt.wantRecent)
			}
			if len(got.Matches) != tt.wantMatches {
				t.Errorf("matches = %d, want %d", len(got.Matches), tt.wantMatches)
			}
		})
	}
}

func TestStore_GetContextSkipsDurableMatches(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	if _, err := s.Write(context.Background(), WriteRequest{
		Value: "Works on postgres replication", Category: CategoryWorkContext,
		Durability: Durable, Confidence: 0.9,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetContext("postgres", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Matches) != 0 {
		t.Errorf("durable entry repeated as a match: %+v", got.Matches)
	}
}

func TestStore_PersistsAndReindexesFromFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{t: time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	s, err := Open(ctx, "@bob:example.org", backend, Config{}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, WriteRequest{
		Value: "Leads a platform team", Category: CategoryWorkContext, Durability: Durable, Confidence: 0.85,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, WriteRequest{
		Value: "Discussed kubernetes autoscaling", Category: CategoryReadingHistory, Confidence: 0.6,
	}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(ctx, "@bob:example.org", backend, Config{}, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.Read(CategoryWorkContext, 0); len(got) != 1 || got[0].Value != "Leads a platform team" {
		t.Errorf("profile after reopen = %+v", got)
	}
	if hits := reopened.Search("kubernetes", 0, ""); len(hits) != 1 {
		t.Errorf("daily entry not re-indexed: %+v", hits)
	}
	if n := reopened.Reindex(); n != 2 {
		t.Errorf("Reindex() = %d, want 2", n)
	}
}

func TestStore_Clear(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	ctx := context.Background()
	if _, err := s.Write(ctx, WriteRequest{Value: "Likes jazz", Category: CategoryPersonalContext, Durability: Durable, Confidence: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if st := s.Stats(); st != (Stats{}) {
		t.Errorf("stats after clear = %+v", st)
	}
}

func TestRegistry_OneStorePerUser(t *testing.T) {
	r := NewRegistry(NewMemBackend(), Config{})
	ctx := context.Background()

	a1, err := r.Open(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := r.Open(ctx, "a")
	b, _ := r.Open(ctx, "b")
	if a1 != a2 {
		t.Error("expected the same store for the same user")
	}
	if a1 == b {
		t.Error("users must not share a store")
	}

	if _, err := a1.Write(ctx, WriteRequest{Value: "Likes tea", Category: CategoryPreference}); err != nil {
		t.Fatal(err)
	}
	if hits := b.Search("tea", 0, ""); len(hits) != 0 {
		t.Error("memory leaked across users")
	}
}

// flakyBackend fails the next save of the selected kind once.
type flakyBackend struct {
	*MemBackend
	failProfile, failDaily bool
}

var errDiskFull = errors.New("disk full")

func (b *flakyBackend) SaveProfile(ctx context.Context, userID string, p *Profile) error {
	if b.failProfile {
		b.failProfile = false
		return errDiskFull
	}
	return b.MemBackend.SaveProfile(ctx, userID, p)
}

func (b *flakyBackend) SaveDaily(ctx context.Context, userID string, n *DailyNote) error {
	if b.failDaily {
		b.failDaily = false
		return errDiskFull
	}
	return b.MemBackend.SaveDaily(ctx, userID, n)
}

func TestStore_FailedDeleteKeepsEntrySearchable(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemBackend: NewMemBackend()}
	s, err := Open(ctx, "alice", backend, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(ctx, WriteRequest{
		Key: "work_context/db", Value: "Works on distributed databases",
		Category: CategoryWorkContext, Durability: Durable, Confidence: 0.9,
	}); err != nil {
		t.Fatal(err)
	}

	backend.failProfile = true
	n, err := s.Delete(ctx, "work_context/db")
	if !errors.Is(err, errDiskFull) || n != 0 {
		t.Fatalf("Delete() = %d, %v; want 0, disk full", n, err)
	}
	if _, ok := s.profile.Find("work_context/db"); !ok {
		t.Error("entry left the in-memory profile although it is still on disk")
	}
	if hits := s.Search("distributed databases", 5, ""); len(hits) != 1 {
		t.Errorf("Search() = %d hits, want 1", len(hits))
	}

	n, err = s.Delete(ctx, "work_context/db")
	if err != nil || n != 1 {
		t.Fatalf("retry Delete() = %d, %v", n, err)
	}
	if hits := s.Search("distributed databases", 5, ""); len(hits) != 0 {
		t.Errorf("Search() after delete = %d hits, want 0", len(hits))
	}
}

func TestStore_FailedFirstDailyWriteLeavesNoNote(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemBackend: NewMemBackend(), failDaily: true}
	s, err := Open(ctx, "alice", backend, Config{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Write(ctx, WriteRequest{
		Value: "Read about Raft", Category: CategoryReadingHistory,
		Durability: Daily, Confidence: 0.6,
	})
	if !errors.Is(err, errDiskFull) {
		t.Fatalf("Write() error = %v, want disk full", err)
	}
	if st := s.Stats(); st.DailyNotes != 0 || st.DailyEntries != 0 {
		t.Errorf("Stats() = %+v, want no daily notes", st)
	}
	if _, notes := s.Snapshot(); len(notes) != 0 {
		t.Errorf("Snapshot() has %d notes, want 0", len(notes))
	}
}
