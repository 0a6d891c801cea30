package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/Shiori/internal/shiori/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "shiori-test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Migrations ---

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiori.db")
	for i := 0; i < 2; i++ {
		s, err := store.New(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		var n int
		if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 2 {
			t.Errorf("open #%d: schema_migrations rows = %d, want 2", i+1, n)
		}
		s.Close()
	}
}

// --- Users ---

func TestEnsureUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.EnsureUser(ctx, "tg:1001", "Alice", "telegram")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if !u.MemoryEnabled || u.Onboarded {
		t.Errorf("new user flags: memory=%v onboarded=%v", u.MemoryEnabled, u.Onboarded)
	}
	if u.DisplayName != "Alice" || u.Channel != "telegram" {
		t.Errorf("new user = %+v", u)
	}

	again, err := s.EnsureUser(ctx, "tg:1001", "Someone Else", "matrix")
	if err != nil {
		t.Fatalf("EnsureUser again: %v", err)
	}
	if again.DisplayName != "Alice" {
		t.Errorf("EnsureUser overwrote display name: %q", again.DisplayName)
	}
}

func TestUserFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if enabled, err := s.MemoryEnabled(ctx, "nobody"); err != nil || enabled {
		t.Errorf("MemoryEnabled(unknown) = %v, %v; want false, nil", enabled, err)
	}
	if _, err := s.EnsureUser(ctx, "alice", "", "telegram"); err != nil {
		t.Fatal(err)
	}

	if err := s.SetMemoryEnabled(ctx, "alice", false); err != nil {
		t.Fatalf("SetMemoryEnabled: %v", err)
	}
	if enabled, _ := s.MemoryEnabled(ctx, "alice"); enabled {
		t.Error("memory still enabled after pause")
	}
	if err := s.SetOnboarded(ctx, "alice", true); err != nil {
		t.Fatalf("SetOnboarded: %v", err)
	}
	u, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.MemoryEnabled || !u.Onboarded {
		t.Errorf("flags = memory:%v onboarded:%v", u.MemoryEnabled, u.Onboarded)
	}

	if err := s.SetMemoryEnabled(ctx, "nobody", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SetMemoryEnabled(unknown) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetUser(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetUser(unknown) = %v, want ErrNotFound", err)
	}

	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 1 || users[0].ID != "alice" {
		t.Errorf("ListUsers = %v, %v", users, err)
	}
}

// --- Articles ---

func TestArticles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetArticleText(ctx, "42"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetArticleText(missing) = %v, want ErrNotFound", err)
	}

	a := &store.Article{ID: "42", Title: "SQLite at scale", Body: "It scales further than you think."}
	if err := s.PutArticle(ctx, a); err != nil {
		t.Fatalf("PutArticle: %v", err)
	}
	text, err := s.GetArticleText(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if text != "SQLite at scale\n\nIt scales further than you think." {
		t.Errorf("text = %q", text)
	}

	a.Body = "Revised body."
	if err := s.PutArticle(ctx, a); err != nil {
		t.Fatalf("PutArticle replace: %v", err)
	}
	got, err := s.GetArticle(ctx, "42")
	if err != nil || got.Body != "Revised body." {
		t.Errorf("after replace = %+v, %v", got, err)
	}
}

// --- Conversations ---

func TestSaveAndListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.EnsureUser(ctx, "alice", "", "telegram"); err != nil {
		t.Fatal(err)
	}

	t0 := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	first := &store.Conversation{
		ID:      "c1",
		UserID:  "alice",
		TopicID: "42",
		Messages: []store.ConversationMessage{
			{Role: "user", Text: "What do you think?", Timestamp: t0},
			{Role: "assistant", Text: "It is a good read.", Timestamp: t0.Add(time.Minute)},
		},
		InputTokens:  120,
		OutputTokens: 30,
		EndReason:    "switch",
		StartedAt:    t0,
		EndedAt:      t0.Add(2 * time.Minute),
	}
	second := &store.Conversation{
		ID: "c2", UserID: "alice", TopicID: "99", EndReason: "timeout",
		StartedAt: t0.Add(time.Hour), EndedAt: t0.Add(2 * time.Hour),
	}
	for _, c := range []*store.Conversation{first, second, first} {
		if err := s.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation(%s): %v", c.ID, err)
		}
	}

	got, err := s.ListConversations(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("conversations = %+v", got)
	}
	c1 := got[1]
	if len(c1.Messages) != 2 || c1.Messages[1].Text != "It is a good read." || c1.InputTokens != 120 {
		t.Errorf("c1 = %+v", c1)
	}
	if !c1.EndedAt.Equal(first.EndedAt) {
		t.Errorf("EndedAt = %v, want %v", c1.EndedAt, first.EndedAt)
	}

	if limited, _ := s.ListConversations(ctx, "alice", 1); len(limited) != 1 {
		t.Errorf("limit 1 returned %d", len(limited))
	}
}

func TestSaveConversation_UnknownUserFails(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveConversation(context.Background(), &store.Conversation{
		ID: "c1", UserID: "ghost", TopicID: "1", EndReason: "explicit",
		StartedAt: time.Now(), EndedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected a foreign key violation")
	}
}

// --- Interactions ---

func TestInteractionsWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		if _, err := s.EnsureUser(ctx, id, "", "telegram"); err != nil {
			t.Fatal(err)
		}
	}

	day := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	events := []*store.Interaction{
		{UserID: "alice", Kind: store.InteractionSave, TopicID: "1", OccurredAt: day.Add(-time.Hour)},
		{UserID: "alice", Kind: store.InteractionReaction, TopicID: "2", Detail: "👍", OccurredAt: day.Add(10 * time.Hour)},
		{UserID: "alice", Kind: store.InteractionDiscussion, TopicID: "3", OccurredAt: day.Add(2 * time.Hour)},
		{UserID: "bob", Kind: store.InteractionSave, TopicID: "4", OccurredAt: day.Add(25 * time.Hour)},
	}
	for _, e := range events {
		if err := s.RecordInteraction(ctx, e); err != nil {
			t.Fatalf("RecordInteraction: %v", err)
		}
		if e.ID == 0 {
			t.Error("RecordInteraction did not set ID")
		}
	}

	got, err := s.ListInteractions(ctx, "alice", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].TopicID != "3" || got[1].TopicID != "2" || got[1].Detail != "👍" {
		t.Errorf("window = %+v", got)
	}
	if !got[0].OccurredAt.Equal(day.Add(2 * time.Hour)) {
		t.Errorf("OccurredAt = %v", got[0].OccurredAt)
	}

	all, _ := s.ListInteractions(ctx, "alice", time.Time{}, time.Time{})
	if len(all) != 3 {
		t.Errorf("unbounded window = %d events, want 3", len(all))
	}

	active, err := s.ActiveUsers(ctx, day, day.Add(24*time.Hour))
	if err != nil || len(active) != 1 || active[0] != "alice" {
		t.Errorf("ActiveUsers = %v, %v", active, err)
	}
}
