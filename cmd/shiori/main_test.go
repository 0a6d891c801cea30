package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Shiori/internal/shiori/memory"
	"github.com/bdobrica/Shiori/internal/shiori/store"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// seed writes two memories for alice and registers her in the database.
func seed(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SHIORI_DATA_DIR", filepath.Join(dir, "memory"))
	t.Setenv("SHIORI_DB_PATH", filepath.Join(dir, "shiori.db"))
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	backend, err := memory.NewFileBackend(filepath.Join(dir, "memory"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := memory.Open(ctx, "telegram:1001", backend, memory.Config{})
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range []memory.WriteRequest{
		{Value: "Works on distributed databases", Category: memory.CategoryWorkContext, Durability: memory.Durable, Source: "explicit", Confidence: 1},
		{Value: "Read about Raft leader election", Category: memory.CategoryReadingHistory, Durability: memory.Daily, Source: "post-session:7", Confidence: 0.6},
	} {
		if _, err := s.Write(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	st, err := store.New(filepath.Join(dir, "shiori.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, err := st.EnsureUser(ctx, "telegram:1001", "Alice", "telegram"); err != nil {
		t.Fatal(err)
	}
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil || !strings.HasPrefix(out, "shiori ") {
		t.Errorf("version = %q, %v", out, err)
	}
}

func TestConfig_RedactsSecrets(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-very-secret-key")
	out, err := run(t, "config")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "sk-very-secret-key") || !strings.Contains(out, "[REDACTED]") {
		t.Errorf("config output = %s", out)
	}
}

func TestMemoryView(t *testing.T) {
	seed(t)
	out, err := run(t, "memory", "view", "telegram:1001")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Works on distributed databases", "Read about Raft leader election"} {
		if !strings.Contains(out, want) {
			t.Errorf("view misses %q:\n%s", want, out)
		}
	}
}

func TestMemorySearchAndForget(t *testing.T) {
	seed(t)
	out, err := run(t, "memory", "search", "telegram:1001", "raft", "election")
	if err != nil || !strings.Contains(out, "Raft leader election") {
		t.Fatalf("search = %q, %v", out, err)
	}

	out, err = run(t, "memory", "forget", "telegram:1001", "raft")
	if err != nil || !strings.Contains(out, "1 entries removed") {
		t.Fatalf("forget = %q, %v", out, err)
	}

	out, err = run(t, "memory", "search", "telegram:1001", "raft")
	if err != nil || !strings.Contains(out, "no matches") {
		t.Errorf("search after forget = %q, %v", out, err)
	}
}

func TestMemoryReindex_AllKnownUsers(t *testing.T) {
	seed(t)
	out, err := run(t, "memory", "reindex")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "telegram:1001: 2 documents (1 durable, 1 daily in 1 notes") {
		t.Errorf("reindex = %q", out)
	}
}

func TestMemoryCommands_ValidateArgs(t *testing.T) {
	if _, err := run(t, "memory", "search", "telegram:1001"); err == nil {
		t.Error("search without a query should fail")
	}
	if _, err := run(t, "extract"); err == nil {
		t.Error("extract without an API key should fail")
	}
}
