package channel

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Shiori/internal/shiori/store"
)

type sentEvent struct {
	room    id.RoomID
	content *event.MessageEventContent
}

type fakeSender struct {
	sent []sentEvent
	err  error
}

func (f *fakeSender) SendMessageEvent(_ context.Context, roomID id.RoomID, _ event.Type, contentJSON any, _ ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, sentEvent{room: roomID, content: contentJSON.(*event.MessageEventContent)})
	return &mautrix.RespSendEvent{EventID: id.EventID("$evt" + string(rune('0'+len(f.sent))))}, nil
}

func newTestMatrix(t *testing.T, allow ...string) (*Matrix, *fakeSender) {
	t.Helper()
	m, err := NewMatrix(MatrixConfig{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@shiori:example.org",
		AccessToken: "syt_secret_access_token",
		AllowFrom:   allow,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	fs := &fakeSender{}
	m.sender = fs
	return m, fs
}

func textEvent(sender, room, body string) *event.Event {
	return &event.Event{
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(room),
		ID:        id.EventID("$in"),
		Timestamp: 1760600000000,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}

func TestMatrix_InboundLearnsRoute(t *testing.T) {
	m, fs := newTestMatrix(t)
	ctx := context.Background()

	if _, err := m.Deliver(ctx, "matrix:@alice:example.org", "hi", nil); !errors.Is(err, ErrUnknownRecipient) {
		t.Fatalf("Deliver before any message = %v", err)
	}

	in, ok := m.toInbound(textEvent("@alice:example.org", "!dm:example.org", "hello"))
	if !ok || in.UserID != "matrix:@alice:example.org" || in.Text != "hello" || in.DisplayName != "alice" {
		t.Fatalf("inbound = %+v, %v", in, ok)
	}

	eventID, err := m.Deliver(ctx, in.UserID, "welcome", nil)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if eventID == "" || len(fs.sent) != 1 || fs.sent[0].room != "!dm:example.org" || fs.sent[0].content.Body != "welcome" {
		t.Errorf("sent = %+v, id = %q", fs.sent, eventID)
	}

	if _, ok := m.toInbound(textEvent("@shiori:example.org", "!dm:example.org", "echo")); ok {
		t.Error("own messages must be ignored")
	}
}

func TestMatrix_NumberedChoices(t *testing.T) {
	m, fs := newTestMatrix(t)
	ctx := context.Background()
	m.toInbound(textEvent("@alice:example.org", "!dm:example.org", "hi"))

	buttons := []Button{{Label: "Discuss", Data: "discuss:42"}, {Label: "End discussion", Data: "end"}}
	if _, err := m.Deliver(ctx, "matrix:@alice:example.org", "Pick one", buttons); err != nil {
		t.Fatal(err)
	}
	body := fs.sent[0].content.Body
	if !strings.Contains(body, "1. Discuss") || !strings.Contains(body, "2. End discussion") {
		t.Errorf("rendered body = %q", body)
	}

	if in, _ := m.toInbound(textEvent("@alice:example.org", "!dm:example.org", "7")); in.Callback != "" {
		t.Errorf("out-of-range number mapped to %q", in.Callback)
	}
	in, _ := m.toInbound(textEvent("@alice:example.org", "!dm:example.org", " 2 "))
	if in.Callback != "end" || in.Text != "" {
		t.Errorf("choice inbound = %+v", in)
	}
	// Choices are consumed once picked.
	in, _ = m.toInbound(textEvent("@alice:example.org", "!dm:example.org", "2"))
	if in.Callback != "" || in.Text != "2" {
		t.Errorf("second pick = %+v", in)
	}
}

func TestMatrix_AllowListAndRedaction(t *testing.T) {
	m, fs := newTestMatrix(t, "@alice:example.org")
	if _, ok := m.toInbound(textEvent("@mallory:example.org", "!x:example.org", "hi")); ok {
		t.Error("message from outside the allow list accepted")
	}

	m.toInbound(textEvent("@alice:example.org", "!dm:example.org", "hi"))
	fs.err = errors.New("request with syt_secret_access_token failed")
	_, err := m.Deliver(context.Background(), "matrix:@alice:example.org", "x", nil)
	if err == nil || strings.Contains(err.Error(), "syt_secret_access_token") {
		t.Errorf("error leaks access token or is nil: %v", err)
	}
}

func TestCursorStore(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	cs := newCursorStore(st.DB())
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cs.now = func() time.Time { return t0 }

	shiori := id.UserID("@shiori:example.org")
	other := id.UserID("@other-bot:example.org")

	if v, err := cs.LoadNextBatch(ctx, shiori); err != nil || v != "" {
		t.Fatalf("LoadNextBatch on empty store = %q, %v", v, err)
	}
	steps := []struct {
		user   id.UserID
		filter string
		batch  string
	}{
		{shiori, "", "s1"},
		{shiori, "f1", ""},
		{shiori, "", "s2"},
		{other, "", "o1"},
	}
	for _, s := range steps {
		if s.filter != "" {
			if err := cs.SaveFilterID(ctx, s.user, s.filter); err != nil {
				t.Fatal(err)
			}
		}
		if s.batch != "" {
			if err := cs.SaveNextBatch(ctx, s.user, s.batch); err != nil {
				t.Fatal(err)
			}
		}
	}

	want := []struct {
		user   id.UserID
		filter string
		batch  string
	}{
		{shiori, "f1", "s2"},
		{other, "", "o1"},
	}
	for _, w := range want {
		t.Run(w.user.String(), func(t *testing.T) {
			if v, _ := cs.LoadFilterID(ctx, w.user); v != w.filter {
				t.Errorf("LoadFilterID = %q, want %q", v, w.filter)
			}
			if v, _ := cs.LoadNextBatch(ctx, w.user); v != w.batch {
				t.Errorf("LoadNextBatch = %q, want %q", v, w.batch)
			}
		})
	}

	cur, err := cs.position(ctx, "matrix:@shiori:example.org")
	if err != nil || !cur.UpdatedAt.Equal(t0) {
		t.Errorf("position = %+v, %v; want updated at %v", cur, err, t0)
	}

	m := &Matrix{cfg: MatrixConfig{UserID: shiori.String()}, cursors: cs}
	if got := m.resumePoint(ctx); got != "2026-03-01T09:00:00Z" {
		t.Errorf("resumePoint = %q", got)
	}
	fresh := &Matrix{cfg: MatrixConfig{UserID: "@new:example.org"}, cursors: cs}
	if got := fresh.resumePoint(ctx); got != "start" {
		t.Errorf("resumePoint for an account that never synced = %q, want start", got)
	}
}
