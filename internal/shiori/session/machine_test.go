package session

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

func TestMachine_InvariantHoldsAfterEveryTransition(t *testing.T) {
	m := NewMachine("alice", 30*time.Minute, 0)
	check := func(step string) {
		t.Helper()
		if err := m.CheckInvariant(); err != nil {
			t.Fatalf("after %s: %v", step, err)
		}
	}

	check("new")
	if err := m.StartOnboarding(t0); err != nil {
		t.Fatal(err)
	}
	check("start onboarding")
	if err := m.FinishOnboarding(t0); err != nil {
		t.Fatal(err)
	}
	check("finish onboarding")
	if _, _, err := m.StartDiscussion("42", t0); err != nil {
		t.Fatal(err)
	}
	check("start discussion")
	if err := m.Append("user", "hi", t0); err != nil {
		t.Fatal(err)
	}
	check("append")
	if _, _, err := m.StartDiscussion("99", t0); err != nil {
		t.Fatal(err)
	}
	check("switch topic")
	m.End(t0, EndExplicit)
	check("end")
	m.End(t0, EndExplicit)
	check("second end")
}

func TestMachine_StartSameTopicIsNoop(t *testing.T) {
	m := NewMachine("alice", 30*time.Minute, 0)
	m.StartDiscussion("42", t0)
	m.Append("user", "first", t0.Add(time.Minute))

	ended, started, err := m.StartDiscussion("42", t0.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if ended != nil || started {
		t.Errorf("same topic: ended=%v started=%v, want nil/false", ended, started)
	}
	if len(m.Buffer()) != 1 {
		t.Errorf("buffer was cleared by a no-op start")
	}
}

func TestMachine_SwitchEndsOldTopicFirst(t *testing.T) {
	m := NewMachine("alice", 30*time.Minute, 0)
	m.StartDiscussion("42", t0)
	for i := 0; i < 3; i++ {
		m.Append("user", "msg", t0.Add(time.Duration(i)*time.Minute))
	}

	ended, started, err := m.StartDiscussion("99", t0.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !started {
		t.Error("expected the new topic to start")
	}
	if ended == nil || ended.TopicID != "42" || len(ended.Messages) != 3 || ended.Reason != EndSwitch {
		t.Fatalf("ended record = %+v", ended)
	}
	if ended.ID == "" || !ended.StartedAt.Equal(t0) || !ended.EndedAt.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("record metadata = %+v", ended)
	}
	if m.TopicID() != "99" || len(m.Buffer()) != 0 {
		t.Errorf("after switch: topic=%q buffer=%d", m.TopicID(), len(m.Buffer()))
	}
}

func TestMachine_Expired(t *testing.T) {
	m := NewMachine("alice", 30*time.Minute, 0)
	m.StartDiscussion("42", t0)
	m.Append("user", "hello", t0)

	tests := []struct {
		at   time.Duration
		want bool
	}{
		{29*time.Minute + 59*time.Second, false},
		{30 * time.Minute, true},
		{30*time.Minute + time.Second, true},
	}
	for _, tt := range tests {
		if got := m.Expired(t0.Add(tt.at)); got != tt.want {
			t.Errorf("Expired(t0+%v) = %v, want %v", tt.at, got, tt.want)
		}
	}

	m.End(t0, EndExplicit)
	if m.Expired(t0.Add(time.Hour)) {
		t.Error("an IDLE session never expires")
	}
}

func TestMachine_BadTransitions(t *testing.T) {
	m := NewMachine("alice", time.Minute, 0)
	if err := m.FinishOnboarding(t0); !errors.Is(err, ErrBadTransition) {
		t.Errorf("FinishOnboarding from IDLE: %v", err)
	}
	if err := m.Append("user", "x", t0); !errors.Is(err, ErrNotInDiscussion) {
		t.Errorf("Append while IDLE: %v", err)
	}
	if _, _, err := m.StartDiscussion("", t0); !errors.Is(err, ErrBadTransition) {
		t.Errorf("StartDiscussion with empty topic: %v", err)
	}
	m.StartDiscussion("1", t0)
	if err := m.StartOnboarding(t0); !errors.Is(err, ErrBadTransition) {
		t.Errorf("StartOnboarding while discussing: %v", err)
	}
}

func TestMachine_BufferSlides(t *testing.T) {
	m := NewMachine("alice", time.Minute, 3)
	m.StartDiscussion("1", t0)
	for _, text := range []string{"a", "b", "c", "d", "e"} {
		m.Append("user", text, t0)
	}
	buf := m.Buffer()
	if len(buf) != 3 || buf[0].Text != "c" || buf[2].Text != "e" {
		t.Errorf("buffer = %+v", buf)
	}
	rec := m.End(t0, EndExplicit)
	if rec.Dropped != 2 || len(rec.Messages) != 3 {
		t.Errorf("record kept %d messages and dropped %d, want 3 and 2", len(rec.Messages), rec.Dropped)
	}

	m.StartDiscussion("2", t0)
	m.Append("user", "fresh", t0)
	if rec := m.End(t0, EndExplicit); rec.Dropped != 0 {
		t.Errorf("Dropped carried over into the next discussion: %d", rec.Dropped)
	}
}

func TestMachine_UsageOnlyDuringDiscussion(t *testing.T) {
	m := NewMachine("alice", time.Minute, 0)
	m.AddUsage(TokenUsage{Input: 10, Output: 5})
	m.StartDiscussion("1", t0)
	m.AddUsage(TokenUsage{Input: 100, Output: 20})
	m.AddUsage(TokenUsage{Input: 50, Output: 10})
	rec := m.End(t0, EndExplicit)
	if rec.Usage != (TokenUsage{Input: 150, Output: 30}) || rec.Usage.Total() != 180 {
		t.Errorf("usage = %+v", rec.Usage)
	}
}
