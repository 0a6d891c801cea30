package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxMessages caps the discussion buffer; older messages slide out.
const DefaultMaxMessages = 200

// Machine is one user's session state. It is not safe for concurrent use:
// the Manager's actor is its only caller. All time-dependent methods take
// now explicitly.
type Machine struct {
	userID      string
	timeout     time.Duration
	maxMessages int

	mode         Mode
	topic        string
	buffer       []Message
	dropped      int
	usage        TokenUsage
	startedAt    time.Time
	lastActivity time.Time
}

// NewMachine returns an IDLE machine for userID.
func NewMachine(userID string, timeout time.Duration, maxMessages int) *Machine {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &Machine{
		userID:      userID,
		timeout:     timeout,
		maxMessages: maxMessages,
		mode:        ModeIdle,
	}
}

func (m *Machine) Mode() Mode      { return m.mode }
func (m *Machine) TopicID() string { return m.topic }

// Buffer returns a copy of the discussion buffer, oldest first.
func (m *Machine) Buffer() []Message {
	return append([]Message(nil), m.buffer...)
}

// State returns a snapshot.
func (m *Machine) State() State {
	return State{
		UserID:       m.userID,
		Mode:         m.mode,
		TopicID:      m.topic,
		Messages:     len(m.buffer),
		Usage:        m.usage,
		LastActivity: m.lastActivity,
	}
}

// CheckInvariant verifies that a topic is set exactly when discussing.
func (m *Machine) CheckInvariant() error {
	if (m.mode == ModeDiscussion) != (m.topic != "") {
		return fmt.Errorf("%w: mode=%s topic=%q", ErrInvariant, m.mode, m.topic)
	}
	return nil
}

// StartOnboarding moves an IDLE user into ONBOARDING.
func (m *Machine) StartOnboarding(now time.Time) error {
	if m.mode != ModeIdle {
		return fmt.Errorf("%w: start onboarding from %s", ErrBadTransition, m.mode)
	}
	m.mode = ModeOnboarding
	m.lastActivity = now
	return nil
}

// FinishOnboarding returns an onboarding user to IDLE.
func (m *Machine) FinishOnboarding(now time.Time) error {
	if m.mode != ModeOnboarding {
		return fmt.Errorf("%w: finish onboarding from %s", ErrBadTransition, m.mode)
	}
	m.mode = ModeIdle
	m.lastActivity = now
	return nil
}

// StartDiscussion opens a discussion on topicID. Starting the topic already
// under discussion is a no-op and returns started=false. Starting a different
// topic first ends the current discussion and returns its Record. Starting
// from ONBOARDING abandons the onboarding.
func (m *Machine) StartDiscussion(topicID string, now time.Time) (ended *Record, started bool, err error) {
	if topicID == "" {
		return nil, false, fmt.Errorf("%w: empty topic id", ErrBadTransition)
	}
	if m.mode == ModeDiscussion {
		if m.topic == topicID {
			return nil, false, nil
		}
		ended = m.End(now, EndSwitch)
	}
	m.mode = ModeDiscussion
	m.topic = topicID
	m.buffer = nil
	m.dropped = 0
	m.usage = TokenUsage{}
	m.startedAt = now
	m.lastActivity = now
	return ended, true, nil
}

// Append buffers one discussion message and refreshes the activity clock.
// Past maxMessages the oldest messages are dropped and counted in the
// Record's Dropped field.
func (m *Machine) Append(role, text string, now time.Time) error {
	if m.mode != ModeDiscussion {
		return ErrNotInDiscussion
	}
	m.buffer = append(m.buffer, Message{Role: role, Text: text, Timestamp: now})
	if over := len(m.buffer) - m.maxMessages; over > 0 {
		m.buffer = m.buffer[over:]
		m.dropped += over
	}
	m.lastActivity = now
	return nil
}

// Touch refreshes the activity clock without buffering anything.
func (m *Machine) Touch(now time.Time) {
	m.lastActivity = now
}

// AddUsage accumulates completion tokens for the current discussion.
func (m *Machine) AddUsage(u TokenUsage) {
	if m.mode != ModeDiscussion {
		return
	}
	m.usage.Input += u.Input
	m.usage.Output += u.Output
}

// Expired reports whether the discussion has been inactive for at least the
// timeout at now.
func (m *Machine) Expired(now time.Time) bool {
	return m.mode == ModeDiscussion && now.Sub(m.lastActivity) >= m.timeout
}

// Deadline is when the current discussion expires if nothing else happens.
func (m *Machine) Deadline() time.Time {
	return m.lastActivity.Add(m.timeout)
}

// End closes the current discussion and returns its Record. Ending a
// session that is not discussing is a no-op and returns nil.
func (m *Machine) End(now time.Time, reason EndReason) *Record {
	if m.mode != ModeDiscussion {
		return nil
	}
	rec := &Record{
		ID:        uuid.New().String(),
		UserID:    m.userID,
		TopicID:   m.topic,
		Messages:  m.Buffer(),
		Dropped:   m.dropped,
		Usage:     m.usage,
		Reason:    reason,
		StartedAt: m.startedAt,
		EndedAt:   now,
	}
	m.reset()
	return rec
}

// Reset drops all session state without producing a Record.
func (m *Machine) Reset() {
	m.reset()
}

func (m *Machine) reset() {
	m.mode = ModeIdle
	m.topic = ""
	m.buffer = nil
	m.dropped = 0
	m.usage = TokenUsage{}
	m.startedAt = time.Time{}
}
