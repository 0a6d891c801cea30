// Package session tracks what each user is doing with the bot right now.
//
// Every user has one Machine (IDLE, ONBOARDING or DISCUSSION) owned by a
// per-user actor in the Manager. All transitions for a user run on that
// actor, one at a time; different users never wait on each other. When a
// discussion ends, by topic switch, explicit end, inactivity timeout or
// shutdown, its buffer becomes a Record that is persisted synchronously and
// then handed to post-session extraction on a detached goroutine.
package session

import (
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned when a user's mailbox is full. The event is
	// not queued; the caller decides what to shed.
	ErrQueueFull = errors.New("session: user event queue is full")

	// ErrInvariant reports a broken state invariant (a topic without a
	// discussion or vice versa). The affected user's session is reset.
	ErrInvariant = errors.New("session: state invariant violated")

	// ErrClosed is returned once the Manager has been closed.
	ErrClosed = errors.New("session: manager closed")

	// ErrNotInDiscussion is returned when a discussion-only operation runs
	// outside DISCUSSION mode.
	ErrNotInDiscussion = errors.New("session: no active discussion")

	// ErrBadTransition is returned for transitions the current mode does
	// not allow, such as finishing onboarding while IDLE.
	ErrBadTransition = errors.New("session: transition not allowed in current mode")
)

// Mode is the user's interaction mode.
type Mode string

const (
	ModeIdle       Mode = "IDLE"
	ModeOnboarding Mode = "ONBOARDING"
	ModeDiscussion Mode = "DISCUSSION"
)

// Message is one buffered discussion turn.
type Message struct {
	Role      string // "user" or "assistant"
	Text      string
	Timestamp time.Time
}

// TokenUsage counts completion tokens spent during a discussion.
type TokenUsage struct {
	Input  int
	Output int
}

// Total returns Input + Output.
func (u TokenUsage) Total() int {
	return u.Input + u.Output
}

// EndReason says why a discussion ended.
type EndReason string

const (
	EndSwitch   EndReason = "switch"
	EndExplicit EndReason = "explicit"
	EndTimeout  EndReason = "timeout"
	EndShutdown EndReason = "shutdown"
)

// Record is the closed form of one discussion.
type Record struct {
	ID       string
	UserID   string
	TopicID  string
	Messages []Message
	// Dropped counts the oldest messages that fell out of a full buffer
	// and are missing from Messages.
	Dropped   int
	Usage     TokenUsage
	Reason    EndReason
	StartedAt time.Time
	EndedAt   time.Time
}

// State is a read-only view of a Machine.
type State struct {
	UserID       string
	Mode         Mode
	TopicID      string
	Messages     int
	Usage        TokenUsage
	LastActivity time.Time
}
