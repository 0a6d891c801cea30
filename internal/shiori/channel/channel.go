// Package channel connects Shiori to chat transports.
//
// Every transport turns incoming messages and button presses into Inbound
// events and delivers replies with optional buttons. User IDs are
// qualified by the transport name ("telegram:1001", "matrix:@alice:hs.org")
// so one bot can serve several transports at once through Multi.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotStarted is returned by Deliver before Start has succeeded.
	ErrNotStarted = errors.New("channel: not started")

	// ErrUnknownRecipient is returned when the transport has no route to
	// the user (bad ID, or a Matrix user who never wrote to the bot).
	ErrUnknownRecipient = errors.New("channel: unknown recipient")
)

// Button is an inline choice attached to a delivered message. Data comes
// back as Inbound.Callback when the user picks it.
type Button struct {
	Label string
	Data  string
}

// Inbound is one event from a user: a text message or a button press.
type Inbound struct {
	Channel     string
	UserID      string
	DisplayName string
	Text        string
	// Callback is the Data of the pressed button; empty for text messages.
	Callback  string
	MessageID string
	At        time.Time
}

// Handler receives inbound events. It must not block for long; the bot
// hands events to per-user queues.
type Handler func(ctx context.Context, in Inbound)

// Deliverer sends a message to a user and returns the transport's message
// ID.
type Deliverer interface {
	Deliver(ctx context.Context, userID, text string, buttons []Button) (string, error)
}

// Channel is a running transport.
type Channel interface {
	Deliverer
	Name() string
	Start(ctx context.Context, handler Handler) error
	Stop()
}

// UserID qualifies a transport-local ID with the transport name.
func UserID(channel, localID string) string {
	return channel + ":" + localID
}

// SplitUserID is the inverse of UserID.
func SplitUserID(userID string) (channel, localID string, err error) {
	channel, localID, ok := strings.Cut(userID, ":")
	if !ok || channel == "" || localID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownRecipient, userID)
	}
	return channel, localID, nil
}

// Multi dispatches deliveries to the channel named in the user ID.
type Multi struct {
	channels map[string]Channel
}

// NewMulti returns a Multi over channels.
func NewMulti(channels ...Channel) *Multi {
	m := &Multi{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		m.channels[ch.Name()] = ch
	}
	return m
}

// Deliver implements Deliverer.
func (m *Multi) Deliver(ctx context.Context, userID, text string, buttons []Button) (string, error) {
	name, _, err := SplitUserID(userID)
	if err != nil {
		return "", err
	}
	ch, ok := m.channels[name]
	if !ok {
		return "", fmt.Errorf("%w: no channel %q", ErrUnknownRecipient, name)
	}
	return ch.Deliver(ctx, userID, text, buttons)
}

// Channels returns the wrapped channels.
func (m *Multi) Channels() []Channel {
	out := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// allowed reports whether localID passes an allow list. An empty list
// allows everyone.
func allowed(allowFrom []string, localID string) bool {
	if len(allowFrom) == 0 {
		return true
	}
	for _, a := range allowFrom {
		if a == localID {
			return true
		}
	}
	return false
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries.
func splitMessage(text string, maxLen int) []string {
	var out []string
	for len(text) > maxLen {
		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut <= 0 {
			cut = maxLen
		}
		out = append(out, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" || len(out) == 0 {
		out = append(out, text)
	}
	return out
}
