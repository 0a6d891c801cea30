package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Shiori/common/redact"
)

// MatrixName is the channel name used in qualified user IDs.
const MatrixName = "matrix"

// MatrixConfig configures the Matrix channel.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// AllowFrom lists Matrix user IDs allowed to talk to the bot. Empty
	// allows everyone.
	AllowFrom []string
	// DB persists the sync token across restarts. When nil, an in-memory
	// store is used and room history replays on every restart.
	DB *sql.DB
}

// matrixSender is the part of *mautrix.Client used for delivery.
type matrixSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON any, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// Matrix delivers through a Matrix homeserver. Each user talks to the bot
// in a direct room the bot joins on invite. Matrix has no portable inline
// buttons, so buttons are rendered as a numbered list and a reply with
// just the number counts as pressing it.
type Matrix struct {
	cfg     MatrixConfig
	client  *mautrix.Client
	sender  matrixSender
	logger  *slog.Logger
	cursors *cursorStore // nil without a database

	rooms   sync.Map // user ID -> id.RoomID of the last direct message
	choices sync.Map // user ID -> []Button offered in the last delivery
	stopCh  chan struct{}
	stopped sync.Once
}

// NewMatrix creates a Matrix channel.
func NewMatrix(cfg MatrixConfig, logger *slog.Logger) (*Matrix, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matrix{
		cfg:    cfg,
		client: client,
		sender: client,
		logger: logger.With("channel", MatrixName),
		stopCh: make(chan struct{}),
	}
	if cfg.DB != nil {
		m.cursors = newCursorStore(cfg.DB)
		client.Store = m.cursors
	} else {
		m.logger.Warn("Matrix sync store: no DB configured, history will replay on restart")
	}
	return m, nil
}

// Name implements Channel.
func (m *Matrix) Name() string { return MatrixName }

// Start registers event handlers and syncs in the background, reconnecting
// with exponential back-off.
func (m *Matrix) Start(ctx context.Context, handler Handler) error {
	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if in, ok := m.toInbound(evt); ok {
			handler(ctx, in)
		}
	})
	syncer.OnEventType(event.StateMember, m.handleInvite)

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := m.client.SyncWithContext(ctx)
			if err == nil || ctx.Err() != nil {
				return
			}
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.logger.Error("Matrix sync stopped; reconnecting", "err", m.redact(err), "backoff", backoff)
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}()

	m.logger.Info("matrix sync started", "user", m.cfg.UserID, "resumed_from", m.resumePoint(ctx))
	return nil
}

// resumePoint reports when the stored /sync position was last advanced, or
// "start" when the bot has no stored position.
func (m *Matrix) resumePoint(ctx context.Context) string {
	if m.cursors == nil {
		return "start"
	}
	cur, err := m.cursors.position(ctx, cursorAccount(id.UserID(m.cfg.UserID)))
	if err != nil || cur.NextBatch == "" {
		return "start"
	}
	return cur.UpdatedAt.UTC().Format(time.RFC3339)
}

// Stop ends syncing.
func (m *Matrix) Stop() {
	m.stopped.Do(func() {
		close(m.stopCh)
		m.client.StopSync()
	})
}

// handleInvite joins rooms the bot is invited to by allowed users.
func (m *Matrix) handleInvite(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if evt.StateKey == nil || *evt.StateKey != m.cfg.UserID {
		return
	}
	if !allowed(m.cfg.AllowFrom, evt.Sender.String()) {
		m.logger.Warn("ignored invite", "from", evt.Sender)
		return
	}
	if _, err := m.client.JoinRoomByID(ctx, evt.RoomID); err != nil && !errors.Is(err, mautrix.MForbidden) {
		m.logger.Error("failed to join room", "room", evt.RoomID, "err", m.redact(err))
	}
}

// toInbound converts a room message and remembers the room as the user's
// delivery route.
func (m *Matrix) toInbound(evt *event.Event) (Inbound, bool) {
	if evt.Sender == id.UserID(m.cfg.UserID) {
		return Inbound{}, false
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return Inbound{}, false
	}
	sender := evt.Sender.String()
	if !allowed(m.cfg.AllowFrom, sender) {
		m.logger.Warn("rejected message", "from", sender)
		return Inbound{}, false
	}

	userID := UserID(MatrixName, sender)
	m.rooms.Store(userID, evt.RoomID)

	in := Inbound{
		Channel:     MatrixName,
		UserID:      userID,
		DisplayName: evt.Sender.Localpart(),
		Text:        msg.Body,
		MessageID:   evt.ID.String(),
		At:          time.UnixMilli(evt.Timestamp).UTC(),
	}
	if data, ok := m.pickChoice(userID, msg.Body); ok {
		in.Text, in.Callback = "", data
	}
	return in, true
}

// pickChoice maps a bare number to a button offered in the last delivery.
// A choice is consumed once picked.
func (m *Matrix) pickChoice(userID, body string) (string, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		return "", false
	}
	v, ok := m.choices.Load(userID)
	if !ok {
		return "", false
	}
	buttons := v.([]Button)
	if n < 1 || n > len(buttons) {
		return "", false
	}
	m.choices.Delete(userID)
	return buttons[n-1].Data, true
}

// Deliver implements Deliverer.
func (m *Matrix) Deliver(ctx context.Context, userID, text string, buttons []Button) (string, error) {
	name, _, err := SplitUserID(userID)
	if err != nil {
		return "", err
	}
	v, ok := m.rooms.Load(userID)
	if name != MatrixName || !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRecipient, userID)
	}

	body := renderChoices(text, buttons)
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	resp, err := m.sender.SendMessageEvent(ctx, v.(id.RoomID), event.EventMessage, &content)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", m.redact(err))
	}
	if len(buttons) > 0 {
		m.choices.Store(userID, append([]Button(nil), buttons...))
	} else {
		m.choices.Delete(userID)
	}
	return resp.EventID.String(), nil
}

// renderChoices appends buttons as a numbered list.
func renderChoices(text string, buttons []Button) string {
	if len(buttons) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n")
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Label)
	}
	b.WriteString("\n\nReply with a number to choose.")
	return b.String()
}

func (m *Matrix) redact(err error) error {
	return redact.Error(err, m.cfg.AccessToken)
}
