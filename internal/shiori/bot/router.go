package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/Shiori/internal/shiori/channel"
	"github.com/bdobrica/Shiori/internal/shiori/session"
)

// Command is a parsed slash command or button callback.
type Command struct {
	Name    string
	Args    []string
	RawText string
}

// Arg returns everything after the command name, trimmed.
func (c *Command) Arg() string {
	return strings.Join(c.Args, " ")
}

// ErrNotACommand is returned by Parse when the message does not start with
// the command prefix. Callers should use errors.Is to tell this expected case
// from real errors.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// Reply is what the bot sends back for one inbound event. An empty Text
// sends nothing.
type Reply struct {
	Text    string
	Buttons []channel.Button
}

// Handler handles one command on the user's actor.
type Handler func(ctx context.Context, s *session.Session, cmd *Command) (Reply, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]Handler
	prefix   string
}

// NewRouter creates a new command router.
func NewRouter(prefix string) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		prefix:   prefix,
	}
}

// Register registers a command handler.
func (r *Router) Register(command string, handler Handler) {
	r.handlers[command] = handler
}

// Commands returns the registered command names.
func (r *Router) Commands() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// Parse parses a message into a command. A "@botname" suffix on the
// command name, as Telegram adds in menus, is dropped.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}

	text = strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	name, _, _ := strings.Cut(parts[0], "@")
	return &Command{
		Name:    strings.ToLower(name),
		Args:    parts[1:],
		RawText: text,
	}, nil
}

// ParseCallback turns button data such as "discuss:42" into a command.
func ParseCallback(data string) (*Command, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if parts[0] == "" {
		return nil, fmt.Errorf("empty callback")
	}
	return &Command{
		Name:    parts[0],
		Args:    parts[1:],
		RawText: data,
	}, nil
}

// Dispatch calls the handler registered for cmd.Name.
func (r *Router) Dispatch(ctx context.Context, s *session.Session, cmd *Command) (Reply, error) {
	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return Reply{}, fmt.Errorf("unknown command: %s", cmd.Name)
	}
	return handler(ctx, s, cmd)
}

// Route parses text and dispatches it.
func (r *Router) Route(ctx context.Context, s *session.Session, text string) (Reply, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return Reply{}, err
	}
	return r.Dispatch(ctx, s, cmd)
}
