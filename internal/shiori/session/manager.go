package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Persister stores closed discussions. It is called on the user's actor,
// before the discussion is handed to extraction.
type Persister interface {
	PersistRecord(ctx context.Context, rec Record) error
}

// Extractor runs post-session extraction. It is called on a detached
// goroutine; its failure never affects the session.
type Extractor interface {
	ExtractRecord(ctx context.Context, rec Record) error
}

// Notifier is told about every ended discussion after it was persisted.
type Notifier interface {
	SessionEnded(ctx context.Context, rec Record)
}

// Config tunes a Manager. Zero fields use the defaults.
type Config struct {
	// Timeout is how long a discussion may stay silent. Default 30m.
	Timeout time.Duration
	// MailboxSize bounds each user's queue of pending events. Default 32.
	MailboxSize int
	// MaxMessages caps the discussion buffer. Default 200.
	MaxMessages int
	// IdleTTL is how long an IDLE user's actor lingers before exiting.
	// Default 10m.
	IdleTTL time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Minute,
		MailboxSize: 32,
		MaxMessages: DefaultMaxMessages,
		IdleTTL:     10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = d.MaxMessages
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	return c
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAfterFunc replaces the scheduler behind the inactivity timers.
func WithAfterFunc(after AfterFunc) Option {
	return func(m *Manager) { m.timers = NewTimers(after) }
}

// WithPersister sets where closed discussions are stored.
func WithPersister(p Persister) Option {
	return func(m *Manager) { m.persister = p }
}

// WithExtractor sets the post-session extraction step.
func WithExtractor(e Extractor) Option {
	return func(m *Manager) { m.extractor = e }
}

// WithNotifier sets who hears about ended discussions.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// Manager runs one actor goroutine per user. Events for a user execute one
// at a time, in arrival order, on that user's actor; events for different
// users run independently. There is no lock shared between users.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	timers    *Timers
	persister Persister
	extractor Extractor
	notifier  Notifier

	actors   sync.Map // userID → *actor
	closed   atomic.Bool
	stop     chan struct{}
	running  sync.WaitGroup // actor goroutines
	detached sync.WaitGroup // post-session extraction
}

type actor struct {
	userID  string
	machine *Machine
	mailbox chan event
	expire  chan struct{}

	mu      sync.Mutex // guards stopped against concurrent enqueue
	stopped bool
}

// EventFunc runs on the user's actor with exclusive access to the session.
type EventFunc func(ctx context.Context, s *Session) error

type event struct {
	ctx  context.Context
	fn   EventFunc
	done chan error // nil for Submit
}

// NewManager returns a running Manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.timers == nil {
		m.timers = NewTimers(nil)
	}
	return m
}

// Submit queues fn on userID's actor and returns immediately. A full
// mailbox fails fast with ErrQueueFull. Errors returned by fn are logged.
func (m *Manager) Submit(ctx context.Context, userID string, fn EventFunc) error {
	return m.enqueue(userID, event{ctx: ctx, fn: fn})
}

// Do queues fn on userID's actor and waits for it to finish. A full mailbox
// fails fast with ErrQueueFull.
func (m *Manager) Do(ctx context.Context, userID string, fn EventFunc) error {
	done := make(chan error, 1)
	if err := m.enqueue(userID, event{ctx: ctx, fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a snapshot of userID's session.
func (m *Manager) State(ctx context.Context, userID string) (State, error) {
	var st State
	err := m.Do(ctx, userID, func(_ context.Context, s *Session) error {
		st = s.State()
		return nil
	})
	return st, err
}

// End closes userID's discussion, if any. Calling it on an IDLE session is a
// no-op that returns nil.
func (m *Manager) End(ctx context.Context, userID string, reason EndReason) (*Record, error) {
	var rec *Record
	err := m.Do(ctx, userID, func(_ context.Context, s *Session) error {
		rec = s.End(reason)
		return nil
	})
	return rec, err
}

// Active returns the number of running actors.
func (m *Manager) Active() int {
	n := 0
	m.actors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops accepting events, ends every open discussion with
// EndShutdown and waits for actors and detached extraction to finish or for
// ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(m.stop)
	m.timers.CancelAll()

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		m.detached.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: close: %w", ctx.Err())
	}
}

func (m *Manager) enqueue(userID string, ev event) error {
	for {
		if m.closed.Load() {
			return ErrClosed
		}
		a := m.actorFor(userID)
		a.mu.Lock()
		if a.stopped {
			a.mu.Unlock()
			continue
		}
		select {
		case a.mailbox <- ev:
			a.mu.Unlock()
			return nil
		default:
			a.mu.Unlock()
			m.logger.Warn("session: mailbox full, rejecting event",
				"user_id", userID,
				"capacity", m.cfg.MailboxSize,
			)
			return ErrQueueFull
		}
	}
}

func (m *Manager) actorFor(userID string) *actor {
	if v, ok := m.actors.Load(userID); ok {
		return v.(*actor)
	}
	a := &actor{
		userID:  userID,
		machine: NewMachine(userID, m.cfg.Timeout, m.cfg.MaxMessages),
		mailbox: make(chan event, m.cfg.MailboxSize),
		expire:  make(chan struct{}, 1),
	}
	v, loaded := m.actors.LoadOrStore(userID, a)
	if loaded {
		return v.(*actor)
	}
	m.running.Add(1)
	go m.run(a)
	return a
}

func (m *Manager) run(a *actor) {
	defer m.running.Done()
	idle := time.NewTimer(m.cfg.IdleTTL)
	defer idle.Stop()

	for {
		select {
		case ev := <-a.mailbox:
			m.handle(a, ev)
		case <-a.expire:
			m.handle(a, event{ctx: context.Background(), fn: m.onExpire})
		case <-idle.C:
			if m.retire(a) {
				return
			}
		case <-m.stop:
			m.shutdown(a)
			return
		}
		idle.Reset(m.cfg.IdleTTL)
	}
}

func (m *Manager) handle(a *actor, ev event) {
	err := m.call(a, ev)
	if ev.done != nil {
		ev.done <- err
		return
	}
	if err != nil {
		m.logger.Warn("session: event failed", "user_id", a.userID, "err", err)
	}
}

// call runs one event. A panic or a broken invariant resets only this
// user's session.
func (m *Manager) call(a *actor, ev event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session: event panicked, resetting session",
				"user_id", a.userID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			m.abort(a)
			err = fmt.Errorf("%w: panic: %v", ErrInvariant, r)
		}
	}()

	err = ev.fn(ev.ctx, &Session{mgr: m, a: a, ctx: ev.ctx})
	if ierr := a.machine.CheckInvariant(); ierr != nil {
		m.logger.Error("session: invariant broken, resetting session",
			"user_id", a.userID,
			"err", ierr,
		)
		m.abort(a)
		return ierr
	}
	return err
}

func (m *Manager) abort(a *actor) {
	m.timers.Cancel(a.userID)
	a.machine.Reset()
}

// retire stops an actor that has nothing to do. It keeps running while the
// user is in any mode other than IDLE or has queued events.
func (m *Manager) retire(a *actor) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.machine.Mode() != ModeIdle || len(a.mailbox) > 0 {
		return false
	}
	a.stopped = true
	m.actors.CompareAndDelete(a.userID, a)
	return true
}

func (m *Manager) shutdown(a *actor) {
	m.handle(a, event{ctx: context.Background(), fn: func(_ context.Context, s *Session) error {
		s.End(EndShutdown)
		return nil
	}})

	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	m.actors.CompareAndDelete(a.userID, a)
	for {
		select {
		case ev := <-a.mailbox:
			if ev.done != nil {
				ev.done <- ErrClosed
			}
		default:
			return
		}
	}
}

func (m *Manager) arm(a *actor) {
	userID := a.userID
	m.timers.Arm(userID, m.cfg.Timeout, func() { m.fire(userID) })
}

// fire is the timer callback. It only nudges the actor; the actor decides
// whether the discussion really expired.
func (m *Manager) fire(userID string) {
	v, ok := m.actors.Load(userID)
	if !ok {
		return
	}
	select {
	case v.(*actor).expire <- struct{}{}:
	default:
	}
}

func (m *Manager) onExpire(_ context.Context, s *Session) error {
	now := m.now()
	mc := s.a.machine
	if mc.Mode() != ModeDiscussion {
		return nil
	}
	if !mc.Expired(now) {
		m.logger.Debug("session: stale inactivity timer ignored",
			"user_id", s.a.userID,
			"deadline", mc.Deadline(),
		)
		if !m.timers.Pending(s.a.userID) {
			userID := s.a.userID
			m.timers.Arm(userID, mc.Deadline().Sub(now), func() { m.fire(userID) })
		}
		return nil
	}
	s.End(EndTimeout)
	return nil
}

// finish hands a closed discussion to persistence, the notifier and,
// detached from the caller, extraction.
func (m *Manager) finish(ctx context.Context, rec Record) {
	ctx = context.WithoutCancel(ctx)
	if m.persister != nil {
		if err := m.persister.PersistRecord(ctx, rec); err != nil {
			m.logger.Error("session: persisting conversation record failed",
				"user_id", rec.UserID,
				"record_id", rec.ID,
				"err", err,
			)
		}
	}
	m.logger.Info("session: discussion ended",
		"user_id", rec.UserID,
		"topic_id", rec.TopicID,
		"record_id", rec.ID,
		"reason", string(rec.Reason),
		"messages", len(rec.Messages),
		"input_tokens", rec.Usage.Input,
		"output_tokens", rec.Usage.Output,
	)
	if m.notifier != nil {
		m.notifier.SessionEnded(ctx, rec)
	}
	if m.extractor == nil {
		return
	}
	m.detached.Add(1)
	go func() {
		defer m.detached.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("session: post-session extraction panicked",
					"user_id", rec.UserID,
					"record_id", rec.ID,
					"panic", r,
				)
			}
		}()
		if err := m.extractor.ExtractRecord(ctx, rec); err != nil {
			m.logger.Warn("session: post-session extraction failed",
				"user_id", rec.UserID,
				"record_id", rec.ID,
				"err", err,
			)
		}
	}()
}

// Session is the handle an EventFunc gets. It is only valid inside that
// call, on the user's actor.
type Session struct {
	mgr *Manager
	a   *actor
	ctx context.Context
}

func (s *Session) UserID() string        { return s.a.userID }
func (s *Session) Mode() Mode            { return s.a.machine.Mode() }
func (s *Session) TopicID() string       { return s.a.machine.TopicID() }
func (s *Session) State() State          { return s.a.machine.State() }
func (s *Session) Buffer() []Message     { return s.a.machine.Buffer() }
func (s *Session) AddUsage(u TokenUsage) { s.a.machine.AddUsage(u) }

// StartOnboarding moves an IDLE user into ONBOARDING.
func (s *Session) StartOnboarding() error {
	return s.a.machine.StartOnboarding(s.mgr.now())
}

// FinishOnboarding returns an onboarding user to IDLE.
func (s *Session) FinishOnboarding() error {
	return s.a.machine.FinishOnboarding(s.mgr.now())
}

// StartDiscussion opens a discussion on topicID. A different topic already
// under discussion is ended first, synchronously, and its Record returned.
func (s *Session) StartDiscussion(topicID string) (*Record, bool, error) {
	ended, started, err := s.a.machine.StartDiscussion(topicID, s.mgr.now())
	if err != nil {
		return nil, false, err
	}
	if ended != nil {
		s.mgr.finish(s.ctx, *ended)
	}
	if started {
		s.mgr.arm(s.a)
	}
	return ended, started, nil
}

// Append buffers a discussion message and re-arms the inactivity timer.
func (s *Session) Append(role, text string) error {
	before := s.a.machine.dropped
	if err := s.a.machine.Append(role, text, s.mgr.now()); err != nil {
		return err
	}
	if before == 0 && s.a.machine.dropped > 0 {
		s.mgr.logger.Warn("session: discussion buffer full, dropping oldest messages",
			"user_id", s.a.userID,
			"topic_id", s.a.machine.TopicID(),
			"max_messages", s.mgr.cfg.MaxMessages,
		)
	}
	s.mgr.arm(s.a)
	return nil
}

// End closes the current discussion. It returns nil when there was none.
func (s *Session) End(reason EndReason) *Record {
	rec := s.a.machine.End(s.mgr.now(), reason)
	if rec == nil {
		return nil
	}
	s.mgr.timers.Cancel(s.a.userID)
	s.mgr.finish(s.ctx, *rec)
	return rec
}
