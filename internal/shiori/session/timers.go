package session

import (
	"sync"
	"time"
)

// Stopper is the part of *time.Timer that Timers needs.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it once wrapped.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Timers holds at most one pending delayed task per user. Arming a task
// cancels the previous one under the same per-user lock, so a superseded
// task can never fire after its replacement was scheduled.
type Timers struct {
	after AfterFunc
	slots sync.Map // userID → *timerSlot
}

type timerSlot struct {
	mu    sync.Mutex
	timer Stopper
	gen   uint64
}

// NewTimers returns Timers backed by after; nil uses time.AfterFunc.
func NewTimers(after AfterFunc) *Timers {
	if after == nil {
		after = realAfterFunc
	}
	return &Timers{after: after}
}

func (t *Timers) slot(userID string) *timerSlot {
	v, _ := t.slots.LoadOrStore(userID, &timerSlot{})
	return v.(*timerSlot)
}

// Arm schedules fn for userID after d, replacing any pending task.
func (t *Timers) Arm(userID string, d time.Duration, fn func()) {
	s := t.slot(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = t.after(d, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending task for userID. It reports whether one was
// pending.
func (t *Timers) Cancel(userID string) bool {
	v, ok := t.slots.Load(userID)
	if !ok {
		return false
	}
	s := v.(*timerSlot)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	return true
}

// Pending reports whether a task is scheduled for userID.
func (t *Timers) Pending(userID string) bool {
	v, ok := t.slots.Load(userID)
	if !ok {
		return false
	}
	s := v.(*timerSlot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// CancelAll drops every pending task.
func (t *Timers) CancelAll() {
	t.slots.Range(func(k, _ any) bool {
		t.Cancel(k.(string))
		return true
	})
}
