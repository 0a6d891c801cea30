package memory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Backend persists a user's memory documents. Implementations must be safe
// for concurrent use across users; calls for a single user are already
// serialised by that user's Store.
type Backend interface {
	// LoadProfile returns the user's profile, or an empty one if none exists.
	LoadProfile(ctx context.Context, userID string) (*Profile, error)
	SaveProfile(ctx context.Context, userID string, p *Profile) error
	// LoadDaily returns all daily notes ordered by date ascending.
	LoadDaily(ctx context.Context, userID string) ([]*DailyNote, error)
	SaveDaily(ctx context.Context, userID string, n *DailyNote) error
	DeleteDaily(ctx context.Context, userID, date string) error
	// Purge removes everything stored for the user.
	Purge(ctx context.Context, userID string) error
}

// FileBackend stores memory as YAML files:
//
//	<root>/<user>/profile.yaml
//	<root>/<user>/daily/2026-10-16.yaml
type FileBackend struct {
	root string
}

// NewFileBackend returns a FileBackend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("memory: create root %s: %w", dir, err)
	}
	return &FileBackend{root: dir}, nil
}

func (b *FileBackend) userDir(userID string) (string, error) {
	name := url.PathEscape(userID)
	if name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("memory: invalid user id %q", userID)
	}
	return filepath.Join(b.root, name), nil
}

func (b *FileBackend) LoadProfile(_ context.Context, userID string) (*Profile, error) {
	dir, err := b.userDir(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "profile.yaml"))
	if errors.Is(err, fs.ErrNotExist) {
		return NewProfile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read profile: %w", err)
	}
	return UnmarshalProfile(data)
}

func (b *FileBackend) SaveProfile(_ context.Context, userID string, p *Profile) error {
	dir, err := b.userDir(userID)
	if err != nil {
		return err
	}
	data, err := MarshalProfile(userID, p)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "profile.yaml"), data)
}

func (b *FileBackend) LoadDaily(_ context.Context, userID string) ([]*DailyNote, error) {
	dir, err := b.userDir(userID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, "daily"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: list daily notes: %w", err)
	}
	var notes []*DailyNote
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, "daily", de.Name()))
		if err != nil {
			return nil, fmt.Errorf("memory: read daily note %s: %w", de.Name(), err)
		}
		n, err := UnmarshalDaily(data)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Date < notes[j].Date })
	return notes, nil
}

func (b *FileBackend) SaveDaily(_ context.Context, userID string, n *DailyNote) error {
	dir, err := b.userDir(userID)
	if err != nil {
		return err
	}
	data, err := MarshalDaily(userID, n)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "daily", n.Date+".yaml"), data)
}

func (b *FileBackend) DeleteDaily(_ context.Context, userID, date string) error {
	dir, err := b.userDir(userID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "daily", date+".yaml"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("memory: delete daily note %s: %w", date, err)
	}
	return nil
}

func (b *FileBackend) Purge(_ context.Context, userID string) error {
	dir, err := b.userDir(userID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("memory: purge %s: %w", userID, err)
	}
	return nil
}

// writeFileAtomic writes data next to path and renames it into place so a
// crash never leaves a half-written document behind.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("memory: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("memory: create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("memory: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("memory: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("memory: rename %s: %w", path, err)
	}
	return nil
}

// MemBackend keeps documents in process memory. It is used by tests and by
// the --ephemeral serve mode. Each user has an independent slot, so users
// never contend with each other.
type MemBackend struct {
	users sync.Map // userID → *memUser
}

type memUser struct {
	mu      sync.Mutex
	profile *Profile
	daily   map[string]*DailyNote
}

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{}
}

func (b *MemBackend) user(userID string) *memUser {
	v, _ := b.users.LoadOrStore(userID, &memUser{daily: make(map[string]*DailyNote)})
	return v.(*memUser)
}

func (b *MemBackend) LoadProfile(_ context.Context, userID string) (*Profile, error) {
	u := b.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.profile == nil {
		return NewProfile(), nil
	}
	return u.profile.Clone(), nil
}

func (b *MemBackend) SaveProfile(_ context.Context, userID string, p *Profile) error {
	u := b.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.profile = p.Clone()
	return nil
}

func (b *MemBackend) LoadDaily(_ context.Context, userID string) ([]*DailyNote, error) {
	u := b.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	var notes []*DailyNote
	for _, n := range u.daily {
		notes = append(notes, n.Clone())
	}
	sort.Slice(notes, func(i, j int) bool { return notes[i].Date < notes[j].Date })
	return notes, nil
}

func (b *MemBackend) SaveDaily(_ context.Context, userID string, n *DailyNote) error {
	u := b.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.daily[n.Date] = n.Clone()
	return nil
}

func (b *MemBackend) DeleteDaily(_ context.Context, userID, date string) error {
	u := b.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.daily, date)
	return nil
}

func (b *MemBackend) Purge(_ context.Context, userID string) error {
	b.users.Delete(userID)
	return nil
}

var (
	_ Backend = (*FileBackend)(nil)
	_ Backend = (*MemBackend)(nil)
)
