package memory

import (
	"context"
	"sync"
)

// Registry hands out one Store per user, opening each lazily on first use.
// Stores for different users share nothing but the Backend.
type Registry struct {
	backend Backend
	cfg     Config
	opts    []Option

	stores sync.Map // userID → *lazyStore
}

type lazyStore struct {
	once  sync.Once
	store *Store
	err   error
}

// NewRegistry returns a Registry that opens stores on backend.
func NewRegistry(backend Backend, cfg Config, opts ...Option) *Registry {
	return &Registry{backend: backend, cfg: cfg, opts: opts}
}

// Open returns the user's Store, loading it from the backend the first time.
// A failed load is not cached; the next call tries again.
func (r *Registry) Open(ctx context.Context, userID string) (*Store, error) {
	v, _ := r.stores.LoadOrStore(userID, &lazyStore{})
	ls := v.(*lazyStore)
	ls.once.Do(func() {
		ls.store, ls.err = Open(ctx, userID, r.backend, r.cfg, r.opts...)
	})
	if ls.err != nil {
		r.stores.CompareAndDelete(userID, ls)
		return nil, ls.err
	}
	return ls.store, nil
}

// Evict drops the cached Store for userID. The next Open reloads it.
func (r *Registry) Evict(userID string) {
	r.stores.Delete(userID)
}

// ExpireAll runs ExpireDaily on every open store and returns the number of
// notes removed. Errors are collected per user; the sweep continues.
func (r *Registry) ExpireAll(ctx context.Context) (int, map[string]error) {
	total := 0
	var errs map[string]error
	r.stores.Range(func(k, _ any) bool {
		n, err := r.expire(ctx, k.(string))
		total += n
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[k.(string)] = err
		}
		return ctx.Err() == nil
	})
	return total, errs
}

func (r *Registry) expire(ctx context.Context, userID string) (int, error) {
	s, err := r.Open(ctx, userID)
	if err != nil {
		return 0, err
	}
	return s.ExpireDaily(ctx)
}
