package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Shiori/internal/shiori/prompt"
)

// Store is one user's memory handle. Every operation is scoped to that user;
// there is no shared state between stores. A Store is safe for concurrent
// use: the user's session actor and the detached post-session extraction
// may both touch it, and its mutex serialises them.
type Store struct {
	mu      sync.Mutex
	userID  string
	backend Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	profile *Profile
	daily   []*DailyNote // ascending by date
	index   *Index
	docs    map[string]Entry
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the user's documents from backend, drops expired daily notes
// and builds the search index.
func Open(ctx context.Context, userID string, backend Backend, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		userID:  userID,
		backend: backend,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.index = NewIndex(s.cfg.K1, s.cfg.B)

	profile, err := backend.LoadProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", userID, err)
	}
	notes, err := backend.LoadDaily(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", userID, err)
	}
	s.profile = profile
	s.daily = notes

	if _, err := s.expireLocked(ctx); err != nil {
		s.logger.Warn("memory: expiring daily notes on open failed", "user_id", userID, "err", err)
	}
	s.rebuildLocked()
	return s, nil
}

// UserID returns the user this store belongs to.
func (s *Store) UserID() string {
	return s.userID
}

// Write stores a new entry. A durable request below the confidence
// threshold is stored as daily instead, and the reason is recorded on the
// entry. Near-duplicates are looked up first and reported in the result.
// Durable writes replace an existing entry with the same key, then prune
// the profile back under its word budget without touching this entry.
func (s *Store) Write(ctx context.Context, req WriteRequest) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.validate(req)
	if err != nil {
		return WriteResult{}, err
	}

	return s.storeLocked(ctx, e)
}

// storeLocked gates e on confidence, stamps it and adds it to its tier.
func (s *Store) storeLocked(ctx context.Context, e Entry) (WriteResult, error) {
	var res WriteResult
	if e.Durability == Durable && e.Confidence < s.cfg.DurableThreshold {
		e.Durability = Daily
		e.Note = fmt.Sprintf("stored as daily: confidence %.2f below durable threshold %.2f",
			e.Confidence, s.cfg.DurableThreshold)
		res.Downgraded = true
		s.logger.Info("memory: durable write downgraded to daily",
			"user_id", s.userID,
			"key", e.Key,
			"confidence", e.Confidence,
			"threshold", s.cfg.DurableThreshold,
		)
	}

	res.Similar = s.similarLocked(e)
	if len(res.Similar) > 0 {
		s.logger.Debug("memory: write has near-duplicates",
			"user_id", s.userID,
			"key", e.Key,
			"similar", len(res.Similar),
			"best", res.Similar[0].Entry.Key,
		)
	}

	now := s.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	if e.Durability == Durable {
		stored, pruned, err := s.putDurableLocked(ctx, e)
		if err != nil {
			return WriteResult{}, err
		}
		res.Entry, res.Pruned = stored, pruned
		return res, nil
	}

	note, created := s.noteForLocked(now)
	note.Entries = append(note.Entries, e)
	if err := s.backend.SaveDaily(ctx, s.userID, note); err != nil {
		note.Entries = note.Entries[:len(note.Entries)-1]
		if created {
			s.dropNoteLocked(note.Date)
		}
		return WriteResult{}, fmt.Errorf("memory: write %s: %w", e.Key, err)
	}
	s.addDocLocked(dailyDocID(note.Date, len(note.Entries)-1), e)
	res.Entry = e
	return res, nil
}

// UpdateRequest is the input to Store.Update. Empty Category keeps the
// current one; zero Confidence keeps the current confidence.
type UpdateRequest struct {
	Key        string
	Value      string
	Category   Category
	Source     string
	Confidence float64
}

// Update replaces the value of a durable entry in place. When the key does
// not exist the entry is created like a durable Write with req.Confidence,
// so an unstated or low confidence lands in today's daily note.
func (s *Store) Update(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.TrimSpace(req.Key)
	value := strings.TrimSpace(req.Value)
	if key == "" || value == "" {
		return UpdateResult{}, fmt.Errorf("%w: update needs key and value", ErrInvalidEntry)
	}
	if strings.Contains(value, "```") {
		return UpdateResult{}, fmt.Errorf("%w: value contains a code block", ErrInvalidEntry)
	}
	if req.Category != "" {
		if _, err := ParseCategory(string(req.Category)); err != nil {
			return UpdateResult{}, err
		}
	}

	e, found := s.profile.Find(key)
	if !found {
		s.logger.Warn("memory: update on missing key, creating it",
			"user_id", s.userID,
			"key", key,
		)
		e = Entry{
			Key:        key,
			Category:   categoryFromKey(key),
			Value:      value,
			Durability: Durable,
			Confidence: clamp01(req.Confidence),
			Source:     "update",
		}
		if req.Category != "" {
			e.Category = req.Category
		}
		if req.Source != "" {
			e.Source = req.Source
		}
		wr, err := s.storeLocked(ctx, e)
		if err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{Entry: wr.Entry, Created: true, Downgraded: wr.Downgraded, Pruned: wr.Pruned}, nil
	}

	now := s.now().UTC()
	e.Value = value
	e.Note = ""
	e.UpdatedAt = now
	if req.Category != "" {
		e.Category = req.Category
	}
	if req.Source != "" {
		e.Source = req.Source
	}
	if req.Confidence > 0 {
		e.Confidence = clamp01(req.Confidence)
	}

	stored, pruned, err := s.putDurableLocked(ctx, e)
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{Entry: stored, Created: !found, Pruned: pruned}, nil
}

// Delete removes every entry with key from the profile and all daily notes.
// It returns the number of entries removed; removing nothing is not an
// error.
func (s *Store) Delete(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.deleteLocked(ctx, key)
	if n > 0 {
		s.rebuildLocked()
	}
	return n, err
}

// Forget deletes every entry matching query (up to limit) and returns them.
func (s *Store) Forget(ctx context.Context, query string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hits := s.searchLocked(query, limit, "")
	var removed []Entry
	seen := make(map[string]bool)
	for _, h := range hits {
		if seen[h.Entry.Key] {
			continue
		}
		seen[h.Entry.Key] = true
		if _, err := s.deleteLocked(ctx, h.Entry.Key); err != nil {
			s.rebuildLocked()
			return removed, err
		}
		removed = append(removed, h.Entry)
	}
	if len(removed) > 0 {
		s.rebuildLocked()
	}
	return removed, nil
}

// Read returns up to limit durable entries of category (empty means all),
// most recently updated first. A non-positive limit returns everything.
func (s *Store) Read(category Category, limit int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	if category == "" {
		out = s.profile.Entries()
	} else {
		out = s.profile.Section(category)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Search ranks durable and retained daily entries against query with BM25.
func (s *Store) Search(query string, limit int, category Category) []SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchLocked(query, limit, category)
}

// FindSimilar returns entries that share key or whose value overlaps value
// heavily. Write calls it before every write.
func (s *Store) FindSimilar(key, value string) []SearchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.similarLocked(Entry{Key: key, Value: value})
}

// ExpireDaily drops daily notes older than the retention window and returns
// how many notes were removed.
func (s *Store) ExpireDaily(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.expireLocked(ctx)
	if n > 0 {
		s.rebuildLocked()
	}
	return n, err
}

// Clear removes everything remembered about the user.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Purge(ctx, s.userID); err != nil {
		return fmt.Errorf("memory: clear %s: %w", s.userID, err)
	}
	s.profile = NewProfile()
	s.daily = nil
	s.rebuildLocked()
	s.logger.Info("memory: cleared", "user_id", s.userID)
	return nil
}

// Reindex rebuilds the search index from the documents and returns the
// number of indexed documents.
func (s *Store) Reindex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked()
	return s.index.Len()
}

// Snapshot returns copies of the profile and the retained daily notes.
func (s *Store) Snapshot() (*Profile, []*DailyNote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := make([]*DailyNote, len(s.daily))
	for i, n := range s.daily {
		notes[i] = n.Clone()
	}
	return s.profile.Clone(), notes
}

// Stats reports document counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		DurableEntries: s.profile.Len(),
		DailyNotes:     len(s.daily),
		ProfileWords:   s.profile.WordCount(),
		IndexedDocs:    s.index.Len(),
	}
	for _, n := range s.daily {
		st.DailyEntries += len(n.Entries)
	}
	return st
}

// Context is the memory block for one discussion turn.
type Context struct {
	// Profile is the rendered durable profile. It is never truncated.
	Profile string
	// Matches are daily entries relevant to the topic, best first.
	Matches []SearchResult
	// Recent lists the last days of daily entries, newest first.
	Recent []string
}

// MatchLines renders Matches one line each, best first.
func (c Context) MatchLines() []string {
	lines := make([]string, 0, len(c.Matches))
	for _, m := range c.Matches {
		lines = append(lines, m.Entry.Value)
	}
	return lines
}

// RecentText joins Recent into one block.
func (c Context) RecentText() string {
	return strings.Join(c.Recent, "\n")
}

// String concatenates the three parts with headings.
func (c Context) String() string {
	var parts []string
	if c.Profile != "" {
		parts = append(parts, c.Profile)
	}
	if len(c.Matches) > 0 {
		parts = append(parts, "Related notes:\n- "+strings.Join(c.MatchLines(), "\n- "))
	}
	if len(c.Recent) > 0 {
		parts = append(parts, "Recent activity:\n"+c.RecentText())
	}
	return strings.Join(parts, "\n\n")
}

// GetContext assembles the durable profile, the best daily matches for
// topicHint and a summary of recent daily activity, keeping the total within
// maxTokens (non-positive means unbounded). Search matches are dropped first,
// lowest score first, then the oldest recent-activity lines. The profile is
// never cut: if it alone exceeds maxTokens, ErrContextOverflow is returned.
func (s *Store) GetContext(topicHint string, maxTokens int) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := Context{Profile: RenderProfile(s.profile)}
	if strings.TrimSpace(topicHint) != "" {
		for _, m := range s.searchLocked(topicHint, s.cfg.ContextMatches, "") {
			if m.Entry.Durability == Daily {
				ctx.Matches = append(ctx.Matches, m)
			}
		}
	}
	ctx.Recent = s.recentLinesLocked()

	if maxTokens <= 0 {
		return ctx, nil
	}
	remaining := maxTokens - prompt.CountTokens(ctx.Profile)
	if remaining < 0 {
		return Context{}, fmt.Errorf("%w: profile needs %d tokens, budget %d",
			ErrContextOverflow, prompt.CountTokens(ctx.Profile), maxTokens)
	}

	var recent []string
	for _, line := range ctx.Recent {
		cost := prompt.CountTokens(line)
		if cost > remaining {
			break
		}
		recent = append(recent, line)
		remaining -= cost
	}
	ctx.Recent = recent

	var matches []SearchResult
	for _, m := range ctx.Matches {
		cost := prompt.CountTokens(m.Entry.Value)
		if cost > remaining {
			break
		}
		matches = append(matches, m)
		remaining -= cost
	}
	ctx.Matches = matches
	return ctx, nil
}

// RenderProfile renders the profile one section per category, skipping
// empty sections.
func RenderProfile(p *Profile) string {
	var b strings.Builder
	for _, c := range Categories {
		sec := p.sections[c]
		if len(sec) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(c.Title())
		b.WriteString(":\n")
		for _, e := range sec {
			b.WriteString("- ")
			b.WriteString(e.Value)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// --- internals (call with mu held) -----------------------------------------

func (s *Store) validate(req WriteRequest) (Entry, error) {
	value := strings.TrimSpace(req.Value)
	if value == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntry)
	}
	if strings.Contains(value, "```") {
		return Entry{}, fmt.Errorf("%w: value contains a code block", ErrInvalidEntry)
	}
	category, err := ParseCategory(string(req.Category))
	if err != nil {
		return Entry{}, err
	}
	durability, err := ParseDurability(string(req.Durability))
	if err != nil {
		return Entry{}, err
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		key = Slug(category, value)
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "unknown"
	}
	return Entry{
		Key:        key,
		Category:   category,
		Value:      value,
		Durability: durability,
		Confidence: clamp01(req.Confidence),
		Source:     source,
	}, nil
}

// putDurableLocked upserts e into the profile, prunes to budget (protecting
// e) and persists. The in-memory profile is restored if persisting fails.
func (s *Store) putDurableLocked(ctx context.Context, e Entry) (Entry, []Entry, error) {
	prev := s.profile.Clone()
	replaced := s.profile.Upsert(e)
	pruned := s.profile.Prune(s.cfg.WordBudget, map[string]bool{e.Key: true})
	if err := s.backend.SaveProfile(ctx, s.userID, s.profile); err != nil {
		s.profile = prev
		return Entry{}, nil, fmt.Errorf("memory: save profile for %s: %w", e.Key, err)
	}
	if len(pruned) > 0 {
		s.logger.Info("memory: profile pruned to word budget",
			"user_id", s.userID,
			"pruned", len(pruned),
			"words", s.profile.WordCount(),
			"budget", s.cfg.WordBudget,
		)
	}
	stored, _ := s.profile.Find(e.Key)
	if replaced || len(pruned) > 0 {
		s.rebuildLocked()
	} else {
		s.addDocLocked(profileDocID(stored.Key), stored)
	}
	return stored, pruned, nil
}

func (s *Store) deleteLocked(ctx context.Context, key string) (int, error) {
	removed := 0
	prev := s.profile.Clone()
	if s.profile.Remove(key) {
		if err := s.backend.SaveProfile(ctx, s.userID, s.profile); err != nil {
			s.profile = prev
			return 0, fmt.Errorf("memory: delete %s: %w", key, err)
		}
		removed++
	}
	kept := s.daily[:0]
	var firstErr error
	for _, n := range s.daily {
		if c := n.RemoveKey(key); c > 0 {
			removed += c
			var err error
			if len(n.Entries) == 0 {
				err = s.backend.DeleteDaily(ctx, s.userID, n.Date)
			} else {
				err = s.backend.SaveDaily(ctx, s.userID, n)
			}
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("memory: delete %s from %s: %w", key, n.Date, err)
			}
		}
		if len(n.Entries) > 0 {
			kept = append(kept, n)
		}
	}
	s.daily = kept
	return removed, firstErr
}

func (s *Store) expireLocked(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	kept := s.daily[:0]
	removed := 0
	var firstErr error
	for _, n := range s.daily {
		if n.Day().Before(cutoff) {
			if err := s.backend.DeleteDaily(ctx, s.userID, n.Date); err != nil && firstErr == nil {
				firstErr = err
			}
			removed++
			continue
		}
		kept = append(kept, n)
	}
	s.daily = kept
	return removed, firstErr
}

// noteForLocked returns the note for now's date, creating it when missing.
func (s *Store) noteForLocked(now time.Time) (*DailyNote, bool) {
	date := now.Format(DateLayout)
	for _, n := range s.daily {
		if n.Date == date {
			return n, false
		}
	}
	n := &DailyNote{Date: date}
	s.daily = append(s.daily, n)
	sort.SliceStable(s.daily, func(i, j int) bool { return s.daily[i].Date < s.daily[j].Date })
	return n, true
}

func (s *Store) dropNoteLocked(date string) {
	for i, n := range s.daily {
		if n.Date == date {
			s.daily = append(s.daily[:i], s.daily[i+1:]...)
			return
		}
	}
}

func (s *Store) recentLinesLocked() []string {
	today := s.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(s.cfg.RecentDays - 1))
	var lines []string
	for i := len(s.daily) - 1; i >= 0 && len(lines) < s.cfg.RecentLimit; i-- {
		n := s.daily[i]
		if n.Day().Before(since) {
			break
		}
		for j := len(n.Entries) - 1; j >= 0 && len(lines) < s.cfg.RecentLimit; j-- {
			lines = append(lines, n.Date+": "+n.Entries[j].Value)
		}
	}
	return lines
}

func (s *Store) searchLocked(query string, limit int, category Category) []SearchResult {
	var filter func(Document) bool
	if category != "" {
		filter = func(d Document) bool { return d.Category == category }
	}
	hits := s.index.Search(query, limit, filter)
	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, SearchResult{DocID: h.DocID, Entry: s.docs[h.DocID], Score: h.Score})
	}
	return out
}

// similarLocked returns existing entries that share e's key or whose wording
// overlaps e's value heavily.
func (s *Store) similarLocked(e Entry) []SearchResult {
	candidates := s.searchLocked(keyText(e.Key)+" "+e.Value, 5, "")
	want := Tokenize(e.Value)
	var out []SearchResult
	for _, c := range candidates {
		if c.Entry.Key == e.Key || jaccard(want, Tokenize(c.Entry.Value)) >= 0.6 {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) rebuildLocked() {
	docs := make([]Document, 0, s.profile.Len())
	s.docs = make(map[string]Entry, s.profile.Len())
	for _, e := range s.profile.Entries() {
		id := profileDocID(e.Key)
		s.docs[id] = e
		docs = append(docs, toDocument(id, e))
	}
	for _, n := range s.daily {
		for i, e := range n.Entries {
			id := dailyDocID(n.Date, i)
			s.docs[id] = e
			docs = append(docs, toDocument(id, e))
		}
	}
	s.index.Rebuild(docs)
}

func (s *Store) addDocLocked(id string, e Entry) {
	s.docs[id] = e
	s.index.Add(toDocument(id, e))
}

func toDocument(id string, e Entry) Document {
	return Document{
		ID:       id,
		Category: e.Category,
		Key:      e.Key,
		Tokens:   Tokenize(keyText(e.Key) + " " + e.Value),
	}
}

func profileDocID(key string) string {
	return "profile/" + key
}

func dailyDocID(date string, i int) string {
	return fmt.Sprintf("daily/%s/%04d", date, i)
}

// keyText returns the searchable part of a key: a slug's subject with the
// category prefix removed.
func keyText(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		key = key[i+1:]
	}
	return strings.NewReplacer("-", " ", "_", " ").Replace(key)
}

func categoryFromKey(key string) Category {
	if i := strings.IndexByte(key, '/'); i > 0 {
		if c, err := ParseCategory(key[:i]); err == nil {
			return c
		}
	}
	return CategoryPersonalContext
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter, union := 0, len(set)
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
