package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var _ mautrix.SyncStore = (*cursorStore)(nil)

// syncCursor is one bot account's position on the Matrix /sync stream.
type syncCursor struct {
	FilterID  string
	NextBatch string
	UpdatedAt time.Time
}

// cursorStore keeps the /sync position in the channel_cursors table so a
// restart resumes where the bot stopped instead of answering old messages
// again. Rows are keyed by the bot's channel user ID, so two bot accounts
// sharing a database never overwrite each other.
type cursorStore struct {
	db  *sql.DB
	now func() time.Time
}

func newCursorStore(db *sql.DB) *cursorStore {
	return &cursorStore{db: db, now: time.Now}
}

func cursorAccount(userID id.UserID) string {
	return UserID(MatrixName, userID.String())
}

// position returns the zero cursor when the account has never synced.
func (c *cursorStore) position(ctx context.Context, account string) (syncCursor, error) {
	var cur syncCursor
	err := c.db.QueryRowContext(ctx, `
		SELECT filter_id, next_batch, updated_at FROM channel_cursors WHERE account = ?
	`, account).Scan(&cur.FilterID, &cur.NextBatch, &cur.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return syncCursor{}, nil
	}
	if err != nil {
		return syncCursor{}, fmt.Errorf("failed to load cursor for %s: %w", account, err)
	}
	return cur, nil
}

func (c *cursorStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO channel_cursors (account, filter_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET filter_id = excluded.filter_id, updated_at = excluded.updated_at
	`, cursorAccount(userID), filterID, c.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save filter ID: %w", err)
	}
	return nil
}

func (c *cursorStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	cur, err := c.position(ctx, cursorAccount(userID))
	return cur.FilterID, err
}

func (c *cursorStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO channel_cursors (account, next_batch, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET next_batch = excluded.next_batch, updated_at = excluded.updated_at
	`, cursorAccount(userID), nextBatchToken, c.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save sync position: %w", err)
	}
	return nil
}

func (c *cursorStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	cur, err := c.position(ctx, cursorAccount(userID))
	return cur.NextBatch, err
}
