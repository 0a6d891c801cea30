package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a reader known to the bot.
type User struct {
	ID            string
	DisplayName   string
	Channel       string
	MemoryEnabled bool
	Onboarded     bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EnsureUser returns the user with id, creating it on first contact. The
// display name and channel are only set on creation.
func (s *Store) EnsureUser(ctx context.Context, id, displayName, channel string) (*User, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, channel, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, displayName, channel, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	return s.GetUser(ctx, id)
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var memoryEnabled, onboarded int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, channel, memory_enabled, onboarded, created_at, updated_at
		FROM users
		WHERE id = ?
	`, id).Scan(&u.ID, &u.DisplayName, &u.Channel, &memoryEnabled, &onboarded, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.MemoryEnabled = memoryEnabled != 0
	u.Onboarded = onboarded != 0
	return u, nil
}

// ListUsers returns every user ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, channel, memory_enabled, onboarded, created_at, updated_at
		FROM users
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u := &User{}
		var memoryEnabled, onboarded int
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Channel, &memoryEnabled, &onboarded, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.MemoryEnabled = memoryEnabled != 0
		u.Onboarded = onboarded != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// MemoryEnabled reports whether memory collection is on for the user.
// Unknown users have nothing collected.
func (s *Store) MemoryEnabled(ctx context.Context, id string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, "SELECT memory_enabled FROM users WHERE id = ?", id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read memory flag: %w", err)
	}
	return enabled != 0, nil
}

// SetMemoryEnabled pauses or resumes memory collection for the user.
func (s *Store) SetMemoryEnabled(ctx context.Context, id string, enabled bool) error {
	return s.setFlag(ctx, id, "memory_enabled", enabled)
}

// SetOnboarded records that the user finished onboarding.
func (s *Store) SetOnboarded(ctx context.Context, id string, onboarded bool) error {
	return s.setFlag(ctx, id, "onboarded", onboarded)
}

// setFlag updates one boolean column. column is never user input.
func (s *Store) setFlag(ctx context.Context, id, column string, value bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET "+column+" = ?, updated_at = ? WHERE id = ?",
		boolToInt(value), s.now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}
