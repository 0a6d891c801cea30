package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Article is one ingested item a user can discuss.
type Article struct {
	ID          string
	Title       string
	URL         string
	Body        string
	PublishedAt sql.NullTime
	CreatedAt   time.Time
}

// PutArticle inserts or replaces an article.
func (s *Store) PutArticle(ctx context.Context, a *Article) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO articles (id, title, url, body, published_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			body = excluded.body,
			published_at = excluded.published_at
	`, a.ID, a.Title, a.URL, a.Body, a.PublishedAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put article: %w", err)
	}
	return nil
}

// GetArticle retrieves an article by ID
func (s *Store) GetArticle(ctx context.Context, id string) (*Article, error) {
	a := &Article{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, url, body, published_at, created_at
		FROM articles
		WHERE id = ?
	`, id).Scan(&a.ID, &a.Title, &a.URL, &a.Body, &a.PublishedAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: article %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get article: %w", err)
	}
	return a, nil
}

// GetArticleText returns the text handed to context assembly: the title
// followed by the body.
func (s *Store) GetArticleText(ctx context.Context, id string) (string, error) {
	a, err := s.GetArticle(ctx, id)
	if err != nil {
		return "", err
	}
	if a.Title == "" {
		return a.Body, nil
	}
	return a.Title + "\n\n" + a.Body, nil
}
