package blog

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/yuin/goldmark"
	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

var ErrInvalidPost = errors.New("title and body are required")

// Post is one blog entry. Body is markdown.
type Post struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HTML renders the post body with goldmark, falling back to escaped text.
func (p Post) HTML() string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(p.Body), &buf); err != nil {
		return template.HTMLEscapeString(p.Body)
	}
	return buf.String()
}

// Store persists posts in SQLite.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS blog_posts (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    body TEXT NOT NULL,
    image_url TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blog_posts_created ON blog_posts(created_at);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init blog schema: %w", err)
	}

	return &Store{
		db:      db,
		log:     log.With(slog.String("component", "blog")),
		clock:   time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) newID(now time.Time) string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
}

// Create stores a new post. Title and body must be non-empty.
func (s *Store) Create(ctx context.Context, title, body, imageURL string) (Post, error) {
	if strings.TrimSpace(title) == "" || strings.TrimSpace(body) == "" {
		return Post{}, ErrInvalidPost
	}
	now := s.clock().UTC()
	p := Post{
		ID:        s.newID(now),
		Title:     title,
		Body:      body,
		ImageURL:  imageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blog_posts(id, title, body, image_url, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Body, nullable(imageURL), now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return Post{}, fmt.Errorf("insert post: %w", err)
	}
	return p, nil
}

// List returns every post, newest first.
func (s *Store) List(ctx context.Context) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, body, image_url, created_at, updated_at FROM blog_posts ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	posts := []Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// Get returns one post; ok is false when the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (Post, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, image_url, created_at, updated_at FROM blog_posts WHERE id = ?`, id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, false, nil
	}
	if err != nil {
		return Post{}, false, err
	}
	return p, true, nil
}

// Delete removes a post and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blog_posts WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (Post, error) {
	var (
		p                Post
		image            sql.NullString
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.Title, &p.Body, &image, &created, &updated); err != nil {
		return Post{}, err
	}
	p.ImageURL = image.String
	var err error
	if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Post{}, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return Post{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
