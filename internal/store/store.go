// Package store persists worlds, generated images and sealed personal
// credentials in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

import (
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist or belongs to
// another owner.
var ErrNotFound = errors.New("store: not found")

// World is a user's durable setting record that generations can reference.
type World struct {
	ID          string    `json:"id"`
	Owner       string    `json:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ImageRecord is a stored image blob.
type ImageRecord struct {
	ID          string    `json:"id"`
	Owner       string    `json:"-"`
	Prompt      string    `json:"prompt"`
	ContentType string    `json:"contentType"`
	Size        int       `json:"size"`
	Data        []byte    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is a SQLite-backed record store. A single connection serializes
// writers.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: db path cannot be empty")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS worlds (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_worlds_owner ON worlds(owner, created_at);

	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		prompt TEXT NOT NULL,
		content_type TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		subject TEXT PRIMARY KEY,
		sealed BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// ---- worlds ----

func (s *Store) CreateWorld(ctx context.Context, owner, name, description string) (World, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	w := World{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worlds (id, owner, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.Owner, w.Name, w.Description, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return World{}, fmt.Errorf("store: create world: %w", err)
	}
	return w, nil
}

func (s *Store) GetWorld(ctx context.Context, owner, id string) (World, error) {
	var (
		w                World
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, name, description, created_at, updated_at FROM worlds WHERE id = ? AND owner = ?`,
		id, owner).Scan(&w.ID, &w.Owner, &w.Name, &w.Description, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return World{}, ErrNotFound
	}
	if err != nil {
		return World{}, fmt.Errorf("store: get world: %w", err)
	}
	w.CreatedAt = time.UnixMilli(created).UTC()
	w.UpdatedAt = time.UnixMilli(updated).UTC()
	return w, nil
}

func (s *Store) ListWorlds(ctx context.Context, owner string) ([]World, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner, name, description, created_at, updated_at FROM worlds WHERE owner = ? ORDER BY created_at, id`,
		owner)
	if err != nil {
		return nil, fmt.Errorf("store: list worlds: %w", err)
	}
	defer rows.Close()

	out := make([]World, 0)
	for rows.Next() {
		var (
			w                World
			created, updated int64
		)
		if err := rows.Scan(&w.ID, &w.Owner, &w.Name, &w.Description, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: scan world: %w", err)
		}
		w.CreatedAt = time.UnixMilli(created).UTC()
		w.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate worlds: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateWorld(ctx context.Context, owner, id, name, description string) (World, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`UPDATE worlds SET name = ?, description = ?, updated_at = ? WHERE id = ? AND owner = ?`,
		name, description, now.UnixMilli(), id, owner)
	if err != nil {
		return World{}, fmt.Errorf("store: update world: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return World{}, ErrNotFound
	}
	return s.GetWorld(ctx, owner, id)
}

func (s *Store) DeleteWorld(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM worlds WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return fmt.Errorf("store: delete world: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- images ----

func (s *Store) SaveImage(ctx context.Context, owner, prompt, contentType string, data []byte) (ImageRecord, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	rec := ImageRecord{
		ID:          uuid.NewString(),
		Owner:       owner,
		Prompt:      prompt,
		ContentType: contentType,
		Size:        len(data),
		Data:        data,
		CreatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO images (id, owner, prompt, content_type, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, owner, prompt, contentType, data, now.UnixMilli())
	if err != nil {
		return ImageRecord{}, fmt.Errorf("store: save image: %w", err)
	}
	return rec, nil
}

// GetImage loads an image by id. Image ids are unguessable, so any caller
// holding one may fetch it.
func (s *Store) GetImage(ctx context.Context, id string) (ImageRecord, error) {
	var (
		rec     ImageRecord
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, prompt, content_type, data, created_at FROM images WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Owner, &rec.Prompt, &rec.ContentType, &rec.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, fmt.Errorf("store: get image: %w", err)
	}
	rec.Size = len(rec.Data)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	return rec, nil
}

// ---- credentials ----

func (s *Store) PutCredential(ctx context.Context, subject string, sealed []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (subject, sealed, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (subject) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		subject, sealed, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: put credential: %w", err)
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, subject string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `SELECT sealed FROM credentials WHERE subject = ?`, subject).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get credential: %w", err)
	}
	return sealed, nil
}

func (s *Store) DeleteCredential(ctx context.Context, subject string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE subject = ?`, subject)
	if err != nil {
		return fmt.Errorf("store: delete credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
