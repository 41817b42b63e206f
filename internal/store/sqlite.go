package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS engagements (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	video_id TEXT,
	audio_id TEXT,
	relaxation REAL NOT NULL,
	concentration REAL NOT NULL,
	screenshot_url TEXT,
	timecode TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_engagements_user_video ON engagements(user_id, video_id);
CREATE INDEX IF NOT EXISTS idx_engagements_user_audio ON engagements(user_id, audio_id);
`

// SQLite stores records in a single-file database in WAL mode. Writes are
// serialized through one connection.
type SQLite struct {
	db   *sql.DB
	path string
	log  *zap.SugaredLogger
	now  func() time.Time
}

func OpenSQLite(path string, log *zap.SugaredLogger) (*SQLite, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}

	dsn := path
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	} else if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := configure(db, path); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Infow("record store opened", "driver", "sqlite", "path", path)
	return &SQLite{db: db, path: path, log: log, now: time.Now}, nil
}

func configure(db *sql.DB, path string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("set synchronous mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}

	// In-memory databases report "memory" instead of "wal".
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("query journal mode: %w", err)
	}
	if path != ":memory:" && mode != "wal" {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLite) Create(ctx context.Context, rec NewRecord) (Record, error) {
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	r := Record{
		ID:        uuid.NewString(),
		NewRecord: rec,
		CreatedAt: s.now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagements
			(id, user_id, video_id, audio_id, relaxation, concentration, screenshot_url, timecode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, nullable(r.VideoID), nullable(r.AudioID),
		r.Relaxation, r.Concentration, nullable(r.ScreenshotURL), r.Timecode,
		r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert engagement: %w", err)
	}
	return r, nil
}

const selectColumns = `id, user_id, video_id, audio_id, relaxation, concentration, screenshot_url, timecode, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		r                         Record
		videoID, audioID, shotURL sql.NullString
		created                   int64
	)
	err := row.Scan(&r.ID, &r.UserID, &videoID, &audioID,
		&r.Relaxation, &r.Concentration, &shotURL, &r.Timecode, &created)
	if err != nil {
		return Record{}, err
	}
	r.VideoID = videoID.String
	r.AudioID = audioID.String
	r.ScreenshotURL = shotURL.String
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM engagements WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get engagement %s: %w", id, err)
	}
	return r, nil
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT ` + selectColumns + ` FROM engagements WHERE user_id = ?`
	args := []any{f.UserID}
	if f.VideoID != "" {
		query += ` AND video_id = ?`
		args = append(args, f.VideoID)
	}
	if f.AudioID != "" {
		query += ` AND audio_id = ?`
		args = append(args, f.AudioID)
	}
	query += ` ORDER BY rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list engagements: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan engagement: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engagements: %w", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
