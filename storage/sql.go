package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"nightvibe/pkg/vibe"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect names a supported SQL backend.
type Dialect string

// Supported SQL dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  external_id TEXT NOT NULL,
  username TEXT NOT NULL,
  caption TEXT NOT NULL,
  media_url TEXT NOT NULL DEFAULT '',
  location TEXT NOT NULL,
  post_url TEXT NOT NULL,
  keywords TEXT NOT NULL,
  likes INTEGER NOT NULL,
  vibe_score INTEGER NOT NULL,
  posted_at BIGINT NOT NULL,
  created_at BIGINT NOT NULL,
  UNIQUE (platform, external_id)
);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts (created_at);
CREATE INDEX IF NOT EXISTS idx_posts_display ON posts (vibe_score DESC, posted_at DESC);
`

const postColumns = `id, platform, external_id, username, caption, media_url, location, post_url, keywords, likes, vibe_score, posted_at, created_at`

// SQLStore keeps posts in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	logger  *slog.Logger
	dialect Dialect
}

// OpenSQL connects, verifies the connection and creates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*SQLStore, error) {
	var driver string
	switch dialect {
	case DialectSQLite:
		driver = "sqlite"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dialect == DialectSQLite {
		// One connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLStore{db: db, logger: logger, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("SQL storage ready", "dialect", dialect)
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertMany writes all posts in one transaction.
// Conflicting (platform, external_id) rows are skipped and not counted.
func (s *SQLStore) InsertMany(ctx context.Context, posts []*vibe.StoredPost) (int, error) {
	if len(posts) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, external_id) DO NOTHING`))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			s.logger.Warn("Failed to close statement", "error", closeErr)
		}
	}()

	inserted := 0
	ids := make([]string, len(posts))
	for i, p := range posts {
		kw, err := json.Marshal(p.Keywords)
		if err != nil {
			return 0, fmt.Errorf("marshal keywords: %w", err)
		}
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		res, err := stmt.ExecContext(ctx,
			id,
			string(p.Platform),
			p.ExternalID,
			p.Username,
			p.Caption,
			p.MediaURL,
			p.Location,
			p.PostURL,
			string(kw),
			p.Likes,
			p.VibeScore,
			p.Timestamp.UnixMilli(),
			p.CreatedAt.UnixMilli(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("insert post %s/%s: %w", p.Platform, p.ExternalID, ErrDuplicate)
			}
			return 0, fmt.Errorf("insert post %s/%s: %w", p.Platform, p.ExternalID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		if n > 0 {
			inserted++
			ids[i] = id
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit inserts: %w", err)
	}
	for i, id := range ids {
		if id != "" {
			posts[i].ID = id
		}
	}

	s.logger.Debug("Inserted posts", "attempted", len(posts), "inserted", inserted)
	return inserted, nil
}

// Exists reports whether a post with this platform and external id is stored.
func (s *SQLStore) Exists(ctx context.Context, platform vibe.Platform, externalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT 1 FROM posts WHERE platform = ? AND external_id = ? LIMIT 1`),
		string(platform), externalID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check post %s/%s: %w", platform, externalID, err)
	}
	return true, nil
}

// DeleteOlderThan removes posts ingested strictly before cutoff.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM posts WHERE created_at < ?`), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired posts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return int(n), nil
}

// Query returns posts for display ordered by vibe score then timestamp.
func (s *SQLStore) Query(ctx context.Context, q vibe.Query) ([]*vibe.StoredPost, error) {
	var (
		where []string
		args  []any
	)
	if q.Location != "" {
		where = append(where, `LOWER(location) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q.Location))+"%")
	}
	if q.Platform != "" {
		where = append(where, `platform = ?`)
		args = append(args, string(q.Platform))
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY vibe_score DESC, posted_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()

	var posts []*vibe.StoredPost
	for rows.Next() {
		var (
			p                   vibe.StoredPost
			platform, kw        string
			postedAt, createdAt int64
		)
		if err := rows.Scan(
			&p.ID,
			&platform,
			&p.ExternalID,
			&p.Username,
			&p.Caption,
			&p.MediaURL,
			&p.Location,
			&p.PostURL,
			&kw,
			&p.Likes,
			&p.VibeScore,
			&postedAt,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		if err := json.Unmarshal([]byte(kw), &p.Keywords); err != nil {
			return nil, fmt.Errorf("unmarshal keywords for %s: %w", p.ID, err)
		}
		p.Platform = vibe.Platform(platform)
		p.Timestamp = time.UnixMilli(postedAt).UTC()
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		posts = append(posts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// isUniqueViolation detects constraint errors from either driver.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// Extended result codes disabled; fall back to the message.
			return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
		}
	}
	return false
}
