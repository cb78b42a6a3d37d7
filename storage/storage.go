// Package storage handles persistence of ingested posts.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"nightvibe/pkg/vibe"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// ErrDuplicate reports that a post with the same platform and external id already exists.
var ErrDuplicate = errors.New("storage: duplicate post")

// IsDuplicate checks if an error is a uniqueness violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// Store persists posts keyed by (platform, external id).
type Store interface {
	// InsertMany writes posts and returns how many were actually stored.
	// Posts that already exist are skipped without error.
	InsertMany(ctx context.Context, posts []*vibe.StoredPost) (int, error)
	Exists(ctx context.Context, platform vibe.Platform, externalID string) (bool, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	Query(ctx context.Context, q vibe.Query) ([]*vibe.StoredPost, error)
	Close() error
}

// Options select and configure a backend.
type Options struct {
	GCS         *storage.Client // Used with Bucket
	Logger      *slog.Logger
	DatabaseURL string // postgres:// URL; takes precedence over everything else
	SQLitePath  string
	Bucket      string
	LocalPath   string // Directory for the file-backed bucket store
}

// Open creates the store selected by opts.
// Precedence: DatabaseURL, SQLitePath, Bucket, LocalPath.
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case opts.DatabaseURL != "", opts.SQLitePath != "":
		dialect, dsn := DialectSQLite, opts.SQLitePath
		if opts.DatabaseURL != "" {
			dialect, dsn = DialectPostgres, opts.DatabaseURL
		}
		s, err := OpenSQL(ctx, dialect, dsn, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case opts.Bucket != "":
		if opts.GCS == nil {
			return nil, errors.New("bucket storage requires a cloud storage client")
		}
		return NewBucket(opts.GCS, opts.Bucket, "", logger), nil
	case opts.LocalPath != "":
		return NewBucket(nil, "", opts.LocalPath, logger), nil
	default:
		return nil, errors.New("no storage backend configured")
	}
}

// PostKey generates a stable object name for a post.
// The external id is hashed so arbitrary platform ids are safe as object names.
func PostKey(platform vibe.Platform, externalID string) string {
	sum := sha256.Sum256([]byte(externalID))
	return fmt.Sprintf("posts/%s/%s.json", platform, hex.EncodeToString(sum[:]))
}

// matches applies the display query filters to one post.
func matches(p *vibe.StoredPost, q vibe.Query) bool {
	if q.Platform != "" && p.Platform != q.Platform {
		return false
	}
	if q.Location != "" && !strings.Contains(strings.ToLower(p.Location), strings.ToLower(q.Location)) {
		return false
	}
	return true
}

// sortForDisplay orders posts by vibe score then original timestamp, both descending.
func sortForDisplay(posts []*vibe.StoredPost) {
	sort.SliceStable(posts, func(i, j int) bool {
		if posts[i].VibeScore != posts[j].VibeScore {
			return posts[i].VibeScore > posts[j].VibeScore
		}
		return posts[i].Timestamp.After(posts[j].Timestamp)
	})
}
