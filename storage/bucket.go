package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"nightvibe/pkg/vibe"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const postPrefix = "posts/"

// BucketStore keeps one JSON object per post in Cloud Storage or a local directory.
type BucketStore struct {
	client    *storage.Client
	logger    *slog.Logger
	bucket    string
	localPath string
}

// NewBucket creates a bucket-backed store. A non-empty localPath uses the filesystem instead of GCS.
func NewBucket(client *storage.Client, bucket, localPath string, logger *slog.Logger) *BucketStore {
	return &BucketStore{
		client:    client,
		logger:    logger,
		bucket:    bucket,
		localPath: localPath,
	}
}

// Close releases the Cloud Storage client if one is in use.
func (s *BucketStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(5 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// InsertMany writes each post with a create-if-absent precondition.
// Existing posts are skipped. If a write fails, objects written by this call are removed.
func (s *BucketStore) InsertMany(ctx context.Context, posts []*vibe.StoredPost) (int, error) {
	var written []string
	for _, p := range posts {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		key := PostKey(p.Platform, p.ExternalID)
		created, err := s.create(ctx, key, p)
		if err != nil {
			s.rollback(written)
			return 0, fmt.Errorf("insert post %s/%s: %w", p.Platform, p.ExternalID, err)
		}
		if created {
			written = append(written, key)
		}
	}
	s.logger.Debug("Inserted posts", "attempted", len(posts), "inserted", len(written))
	return len(written), nil
}

// create writes a post unless its key exists. It reports whether the object was created.
func (s *BucketStore) create(ctx context.Context, key string, p *vibe.StoredPost) (bool, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal post: %w", err)
	}

	if s.localPath != "" {
		path := filepath.Join(s.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return false, fmt.Errorf("create local directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("open local object: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return false, fmt.Errorf("write local object: %w", err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(path)
			return false, fmt.Errorf("close local object: %w", err)
		}
		return true, nil
	}

	created := false
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					return nil
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			created = true
			return nil
		},
		retryOpts(ctx, s.logger, "create", key)...,
	)
	if err != nil {
		return false, fmt.Errorf("create after retries: %w", err)
	}
	return created, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// rollback removes objects written by a failed batch.
func (s *BucketStore) rollback(keys []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, key := range keys {
		if err := s.remove(ctx, key); err != nil {
			s.logger.Warn("Failed to roll back post object", "key", key, "error", err)
		}
	}
}

func (s *BucketStore) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		err := os.Remove(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// Exists reports whether the post object is present.
func (s *BucketStore) Exists(ctx context.Context, platform vibe.Platform, externalID string) (bool, error) {
	key := PostKey(platform, externalID)
	if s.localPath != "" {
		_, err := os.Stat(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("stat local object: %w", err)
		}
		return true, nil
	}

	exists := false
	err := retry.Do(
		func() error {
			_, attrErr := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
			if errors.Is(attrErr, storage.ErrObjectNotExist) {
				exists = false
				return nil
			}
			if attrErr != nil {
				return fmt.Errorf("read object attrs: %w", attrErr)
			}
			exists = true
			return nil
		},
		retryOpts(ctx, s.logger, "exists", key)...,
	)
	if err != nil {
		return false, fmt.Errorf("exists after retries: %w", err)
	}
	return exists, nil
}

// load reads and decodes one post object.
func (s *BucketStore) load(ctx context.Context, key string) (*vibe.StoredPost, error) {
	var data []byte
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, filepath.FromSlash(key)))
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()
				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retryOpts(ctx, s.logger, "load", key)...,
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var p vibe.StoredPost
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal post: %w", err)
	}
	return &p, nil
}

// each visits every stored post key.
func (s *BucketStore) each(ctx context.Context, fn func(key string, created time.Time) error) error {
	if s.localPath != "" {
		root := filepath.Join(s.localPath, filepath.FromSlash(postPrefix))
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			rel, err := filepath.Rel(s.localPath, path)
			if err != nil {
				return err
			}
			return fn(filepath.ToSlash(rel), time.Time{})
		})
		if err != nil {
			return fmt.Errorf("walk local storage: %w", err)
		}
		return nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: postPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("iterate storage: %w", err)
		}
		if err := fn(attrs.Name, attrs.Created); err != nil {
			return err
		}
	}
}

// DeleteOlderThan removes posts ingested strictly before cutoff.
func (s *BucketStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var expired []string
	err := s.each(ctx, func(key string, created time.Time) error {
		if created.IsZero() {
			p, err := s.load(ctx, key)
			if err != nil {
				s.logger.Warn("Failed to load post during cleanup", "key", key, "error", err)
				return nil
			}
			created = p.CreatedAt
		}
		if created.Before(cutoff) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range expired {
		if err := s.remove(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Query lists posts, filters them and returns the top entries for display.
func (s *BucketStore) Query(ctx context.Context, q vibe.Query) ([]*vibe.StoredPost, error) {
	var posts []*vibe.StoredPost
	err := s.each(ctx, func(key string, _ time.Time) error {
		p, err := s.load(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load post", "key", key, "error", err)
			return nil
		}
		if matches(p, q) {
			posts = append(posts, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortForDisplay(posts)
	if q.Limit > 0 && len(posts) > q.Limit {
		posts = posts[:q.Limit]
	}
	return posts, nil
}
