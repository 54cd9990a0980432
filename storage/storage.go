// Package storage persists the local JSON state blobs.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// Well-known state keys.
const (
	KeyAppState     = "cooped_app_state"
	KeyTimeTracking = "cooped_time_tracking"
	KeyHourlyAccess = "cooped_hourly_access"
	KeySyncQueue    = "cooped_sync_queue"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: object doesn't exist")

var keyRegex = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Store handles key-value persistence of JSON blobs.
// Exactly one backend is active: a local directory, a SQLite file, or a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	db        *sql.DB
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a store backed by a local directory when localPath is set,
// otherwise by the given Cloud Storage bucket.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// objectName validates a key and maps it to a file or object name.
// Returns "" for keys that could escape the storage root.
func objectName(key string) string {
	if !keyRegex.MatchString(key) {
		return ""
	}
	return key + ".json"
}

// Get loads the blob stored under key into dst.
func (s *Store) Get(ctx context.Context, key string, dst any) error {
	name := objectName(key)
	if name == "" {
		return fmt.Errorf("invalid key %q", key)
	}

	data, err := s.read(ctx, key, name)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, key, name string) ([]byte, error) {
	switch {
	case s.localPath != "":
		data, err := os.ReadFile(filepath.Join(s.localPath, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	case s.db != nil:
		return s.sqliteGet(ctx, key)
	}

	// Cloud Storage with retry logic for reliability
	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(ErrNotFound)
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
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// Put stores value under key as JSON.
func (s *Store) Put(ctx context.Context, key string, value any) error {
	name := objectName(key)
	if name == "" {
		return fmt.Errorf("invalid key %q", key)
	}

	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, name)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("State saved to local storage", "path", filePath, "bytes", len(data))
		return nil
	}

	if s.db != nil {
		return s.sqlitePut(ctx, key, data)
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("State saved", "key", key, "bytes", len(data))
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	name := objectName(key)
	if name == "" {
		return fmt.Errorf("invalid key %q", key)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, name)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	if s.db != nil {
		return s.sqliteDelete(ctx, key)
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(name).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// Keys lists all stored keys in sorted order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string

	switch {
	case s.localPath != "":
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, strings.TrimSuffix(entry.Name(), ".json"))
		}
	case s.db != nil:
		var err error
		keys, err = s.sqliteKeys(ctx)
		if err != nil {
			return nil, err
		}
	default:
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: "cooped_"})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, strings.TrimSuffix(attrs.Name, ".json"))
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Close releases the underlying database handle, if any.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// IsNotFound checks if an error indicates a key was never written.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
