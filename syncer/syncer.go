// Package syncer pushes locally queued session records to the hosted store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"cooped/pkg/cooped"
	"cooped/remote"
	"cooped/storage"
)

// SessionsTable is the remote table receiving session records.
const SessionsTable = "sessions"

const (
	// Interval between background flushes.
	Interval = 5 * time.Minute
	// MaxAge is how long an entry may wait in the queue before it is dropped.
	MaxAge = 7 * 24 * time.Hour
)

// Store interface for the local queue blob.
type Store interface {
	Get(ctx context.Context, key string, dst any) error
	Put(ctx context.Context, key string, value any) error
}

// Remote interface for the hosted store.
type Remote interface {
	Insert(ctx context.Context, table string, row any, dst any) error
}

// Entry is one queued session record.
type Entry struct {
	QueuedAt  time.Time            `json:"queued_at"`
	Record    cooped.SessionRecord `json:"record"`
	ID        string               `json:"id"`
	LastError string               `json:"last_error,omitempty"`
	Attempts  int                  `json:"attempts"`
}

// Result summarizes one flush.
type Result struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
	Pending int `json:"pending"`
}

// Syncer drains the sync queue.
type Syncer struct {
	store  Store
	remote Remote
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// New creates a syncer. A nil clock means time.Now.
func New(store Store, r Remote, logger *slog.Logger, clock func() time.Time) *Syncer {
	if clock == nil {
		clock = time.Now
	}
	return &Syncer{
		store:  store,
		remote: r,
		logger: logger,
		now:    clock,
	}
}

func (s *Syncer) load(ctx context.Context) ([]Entry, error) {
	var queue []Entry
	if err := s.store.Get(ctx, storage.KeySyncQueue, &queue); err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	return queue, nil
}

func (s *Syncer) save(ctx context.Context, queue []Entry) error {
	if queue == nil {
		queue = []Entry{}
	}
	if err := s.store.Put(ctx, storage.KeySyncQueue, queue); err != nil {
		return fmt.Errorf("save sync queue: %w", err)
	}
	return nil
}

// Enqueue appends a record for a later flush. Records without an id get one,
// so retried inserts stay identifiable.
func (s *Syncer) Enqueue(ctx context.Context, rec cooped.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	queue, err := s.load(ctx)
	if err != nil {
		return err
	}
	queue = append(queue, Entry{ID: uuid.NewString(), QueuedAt: s.now().UTC(), Record: rec})
	if err := s.save(ctx, queue); err != nil {
		return err
	}
	s.logger.Info("Session record queued", "record_id", rec.ID, "queue_length", len(queue))
	return nil
}

// Pending returns the queued entries.
func (s *Syncer) Pending(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// FlushAll sends every queued record. Entries that fail stay queued with an
// incremented attempt count; entries older than MaxAge are dropped unsent.
// Without a session nothing is sent and the queue is left untouched.
func (s *Syncer) FlushAll(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.load(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(queue) == 0 {
		return Result{}, nil
	}

	now := s.now()
	s.logger.Info("Flushing sync queue", "count", len(queue), "timestamp", now.Format(time.RFC3339))

	var res Result
	var kept []Entry
flush:
	for i, e := range queue {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled, stopping flush", "error", ctx.Err())
			kept = append(kept, queue[i:]...)
			res.Pending = len(kept)
			if err := s.save(context.WithoutCancel(ctx), kept); err != nil {
				s.logger.Warn("Failed to save sync queue after cancellation", "error", err)
			}
			return res, ctx.Err()
		default:
		}

		if now.Sub(e.QueuedAt) > MaxAge {
			s.logger.Warn("Dropping stale session record",
				"record_id", e.Record.ID,
				"queued_at", e.QueuedAt.Format(time.RFC3339),
				"attempts", e.Attempts)
			res.Dropped++
			continue
		}

		err := s.remote.Insert(ctx, SessionsTable, e.Record, nil)
		if errors.Is(err, remote.ErrNotAuthenticated) {
			// Signed out: keep everything as-is without counting an attempt.
			s.logger.Info("Not signed in, deferring sync", "pending", len(queue)-i)
			kept = append(kept, queue[i:]...)
			break flush
		}
		if remote.IsConflict(err) {
			// An earlier attempt already stored this id.
			s.logger.Info("Session record already synced", "record_id", e.Record.ID)
			res.Sent++
			continue
		}
		if err != nil {
			e.Attempts++
			e.LastError = err.Error()
			kept = append(kept, e)
			res.Failed++
			s.logger.Warn("Session record sync failed", "record_id", e.Record.ID, "attempts", e.Attempts, "error", err)
			continue
		}
		res.Sent++
	}

	res.Pending = len(kept)
	if err := s.save(ctx, kept); err != nil {
		return res, err
	}

	s.logger.Info("Sync queue flushed",
		"sent", res.Sent,
		"failed", res.Failed,
		"dropped", res.Dropped,
		"pending", res.Pending)
	return res, nil
}

// Run flushes every Interval until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	s.RunEvery(ctx, Interval)
}

// RunEvery flushes every interval until ctx is cancelled.
func (s *Syncer) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Syncer stopped", "reason", ctx.Err())
			return
		case <-ticker.C:
			if _, err := s.FlushAll(ctx); err != nil {
				s.logger.Error("Periodic sync failed", "error", err)
			}
		}
	}
}
