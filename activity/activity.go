// Package activity tracks per-domain tab visibility, active time and activity state.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cooped/pkg/cooped"
	"cooped/storage"
)

// Store interface for state blob persistence.
type Store interface {
	Get(ctx context.Context, key string, dst any) error
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Tracker owns the ActivityRecord map persisted under storage.KeyTimeTracking.
// Records are mutated only through the methods below.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a tracker. A nil clock means time.Now.
func New(store Store, logger *slog.Logger, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		store:  store,
		logger: logger,
		now:    clock,
	}
}

func (t *Tracker) load(ctx context.Context) (map[string]*cooped.ActivityRecord, error) {
	records := make(map[string]*cooped.ActivityRecord)
	if err := t.store.Get(ctx, storage.KeyTimeTracking, &records); err != nil {
		if storage.IsNotFound(err) {
			return make(map[string]*cooped.ActivityRecord), nil
		}
		return nil, fmt.Errorf("load time tracking: %w", err)
	}
	return records, nil
}

func (t *Tracker) save(ctx context.Context, records map[string]*cooped.ActivityRecord) error {
	if err := t.store.Put(ctx, storage.KeyTimeTracking, records); err != nil {
		return fmt.Errorf("save time tracking: %w", err)
	}
	return nil
}

// update runs fn against the record for domain (creating it if needed) and persists the result.
// On any storage failure the stored state is left as it was.
func (t *Tracker) update(ctx context.Context, op, domain string, fn func(rec *cooped.ActivityRecord, now time.Time) error) (*cooped.ActivityRecord, error) {
	if domain == "" {
		return nil, errors.New("domain is required")
	}

	records, err := t.load(ctx)
	if err != nil {
		t.logger.Error("Activity tracker load failed", "op", op, "domain", domain, "error", err)
		return nil, err
	}

	now := t.now()
	rec, ok := records[domain]
	if !ok {
		rec = newRecord(domain, now)
		records[domain] = rec
	}

	if err := fn(rec, now); err != nil {
		return nil, err
	}

	if err := t.save(ctx, records); err != nil {
		t.logger.Error("Activity tracker save failed", "op", op, "domain", domain, "error", err)
		return nil, err
	}
	return rec, nil
}

func newRecord(domain string, now time.Time) *cooped.ActivityRecord {
	return &cooped.ActivityRecord{
		Domain:           domain,
		SessionStartTime: now,
		LastResetTime:    now,
		CurrentState:     cooped.StateInactive,
	}
}

// transition moves rec to state and appends an audit event.
func transition(rec *cooped.ActivityRecord, to cooped.ActivityState, metadata map[string]any, now time.Time) error {
	from := rec.CurrentState
	if err := cooped.ValidateTransition(from, to); err != nil {
		return err
	}
	rec.CurrentState = to
	rec.Events = append(rec.Events, cooped.ActivityEvent{
		At:       now,
		From:     from,
		To:       to,
		Metadata: metadata,
	})
	if len(rec.Events) > cooped.MaxActivityEvents {
		rec.Events = rec.Events[len(rec.Events)-cooped.MaxActivityEvents:]
	}
	return nil
}

// UpdateTabVisibility records a tab becoming visible or hidden.
// Hiding a visible tab adds the visible span to the accumulated active time.
func (t *Tracker) UpdateTabVisibility(ctx context.Context, domain string, isVisible bool) (*cooped.ActivityRecord, error) {
	return t.update(ctx, "tab_visibility", domain, func(rec *cooped.ActivityRecord, now time.Time) error {
		if isVisible {
			if rec.TabVisible {
				return nil
			}
			rec.TabVisible = true
			rec.LastTabActiveTime = now
			if rec.CurrentState == cooped.StateInactive {
				return transition(rec, cooped.StateActive, map[string]any{"reason": "tab_visible"}, now)
			}
			return nil
		}

		if !rec.TabVisible {
			return nil
		}
		if elapsed := now.Sub(rec.LastTabActiveTime); elapsed > 0 {
			rec.TotalActiveTimeMs += elapsed.Milliseconds()
		}
		rec.TabVisible = false
		if rec.CurrentState == cooped.StateInactive {
			return nil
		}
		return transition(rec, cooped.StateInactive, map[string]any{"reason": "tab_hidden"}, now)
	})
}

// SetActivityState moves domain to newState, rejecting edges outside the transition table.
func (t *Tracker) SetActivityState(ctx context.Context, domain string, newState cooped.ActivityState, metadata map[string]any) (*cooped.ActivityRecord, error) {
	return t.update(ctx, "set_state", domain, func(rec *cooped.ActivityRecord, now time.Time) error {
		return transition(rec, newState, metadata, now)
	})
}

// ResetWindow zeroes the accumulated active time and restarts the accounting window.
// A visible tab keeps counting from now.
func (t *Tracker) ResetWindow(ctx context.Context, domain string) (*cooped.ActivityRecord, error) {
	return t.update(ctx, "reset_window", domain, func(rec *cooped.ActivityRecord, now time.Time) error {
		rec.TotalActiveTimeMs = 0
		rec.LastResetTime = now
		if rec.TabVisible {
			rec.LastTabActiveTime = now
		}
		return nil
	})
}

// Record returns the record for domain, or nil if the domain was never seen.
func (t *Tracker) Record(ctx context.Context, domain string) (*cooped.ActivityRecord, error) {
	records, err := t.load(ctx)
	if err != nil {
		return nil, err
	}
	return records[domain], nil
}

// All returns every tracked record keyed by domain.
func (t *Tracker) All(ctx context.Context) (map[string]*cooped.ActivityRecord, error) {
	return t.load(ctx)
}

// ActiveTime returns the accumulated active time including the current visible span.
func (t *Tracker) ActiveTime(ctx context.Context, domain string) (time.Duration, error) {
	rec, err := t.Record(ctx, domain)
	if err != nil || rec == nil {
		return 0, err
	}
	return ActiveTimeAt(rec, t.now()), nil
}

// ActiveTimeAt computes a record's active time as of now.
func ActiveTimeAt(rec *cooped.ActivityRecord, now time.Time) time.Duration {
	total := time.Duration(rec.TotalActiveTimeMs) * time.Millisecond
	if rec.TabVisible {
		if running := now.Sub(rec.LastTabActiveTime); running > 0 {
			total += running
		}
	}
	return total
}

// Reset drops every record.
func (t *Tracker) Reset(ctx context.Context) error {
	if err := t.store.Delete(ctx, storage.KeyTimeTracking); err != nil {
		t.logger.Error("Activity tracker reset failed", "error", err)
		return fmt.Errorf("reset time tracking: %w", err)
	}
	t.logger.Info("Activity tracking reset")
	return nil
}
