// Package gate implements the per-domain hourly access gate: the first visit in a
// rolling hour gets a timer, a repeat visit after the challenge was shown is blocked.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cooped/pkg/cooped"
	"cooped/storage"
)

// Window is the length of one access window, anchored at the record's HourStartTime.
const Window = time.Hour

// Decision is the outcome of an access check.
type Decision string

// Possible decisions.
const (
	FirstAccess  Decision = "first_access"
	RepeatAccess Decision = "repeat_access"
	HourExpired  Decision = "hour_expired"
)

// Allowed reports whether the visit may proceed to the timer.
func (d Decision) Allowed() bool {
	return d != RepeatAccess
}

// Store interface for state blob persistence.
type Store interface {
	Get(ctx context.Context, key string, dst any) error
	Put(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, key string) error
}

// Gate owns the HourlyAccessRecord map persisted under storage.KeyHourlyAccess.
type Gate struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a gate. A nil clock means time.Now.
func New(store Store, logger *slog.Logger, clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{store: store, logger: logger, now: clock}
}

func (g *Gate) load(ctx context.Context) (map[string]*cooped.HourlyAccessRecord, error) {
	records := make(map[string]*cooped.HourlyAccessRecord)
	if err := g.store.Get(ctx, storage.KeyHourlyAccess, &records); err != nil {
		if storage.IsNotFound(err) {
			return make(map[string]*cooped.HourlyAccessRecord), nil
		}
		return nil, fmt.Errorf("load hourly access: %w", err)
	}
	return records, nil
}

func (g *Gate) save(ctx context.Context, records map[string]*cooped.HourlyAccessRecord) error {
	if err := g.store.Put(ctx, storage.KeyHourlyAccess, records); err != nil {
		return fmt.Errorf("save hourly access: %w", err)
	}
	return nil
}

// CheckDomainAccessState decides whether a navigation to domain gets the timer or an instant block.
func (g *Gate) CheckDomainAccessState(ctx context.Context, domain string) (Decision, *cooped.HourlyAccessRecord, error) {
	if domain == "" {
		return "", nil, errors.New("domain is required")
	}

	records, err := g.load(ctx)
	if err != nil {
		return "", nil, err
	}

	now := g.now()
	rec, ok := records[domain]
	switch {
	case !ok:
		rec = &cooped.HourlyAccessRecord{FirstAccessTime: now, HourStartTime: now}
		records[domain] = rec
		if err := g.save(ctx, records); err != nil {
			return "", nil, err
		}
		g.logger.Info("First access this hour", "domain", domain)
		return FirstAccess, rec, nil

	case now.Sub(rec.HourStartTime) > Window:
		rec.HourStartTime = now
		rec.HasBeenBlocked = false
		if err := g.save(ctx, records); err != nil {
			return "", nil, err
		}
		g.logger.Info("Access window expired, resetting", "domain", domain)
		return HourExpired, rec, nil

	case rec.HasBeenBlocked:
		g.logger.Debug("Repeat access within hour", "domain", domain,
			"window_ends", rec.HourStartTime.Add(Window).Format(time.RFC3339))
		return RepeatAccess, rec, nil

	default:
		// Timer still pending: the challenge has not been displayed yet.
		return FirstAccess, rec, nil
	}
}

// MarkDomainAsBlocked records that the timer-gated challenge was displayed.
func (g *Gate) MarkDomainAsBlocked(ctx context.Context, domain string) error {
	if domain == "" {
		return errors.New("domain is required")
	}

	records, err := g.load(ctx)
	if err != nil {
		return err
	}

	now := g.now()
	rec, ok := records[domain]
	switch {
	case !ok:
		rec = &cooped.HourlyAccessRecord{FirstAccessTime: now, HourStartTime: now}
		records[domain] = rec
	case now.Sub(rec.HourStartTime) > Window:
		// A challenge shown after the window ran out starts a new window.
		rec.HourStartTime = now
		rec.HasBeenBlocked = false
	case rec.HasBeenBlocked:
		return nil
	}
	rec.HasBeenBlocked = true

	if err := g.save(ctx, records); err != nil {
		return err
	}
	g.logger.Info("Domain marked as blocked", "domain", domain)
	return nil
}

// Reset forgets the gate state for one domain.
func (g *Gate) Reset(ctx context.Context, domain string) error {
	records, err := g.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := records[domain]; !ok {
		return nil
	}
	delete(records, domain)
	return g.save(ctx, records)
}

// ResetAll forgets the gate state for every domain.
func (g *Gate) ResetAll(ctx context.Context) error {
	if err := g.store.Delete(ctx, storage.KeyHourlyAccess); err != nil {
		return fmt.Errorf("reset hourly access: %w", err)
	}
	return nil
}

// Records returns the gate state keyed by domain.
func (g *Gate) Records(ctx context.Context) (map[string]*cooped.HourlyAccessRecord, error) {
	return g.load(ctx)
}
