package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cooped/pkg/cooped"
	"cooped/remote"
)

// ProfilesTable is the remote table holding user profiles.
const ProfilesTable = "profiles"

// Remote interface for the hosted store.
type Remote interface {
	SelectOne(ctx context.Context, table string, q *remote.Query, dst any) error
	Update(ctx context.Context, table string, q *remote.Query, patch any, dst any) error
}

// Service applies ledger arithmetic to remote profile rows.
// Every operation reads the row fresh; nothing is cached between calls.
type Service struct {
	remote Remote
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a ledger service. A nil clock means time.Now.
func NewService(r Remote, logger *slog.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{remote: r, logger: logger, now: clock}
}

// Profile fetches the profile row for userID.
func (s *Service) Profile(ctx context.Context, userID string) (*cooped.UserProfile, error) {
	var p cooped.UserProfile
	if err := s.remote.SelectOne(ctx, ProfilesTable, remote.NewQuery().Eq("id", userID).Select("*"), &p); err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return &p, nil
}

func (s *Service) patch(ctx context.Context, userID string, fields map[string]any) error {
	if err := s.remote.Update(ctx, ProfilesTable, remote.NewQuery().Eq("id", userID), fields, nil); err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	return nil
}

// ApplyXPEvent looks up the event's delta and applies it to the user's profile.
func (s *Service) ApplyXPEvent(ctx context.Context, userID, event string, meta Meta) (XPResult, error) {
	delta, err := Delta(event, meta)
	if err != nil {
		return XPResult{}, err
	}
	return s.ApplyXP(ctx, userID, event, delta)
}

// ApplyXP applies a raw delta. A zero delta reads but never writes.
func (s *Service) ApplyXP(ctx context.Context, userID, reason string, delta int) (XPResult, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return XPResult{}, err
	}

	res := ApplyXPChange(p, delta)
	if delta == 0 {
		return res, nil
	}

	if err := s.patch(ctx, userID, map[string]any{
		"xp_total": p.XPTotal,
		"level":    p.Level,
		"eggs":     p.Eggs,
	}); err != nil {
		return XPResult{}, err
	}

	s.logger.Info("XP applied",
		"user_id", userID,
		"reason", reason,
		"delta", delta,
		"xp_total", res.XPTotal,
		"level", res.Level,
		"leveled_up", res.LeveledUp)
	return res, nil
}

// SkipStatus reports whether blocking is currently suspended for the user.
func (s *Service) SkipStatus(ctx context.Context, userID string) (SkipStatus, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return SkipStatus{}, err
	}
	now := s.now()
	if RefillHearts(p, now) {
		// Report the refilled count; the row is rewritten on the next heart use.
		s.logger.Debug("Hearts refill pending", "user_id", userID, "day", p.HeartsResetOn)
	}
	return CurrentSkip(p, now), nil
}

// UseHeart spends one of today's hearts and opens a 20 minute skip window.
func (s *Service) UseHeart(ctx context.Context, userID string) (SkipStatus, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return SkipStatus{}, err
	}

	now := s.now()
	RefillHearts(p, now)
	status, err := UseHeart(p, now)
	if err != nil {
		return status, err
	}

	if err := s.patch(ctx, userID, map[string]any{
		"hearts_remaining_today": p.HeartsRemainingToday,
		"hearts_reset_on":        p.HeartsResetOn,
		"skip_until":             p.SkipUntil.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return SkipStatus{}, err
	}

	s.logger.Info("Heart used", "user_id", userID, "hearts_remaining", p.HeartsRemainingToday, "skip_until", p.SkipUntil.Format(time.RFC3339))
	return status, nil
}

// CleanDayResult reports a clean-day update.
type CleanDayResult struct {
	XP         XPResult `json:"xp"`
	StreakDays int      `json:"streak_days"`
	Recorded   bool     `json:"recorded"`
}

// RecordCleanDay advances the user's streak and awards the clean-day and streak bonus XP.
func (s *Service) RecordCleanDay(ctx context.Context, userID string) (CleanDayResult, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return CleanDayResult{}, err
	}
	if !RecordCleanDay(p, s.now()) {
		return CleanDayResult{StreakDays: p.StreakDays}, nil
	}

	clean, _ := Delta(EventCleanDay, Meta{})
	bonus, _ := Delta(EventStreakBonus, Meta{Streak: p.StreakDays})
	res := ApplyXPChange(p, clean+bonus)

	if err := s.patch(ctx, userID, map[string]any{
		"streak_days":    p.StreakDays,
		"last_clean_day": p.LastCleanDay,
		"xp_total":       p.XPTotal,
		"level":          p.Level,
		"eggs":           p.Eggs,
	}); err != nil {
		return CleanDayResult{}, err
	}

	s.logger.Info("Clean day recorded", "user_id", userID, "streak_days", p.StreakDays, "xp_delta", res.Delta)
	return CleanDayResult{XP: res, StreakDays: p.StreakDays, Recorded: true}, nil
}
