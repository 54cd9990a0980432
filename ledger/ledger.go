// Package ledger computes XP, levels, streaks and heart (skip token) state.
//
// The arithmetic is pure; Service applies it to the remote profile row with a
// fresh read before every single-row update.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"cooped/pkg/cooped"
)

// Event names accepted by Delta.
const (
	EventNoop                   = "noop"
	EventCleanDay               = "clean_day"
	EventChallengeWin           = "challenge_win"
	EventChallengeFail          = "challenge_fail"
	EventStimPenalty            = "stim_penalty"
	EventStreakBonus            = "streak_bonus"
	EventSideQuestFirst         = "side_quest_1st"
	EventSideQuestSecond        = "side_quest_2nd"
	EventSideQuestThird         = "side_quest_3rd"
	EventSideQuestParticipation = "side_quest_participation"
)

// Heart rules.
const (
	HeartsPerDay   = 3
	SkipDuration   = 20 * time.Minute
	maxStreakBonus = 100
)

var (
	// ErrUnknownEvent is returned for event names outside the table.
	ErrUnknownEvent = errors.New("unknown xp event")
	// ErrNoHearts is returned when no heart is left today.
	ErrNoHearts = errors.New("No hearts remaining today")
)

// fixedDeltas holds events whose XP does not depend on metadata.
var fixedDeltas = map[string]int{
	EventNoop:                   0,
	EventCleanDay:               50,
	EventChallengeFail:          0,
	EventStimPenalty:            -25,
	EventSideQuestFirst:         250,
	EventSideQuestSecond:        200,
	EventSideQuestThird:         150,
	EventSideQuestParticipation: 100,
}

// Meta carries the event inputs that scale XP.
type Meta struct {
	Difficulty int `json:"difficulty"`
	Streak     int `json:"streak"`
}

// Delta returns the XP change for a named event.
func Delta(event string, meta Meta) (int, error) {
	switch event {
	case EventChallengeWin:
		difficulty := max(meta.Difficulty, 0)
		return 100 + difficulty*20, nil
	case EventStreakBonus:
		return min(max(meta.Streak, 0)*10, maxStreakBonus), nil
	}
	d, ok := fixedDeltas[event]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	return d, nil
}

// PlacementEvent maps a 1-based side quest rank to its XP event.
func PlacementEvent(rank int) string {
	switch rank {
	case 1:
		return EventSideQuestFirst
	case 2:
		return EventSideQuestSecond
	case 3:
		return EventSideQuestThird
	}
	return EventSideQuestParticipation
}

// LevelForXP is the single canonical level formula: floor(sqrt(xp/50)) + 1.
func LevelForXP(xp int) int {
	if xp <= 0 {
		return 1
	}
	return int(math.Floor(math.Sqrt(float64(xp)/50))) + 1
}

// XPResult describes one applied XP change.
type XPResult struct {
	XPTotal      int  `json:"xp_total"`
	Level        int  `json:"level"`
	Delta        int  `json:"delta"`
	LevelsGained int  `json:"levels_gained"`
	Eggs         int  `json:"eggs"`
	LeveledUp    bool `json:"leveled_up"`
}

// ApplyXPChange adds delta to the profile, clamping XP at zero, recomputing the
// level and awarding one egg per level gained. A zero delta changes nothing.
func ApplyXPChange(p *cooped.UserProfile, delta int) XPResult {
	before := LevelForXP(p.XPTotal)
	if delta != 0 {
		p.XPTotal = max(p.XPTotal+delta, 0)
		p.Level = LevelForXP(p.XPTotal)
	}

	gained := 0
	if delta != 0 && p.Level > before {
		gained = p.Level - before
		p.Eggs += gained
	}

	return XPResult{
		XPTotal:      p.XPTotal,
		Level:        p.Level,
		Delta:        delta,
		LevelsGained: gained,
		Eggs:         p.Eggs,
		LeveledUp:    gained > 0,
	}
}

// Day formats t as a UTC calendar day.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RefillHearts restores the daily hearts if the last refill was on an earlier day.
// Reports whether the profile changed.
func RefillHearts(p *cooped.UserProfile, now time.Time) bool {
	today := Day(now)
	if p.HeartsResetOn == today {
		return false
	}
	p.HeartsResetOn = today
	p.HeartsRemainingToday = HeartsPerDay
	return true
}

// SkipStatus describes the current skip window.
type SkipStatus struct {
	SkipUntil       *time.Time    `json:"skip_until,omitempty"`
	Remaining       time.Duration `json:"remaining"`
	HeartsRemaining int           `json:"hearts_remaining"`
	Active          bool          `json:"active"`
}

// CurrentSkip evaluates the skip window lazily against now.
func CurrentSkip(p *cooped.UserProfile, now time.Time) SkipStatus {
	s := SkipStatus{HeartsRemaining: p.HeartsRemainingToday}
	if p.SkipUntil != nil && now.Before(*p.SkipUntil) {
		s.Active = true
		s.SkipUntil = p.SkipUntil
		s.Remaining = p.SkipUntil.Sub(now)
	}
	return s
}

// UseHeart spends one heart and opens a skip window. With no hearts left the
// profile is untouched and ErrNoHearts is returned.
func UseHeart(p *cooped.UserProfile, now time.Time) (SkipStatus, error) {
	if p.HeartsRemainingToday <= 0 {
		return CurrentSkip(p, now), ErrNoHearts
	}
	p.HeartsRemainingToday--
	until := now.Add(SkipDuration)
	p.SkipUntil = &until
	return CurrentSkip(p, now), nil
}

// RecordCleanDay advances the streak for day. Recording the same day twice is a
// no-op and reports false.
func RecordCleanDay(p *cooped.UserProfile, now time.Time) bool {
	today := Day(now)
	if p.LastCleanDay == today {
		return false
	}
	yesterday := Day(now.AddDate(0, 0, -1))
	if p.LastCleanDay == yesterday {
		p.StreakDays++
	} else {
		p.StreakDays = 1
	}
	p.LastCleanDay = today
	return true
}
