// Package cooped contains the core domain types for the Cooped focus service.
package cooped

import (
	"errors"
	"fmt"
	"time"
)

// ActivityState is the tracked state of a single domain.
type ActivityState string

// Activity states.
const (
	StateInactive     ActivityState = "INACTIVE"
	StateActive       ActivityState = "ACTIVE"
	StatePaused       ActivityState = "PAUSED"
	StateProductive   ActivityState = "PRODUCTIVE"
	StateUnproductive ActivityState = "UNPRODUCTIVE"
	StateUnknown      ActivityState = "UNKNOWN"
)

// ErrIllegalTransition is returned when a state change is not in the transition table.
var ErrIllegalTransition = errors.New("illegal activity state transition")

// transitions lists the states reachable from each state. Self edges are always legal.
var transitions = map[ActivityState][]ActivityState{
	StateInactive:     {StateActive, StateProductive, StateUnproductive},
	StateActive:       {StateInactive, StatePaused, StateProductive, StateUnproductive, StateUnknown},
	StatePaused:       {StateActive, StateInactive, StateProductive, StateUnproductive, StateUnknown},
	StateProductive:   {StateInactive, StateActive, StatePaused, StateUnproductive, StateUnknown},
	StateUnproductive: {StateInactive, StateActive, StatePaused, StateProductive, StateUnknown},
	StateUnknown:      {StateInactive, StateProductive, StateUnproductive},
}

// Valid reports whether s is one of the known states.
func (s ActivityState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to ActivityState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a wrapped ErrIllegalTransition for illegal edges.
func ValidateTransition(from, to ActivityState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// MaxActivityEvents bounds the audit trail kept per domain.
const MaxActivityEvents = 100

// ActivityEvent is one audit entry in a domain's activity history.
type ActivityEvent struct {
	At       time.Time      `json:"at"`
	From     ActivityState  `json:"from"`
	To       ActivityState  `json:"to"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActivityRecord tracks time spent and current state for one domain.
type ActivityRecord struct {
	SessionStartTime  time.Time       `json:"session_start_time"`
	LastResetTime     time.Time       `json:"last_reset_time"`
	LastTabActiveTime time.Time       `json:"last_tab_active_time"`
	Domain            string          `json:"domain"`
	CurrentState      ActivityState   `json:"current_state"`
	Events            []ActivityEvent `json:"events"`
	TotalActiveTimeMs int64           `json:"total_active_time_ms"`
	TabVisible        bool            `json:"tab_visible"`
}

// HourlyAccessRecord is the per-domain hourly gate state.
type HourlyAccessRecord struct {
	FirstAccessTime time.Time `json:"first_access_time"`
	HourStartTime   time.Time `json:"hour_start_time"`
	HasBeenBlocked  bool      `json:"has_been_blocked"`
}

// UserProfile is the remote profile row. The remote store is authoritative.
type UserProfile struct {
	SkipUntil            *time.Time `json:"skip_until"`
	CoopID               *string    `json:"coop_id"`
	ID                   string     `json:"id"`
	Email                string     `json:"email,omitempty"`
	DisplayName          string     `json:"display_name,omitempty"`
	LastCleanDay         string     `json:"last_clean_day,omitempty"`
	HeartsResetOn        string     `json:"hearts_reset_on,omitempty"`
	XPTotal              int        `json:"xp_total"`
	Level                int        `json:"level"`
	Eggs                 int        `json:"eggs"`
	StreakDays           int        `json:"streak_days"`
	HeartsRemainingToday int        `json:"hearts_remaining_today"`
}

// Coop is a user-created group whose members' levels sum into a shared rank.
type Coop struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	JoinCode  string    `json:"join_code"`
	OwnerID   string    `json:"owner_id"`
	MemberIDs []string  `json:"member_ids"`
}

// HasMember reports whether userID belongs to the coop.
func (c *Coop) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Question is one multiple-choice side quest question.
type Question struct {
	Prompt      string   `json:"prompt"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
}

// SideQuestQuestionCount is the fixed number of questions in a side quest.
const SideQuestQuestionCount = 10

// SideQuest is a timed shared quiz among coop members.
type SideQuest struct {
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	ID        string     `json:"id,omitempty"`
	CoopID    string     `json:"coop_id"`
	CreatedBy string     `json:"created_by"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
	Finalized bool       `json:"finalized"`
}

// SideQuestAttempt is one member's result for a side quest.
type SideQuestAttempt struct {
	CreatedAt        time.Time `json:"created_at"`
	ID               string    `json:"id,omitempty"`
	QuestID          string    `json:"quest_id"`
	UserID           string    `json:"user_id"`
	AccuracyPercent  float64   `json:"accuracy_percent"`
	TimeTakenSeconds float64   `json:"time_taken_seconds"`
	Placement        int       `json:"placement,omitempty"`
	XPAwarded        int       `json:"xp_awarded,omitempty"`
}

// SessionRecord is persisted once per answered challenge.
type SessionRecord struct {
	CreatedAt     time.Time `json:"created_at"`
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Domain        string    `json:"domain"`
	ChallengeType string    `json:"challenge_type"`
	Difficulty    int       `json:"difficulty"`
	XPDelta       int       `json:"xp_delta"`
	ActiveMs      int64     `json:"active_ms"`
	Correct       bool      `json:"correct"`
}

// AppState is the locally persisted application state blob.
type AppState struct {
	SignedInAt     time.Time `json:"signed_in_at"`
	UserID         string    `json:"user_id"`
	Email          string    `json:"email"`
	AccessToken    string    `json:"access_token,omitempty"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	BlockedDomains []string  `json:"blocked_domains"`
}
