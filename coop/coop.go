// Package coop manages coops (small accountability groups) and their timed
// side quests on the hosted store.
package coop

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"cooped/email"
	"cooped/ledger"
	"cooped/pkg/cooped"
	"cooped/remote"
)

// Remote tables.
const (
	CoopsTable    = "coops"
	QuestsTable   = "side_quests"
	AttemptsTable = "side_quest_attempts"
)

// Coop limits.
const (
	MaxMembers     = 10
	JoinCodeLength = 6
	JoinsPerHour   = 5
	MaxNameLength  = 40
)

// joinCodeAlphabet omits 0/O and 1/I so codes survive being read aloud.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Coop errors.
var (
	ErrCoopNotFound  = errors.New("coop not found")
	ErrCoopFull      = errors.New("coop is full")
	ErrAlreadyInCoop = errors.New("already in a coop")
	ErrNotInCoop     = errors.New("not in a coop")
	ErrRateLimited   = errors.New("too many join attempts, try again later")
	ErrInvalidName   = errors.New("coop name must be 1-40 characters")
)

// Remote interface for the hosted store.
type Remote interface {
	Select(ctx context.Context, table string, q *remote.Query, dst any) error
	SelectOne(ctx context.Context, table string, q *remote.Query, dst any) error
	Insert(ctx context.Context, table string, row any, dst any) error
	Update(ctx context.Context, table string, q *remote.Query, patch any, dst any) error
	Delete(ctx context.Context, table string, q *remote.Query) error
}

// XPAwarder interface for ledger updates.
type XPAwarder interface {
	ApplyXPEvent(ctx context.Context, userID, event string, meta ledger.Meta) (ledger.XPResult, error)
}

// Mailer interface for coop emails.
type Mailer interface {
	SendCoopInvite(ctx context.Context, to string, inv email.Invite) error
	SendSideQuestResults(ctx context.Context, to, questTitle string, standings []email.Standing) error
}

// Service implements coop and side quest operations.
type Service struct {
	remote  Remote
	xp      XPAwarder
	mailer  Mailer
	logger  *slog.Logger
	limiter *rateLimiter
	now     func() time.Time
}

// New creates a coop service. mailer may be nil, in which case no emails are sent.
func New(r Remote, xp XPAwarder, mailer Mailer, logger *slog.Logger, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		remote:  r,
		xp:      xp,
		mailer:  mailer,
		logger:  logger,
		limiter: newRateLimiter(JoinsPerHour, time.Hour, clock),
		now:     clock,
	}
}

// NewJoinCode returns a random code of JoinCodeLength characters.
func NewJoinCode() (string, error) {
	buf := make([]byte, JoinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}

func (s *Service) profile(ctx context.Context, userID string) (*cooped.UserProfile, error) {
	var p cooped.UserProfile
	if err := s.remote.SelectOne(ctx, ledger.ProfilesTable, remote.NewQuery().Eq("id", userID), &p); err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return &p, nil
}

func (s *Service) setCoopID(ctx context.Context, userID string, coopID *string) error {
	if err := s.remote.Update(ctx, ledger.ProfilesTable, remote.NewQuery().Eq("id", userID), map[string]any{"coop_id": coopID}, nil); err != nil {
		return fmt.Errorf("update profile %s: %w", userID, err)
	}
	return nil
}

// Coop fetches a coop by id.
func (s *Service) Coop(ctx context.Context, id string) (*cooped.Coop, error) {
	var c cooped.Coop
	err := s.remote.SelectOne(ctx, CoopsTable, remote.NewQuery().Eq("id", id), &c)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, ErrCoopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load coop %s: %w", id, err)
	}
	return &c, nil
}

// CoopFor returns the coop userID belongs to.
func (s *Service) CoopFor(ctx context.Context, userID string) (*cooped.Coop, error) {
	p, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.CoopID == nil || *p.CoopID == "" {
		return nil, ErrNotInCoop
	}
	return s.Coop(ctx, *p.CoopID)
}

// CreateCoop creates a coop with ownerID as its only member.
func (s *Service) CreateCoop(ctx context.Context, ownerID, name string) (*cooped.Coop, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > MaxNameLength {
		return nil, ErrInvalidName
	}

	p, err := s.profile(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if p.CoopID != nil && *p.CoopID != "" {
		return nil, ErrAlreadyInCoop
	}

	code, err := NewJoinCode()
	if err != nil {
		return nil, err
	}

	row := cooped.Coop{
		CreatedAt: s.now().UTC(),
		Name:      name,
		JoinCode:  code,
		OwnerID:   ownerID,
		MemberIDs: []string{ownerID},
	}
	var created cooped.Coop
	if err := s.remote.Insert(ctx, CoopsTable, row, &created); err != nil {
		return nil, fmt.Errorf("insert coop: %w", err)
	}
	if err := s.setCoopID(ctx, ownerID, &created.ID); err != nil {
		return nil, err
	}

	s.logger.Info("Coop created", "coop_id", created.ID, "owner_id", ownerID, "name", name)
	return &created, nil
}

// JoinCoop adds userID to the coop with the given join code. Joining a coop
// the user already belongs to is a no-op.
func (s *Service) JoinCoop(ctx context.Context, userID, code string) (*cooped.Coop, error) {
	if !s.limiter.allow(userID) {
		s.logger.Warn("Join rate limit exceeded", "user_id", userID)
		return nil, ErrRateLimited
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != JoinCodeLength {
		return nil, ErrCoopNotFound
	}

	var c cooped.Coop
	err := s.remote.SelectOne(ctx, CoopsTable, remote.NewQuery().Eq("join_code", code), &c)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, ErrCoopNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find coop by code: %w", err)
	}

	if c.HasMember(userID) {
		return &c, nil
	}

	p, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.CoopID != nil && *p.CoopID != "" {
		return nil, ErrAlreadyInCoop
	}
	if len(c.MemberIDs) >= MaxMembers {
		return nil, ErrCoopFull
	}

	c.MemberIDs = append(c.MemberIDs, userID)
	if err := s.remote.Update(ctx, CoopsTable, remote.NewQuery().Eq("id", c.ID), map[string]any{"member_ids": c.MemberIDs}, nil); err != nil {
		return nil, fmt.Errorf("add member: %w", err)
	}
	if err := s.setCoopID(ctx, userID, &c.ID); err != nil {
		return nil, err
	}

	s.logger.Info("Joined coop", "coop_id", c.ID, "user_id", userID, "members", len(c.MemberIDs))
	return &c, nil
}

// LeaveCoop removes userID from their coop. An owner leaving hands ownership to
// the longest-standing remaining member; the last member leaving deletes the coop.
func (s *Service) LeaveCoop(ctx context.Context, userID string) error {
	c, err := s.CoopFor(ctx, userID)
	if errors.Is(err, ErrCoopNotFound) {
		// Dangling pointer to a deleted coop.
		return s.setCoopID(ctx, userID, nil)
	}
	if err != nil {
		return err
	}

	remaining := slices.DeleteFunc(slices.Clone(c.MemberIDs), func(id string) bool { return id == userID })
	q := remote.NewQuery().Eq("id", c.ID)

	switch {
	case len(remaining) == 0:
		if err := s.remote.Delete(ctx, CoopsTable, q); err != nil {
			return fmt.Errorf("delete coop: %w", err)
		}
		s.logger.Info("Coop deleted after last member left", "coop_id", c.ID)
	default:
		patch := map[string]any{"member_ids": remaining}
		if c.OwnerID == userID {
			patch["owner_id"] = remaining[0]
		}
		if err := s.remote.Update(ctx, CoopsTable, q, patch, nil); err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
	}

	if err := s.setCoopID(ctx, userID, nil); err != nil {
		return err
	}
	s.logger.Info("Left coop", "coop_id", c.ID, "user_id", userID)
	return nil
}

// MemberLevel is one member's line in a coop ranking.
type MemberLevel struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Level       int    `json:"level"`
	XPTotal     int    `json:"xp_total"`
}

// Standing is a coop's aggregate rank.
type Standing struct {
	Coop       *cooped.Coop  `json:"coop"`
	Members    []MemberLevel `json:"members"`
	TotalLevel int           `json:"total_level"`
}

func (s *Service) members(ctx context.Context, ids []string) ([]cooped.UserProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var profiles []cooped.UserProfile
	q := remote.NewQuery().In("id", ids).Select("id,email,display_name,level,xp_total")
	if err := s.remote.Select(ctx, ledger.ProfilesTable, q, &profiles); err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	return profiles, nil
}

// CoopRank sums member levels. Members are listed by level, highest first.
func (s *Service) CoopRank(ctx context.Context, coopID string) (*Standing, error) {
	c, err := s.Coop(ctx, coopID)
	if err != nil {
		return nil, err
	}
	profiles, err := s.members(ctx, c.MemberIDs)
	if err != nil {
		return nil, err
	}

	st := &Standing{Coop: c}
	for _, p := range profiles {
		st.Members = append(st.Members, MemberLevel{UserID: p.ID, DisplayName: p.DisplayName, Level: p.Level, XPTotal: p.XPTotal})
		st.TotalLevel += p.Level
	}
	slices.SortStableFunc(st.Members, func(a, b MemberLevel) int { return b.Level - a.Level })
	return st, nil
}

// InviteToCoop emails the inviter's coop join code to addr.
func (s *Service) InviteToCoop(ctx context.Context, inviterID, addr string) error {
	if s.mailer == nil {
		return errors.New("email is not configured")
	}
	inviter, err := s.profile(ctx, inviterID)
	if err != nil {
		return err
	}
	if inviter.CoopID == nil || *inviter.CoopID == "" {
		return ErrNotInCoop
	}
	c, err := s.Coop(ctx, *inviter.CoopID)
	if err != nil {
		return err
	}

	if err := s.mailer.SendCoopInvite(ctx, addr, email.Invite{
		CoopName:    c.Name,
		JoinCode:    c.JoinCode,
		InviterName: inviter.DisplayName,
	}); err != nil {
		return fmt.Errorf("send invite: %w", err)
	}
	s.logger.Info("Coop invite sent", "coop_id", c.ID, "inviter_id", inviterID)
	return nil
}
