package coop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cooped/email"
	"cooped/ledger"
	"cooped/pkg/cooped"
	"cooped/remote"
)

// QuestDuration is how long a side quest accepts attempts.
const QuestDuration = 24 * time.Hour

// Side quest errors.
var (
	ErrQuestNotFound     = errors.New("side quest not found")
	ErrQuestionCount     = fmt.Errorf("side quests need exactly %d questions", cooped.SideQuestQuestionCount)
	ErrInvalidQuestion   = errors.New("invalid question")
	ErrQuestClosed       = errors.New("side quest is closed")
	ErrQuestStillOpen    = errors.New("side quest has not expired yet")
	ErrAlreadyAttempted  = errors.New("already attempted this side quest")
	ErrNotMember         = errors.New("not a member of this coop")
	ErrInvalidSubmission = errors.New("invalid submission")
)

func validateQuestions(questions []cooped.Question) error {
	if len(questions) != cooped.SideQuestQuestionCount {
		return ErrQuestionCount
	}
	for i, q := range questions {
		switch {
		case strings.TrimSpace(q.Prompt) == "":
			return fmt.Errorf("%w %d: empty prompt", ErrInvalidQuestion, i+1)
		case len(q.Choices) < 2:
			return fmt.Errorf("%w %d: needs at least 2 choices", ErrInvalidQuestion, i+1)
		case q.AnswerIndex < 0 || q.AnswerIndex >= len(q.Choices):
			return fmt.Errorf("%w %d: answer index %d out of range", ErrInvalidQuestion, i+1, q.AnswerIndex)
		}
	}
	return nil
}

// SideQuest fetches a side quest by id.
func (s *Service) SideQuest(ctx context.Context, id string) (*cooped.SideQuest, error) {
	var q cooped.SideQuest
	err := s.remote.SelectOne(ctx, QuestsTable, remote.NewQuery().Eq("id", id), &q)
	if errors.Is(err, remote.ErrNotFound) {
		return nil, ErrQuestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load side quest %s: %w", id, err)
	}
	return &q, nil
}

// CreateSideQuest opens a 24 hour quiz for the creator's coop.
func (s *Service) CreateSideQuest(ctx context.Context, creatorID, title string, questions []cooped.Question) (*cooped.SideQuest, error) {
	if err := validateQuestions(questions); err != nil {
		return nil, err
	}

	c, err := s.CoopFor(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	row := cooped.SideQuest{
		CreatedAt: now,
		ExpiresAt: now.Add(QuestDuration),
		CoopID:    c.ID,
		CreatedBy: creatorID,
		Title:     strings.TrimSpace(title),
		Questions: questions,
	}
	var created cooped.SideQuest
	if err := s.remote.Insert(ctx, QuestsTable, row, &created); err != nil {
		return nil, fmt.Errorf("insert side quest: %w", err)
	}

	s.logger.Info("Side quest created",
		"quest_id", created.ID,
		"coop_id", c.ID,
		"created_by", creatorID,
		"expires_at", created.ExpiresAt.Format(time.RFC3339))
	return &created, nil
}

// Accuracy returns the percentage of answers matching the quest's answer key.
func Accuracy(questions []cooped.Question, answers []int) float64 {
	if len(questions) == 0 {
		return 0
	}
	correct := 0
	for i, q := range questions {
		if i < len(answers) && answers[i] == q.AnswerIndex {
			correct++
		}
	}
	return float64(correct) / float64(len(questions)) * 100
}

// SubmitAttempt scores one member's answers. Each member gets a single attempt
// and attempts are refused once the quest has expired or been finalized.
func (s *Service) SubmitAttempt(ctx context.Context, questID, userID string, answers []int, timeTaken time.Duration) (*cooped.SideQuestAttempt, error) {
	if len(answers) != cooped.SideQuestQuestionCount || timeTaken <= 0 {
		return nil, ErrInvalidSubmission
	}

	quest, err := s.SideQuest(ctx, questID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if quest.Finalized || !now.Before(quest.ExpiresAt) {
		return nil, ErrQuestClosed
	}

	p, err := s.profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.CoopID == nil || *p.CoopID != quest.CoopID {
		return nil, ErrNotMember
	}

	var existing []cooped.SideQuestAttempt
	q := remote.NewQuery().Eq("quest_id", questID).Eq("user_id", userID).Select("id").Limit(1)
	if err := s.remote.Select(ctx, AttemptsTable, q, &existing); err != nil {
		return nil, fmt.Errorf("check previous attempt: %w", err)
	}
	if len(existing) > 0 {
		return nil, ErrAlreadyAttempted
	}

	row := cooped.SideQuestAttempt{
		CreatedAt:        now.UTC(),
		QuestID:          questID,
		UserID:           userID,
		AccuracyPercent:  Accuracy(quest.Questions, answers),
		TimeTakenSeconds: timeTaken.Seconds(),
	}
	var created cooped.SideQuestAttempt
	if err := s.remote.Insert(ctx, AttemptsTable, row, &created); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	s.logger.Info("Side quest attempt recorded",
		"quest_id", questID,
		"user_id", userID,
		"accuracy", created.AccuracyPercent,
		"time_taken_s", created.TimeTakenSeconds)
	return &created, nil
}

// Results is the outcome of finalizing a side quest.
type Results struct {
	Quest            *cooped.SideQuest `json:"quest"`
	Ranking          []Ranked          `json:"ranking"`
	AlreadyFinalized bool              `json:"already_finalized"`
}

// FinalizeSideQuest ranks an expired quest's attempts, awards placement XP and
// emails the standings. The quest row is claimed first, so finalizing twice
// never awards twice.
func (s *Service) FinalizeSideQuest(ctx context.Context, questID string) (*Results, error) {
	quest, err := s.SideQuest(ctx, questID)
	if err != nil {
		return nil, err
	}
	if quest.Finalized {
		return &Results{Quest: quest, AlreadyFinalized: true}, nil
	}
	if s.now().Before(quest.ExpiresAt) {
		return nil, ErrQuestStillOpen
	}

	var claimed cooped.SideQuest
	claim := remote.NewQuery().Eq("id", questID).Eq("finalized", "false")
	err = s.remote.Update(ctx, QuestsTable, claim, map[string]any{"finalized": true}, &claimed)
	if errors.Is(err, remote.ErrNotFound) {
		s.logger.Info("Side quest finalized concurrently", "quest_id", questID)
		quest.Finalized = true
		return &Results{Quest: quest, AlreadyFinalized: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim side quest: %w", err)
	}

	var attempts []cooped.SideQuestAttempt
	if err := s.remote.Select(ctx, AttemptsTable, remote.NewQuery().Eq("quest_id", questID).Order("created_at", false), &attempts); err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}

	ranking := Rank(attempts)
	for i := range ranking {
		r := &ranking[i]
		r.Attempt.Placement = r.Placement
		r.Attempt.XPAwarded = r.XP

		if _, err := s.xp.ApplyXPEvent(ctx, r.Attempt.UserID, ledger.PlacementEvent(r.Placement), ledger.Meta{}); err != nil {
			s.logger.Error("Failed to award side quest XP", "quest_id", questID, "user_id", r.Attempt.UserID, "error", err)
			r.Attempt.XPAwarded = 0
			r.XP = 0
		}
		patch := map[string]any{"placement": r.Placement, "xp_awarded": r.Attempt.XPAwarded}
		if err := s.remote.Update(ctx, AttemptsTable, remote.NewQuery().Eq("id", r.Attempt.ID), patch, nil); err != nil {
			s.logger.Warn("Failed to record placement", "attempt_id", r.Attempt.ID, "error", err)
		}
	}

	quest.Finalized = true
	s.logger.Info("Side quest finalized", "quest_id", questID, "participants", len(ranking))
	s.notifyResults(ctx, quest, ranking)
	return &Results{Quest: quest, Ranking: ranking}, nil
}

// notifyResults emails every participant. Failures are logged only.
func (s *Service) notifyResults(ctx context.Context, quest *cooped.SideQuest, ranking []Ranked) {
	if s.mailer == nil || len(ranking) == 0 {
		return
	}

	ids := make([]string, len(ranking))
	for i, r := range ranking {
		ids[i] = r.Attempt.UserID
	}
	profiles, err := s.members(ctx, ids)
	if err != nil {
		s.logger.Warn("Skipping result emails", "quest_id", quest.ID, "error", err)
		return
	}
	byID := make(map[string]cooped.UserProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	standings := make([]email.Standing, len(ranking))
	for i, r := range ranking {
		standings[i] = email.Standing{
			DisplayName:      byID[r.Attempt.UserID].DisplayName,
			Placement:        r.Placement,
			AccuracyPercent:  r.Attempt.AccuracyPercent,
			TimeTakenSeconds: r.Attempt.TimeTakenSeconds,
			XPAwarded:        r.XP,
		}
	}

	for _, r := range ranking {
		addr := byID[r.Attempt.UserID].Email
		if addr == "" {
			continue
		}
		if err := s.mailer.SendSideQuestResults(ctx, addr, quest.Title, standings); err != nil {
			s.logger.Warn("Failed to send side quest results", "quest_id", quest.ID, "user_id", r.Attempt.UserID, "error", err)
		}
	}
}
