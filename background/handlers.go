package background

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cooped/activity"
	"cooped/classify"
	"cooped/coop"
	"cooped/gate"
	"cooped/ledger"
	"cooped/pkg/cooped"
	"cooped/remote"
	"cooped/storage"
	"cooped/syncer"
)

// Reasons reported by CHECK_BLOCKED_SITE.
const (
	ReasonNotBlocked = "not_listed"
	ReasonSkip       = "skip_active"
	ReasonGate       = "gate"
	ReasonFailOpen   = "fail_open"
)

// CheckResult answers CHECK_BLOCKED_SITE.
type CheckResult struct {
	SkipUntil *time.Time    `json:"skip_until,omitempty"`
	Domain    string        `json:"domain"`
	Decision  gate.Decision `json:"decision,omitempty"`
	Reason    string        `json:"reason"`
	Blocked   bool          `json:"blocked"`
	ShowTimer bool          `json:"show_timer"`
}

// checkBlockedSite never fails: any storage or remote error answers "not
// blocked" and is logged.
func (c *Controller) checkBlockedSite(ctx context.Context, msg Message) (any, error) {
	var req PageRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	domain := classify.Domain(req.URL)
	res := CheckResult{Domain: domain, Reason: ReasonNotBlocked}
	if domain == "" {
		return res, nil
	}

	blocked, err := c.blockedDomains(ctx)
	if err != nil {
		c.logger.Error("Blocked domain lookup failed, allowing", "domain", domain, "error", err)
		res.Reason = ReasonFailOpen
		return res, nil
	}
	if !isBlocked(domain, blocked) {
		return res, nil
	}

	if userID := c.remote.UserID(); userID != "" {
		skip, err := c.ledger.SkipStatus(ctx, userID)
		if err != nil {
			c.logger.Error("Skip status lookup failed, allowing", "domain", domain, "user_id", userID, "error", err)
			res.Reason = ReasonFailOpen
			return res, nil
		}
		if skip.Active {
			res.Reason = ReasonSkip
			res.SkipUntil = skip.SkipUntil
			return res, nil
		}
	}

	decision, _, err := c.gate.CheckDomainAccessState(ctx, domain)
	if err != nil {
		c.logger.Error("Access check failed, allowing", "domain", domain, "error", err)
		res.Reason = ReasonFailOpen
		return res, nil
	}
	res.Reason = ReasonGate
	res.Decision = decision
	if decision.Allowed() {
		res.ShowTimer = true
		return res, nil
	}
	res.Blocked = true
	c.session.block(req.TabID, domain)
	c.logger.Info("Site blocked", "domain", domain, "tab_id", req.TabID)
	return res, nil
}

func (c *Controller) challengeShown(ctx context.Context, msg Message) (any, error) {
	var req PageRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	domain := classify.Domain(req.URL)
	if domain == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	c.session.block(req.TabID, domain)
	if err := c.gate.MarkDomainAsBlocked(ctx, domain); err != nil {
		return nil, err
	}
	return nil, nil
}

// ChallengeOutcome answers CHALLENGE_COMPLETED.
type ChallengeOutcome struct {
	XP     *ledger.XPResult `json:"xp,omitempty"`
	Record string           `json:"record_id,omitempty"`
	Queued bool             `json:"queued"`
}

func (c *Controller) challengeCompleted(ctx context.Context, msg Message) (any, error) {
	var req ChallengeResult
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	domain := classify.Domain(req.URL)
	c.session.unblock(req.TabID)

	userID := c.remote.UserID()
	if userID == "" {
		return ChallengeOutcome{}, nil
	}

	event := ledger.EventChallengeFail
	if req.Correct {
		event = ledger.EventChallengeWin
	}
	meta := ledger.Meta{Difficulty: req.Difficulty}
	delta, err := ledger.Delta(event, meta)
	if err != nil {
		return nil, err
	}
	// The session row is kept even when the profile update fails; it records
	// the delta the challenge earned.
	var awarded *ledger.XPResult
	if xp, err := c.ledger.ApplyXPEvent(ctx, userID, event, meta); err != nil {
		c.logger.Warn("XP update failed, recording session anyway", "user_id", userID, "event", event, "error", err)
	} else {
		awarded = &xp
		delta = xp.Delta
	}

	var activeMs int64
	if domain != "" {
		active, err := c.tracker.ActiveTime(ctx, domain)
		if err != nil {
			c.logger.Warn("Active time lookup failed", "domain", domain, "error", err)
		}
		activeMs = active.Milliseconds()
	}

	rec := cooped.SessionRecord{
		ID:            uuid.NewString(),
		UserID:        userID,
		Domain:        domain,
		ChallengeType: req.ChallengeType,
		Difficulty:    req.Difficulty,
		Correct:       req.Correct,
		XPDelta:       delta,
		ActiveMs:      activeMs,
		CreatedAt:     c.now().UTC(),
	}
	out := ChallengeOutcome{XP: awarded, Record: rec.ID}
	if err := c.remote.Insert(ctx, syncer.SessionsTable, rec, nil); err != nil {
		c.logger.Warn("Session record insert failed, queueing", "record_id", rec.ID, "error", err)
		if err := c.syncer.Enqueue(ctx, rec); err != nil {
			return nil, err
		}
		out.Queued = true
	}
	return out, nil
}

func (c *Controller) tabVisibility(ctx context.Context, msg Message) (any, error) {
	var req VisibilityRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	domain := classify.Domain(req.URL)
	if domain == "" {
		return nil, fmt.Errorf("invalid url %q", req.URL)
	}
	return c.tracker.UpdateTabVisibility(ctx, domain, req.Visible)
}

const youtubeDomain = "youtube.com"

func (c *Controller) recordShort(ctx context.Context, _ Message) (any, error) {
	v := c.session.shorts.Record(c.now())
	c.applyState(ctx, youtubeDomain, v.State, map[string]any{"shorts_count": v.Count})
	if v.ShouldTriggerWall {
		c.logger.Info("Shorts wall triggered", "count", v.Count)
	}
	return v, nil
}

func (c *Controller) videoPlayback(ctx context.Context, msg Message) (any, error) {
	var req PlaybackRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.VideoID == "" {
		return nil, errors.New("video_id is required")
	}
	now := c.now()
	w := c.session.watch(req.VideoID)
	if req.Playing {
		w.Play(now)
	} else {
		w.Pause(now)
	}
	v := w.Check(now)
	if v.ShouldPrompt {
		c.applyState(ctx, youtubeDomain, v.State, map[string]any{"video_id": req.VideoID})
	}
	return v, nil
}

func (c *Controller) longFormAnswer(ctx context.Context, msg Message) (any, error) {
	var req AnswerRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	w, ok := c.session.longForm[req.VideoID]
	if !ok {
		return nil, fmt.Errorf("no watch for video %q", req.VideoID)
	}
	state := w.Answer(req.Productive)
	c.applyState(ctx, youtubeDomain, state, map[string]any{"video_id": req.VideoID, "answered": true})
	return w.Check(c.now()), nil
}

// Classification answers CLASSIFY_PAGE.
type Classification struct {
	Social    *classify.SocialVerdict `json:"social,omitempty"`
	Domain    string                  `json:"domain"`
	Platform  classify.Platform       `json:"platform"`
	Title     string                  `json:"title,omitempty"`
	Canonical string                  `json:"canonical,omitempty"`
}

func (c *Controller) classifyPage(ctx context.Context, msg Message) (any, error) {
	var req ClassifyRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	out := Classification{Domain: classify.Domain(req.URL), Platform: classify.DetectPlatform(req.URL)}
	if req.HTML != "" {
		page, err := classify.DetectFromHTML(strings.NewReader(req.HTML), req.URL)
		if err != nil {
			c.logger.Warn("Page snapshot unreadable", "url", req.URL, "error", err)
		} else {
			out.Platform = page.Platform
			out.Title = page.Title
			out.Canonical = page.Canonical
			if d := classify.Domain(page.Canonical); d != "" {
				out.Domain = d
			}
		}
	}
	if !out.Platform.IsSocial() || out.Domain == "" {
		return out, nil
	}

	rec, err := c.tracker.Record(ctx, out.Domain)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var active time.Duration
	var windowStart time.Time
	if rec != nil {
		active = activity.ActiveTimeAt(rec, now)
		windowStart = rec.LastResetTime
		if windowStart.IsZero() {
			windowStart = rec.SessionStartTime
		}
	}
	v := classify.EvaluateSocial(active, windowStart, now)
	if v.Reset {
		if _, err := c.tracker.ResetWindow(ctx, out.Domain); err != nil {
			return nil, err
		}
	}
	c.applyState(ctx, out.Domain, v.State, map[string]any{"platform": string(out.Platform)})
	out.Social = &v
	return out, nil
}

func (c *Controller) timeTracking(ctx context.Context, msg Message) (any, error) {
	var req PageRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if req.URL == "" {
		return c.tracker.All(ctx)
	}
	return c.tracker.Record(ctx, classify.Domain(req.URL))
}

func (c *Controller) applyXPEvent(ctx context.Context, msg Message) (any, error) {
	var req XPRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.ledger.ApplyXPEvent(ctx, userID, req.Event, ledger.Meta{Difficulty: req.Difficulty, Streak: req.Streak})
}

func (c *Controller) skipStatus(ctx context.Context, _ Message) (any, error) {
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.ledger.SkipStatus(ctx, userID)
}

func (c *Controller) useHeart(ctx context.Context, _ Message) (any, error) {
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.ledger.UseHeart(ctx, userID)
}

func (c *Controller) recordCleanDay(ctx context.Context, _ Message) (any, error) {
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.ledger.RecordCleanDay(ctx, userID)
}

// AuthResult answers SIGN_IN and SIGN_UP.
type AuthResult struct {
	UserID               string `json:"user_id,omitempty"`
	Email                string `json:"email,omitempty"`
	ConfirmationRequired bool   `json:"confirmation_required,omitempty"`
}

func (c *Controller) signIn(ctx context.Context, msg Message) (any, error) {
	var req Credentials
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	s, err := c.remote.SignIn(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	c.session.Reset()
	return AuthResult{UserID: s.User.ID, Email: s.User.Email}, nil
}

func (c *Controller) signUp(ctx context.Context, msg Message) (any, error) {
	var req Credentials
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	s, err := c.remote.SignUp(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return AuthResult{Email: req.Email, ConfirmationRequired: true}, nil
	}
	c.session.Reset()
	return AuthResult{UserID: s.User.ID, Email: s.User.Email}, nil
}

// signOut always clears local state; a failed remote logout is only logged.
func (c *Controller) signOut(ctx context.Context, _ Message) (any, error) {
	if err := c.remote.SignOut(ctx); err != nil {
		c.logger.Warn("Remote sign out failed", "error", err)
	}
	c.session.Reset()
	return nil, nil
}

func (c *Controller) profile(ctx context.Context, _ Message) (any, error) {
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.ledger.Profile(ctx, userID)
}

func (c *Controller) createCoop(ctx context.Context, msg Message) (any, error) {
	var req CoopRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.coops.CreateCoop(ctx, userID, req.Name)
}

func (c *Controller) joinCoop(ctx context.Context, msg Message) (any, error) {
	var req CoopRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.coops.JoinCoop(ctx, userID, req.Code)
}

func (c *Controller) leaveCoop(ctx context.Context, _ Message) (any, error) {
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return nil, c.coops.LeaveCoop(ctx, userID)
}

// getCoop returns the standing of the given coop, or of the caller's own.
// A caller outside any coop gets no data.
func (c *Controller) getCoop(ctx context.Context, msg Message) (any, error) {
	var req CoopRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	coopID := req.CoopID
	if coopID == "" {
		userID, err := c.userID()
		if err != nil {
			return nil, err
		}
		own, err := c.coops.CoopFor(ctx, userID)
		if errors.Is(err, coop.ErrNotInCoop) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		coopID = own.ID
	}
	return c.coops.CoopRank(ctx, coopID)
}

func (c *Controller) inviteToCoop(ctx context.Context, msg Message) (any, error) {
	var req CoopRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return nil, c.coops.InviteToCoop(ctx, userID, req.Email)
}

func (c *Controller) createSideQuest(ctx context.Context, msg Message) (any, error) {
	var req QuestRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	return c.coops.CreateSideQuest(ctx, userID, req.Title, req.Questions)
}

func (c *Controller) submitSideQuest(ctx context.Context, msg Message) (any, error) {
	var req QuestRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	userID, err := c.userID()
	if err != nil {
		return nil, err
	}
	taken := time.Duration(req.TimeTakenSeconds * float64(time.Second))
	return c.coops.SubmitAttempt(ctx, req.QuestID, userID, req.Answers, taken)
}

func (c *Controller) finalizeSideQuest(ctx context.Context, msg Message) (any, error) {
	var req QuestRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	if _, err := c.userID(); err != nil {
		return nil, err
	}
	return c.coops.FinalizeSideQuest(ctx, req.QuestID)
}

func (c *Controller) setBlockedDomains(ctx context.Context, msg Message) (any, error) {
	var req DomainsRequest
	if err := msg.Decode(&req); err != nil {
		return nil, err
	}
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	state, err := c.appState(ctx)
	if err != nil {
		return nil, err
	}
	state.BlockedDomains = normalizeDomains(req.Domains)
	if err := c.store.Put(ctx, storage.KeyAppState, state); err != nil {
		return nil, fmt.Errorf("save app state: %w", err)
	}
	c.logger.Info("Blocked domains updated", "count", len(state.BlockedDomains))
	return state.BlockedDomains, nil
}

// reset clears activity tracking, the hourly gate and in-memory state.
// The signed-in session and blocked domain list are kept.
func (c *Controller) reset(ctx context.Context, _ Message) (any, error) {
	if err := c.tracker.Reset(ctx); err != nil {
		return nil, err
	}
	if err := c.gate.ResetAll(ctx); err != nil {
		return nil, err
	}
	c.session.Reset()
	c.logger.Info("Local tracking state reset")
	return nil, nil
}

var _ Remote = (*remote.Client)(nil)
