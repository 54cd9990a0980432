// Package background dispatches extension messages to the tracking, gate,
// ledger and coop services.
package background

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

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

// ErrDisposed is returned for messages handled after Close.
var ErrDisposed = errors.New("controller closed")

// Store interface for the app state blob.
type Store interface {
	Get(ctx context.Context, key string, dst any) error
	Put(ctx context.Context, key string, value any) error
}

// Remote is the auth and insert surface of the hosted store.
type Remote interface {
	SignIn(ctx context.Context, email, password string) (*remote.Session, error)
	SignUp(ctx context.Context, email, password string) (*remote.Session, error)
	SignOut(ctx context.Context) error
	CurrentUser(ctx context.Context) (*remote.User, error)
	SetSession(s *remote.Session)
	Session() *remote.Session
	UserID() string
	OnSessionChange(fn func(*remote.Session))
	Insert(ctx context.Context, table string, row any, dst any) error
}

// Config wires a Controller.
type Config struct {
	Store          Store
	Remote         Remote
	Tracker        *activity.Tracker
	Gate           *gate.Gate
	Ledger         *ledger.Service
	Coops          *coop.Service
	Syncer         *syncer.Syncer
	Logger         *slog.Logger
	Clock          func() time.Time
	DefaultDomains []string
}

type handlerFunc func(ctx context.Context, msg Message) (any, error)

// Controller handles one message at a time.
type Controller struct {
	store          Store
	remote         Remote
	tracker        *activity.Tracker
	gate           *gate.Gate
	ledger         *ledger.Service
	coops          *coop.Service
	syncer         *syncer.Syncer
	logger         *slog.Logger
	now            func() time.Time
	session        *Session
	handlers       map[string]handlerFunc
	defaultDomains []string
	mu             sync.Mutex
	stateMu        sync.Mutex // guards read-modify-write of the app state blob
}

// New creates a controller and hooks session changes so tokens persist in
// the app state.
func New(cfg Config) *Controller {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	c := &Controller{
		store:          cfg.Store,
		remote:         cfg.Remote,
		tracker:        cfg.Tracker,
		gate:           cfg.Gate,
		ledger:         cfg.Ledger,
		coops:          cfg.Coops,
		syncer:         cfg.Syncer,
		logger:         cfg.Logger,
		now:            clock,
		session:        NewSession(),
		defaultDomains: normalizeDomains(cfg.DefaultDomains),
	}
	c.handlers = map[string]handlerFunc{
		MsgCheckBlockedSite:   c.checkBlockedSite,
		MsgChallengeShown:     c.challengeShown,
		MsgChallengeCompleted: c.challengeCompleted,
		MsgTabVisibility:      c.tabVisibility,
		MsgRecordShort:        c.recordShort,
		MsgVideoPlayback:      c.videoPlayback,
		MsgLongFormAnswer:     c.longFormAnswer,
		MsgClassifyPage:       c.classifyPage,
		MsgGetTimeTracking:    c.timeTracking,
		MsgApplyXPEvent:       c.applyXPEvent,
		MsgGetSkipStatus:      c.skipStatus,
		MsgUseHeart:           c.useHeart,
		MsgRecordCleanDay:     c.recordCleanDay,
		MsgSignIn:             c.signIn,
		MsgSignUp:             c.signUp,
		MsgSignOut:            c.signOut,
		MsgGetProfile:         c.profile,
		MsgCreateCoop:         c.createCoop,
		MsgJoinCoop:           c.joinCoop,
		MsgLeaveCoop:          c.leaveCoop,
		MsgGetCoop:            c.getCoop,
		MsgInviteToCoop:       c.inviteToCoop,
		MsgCreateSideQuest:    c.createSideQuest,
		MsgSubmitSideQuest:    c.submitSideQuest,
		MsgFinalizeSideQuest:  c.finalizeSideQuest,
		MsgSetBlockedDomains:  c.setBlockedDomains,
		MsgReset:              c.reset,
	}
	c.remote.OnSessionChange(c.persistSession)
	return c
}

// Handle dispatches msg and wraps the outcome in a Response.
func (c *Controller) Handle(ctx context.Context, msg Message) Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Disposed() {
		return Response{Error: ErrDisposed.Error()}
	}
	h, ok := c.handlers[msg.Type]
	if !ok {
		c.logger.Warn("Unknown message type", "type", msg.Type)
		return Response{Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	data, err := h(ctx, msg)
	if err != nil {
		c.logger.Warn("Message failed", "type", msg.Type, "error", err)
		return Response{Error: err.Error()}
	}
	return Response{Success: true, Data: data}
}

// Session returns the in-memory tracking state.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close disposes the session; later messages fail with ErrDisposed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Dispose()
	c.logger.Info("Controller closed")
}

// Restore reinstates the remote session saved in the app state, if any, and
// checks it against the auth endpoint. A session the server rejects is
// cleared; one that cannot be checked because the remote is unreachable is kept.
func (c *Controller) Restore(ctx context.Context) error {
	state, err := c.appState(ctx)
	if err != nil {
		return err
	}
	if state.AccessToken == "" {
		c.logger.Info("No saved session")
		return nil
	}
	c.remote.SetSession(&remote.Session{
		AccessToken:  state.AccessToken,
		RefreshToken: state.RefreshToken,
		ExpiresAt:    remote.TokenExpiry(state.AccessToken),
		User:         remote.User{ID: state.UserID, Email: state.Email},
	})

	u, err := c.remote.CurrentUser(ctx)
	var httpErr *remote.HTTPError
	switch {
	case errors.Is(err, remote.ErrNotAuthenticated),
		errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
		c.logger.Warn("Saved session rejected, signing out", "user_id", state.UserID, "error", err)
		c.remote.SetSession(nil)
		return nil
	case err != nil:
		c.logger.Warn("Could not verify saved session, keeping it", "user_id", state.UserID, "error", err)
	default:
		c.logger.Info("Session restored", "user_id", u.ID)
	}
	return nil
}

func (c *Controller) appState(ctx context.Context) (*cooped.AppState, error) {
	state := &cooped.AppState{}
	if err := c.store.Get(ctx, storage.KeyAppState, state); err != nil {
		if storage.IsNotFound(err) {
			return &cooped.AppState{}, nil
		}
		return nil, fmt.Errorf("load app state: %w", err)
	}
	return state, nil
}

// persistSession mirrors the remote session into the app state. It runs
// synchronously inside remote client calls, so it must not take c.mu.
func (c *Controller) persistSession(s *remote.Session) {
	ctx := context.Background()
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	state, err := c.appState(ctx)
	if err != nil {
		c.logger.Error("Failed to load app state for session change", "error", err)
		return
	}
	if s == nil {
		state.UserID, state.Email = "", ""
		state.AccessToken, state.RefreshToken = "", ""
		state.SignedInAt = time.Time{}
	} else {
		if state.UserID != s.User.ID {
			state.SignedInAt = c.now().UTC()
		}
		state.UserID = s.User.ID
		state.Email = s.User.Email
		state.AccessToken = s.AccessToken
		state.RefreshToken = s.RefreshToken
	}
	if err := c.store.Put(ctx, storage.KeyAppState, state); err != nil {
		c.logger.Error("Failed to persist session", "error", err)
	}
}

// blockedDomains returns the configured list, falling back to the defaults
// until the user has saved one.
func (c *Controller) blockedDomains(ctx context.Context) ([]string, error) {
	state, err := c.appState(ctx)
	if err != nil {
		return nil, err
	}
	if state.BlockedDomains == nil {
		return c.defaultDomains, nil
	}
	return state.BlockedDomains, nil
}

// isBlocked matches domain or any subdomain of it against the list.
func isBlocked(domain string, blocked []string) bool {
	for _, b := range blocked {
		if domain == b || strings.HasSuffix(domain, "."+b) {
			return true
		}
	}
	return false
}

func normalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if n := classify.Domain(strings.TrimSpace(d)); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *Controller) userID() (string, error) {
	id := c.remote.UserID()
	if id == "" {
		return "", remote.ErrNotAuthenticated
	}
	return id, nil
}

// applyState moves a domain's activity state, logging rather than failing
// on storage errors or transitions the table does not allow.
func (c *Controller) applyState(ctx context.Context, domain string, state cooped.ActivityState, meta map[string]any) {
	if _, err := c.tracker.SetActivityState(ctx, domain, state, meta); err != nil {
		if errors.Is(err, cooped.ErrIllegalTransition) {
			c.logger.Debug("Activity transition skipped", "domain", domain, "state", state, "error", err)
			return
		}
		c.logger.Warn("Failed to update activity state", "domain", domain, "state", state, "error", err)
	}
}
