package background

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"testing"
	"time"

	"cooped/activity"
	"cooped/classify"
	"cooped/coop"
	"cooped/email"
	"cooped/gate"
	"cooped/ledger"
	"cooped/pkg/cooped"
	"cooped/remote"
	"cooped/remote/remotetest"
	"cooped/storage"
	"cooped/syncer"
)

type fixture struct {
	ctrl   *Controller
	srv    *remotetest.Server
	client *remote.Client
	store  *storage.Store
	syncer *syncer.Syncer
	now    time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := remotetest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("u1", "u1@example.com", "pw")
	srv.Seed(ledger.ProfilesTable, cooped.UserProfile{ID: "u1", Email: "u1@example.com", DisplayName: "Hen", Level: 1, HeartsRemainingToday: 3})

	f := &fixture{
		srv:    srv,
		client: remote.New(srv.URL, "anon", srv.Client(), logger),
		store:  storage.New(nil, "", t.TempDir(), logger),
		now:    time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	ledgerSvc := ledger.NewService(f.client, logger, clock)
	f.syncer = syncer.New(f.store, f.client, logger, clock)
	f.ctrl = New(Config{
		Store:          f.store,
		Remote:         f.client,
		Tracker:        activity.New(f.store, logger, clock),
		Gate:           gate.New(f.store, logger, clock),
		Ledger:         ledgerSvc,
		Coops:          coop.New(f.client, ledgerSvc, email.New(email.NewMockProvider(logger), logger, ""), logger, clock),
		Syncer:         f.syncer,
		Logger:         logger,
		Clock:          clock,
		DefaultDomains: []string{"youtube.com", "https://www.TikTok.com/"},
	})
	return f
}

// send marshals the message the way a content script would and returns the
// response after a JSON round trip.
func (f *fixture) send(t *testing.T, typ string, payload any) (Response, json.RawMessage) {
	t.Helper()
	msg, err := NewMessage(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Message
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatal(err)
	}

	resp := f.ctrl.Handle(context.Background(), decoded)
	data, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

// must sends a message that has to succeed and decodes its data into dst.
func (f *fixture) must(t *testing.T, typ string, payload any, dst any) {
	t.Helper()
	resp, data := f.send(t, typ, payload)
	if !resp.Success {
		t.Fatalf("%s failed: %s", typ, resp.Error)
	}
	if dst != nil {
		if err := json.Unmarshal(data, dst); err != nil {
			t.Fatalf("%s data: %v", typ, err)
		}
	}
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	f.must(t, MsgSignIn, Credentials{Email: "u1@example.com", Password: "pw"}, nil)
}

func TestMessageDecode(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"type":"CHECK_BLOCKED_SITE","url":"https://youtube.com/watch?v=1","tab_id":7}`), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgCheckBlockedSite {
		t.Errorf("Type = %q", msg.Type)
	}
	var req PageRequest
	if err := msg.Decode(&req); err != nil {
		t.Fatal(err)
	}
	if req.TabID != 7 || req.URL != "https://youtube.com/watch?v=1" {
		t.Errorf("decoded = %+v", req)
	}

	if _, err := NewMessage(MsgSetBlockedDomains, []string{"not", "an", "object"}); err == nil {
		t.Error("NewMessage() with array payload should fail")
	}
}

func TestUnknownMessage(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.send(t, "LAY_EGG", nil)
	if resp.Success || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestCheckBlockedSiteGate(t *testing.T) {
	f := newFixture(t)
	page := PageRequest{URL: "https://www.youtube.com/watch?v=abc", TabID: 4}

	var res CheckResult
	f.must(t, MsgCheckBlockedSite, PageRequest{URL: "https://golang.org", TabID: 1}, &res)
	if res.Blocked || res.Reason != ReasonNotBlocked {
		t.Errorf("unlisted domain = %+v", res)
	}

	f.must(t, MsgCheckBlockedSite, page, &res)
	if res.Blocked || !res.ShowTimer || res.Decision != gate.FirstAccess {
		t.Errorf("first access = %+v", res)
	}

	f.must(t, MsgChallengeShown, page, nil)
	f.advance(10 * time.Minute)
	f.must(t, MsgCheckBlockedSite, page, &res)
	if !res.Blocked || res.Decision != gate.RepeatAccess {
		t.Errorf("repeat access = %+v", res)
	}
	if got := f.ctrl.Session().BlockedTabs(); !slices.Equal(got, []int{4}) {
		t.Errorf("BlockedTabs() = %v", got)
	}

	f.must(t, MsgChallengeCompleted, ChallengeResult{URL: page.URL, TabID: 4, Correct: true}, nil)
	if got := f.ctrl.Session().BlockedTabs(); len(got) != 0 {
		t.Errorf("BlockedTabs() after completion = %v", got)
	}

	f.advance(gate.Window)
	f.must(t, MsgCheckBlockedSite, page, &res)
	if res.Blocked || res.Decision != gate.HourExpired {
		t.Errorf("after window = %+v", res)
	}

	// Subdomains of a blocked domain are blocked too.
	f.must(t, MsgCheckBlockedSite, PageRequest{URL: "https://vm.tiktok.com/x"}, &res)
	if res.Reason != ReasonGate {
		t.Errorf("subdomain = %+v", res)
	}
}

func TestCheckBlockedSiteSkipActive(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	page := PageRequest{URL: "https://youtube.com", TabID: 1}
	f.must(t, MsgChallengeShown, page, nil)

	var skip ledger.SkipStatus
	f.must(t, MsgUseHeart, nil, &skip)
	if !skip.Active || skip.HeartsRemaining != 2 {
		t.Errorf("useHeart = %+v", skip)
	}

	var res CheckResult
	f.must(t, MsgCheckBlockedSite, page, &res)
	if res.Blocked || res.Reason != ReasonSkip || res.SkipUntil == nil {
		t.Errorf("during skip = %+v", res)
	}

	f.advance(ledger.SkipDuration + time.Second)
	f.must(t, MsgCheckBlockedSite, page, &res)
	if !res.Blocked {
		t.Errorf("after skip = %+v", res)
	}
}

func TestCheckBlockedSiteFailsOpen(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	page := PageRequest{URL: "https://youtube.com", TabID: 1}
	f.must(t, MsgChallengeShown, page, nil)

	f.srv.Fail(ledger.ProfilesTable, http.StatusServiceUnavailable)
	var res CheckResult
	f.must(t, MsgCheckBlockedSite, page, &res)
	if res.Blocked || res.Reason != ReasonFailOpen {
		t.Errorf("remote failure = %+v", res)
	}
}

func TestChallengeCompletedRecordsSession(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	url := "https://youtube.com/watch?v=1"
	f.must(t, MsgTabVisibility, VisibilityRequest{URL: url, Visible: true}, nil)
	f.advance(90 * time.Second)

	var out ChallengeOutcome
	f.must(t, MsgChallengeCompleted, ChallengeResult{URL: url, TabID: 2, Correct: true, Difficulty: 2, ChallengeType: "math"}, &out)
	if out.XP == nil || out.XP.Delta != 140 || out.Queued {
		t.Errorf("outcome = %+v", out)
	}

	var rows []cooped.SessionRecord
	if err := f.srv.Rows(syncer.SessionsTable, &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != out.Record || rows[0].ActiveMs != 90000 || rows[0].XPDelta != 140 {
		t.Errorf("session rows = %+v", rows)
	}

	f.srv.Fail(syncer.SessionsTable, http.StatusBadGateway)
	f.must(t, MsgChallengeCompleted, ChallengeResult{URL: url, TabID: 2, Correct: false, ChallengeType: "trivia"}, &out)
	if !out.Queued {
		t.Errorf("outcome with remote down = %+v", out)
	}
	pending, err := f.syncer.Pending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Record.ChallengeType != "trivia" {
		t.Errorf("pending = %+v", pending)
	}
}

func TestChallengeCompletedQueuedWhenRemoteDown(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)
	f.srv.Fail(ledger.ProfilesTable, http.StatusBadGateway)
	f.srv.Fail(syncer.SessionsTable, http.StatusBadGateway)

	var out ChallengeOutcome
	f.must(t, MsgChallengeCompleted, ChallengeResult{URL: "https://youtube.com/watch?v=2", TabID: 3, Correct: true, Difficulty: 1, ChallengeType: "math"}, &out)
	if out.XP != nil || !out.Queued || out.Record == "" {
		t.Errorf("outcome = %+v", out)
	}

	pending, err := f.syncer.Pending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Record.ID != out.Record || pending[0].Record.XPDelta != 120 {
		t.Errorf("pending = %+v", pending)
	}
}

func TestSignedOutLedgerMessages(t *testing.T) {
	f := newFixture(t)
	for _, typ := range []string{MsgApplyXPEvent, MsgGetSkipStatus, MsgUseHeart, MsgRecordCleanDay, MsgGetProfile, MsgCreateCoop} {
		resp, _ := f.send(t, typ, XPRequest{Event: ledger.EventCleanDay})
		if resp.Success || resp.Error != remote.ErrNotAuthenticated.Error() {
			t.Errorf("%s signed out = %+v", typ, resp)
		}
	}
}

func TestLedgerMessages(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	var xp ledger.XPResult
	f.must(t, MsgApplyXPEvent, XPRequest{Event: ledger.EventChallengeWin, Difficulty: 1}, &xp)
	if xp.Delta != 120 || xp.Level != 2 {
		t.Errorf("applyXpEvent = %+v", xp)
	}

	var day ledger.CleanDayResult
	f.must(t, MsgRecordCleanDay, nil, &day)
	if !day.Recorded || day.StreakDays != 1 {
		t.Errorf("recordCleanDay = %+v", day)
	}

	var p cooped.UserProfile
	f.must(t, MsgGetProfile, nil, &p)
	if p.ID != "u1" || p.XPTotal != xp.XPTotal+day.XP.Delta {
		t.Errorf("profile = %+v", p)
	}

	for range 3 {
		f.must(t, MsgUseHeart, nil, nil)
	}
	resp, _ := f.send(t, MsgUseHeart, nil)
	if resp.Success || resp.Error != ledger.ErrNoHearts.Error() {
		t.Errorf("fourth heart = %+v", resp)
	}
}

func TestSessionPersistence(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	var state cooped.AppState
	if err := f.store.Get(context.Background(), storage.KeyAppState, &state); err != nil {
		t.Fatal(err)
	}
	if state.UserID != "u1" || state.AccessToken != remotetest.AccessToken("u1") || state.SignedInAt.IsZero() {
		t.Errorf("app state after sign in = %+v", state)
	}

	// A fresh controller picks the session back up.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := remote.New(f.srv.URL, "anon", f.srv.Client(), logger)
	ctrl := New(Config{Store: f.store, Remote: client, Logger: logger})
	if err := ctrl.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if client.UserID() != "u1" {
		t.Errorf("restored user = %q", client.UserID())
	}

	f.must(t, MsgSignOut, nil, nil)
	state = cooped.AppState{}
	if err := f.store.Get(context.Background(), storage.KeyAppState, &state); err != nil {
		t.Fatal(err)
	}
	if state.UserID != "" || state.AccessToken != "" {
		t.Errorf("app state after sign out = %+v", state)
	}
}

func TestRestoreDropsRejectedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	saved := cooped.AppState{UserID: "ghost", AccessToken: "token-ghost", RefreshToken: "refresh-ghost", BlockedDomains: []string{"reddit.com"}}
	if err := f.store.Put(ctx, storage.KeyAppState, saved); err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if id := f.client.UserID(); id != "" {
		t.Errorf("user after rejected restore = %q", id)
	}
	var state cooped.AppState
	if err := f.store.Get(ctx, storage.KeyAppState, &state); err != nil {
		t.Fatal(err)
	}
	if state.AccessToken != "" || state.UserID != "" {
		t.Errorf("app state = %+v, want tokens cleared", state)
	}
	if !slices.Equal(state.BlockedDomains, []string{"reddit.com"}) {
		t.Errorf("blocked domains = %v, want kept", state.BlockedDomains)
	}
}

func TestSignUpPendingConfirmation(t *testing.T) {
	f := newFixture(t)
	var res AuthResult
	f.must(t, MsgSignUp, Credentials{Email: "new@example.com", Password: "pw"}, &res)
	if res.UserID == "" && !res.ConfirmationRequired {
		t.Errorf("sign up = %+v", res)
	}

	resp, _ := f.send(t, MsgSignIn, Credentials{Email: "u1@example.com", Password: "wrong"})
	if resp.Success {
		t.Error("sign in with a wrong password succeeded")
	}
}

func TestSetBlockedDomains(t *testing.T) {
	f := newFixture(t)
	var got []string
	f.must(t, MsgSetBlockedDomains, DomainsRequest{Domains: []string{"https://www.Reddit.com/r/golang", "reddit.com", " ", "news.ycombinator.com"}}, &got)
	if want := []string{"news.ycombinator.com", "reddit.com"}; !slices.Equal(got, want) {
		t.Errorf("domains = %v, want %v", got, want)
	}

	var res CheckResult
	f.must(t, MsgCheckBlockedSite, PageRequest{URL: "https://youtube.com"}, &res)
	if res.Reason != ReasonNotBlocked {
		t.Errorf("youtube after replacing the list = %+v", res)
	}
	f.must(t, MsgCheckBlockedSite, PageRequest{URL: "https://old.reddit.com"}, &res)
	if res.Reason != ReasonGate {
		t.Errorf("reddit = %+v", res)
	}
}

func TestRecordShort(t *testing.T) {
	f := newFixture(t)
	var v classify.ShortsVerdict
	for i := 1; i < classify.ShortsWallThreshold; i++ {
		f.must(t, MsgRecordShort, nil, &v)
		f.advance(20 * time.Second)
	}
	if v.ShouldTriggerWall || v.State != cooped.StateProductive {
		t.Errorf("below threshold = %+v", v)
	}
	f.must(t, MsgRecordShort, nil, &v)
	if !v.ShouldTriggerWall || v.Count != classify.ShortsWallThreshold {
		t.Errorf("at threshold = %+v", v)
	}

	var rec cooped.ActivityRecord
	f.must(t, MsgGetTimeTracking, PageRequest{URL: "https://youtube.com/shorts/x"}, &rec)
	if rec.CurrentState != cooped.StateUnproductive {
		t.Errorf("youtube state = %s", rec.CurrentState)
	}

	// RESET clears the window.
	f.must(t, MsgReset, nil, nil)
	f.must(t, MsgRecordShort, nil, &v)
	if v.Count != 1 {
		t.Errorf("count after reset = %d", v.Count)
	}
}

func TestLongFormPrompt(t *testing.T) {
	f := newFixture(t)
	f.must(t, MsgTabVisibility, VisibilityRequest{URL: "https://youtube.com/watch?v=lecture", Visible: true}, nil)

	var v classify.LongFormVerdict
	f.must(t, MsgVideoPlayback, PlaybackRequest{VideoID: "lecture", Playing: true}, &v)
	f.advance(4 * time.Minute)
	f.must(t, MsgVideoPlayback, PlaybackRequest{VideoID: "lecture", Playing: false}, &v)
	if v.ShouldPrompt {
		t.Errorf("prompt after 4m = %+v", v)
	}
	f.advance(time.Hour)
	f.must(t, MsgVideoPlayback, PlaybackRequest{VideoID: "lecture", Playing: true}, &v)
	f.advance(3 * time.Minute)
	f.must(t, MsgVideoPlayback, PlaybackRequest{VideoID: "lecture", Playing: true}, &v)
	if !v.ShouldPrompt || v.State != cooped.StateUnknown {
		t.Errorf("prompt after 7m watched = %+v", v)
	}

	f.must(t, MsgLongFormAnswer, AnswerRequest{VideoID: "lecture", Productive: true}, &v)
	if v.State != cooped.StateProductive {
		t.Errorf("after answer = %+v", v)
	}

	resp, _ := f.send(t, MsgLongFormAnswer, AnswerRequest{VideoID: "unknown"})
	if resp.Success {
		t.Error("answer for an unwatched video succeeded")
	}
}

func TestLongFormPromptAfterShortsWall(t *testing.T) {
	f := newFixture(t)
	var short classify.ShortsVerdict
	for range classify.ShortsWallThreshold {
		f.must(t, MsgRecordShort, nil, &short)
		f.advance(10 * time.Second)
	}
	if !short.ShouldTriggerWall {
		t.Fatalf("shorts verdict = %+v", short)
	}

	var v classify.LongFormVerdict
	f.must(t, MsgVideoPlayback, PlaybackRequest{VideoID: "talk", Playing: true}, &v)
	f.advance(8 * time.Minute)
	f.must(t, MsgVideoPlayback, PlaybackRequest{VideoID: "talk", Playing: true}, &v)
	if !v.ShouldPrompt || v.State != cooped.StateUnknown {
		t.Fatalf("long-form verdict = %+v", v)
	}

	var rec cooped.ActivityRecord
	f.must(t, MsgGetTimeTracking, PageRequest{URL: "https://www.youtube.com/watch?v=talk"}, &rec)
	if rec.CurrentState != cooped.StateUnknown {
		t.Errorf("youtube state = %s, want UNKNOWN", rec.CurrentState)
	}
}

func TestClassifySocialGrace(t *testing.T) {
	f := newFixture(t)
	url := "https://www.instagram.com/reels/"
	f.must(t, MsgTabVisibility, VisibilityRequest{URL: url, Visible: true}, nil)

	var c Classification
	f.advance(2 * time.Minute)
	f.must(t, MsgClassifyPage, ClassifyRequest{URL: url}, &c)
	if c.Platform != classify.PlatformInstagram || c.Social == nil || c.Social.State != cooped.StateProductive {
		t.Errorf("within grace = %+v", c)
	}

	f.advance(2 * time.Minute)
	f.must(t, MsgClassifyPage, ClassifyRequest{URL: url}, &c)
	if c.Social == nil || c.Social.State != cooped.StateUnproductive {
		t.Errorf("past grace = %+v", c)
	}

	f.advance(classify.SocialWindowDuration)
	f.must(t, MsgClassifyPage, ClassifyRequest{URL: url}, &c)
	if c.Social == nil || !c.Social.Reset || c.Social.State != cooped.StateProductive {
		t.Errorf("after window = %+v", c)
	}

	html := `<html><head><title>Clip</title><meta property="og:site_name" content="TikTok"><link rel="canonical" href="https://www.tiktok.com/@hen/video/1"></head></html>`
	f.must(t, MsgClassifyPage, ClassifyRequest{URL: "https://example.com/embed", HTML: html}, &c)
	if c.Platform != classify.PlatformTikTok || c.Domain != "tiktok.com" || c.Title != "Clip" {
		t.Errorf("snapshot = %+v", c)
	}
}

func TestCoopMessages(t *testing.T) {
	f := newFixture(t)
	f.signIn(t)

	resp, data := f.send(t, MsgGetCoop, nil)
	if !resp.Success || string(data) != "null" {
		t.Errorf("GET_COOP outside a coop = %+v %s", resp, data)
	}

	var c cooped.Coop
	f.must(t, MsgCreateCoop, CoopRequest{Name: "Night Owls"}, &c)
	if c.JoinCode == "" || !c.HasMember("u1") {
		t.Errorf("created coop = %+v", c)
	}

	var st coop.Standing
	f.must(t, MsgGetCoop, nil, &st)
	if st.Coop == nil || st.Coop.ID != c.ID || st.TotalLevel != 1 {
		t.Errorf("standing = %+v", st)
	}

	f.must(t, MsgLeaveCoop, nil, nil)
	resp, _ = f.send(t, MsgGetCoop, CoopRequest{CoopID: c.ID})
	if resp.Success {
		t.Errorf("GET_COOP of a deleted coop = %+v", resp)
	}
}

func TestClosedController(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Close()
	resp, _ := f.send(t, MsgCheckBlockedSite, PageRequest{URL: "https://youtube.com"})
	if resp.Success || resp.Error != ErrDisposed.Error() {
		t.Errorf("after Close = %+v", resp)
	}
}
