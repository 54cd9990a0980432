package coop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"
	"time"

	"cooped/email"
	"cooped/ledger"
	"cooped/pkg/cooped"
	"cooped/remote"
	"cooped/remote/remotetest"
)

type fixture struct {
	svc  *Service
	srv  *remotetest.Server
	mail *email.MockProvider
	now  time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) profile(t *testing.T, id string) cooped.UserProfile {
	t.Helper()
	var profiles []cooped.UserProfile
	if err := f.srv.Rows(ledger.ProfilesTable, &profiles); err != nil {
		t.Fatal(err)
	}
	for _, p := range profiles {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("profile %s not found", id)
	return cooped.UserProfile{}
}

func strPtr(s string) *string { return &s }

// newFixture seeds profiles u1..u12 (none in a coop) and signs the client in as u1.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := remotetest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("u1", "u1@example.com", "pw")
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("u%d", i)
		srv.Seed(ledger.ProfilesTable, cooped.UserProfile{
			ID:          id,
			Email:       id + "@example.com",
			DisplayName: strings.ToUpper(id),
			Level:       1,
		})
	}

	client := remote.New(srv.URL, "anon", srv.Client(), logger)
	client.SetSession(&remote.Session{AccessToken: remotetest.AccessToken("u1"), RefreshToken: "refresh-u1", User: remote.User{ID: "u1"}})

	f := &fixture{
		srv:  srv,
		mail: email.NewMockProvider(logger),
		now:  time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	xp := ledger.NewService(client, logger, clock)
	f.svc = New(client, xp, email.New(f.mail, logger, ""), logger, clock)
	return f
}

// seedCoop stores a coop and points each member's profile at it.
func (f *fixture) seedCoop(t *testing.T, id string, members ...string) {
	t.Helper()
	f.srv.Seed(CoopsTable, cooped.Coop{ID: id, Name: "Coop " + id, JoinCode: "ABCDEF", OwnerID: members[0], MemberIDs: members})
	for _, m := range members {
		if err := f.svc.setCoopID(context.Background(), m, strPtr(id)); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSpeedScores(t *testing.T) {
	tests := []struct {
		name  string
		times []float64
		want  []float64
	}{
		{"empty", nil, []float64{}},
		{"single", []float64{42}, []float64{100}},
		{"all equal", []float64{10, 10, 10}, []float64{100, 100, 100}},
		{"linear", []float64{30, 20, 25}, []float64{0, 100, 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SpeedScores(tt.times)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Errorf("score[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRankComposite(t *testing.T) {
	attempts := []cooped.SideQuestAttempt{
		{UserID: "perfect-but-slow", AccuracyPercent: 100, TimeTakenSeconds: 30},
		{UserID: "fast", AccuracyPercent: 90, TimeTakenSeconds: 20},
	}
	ranked := Rank(attempts)

	if ranked[0].Attempt.UserID != "fast" || ranked[1].Attempt.UserID != "perfect-but-slow" {
		t.Fatalf("order = %s, %s", ranked[0].Attempt.UserID, ranked[1].Attempt.UserID)
	}
	if math.Abs(ranked[0].Composite-92) > 1e-9 || math.Abs(ranked[1].Composite-80) > 1e-9 {
		t.Errorf("composites = %v, %v; want 92, 80", ranked[0].Composite, ranked[1].Composite)
	}
	if ranked[0].SpeedScore != 100 || ranked[1].SpeedScore != 0 {
		t.Errorf("speed scores = %v, %v", ranked[0].SpeedScore, ranked[1].SpeedScore)
	}
	if ranked[0].Placement != 1 || ranked[0].XP != 250 || ranked[1].XP != 200 {
		t.Errorf("placements/xp = %+v", ranked)
	}
}

func TestRankXPByPlacement(t *testing.T) {
	var attempts []cooped.SideQuestAttempt
	for i := range 5 {
		attempts = append(attempts, cooped.SideQuestAttempt{UserID: fmt.Sprint(i), AccuracyPercent: float64(100 - i*10), TimeTakenSeconds: 10})
	}
	want := []int{250, 200, 150, 100, 100}
	for i, r := range Rank(attempts) {
		if r.XP != want[i] || r.Placement != i+1 {
			t.Errorf("rank %d: placement %d xp %d, want xp %d", i, r.Placement, r.XP, want[i])
		}
	}
}

func TestNewJoinCode(t *testing.T) {
	for range 50 {
		code, err := NewJoinCode()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != JoinCodeLength {
			t.Fatalf("code %q has length %d", code, len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(joinCodeAlphabet, r) {
				t.Fatalf("code %q contains %q", code, r)
			}
		}
	}
}

func TestCreateJoinLeave(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.CreateCoop(ctx, "u1", "   "); !errors.Is(err, ErrInvalidName) {
		t.Errorf("CreateCoop(blank) error = %v", err)
	}

	c, err := f.svc.CreateCoop(ctx, "u1", "Early Birds")
	if err != nil {
		t.Fatalf("CreateCoop() error = %v", err)
	}
	if c.ID == "" || c.OwnerID != "u1" || len(c.MemberIDs) != 1 {
		t.Errorf("created coop = %+v", c)
	}
	if p := f.profile(t, "u1"); p.CoopID == nil || *p.CoopID != c.ID {
		t.Errorf("owner coop_id = %v", p.CoopID)
	}
	if _, err := f.svc.CreateCoop(ctx, "u1", "Second"); !errors.Is(err, ErrAlreadyInCoop) {
		t.Errorf("second CreateCoop() error = %v", err)
	}

	joined, err := f.svc.JoinCoop(ctx, "u2", strings.ToLower(c.JoinCode))
	if err != nil {
		t.Fatalf("JoinCoop() error = %v", err)
	}
	if len(joined.MemberIDs) != 2 {
		t.Errorf("members = %v", joined.MemberIDs)
	}
	again, err := f.svc.JoinCoop(ctx, "u2", c.JoinCode)
	if err != nil || len(again.MemberIDs) != 2 {
		t.Errorf("rejoin = %v, %v; want no-op", again, err)
	}

	if err := f.svc.LeaveCoop(ctx, "u1"); err != nil {
		t.Fatalf("LeaveCoop(owner) error = %v", err)
	}
	after, err := f.svc.Coop(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.OwnerID != "u2" || after.HasMember("u1") {
		t.Errorf("after owner left: %+v", after)
	}
	if p := f.profile(t, "u1"); p.CoopID != nil {
		t.Errorf("u1 coop_id = %v, want nil", *p.CoopID)
	}

	if err := f.svc.LeaveCoop(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Coop(ctx, c.ID); !errors.Is(err, ErrCoopNotFound) {
		t.Errorf("Coop() after last member left error = %v", err)
	}
	if err := f.svc.LeaveCoop(ctx, "u2"); !errors.Is(err, ErrNotInCoop) {
		t.Errorf("LeaveCoop() when not in a coop error = %v", err)
	}
}

func TestJoinCoopFull(t *testing.T) {
	f := newFixture(t)
	var members []string
	for i := 1; i <= MaxMembers; i++ {
		members = append(members, fmt.Sprintf("u%d", i))
	}
	f.seedCoop(t, "c1", members...)

	if _, err := f.svc.JoinCoop(context.Background(), "u11", "ABCDEF"); !errors.Is(err, ErrCoopFull) {
		t.Errorf("JoinCoop() error = %v, want ErrCoopFull", err)
	}
}

func TestJoinCoopRateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := range JoinsPerHour {
		if _, err := f.svc.JoinCoop(ctx, "u11", "ZZZZZZ"); !errors.Is(err, ErrCoopNotFound) {
			t.Fatalf("attempt %d error = %v, want ErrCoopNotFound", i+1, err)
		}
	}
	if _, err := f.svc.JoinCoop(ctx, "u11", "ZZZZZZ"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("attempt %d error = %v, want ErrRateLimited", JoinsPerHour+1, err)
	}
	// Limits are per user
	if _, err := f.svc.JoinCoop(ctx, "u12", "ZZZZZZ"); !errors.Is(err, ErrCoopNotFound) {
		t.Errorf("other user error = %v", err)
	}

	f.advance(time.Hour + time.Minute)
	if _, err := f.svc.JoinCoop(ctx, "u11", "ZZZZZZ"); !errors.Is(err, ErrCoopNotFound) {
		t.Errorf("after window error = %v, want ErrCoopNotFound", err)
	}
}

func TestRateLimiterForgetsIdleKeys(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	rl := newRateLimiter(2, time.Hour, func() time.Time { return now })

	for _, key := range []string{"a", "b", "c"} {
		if !rl.allow(key) {
			t.Fatalf("allow(%s) = false", key)
		}
	}
	now = now.Add(2 * time.Hour)
	if !rl.allow("a") {
		t.Fatal("allow(a) after window = false")
	}
	if len(rl.clients) != 1 {
		t.Errorf("tracked keys = %d, want only the active one", len(rl.clients))
	}
	if !rl.allow("a") || rl.allow("a") {
		t.Error("limit of 2 per window not enforced")
	}
}

func TestCoopRank(t *testing.T) {
	f := newFixture(t)
	f.seedCoop(t, "c1", "u1", "u2")
	ctx := context.Background()
	if _, err := f.svc.xp.ApplyXPEvent(ctx, "u2", ledger.EventSideQuestFirst, ledger.Meta{}); err != nil {
		t.Fatal(err)
	}

	st, err := f.svc.CoopRank(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	// 250 XP is level 3
	if st.TotalLevel != 4 || len(st.Members) != 2 || st.Members[0].UserID != "u2" {
		t.Errorf("standing = %+v", st)
	}
}

func TestInviteToCoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.svc.InviteToCoop(ctx, "u1", "friend@example.com"); !errors.Is(err, ErrNotInCoop) {
		t.Errorf("InviteToCoop() outside a coop error = %v", err)
	}

	f.seedCoop(t, "c1", "u1")
	if err := f.svc.InviteToCoop(ctx, "u1", "friend@example.com"); err != nil {
		t.Fatal(err)
	}
	sent := f.mail.Sent()
	if len(sent) != 1 || sent[0].To != "friend@example.com" || !strings.Contains(sent[0].HTML, "ABCDEF") {
		t.Errorf("sent = %+v", sent)
	}
}

func questions(n int) []cooped.Question {
	qs := make([]cooped.Question, n)
	for i := range qs {
		qs[i] = cooped.Question{Prompt: fmt.Sprintf("Q%d", i+1), Choices: []string{"a", "b", "c"}, AnswerIndex: i % 3}
	}
	return qs
}

func answers(qs []cooped.Question, wrong int) []int {
	out := make([]int, len(qs))
	for i, q := range qs {
		out[i] = q.AnswerIndex
		if i < wrong {
			out[i] = (q.AnswerIndex + 1) % len(q.Choices)
		}
	}
	return out
}

func TestSideQuestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedCoop(t, "c1", "u1", "u2", "u3")

	if _, err := f.svc.CreateSideQuest(ctx, "u1", "Trivia", questions(9)); !errors.Is(err, ErrQuestionCount) {
		t.Errorf("CreateSideQuest(9 questions) error = %v", err)
	}
	bad := questions(10)
	bad[4].AnswerIndex = 7
	if _, err := f.svc.CreateSideQuest(ctx, "u1", "Trivia", bad); !errors.Is(err, ErrInvalidQuestion) {
		t.Errorf("CreateSideQuest(bad answer index) error = %v", err)
	}
	if _, err := f.svc.CreateSideQuest(ctx, "u4", "Trivia", questions(10)); !errors.Is(err, ErrNotInCoop) {
		t.Errorf("CreateSideQuest(outsider) error = %v", err)
	}

	qs := questions(10)
	quest, err := f.svc.CreateSideQuest(ctx, "u1", "Trivia", qs)
	if err != nil {
		t.Fatalf("CreateSideQuest() error = %v", err)
	}
	if !quest.ExpiresAt.Equal(f.now.Add(24 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", quest.ExpiresAt)
	}

	a1, err := f.svc.SubmitAttempt(ctx, quest.ID, "u1", answers(qs, 0), 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if a1.AccuracyPercent != 100 {
		t.Errorf("u1 accuracy = %v", a1.AccuracyPercent)
	}
	a2, err := f.svc.SubmitAttempt(ctx, quest.ID, "u2", answers(qs, 1), 20*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if a2.AccuracyPercent != 90 {
		t.Errorf("u2 accuracy = %v", a2.AccuracyPercent)
	}

	if _, err := f.svc.SubmitAttempt(ctx, quest.ID, "u1", answers(qs, 0), 10*time.Second); !errors.Is(err, ErrAlreadyAttempted) {
		t.Errorf("second attempt error = %v", err)
	}
	if _, err := f.svc.SubmitAttempt(ctx, quest.ID, "u4", answers(qs, 0), 10*time.Second); !errors.Is(err, ErrNotMember) {
		t.Errorf("outsider attempt error = %v", err)
	}
	if _, err := f.svc.SubmitAttempt(ctx, quest.ID, "u3", answers(qs, 0)[:5], 10*time.Second); !errors.Is(err, ErrInvalidSubmission) {
		t.Errorf("short submission error = %v", err)
	}
	if _, err := f.svc.FinalizeSideQuest(ctx, quest.ID); !errors.Is(err, ErrQuestStillOpen) {
		t.Errorf("early finalize error = %v", err)
	}

	f.advance(24 * time.Hour)
	if _, err := f.svc.SubmitAttempt(ctx, quest.ID, "u3", answers(qs, 0), 10*time.Second); !errors.Is(err, ErrQuestClosed) {
		t.Errorf("late attempt error = %v", err)
	}

	res, err := f.svc.FinalizeSideQuest(ctx, quest.ID)
	if err != nil {
		t.Fatalf("FinalizeSideQuest() error = %v", err)
	}
	if len(res.Ranking) != 2 || res.Ranking[0].Attempt.UserID != "u2" {
		t.Fatalf("ranking = %+v", res.Ranking)
	}
	if p := f.profile(t, "u2"); p.XPTotal != 250 {
		t.Errorf("u2 xp = %d, want 250", p.XPTotal)
	}
	if p := f.profile(t, "u1"); p.XPTotal != 200 {
		t.Errorf("u1 xp = %d, want 200", p.XPTotal)
	}
	if n := len(f.mail.Sent()); n != 2 {
		t.Errorf("result emails = %d, want 2", n)
	}

	var stored []cooped.SideQuestAttempt
	if err := f.srv.Rows(AttemptsTable, &stored); err != nil {
		t.Fatal(err)
	}
	for _, a := range stored {
		if a.Placement == 0 || a.XPAwarded == 0 {
			t.Errorf("attempt %s missing placement: %+v", a.UserID, a)
		}
	}

	again, err := f.svc.FinalizeSideQuest(ctx, quest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.AlreadyFinalized {
		t.Error("second finalize should report AlreadyFinalized")
	}
	if p := f.profile(t, "u2"); p.XPTotal != 250 {
		t.Errorf("u2 xp after second finalize = %d, want 250", p.XPTotal)
	}
}
