package classify

import (
	"strings"
	"testing"
	"time"

	"cooped/pkg/cooped"
)

var t0 = time.Date(2025, 3, 14, 20, 0, 0, 0, time.UTC)

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		url  string
		want Platform
	}{
		{"https://www.youtube.com/shorts/abc123", PlatformYouTubeShorts},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube},
		{"youtube.com", PlatformYouTube},
		{"https://www.tiktok.com/@someone/video/1", PlatformTikTok},
		{"https://instagram.com/reels/", PlatformInstagram},
		{"https://web.facebook.com/", PlatformFacebook},
		{"https://twitter.com/home", PlatformX},
		{"https://x.com/home", PlatformX},
		{"https://box.com/", PlatformOther},
		{"https://en.wikipedia.org/wiki/Go", PlatformOther},
		{"", PlatformOther},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := DetectPlatform(tt.url); got != tt.want {
				t.Errorf("DetectPlatform(%q) = %s, want %s", tt.url, got, tt.want)
			}
		})
	}
}

func TestDomain(t *testing.T) {
	tests := map[string]string{
		"https://www.YouTube.com/watch?v=1": "youtube.com",
		"m.facebook.com":                    "facebook.com",
		"https://news.ycombinator.com:443/": "news.ycombinator.com",
		"  ":                                "",
	}
	for in, want := range tests {
		if got := Domain(in); got != want {
			t.Errorf("Domain(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestShortsWallOnEighthWithinWindow(t *testing.T) {
	var w ShortsWindowTracker
	for i := range 7 {
		v := w.Record(t0.Add(time.Duration(i) * 50 * time.Second))
		if v.ShouldTriggerWall {
			t.Fatalf("short %d triggered the wall early", i+1)
		}
		if v.State != cooped.StateProductive {
			t.Errorf("short %d state = %s, want PRODUCTIVE", i+1, v.State)
		}
	}
	v := w.Record(t0.Add(6 * time.Minute))
	if !v.ShouldTriggerWall || v.Count != 8 || v.State != cooped.StateUnproductive {
		t.Errorf("8th short verdict = %+v, want wall with count 8", v)
	}
}

func TestShortsSpreadOutsideWindowDoesNotTrigger(t *testing.T) {
	var w ShortsWindowTracker
	var v ShortsVerdict
	// 7 shorts over 8 minutes: the first has aged out by the last
	for i := range 7 {
		v = w.Record(t0.Add(time.Duration(i) * 80 * time.Second))
	}
	if v.ShouldTriggerWall {
		t.Errorf("verdict = %+v, want no wall", v)
	}

	// Eight shorts, but spaced so that no 7-minute window holds all eight
	w.Reset()
	for i := range 8 {
		v = w.Record(t0.Add(time.Duration(i) * time.Minute))
	}
	if v.ShouldTriggerWall {
		t.Errorf("spaced verdict = %+v, want no wall", v)
	}
	if v.Count != 7 {
		t.Errorf("Count = %d, want 7", v.Count)
	}
}

func TestLongFormPromptsOnceAfterThreshold(t *testing.T) {
	var l LongFormWatch
	l.Play(t0)
	l.Pause(t0.Add(4 * time.Minute))

	// Paused time never counts
	if v := l.Check(t0.Add(30 * time.Minute)); v.ShouldPrompt || v.State != cooped.StateActive {
		t.Fatalf("paused verdict = %+v", v)
	}

	l.Play(t0.Add(30 * time.Minute))
	v := l.Check(t0.Add(33 * time.Minute))
	if !v.ShouldPrompt || v.State != cooped.StateUnknown || v.Watched != 7*time.Minute {
		t.Fatalf("threshold verdict = %+v, want prompt at 7m", v)
	}
	if v := l.Check(t0.Add(34 * time.Minute)); v.ShouldPrompt {
		t.Errorf("second check prompted again: %+v", v)
	}

	if got := l.Answer(false); got != cooped.StateUnproductive {
		t.Errorf("Answer(false) = %s", got)
	}
	if v := l.Check(t0.Add(40 * time.Minute)); v.State != cooped.StateUnproductive {
		t.Errorf("after answer state = %s", v.State)
	}
	if got := l.Answer(true); got != cooped.StateProductive {
		t.Errorf("Answer(true) = %s", got)
	}
}

func TestEvaluateSocial(t *testing.T) {
	tests := []struct {
		name        string
		active      time.Duration
		windowStart time.Time
		wantState   cooped.ActivityState
		wantReset   bool
	}{
		{"fresh", 0, t0, cooped.StateProductive, false},
		{"inside grace", 2*time.Minute + 59*time.Second, t0, cooped.StateProductive, false},
		{"exactly grace", 3 * time.Minute, t0, cooped.StateProductive, false},
		{"past grace", 3*time.Minute + time.Second, t0, cooped.StateUnproductive, false},
		{"window elapsed", time.Hour, t0.Add(-2 * time.Hour), cooped.StateProductive, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := EvaluateSocial(tt.active, tt.windowStart, t0)
			if v.State != tt.wantState || v.Reset != tt.wantReset {
				t.Errorf("EvaluateSocial() = %+v, want state %s reset %v", v, tt.wantState, tt.wantReset)
			}
		})
	}
}

func TestDetectFromHTML(t *testing.T) {
	tests := []struct {
		name    string
		html    string
		pageURL string
		want    Platform
	}{
		{
			name:    "og url reveals shorts",
			html:    `<html><head><title>Funny - YouTube</title><meta property="og:url" content="https://www.youtube.com/shorts/xyz"></head></html>`,
			pageURL: "https://www.youtube.com/",
			want:    PlatformYouTubeShorts,
		},
		{
			name:    "canonical link",
			html:    `<html><head><link rel="canonical" href="https://www.instagram.com/p/abc/"></head></html>`,
			pageURL: "https://l.example.com/redirect",
			want:    PlatformInstagram,
		},
		{
			name:    "site name fallback",
			html:    `<html><head><meta property="og:site_name" content="TikTok"></head></html>`,
			pageURL: "https://vm.example.net/abc",
			want:    PlatformTikTok,
		},
		{
			name:    "plain page",
			html:    `<html><head><title>Docs</title></head></html>`,
			pageURL: "https://go.dev/doc/",
			want:    PlatformOther,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := DetectFromHTML(strings.NewReader(tt.html), tt.pageURL)
			if err != nil {
				t.Fatalf("DetectFromHTML() error = %v", err)
			}
			if page.Platform != tt.want {
				t.Errorf("Platform = %s, want %s", page.Platform, tt.want)
			}
		})
	}
}
