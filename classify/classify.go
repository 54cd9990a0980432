// Package classify maps raw per-platform signals to a productivity verdict.
package classify

import (
	"net/url"
	"strings"
	"time"

	"cooped/pkg/cooped"
)

// Platform identifies a site with its own classification rule.
type Platform string

// Known platforms.
const (
	PlatformYouTubeShorts Platform = "youtube_shorts"
	PlatformYouTube       Platform = "youtube"
	PlatformTikTok        Platform = "tiktok"
	PlatformInstagram     Platform = "instagram"
	PlatformFacebook      Platform = "facebook"
	PlatformX             Platform = "x"
	PlatformOther         Platform = "other"
)

// Thresholds used by the classifiers.
const (
	ShortsWindow         = 7 * time.Minute
	ShortsWallThreshold  = 8
	LongFormPromptAfter  = 7 * time.Minute
	SocialGracePeriod    = 3 * time.Minute
	SocialWindowDuration = 2 * time.Hour
)

var socialHosts = map[string]Platform{
	"tiktok.com":    PlatformTikTok,
	"instagram.com": PlatformInstagram,
	"facebook.com":  PlatformFacebook,
	"fb.com":        PlatformFacebook,
	"x.com":         PlatformX,
	"twitter.com":   PlatformX,
}

// Domain returns the normalized host of rawURL ("www." and "m." stripped, lower case).
// Bare hosts are accepted as well.
func Domain(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")
	return host
}

// DetectPlatform classifies a page URL.
func DetectPlatform(rawURL string) Platform {
	host := Domain(rawURL)
	if host == "" {
		return PlatformOther
	}

	if host == "youtube.com" || host == "youtu.be" || strings.HasSuffix(host, ".youtube.com") {
		if isShortsURL(rawURL) {
			return PlatformYouTubeShorts
		}
		return PlatformYouTube
	}

	for suffix, p := range socialHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return p
		}
	}
	return PlatformOther
}

// IsSocial reports whether p uses the social-media grace period rule.
func (p Platform) IsSocial() bool {
	switch p {
	case PlatformTikTok, PlatformInstagram, PlatformFacebook, PlatformX:
		return true
	}
	return false
}

func isShortsURL(rawURL string) bool {
	raw := rawURL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.HasPrefix(u.Path, "/shorts/") || u.Path == "/shorts"
}

// ShortsVerdict is the result of recording one Shorts view.
type ShortsVerdict struct {
	State             cooped.ActivityState `json:"state"`
	Count             int                  `json:"count"`
	ShouldTriggerWall bool                 `json:"shouldTriggerWall"`
}

// ShortsWindowTracker counts YouTube Shorts views in a trailing window.
type ShortsWindowTracker struct {
	views []time.Time
}

// Record adds a view at now and returns the verdict for the trailing window.
func (w *ShortsWindowTracker) Record(now time.Time) ShortsVerdict {
	w.views = append(w.views, now)
	return w.Evaluate(now)
}

// Evaluate prunes views older than the window and classifies the remainder.
func (w *ShortsWindowTracker) Evaluate(now time.Time) ShortsVerdict {
	cutoff := now.Add(-ShortsWindow)
	recent := w.views[:0]
	for _, ts := range w.views {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	w.views = recent

	v := ShortsVerdict{Count: len(recent), State: cooped.StateProductive}
	if v.Count >= ShortsWallThreshold {
		v.State = cooped.StateUnproductive
		v.ShouldTriggerWall = true
	}
	return v
}

// Reset forgets all recorded views.
func (w *ShortsWindowTracker) Reset() {
	w.views = nil
}

// LongFormVerdict is the state of a long-form watch.
type LongFormVerdict struct {
	State        cooped.ActivityState `json:"state"`
	Watched      time.Duration        `json:"watched"`
	ShouldPrompt bool                 `json:"shouldPrompt"`
}

// LongFormWatch accumulates unpaused watch time for one video.
// After LongFormPromptAfter the user is asked once whether they were productive;
// that answer alone decides the verdict.
type LongFormWatch struct {
	playingSince time.Time
	watched      time.Duration
	prompted     bool
	answered     bool
	productive   bool
}

// Play starts or resumes the watch clock.
func (l *LongFormWatch) Play(now time.Time) {
	if l.playingSince.IsZero() {
		l.playingSince = now
	}
}

// Pause stops the watch clock and banks the elapsed time.
func (l *LongFormWatch) Pause(now time.Time) {
	if l.playingSince.IsZero() {
		return
	}
	if elapsed := now.Sub(l.playingSince); elapsed > 0 {
		l.watched += elapsed
	}
	l.playingSince = time.Time{}
}

// Watched returns unpaused watch time as of now.
func (l *LongFormWatch) Watched(now time.Time) time.Duration {
	total := l.watched
	if !l.playingSince.IsZero() {
		if elapsed := now.Sub(l.playingSince); elapsed > 0 {
			total += elapsed
		}
	}
	return total
}

// Check returns the current verdict. ShouldPrompt is true exactly once, when
// the threshold is first crossed.
func (l *LongFormWatch) Check(now time.Time) LongFormVerdict {
	watched := l.Watched(now)
	v := LongFormVerdict{Watched: watched, State: cooped.StateActive}

	switch {
	case l.answered && l.productive:
		v.State = cooped.StateProductive
	case l.answered:
		v.State = cooped.StateUnproductive
	case watched >= LongFormPromptAfter:
		v.State = cooped.StateUnknown
		if !l.prompted {
			l.prompted = true
			v.ShouldPrompt = true
		}
	}
	return v
}

// Answer records the user's reply to the productivity prompt.
func (l *LongFormWatch) Answer(productive bool) cooped.ActivityState {
	l.answered = true
	l.productive = productive
	if productive {
		return cooped.StateProductive
	}
	return cooped.StateUnproductive
}

// SocialVerdict is the result of evaluating a social-media window.
type SocialVerdict struct {
	State     cooped.ActivityState `json:"state"`
	Remaining time.Duration        `json:"remaining"`
	Reset     bool                 `json:"reset"`
}

// EvaluateSocial applies the grace-period rule. Once the wall-clock window
// anchored at windowStart has elapsed the caller must reset the window; the
// verdict is then PRODUCTIVE with a full grace period.
func EvaluateSocial(activeTime time.Duration, windowStart, now time.Time) SocialVerdict {
	if !windowStart.IsZero() && now.Sub(windowStart) >= SocialWindowDuration {
		return SocialVerdict{State: cooped.StateProductive, Remaining: SocialGracePeriod, Reset: true}
	}
	if activeTime <= SocialGracePeriod {
		return SocialVerdict{State: cooped.StateProductive, Remaining: SocialGracePeriod - activeTime}
	}
	return SocialVerdict{State: cooped.StateUnproductive}
}
