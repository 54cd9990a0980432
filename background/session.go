package background

import (
	"maps"
	"slices"

	"cooped/classify"
)

// Session owns the in-memory tracking state that lives for one signed-in
// browsing session: tabs currently showing a block, the Shorts view window and
// long-form watches by video id. Reset clears it on sign-out or explicit
// reset; Dispose releases it at shutdown, after which it must not be used.
type Session struct {
	blockedTabs map[int]string
	shorts      *classify.ShortsWindowTracker
	longForm    map[string]*classify.LongFormWatch
	disposed    bool
}

// NewSession creates an empty session.
func NewSession() *Session {
	s := &Session{}
	s.Reset()
	return s
}

// Reset drops all tracking state.
func (s *Session) Reset() {
	s.blockedTabs = make(map[int]string)
	s.shorts = &classify.ShortsWindowTracker{}
	s.longForm = make(map[string]*classify.LongFormWatch)
}

// Dispose releases the session.
func (s *Session) Dispose() {
	s.blockedTabs = nil
	s.shorts = nil
	s.longForm = nil
	s.disposed = true
}

// Disposed reports whether Dispose was called.
func (s *Session) Disposed() bool { return s.disposed }

func (s *Session) block(tabID int, domain string) {
	s.blockedTabs[tabID] = domain
}

func (s *Session) unblock(tabID int) {
	delete(s.blockedTabs, tabID)
}

// BlockedTabs returns the ids of tabs currently showing a block, sorted.
func (s *Session) BlockedTabs() []int {
	return slices.Sorted(maps.Keys(s.blockedTabs))
}

func (s *Session) watch(videoID string) *classify.LongFormWatch {
	w, ok := s.longForm[videoID]
	if !ok {
		w = &classify.LongFormWatch{}
		s.longForm[videoID] = w
	}
	return w
}
