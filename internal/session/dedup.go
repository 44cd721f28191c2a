package session

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// trackKey normalizes (artist, title) into the shared dedup/content key.
func trackKey(artist, title string) string {
	return strings.ToLower(strings.TrimSpace(artist)) + "|" + strings.ToLower(strings.TrimSpace(title))
}

// dedupGuard decides whether an observation is a genuinely new play.
// Two overlapping guards over the same key, both of which must agree:
// a rolling window key blocks re-entry within one window bucket, and an
// absolute last-play timestamp blocks re-recording within the minimum
// replay interval even across bucket boundaries.
type dedupGuard struct {
	window    time.Duration
	minReplay time.Duration

	mu         sync.Mutex
	windowKeys map[string]struct{}
	lastPlayed map[string]time.Time
}

func newDedupGuard(window, minReplay time.Duration) *dedupGuard {
	return &dedupGuard{
		window:     window,
		minReplay:  minReplay,
		windowKeys: make(map[string]struct{}),
		lastPlayed: make(map[string]time.Time),
	}
}

func (g *dedupGuard) bucketKey(key string, now time.Time) string {
	return fmt.Sprintf("%s@%d", key, now.UnixNano()/int64(g.window))
}

// admit reports whether the key counts as a new play at time now, and if
// so records it in both guards in the same critical section.
func (g *dedupGuard) admit(key string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	bk := g.bucketKey(key, now)
	if _, seen := g.windowKeys[bk]; seen {
		return false
	}
	if last, ok := g.lastPlayed[key]; ok && now.Sub(last) < g.minReplay {
		return false
	}

	g.windowKeys[bk] = struct{}{}
	g.lastPlayed[key] = now
	return true
}

// seed registers a play timestamp without admitting anything — used to
// suppress the track already playing at session start, and by bulk-import
// collaborators so the live pipeline does not re-record imported history.
func (g *dedupGuard) seed(key string, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.windowKeys[g.bucketKey(key, at)] = struct{}{}
	g.lastPlayed[key] = at
}

// clear drops all dedup state. Called when a session ends.
func (g *dedupGuard) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.windowKeys = make(map[string]struct{})
	g.lastPlayed = make(map[string]time.Time)
}
