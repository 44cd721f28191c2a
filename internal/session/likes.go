package session

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// likeStore is the slice of persistence the batcher writes through.
type likeStore interface {
	IncrementLikesBy(playID int64, n int) error
}

// likeBatcher coalesces the bursty like stream into one durable increment
// per play per debounce window. Likes are keyed by the play id they were
// attributed to when they arrived, so a track change mid-window cannot
// misattribute them.
type likeBatcher struct {
	store  likeStore
	clock  clock.Clock
	window time.Duration

	mu     sync.Mutex
	counts map[int64]int
	timer  *clock.Timer
}

func newLikeBatcher(store likeStore, clk clock.Clock, window time.Duration) *likeBatcher {
	return &likeBatcher{
		store:  store,
		clock:  clk,
		window: window,
		counts: make(map[int64]int),
	}
}

// Add credits n likes to the given play. The first like of a window arms
// the flush timer; later likes in the same window ride along.
func (b *likeBatcher) Add(playID int64, n int) {
	if playID == 0 || n <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[playID] += n
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.flushTimer)
	}
}

func (b *likeBatcher) flushTimer() {
	b.mu.Lock()
	b.timer = nil
	b.mu.Unlock()
	b.Flush()
}

// Flush writes all batched counts immediately. Also called on session end
// so no likes are stranded behind the timer.
func (b *likeBatcher) Flush() {
	b.mu.Lock()
	counts := b.counts
	b.counts = make(map[int64]int)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	for playID, n := range counts {
		if err := b.store.IncrementLikesBy(playID, n); err != nil {
			log.Printf("SESSION: persist %d likes for play %d: %v", n, playID, err)
		}
	}
}
