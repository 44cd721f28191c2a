// Package detector observes the track currently playing in an external DJ
// application by tailing its exported history log.
//
// Log format: one play per line, tab separated:
//
//	<unix-ts>\t<artist>\t<title>\t<source-file-path>
//
// The last line is the track playing now. The detector is deliberately
// noisy — it re-fires the current track on every reparse (write event or
// poll tick); deduplication is the consumer's job.
package detector

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
)

// ObservedTrack is one raw observation from the history log.
type ObservedTrack struct {
	Artist     string
	Title      string
	FilePath   string
	ObservedAt int64 // unix seconds
}

// Detector tails one history log. Watching is guarded so only one watch
// loop can run per instance regardless of how many surfaces call
// StartWatching.
type Detector struct {
	historyFile string
	clock       clock.Clock

	mu       sync.Mutex
	watching bool
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	current  *ObservedTrack

	listenerMu sync.Mutex
	listeners  map[int]func(ObservedTrack)
	nextID     int
}

// New creates a detector for the given history log path.
func New(historyFile string) *Detector {
	return &Detector{
		historyFile: historyFile,
		clock:       clock.New(),
		listeners:   make(map[int]func(ObservedTrack)),
	}
}

// NewWithClock is like New with an injected clock for tests.
func NewWithClock(historyFile string, clk clock.Clock) *Detector {
	d := New(historyFile)
	d.clock = clk
	return d
}

// OnTrackChange registers a callback for observations and returns an
// unsubscribe function.
func (d *Detector) OnTrackChange(cb func(ObservedTrack)) func() {
	d.listenerMu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = cb
	d.listenerMu.Unlock()

	return func() {
		d.listenerMu.Lock()
		delete(d.listeners, id)
		d.listenerMu.Unlock()
	}
}

// CurrentTrack returns the most recently observed track, or nil before the
// first successful parse.
func (d *Detector) CurrentTrack() *ObservedTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return nil
	}
	t := *d.current
	return &t
}

// StartWatching begins tailing the history log. The directory is watched
// with fsnotify; a poll ticker covers DJ apps that replace the file
// atomically (rename events can be missed across editors). No-op when
// already watching.
func (d *Detector) StartWatching(interval time.Duration) error {
	d.mu.Lock()
	if d.watching {
		d.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if err := watcher.Add(filepath.Dir(d.historyFile)); err != nil {
		watcher.Close()
		d.mu.Unlock()
		return err
	}

	d.watcher = watcher
	d.watching = true
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	go d.watchLoop(watcher, interval, stop)

	// Prime current state so CurrentTrack works before the first event.
	d.reparse()
	return nil
}

// StopWatching halts the watch loop. Idempotent.
func (d *Detector) StopWatching() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.watching {
		return
	}
	d.watching = false
	close(d.stop)
	d.watcher.Close()
	d.watcher = nil
}

func (d *Detector) watchLoop(watcher *fsnotify.Watcher, interval time.Duration, stop chan struct{}) {
	ticker := d.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.historyFile) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				d.reparse()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("DETECTOR: watcher error: %v", err)
		case <-ticker.C:
			d.reparse()
		}
	}
}

// reparse re-reads the log, updates the current track, and fires listeners.
func (d *Detector) reparse() {
	track, ok := parseLast(d.historyFile)
	if !ok {
		return
	}

	d.mu.Lock()
	d.current = &track
	d.mu.Unlock()

	d.listenerMu.Lock()
	cbs := make([]func(ObservedTrack), 0, len(d.listeners))
	for _, cb := range d.listeners {
		cbs = append(cbs, cb)
	}
	d.listenerMu.Unlock()

	for _, cb := range cbs {
		cb(track)
	}
}

// parseLast returns the last well-formed line of the history log.
func parseLast(path string) (ObservedTrack, bool) {
	f, err := os.Open(path)
	if err != nil {
		return ObservedTrack{}, false
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if sc.Err() != nil || last == "" {
		return ObservedTrack{}, false
	}

	fields := strings.Split(last, "\t")
	if len(fields) < 3 {
		return ObservedTrack{}, false
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return ObservedTrack{}, false
	}

	t := ObservedTrack{
		ObservedAt: ts,
		Artist:     strings.TrimSpace(fields[1]),
		Title:      strings.TrimSpace(fields[2]),
	}
	if len(fields) > 3 {
		t.FilePath = strings.TrimSpace(fields[3])
	}
	if t.Artist == "" || t.Title == "" {
		return ObservedTrack{}, false
	}
	return t, true
}
