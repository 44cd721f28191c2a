// Package enrich looks up track metadata (BPM, musical key, genre) from the
// source file's tags. Pure tag reading — no audio analysis.
package enrich

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
)

// Store is the slice of the persistence layer the enricher writes through.
type Store interface {
	SetTrackAnalysis(trackID int64, bpm float64, keySig, genre string) error
}

// Result is one completed lookup, delivered to the optional OnResult hook.
type Result struct {
	TrackID int64
	BPM     float64
	Key     string
	Genre   string
}

type job struct {
	trackID  int64
	filePath string
}

// Enricher runs lookups on a single background worker. Enqueue is
// fire-and-forget: failures are logged, never surfaced, and a full queue
// drops the job rather than blocking the caller.
type Enricher struct {
	store Store
	jobs  chan job
	done  chan struct{}

	// OnResult, when set before the first Enqueue, is called after each
	// successful lookup so live state can pick up late-arriving data.
	OnResult func(Result)
}

// New creates an enricher and starts its worker.
func New(store Store) *Enricher {
	e := &Enricher{
		store: store,
		jobs:  make(chan job, 64),
		done:  make(chan struct{}),
	}
	go e.worker()
	return e
}

// Enqueue schedules a lookup for a track's source file.
func (e *Enricher) Enqueue(trackID int64, filePath string) {
	if filePath == "" {
		return
	}
	select {
	case e.jobs <- job{trackID: trackID, filePath: filePath}:
	default:
		log.Printf("ENRICH: queue full, dropping track %d", trackID)
	}
}

// Close stops the worker after draining queued jobs.
func (e *Enricher) Close() {
	close(e.jobs)
	<-e.done
}

func (e *Enricher) worker() {
	defer close(e.done)
	for j := range e.jobs {
		res, err := Lookup(j.filePath)
		if err != nil {
			log.Printf("ENRICH: %s: %v", j.filePath, err)
			continue
		}
		res.TrackID = j.trackID
		if err := e.store.SetTrackAnalysis(j.trackID, res.BPM, res.Key, res.Genre); err != nil {
			log.Printf("ENRICH: store track %d: %v", j.trackID, err)
			continue
		}
		if e.OnResult != nil {
			e.OnResult(res)
		}
	}
}

// Lookup reads BPM, key and genre from the file's tags.
func Lookup(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return Result{}, fmt.Errorf("read tags: %w", err)
	}

	raw := m.Raw()
	res := Result{
		Genre: strings.TrimSpace(m.Genre()),
		BPM:   rawFloat(raw, "TBPM", "BPM", "bpm", "fBPM"),
		Key:   rawString(raw, "TKEY", "KEY", "initialkey", "INITIALKEY"),
	}
	return res, nil
}

// rawFloat extracts the first parsable numeric frame. ID3 and Vorbis store
// these as strings; some writers use native numbers.
func rawFloat(raw map[string]interface{}, keys ...string) float64 {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case nil:
			continue
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
				return f
			}
		case int:
			if v > 0 {
				return float64(v)
			}
		case float64:
			if v > 0 {
				return v
			}
		}
	}
	return 0
}

func rawString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}
