// Package session owns the live broadcast lifecycle: session identity and
// status, the track change pipeline, inbound message routing, and the
// interactive poll/announcement/like state.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/spindlecast/spindle/internal/detector"
	"github.com/spindlecast/spindle/internal/outbox"
	"github.com/spindlecast/spindle/internal/proto"
	"github.com/spindlecast/spindle/internal/storage"
)

// ErrNotLive is returned by operations that require a live session.
var ErrNotLive = errors.New("session: not live")

// Store is the persistence collaborator surface the engine consumes.
type Store interface {
	CreateSession(name string, startedAt int64) (int64, error)
	EndSession(id int64, endedAt int64) error
	SetExternalSessionRef(id int64, ref string) error
	FindTrackByKey(key string) (*storage.Track, error)
	InsertTrack(t storage.Track) (int64, error)
	AddPlay(sessionID, trackID int64, playedAt int64) (int64, error)
	UpdatePlayReaction(playID int64, reaction string) error
	UpdatePlayNotes(playID int64, notes string) error
	IncrementLikesBy(playID int64, n int) error
	AnalyzedTracksForSession(sessionID int64) ([]storage.Track, error)
}

// TrackSource is the external track-change detector surface.
type TrackSource interface {
	StartWatching(interval time.Duration) error
	StopWatching()
	CurrentTrack() *detector.ObservedTrack
	OnTrackChange(cb func(detector.ObservedTrack)) (unsubscribe func())
}

// Enricher accepts fire-and-forget enrichment lookups.
type Enricher interface {
	Enqueue(trackID int64, filePath string)
}

// Channel is the transport lifecycle surface the engine drives. Inbound
// traffic reaches the engine through HandleOpen/HandleClose/HandleMessage,
// wired up by the caller.
type Channel interface {
	Open()
	Close()
	Connected() bool
}

// Config holds the engine's tunables, mapped from the file config.
type Config struct {
	DisplayName      string
	AuthToken        string
	DetectorPoll     time.Duration
	DedupWindow      time.Duration
	MinReplay        time.Duration
	LikeFlush        time.Duration
	PingInterval     time.Duration
	ValidateInterval time.Duration
	SyncBatchSize    int
	SyncBatchTimeout time.Duration
}

type liveSession struct {
	id       string
	recordID int64
	name     string
}

// Engine is the single authoritative session owner per process. All
// mutations of session, poll, announcement and now-playing state happen
// under one mutex so detector callbacks, inbound messages and timers
// cannot race each other.
type Engine struct {
	store    Store
	source   TrackSource
	enricher Enricher
	channel  Channel
	out      *outbox.Outbox
	clock    clock.Clock
	cfg      Config

	router map[string]func(proto.Envelope)

	mu            sync.Mutex
	status        Status
	sess          *liveSession
	ending        bool
	unsubscribe   func()
	dedup         *dedupGuard
	nowPlaying    *NowPlaying
	listenerCount int
	tempo         proto.TempoFeedback
	likeCount     int
	poll          *Poll
	endedPoll     *PollSummary
	announcement  *Announcement
	pollTimer     *clock.Timer
	annTimer      *clock.Timer
	timerStop     chan struct{}
	likes         *likeBatcher

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	reactMu   sync.Mutex
	reactSubs map[chan string]struct{}
}

// New constructs the engine. Exactly one instance should exist per
// process; UI surfaces subscribe to it rather than creating their own.
func New(store Store, source TrackSource, enricher Enricher, channel Channel, out *outbox.Outbox, cfg Config) *Engine {
	return NewWithClock(store, source, enricher, channel, out, cfg, clock.New())
}

// NewWithClock is like New with an injected clock for tests.
func NewWithClock(store Store, source TrackSource, enricher Enricher, channel Channel, out *outbox.Outbox, cfg Config, clk clock.Clock) *Engine {
	e := &Engine{
		store:     store,
		source:    source,
		enricher:  enricher,
		channel:   channel,
		out:       out,
		clock:     clk,
		cfg:       cfg,
		status:    StatusOffline,
		dedup:     newDedupGuard(cfg.DedupWindow, cfg.MinReplay),
		subs:      make(map[chan Snapshot]struct{}),
		reactSubs: make(map[chan string]struct{}),
	}
	e.likes = newLikeBatcher(store, clk, cfg.LikeFlush)
	e.router = e.routes()

	// Queued-not-failed outbox semantics apply whenever a session is
	// logically live, including the reconnecting window.
	out.Live = e.logicallyLive
	return e
}

// GoLiveOptions control session start.
type GoLiveOptions struct {
	Name string

	// IncludeCurrentTrack records and broadcasts the track already playing
	// at start time. When false, that track is seeded into the dedup guard
	// so even re-observations of it stay fully suppressed.
	IncludeCurrentTrack bool

	// PreCreatedSessionID reuses a session id supplied by an import
	// collaborator instead of generating one.
	PreCreatedSessionID string

	// PreCreatedRecordID reuses an already-open persisted session record.
	PreCreatedRecordID int64
}

// GoLive starts a broadcast. No-op when already connecting or live.
// Returns after initiating the connection; reaching live is asynchronous
// and signalled through the status snapshot.
func (e *Engine) GoLive(opts GoLiveOptions) error {
	e.mu.Lock()
	if e.status == StatusConnecting || e.status == StatusLive {
		e.mu.Unlock()
		return nil
	}

	id := opts.PreCreatedSessionID
	if id == "" {
		id = uuid.NewString()
	}

	recordID := opts.PreCreatedRecordID
	if recordID == 0 {
		var err error
		recordID, err = e.store.CreateSession(opts.Name, e.clock.Now().Unix())
		if err != nil {
			e.status = StatusError
			e.publishLocked()
			e.mu.Unlock()
			return err
		}
	}

	e.sess = &liveSession{id: id, recordID: recordID, name: opts.Name}
	e.status = StatusConnecting
	e.dedup.clear()

	if !opts.IncludeCurrentTrack {
		if cur := e.source.CurrentTrack(); cur != nil {
			e.dedup.seed(trackKey(cur.Artist, cur.Title), e.clock.Now())
		}
	}

	e.unsubscribe = e.source.OnTrackChange(e.handleObserved)
	e.timerStop = make(chan struct{})
	go e.runTimers(e.timerStop)

	e.publishLocked()
	e.mu.Unlock()

	if err := e.source.StartWatching(e.cfg.DetectorPoll); err != nil {
		log.Printf("SESSION: start detector: %v", err)
	}
	e.channel.Open()
	log.Printf("SESSION: going live as %s (session %s)", e.cfg.DisplayName, id)
	return nil
}

// EndSet ends the broadcast: reliable END_SESSION, best-effort enrichment
// sync, transport close, record close, full state reset. Idempotent — a
// second call produces no messages and no error.
func (e *Engine) EndSet() error {
	return e.endSet(true)
}

func (e *Engine) endSet(notifyRelay bool) error {
	e.mu.Lock()
	if e.sess == nil || e.ending {
		e.mu.Unlock()
		return nil
	}
	e.ending = true
	sess := *e.sess
	unsubscribe := e.unsubscribe
	timerStop := e.timerStop
	e.stopPollTimerLocked()
	e.stopAnnTimerLocked()
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.source.StopWatching()
	if timerStop != nil {
		close(timerStop)
	}

	e.likes.Flush()

	if notifyRelay {
		// Ack or timeout — either way the teardown proceeds.
		env := proto.New(proto.TypeEndSession, proto.EndSession{SessionID: sess.id})
		if err := e.out.Send(env, true); err != nil && !errors.Is(err, outbox.ErrNotLive) {
			log.Printf("SESSION: end_session: %v", err)
		}

		e.syncAnalysis(sess)
	}

	e.channel.Close()

	if err := e.store.EndSession(sess.recordID, e.clock.Now().Unix()); err != nil {
		log.Printf("SESSION: close session record: %v", err)
	}

	e.mu.Lock()
	e.dedup.clear()
	e.sess = nil
	e.ending = false
	e.unsubscribe = nil
	e.timerStop = nil
	e.nowPlaying = nil
	e.listenerCount = 0
	e.tempo = proto.TempoFeedback{}
	e.likeCount = 0
	e.poll = nil
	e.endedPoll = nil
	e.announcement = nil
	e.status = StatusOffline
	e.publishLocked()
	e.mu.Unlock()

	e.out.Reset()
	log.Printf("SESSION: ended %s", sess.id)
	return nil
}

// syncAnalysis pushes enrichment data for the session's plays to the relay
// in bounded batches. Best effort: a failed or timed-out batch is skipped,
// never blocking session termination.
func (e *Engine) syncAnalysis(sess liveSession) {
	tracks, err := e.store.AnalyzedTracksForSession(sess.recordID)
	if err != nil {
		log.Printf("SESSION: analysis sync: %v", err)
		return
	}
	if len(tracks) == 0 {
		return
	}

	for start := 0; start < len(tracks); start += e.cfg.SyncBatchSize {
		end := start + e.cfg.SyncBatchSize
		if end > len(tracks) {
			end = len(tracks)
		}

		batch := proto.TrackAnalysis{SessionID: sess.id}
		for _, t := range tracks[start:end] {
			batch.Tracks = append(batch.Tracks, proto.AnalyzedTrack{
				Artist: t.Artist,
				Title:  t.Title,
				BPM:    t.BPM,
				Key:    t.KeySig,
				Genre:  t.Genre,
			})
		}

		if err := e.sendBatch(batch); err != nil {
			log.Printf("SESSION: analysis batch %d-%d: %v", start, end, err)
		}
	}
}

// sendBatch sends one analysis batch, bounded by the per-batch timeout so
// a dead relay cannot hang the end-of-session flow.
func (e *Engine) sendBatch(batch proto.TrackAnalysis) error {
	done := make(chan error, 1)
	go func() {
		done <- e.out.Send(proto.New(proto.TypeTrackAnalysis, batch), true)
	}()

	timer := e.clock.Timer(e.cfg.SyncBatchTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errors.New("batch timeout")
	}
}

// ForceSync re-broadcasts the last known track unconditionally to repair
// suspected server-side state loss. A poll that already holds a confirmed
// id is never resent — the relay would create a duplicate; a still-pending
// poll is safe to resend because no id was ever assigned.
func (e *Engine) ForceSync() error {
	e.mu.Lock()
	if e.status != StatusLive || e.sess == nil {
		e.mu.Unlock()
		return ErrNotLive
	}
	sess := *e.sess
	np := e.nowPlaying
	var resend *Poll
	if e.poll != nil {
		if _, confirmed := e.poll.Ref.Confirmed(); !confirmed {
			p := *e.poll
			resend = &p
		}
	}
	e.mu.Unlock()

	if np != nil {
		env := e.broadcastEnvelope(sess.id, *np)
		if err := e.out.BroadcastTrack(env, np.Key(), true); err != nil {
			return err
		}
	}

	if resend != nil {
		env := proto.New(proto.TypeStartPoll, proto.StartPoll{
			SessionID:   sess.id,
			Question:    resend.Question,
			Options:     resend.Options,
			DurationSec: durationSecUntil(resend.EndsAt, e.clock.Now()),
		})
		if err := e.out.Send(env, true); err != nil {
			log.Printf("SESSION: forceSync poll resend: %v", err)
		}
	}

	log.Printf("SESSION: force sync completed for %s", sess.id)
	return nil
}

// ClearNowPlaying clears the deck state and tells the relay the track
// stopped. Fire-and-forget.
func (e *Engine) ClearNowPlaying() error {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return ErrNotLive
	}
	sess := *e.sess
	e.nowPlaying = nil
	e.publishLocked()
	e.mu.Unlock()

	return e.out.Send(proto.New(proto.TypeTrackStopped, proto.TrackStopped{SessionID: sess.id}), false)
}

// SeedDedup registers an externally known play so the live pipeline will
// not double-record it (bulk-import collaborators).
func (e *Engine) SeedDedup(artist, title string, playedAt time.Time) {
	e.dedup.seed(trackKey(artist, title), playedAt)
}

// RateCurrentPlay sets the DJ's reaction on the current play record.
func (e *Engine) RateCurrentPlay(reaction string) error {
	e.mu.Lock()
	np := e.nowPlaying
	e.mu.Unlock()
	if np == nil || np.PlayID == 0 {
		return errors.New("session: no recorded play to rate")
	}
	return e.store.UpdatePlayReaction(np.PlayID, reaction)
}

// AnnotateCurrentPlay sets the free-text note on the current play record.
func (e *Engine) AnnotateCurrentPlay(notes string) error {
	e.mu.Lock()
	np := e.nowPlaying
	e.mu.Unlock()
	if np == nil || np.PlayID == 0 {
		return errors.New("session: no recorded play to annotate")
	}
	return e.store.UpdatePlayNotes(np.PlayID, notes)
}

// HandleOpen is the transport open callback: register, flush the durable
// backlog, then go live.
func (e *Engine) HandleOpen() {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return
	}
	sess := *e.sess
	e.mu.Unlock()

	env := proto.New(proto.TypeRegisterSession, proto.RegisterSession{
		SessionID:   sess.id,
		DisplayName: e.cfg.DisplayName,
		AuthToken:   e.cfg.AuthToken,
	})
	if err := e.out.Send(env, false); err != nil {
		log.Printf("SESSION: register: %v", err)
	}

	if err := e.out.Flush(); err != nil {
		log.Printf("SESSION: flush: %v", err)
	}

	e.mu.Lock()
	if e.sess != nil && !e.ending {
		e.status = StatusLive
		e.publishLocked()
	}
	e.mu.Unlock()
	log.Printf("SESSION: live (%s)", sess.id)
}

// HandleClose is the transport close callback. Fatal codes tear the
// session down; anything else keeps it logically live while the transport
// reconnects underneath, preserving all pending outbox state.
func (e *Engine) HandleClose(code int) {
	if isFatalClose(code) {
		log.Printf("SESSION: fatal close (code %d), ending set", code)
		// The server terminated us; there is no one left to notify.
		go e.endSet(false)
		return
	}

	e.mu.Lock()
	if e.sess != nil && !e.ending {
		e.status = StatusConnecting
		e.publishLocked()
	}
	e.mu.Unlock()
}

// logicallyLive reports whether a session exists and has not ended —
// the condition under which offline sends queue durably.
func (e *Engine) logicallyLive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess != nil && !e.ending
}

// Status returns the current lifecycle status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// State returns a point-in-time snapshot of the observable state.
func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Subscribe returns a channel of state snapshots and a cancel function.
// Slow subscribers miss intermediate snapshots rather than blocking the
// engine.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)

	e.subMu.Lock()
	e.subs[ch] = struct{}{}
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

// SubscribeReactions returns a channel of audience reaction emoji and a
// cancel function. Reactions are fan-out only, never persisted.
func (e *Engine) SubscribeReactions() (<-chan string, func()) {
	ch := make(chan string, 64)

	e.reactMu.Lock()
	e.reactSubs[ch] = struct{}{}
	e.reactMu.Unlock()

	cancel := func() {
		e.reactMu.Lock()
		if _, ok := e.reactSubs[ch]; ok {
			delete(e.reactSubs, ch)
			close(ch)
		}
		e.reactMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Status:        e.status,
		ListenerCount: e.listenerCount,
		Tempo:         e.tempo,
		LikeCount:     e.likeCount,
	}
	if e.sess != nil {
		snap.SessionID = e.sess.id
	}
	if e.nowPlaying != nil {
		np := *e.nowPlaying
		snap.NowPlaying = &np
	}
	if e.poll != nil {
		p := *e.poll
		snap.ActivePoll = &p
	}
	if e.endedPoll != nil {
		p := *e.endedPoll
		snap.EndedPoll = &p
	}
	if e.announcement != nil {
		a := *e.announcement
		snap.Announcement = &a
	}
	return snap
}

func (e *Engine) publishLocked() {
	snap := e.snapshotLocked()

	e.subMu.Lock()
	for ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	e.subMu.Unlock()
}

// runTimers owns the keep-alive ping and the periodic session validity
// check. Torn down deterministically on EndSet.
func (e *Engine) runTimers(stop chan struct{}) {
	ping := e.clock.Ticker(e.cfg.PingInterval)
	defer ping.Stop()
	validate := e.clock.Ticker(e.cfg.ValidateInterval)
	defer validate.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ping.C:
			if e.Status() == StatusLive {
				_ = e.out.Send(proto.New(proto.TypePing, proto.Ping{TS: e.clock.Now().Unix()}), false)
			}
		case <-validate.C:
			e.mu.Lock()
			sess := e.sess
			live := e.status == StatusLive
			e.mu.Unlock()
			if live && sess != nil {
				_ = e.out.Send(proto.New(proto.TypeValidateSession, proto.ValidateSession{SessionID: sess.id}), false)
			}
		}
	}
}

func durationSecUntil(endsAt int64, now time.Time) int {
	if endsAt == 0 {
		return 0
	}
	d := endsAt - now.Unix()
	if d < 0 {
		return 0
	}
	return int(d)
}
