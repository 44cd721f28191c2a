package session

import (
	"log"
	"time"

	"github.com/spindlecast/spindle/internal/detector"
	"github.com/spindlecast/spindle/internal/proto"
	"github.com/spindlecast/spindle/internal/storage"
	"github.com/spindlecast/spindle/internal/transport"
)

// handleObserved is the track-change pipeline: one observation in, at most
// one play record and one broadcast out. The dedup guard is the only thing
// standing between a flapping detector and duplicate history.
func (e *Engine) handleObserved(obs detector.ObservedTrack) {
	key := trackKey(obs.Artist, obs.Title)

	e.mu.Lock()
	if e.sess == nil || e.ending {
		e.mu.Unlock()
		return
	}
	sess := *e.sess

	// The deck view always follows the detector, admitted or not. A
	// re-observation of the same track keeps its recorded play identity.
	prev := e.nowPlaying
	np := NowPlaying{
		Artist:    obs.Artist,
		Title:     obs.Title,
		FilePath:  obs.FilePath,
		StartedAt: obs.ObservedAt,
	}
	if prev != nil && prev.Key() == key {
		np.PlayID = prev.PlayID
		np.TrackID = prev.TrackID
		np.StartedAt = prev.StartedAt
	}
	e.nowPlaying = &np

	admitted := e.dedup.admit(key, time.Unix(obs.ObservedAt, 0))
	if !admitted {
		e.publishLocked()
		e.mu.Unlock()
		return
	}

	// New play: likes and tempo votes from the previous track do not carry.
	e.likeCount = 0
	e.tempo = proto.TempoFeedback{}
	e.publishLocked()
	e.mu.Unlock()

	track, playID, err := e.recordPlay(sess, obs, key)
	if err != nil {
		log.Printf("SESSION: record play %q: %v", key, err)
	}

	e.mu.Lock()
	if e.nowPlaying != nil && e.nowPlaying.Key() == key {
		if track != nil {
			e.nowPlaying.TrackID = track.ID
		}
		e.nowPlaying.PlayID = playID
		np = *e.nowPlaying
		e.publishLocked()
	}
	e.mu.Unlock()

	if track != nil && !track.Analyzed && track.FilePath != "" {
		e.enricher.Enqueue(track.ID, track.FilePath)
	}

	// The audience still gets the track even when the store failed; the
	// broadcast just goes out without enrichment data.
	var bt *storage.Track
	if track != nil {
		np.TrackID = track.ID
		cp := *track
		bt = &cp
	}
	// Reliable send can block on ACK for seconds; keep the pipeline free.
	go func(sess liveSession, np NowPlaying, track *storage.Track) {
		env := e.broadcastEnvelopeFor(sess.id, np, track)
		if err := e.out.BroadcastTrack(env, np.Key(), false); err != nil {
			log.Printf("SESSION: broadcast %q: %v", np.Key(), err)
		}
	}(sess, np, bt)
}

// recordPlay finds or creates the track identity and appends the play row.
func (e *Engine) recordPlay(sess liveSession, obs detector.ObservedTrack, key string) (*storage.Track, int64, error) {
	track, err := e.store.FindTrackByKey(key)
	if err != nil {
		return nil, 0, err
	}
	if track == nil {
		t := storage.Track{
			Key:      key,
			Artist:   obs.Artist,
			Title:    obs.Title,
			FilePath: obs.FilePath,
		}
		id, err := e.store.InsertTrack(t)
		if err != nil {
			return nil, 0, err
		}
		t.ID = id
		track = &t
	}

	playID, err := e.store.AddPlay(sess.recordID, track.ID, obs.ObservedAt)
	if err != nil {
		return track, 0, err
	}
	return track, playID, nil
}

// broadcastEnvelope builds the BROADCAST_TRACK envelope from the deck view
// alone. Used by ForceSync where no fresh store row is at hand.
func (e *Engine) broadcastEnvelope(sessionID string, np NowPlaying) proto.Envelope {
	track, err := e.store.FindTrackByKey(np.Key())
	if err != nil {
		log.Printf("SESSION: lookup %q for broadcast: %v", np.Key(), err)
		track = nil
	}
	return e.broadcastEnvelopeFor(sessionID, np, track)
}

func (e *Engine) broadcastEnvelopeFor(sessionID string, np NowPlaying, track *storage.Track) proto.Envelope {
	p := proto.BroadcastTrack{
		SessionID: sessionID,
		Artist:    np.Artist,
		Title:     np.Title,
		StartedAt: np.StartedAt,
	}
	if track != nil && track.Analyzed {
		p.BPM = track.BPM
		p.Key = track.KeySig
		p.Genre = track.Genre
	}
	return proto.New(proto.TypeBroadcastTrack, p)
}

func isFatalClose(code int) bool {
	return transport.IsFatalCode(code)
}
