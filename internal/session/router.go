package session

import (
	"encoding/json"
	"log"

	"github.com/spindlecast/spindle/internal/proto"
)

// routes builds the inbound dispatch table. One handler per message type;
// unknown types are logged and dropped so a newer relay cannot crash an
// older client.
func (e *Engine) routes() map[string]func(proto.Envelope) {
	return map[string]func(proto.Envelope){
		proto.TypeAck:               e.onAck,
		proto.TypeNack:              e.onNack,
		proto.TypeSessionRegistered: e.onSessionRegistered,
		proto.TypeListenerCount:     e.onListenerCount,
		proto.TypeTempoFeedback:     e.onTempoFeedback,
		proto.TypeLikeReceived:      e.onLikeReceived,
		proto.TypePollStarted:       e.onPollStarted,
		proto.TypePollUpdate:        e.onPollUpdate,
		proto.TypePollEnded:         e.onPollEnded,
		proto.TypeReactionReceived:  e.onReactionReceived,
		proto.TypeSessionExpired:    e.onSessionExpired,
		proto.TypeSessionInvalid:    e.onSessionInvalid,
		proto.TypeSessionValid:      e.onSessionValid,
	}
}

// HandleMessage is the transport message callback.
func (e *Engine) HandleMessage(raw []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("SESSION: malformed message: %v", err)
		return
	}

	handler, ok := e.router[env.Type]
	if !ok {
		log.Printf("SESSION: unhandled message type %q", env.Type)
		return
	}
	handler(env)
}

func (e *Engine) onAck(env proto.Envelope) {
	e.out.HandleAck(env.ID)
}

func (e *Engine) onNack(env proto.Envelope) {
	var p proto.Nack
	_ = env.Decode(&p)
	e.out.HandleNack(env.ID, p.Reason)
}

func (e *Engine) onSessionRegistered(env proto.Envelope) {
	var p proto.SessionRegistered
	if err := env.Decode(&p); err != nil {
		log.Printf("SESSION: decode %s: %v", env.Type, err)
		return
	}

	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || p.SessionID == "" {
		return
	}
	if err := e.store.SetExternalSessionRef(sess.recordID, p.SessionID); err != nil {
		log.Printf("SESSION: store external ref: %v", err)
	}
}

func (e *Engine) onListenerCount(env proto.Envelope) {
	var p proto.ListenerCount
	if err := env.Decode(&p); err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return
	}
	// Targeted counts must match our session; untargeted ones apply as-is.
	if p.SessionID != "" && p.SessionID != e.sess.id {
		return
	}
	e.listenerCount = p.Count
	e.publishLocked()
}

func (e *Engine) onTempoFeedback(env proto.Envelope) {
	var p proto.TempoFeedback
	if err := env.Decode(&p); err != nil {
		return
	}

	e.mu.Lock()
	e.tempo = p
	e.publishLocked()
	e.mu.Unlock()
}

// onLikeReceived counts a like only when it names the track currently
// playing; likes for anything else are stale and dropped. The durable
// credit is keyed by the play id at arrival time, so a track change while
// the batch window is open cannot shift likes onto the wrong play.
func (e *Engine) onLikeReceived(env proto.Envelope) {
	var p proto.LikeReceived
	if err := env.Decode(&p); err != nil {
		return
	}

	e.mu.Lock()
	np := e.nowPlaying
	if np == nil || trackKey(p.Artist, p.Title) != np.Key() {
		e.mu.Unlock()
		return
	}
	e.likeCount++
	playID := np.PlayID
	e.publishLocked()
	e.mu.Unlock()

	e.likes.Add(playID, 1)
}

// onPollStarted reconciles the optimistic poll with the relay's assigned
// id. A pending poll whose question matches adopts the id; a confirmation
// for a poll we no longer hold (ended locally before the echo arrived)
// is ignored.
func (e *Engine) onPollStarted(env proto.Envelope) {
	var p proto.PollStarted
	if err := env.Decode(&p); err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poll == nil || e.poll.Question != p.Question {
		return
	}
	if _, confirmed := e.poll.Ref.Confirmed(); confirmed {
		return
	}

	e.poll.Ref = ConfirmedPollRef(p.PollID)
	if p.EndsAt != 0 {
		e.poll.EndsAt = p.EndsAt
		e.armPollTimerLocked(p.EndsAt)
	}
	e.publishLocked()
	log.Printf("SESSION: poll confirmed as %d", p.PollID)
}

func (e *Engine) onPollUpdate(env proto.Envelope) {
	var p proto.PollUpdate
	if err := env.Decode(&p); err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poll == nil {
		return
	}
	id, confirmed := e.poll.Ref.Confirmed()
	if !confirmed || id != p.PollID {
		return
	}
	if len(p.Votes) != len(e.poll.Options) {
		return
	}
	e.poll.Votes = p.Votes
	e.poll.TotalVotes = p.TotalVotes
	e.publishLocked()
}

func (e *Engine) onPollEnded(env proto.Envelope) {
	var p proto.PollEnded
	if err := env.Decode(&p); err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.poll == nil {
		return
	}
	id, confirmed := e.poll.Ref.Confirmed()
	if !confirmed || id != p.PollID {
		return
	}
	e.finalizePollLocked()
}

func (e *Engine) onReactionReceived(env proto.Envelope) {
	var p proto.ReactionReceived
	if err := env.Decode(&p); err != nil || p.Emoji == "" {
		return
	}

	e.reactMu.Lock()
	for ch := range e.reactSubs {
		select {
		case ch <- p.Emoji:
		default:
		}
	}
	e.reactMu.Unlock()
}

func (e *Engine) onSessionExpired(env proto.Envelope) {
	var p proto.SessionExpired
	_ = env.Decode(&p)
	log.Printf("SESSION: expired by relay: %s", p.Reason)
	go e.endSet(false)
}

func (e *Engine) onSessionInvalid(env proto.Envelope) {
	log.Printf("SESSION: relay reports session invalid")
	go e.endSet(false)
}

func (e *Engine) onSessionValid(env proto.Envelope) {
	var p proto.SessionValid
	if err := env.Decode(&p); err != nil {
		return
	}
	if !p.Valid {
		log.Printf("SESSION: validity check failed")
		go e.endSet(false)
	}
}
