// Package proto defines the relay wire protocol.
// Wire format: one JSON envelope per websocket text frame.
package proto

import "encoding/json"

// Outbound message types (broadcasting client → relay).
const (
	TypeRegisterSession    = "REGISTER_SESSION"
	TypeBroadcastTrack     = "BROADCAST_TRACK"
	TypeTrackStopped       = "TRACK_STOPPED"
	TypeStartPoll          = "START_POLL"
	TypeEndPoll            = "END_POLL"
	TypeCancelPoll         = "CANCEL_POLL"
	TypeSendAnnouncement   = "SEND_ANNOUNCEMENT"
	TypeCancelAnnouncement = "CANCEL_ANNOUNCEMENT"
	TypeEndSession         = "END_SESSION"
	TypePing               = "PING"
	TypeValidateSession    = "VALIDATE_SESSION"
	TypeTrackAnalysis      = "TRACK_ANALYSIS"
)

// Inbound message types (relay → broadcasting client).
const (
	TypeSessionRegistered = "SESSION_REGISTERED"
	TypeAck               = "ACK"
	TypeNack              = "NACK"
	TypeListenerCount     = "LISTENER_COUNT"
	TypeTempoFeedback     = "TEMPO_FEEDBACK"
	TypeLikeReceived      = "LIKE_RECEIVED"
	TypePollStarted       = "POLL_STARTED"
	TypePollUpdate        = "POLL_UPDATE"
	TypePollEnded         = "POLL_ENDED"
	TypeReactionReceived  = "REACTION_RECEIVED"
	TypeSessionExpired    = "SESSION_EXPIRED"
	TypeSessionInvalid    = "SESSION_INVALID"
	TypeSessionValid      = "SESSION_VALID"
)

// Envelope is the wire type for every relay message. ID is set only on
// messages that require delivery confirmation; the relay echoes it back in
// the matching ACK/NACK.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with the payload marshalled in place.
// Panics only on unmarshalable payloads, which is a programming error.
func New(msgType string, payload any) Envelope {
	env := Envelope{Type: msgType}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			panic("proto: marshal payload: " + err.Error())
		}
		env.Payload = b
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type RegisterSession struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
	AuthToken   string `json:"authToken,omitempty"`
}

type BroadcastTrack struct {
	SessionID string  `json:"sessionId"`
	Artist    string  `json:"artist"`
	Title     string  `json:"title"`
	StartedAt int64   `json:"startedAt"` // unix seconds
	BPM       float64 `json:"bpm,omitempty"`
	Key       string  `json:"key,omitempty"`
	Genre     string  `json:"genre,omitempty"`
}

type TrackStopped struct {
	SessionID string `json:"sessionId"`
}

type StartPoll struct {
	SessionID   string   `json:"sessionId"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	DurationSec int      `json:"durationSec,omitempty"`
}

type EndPoll struct {
	SessionID string `json:"sessionId"`
	PollID    int64  `json:"pollId"`
}

type CancelPoll struct {
	SessionID string `json:"sessionId"`
}

type SendAnnouncement struct {
	SessionID   string `json:"sessionId"`
	Message     string `json:"message"`
	DurationSec int    `json:"durationSec,omitempty"`
}

type CancelAnnouncement struct {
	SessionID string `json:"sessionId"`
}

type EndSession struct {
	SessionID string `json:"sessionId"`
}

type Ping struct {
	TS int64 `json:"ts"`
}

type ValidateSession struct {
	SessionID string `json:"sessionId"`
}

// TrackAnalysis carries one batch of post-session enrichment data.
type TrackAnalysis struct {
	SessionID string          `json:"sessionId"`
	Tracks    []AnalyzedTrack `json:"tracks"`
}

type AnalyzedTrack struct {
	Artist string  `json:"artist"`
	Title  string  `json:"title"`
	BPM    float64 `json:"bpm,omitempty"`
	Key    string  `json:"key,omitempty"`
	Genre  string  `json:"genre,omitempty"`
}

type Nack struct {
	Reason string `json:"reason,omitempty"`
}

type SessionRegistered struct {
	SessionID string `json:"sessionId"`
}

type ListenerCount struct {
	SessionID string `json:"sessionId,omitempty"` // empty = untargeted
	Count     int    `json:"count"`
}

// TempoFeedback replaces the local aggregate wholesale.
type TempoFeedback struct {
	Faster int `json:"faster"`
	Slower int `json:"slower"`
}

type LikeReceived struct {
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

type PollStarted struct {
	PollID   int64    `json:"pollId"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	EndsAt   int64    `json:"endsAt,omitempty"` // unix seconds, 0 = open-ended
}

type PollUpdate struct {
	PollID     int64 `json:"pollId"`
	Votes      []int `json:"votes"`
	TotalVotes int   `json:"totalVotes"`
}

type PollEnded struct {
	PollID int64 `json:"pollId"`
}

type ReactionReceived struct {
	Emoji string `json:"emoji"`
}

type SessionExpired struct {
	Reason string `json:"reason,omitempty"`
}

type SessionValid struct {
	Valid bool `json:"valid"`
}
