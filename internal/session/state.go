package session

import "github.com/spindlecast/spindle/internal/proto"

// Status is the session lifecycle state.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusConnecting Status = "connecting"
	StatusLive       Status = "live"
	StatusError      Status = "error"
)

// NowPlaying is the UI-facing view of the current track. PlayID is zero
// until (and unless) a PlayRecord was persisted for it.
type NowPlaying struct {
	Artist    string
	Title     string
	FilePath  string
	StartedAt int64 // unix seconds
	PlayID    int64
	TrackID   int64
}

// Key returns the track's dedup/content key.
func (n NowPlaying) Key() string {
	return trackKey(n.Artist, n.Title)
}

// PollRef is the poll's identity through optimistic reconciliation:
// pending until the relay confirms with its assigned id.
type PollRef struct {
	confirmed bool
	id        int64
}

// PendingPollRef is the optimistic identity of a poll awaiting confirmation.
func PendingPollRef() PollRef { return PollRef{} }

// ConfirmedPollRef is the identity of a relay-confirmed poll.
func ConfirmedPollRef(id int64) PollRef { return PollRef{confirmed: true, id: id} }

// Confirmed returns the relay-assigned id, and whether one exists yet.
func (r PollRef) Confirmed() (int64, bool) { return r.id, r.confirmed }

// Poll is the active audience poll.
type Poll struct {
	Ref        PollRef
	Question   string
	Options    []string
	Votes      []int
	TotalVotes int
	EndsAt     int64 // unix seconds, 0 = open-ended
}

// PollSummary is the retained result of an ended poll.
type PollSummary struct {
	Question   string
	Options    []string
	Votes      []int
	TotalVotes int
	Winner     int // option index; ties resolve to the first index
}

// Announcement is the single active audience announcement.
type Announcement struct {
	Message string
	EndsAt  int64 // unix seconds, 0 = until cancelled
}

// Snapshot is the read-only observable state handed to UI surfaces.
type Snapshot struct {
	Status        Status
	SessionID     string
	NowPlaying    *NowPlaying
	ListenerCount int
	Tempo         proto.TempoFeedback
	LikeCount     int
	ActivePoll    *Poll
	EndedPoll     *PollSummary
	Announcement  *Announcement
}
