package session

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spindlecast/spindle/internal/outbox"
	"github.com/spindlecast/spindle/internal/proto"
)

const (
	minPollOptions  = 2
	maxPollOptions  = 6
	minPollDuration = 10 * time.Second
	maxPollDuration = 600 * time.Second

	maxAnnouncementLen = 500
)

// StartPoll opens an audience poll. The poll appears in the snapshot
// immediately with a pending identity; the relay's POLL_STARTED echo
// supplies the real id. Duration 0 means open-ended.
func (e *Engine) StartPoll(question string, options []string, duration time.Duration) error {
	question = strings.TrimSpace(question)
	if question == "" {
		return errors.New("session: poll question is empty")
	}
	if len(options) < minPollOptions || len(options) > maxPollOptions {
		return fmt.Errorf("session: poll needs %d to %d options, got %d", minPollOptions, maxPollOptions, len(options))
	}
	for i, opt := range options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("session: poll option %d is empty", i+1)
		}
	}
	if duration != 0 && (duration < minPollDuration || duration > maxPollDuration) {
		return fmt.Errorf("session: poll duration %s outside %s..%s", duration, minPollDuration, maxPollDuration)
	}

	e.mu.Lock()
	if e.sess == nil || e.ending {
		e.mu.Unlock()
		return ErrNotLive
	}
	if e.poll != nil {
		e.mu.Unlock()
		return errors.New("session: a poll is already active")
	}
	sess := *e.sess

	poll := &Poll{
		Ref:      PendingPollRef(),
		Question: question,
		Options:  append([]string(nil), options...),
		Votes:    make([]int, len(options)),
	}
	if duration != 0 {
		poll.EndsAt = e.clock.Now().Add(duration).Unix()
		e.armPollTimerLocked(poll.EndsAt)
	}
	e.poll = poll
	e.endedPoll = nil
	e.publishLocked()
	e.mu.Unlock()

	env := proto.New(proto.TypeStartPoll, proto.StartPoll{
		SessionID:   sess.id,
		Question:    question,
		Options:     options,
		DurationSec: int(duration / time.Second),
	})

	go func() {
		err := e.out.Send(env, true)
		if err == nil || errors.Is(err, outbox.ErrNotLive) {
			return
		}
		log.Printf("SESSION: start poll: %v", err)

		// Roll the optimistic poll back, but only while it is still ours
		// and still unconfirmed — a late ACK may have landed meanwhile.
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.poll == nil || e.poll.Question != question {
			return
		}
		if _, confirmed := e.poll.Ref.Confirmed(); confirmed {
			return
		}
		e.poll = nil
		e.stopPollTimerLocked()
		e.publishLocked()
	}()
	return nil
}

// EndPoll closes the active poll. A confirmed poll ends by id; a poll the
// relay never confirmed is cancelled by session instead, since no id exists
// to name it. The final tally is retained as EndedPoll either way.
func (e *Engine) EndPoll() error {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return ErrNotLive
	}
	if e.poll == nil {
		e.mu.Unlock()
		return errors.New("session: no active poll")
	}
	sess := *e.sess
	id, confirmed := e.poll.Ref.Confirmed()
	e.finalizePollLocked()
	e.mu.Unlock()

	var env proto.Envelope
	if confirmed {
		env = proto.New(proto.TypeEndPoll, proto.EndPoll{SessionID: sess.id, PollID: id})
	} else {
		env = proto.New(proto.TypeCancelPoll, proto.CancelPoll{SessionID: sess.id})
	}
	if err := e.out.Send(env, true); err != nil && !errors.Is(err, outbox.ErrNotLive) {
		return err
	}
	return nil
}

// finalizePollLocked retires the active poll into the ended summary and
// tears down its countdown. Caller holds e.mu.
func (e *Engine) finalizePollLocked() {
	p := e.poll
	if p == nil {
		return
	}

	winner := 0
	for i, v := range p.Votes {
		if v > p.Votes[winner] {
			winner = i
		}
	}
	e.endedPoll = &PollSummary{
		Question:   p.Question,
		Options:    p.Options,
		Votes:      p.Votes,
		TotalVotes: p.TotalVotes,
		Winner:     winner,
	}
	e.poll = nil
	e.stopPollTimerLocked()
	e.publishLocked()
}

// armPollTimerLocked schedules the local countdown. The relay ends the
// poll on its own clock too; whichever signal lands first finalizes, the
// other finds nothing to do.
func (e *Engine) armPollTimerLocked(endsAt int64) {
	e.stopPollTimerLocked()

	d := time.Duration(endsAt-e.clock.Now().Unix()) * time.Second
	if d < 0 {
		d = 0
	}
	e.pollTimer = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.finalizePollLocked()
	})
}

func (e *Engine) stopPollTimerLocked() {
	if e.pollTimer != nil {
		e.pollTimer.Stop()
		e.pollTimer = nil
	}
}

// SendAnnouncement pushes a text announcement to the audience. A new
// announcement supersedes any active one. Duration 0 keeps it up until
// cancelled.
func (e *Engine) SendAnnouncement(message string, duration time.Duration) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("session: announcement is empty")
	}
	if len(message) > maxAnnouncementLen {
		return fmt.Errorf("session: announcement exceeds %d characters", maxAnnouncementLen)
	}
	if duration < 0 {
		return errors.New("session: negative announcement duration")
	}

	e.mu.Lock()
	if e.sess == nil || e.ending {
		e.mu.Unlock()
		return ErrNotLive
	}
	sess := *e.sess

	ann := &Announcement{Message: message}
	e.stopAnnTimerLocked()
	if duration != 0 {
		ann.EndsAt = e.clock.Now().Add(duration).Unix()
		e.annTimer = e.clock.AfterFunc(duration, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.announcement != nil && e.announcement.Message == message {
				e.announcement = nil
				e.annTimer = nil
				e.publishLocked()
			}
		})
	}
	e.announcement = ann
	e.publishLocked()
	e.mu.Unlock()

	env := proto.New(proto.TypeSendAnnouncement, proto.SendAnnouncement{
		SessionID:   sess.id,
		Message:     message,
		DurationSec: int(duration / time.Second),
	})
	if err := e.out.Send(env, true); err != nil && !errors.Is(err, outbox.ErrNotLive) {
		return err
	}
	return nil
}

// CancelAnnouncement takes down the active announcement.
func (e *Engine) CancelAnnouncement() error {
	e.mu.Lock()
	if e.sess == nil {
		e.mu.Unlock()
		return ErrNotLive
	}
	if e.announcement == nil {
		e.mu.Unlock()
		return nil
	}
	sess := *e.sess
	e.announcement = nil
	e.stopAnnTimerLocked()
	e.publishLocked()
	e.mu.Unlock()

	return e.out.Send(proto.New(proto.TypeCancelAnnouncement, proto.CancelAnnouncement{SessionID: sess.id}), false)
}

func (e *Engine) stopAnnTimerLocked() {
	if e.annTimer != nil {
		e.annTimer.Stop()
		e.annTimer = nil
	}
}
