// Package outbox provides at-least-once delivery on top of the transport:
// ACK-tracked reliable sends with bounded retry, and a durable overflow
// queue that survives arbitrary offline periods.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/spindlecast/spindle/internal/proto"
	"github.com/spindlecast/spindle/internal/storage"
	"github.com/spindlecast/spindle/internal/transport"
)

// ErrAckTimeout is returned when a reliable send was written to the wire
// but no ACK arrived within the timeout, after the retry round.
var ErrAckTimeout = errors.New("outbox: ack timeout")

// ErrNotLive is returned when a send is attempted with the transport down
// and no logically live session to queue for.
var ErrNotLive = errors.New("outbox: offline and session not live")

// Wire is the transport surface the outbox needs.
type Wire interface {
	Send(env proto.Envelope) error
	Connected() bool
}

// Queue is the durable FIFO slice of the persistence layer.
type Queue interface {
	Enqueue(envelope []byte, enqueuedAt int64) error
	QueueAll() ([]storage.QueuedMessage, error)
	DeleteQueued(ids []int64) error
	ClearQueue() error
}

// Outbox tracks pending reliable sends and spills to the durable queue
// while the transport is down but the session is still live.
type Outbox struct {
	wire  Wire
	queue Queue
	clock clock.Clock

	ackTimeout time.Duration

	// Live reports whether a session is logically live; queued-not-failed
	// semantics apply only then.
	Live func() bool

	mu      sync.Mutex
	pending map[string]chan error

	// qmu serializes durable enqueues against Flush so a message can never
	// be both flushed and re-queued out of order.
	qmu sync.Mutex

	bmu              sync.Mutex
	lastBroadcastKey string
}

// New creates an outbox. Live defaults to "never", so callers without a
// session get hard errors instead of silent queueing.
func New(wire Wire, queue Queue, ackTimeout time.Duration) *Outbox {
	return &Outbox{
		wire:       wire,
		queue:      queue,
		clock:      clock.New(),
		ackTimeout: ackTimeout,
		Live:       func() bool { return false },
		pending:    make(map[string]chan error),
	}
}

// NewWithClock is like New with an injected clock for tests.
func NewWithClock(wire Wire, queue Queue, ackTimeout time.Duration, clk clock.Clock) *Outbox {
	o := New(wire, queue, ackTimeout)
	o.clock = clk
	return o
}

// Send delivers an envelope. With reliable=true the call blocks until the
// relay ACKs, the bounded retry is exhausted, or the message lands in the
// durable queue. With the transport down and the session live, the message
// is queued durably and Send returns nil (queued, not failed).
func (o *Outbox) Send(env proto.Envelope, reliable bool) error {
	if reliable && env.ID == "" {
		env.ID = uuid.NewString()
	}

	if !o.wire.Connected() {
		return o.spill(env)
	}

	if !reliable {
		if err := o.wire.Send(env); errors.Is(err, transport.ErrNotConnected) {
			return o.spill(env)
		} else if err != nil {
			return err
		}
		return nil
	}

	// One initial attempt plus one retry round on ACK timeout.
	for attempt := 0; attempt < 2; attempt++ {
		ackCh := make(chan error, 1)
		o.mu.Lock()
		o.pending[env.ID] = ackCh
		o.mu.Unlock()

		err := o.wire.Send(env)
		if err != nil {
			o.forget(env.ID)
			if errors.Is(err, transport.ErrNotConnected) {
				return o.spill(env)
			}
			return err
		}

		err = o.await(ackCh)
		o.forget(env.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAckTimeout) {
			return err // NACK — retrying would duplicate a rejected message
		}
		if !o.wire.Connected() {
			// Connection died while waiting; preserve the message instead
			// of racing the reconnect.
			return o.spill(env)
		}
		log.Printf("OUTBOX: ack timeout for %s %s, retrying", env.Type, env.ID)
	}
	return fmt.Errorf("%w: %s", ErrAckTimeout, env.Type)
}

// await blocks for an ACK/NACK or the timeout.
func (o *Outbox) await(ackCh chan error) error {
	timer := o.clock.Timer(o.ackTimeout)
	defer timer.Stop()

	select {
	case err := <-ackCh:
		return err
	case <-timer.C:
		return ErrAckTimeout
	}
}

// spill persists the envelope while offline-but-live.
func (o *Outbox) spill(env proto.Envelope) error {
	if !o.Live() {
		return ErrNotLive
	}

	b := mustMarshal(env)

	o.qmu.Lock()
	defer o.qmu.Unlock()
	if err := o.queue.Enqueue(b, o.clock.Now().Unix()); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", env.Type, err)
	}
	log.Printf("OUTBOX: queued %s while offline", env.Type)
	return nil
}

func (o *Outbox) forget(id string) {
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

// HandleAck resolves a pending reliable send. Unknown ids are ignored
// (late ACK after timeout).
func (o *Outbox) HandleAck(id string) {
	o.mu.Lock()
	ch, ok := o.pending[id]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- nil:
	default:
	}
}

// HandleNack rejects a pending reliable send.
func (o *Outbox) HandleNack(id, reason string) {
	o.mu.Lock()
	ch, ok := o.pending[id]
	o.mu.Unlock()
	if !ok {
		return
	}
	if reason == "" {
		reason = "rejected by relay"
	}
	select {
	case ch <- fmt.Errorf("outbox: nack: %s", reason):
	default:
	}
}

// Flush sends all durably queued messages in enqueue order, stopping at the
// first failure, and removes from durable storage only the prefix whose
// send was confirmed. Called on every (re)connect.
func (o *Outbox) Flush() error {
	o.qmu.Lock()
	defer o.qmu.Unlock()

	msgs, err := o.queue.QueueAll()
	if err != nil {
		return fmt.Errorf("outbox: read queue: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var confirmed []int64
	var sendErr error
	for _, m := range msgs {
		var env proto.Envelope
		if err := unmarshalEnvelope(m.Envelope, &env); err != nil {
			// Corrupt row: drop it rather than wedging the queue forever.
			log.Printf("OUTBOX: dropping corrupt queued message %d: %v", m.ID, err)
			confirmed = append(confirmed, m.ID)
			continue
		}
		if sendErr = o.wire.Send(env); sendErr != nil {
			break
		}
		confirmed = append(confirmed, m.ID)
	}

	if err := o.queue.DeleteQueued(confirmed); err != nil {
		return fmt.Errorf("outbox: trim queue: %w", err)
	}
	if sendErr != nil {
		return fmt.Errorf("outbox: flush stopped after %d of %d: %w", len(confirmed), len(msgs), sendErr)
	}
	log.Printf("OUTBOX: flushed %d queued messages", len(confirmed))
	return nil
}

// BroadcastTrack sends a track broadcast with content-key suppression:
// an envelope identical (by key) to the last successfully initiated
// broadcast is skipped unless forced.
func (o *Outbox) BroadcastTrack(env proto.Envelope, contentKey string, force bool) error {
	o.bmu.Lock()
	if !force && contentKey != "" && contentKey == o.lastBroadcastKey {
		o.bmu.Unlock()
		return nil
	}
	o.bmu.Unlock()

	err := o.Send(env, true)
	if err == nil || errors.Is(err, ErrAckTimeout) {
		// Initiated (sent or queued) even if unacknowledged.
		o.bmu.Lock()
		o.lastBroadcastKey = contentKey
		o.bmu.Unlock()
	}
	return err
}

// Reset fails all pending sends, clears the durable queue and the
// broadcast dedup key. Called when a session ends.
func (o *Outbox) Reset() {
	o.mu.Lock()
	for id, ch := range o.pending {
		select {
		case ch <- errors.New("outbox: reset"):
		default:
		}
		delete(o.pending, id)
	}
	o.mu.Unlock()

	o.bmu.Lock()
	o.lastBroadcastKey = ""
	o.bmu.Unlock()

	o.qmu.Lock()
	defer o.qmu.Unlock()
	if err := o.queue.ClearQueue(); err != nil {
		log.Printf("OUTBOX: clear queue: %v", err)
	}
}

func mustMarshal(env proto.Envelope) []byte {
	b, err := json.Marshal(env)
	if err != nil {
		panic("outbox: marshal envelope: " + err.Error())
	}
	return b
}

func unmarshalEnvelope(b []byte, env *proto.Envelope) error {
	return json.Unmarshal(b, env)
}
