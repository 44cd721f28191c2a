// Package transport maintains the full-duplex websocket channel to the
// relay, reconnecting automatically after non-fatal drops.
package transport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spindlecast/spindle/internal/proto"
)

// ErrNotConnected is returned by Send while the channel is down. Callers
// decide whether that means "queue durably" (outbox) or "drop".
var ErrNotConnected = errors.New("transport: not connected")

// ErrBufferFull is returned when the non-blocking send buffer overflows.
var ErrBufferFull = errors.New("transport: send buffer full")

// CodeAbnormal marks a drop with no close frame (plain network failure).
const CodeAbnormal = -1

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 5 * time.Second
	sendBuffer     = 256
)

// IsFatalCode reports whether a close code must terminate the session:
// a normal server closure or the reserved application-fatal 4xxx range.
// The reconnect loop must never mask a server-initiated termination.
func IsFatalCode(code int) bool {
	return code == websocket.CloseNormalClosure || (code >= 4000 && code <= 4999)
}

// Transport is a reconnecting websocket client. Set the callbacks before
// calling Open; they fire from the transport's own goroutines.
type Transport struct {
	url    string
	dialer *websocket.Dialer
	sendCh chan []byte

	OnOpen    func()
	OnMessage func(raw []byte)
	OnClose   func(code int)

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	running bool
	stop    chan struct{}

	// gen identifies the connect loop that currently owns the transport.
	// A loop superseded by Close+Open must not install its connection or
	// clobber the new loop's state.
	gen int
}

// New creates a transport for the given ws:// or wss:// endpoint.
func New(url string, connectTimeout time.Duration) *Transport {
	return &Transport{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: connectTimeout,
		},
		sendCh: make(chan []byte, sendBuffer),
	}
}

// Open starts the connect loop. No-op if already running.
func (t *Transport) Open() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.gen++
	gen := t.gen
	t.stop = make(chan struct{})
	stop := t.stop
	t.mu.Unlock()

	go t.run(gen, stop)
}

// Close tears the channel down and stops reconnecting. Idempotent.
// No OnClose callback fires for a local close.
func (t *Transport) Close() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.open = false
	close(t.stop)
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}

	// Frames buffered for the dying connection belong to the session that
	// just ended; they must not leak onto the next connection's wire.
	for {
		select {
		case <-t.sendCh:
		default:
			return
		}
	}
}

// Connected reports whether the channel is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Send enqueues an envelope for the writer. Never blocks: returns
// ErrNotConnected while offline and ErrBufferFull if the writer has
// fallen too far behind.
func (t *Transport) Send(env proto.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	t.mu.Lock()
	open := t.open
	t.mu.Unlock()
	if !open {
		return ErrNotConnected
	}

	select {
	case t.sendCh <- b:
		return nil
	default:
		return ErrBufferFull
	}
}

// run dials with exponential backoff and services one connection at a time
// until a fatal close code or a local Close. stop is the channel this loop
// was started with; a dial that outlives Close (and possibly a new Open)
// must never install its connection over the successor loop's.
func (t *Transport) run(gen int, stop chan struct{}) {
	backoff := initialBackoff
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, _, err := t.dialer.Dial(t.url, http.Header{})
		if err != nil {
			log.Printf("TRANSPORT: dial %s: %v", t.url, err)
			select {
			case <-stop:
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = initialBackoff

		t.mu.Lock()
		if t.gen != gen || closed(stop) {
			// Superseded or closed while the dial was in flight.
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conn = conn
		t.open = true
		t.mu.Unlock()

		if t.OnOpen != nil {
			t.OnOpen()
		}

		code := t.serve(conn)

		t.mu.Lock()
		if t.gen == gen {
			t.open = false
			t.conn = nil
		}
		t.mu.Unlock()

		select {
		case <-stop:
			return // local close, no callback
		default:
		}

		log.Printf("TRANSPORT: closed (code %d)", code)
		if t.OnClose != nil {
			t.OnClose(code)
		}
		if IsFatalCode(code) {
			t.mu.Lock()
			if t.gen == gen && t.running {
				t.running = false
				close(t.stop)
			}
			t.mu.Unlock()
			return
		}
	}
}

func closed(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// serve reads until the connection dies and returns the close code.
func (t *Transport) serve(conn *websocket.Conn) int {
	done := make(chan struct{})
	go t.writePump(conn, done)
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return CodeAbnormal
		}
		if t.OnMessage != nil {
			t.OnMessage(data)
		}
	}
}

func (t *Transport) writePump(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case b := <-t.sendCh:
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("TRANSPORT: write: %v", err)
				return
			}
		}
	}
}
