package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spindlecast/spindle/internal/proto"
)

func TestIsFatalCode(t *testing.T) {
	cases := []struct {
		code  int
		fatal bool
	}{
		{websocket.CloseNormalClosure, true},
		{4000, true},
		{4001, true},
		{4999, true},
		{websocket.CloseGoingAway, false},
		{websocket.CloseAbnormalClosure, false},
		{CodeAbnormal, false},
		{3999, false},
		{5000, false},
	}
	for _, tc := range cases {
		if got := IsFatalCode(tc.code); got != tc.fatal {
			t.Errorf("IsFatalCode(%d) = %v, want %v", tc.code, got, tc.fatal)
		}
	}
}

// echoServer is a relay stand-in: it upgrades, echoes every frame back,
// and lets the test kill connections with a chosen close code.
type echoServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func newEchoServer(t *testing.T) (*echoServer, string) {
	s := &echoServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *echoServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.dials++
	s.mu.Unlock()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func (s *echoServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// closeLast sends a close frame with the given code on the newest
// connection, then drops it.
func (s *echoServer) closeLast(code int) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	time.Sleep(50 * time.Millisecond)
	conn.Close()
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectSendReceive(t *testing.T) {
	_, url := newEchoServer(t)

	tr := New(url, 5*time.Second)

	opened := make(chan struct{}, 1)
	tr.OnOpen = func() { opened <- struct{}{} }

	var mu sync.Mutex
	var received [][]byte
	tr.OnMessage = func(raw []byte) {
		mu.Lock()
		received = append(received, raw)
		mu.Unlock()
	}

	tr.Open()
	defer tr.Close()

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}
	if !tr.Connected() {
		t.Fatal("Connected() = false after open")
	}

	if err := tr.Send(proto.New(proto.TypePing, proto.Ping{TS: 1})); err != nil {
		t.Fatal(err)
	}

	waitCond(t, "echo", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	got := string(received[0])
	mu.Unlock()
	if !strings.Contains(got, proto.TypePing) {
		t.Fatalf("echo = %s", got)
	}
}

func TestSendWhileOffline(t *testing.T) {
	tr := New("ws://127.0.0.1:1/never", time.Second)
	if err := tr.Send(proto.New(proto.TypePing, nil)); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterNonFatalDrop(t *testing.T) {
	srv, url := newEchoServer(t)

	tr := New(url, 5*time.Second)

	var mu sync.Mutex
	var closes []int
	tr.OnClose = func(code int) {
		mu.Lock()
		closes = append(closes, code)
		mu.Unlock()
	}

	tr.Open()
	defer tr.Close()

	waitCond(t, "first dial", func() bool { return srv.dialCount() == 1 })
	waitCond(t, "open", tr.Connected)

	srv.closeLast(websocket.CloseGoingAway)

	waitCond(t, "close callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(closes) == 1
	})
	mu.Lock()
	code := closes[0]
	mu.Unlock()
	if code != websocket.CloseGoingAway {
		t.Fatalf("close code = %d, want %d", code, websocket.CloseGoingAway)
	}

	// Non-fatal: the transport dials again on its own.
	waitCond(t, "reconnect", func() bool { return srv.dialCount() == 2 })
	waitCond(t, "open again", tr.Connected)
}

func TestFatalCloseStopsReconnect(t *testing.T) {
	srv, url := newEchoServer(t)

	tr := New(url, 5*time.Second)

	closed := make(chan int, 1)
	tr.OnClose = func(code int) { closed <- code }

	tr.Open()
	waitCond(t, "open", tr.Connected)

	srv.closeLast(4001)

	select {
	case code := <-closed:
		if code != 4001 {
			t.Fatalf("close code = %d, want 4001", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no close callback")
	}

	// Fatal: no new dial may happen.
	time.Sleep(500 * time.Millisecond)
	if srv.dialCount() != 1 {
		t.Fatalf("dials = %d after fatal close, want 1", srv.dialCount())
	}
}

func TestCloseDuringStalledDial(t *testing.T) {
	// The first handshake hangs until released — the window in which a
	// local Close plus a fresh Open must abandon the in-flight dial.
	release := make(chan struct{})
	var releaseOnce sync.Once
	defer releaseOnce.Do(func() { close(release) })

	var mu sync.Mutex
	requests := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		first := requests == 1
		mu.Unlock()
		if first {
			<-release
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(url, 10*time.Second)

	var openMu sync.Mutex
	opens := 0
	tr.OnOpen = func() {
		openMu.Lock()
		opens++
		openMu.Unlock()
	}

	tr.Open()
	waitCond(t, "stalled dial", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requests == 1
	})

	tr.Close()
	tr.Open()
	waitCond(t, "second connection", tr.Connected)

	// Let the abandoned handshake complete; the superseded loop must
	// discard its connection instead of going live alongside the new one.
	releaseOnce.Do(func() { close(release) })
	time.Sleep(300 * time.Millisecond)

	openMu.Lock()
	got := opens
	openMu.Unlock()
	if got != 1 {
		t.Fatalf("OnOpen fired %d times, want 1", got)
	}
	if !tr.Connected() {
		t.Fatal("stale dial teardown killed the live connection")
	}
	tr.Close()
}

func TestCloseDrainsSendBuffer(t *testing.T) {
	tr := New("ws://127.0.0.1:1/never", time.Second)

	// An open channel whose writer has fallen behind: frames pile up in
	// the buffer with no pump to consume them.
	tr.mu.Lock()
	tr.running = true
	tr.stop = make(chan struct{})
	tr.open = true
	tr.mu.Unlock()

	for i := 0; i < 5; i++ {
		if err := tr.Send(proto.New(proto.TypePing, proto.Ping{TS: int64(i)})); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(tr.sendCh); n != 5 {
		t.Fatalf("buffered = %d, want 5", n)
	}

	tr.Close()

	if n := len(tr.sendCh); n != 0 {
		t.Fatalf("%d stale frames survived Close", n)
	}
	if err := tr.Send(proto.New(proto.TypePing, nil)); err != ErrNotConnected {
		t.Fatalf("Send after Close = %v, want ErrNotConnected", err)
	}
}

func TestLocalCloseIsSilent(t *testing.T) {
	_, url := newEchoServer(t)

	tr := New(url, 5*time.Second)

	closed := make(chan int, 1)
	tr.OnClose = func(code int) { closed <- code }

	tr.Open()
	waitCond(t, "open", tr.Connected)

	tr.Close()
	tr.Close() // idempotent

	select {
	case code := <-closed:
		t.Fatalf("OnClose(%d) fired for local close", code)
	case <-time.After(300 * time.Millisecond):
	}
	if tr.Connected() {
		t.Fatal("still connected after Close")
	}
}
