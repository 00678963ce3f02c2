package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/guestuser2025NL/meshaudio/internal/app"
	"github.com/guestuser2025NL/meshaudio/internal/config"
	"github.com/guestuser2025NL/meshaudio/internal/core"
	"github.com/guestuser2025NL/meshaudio/internal/metrics"
	"github.com/guestuser2025NL/meshaudio/internal/protocol"
)

type wsRead struct {
	mt   int
	data []byte
}

// fakeConn implements Conn with a scripted read side. Closing the reads
// channel makes the next ReadMessage fail, which is how the read loops
// are driven to their teardown path.
type fakeConn struct {
	reads chan wsRead

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan wsRead, 8)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	m, ok := <-c.reads
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	return m.mt, m.data, nil
}

func (c *fakeConn) WriteMessage(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// recordLink is a core.Link that just records what it was sent.
type recordLink struct {
	mu     sync.Mutex
	frames []core.Frame
	killed bool
}

func (l *recordLink) TrySend(f core.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
	return nil
}

func (l *recordLink) Kill() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.killed = true
}

func (l *recordLink) sent() []core.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]core.Frame(nil), l.frames...)
}

func newTestController() (*Controller, *app.Store, *app.Broker) {
	met := metrics.New(prometheus.NewRegistry())
	store := app.NewStore(time.Minute, time.Minute, met)
	broker := app.NewBroker(met)
	monitor := app.NewMonitor(time.Minute, met)
	cfg := &config.Config{ReadLimit: 65536}
	return NewController(cfg, broker, store, monitor), store, broker
}

// decodeEvent pulls the next queued frame off a link and decodes it.
func decodeEvent(t *testing.T, link *wsLink) protocol.Event {
	t.Helper()
	select {
	case f := <-link.send:
		var e protocol.Event
		if err := json.Unmarshal(f.Data, &e); err != nil {
			t.Fatalf("bad event payload %q: %v", f.Data, err)
		}
		return e
	default:
		t.Fatal("no event queued")
		return protocol.Event{}
	}
}

func TestViewerStopDestroysSession(t *testing.T) {
	ctl, store, broker := newTestController()
	sess, err := store.IssueToken("door-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	link := newLink(conn, 8)
	broker.RegisterViewer(sess.ID, sess.DeviceID, link)

	conn.reads <- wsRead{websocket.TextMessage, []byte(`{"action":"stop"}`)}
	close(conn.reads)
	ctx, cancel := context.WithCancel(context.Background())
	ctl.viewerReadLoop(ctx, cancel, sess, link)

	if _, err := store.Validate(sess.ID, sess.Token, time.Now()); !errors.Is(err, app.ErrUnknownSession) {
		t.Fatalf("session should be gone after stop, Validate err = %v", err)
	}
	if broker.Streaming(sess.ID) {
		t.Fatal("pairing should be gone after stop")
	}
	if !conn.isClosed() {
		t.Fatal("connection should be closed after read loop exit")
	}
}

func TestViewerDisconnectDestroysSession(t *testing.T) {
	ctl, store, broker := newTestController()
	sess, err := store.IssueToken("door-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	link := newLink(conn, 8)
	broker.RegisterViewer(sess.ID, sess.DeviceID, link)

	close(conn.reads)
	ctx, cancel := context.WithCancel(context.Background())
	ctl.viewerReadLoop(ctx, cancel, sess, link)

	if _, err := store.Validate(sess.ID, sess.Token, time.Now()); !errors.Is(err, app.ErrUnknownSession) {
		t.Fatalf("session should be gone after disconnect, Validate err = %v", err)
	}
}

func TestSupersededViewerLeavesSessionAlone(t *testing.T) {
	ctl, store, broker := newTestController()
	sess, err := store.IssueToken("door-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	conn1 := newFakeConn()
	link1 := newLink(conn1, 8)
	broker.RegisterViewer(sess.ID, sess.DeviceID, link1)

	// Same session reconnects on a new socket; the first one is killed.
	link2 := newLink(newFakeConn(), 8)
	broker.RegisterViewer(sess.ID, sess.DeviceID, link2)
	if !conn1.isClosed() {
		t.Fatal("superseded viewer connection should be killed")
	}

	// The dying first socket's teardown must not remove the session the
	// successor is using.
	close(conn1.reads)
	ctx, cancel := context.WithCancel(context.Background())
	ctl.viewerReadLoop(ctx, cancel, sess, link1)

	if _, err := store.Validate(sess.ID, sess.Token, time.Now()); err != nil {
		t.Fatalf("session should survive superseded teardown, Validate err = %v", err)
	}
}

func TestStartAfterStopNeedsFreshToken(t *testing.T) {
	ctl, store, broker := newTestController()
	sess, err := store.IssueToken("door-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	device := &recordLink{}
	broker.RegisterDevice("door-1", device)

	link := newLink(newFakeConn(), 8)
	broker.RegisterViewer(sess.ID, sess.DeviceID, link)

	ctl.handleViewerControl(sess, link, []byte(`{"action":"start","mode":"live"}`))
	if e := decodeEvent(t, link); e.Type != protocol.StatusStarted {
		t.Fatalf("first start: got %q, want %q", e.Type, protocol.StatusStarted)
	}
	ctl.handleViewerControl(sess, link, []byte(`{"action":"stop"}`))
	if e := decodeEvent(t, link); e.Type != protocol.StatusStopped {
		t.Fatalf("stop: got %q, want %q", e.Type, protocol.StatusStopped)
	}
	// The grant was consumed by the stop.
	ctl.handleViewerControl(sess, link, []byte(`{"action":"start","mode":"live"}`))
	if e := decodeEvent(t, link); e.Type != protocol.StatusSessionExpired {
		t.Fatalf("restart on dead grant: got %q, want %q", e.Type, protocol.StatusSessionExpired)
	}
	if broker.Streaming(sess.ID) {
		t.Fatal("dead grant must not re-pair")
	}
}

func TestStatusQueryAnsweredLocally(t *testing.T) {
	ctl, store, broker := newTestController()
	sess, err := store.IssueToken("door-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	link := newLink(newFakeConn(), 8)
	broker.RegisterViewer(sess.ID, sess.DeviceID, link)

	ctl.handleViewerControl(sess, link, []byte(`{"action":"status"}`))
	e := decodeEvent(t, link)
	if e.Type != protocol.StatusReport {
		t.Fatalf("got type %q, want %q", e.Type, protocol.StatusReport)
	}
	if e.DeviceOnline == nil || *e.DeviceOnline {
		t.Fatalf("deviceOnline = %v, want false", e.DeviceOnline)
	}
	if e.Streaming == nil || *e.Streaming {
		t.Fatalf("streaming = %v, want false", e.Streaming)
	}
}

func TestDeviceReadLoopForwardsAndTearsDown(t *testing.T) {
	ctl, store, broker := newTestController()
	sess, err := store.IssueToken("door-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	conn := newFakeConn()
	link := newLink(conn, 8)
	broker.RegisterDevice("door-1", link)

	viewer := &recordLink{}
	broker.RegisterViewer(sess.ID, sess.DeviceID, viewer)
	if err := broker.StartStream(sess.DeviceID, sess.ID, "live"); err != nil {
		t.Fatal(err)
	}

	audio := (&protocol.AudioFrame{Sequence: 1, Timestamp: 20000, Payload: []byte{0xAA}}).Marshal()
	conn.reads <- wsRead{websocket.BinaryMessage, audio}
	conn.reads <- wsRead{websocket.TextMessage, []byte(`{"type":"status","battery":42}`)}
	conn.reads <- wsRead{websocket.TextMessage, []byte(`not json`)}
	close(conn.reads)

	ctx, cancel := context.WithCancel(context.Background())
	ctl.deviceReadLoop(ctx, cancel, "door-1", link)

	got := viewer.sent()
	if len(got) != 2 {
		t.Fatalf("viewer got %d frames, want 2", len(got))
	}
	if !got[0].Binary || string(got[0].Data) != string(audio) {
		t.Fatal("audio frame must be forwarded verbatim")
	}
	if got[1].Binary {
		t.Fatal("status passthrough should be a text frame")
	}
	if broker.DeviceOnline("door-1") {
		t.Fatal("device should be offline after read loop exit")
	}
}
