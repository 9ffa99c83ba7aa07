package listener

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct {
	calls int
	url   string
	err   error
}

func (f *fakeOpener) OpenSocketURL(context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

// fakeConn mimics a real connection: ReadMessage blocks until a frame is
// queued or the connection is closed, and any error ends the read loop.
type fakeConn struct {
	frames  chan []byte
	readErr error

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeConn(frames ...string) *fakeConn {
	c := &fakeConn{frames: make(chan []byte, 16)}
	for _, f := range frames {
		c.frames <- []byte(f)
	}
	return c
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	if f.readErr != nil {
		return 0, nil, f.readErr
	}
	data, ok := <-f.frames
	if !ok {
		return 0, nil, errors.New("use of closed network connection")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.frames)
	}
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestSocket(conn *fakeConn, opener *fakeOpener) *SocketListener {
	l := NewSocketListener(opener, "C111", 100*time.Millisecond, zerolog.Nop())
	l.dial = func(context.Context, string) (wsConn, error) { return conn, nil }
	return l
}

func TestSocketReceiveMessageAcksEnvelope(t *testing.T) {
	conn := newFakeConn(`{
		"envelope_id": "env-1",
		"payload": {"event": {"type": "message", "channel": "C111", "user": "U1", "ts": "1.1", "text": "!do build"}}
	}`)
	opener := &fakeOpener{url: "wss://example.test/socket"}
	l := newTestSocket(conn, opener)

	batch, err := l.Receive(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, opener.calls)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "1.1", batch.Messages[0].TS)
	assert.Equal(t, "!do build", batch.Messages[0].Text)
	assert.Empty(t, batch.Reactions)
	assert.Equal(t, []string{`{"envelope_id":"env-1"}`}, conn.sentFrames())
}

func TestSocketReceiveReaction(t *testing.T) {
	conn := newFakeConn(`{
		"envelope_id": "env-2",
		"payload": {"event": {
			"type": "reaction_added",
			"user": "U2",
			"reaction": ":white_check_mark:",
			"item": {"type": "message", "channel": "C111", "ts": "2.2"}
		}}
	}`)
	l := newTestSocket(conn, &fakeOpener{url: "wss://x"})

	batch, err := l.Receive(context.Background())
	require.NoError(t, err)

	assert.Empty(t, batch.Messages)
	require.Len(t, batch.Reactions, 1)
	assert.Equal(t, "C111", batch.Reactions[0].ChannelID)
	assert.Equal(t, "2.2", batch.Reactions[0].MessageTS)
	assert.Equal(t, "white_check_mark", batch.Reactions[0].Reaction)
	assert.Equal(t, "U2", batch.Reactions[0].User)
}

func TestSocketIgnoresOtherChannels(t *testing.T) {
	conn := newFakeConn(`{
		"payload": {"event": {"type": "message", "channel": "C999", "user": "U1", "ts": "1.1", "text": "hi"}}
	}`)
	l := newTestSocket(conn, &fakeOpener{url: "wss://x"})

	batch, err := l.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)
}

func TestSocketDisconnectClosesConnection(t *testing.T) {
	conn := newFakeConn(`{"type": "disconnect", "envelope_id": "env-3"}`)
	l := newTestSocket(conn, &fakeOpener{url: "wss://x"})

	batch, err := l.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)
	assert.Empty(t, batch.Reactions)
	assert.True(t, conn.isClosed())
}

func TestSocketTimeoutKeepsConnection(t *testing.T) {
	conn := newFakeConn()
	opener := &fakeOpener{url: "wss://x"}
	l := newTestSocket(conn, opener)

	for i := 0; i < 2; i++ {
		batch, err := l.Receive(context.Background())
		require.NoError(t, err)
		assert.Empty(t, batch.Messages)
		assert.Empty(t, batch.Reactions)
	}
	assert.Equal(t, 1, opener.calls, "timeouts must not redial")
	assert.False(t, conn.isClosed())
}

func TestSocketDeliversFrameQueuedDuringQuietPeriod(t *testing.T) {
	conn := newFakeConn()
	l := newTestSocket(conn, &fakeOpener{url: "wss://x"})

	// Two quiet intervals pass before anything arrives.
	for i := 0; i < 2; i++ {
		batch, err := l.Receive(context.Background())
		require.NoError(t, err)
		assert.Empty(t, batch.Messages)
	}

	conn.frames <- []byte(`{
		"envelope_id": "env-4",
		"payload": {"event": {"type": "message", "channel": "C111", "user": "U1", "ts": "3.3", "text": "!do late"}}
	}`)

	batch, err := l.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, batch.Messages, 1)
	assert.Equal(t, "3.3", batch.Messages[0].TS)
}

func TestSocketReadErrorDropsConnection(t *testing.T) {
	conn := newFakeConn()
	conn.readErr = errors.New("broken pipe")
	opener := &fakeOpener{url: "wss://x"}
	l := newTestSocket(conn, opener)

	_, err := l.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, conn.isClosed())

	// The next receive redials lazily.
	fresh := newFakeConn()
	l.dial = func(context.Context, string) (wsConn, error) { return fresh, nil }
	_, err = l.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, opener.calls)
}

type staticOpener struct{ url string }

func (s staticOpener) OpenSocketURL(context.Context) (string, error) { return s.url, nil }

// A real gorilla connection is poisoned by any read error, including a
// deadline timeout. The listener must keep ingesting frames that arrive
// after an idle interval.
func TestSocketSurvivesQuietPeriodOnRealConnection(t *testing.T) {
	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	l := NewSocketListener(staticOpener{url: wsURL}, "C111", 100*time.Millisecond, zerolog.Nop())
	defer l.Close()

	// First receive hits the quiet-period timeout.
	batch, err := l.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, batch.Messages)

	server := <-serverConns
	defer server.Close()
	// Drain the client's envelope acks.
	go func() {
		for {
			if _, _, err := server.ReadMessage(); err != nil {
				return
			}
		}
	}()

	envelope := `{
		"envelope_id": "env-real",
		"type": "events_api",
		"payload": {"event": {"type": "message", "channel": "C111", "user": "U1", "ts": "9.9", "text": "!do sh:echo hi"}}
	}`
	require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(envelope)))

	var got Batch
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		batch, err := l.Receive(context.Background())
		require.NoError(t, err)
		if len(batch.Messages) > 0 {
			got = batch
			break
		}
	}
	require.Len(t, got.Messages, 1, "frame sent after a quiet period must still be delivered")
	assert.Equal(t, "9.9", got.Messages[0].TS)
	assert.Equal(t, "!do sh:echo hi", got.Messages[0].Text)
}
