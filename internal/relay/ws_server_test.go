package relay

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/session"
)

// fakeCoordinator records every POST body. Close notices are recorded
// separately from exchanges.
type fakeCoordinator struct {
	mu        sync.Mutex
	exchanges [][]byte
	closes    []string

	// reply answers an exchange. Nil echoes the stamped request.
	reply func(w http.ResponseWriter, body []byte)
	// closeStatus is the status returned for teardown notices; zero means 204.
	closeStatus int
}

func (c *fakeCoordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != coordinator.DefaultPath {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if gjson.GetBytes(body, "type").String() == coordinator.MessageTypeClose {
		c.mu.Lock()
		c.closes = append(c.closes, gjson.GetBytes(body, "sessionId").String())
		status := c.closeStatus
		c.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	c.mu.Lock()
	c.exchanges = append(c.exchanges, body)
	reply := c.reply
	c.mu.Unlock()
	if reply != nil {
		reply(w, body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (c *fakeCoordinator) closeNotices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closes...)
}

type testRelay struct {
	url       string
	srv       *Server
	registry  *session.Registry
	lifecycle *Lifecycle
	metrics   *metrics.Metrics
}

func startRelay(t *testing.T, coordinatorURL string, tweak func(*Config)) *testRelay {
	t.Helper()

	client, err := coordinator.NewClient(coordinatorURL, coordinator.DefaultPath, &http.Client{})
	require.NoError(t, err)

	m := metrics.New()
	reg := session.NewRegistry(0)
	cfg := Config{
		Registry: reg,
		Forwarder: NewForwarder(ForwarderConfig{
			Sessions:    reg,
			Coordinator: client,
			Timeout:     2 * time.Second,
			Logger:      discardLogger(),
			Metrics:     m,
		}),
		Lifecycle: NewLifecycle(LifecycleConfig{
			Coordinator: client,
			Logger:      discardLogger(),
			Metrics:     m,
		}),
		Metrics:              m,
		Logger:               discardLogger(),
		MaxMessagesPerSecond: 1000,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	if cfg.Registry != reg {
		cfg.Forwarder = NewForwarder(ForwarderConfig{Sessions: cfg.Registry, Coordinator: client, Logger: discardLogger(), Metrics: m})
	}
	m.ObserveSessions(cfg.Registry.Len)
	srv := NewServer(cfg)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cfg.Lifecycle.Wait(ctx)
	})

	return &testRelay{
		url:       "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		srv:       srv,
		registry:  cfg.Registry,
		lifecycle: cfg.Lifecycle,
		metrics:   m,
	}
}

func startCoordinator(t *testing.T, c *fakeCoordinator) string {
	t.Helper()
	ts := httptest.NewServer(c)
	t.Cleanup(ts.Close)
	return ts.URL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) []byte {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	return readFrame(t, conn)
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	return data
}

// readUntilClose reads until the server closes the connection and returns
// the close error.
func readUntilClose(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}

func waitForCloses(t *testing.T, c *fakeCoordinator, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.closeNotices()) >= n }, 5*time.Second, 10*time.Millisecond)
	return c.closeNotices()
}

func TestServer_RelaysCoordinatorReplyVerbatim(t *testing.T) {
	const answer = `{"type":"answer","sdp":"v=0\r\nanswer","extra":{"n":1.50}}`
	coord := &fakeCoordinator{reply: func(w http.ResponseWriter, _ []byte) {
		_, _ = w.Write([]byte(answer))
	}}
	r := startRelay(t, startCoordinator(t, coord), nil)
	conn := dial(t, r.url)

	got := roundTrip(t, conn, `{"type":"offer","sdp":"v=0\r\noffer","sessionId":"forged"}`)
	assert.Equal(t, answer, string(got))

	coord.mu.Lock()
	require.Len(t, coord.exchanges, 1)
	posted := coord.exchanges[0]
	coord.mu.Unlock()
	id := gjson.GetBytes(posted, "sessionId").String()
	assert.NotEqual(t, "forged", id)
	assert.Regexp(t, `^[0-9]+-[1-9A-HJ-NP-Za-km-z]+$`, id)
	assert.Equal(t, "v=0\r\noffer", gjson.GetBytes(posted, "sdp").String())
}

func TestServer_CoordinatorDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	r := startRelay(t, "http://"+addr, nil)
	conn := dial(t, r.url)

	var msg ErrorMessage
	require.NoError(t, json.Unmarshal(roundTrip(t, conn, `{"type":"offer","sdp":"v=0"}`), &msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "coordinator not running", msg.Message)
	assert.NotEmpty(t, msg.SessionID)

	// The connection survives coordinator failures.
	require.NoError(t, json.Unmarshal(roundTrip(t, conn, `{"type":"candidate"}`), &msg))
	assert.Equal(t, "coordinator not running", msg.Message)
}

func TestServer_CoordinatorStatusError(t *testing.T) {
	coord := &fakeCoordinator{reply: func(w http.ResponseWriter, _ []byte) {
		http.Error(w, "negotiation exploded", http.StatusServiceUnavailable)
	}}
	r := startRelay(t, startCoordinator(t, coord), nil)
	conn := dial(t, r.url)

	reply := roundTrip(t, conn, `{"type":"offer"}`)
	assert.Equal(t, "coordinator error: 503", gjson.GetBytes(reply, "message").String())
	assert.NotContains(t, string(reply), "negotiation exploded")
}

func TestServer_ClientsAreIsolated(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), nil)
	a := dial(t, r.url)
	b := dial(t, r.url)

	replyA := roundTrip(t, a, `{"type":"offer","from":"a"}`)
	replyB := roundTrip(t, b, `{"type":"offer","from":"b"}`)

	assert.Equal(t, "a", gjson.GetBytes(replyA, "from").String())
	assert.Equal(t, "b", gjson.GetBytes(replyB, "from").String())
	idA := gjson.GetBytes(replyA, "sessionId").String()
	idB := gjson.GetBytes(replyB, "sessionId").String()
	assert.NotEmpty(t, idA)
	assert.NotEmpty(t, idB)
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, r.registry.Len())
}

func TestServer_TeardownNoticeSentOnce(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), nil)
	conn := dial(t, r.url)
	id := gjson.GetBytes(roundTrip(t, conn, `{"type":"offer"}`), "sessionId").String()

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	assert.Equal(t, []string{id}, waitForCloses(t, coord, 1))
	require.Eventually(t, func() bool { return r.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.lifecycle.Wait(ctx))
	assert.Equal(t, []string{id}, coord.closeNotices())
}

func TestServer_TeardownFailureIsSwallowed(t *testing.T) {
	coord := &fakeCoordinator{closeStatus: http.StatusInternalServerError}
	r := startRelay(t, startCoordinator(t, coord), nil)

	first := dial(t, r.url)
	roundTrip(t, first, `{"type":"offer"}`)
	_ = first.Close()
	waitForCloses(t, coord, 1)

	second := dial(t, r.url)
	reply := roundTrip(t, second, `{"type":"offer"}`)
	assert.Equal(t, "offer", gjson.GetBytes(reply, "type").String())
	assert.Contains(t, scrape(t, r.metrics), `aero_signaling_relay_teardown_total{outcome="upstream_status"} 1`)
}

func TestServer_MalformedFrameGetsNoReply(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), nil)
	conn := dial(t, r.url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("this is not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)))

	// The next reply belongs to the next valid frame.
	reply := roundTrip(t, conn, `{"type":"candidate","n":3}`)
	assert.Equal(t, int64(3), gjson.GetBytes(reply, "n").Int())

	coord.mu.Lock()
	assert.Len(t, coord.exchanges, 1)
	coord.mu.Unlock()
}

func TestServer_BinaryFramesAreRelayed(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), nil)
	conn := dial(t, r.url)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"offer"}`)))
	reply := readFrame(t, conn)
	assert.Equal(t, "offer", gjson.GetBytes(reply, "type").String())
}

func TestServer_PreservesPerConnectionOrder(t *testing.T) {
	coord := &fakeCoordinator{reply: func(w http.ResponseWriter, body []byte) {
		// Earlier frames take longer, so any reordering would show.
		seq := gjson.GetBytes(body, "seq").Int()
		time.Sleep(time.Duration(10-seq) * 2 * time.Millisecond)
		_, _ = w.Write(body)
	}}
	r := startRelay(t, startCoordinator(t, coord), nil)
	conn := dial(t, r.url)

	for i := range 10 {
		frame, _ := json.Marshal(map[string]any{"type": "candidate", "seq": i})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}
	for i := range 10 {
		assert.Equal(t, int64(i), gjson.GetBytes(readFrame(t, conn), "seq").Int())
	}
}

func TestServer_RateLimitClosesConnection(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), func(c *Config) {
		c.MaxMessagesPerSecond = 1
	})
	conn := dial(t, r.url)

	for range 3 {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"candidate"}`)); err != nil {
			break
		}
	}
	closeErr := readUntilClose(t, conn)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "rate limit exceeded", closeErr.Text)
	waitForCloses(t, coord, 1)
}

func TestServer_OversizeFrameClosesConnection(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), func(c *Config) {
		c.MaxMessageBytes = 64
	})
	conn := dial(t, r.url)

	big := `{"type":"offer","sdp":"` + strings.Repeat("a", 200) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))
	closeErr := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseMessageTooBig, closeErr.Code)
	waitForCloses(t, coord, 1)
}

func TestServer_IdleTimeout(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), func(c *Config) {
		c.IdleTimeout = 100 * time.Millisecond
		c.PingInterval = 0
	})
	conn := dial(t, r.url)

	closeErr := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, "idle timeout", closeErr.Text)
	waitForCloses(t, coord, 1)
}

func TestServer_PingsKeepConnectionAlive(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), func(c *Config) {
		c.IdleTimeout = 200 * time.Millisecond
		c.PingInterval = 50 * time.Millisecond
	})
	conn := dial(t, r.url)

	// The default ping handler answers with pongs while reads are pending.
	frames := make(chan []byte, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			frames <- data
		}
	}()

	time.Sleep(600 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"candidate"}`)))
	select {
	case data, ok := <-frames:
		require.True(t, ok, "connection closed despite pongs")
		assert.Equal(t, "candidate", gjson.GetBytes(data, "type").String())
	case <-time.After(5 * time.Second):
		t.Fatal("no reply")
	}
	assert.Empty(t, coord.closeNotices())
}

func TestServer_RejectsWhenSessionTableFull(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), func(c *Config) {
		c.Registry = session.NewRegistry(1)
	})
	first := dial(t, r.url)
	roundTrip(t, first, `{"type":"offer"}`)

	second := dial(t, r.url)
	closeErr := readUntilClose(t, second)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Contains(t, scrape(t, r.metrics), `aero_signaling_relay_connections_rejected_total{reason="too_many_sessions"} 1`)
	assert.Contains(t, scrape(t, r.metrics), "aero_signaling_relay_active_sessions 1")
	assert.Empty(t, coord.closeNotices(), "rejected connections never had a session")
}

func TestServer_RejectsDisallowedOrigin(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), func(c *Config) {
		c.AllowedOrigins = []string{"https://app.example.com"}
	})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(r.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, r.registry.Len())
	assert.Contains(t, scrape(t, r.metrics), `aero_signaling_relay_connections_rejected_total{reason="origin"} 1`)
}

func TestServer_CloseDisconnectsClients(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), nil)
	conn := dial(t, r.url)
	id := gjson.GetBytes(roundTrip(t, conn, `{"type":"offer"}`), "sessionId").String()

	r.srv.Close()

	closeErr := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.lifecycle.Wait(ctx))
	assert.Equal(t, []string{id}, coord.closeNotices())
	assert.Equal(t, 0, r.registry.Len())
}

func TestServer_CloseDuringExchange(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	coord := &fakeCoordinator{reply: func(w http.ResponseWriter, body []byte) {
		close(started)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}}
	coordURL := startCoordinator(t, coord)
	// Runs before the coordinator shuts down, which waits on the blocked handler.
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })
	r := startRelay(t, coordURL, func(c *Config) {
		client, err := coordinator.NewClient(coordURL, coordinator.DefaultPath, &http.Client{})
		require.NoError(t, err)
		c.Forwarder = NewForwarder(ForwarderConfig{
			Sessions:    c.Registry,
			Coordinator: client,
			Timeout:     30 * time.Second,
			Logger:      discardLogger(),
			Metrics:     c.Metrics,
		})
	})

	conn := dial(t, r.url)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","sdp":"v=0"}`)))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("exchange never reached the coordinator")
	}

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = conn.Close()

	// The notice goes out while the exchange is still held by the coordinator.
	closes := waitForCloses(t, coord, 1)
	require.Len(t, closes, 1)
	coord.mu.Lock()
	stamped := gjson.GetBytes(coord.exchanges[0], "sessionId").String()
	coord.mu.Unlock()
	assert.Equal(t, stamped, closes[0])
	require.Eventually(t, func() bool { return r.registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.NotContains(t, scrape(t, r.metrics), `aero_signaling_relay_exchanges_total{outcome="ok"}`)

	releaseOnce.Do(func() { close(release) })

	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, r.metrics), `aero_signaling_relay_frames_dropped_total{reason="connection_closed"} 1`)
	}, 5*time.Second, 10*time.Millisecond)
	body := scrape(t, r.metrics)
	assert.Contains(t, body, `aero_signaling_relay_exchanges_total{outcome="ok"} 1`)
	assert.Contains(t, body, "aero_signaling_relay_active_sessions 0")
	assert.Equal(t, 0, r.registry.Len())
	assert.Equal(t, []string{closes[0]}, coord.closeNotices(), "one notice per session")
}

func TestServer_RefusesConnectionsAfterClose(t *testing.T) {
	coord := &fakeCoordinator{}
	r := startRelay(t, startCoordinator(t, coord), nil)
	r.srv.Close()

	// The HTTP listener is still up; the relay itself refuses the client.
	conn := dial(t, r.url)
	closeErr := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.lifecycle.Wait(ctx))
	assert.Equal(t, 0, r.registry.Len())
	assert.Empty(t, coord.closeNotices(), "refused connections never had a session")
	body := scrape(t, r.metrics)
	assert.Contains(t, body, `aero_signaling_relay_connections_rejected_total{reason="shutting_down"} 1`)
	assert.NotContains(t, body, `aero_signaling_relay_teardown_total`)
}
