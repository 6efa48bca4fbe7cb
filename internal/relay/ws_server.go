package relay

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/session"
)

const (
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultMaxQueuedFrames      = 64
	DefaultIdleTimeout          = 60 * time.Second
	DefaultPingInterval         = 20 * time.Second

	wsWriteWait = 1 * time.Second
)

// Config wires together the runtime dependencies of the WebSocket endpoint.
type Config struct {
	Registry  *session.Registry
	Forwarder *Forwarder
	Lifecycle *Lifecycle
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// AllowedOrigins is checked against the Origin header of upgrade requests.
	// Empty means same host only; "*" allows any origin.
	AllowedOrigins []string

	MaxMessageBytes int64
	// MaxMessagesPerSecond limits inbound frames per connection. Zero disables
	// the limit.
	MaxMessagesPerSecond int
	MaxQueuedFrames      int

	IdleTimeout  time.Duration
	PingInterval time.Duration
}

// Server accepts client WebSocket connections and relays each one's frames
// through the Forwarder, one session per connection.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	// baseCtx outlives individual connections so an exchange in flight when
	// its client disconnects still runs to completion or timeout.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	conns  map[*clientConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxMessagesPerSecond < 0 {
		cfg.MaxMessagesPerSecond = 0
	}
	if cfg.MaxQueuedFrames <= 0 {
		cfg.MaxQueuedFrames = DefaultMaxQueuedFrames
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PingInterval < 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: origin.CheckRequest(cfg.AllowedOrigins),
		},
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[*clientConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /{$}", s)
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.upgrader.CheckOrigin(r) {
		s.cfg.Metrics.ConnectionRejected(metrics.RejectReasonOrigin)
		s.log.Debug("rejecting websocket origin", "remote_addr", r.RemoteAddr, "origin", r.Header.Get("Origin"))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.cfg.Metrics.ConnectionRejected(metrics.RejectReasonUpgrade)
		s.log.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	c := &clientConn{
		srv:    s,
		conn:   conn,
		handle: s.cfg.Registry.NewHandle(),
		log:    s.log,
		queue:  newFrameQueue(s.cfg.MaxQueuedFrames),
		done:   make(chan struct{}),
	}
	if s.cfg.MaxMessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond)
	}

	// Tracked before it holds a session: Close either shuts it down with the
	// rest or has already refused it.
	if !s.track(c) {
		s.cfg.Metrics.ConnectionRejected(metrics.RejectReasonShuttingDown)
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	if err := c.register(); err != nil {
		reason, code, text := metrics.RejectReasonInternal, websocket.CloseInternalServerErr, "internal error"
		switch {
		case errors.Is(err, session.ErrTooManySessions):
			reason, code, text = metrics.RejectReasonTooManySessions, websocket.CloseTryAgainLater, "too many sessions"
		case errors.Is(err, errConnClosed):
			reason, code, text = metrics.RejectReasonShuttingDown, websocket.CloseGoingAway, "server shutting down"
		}
		s.cfg.Metrics.ConnectionRejected(reason)
		s.log.Warn("rejecting client", "remote_addr", r.RemoteAddr, "err", err)
		c.closeWith(code, text)
		c.shutdown("rejected")
		return
	}

	s.cfg.Metrics.ConnectionOpened()
	c.log.Info("client connected", "remote_addr", r.RemoteAddr)

	c.run()
}

// Close disconnects every client. Teardown notices are still sent; wait for
// them with Lifecycle.Wait.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.shutdown("server shutting down")
	}
	s.cancel()
}

func (s *Server) track(c *clientConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *clientConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

var errConnClosed = errors.New("connection closed")

type clientConn struct {
	srv    *Server
	conn   *websocket.Conn
	handle session.Handle
	log    *slog.Logger

	limiter *rate.Limiter
	queue   *frameQueue

	writeMu sync.Mutex

	// stateMu orders registration and frame preparation against
	// deregistration: once closed is set the handle is never connected and no
	// further frame is looked up in the registry.
	stateMu sync.RWMutex
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// register gives the connection its session unless it was already shut down.
func (c *clientConn) register() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	id, err := c.srv.cfg.Registry.Connect(c.handle)
	if err != nil {
		return err
	}
	c.log = c.srv.log.With("session_id", id)
	return nil
}

func (c *clientConn) run() {
	cfg := c.srv.cfg

	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	go c.forwardLoop()
	if cfg.PingInterval > 0 {
		go c.pingLoop(cfg.PingInterval)
	}

	reason := c.readLoop()
	c.shutdown(reason)
}

// readLoop returns once the connection must close, with the reason.
func (c *clientConn) readLoop() string {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.srv.cfg.Metrics.FrameDropped(metrics.DropReasonMalformed)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
				return "message too large"
			case isTimeout(err):
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
				return "idle timeout"
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return "client closed"
			default:
				c.log.Debug("websocket read failed", "err", err)
				return "read error"
			}
		}
		c.extendReadDeadline()

		// Rate limiting happens after the read so the peer sees the close
		// frame instead of a reset caused by unread data.
		if c.limiter != nil && !c.limiter.Allow() {
			c.srv.cfg.Metrics.FrameDropped(metrics.DropReasonRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return "rate limit exceeded"
		}

		if err := c.queue.Enqueue(data); err != nil {
			if errors.Is(err, errQueueClosed) {
				return "closed"
			}
			c.srv.cfg.Metrics.FrameDropped(metrics.DropReasonQueueFull)
			c.closeWith(websocket.ClosePolicyViolation, "too many queued messages")
			return "too many queued messages"
		}
	}
}

// forwardLoop relays queued frames one at a time, so replies leave in the
// order their frames arrived.
func (c *clientConn) forwardLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		msg, ok := c.prepare(frame)
		if !ok {
			continue
		}
		reply := c.srv.cfg.Forwarder.Exchange(c.srv.baseCtx, msg)
		if c.isClosed() {
			c.srv.cfg.Metrics.FrameDropped(metrics.DropReasonConnClosed)
			c.log.Debug("discarding reply for closed connection", "type", msg.Type)
			continue
		}
		if err := c.send(reply); err != nil {
			c.log.Debug("websocket write failed", "err", err)
			c.shutdown("write error")
			return
		}
	}
}

func (c *clientConn) prepare(frame []byte) (Message, bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.closed {
		c.srv.cfg.Metrics.FrameDropped(metrics.DropReasonConnClosed)
		return Message{}, false
	}
	return c.srv.cfg.Forwarder.Prepare(c.handle, frame)
}

func (c *clientConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *clientConn) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *clientConn) isClosed() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.closed
}

func (c *clientConn) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *clientConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// shutdown moves the connection to Closed. The session leaves the registry
// before the teardown notice is fired, and both happen exactly once.
func (c *clientConn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		c.closed = true
		sessionID, registered := c.srv.cfg.Registry.Disconnect(c.handle)
		c.stateMu.Unlock()

		dropped := c.queue.Close()
		for range dropped {
			c.srv.cfg.Metrics.FrameDropped(metrics.DropReasonConnClosed)
		}
		close(c.done)
		_ = c.conn.Close()
		c.srv.untrack(c)

		if !registered {
			return
		}
		c.log.Info("client disconnected", "reason", reason, "dropped_frames", dropped)
		c.srv.cfg.Lifecycle.ConnectionClosed(sessionID)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
