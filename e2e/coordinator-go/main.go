// Command coordinator-go is a development negotiation coordinator for the
// signaling relay. It answers WebRTC offers with a real pion PeerConnection
// per session so the relay can be exercised end to end without the media
// server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	maxBodyBytes        = 1 << 20
	iceGatheringTimeout = 5 * time.Second
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 9090)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	c := newCoordinator(newAPI(envOrDefault("PION_LOG_LEVEL", "warn")), logger)

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /signaling", c)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		c.closeAll()
	case err := <-errCh:
		c.closeAll()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// newAPI builds the pion API with its internal logging routed through a
// leveled factory.
func newAPI(level string) *webrtc.API {
	lf := logging.NewDefaultLoggerFactory()
	switch strings.ToLower(level) {
	case "trace":
		lf.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		lf.DefaultLogLevel = logging.LogLevelDebug
	case "info":
		lf.DefaultLogLevel = logging.LogLevelInfo
	case "error":
		lf.DefaultLogLevel = logging.LogLevelError
	case "off":
		lf.DefaultLogLevel = logging.LogLevelDisabled
	default:
		lf.DefaultLogLevel = logging.LogLevelWarn
	}

	se := webrtc.SettingEngine{LoggerFactory: lf}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

type message struct {
	Type          string  `json:"type"`
	SessionID     string  `json:"sessionId"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Message       string  `json:"message,omitempty"`
}

// coordinator keeps one PeerConnection per session id.
type coordinator struct {
	api *webrtc.API
	log *slog.Logger

	mu    sync.Mutex
	peers map[string]*webrtc.PeerConnection
}

func newCoordinator(api *webrtc.API, logger *slog.Logger) *coordinator {
	return &coordinator{
		api:   api,
		log:   logger,
		peers: make(map[string]*webrtc.PeerConnection),
	}
}

func (c *coordinator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if msg.SessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	c.log.Info("signaling message", "session_id", msg.SessionID, "type", msg.Type, "bytes", len(body), "request_id", r.Header.Get("X-Request-ID"))

	var reply message
	switch msg.Type {
	case "offer":
		reply = c.handleOffer(r.Context(), msg)
	case "ice-candidate":
		reply = c.handleCandidate(msg)
	case "close":
		c.release(msg.SessionID)
		reply = message{Type: "ok", SessionID: msg.SessionID}
	default:
		reply = message{Type: "error", SessionID: msg.SessionID, Message: "Unknown message type"}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(reply)
}

func (c *coordinator) handleOffer(ctx context.Context, msg message) message {
	fail := func(err error) message {
		c.log.Warn("offer failed", "session_id", msg.SessionID, "err", err)
		return message{Type: "error", SessionID: msg.SessionID, Message: "Failed to process offer"}
	}
	if msg.SDP == "" {
		return fail(errors.New("empty sdp"))
	}

	// A renegotiating client replaces its previous peer.
	c.release(msg.SessionID)

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fail(err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.log.Info("peer connection state", "session_id", msg.SessionID, "state", state.String())
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		// Echo, so a client can confirm the transport works.
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			if m.IsString {
				_ = dc.SendText(string(m.Data))
				return
			}
			_ = dc.Send(m.Data)
		})
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
		_ = pc.Close()
		return fail(err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return fail(err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return fail(err)
	}

	// Non-trickle: the answer carries every local candidate.
	timer := time.NewTimer(iceGatheringTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		c.log.Warn("ice gathering timed out; answering with partial candidates", "session_id", msg.SessionID)
	case <-ctx.Done():
		_ = pc.Close()
		return fail(ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return fail(errors.New("missing local description"))
	}

	c.mu.Lock()
	c.peers[msg.SessionID] = pc
	n := len(c.peers)
	c.mu.Unlock()
	c.log.Info("answer ready", "session_id", msg.SessionID, "sessions", n)

	return message{Type: "answer", SessionID: msg.SessionID, SDP: local.SDP}
}

func (c *coordinator) handleCandidate(msg message) message {
	c.mu.Lock()
	pc := c.peers[msg.SessionID]
	c.mu.Unlock()

	if pc != nil && msg.Candidate != "" {
		init := webrtc.ICECandidateInit{
			Candidate:     msg.Candidate,
			SDPMid:        msg.SDPMid,
			SDPMLineIndex: msg.SDPMLineIndex,
		}
		if err := pc.AddICECandidate(init); err != nil {
			c.log.Warn("add ice candidate failed", "session_id", msg.SessionID, "err", err)
		}
	}
	return message{Type: "ok", SessionID: msg.SessionID}
}

func (c *coordinator) release(sessionID string) {
	c.mu.Lock()
	pc, ok := c.peers[sessionID]
	delete(c.peers, sessionID)
	n := len(c.peers)
	c.mu.Unlock()
	if !ok {
		return
	}
	_ = pc.Close()
	c.log.Info("session closed", "session_id", sessionID, "sessions", n)
}

func (c *coordinator) sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func (c *coordinator) closeAll() {
	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]*webrtc.PeerConnection)
	c.mu.Unlock()
	for _, pc := range peers {
		_ = pc.Close()
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q: %v\n", key, v, err)
		os.Exit(2)
	}
	return n
}
