package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/session"
)

const DefaultForwardTimeout = 5 * time.Second

// Exchanger performs one request/response round trip with the coordinator.
type Exchanger interface {
	Exchange(ctx context.Context, body []byte) ([]byte, error)
}

// SessionLookup resolves a connection handle to its session id.
type SessionLookup interface {
	Lookup(h session.Handle) (string, error)
}

type ForwarderConfig struct {
	Sessions    SessionLookup
	Coordinator Exchanger
	// Timeout bounds each exchange. Zero means DefaultForwardTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Forwarder relays one client frame at a time to the coordinator. It keeps no
// state between calls.
type Forwarder struct {
	sessions SessionLookup
	coord    Exchanger
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewForwarder(cfg ForwarderConfig) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Forwarder{
		sessions: cfg.Sessions,
		coord:    cfg.Coordinator,
		timeout:  cfg.Timeout,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Forward stamps frame with h's session id, exchanges it with the coordinator
// and returns the frame to send back to h. ok is false when nothing must be
// sent: frame was not a JSON object or h has no session.
func (f *Forwarder) Forward(ctx context.Context, h session.Handle, frame []byte) (reply []byte, ok bool) {
	msg, ok := f.Prepare(h, frame)
	if !ok {
		return nil, false
	}
	return f.Exchange(ctx, msg), true
}

// Prepare validates frame and stamps it with h's session id.
func (f *Forwarder) Prepare(h session.Handle, frame []byte) (Message, bool) {
	msgType, ok := parseFrame(frame)
	if !ok {
		f.metrics.FrameDropped(metrics.DropReasonMalformed)
		f.log.Debug("dropping malformed client frame", "handle", uint64(h), "bytes", len(frame))
		return Message{}, false
	}

	sessionID, err := f.sessions.Lookup(h)
	if err != nil {
		// Connections are registered before their first frame is read and
		// deregistered only after the last one is prepared.
		f.metrics.FrameDropped(metrics.DropReasonSessionNotFound)
		f.log.Error("no session for open connection", "handle", uint64(h), "err", err)
		return Message{}, false
	}

	body, err := stampSessionID(frame, sessionID)
	if err != nil {
		f.metrics.FrameDropped(metrics.DropReasonMalformed)
		f.log.Debug("dropping client frame", "session_id", sessionID, "err", err)
		return Message{}, false
	}

	f.log.Debug("client message", "session_id", sessionID, "type", msgType)
	return Message{SessionID: sessionID, Type: msgType, Body: body}, true
}

// Exchange posts msg to the coordinator and returns either its reply,
// untouched, or the translated error frame.
func (f *Forwarder) Exchange(ctx context.Context, msg Message) []byte {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	reply, err := f.coord.Exchange(ctx, msg.Body)
	elapsed := time.Since(start)
	if err == nil {
		f.metrics.ExchangeDone(metrics.OutcomeOK, elapsed)
		f.log.Debug("coordinator reply",
			"session_id", msg.SessionID,
			"type", gjson.GetBytes(reply, fieldType).String(),
			"duration_ms", elapsed.Milliseconds(),
		)
		return reply
	}

	kind := coordinator.Classify(err)
	f.metrics.ExchangeDone(kind.String(), elapsed)
	attrs := []any{
		"session_id", msg.SessionID,
		"type", msg.Type,
		"kind", kind.String(),
		"duration_ms", elapsed.Milliseconds(),
		"err", err,
	}
	var statusErr *coordinator.StatusError
	if errors.As(err, &statusErr) {
		attrs = append(attrs, "status", statusErr.StatusCode, "body", statusErr.Body)
	}
	f.log.Warn("coordinator exchange failed", attrs...)

	out, mErr := json.Marshal(Translate(err, msg.SessionID))
	if mErr != nil {
		// ErrorMessage only holds strings.
		panic(mErr)
	}
	return out
}
