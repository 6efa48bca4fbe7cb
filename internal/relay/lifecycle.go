package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
)

const DefaultTeardownTimeout = 1 * time.Second

// Notifier tells the coordinator that a session is gone.
type Notifier interface {
	Close(ctx context.Context, sessionID string) error
}

type LifecycleConfig struct {
	Coordinator Notifier
	// Timeout bounds each teardown notice. Zero means DefaultTeardownTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Lifecycle sends best-effort teardown notices for closed connections.
type Lifecycle struct {
	coord   Notifier
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	// mu orders wg.Add against Wait: once waiting is set no notice starts.
	mu      sync.Mutex
	waiting bool
	wg      sync.WaitGroup
}

func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTeardownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Lifecycle{
		coord:   cfg.Coordinator,
		timeout: cfg.Timeout,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// ConnectionClosed fires the teardown notice for sessionID and returns
// immediately. The outcome is logged and counted, never reported back, and
// the notice is not retried. Once Wait has been called, further notices are
// skipped.
func (l *Lifecycle) ConnectionClosed(sessionID string) {
	if l == nil || l.coord == nil {
		return
	}
	l.mu.Lock()
	if l.waiting {
		l.mu.Unlock()
		l.metrics.TeardownDone(metrics.OutcomeSkipped)
		l.log.Debug("teardown notice skipped after shutdown", "session_id", sessionID)
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()
	go func() {
		defer l.wg.Done()
		l.notify(sessionID)
	}()
}

func (l *Lifecycle) notify(sessionID string) {
	defer func() {
		if rec := recover(); rec != nil {
			l.metrics.TeardownDone(coordinator.KindTransportFailure.String())
			l.log.Error("panic sending teardown notice", "session_id", sessionID, "panic", rec)
		}
	}()

	// Detached from the connection: the client is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	start := time.Now()
	err := l.coord.Close(ctx, sessionID)
	if err != nil {
		kind := coordinator.Classify(err)
		l.metrics.TeardownDone(kind.String())
		l.log.Debug("teardown notice failed",
			"session_id", sessionID,
			"kind", kind.String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return
	}
	l.metrics.TeardownDone(metrics.OutcomeOK)
	l.log.Debug("teardown notice sent", "session_id", sessionID, "duration_ms", time.Since(start).Milliseconds())
}

// Wait stops accepting notices and blocks until every in-flight one has
// finished or ctx is done.
func (l *Lifecycle) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	l.waiting = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
