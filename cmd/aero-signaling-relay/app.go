package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/coordinator"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/relay"
	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/session"
)

// app is the fully wired relay: HTTP surface, WebSocket endpoint and the
// coordinator client behind them.
type app struct {
	http      *httpserver.Server
	relay     *relay.Server
	lifecycle *relay.Lifecycle
	registry  *session.Registry
}

func newApp(cfg config.Config, logger *slog.Logger, build httpserver.BuildInfo) (*app, error) {
	client, err := coordinator.NewClient(cfg.CoordinatorURL, cfg.CoordinatorPath, newCoordinatorHTTPClient())
	if err != nil {
		return nil, err
	}

	registry := session.NewRegistry(cfg.MaxSessions)
	m := metrics.New()
	m.ObserveSessions(registry.Len)
	forwarder := relay.NewForwarder(relay.ForwarderConfig{
		Sessions:    registry,
		Coordinator: client,
		Timeout:     cfg.ForwardTimeout,
		Logger:      logger,
		Metrics:     m,
	})
	lifecycle := relay.NewLifecycle(relay.LifecycleConfig{
		Coordinator: client,
		Timeout:     cfg.TeardownTimeout,
		Logger:      logger,
		Metrics:     m,
	})
	relaySrv := relay.NewServer(relay.Config{
		Registry:             registry,
		Forwarder:            forwarder,
		Lifecycle:            lifecycle,
		Metrics:              m,
		Logger:               logger,
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		MaxQueuedFrames:      cfg.MaxQueuedFrames,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
	})

	srv := httpserver.New(httpserver.Options{
		Addr:        cfg.ListenAddr,
		Logger:      logger,
		Build:       build,
		Sessions:    registry.Len,
		MaxSessions: cfg.MaxSessions,
	})
	relaySrv.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", m.Handler())

	return &app{
		http:      srv,
		relay:     relaySrv,
		lifecycle: lifecycle,
		registry:  registry,
	}, nil
}

// shutdown stops accepting requests, disconnects every client and waits for
// their teardown notices, all within ctx.
func (a *app) shutdown(ctx context.Context) error {
	err := a.http.Shutdown(ctx)
	a.relay.Close()
	if waitErr := a.lifecycle.Wait(ctx); err == nil {
		err = waitErr
	}
	return err
}

func newCoordinatorHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// One browser tab keeps one exchange in flight; keep enough idle
	// connections around for a busy relay.
	transport.MaxIdleConnsPerHost = 64
	transport.IdleConnTimeout = 90 * time.Second
	// Per-request deadlines come from the caller's context.
	return &http.Client{Transport: transport}
}
