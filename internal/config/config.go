package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/origin"
)

const (
	envVarConfigFile      = "AERO_SIGNALING_RELAY_CONFIG"
	envVarListenAddr      = "AERO_SIGNALING_RELAY_LISTEN_ADDR"
	envVarCoordinatorURL  = "AERO_SIGNALING_RELAY_COORDINATOR_URL"
	envVarCoordinatorPath = "AERO_SIGNALING_RELAY_COORDINATOR_PATH"
	envVarForwardTimeout  = "AERO_SIGNALING_RELAY_FORWARD_TIMEOUT"
	envVarTeardownTimeout = "AERO_SIGNALING_RELAY_TEARDOWN_TIMEOUT"
	envVarLogFormat       = "AERO_SIGNALING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_SIGNALING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_SIGNALING_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_SIGNALING_RELAY_MODE"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Client-facing WebSocket hardening.
	envVarMaxSessions                   = "MAX_SESSIONS"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarMaxQueuedFrames               = "MAX_QUEUED_FRAMES"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"

	DefaultListenAddr           = ":8080"
	DefaultCoordinatorURL       = "http://localhost:9090"
	DefaultCoordinatorPath      = "/signaling"
	DefaultForwardTimeout       = 5 * time.Second
	DefaultTeardownTimeout      = 1 * time.Second
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultMaxQueuedFrames               = 64
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	// ConfigFile is the optional YAML/TOML file that supplied defaults.
	ConfigFile      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// Coordinator endpoint. Every exchange is a POST to CoordinatorURL +
	// CoordinatorPath.
	CoordinatorURL  string
	CoordinatorPath string
	// ForwardTimeout bounds one negotiation exchange; TeardownTimeout bounds the
	// close notice sent after a client disconnects.
	ForwardTimeout  time.Duration
	TeardownTimeout time.Duration

	// A value <= 0 means unlimited.
	MaxSessions int

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// MaxQueuedFrames caps frames buffered per connection while an exchange is
	// in flight.
	MaxQueuedFrames         int
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration
}

// CoordinatorEndpoint returns the absolute URL exchanges are posted to.
func (c Config) CoordinatorEndpoint() string {
	return strings.TrimRight(c.CoordinatorURL, "/") + "/" + strings.TrimLeft(c.CoordinatorPath, "/")
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	configFile := envOrDefault(lookup, envVarConfigFile, "")
	if p, ok := configPathFromArgs(args); ok {
		configFile = p
	}
	if configFile != "" {
		fileValues, err := loadFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = withFallback(lookup, fileValues)
	}

	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	coordinatorURL := envOrDefault(lookup, envVarCoordinatorURL, DefaultCoordinatorURL)
	coordinatorPath := envOrDefault(lookup, envVarCoordinatorPath, DefaultCoordinatorPath)

	forwardTimeout, err := envDurationOrDefault(lookup, envVarForwardTimeout, DefaultForwardTimeout)
	if err != nil {
		return Config{}, err
	}
	teardownTimeout, err := envDurationOrDefault(lookup, envVarTeardownTimeout, DefaultTeardownTimeout)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxQueuedFrames, err := envIntOrDefault(lookup, envVarMaxQueuedFrames, DefaultMaxQueuedFrames)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	fs := flag.NewFlagSet("aero-signaling-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "Optional YAML or TOML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP/WebSocket listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&coordinatorURL, "coordinator-url", coordinatorURL, "Coordinator base URL (env "+envVarCoordinatorURL+")")
	fs.StringVar(&coordinatorPath, "coordinator-path", coordinatorPath, "Coordinator signaling endpoint path (env "+envVarCoordinatorPath+")")
	fs.DurationVar(&forwardTimeout, "forward-timeout", forwardTimeout, "Timeout for one negotiation exchange with the coordinator (env "+envVarForwardTimeout+")")
	fs.DurationVar(&teardownTimeout, "teardown-timeout", teardownTimeout, "Timeout for the close notice sent when a client disconnects (env "+envVarTeardownTimeout+")")

	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent client sessions (0 = unlimited)")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound WebSocket messages per second per connection (0 = unlimited; env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&maxQueuedFrames, "max-queued-frames", maxQueuedFrames, "Max frames buffered per connection behind an in-flight exchange (env "+envVarMaxQueuedFrames+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}

	if err := validateCoordinatorURL(coordinatorURL); err != nil {
		return Config{}, fmt.Errorf("invalid coordinator url %q: %w", coordinatorURL, err)
	}
	if !strings.HasPrefix(coordinatorPath, "/") {
		return Config{}, fmt.Errorf("invalid coordinator path %q (must start with /)", coordinatorPath)
	}

	if forwardTimeout <= 0 {
		return Config{}, fmt.Errorf("forward timeout must be > 0")
	}
	if teardownTimeout <= 0 {
		return Config{}, fmt.Errorf("teardown timeout must be > 0")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max signaling message bytes must be > 0")
	}
	if maxSignalingMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("max signaling messages per second must be >= 0")
	}
	if maxQueuedFrames <= 0 {
		return Config{}, fmt.Errorf("max queued frames must be > 0")
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("signaling ws idle timeout must be > 0")
	}
	if signalingWSPingInterval <= 0 || signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("signaling ws ping interval must be > 0 and < idle timeout (%s)", signalingWSIdleTimeout)
	}

	return Config{
		ListenAddr:      listenAddr,
		ConfigFile:      configFile,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		CoordinatorURL:  strings.TrimRight(strings.TrimSpace(coordinatorURL), "/"),
		CoordinatorPath: coordinatorPath,
		ForwardTimeout:  forwardTimeout,
		TeardownTimeout: teardownTimeout,

		MaxSessions:                   maxSessions,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		MaxQueuedFrames:               maxQueuedFrames,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func validateCoordinatorURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("must not carry a query or fragment")
	}
	return nil
}
