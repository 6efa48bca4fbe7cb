package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk form of the settings. Every value is optional and
// sits below env vars and flags in precedence. Durations use Go syntax
// ("5s", "750ms").
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr" toml:"listen_addr"`
	Mode            string   `yaml:"mode" toml:"mode"`
	LogFormat       string   `yaml:"log_format" toml:"log_format"`
	LogLevel        string   `yaml:"log_level" toml:"log_level"`
	ShutdownTimeout string   `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins" toml:"allowed_origins"`

	Coordinator struct {
		URL             string `yaml:"url" toml:"url"`
		Path            string `yaml:"path" toml:"path"`
		ForwardTimeout  string `yaml:"forward_timeout" toml:"forward_timeout"`
		TeardownTimeout string `yaml:"teardown_timeout" toml:"teardown_timeout"`
	} `yaml:"coordinator" toml:"coordinator"`

	WebSocket struct {
		MaxSessions          *int   `yaml:"max_sessions" toml:"max_sessions"`
		MaxMessageBytes      *int64 `yaml:"max_message_bytes" toml:"max_message_bytes"`
		MaxMessagesPerSecond *int   `yaml:"max_messages_per_second" toml:"max_messages_per_second"`
		MaxQueuedFrames      *int   `yaml:"max_queued_frames" toml:"max_queued_frames"`
		IdleTimeout          string `yaml:"idle_timeout" toml:"idle_timeout"`
		PingInterval         string `yaml:"ping_interval" toml:"ping_interval"`
	} `yaml:"websocket" toml:"websocket"`
}

// loadFile reads path and flattens it into env-var keyed values.
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse config file %s: unknown key %q", path, undecoded[0].String())
		}
	default:
		return nil, fmt.Errorf("config file %s: unsupported extension (expected .yaml, .yml or .toml)", path)
	}

	out := map[string]string{
		envVarListenAddr:              fc.ListenAddr,
		envVarMode:                    fc.Mode,
		envVarLogFormat:               fc.LogFormat,
		envVarLogLevel:                fc.LogLevel,
		envVarShutdownTimeout:         fc.ShutdownTimeout,
		envVarAllowedOrigins:          strings.Join(fc.AllowedOrigins, ","),
		envVarCoordinatorURL:          fc.Coordinator.URL,
		envVarCoordinatorPath:         fc.Coordinator.Path,
		envVarForwardTimeout:          fc.Coordinator.ForwardTimeout,
		envVarTeardownTimeout:         fc.Coordinator.TeardownTimeout,
		envVarSignalingWSIdleTimeout:  fc.WebSocket.IdleTimeout,
		envVarSignalingWSPingInterval: fc.WebSocket.PingInterval,
	}
	if v := fc.WebSocket.MaxSessions; v != nil {
		out[envVarMaxSessions] = strconv.Itoa(*v)
	}
	if v := fc.WebSocket.MaxMessageBytes; v != nil {
		out[envVarMaxSignalingMessageBytes] = strconv.FormatInt(*v, 10)
	}
	if v := fc.WebSocket.MaxMessagesPerSecond; v != nil {
		out[envVarMaxSignalingMessagesPerSecond] = strconv.Itoa(*v)
	}
	if v := fc.WebSocket.MaxQueuedFrames; v != nil {
		out[envVarMaxQueuedFrames] = strconv.Itoa(*v)
	}
	for k, v := range out {
		if v == "" {
			delete(out, k)
		}
	}
	return out, nil
}

// withFallback consults fallback only for keys lookup leaves unset or empty.
func withFallback(lookup func(string) (string, bool), fallback map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		v, ok := fallback[key]
		return v, ok
	}
}

// configPathFromArgs finds --config before the flag set is built, because the
// file feeds the flag defaults.
func configPathFromArgs(args []string) (string, bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return "", false
		}
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.TrimLeft(arg, "-")
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v, true
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}
