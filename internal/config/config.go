// Package config loads relay configuration from environment variables and
// flags. Flags win over environment values; both win over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "CLASSMEET_LISTEN_ADDR"
	envVarLogFormat       = "CLASSMEET_LOG_FORMAT"
	envVarLogLevel        = "CLASSMEET_LOG_LEVEL"
	envVarShutdownTimeout = "CLASSMEET_SHUTDOWN_TIMEOUT"

	envVarAuthMode  = "CLASSMEET_AUTH_MODE"
	envVarAPIKey    = "CLASSMEET_API_KEY"
	envVarJWTSecret = "CLASSMEET_JWT_SECRET"

	envVarMaxMembersPerRoom             = "CLASSMEET_MAX_MEMBERS_PER_ROOM"
	envVarMaxSignalingMessageBytes      = "CLASSMEET_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "CLASSMEET_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingAuthTimeout          = "CLASSMEET_SIGNALING_AUTH_TIMEOUT"

	envVarTURNRESTSharedSecret   = "CLASSMEET_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "CLASSMEET_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "CLASSMEET_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr = "127.0.0.1:8080"
	DefaultShutdown   = 10 * time.Second

	DefaultMaxMembersPerRoom             = 32
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingAuthTimeout          = 10 * time.Second

	DefaultTURNRESTTTLSeconds     = int64(3600)
	DefaultTURNRESTUsernamePrefix = "classmeet"
)

type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

// TurnRESTConfig configures minting of coturn-compatible TURN REST
// credentials on the /webrtc/ice endpoint.
type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool { return c.SharedSecret != "" }

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	MaxMembersPerRoom             int
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingAuthTimeout          time.Duration

	ICEServers []webrtc.ICEServer
	TurnREST   TurnRESTConfig
}

// ICEConfigError reports why the ICE configuration is unusable, or nil.
// Coordinators cannot traverse NAT without at least one rendezvous server, so
// an empty list is a configuration fault rather than something to paper over.
func (c Config) ICEConfigError() error {
	if len(c.ICEServers) == 0 {
		return fmt.Errorf("no ICE servers configured (set %s or %s)", envICEServersJSON, envStunURLs)
	}
	return nil
}

// HasTURN reports whether any configured ICE server is a TURN relay.
func (c Config) HasTURN() bool {
	for _, server := range c.ICEServers {
		for _, url := range server.URLs {
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				return true
			}
		}
	}
	return c.TurnREST.Enabled()
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Config{
		ListenAddr:                    envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		ShutdownTimeout:               DefaultShutdown,
		MaxMembersPerRoom:             DefaultMaxMembersPerRoom,
		MaxSignalingMessageBytes:      DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: DefaultMaxSignalingMessagesPerSecond,
		SignalingAuthTimeout:          DefaultSignalingAuthTimeout,
	}

	var err error
	if cfg.LogFormat, err = parseLogFormat(envOrDefault(lookup, envVarLogFormat, string(LogFormatJSON))); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = parseLogLevel(envOrDefault(lookup, envVarLogLevel, "info")); err != nil {
		return Config{}, err
	}
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		cfg.ShutdownTimeout = d
	}
	if raw, ok := lookup(envVarSignalingAuthTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSignalingAuthTimeout, raw, err)
		}
		cfg.SignalingAuthTimeout = d
	}

	if cfg.MaxMembersPerRoom, err = envIntOrDefault(lookup, envVarMaxMembersPerRoom, DefaultMaxMembersPerRoom); err != nil {
		return Config{}, err
	}
	maxMsgBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxSignalingMessageBytes = int64(maxMsgBytes)
	if cfg.MaxSignalingMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond); err != nil {
		return Config{}, err
	}

	if cfg.AuthMode, err = parseAuthMode(envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))); err != nil {
		return Config{}, err
	}
	cfg.APIKey = envOrDefault(lookup, envVarAPIKey, "")
	cfg.JWTSecret = envOrDefault(lookup, envVarJWTSecret, "")
	switch cfg.AuthMode {
	case AuthModeAPIKey:
		if cfg.APIKey == "" {
			return Config{}, fmt.Errorf("%s=api_key requires %s", envVarAuthMode, envVarAPIKey)
		}
	case AuthModeJWT:
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
		}
	}

	if cfg.ICEServers, err = parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, ""),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
	); err != nil {
		return Config{}, err
	}

	cfg.TurnREST = TurnRESTConfig{
		SharedSecret:   envOrDefault(lookup, envVarTURNRESTSharedSecret, ""),
		TTLSeconds:     DefaultTURNRESTTTLSeconds,
		UsernamePrefix: envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
	}
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envVarTURNRESTTTLSeconds, raw)
		}
		cfg.TurnREST.TTLSeconds = n
	}

	fs := flag.NewFlagSet("classmeet-relay", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.IntVar(&cfg.MaxMembersPerRoom, "max-members-per-room", cfg.MaxMembersPerRoom, "maximum members per room (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
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

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatJSON:
		return LogFormatJSON, nil
	case LogFormatText:
		return LogFormatText, nil
	default:
		return "", fmt.Errorf("invalid %s %q (want json or text)", envVarLogFormat, raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid %s %q", envVarLogLevel, raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(raw))) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeAPIKey:
		return AuthModeAPIKey, nil
	case AuthModeJWT:
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (want none, api_key or jwt)", envVarAuthMode, raw)
	}
}
