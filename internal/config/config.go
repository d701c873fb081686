package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "MESHCALL_LISTEN_ADDR"
	envVarLogFormat       = "MESHCALL_LOG_FORMAT"
	envVarLogLevel        = "MESHCALL_LOG_LEVEL"
	envVarShutdownTimeout = "MESHCALL_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// ICE servers for peer connections.
	envVarStunURLs       = "STUN_URLS"
	envVarTurnURLs       = "TURN_URLS"
	envVarTurnUsername   = "TURN_USERNAME"
	envVarTurnCredential = "TURN_CREDENTIAL"

	// Signaling channel knobs.
	envVarMaxSignalMessageBytes      = "MAX_SIGNAL_MESSAGE_BYTES"
	envVarMaxSignalMessagesPerSecond = "MAX_SIGNAL_MESSAGES_PER_SECOND"
	envVarSignalWriteTimeout         = "SIGNAL_WRITE_TIMEOUT"
	envVarSignalPingInterval         = "SIGNAL_PING_INTERVAL"
	envVarSignalIdleTimeout          = "SIGNAL_IDLE_TIMEOUT"

	// Peer connection recovery knobs.
	envVarReconnectDelay = "PEER_RECONNECT_DELAY"
	envVarMaxICERestarts = "PEER_MAX_ICE_RESTARTS"

	// Composite recording knobs.
	envVarRecordingWidth         = "RECORDING_WIDTH"
	envVarRecordingHeight        = "RECORDING_HEIGHT"
	envVarRecordingFPS           = "RECORDING_FPS"
	envVarRecordingMaxPerRow     = "RECORDING_MAX_TILES_PER_ROW"
	envVarRecordingChunkInterval = "RECORDING_CHUNK_INTERVAL"
	envVarRecordingJPEGQuality   = "RECORDING_JPEG_QUALITY"
)

const (
	DefaultListenAddr      = "127.0.0.1:8090"
	DefaultShutdownTimeout = 15 * time.Second

	// DefaultMaxSignalMessageBytes is the signaling transport payload ceiling.
	// Envelopes above this size are replaced with a signal-fallback control
	// message that moves the exchange onto the peer's data channel.
	DefaultMaxSignalMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalMessagesPerSecond = 50
	DefaultSignalWriteTimeout         = 1 * time.Second
	DefaultSignalPingInterval         = 20 * time.Second
	DefaultSignalIdleTimeout          = 60 * time.Second

	// DefaultReconnectDelay is how long a pairing may sit in "disconnected"
	// before an ICE restart offer is issued.
	DefaultReconnectDelay = 10 * time.Second
	DefaultMaxICERestarts = 3

	DefaultRecordingWidth         = 1280
	DefaultRecordingHeight        = 720
	DefaultRecordingFPS           = 24
	DefaultRecordingMaxPerRow     = 4
	DefaultRecordingChunkInterval = 1 * time.Second
	DefaultRecordingJPEGQuality   = 80
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	ICEServers []webrtc.ICEServer

	MaxSignalMessageBytes      int64
	MaxSignalMessagesPerSecond int
	SignalWriteTimeout         time.Duration
	SignalPingInterval         time.Duration
	SignalIdleTimeout          time.Duration

	ReconnectDelay time.Duration
	MaxICERestarts int

	RecordingWidth         int
	RecordingHeight        int
	RecordingFPS           int
	RecordingMaxPerRow     int
	RecordingChunkInterval time.Duration
	RecordingJPEGQuality   int
}

func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:                 envOrDefault(lookup, envVarListenAddr, DefaultListenAddr),
		LogFormat:                  LogFormatText,
		LogLevel:                   slog.LevelInfo,
		ShutdownTimeout:            DefaultShutdownTimeout,
		MaxSignalMessageBytes:      DefaultMaxSignalMessageBytes,
		MaxSignalMessagesPerSecond: DefaultMaxSignalMessagesPerSecond,
		SignalWriteTimeout:         DefaultSignalWriteTimeout,
		SignalPingInterval:         DefaultSignalPingInterval,
		SignalIdleTimeout:          DefaultSignalIdleTimeout,
		ReconnectDelay:             DefaultReconnectDelay,
		MaxICERestarts:             DefaultMaxICERestarts,
		RecordingWidth:             DefaultRecordingWidth,
		RecordingHeight:            DefaultRecordingHeight,
		RecordingFPS:               DefaultRecordingFPS,
		RecordingMaxPerRow:         DefaultRecordingMaxPerRow,
		RecordingChunkInterval:     DefaultRecordingChunkInterval,
		RecordingJPEGQuality:       DefaultRecordingJPEGQuality,
	}

	if raw, ok := lookup(envVarLogFormat); ok && raw != "" {
		switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
		case LogFormatText:
			cfg.LogFormat = LogFormatText
		case LogFormatJSON:
			cfg.LogFormat = LogFormatJSON
		default:
			return Config{}, fmt.Errorf("invalid %s %q", envVarLogFormat, raw)
		}
	}
	if raw, ok := lookup(envVarLogLevel); ok && raw != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarLogLevel, raw, err)
		}
		cfg.LogLevel = lvl
	}

	if origins := envOrDefault(lookup, envVarAllowedOrigins, ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	ice, err := iceServersFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}
	cfg.ICEServers = ice

	var errs []error
	appendErr := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg.ShutdownTimeout, err = envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	appendErr(err)
	cfg.SignalWriteTimeout, err = envDurationOrDefault(lookup, envVarSignalWriteTimeout, DefaultSignalWriteTimeout)
	appendErr(err)
	cfg.SignalPingInterval, err = envDurationOrDefault(lookup, envVarSignalPingInterval, DefaultSignalPingInterval)
	appendErr(err)
	cfg.SignalIdleTimeout, err = envDurationOrDefault(lookup, envVarSignalIdleTimeout, DefaultSignalIdleTimeout)
	appendErr(err)
	cfg.ReconnectDelay, err = envDurationOrDefault(lookup, envVarReconnectDelay, DefaultReconnectDelay)
	appendErr(err)
	cfg.RecordingChunkInterval, err = envDurationOrDefault(lookup, envVarRecordingChunkInterval, DefaultRecordingChunkInterval)
	appendErr(err)

	cfg.MaxSignalMessagesPerSecond, err = envIntOrDefault(lookup, envVarMaxSignalMessagesPerSecond, DefaultMaxSignalMessagesPerSecond)
	appendErr(err)
	cfg.MaxICERestarts, err = envIntOrDefault(lookup, envVarMaxICERestarts, DefaultMaxICERestarts)
	appendErr(err)
	cfg.RecordingWidth, err = envIntOrDefault(lookup, envVarRecordingWidth, DefaultRecordingWidth)
	appendErr(err)
	cfg.RecordingHeight, err = envIntOrDefault(lookup, envVarRecordingHeight, DefaultRecordingHeight)
	appendErr(err)
	cfg.RecordingFPS, err = envIntOrDefault(lookup, envVarRecordingFPS, DefaultRecordingFPS)
	appendErr(err)
	cfg.RecordingMaxPerRow, err = envIntOrDefault(lookup, envVarRecordingMaxPerRow, DefaultRecordingMaxPerRow)
	appendErr(err)
	cfg.RecordingJPEGQuality, err = envIntOrDefault(lookup, envVarRecordingJPEGQuality, DefaultRecordingJPEGQuality)
	appendErr(err)

	if raw, ok := lookup(envVarMaxSignalMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalMessageBytes, raw, err)
		}
		cfg.MaxSignalMessageBytes = n
	}

	if len(errs) > 0 {
		return Config{}, errs[0]
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.MaxSignalMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalMessageBytes)
	}
	if c.MaxSignalMessagesPerSecond <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalMessagesPerSecond)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("%s must be positive", envVarReconnectDelay)
	}
	if c.MaxICERestarts < 0 {
		return fmt.Errorf("%s must not be negative", envVarMaxICERestarts)
	}
	if c.RecordingWidth <= 0 || c.RecordingHeight <= 0 {
		return fmt.Errorf("recording resolution must be positive, got %dx%d", c.RecordingWidth, c.RecordingHeight)
	}
	if c.RecordingFPS <= 0 {
		return fmt.Errorf("%s must be positive", envVarRecordingFPS)
	}
	if c.RecordingMaxPerRow <= 0 {
		return fmt.Errorf("%s must be positive", envVarRecordingMaxPerRow)
	}
	if c.RecordingJPEGQuality < 1 || c.RecordingJPEGQuality > 100 {
		return fmt.Errorf("%s must be in [1,100]", envVarRecordingJPEGQuality)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

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
