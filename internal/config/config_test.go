package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFromMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(lookupFromMap(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.MaxSignalMessageBytes != DefaultMaxSignalMessageBytes {
		t.Fatalf("MaxSignalMessageBytes = %d, want %d", cfg.MaxSignalMessageBytes, DefaultMaxSignalMessageBytes)
	}
	if cfg.ReconnectDelay != DefaultReconnectDelay {
		t.Fatalf("ReconnectDelay = %v, want %v", cfg.ReconnectDelay, DefaultReconnectDelay)
	}
	if cfg.MaxICERestarts != DefaultMaxICERestarts {
		t.Fatalf("MaxICERestarts = %d, want %d", cfg.MaxICERestarts, DefaultMaxICERestarts)
	}
	if cfg.RecordingWidth != DefaultRecordingWidth || cfg.RecordingHeight != DefaultRecordingHeight {
		t.Fatalf("recording resolution = %dx%d, want %dx%d",
			cfg.RecordingWidth, cfg.RecordingHeight, DefaultRecordingWidth, DefaultRecordingHeight)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("expected no ICE servers by default, got %#v", cfg.ICEServers)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()

	cfg, err := load(lookupFromMap(map[string]string{
		"MESHCALL_LISTEN_ADDR":           "0.0.0.0:9000",
		"MESHCALL_LOG_FORMAT":            "json",
		"MESHCALL_LOG_LEVEL":             "debug",
		"MAX_SIGNAL_MESSAGE_BYTES":       "1024",
		"MAX_SIGNAL_MESSAGES_PER_SECOND": "10",
		"PEER_RECONNECT_DELAY":           "2s",
		"PEER_MAX_ICE_RESTARTS":          "5",
		"RECORDING_FPS":                  "30",
		"ALLOWED_ORIGINS":                "https://a.example, https://b.example",
		"STUN_URLS":                      "stun:stun.example.com:3478",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.MaxSignalMessageBytes != 1024 {
		t.Fatalf("MaxSignalMessageBytes = %d, want 1024", cfg.MaxSignalMessageBytes)
	}
	if cfg.MaxSignalMessagesPerSecond != 10 {
		t.Fatalf("MaxSignalMessagesPerSecond = %d, want 10", cfg.MaxSignalMessagesPerSecond)
	}
	if cfg.ReconnectDelay != 2*time.Second {
		t.Fatalf("ReconnectDelay = %v, want 2s", cfg.ReconnectDelay)
	}
	if cfg.MaxICERestarts != 5 {
		t.Fatalf("MaxICERestarts = %d, want 5", cfg.MaxICERestarts)
	}
	if cfg.RecordingFPS != 30 {
		t.Fatalf("RecordingFPS = %d, want 30", cfg.RecordingFPS)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %#v", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers = %#v", cfg.ICEServers)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		env  map[string]string
	}{
		{"bad log format", map[string]string{"MESHCALL_LOG_FORMAT": "xml"}},
		{"bad duration", map[string]string{"PEER_RECONNECT_DELAY": "soon"}},
		{"bad int", map[string]string{"RECORDING_FPS": "fast"}},
		{"zero fps", map[string]string{"RECORDING_FPS": "0"}},
		{"negative payload ceiling", map[string]string{"MAX_SIGNAL_MESSAGE_BYTES": "-1"}},
		{"quality out of range", map[string]string{"RECORDING_JPEG_QUALITY": "250"}},
		{"turn without creds", map[string]string{"TURN_URLS": "turn:turn.example.com:3478"}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := load(lookupFromMap(tc.env)); err == nil {
				t.Fatalf("expected error for %v", tc.env)
			}
		})
	}
}
