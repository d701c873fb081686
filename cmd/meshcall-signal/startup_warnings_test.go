package main

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/config"
)

type recordedLog struct {
	level slog.Level
	msg   string
	attrs map[string]any
}

type recordingHandler struct {
	mu      *sync.Mutex
	records *[]recordedLog
	attrs   []slog.Attr
}

func newRecordingLogger() (*slog.Logger, func() []recordedLog) {
	mu := &sync.Mutex{}
	records := &[]recordedLog{}
	h := &recordingHandler{mu: mu, records: records}
	logger := slog.New(h)
	return logger, func() []recordedLog {
		mu.Lock()
		defer mu.Unlock()
		out := make([]recordedLog, len(*records))
		copy(out, *records)
		return out
	}
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	rec := recordedLog{
		level: r.Level,
		msg:   r.Message,
		attrs: map[string]any{},
	}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	*h.records = append(*h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &recordingHandler{mu: h.mu, records: h.records}
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return nh
}

func (h *recordingHandler) WithGroup(string) slog.Handler {
	return h
}

func warningCodes(records []recordedLog) map[string]bool {
	codes := map[string]bool{}
	for _, r := range records {
		if r.level != slog.LevelWarn {
			continue
		}
		if code, ok := r.attrs["warning_code"].(string); ok {
			codes[code] = true
		}
	}
	return codes
}

func turnConfig() config.Config {
	return config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		},
	}
}

func TestStartupWarnings_AllowedOriginsEmpty(t *testing.T) {
	logger, records := newRecordingLogger()

	logStartupWarnings(logger, turnConfig())

	if !warningCodes(records())["allowed_origins_empty"] {
		t.Fatalf("expected warning_code=allowed_origins_empty, got %#v", records())
	}
}

func TestStartupWarnings_AllowedOriginsWildcard(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := turnConfig()
	cfg.AllowedOrigins = []string{"*"}
	logStartupWarnings(logger, cfg)

	codes := warningCodes(records())
	if !codes["allowed_origins_wildcard"] {
		t.Fatalf("expected warning_code=allowed_origins_wildcard, got %#v", records())
	}
	if codes["allowed_origins_empty"] {
		t.Fatal("empty-allowlist warning alongside wildcard warning")
	}
}

func TestStartupWarnings_NoTURNServers(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := config.Config{
		AllowedOrigins: []string{"https://call.example.com"},
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
		},
	}
	logStartupWarnings(logger, cfg)

	if !warningCodes(records())["no_turn_servers"] {
		t.Fatalf("expected warning_code=no_turn_servers, got %#v", records())
	}
}

func TestStartupWarnings_CleanConfigIsSilent(t *testing.T) {
	logger, records := newRecordingLogger()

	cfg := turnConfig()
	cfg.AllowedOrigins = []string{"https://call.example.com"}
	logStartupWarnings(logger, cfg)

	if codes := warningCodes(records()); len(codes) != 0 {
		t.Fatalf("unexpected warnings: %#v", codes)
	}
}
