package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/softframe/meshcall/internal/config"
	"github.com/softframe/meshcall/internal/metrics"
	"github.com/softframe/meshcall/internal/signaling"
)

func startTestServer(t *testing.T, cfg config.Config, m *metrics.Metrics, hub *signaling.Hub) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, m, hub, build)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, config.Config{ListenAddr: "127.0.0.1:0"}, nil, nil)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var body BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Commit != "abc" || body.BuildTime != "time" {
			t.Fatalf("body=%+v", body)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		},
	}
	baseURL := startTestServer(t, cfg, nil, nil)

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs     []string `json:"urls"`
			Username string   `json:"username"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 2 {
		t.Fatalf("servers=%d", len(body.ICEServers))
	}
	if body.ICEServers[1].Username != "u" {
		t.Fatalf("turn username=%q", body.ICEServers[1].Username)
	}
}

func TestICEEndpointEmptyListEncodesAsArray(t *testing.T) {
	baseURL := startTestServer(t, config.Config{ListenAddr: "127.0.0.1:0"}, nil, nil)

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty array", raw)
	}
}

func TestICEEndpointRejectsCrossOrigin(t *testing.T) {
	cfg := config.Config{
		ListenAddr:     "127.0.0.1:0",
		AllowedOrigins: []string{"https://call.example.com"},
	}
	baseURL := startTestServer(t, cfg, nil, nil)

	cases := []struct {
		origin     string
		wantStatus int
	}{
		{"", http.StatusOK},
		{"https://call.example.com", http.StatusOK},
		{"HTTPS://CALL.EXAMPLE.COM", http.StatusOK},
		{"https://evil.example.com", http.StatusForbidden},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
		if err != nil {
			t.Fatal(err)
		}
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.wantStatus {
			t.Fatalf("origin=%q: status=%d, want %d", tc.origin, resp.StatusCode, tc.wantStatus)
		}
		if tc.origin != "" && tc.wantStatus == http.StatusOK {
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.origin {
				t.Fatalf("origin=%q: allow-origin=%q", tc.origin, got)
			}
		}
	}
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	baseURL := startTestServer(t, config.Config{ListenAddr: "127.0.0.1:0"}, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("request id=%q, want echo", got)
	}

	resp, err = http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing generated request id")
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.SignalMessagesIn)
	baseURL := startTestServer(t, config.Config{ListenAddr: "127.0.0.1:0"}, m, nil)

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), metrics.SignalMessagesIn) {
		t.Fatalf("scrape output missing counter:\n%s", raw)
	}
}

func TestWebSocketSignalingRoundTrip(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	hub := signaling.NewHub(signaling.HubConfig{}, log, m)
	baseURL := startTestServer(t, config.Config{ListenAddr: "127.0.0.1:0"}, m, hub)

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http")

	alice, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/room-1?user=alice", nil)
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()
	bob, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws/room-1?user=bob", nil)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	env := signaling.Envelope{Type: signaling.TypeUserJoined, FromUserID: "alice"}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = bob.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := bob.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rx signaling.Envelope
	if err := json.Unmarshal(got, &rx); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rx.Type != signaling.TypeUserJoined || rx.FromUserID != "alice" {
		t.Fatalf("envelope=%+v", rx)
	}
}
