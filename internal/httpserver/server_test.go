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

	"github.com/ascapdx/callcore/internal/config"
	"github.com/ascapdx/callcore/internal/metrics"
	"github.com/ascapdx/callcore/internal/signaling"
)

func startTestServer(t *testing.T, cfg config.Relay, mount func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	m := metrics.New()
	m.Inc(metrics.Relayed)
	srv, err := New(cfg, log, build, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if mount != nil {
		mount(srv)
	}

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

func testRelayConfig() config.Relay {
	return config.Relay{
		Logging:         config.Logging{Mode: config.ModeDev, LogFormat: config.LogFormatText, LogLevel: slog.LevelInfo},
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: 2 * time.Second,
	}
}

func getJSON(t *testing.T, url string, header http.Header, v any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testRelayConfig(), nil)

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/healthz", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Fatalf("missing X-Request-ID")
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/readyz", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		resp := getJSON(t, baseURL+"/version", nil, &got)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id echoed", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/healthz", http.Header{"X-Request-Id": {"req-1"}}, nil)
		if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
			t.Fatalf("X-Request-ID=%q, want req-1", got)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp := getJSON(t, baseURL+"/metrics", nil, nil)
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), `ascapdx_signal_relay_events_total{event="signaling_relayed"} 1`) {
			t.Fatalf("metrics body=%s", body)
		}
	})
}

func TestICEEndpoint(t *testing.T) {
	cfg := testRelayConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg, nil)

	var body struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if len(body.ICEServers) != 2 || body.ICEServers[1].Username != "user" || body.ICEServers[1].Credential != "pass" {
		t.Fatalf("iceServers=%+v", body.ICEServers)
	}
}

func TestICEEndpointEmptyList(t *testing.T) {
	baseURL := startTestServer(t, testRelayConfig(), nil)
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, nil)
	raw, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(raw)) != `{"iceServers":[]}` {
		t.Fatalf("body=%s, want an empty list", raw)
	}
}

func TestICEEndpointMintsTURNCredentials(t *testing.T) {
	cfg := testRelayConfig()
	cfg.TURNRESTSecret = "turn-secret"
	cfg.TURNRESTTTL = time.Hour
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "static", Credential: "static"},
	}
	baseURL := startTestServer(t, cfg, nil)

	var body struct {
		ICEServers []struct {
			Username   string `json:"username"`
			Credential string `json:"credential"`
		} `json:"iceServers"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, &body)
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q", got)
	}
	turn := body.ICEServers[1]
	if turn.Username == "static" || !strings.Contains(turn.Username, ":ascapdx:") || turn.Credential == "" {
		t.Fatalf("turn server=%+v, want minted credentials", turn)
	}
	if body.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", body.ICEServers[0])
	}
}

func TestOriginPolicy(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    int
	}{
		{"no origin", nil, "", http.StatusOK},
		{"same host", nil, "http://{host}", http.StatusOK},
		{"other host", nil, "https://evil.example.com", http.StatusForbidden},
		{"malformed", nil, "https://example.com/path", http.StatusForbidden},
		{"listed", []string{"https://app.example.com"}, "https://APP.example.com", http.StatusOK},
		{"not listed", []string{"https://app.example.com"}, "https://other.example.com", http.StatusForbidden},
		{"wildcard", []string{"*"}, "https://anything.example.com", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testRelayConfig()
			cfg.AllowedOrigins = tc.allowed
			baseURL := startTestServer(t, cfg, nil)

			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", strings.ReplaceAll(tc.origin, "{host}", strings.TrimPrefix(baseURL, "http://")))
			}
			resp := getJSON(t, baseURL+"/webrtc/ice", header, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tc.want)
			}
			if tc.want == http.StatusOK && tc.origin != "" && resp.Header.Get("Access-Control-Allow-Origin") == "" {
				t.Fatalf("missing CORS header")
			}
		})
	}
}

func TestOriginAllowedIgnoresSchemeAndDefaultPort(t *testing.T) {
	if !originAllowed("https://relay.example.com", "relay.example.com:443", nil) {
		t.Fatalf("https default port not treated as equal")
	}
	if !originAllowed("https://relay.example.com", "relay.example.com", nil) {
		t.Fatalf("scheme should not matter behind a TLS proxy")
	}
	if originAllowed("http://relay.example.com:8080", "relay.example.com", nil) {
		t.Fatalf("different port allowed")
	}
}

func TestSignalingUpgradeThroughMiddleware(t *testing.T) {
	var relay *signaling.Server
	baseURL := startTestServer(t, testRelayConfig(), func(s *Server) {
		relay = signaling.NewServer(signaling.ServerConfig{
			Metrics:     metrics.New(),
			Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
			CheckOrigin: s.OriginAllowed,
		})
		relay.RegisterRoutes(s.Mux())
	})
	t.Cleanup(relay.Close)

	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/signal"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	conn.Close()

	_, resp, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatalf("dial with foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
}
