package config

import (
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func agentEnv(extra map[string]string) func(string) (string, bool) {
	m := map[string]string{envVarUser: "alice"}
	for k, v := range extra {
		m[k] = v
	}
	return lookupMap(m)
}

func TestAgentDefaultsDev(t *testing.T) {
	cfg, err := loadAgent(agentEnv(nil), nil)
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.User != "alice" {
		t.Fatalf("user=%q, want %q", cfg.User, "alice")
	}
	if cfg.CallType != DefaultCallType {
		t.Fatalf("callType=%q, want %q", cfg.CallType, DefaultCallType)
	}
	if cfg.QualityProfile != DefaultQualityProfile {
		t.Fatalf("qualityProfile=%q, want %q", cfg.QualityProfile, DefaultQualityProfile)
	}
	if cfg.RingTimeout != 30*time.Second {
		t.Fatalf("ringTimeout=%v, want %v", cfg.RingTimeout, 30*time.Second)
	}
	if cfg.Network.UDPPortRange != nil {
		t.Fatalf("expected UDPPortRange unset, got %+v", *cfg.Network.UDPPortRange)
	}
	if !cfg.Network.UDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("UDPListenIP=%v, want 0.0.0.0", cfg.Network.UDPListenIP)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("redisAddr=%q, want empty", cfg.RedisAddr)
	}
}

func TestAgentRequiresUser(t *testing.T) {
	_, err := loadAgent(lookupMap(nil), nil)
	if err == nil || !strings.Contains(err.Error(), "user handle is required") {
		t.Fatalf("err=%v, want missing user error", err)
	}
}

func TestAgentProdWhenModeFlagSet(t *testing.T) {
	cfg, err := loadAgent(agentEnv(nil), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestAgentEnvLogFormatWinsOverMode(t *testing.T) {
	cfg, err := loadAgent(agentEnv(map[string]string{
		envVarMode:      "prod",
		envVarLogFormat: "text",
	}), nil)
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestAgentFlagsOverrideEnv(t *testing.T) {
	cfg, err := loadAgent(agentEnv(map[string]string{
		envVarCallType:    "voice",
		envVarRingTimeout: "10s",
	}), []string{"--call-type", "VIDEO", "--ring-timeout", "5s", "--quality", "best"})
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.CallType != "video" {
		t.Fatalf("callType=%q, want %q", cfg.CallType, "video")
	}
	if cfg.RingTimeout != 5*time.Second {
		t.Fatalf("ringTimeout=%v, want %v", cfg.RingTimeout, 5*time.Second)
	}
	if cfg.QualityProfile != "best" {
		t.Fatalf("qualityProfile=%q, want %q", cfg.QualityProfile, "best")
	}
}

func TestAgentRejectsInvalidValues(t *testing.T) {
	for name, tc := range map[string]struct {
		env  map[string]string
		args []string
	}{
		"call type":        {args: []string{"--call-type", "fax"}},
		"ring timeout":     {env: map[string]string{envVarRingTimeout: "soon"}},
		"zero ring":        {args: []string{"--ring-timeout", "0s"}},
		"port min only":    {env: map[string]string{envVarWebRTCUDPPortMin: "50000"}},
		"inverted ports":   {args: []string{"--webrtc-udp-port-min", "50010", "--webrtc-udp-port-max", "50000"}},
		"listen ip":        {args: []string{"--webrtc-udp-listen-ip", "not-an-ip"}},
		"nat ip":           {env: map[string]string{envVarWebRTCNAT1To1IPs: "1.2.3.4,nope"}},
		"signal origin":    {args: []string{"--signal-origin", "ftp://relay.example.com"}},
		"backoff inverted": {args: []string{"--signal-reconnect-min", "10s", "--signal-reconnect-max", "1s"}},
		"log level":        {args: []string{"--log-level", "loud"}},
	} {
		if _, err := loadAgent(agentEnv(tc.env), tc.args); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestAgentWebRTCNetwork(t *testing.T) {
	cfg, err := loadAgent(agentEnv(map[string]string{
		envVarWebRTCUDPPortMin:  "50000",
		envVarWebRTCUDPPortMax:  "50100",
		envVarWebRTCNAT1To1IPs:  "203.0.113.10, 2001:db8::1",
		envVarWebRTCUDPListenIP: "10.0.0.5",
	}), nil)
	if err != nil {
		t.Fatalf("loadAgent: %v", err)
	}
	if cfg.Network.UDPPortRange == nil || cfg.Network.UDPPortRange.Min != 50000 || cfg.Network.UDPPortRange.Max != 50100 {
		t.Fatalf("UDPPortRange=%+v, want 50000-50100", cfg.Network.UDPPortRange)
	}
	if len(cfg.Network.NAT1To1IPs) != 2 || cfg.Network.NAT1To1IPs[0] != "203.0.113.10" {
		t.Fatalf("NAT1To1IPs=%v", cfg.Network.NAT1To1IPs)
	}
	if !cfg.Network.UDPListenIP.Equal(net.ParseIP("10.0.0.5")) {
		t.Fatalf("UDPListenIP=%v, want 10.0.0.5", cfg.Network.UDPListenIP)
	}
}

func TestAgentSignalURL(t *testing.T) {
	for origin, want := range map[string]string{
		"http://127.0.0.1:8080":          "ws://127.0.0.1:8080/signal",
		"https://signal.example.com/":    "wss://signal.example.com/signal",
		"https://example.com/relay":      "wss://example.com/relay/signal",
		"wss://signal.example.com:8443/": "wss://signal.example.com:8443/signal",
	} {
		got, err := Agent{SignalOrigin: origin}.SignalURL()
		if err != nil {
			t.Fatalf("SignalURL(%q): %v", origin, err)
		}
		if got != want {
			t.Fatalf("SignalURL(%q)=%q, want %q", origin, got, want)
		}
	}
}

func TestRelayDefaults(t *testing.T) {
	cfg, err := loadRelay(lookupMap(nil), nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.SignalingPingInterval != DefaultSignalingPingInterval {
		t.Fatalf("SignalingPingInterval=%v, want %v", cfg.SignalingPingInterval, DefaultSignalingPingInterval)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins=%v, want empty", cfg.AllowedOrigins)
	}
}

func TestRelayJWTRequiresSecret(t *testing.T) {
	if _, err := loadRelay(lookupMap(map[string]string{envVarAuthMode: "jwt"}), nil); err == nil {
		t.Fatalf("expected error for jwt mode without secret")
	}
	cfg, err := loadRelay(lookupMap(map[string]string{envVarAuthMode: "JWT", envVarJWTSecret: "s3cret"}), nil)
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.AuthMode != AuthModeJWT {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeJWT)
	}
}

func TestRelayAllowedOriginsNormalized(t *testing.T) {
	cfg, err := loadRelay(lookupMap(nil), []string{"--allowed-origins", "HTTPS://App.Example.com, *"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://app.example.com" || cfg.AllowedOrigins[1] != "*" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if _, err := loadRelay(lookupMap(nil), []string{"--allowed-origins", "https://example.com/path"}); err == nil {
		t.Fatalf("expected error for origin with path")
	}
}

func TestRelayTURNREST(t *testing.T) {
	cfg, err := loadRelay(lookupMap(map[string]string{envVarTURNRESTSecret: "turn-secret"}), []string{"--turn-rest-ttl", "2h"})
	if err != nil {
		t.Fatalf("loadRelay: %v", err)
	}
	if cfg.TURNRESTSecret != "turn-secret" || cfg.TURNRESTTTL != 2*time.Hour {
		t.Fatalf("secret=%q ttl=%v", cfg.TURNRESTSecret, cfg.TURNRESTTTL)
	}
	// Minted credentials replace static ones, so TURN URLs may omit them.
	cfg, err = loadRelay(lookupMap(map[string]string{envVarTURNRESTSecret: "turn-secret", envTurnURLs: "turn:turn.example.com:3478"}), nil)
	if err != nil {
		t.Fatalf("loadRelay with credential-less TURN: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].Username != "" {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
	if _, err := loadRelay(lookupMap(map[string]string{envTurnURLs: "turn:turn.example.com:3478"}), nil); err == nil {
		t.Fatalf("expected error for TURN without credentials or secret")
	}
	if _, err := loadRelay(lookupMap(nil), []string{"--turn-rest-ttl", "10ms"}); err == nil {
		t.Fatalf("expected error for sub-second ttl")
	}
}

func TestRelayPingMustBeBelowIdle(t *testing.T) {
	_, err := loadRelay(lookupMap(nil), []string{"--signaling-idle-timeout", "5s", "--signaling-ping-interval", "5s"})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestNormalizeOrigin(t *testing.T) {
	for raw, want := range map[string]string{
		"https://Example.COM":       "https://example.com",
		"http://localhost:3000/":    "http://localhost:3000",
		"https://user@example.com":  "",
		"ws://example.com":          "",
		"https://example.com/?q=1":  "",
		"https://example.com/a/b/c": "",
	} {
		got, ok := NormalizeOrigin(raw)
		if want == "" {
			if ok {
				t.Fatalf("NormalizeOrigin(%q)=%q, want rejection", raw, got)
			}
			continue
		}
		if !ok || got != want {
			t.Fatalf("NormalizeOrigin(%q)=%q,%v, want %q", raw, got, ok, want)
		}
	}
}
