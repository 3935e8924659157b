package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarListenAddr      = "ASCAPDX_RELAY_LISTEN_ADDR"
	envVarShutdownTimeout = "ASCAPDX_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ASCAPDX_RELAY_ALLOWED_ORIGINS"
	envVarAuthMode        = "ASCAPDX_RELAY_AUTH_MODE"
	envVarJWTSecret       = "ASCAPDX_RELAY_JWT_SECRET"
	envVarTURNRESTSecret  = "ASCAPDX_TURN_REST_SECRET"
	envVarTURNRESTTTL     = "ASCAPDX_TURN_REST_TTL"

	envVarSignalingIdleTimeout     = "ASCAPDX_SIGNALING_IDLE_TIMEOUT"
	envVarSignalingPingInterval    = "ASCAPDX_SIGNALING_PING_INTERVAL"
	envVarSignalingRegisterTimeout = "ASCAPDX_SIGNALING_REGISTER_TIMEOUT"
	envVarMaxSignalingMessageBytes = "ASCAPDX_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerS = "ASCAPDX_MAX_SIGNALING_MESSAGES_PER_SECOND"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultSignalingIdleTimeout     = 60 * time.Second
	DefaultSignalingPingInterval    = 20 * time.Second
	DefaultSignalingRegisterTimeout = 5 * time.Second
	// SDP offers with many candidates comfortably fit in 64KiB.
	DefaultMaxSignalingMessageBytes      = 64 * 1024
	DefaultMaxSignalingMessagesPerSecond = 50
)

type AuthMode string

const (
	// AuthModeNone trusts the handle a client announces in register.
	AuthModeNone AuthMode = "none"
	// AuthModeJWT binds the connection to the token's sub claim.
	AuthModeJWT AuthMode = "jwt"
)

// Relay configures cmd/ascapdx-signal-relay.
type Relay struct {
	Logging

	ListenAddr      string
	ShutdownTimeout time.Duration

	// AllowedOrigins holds normalized origins. Empty allows requests without an
	// Origin header and same-host origins only; "*" allows any origin.
	AllowedOrigins []string

	AuthMode  AuthMode
	JWTSecret string

	// ICEServers are served to clients from GET /webrtc/ice.
	ICEServers []webrtc.ICEServer

	// TURNRESTSecret, when set, makes /webrtc/ice mint coturn REST credentials
	// for the TURN servers instead of serving the static ones.
	TURNRESTSecret string
	TURNRESTTTL    time.Duration

	SignalingIdleTimeout          time.Duration
	SignalingPingInterval         time.Duration
	SignalingRegisterTimeout      time.Duration
	MaxSignalingMessageBytes      int
	MaxSignalingMessagesPerSecond int
}

func LoadRelay(args []string) (Relay, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(lookup func(string) (string, bool), args []string) (Relay, error) {
	logDefaults := readLoggingDefaults(lookup)
	ice := readICEValues(lookup)

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	authModeStr := envOrDefault(lookup, envVarAuthMode, string(AuthModeNone))
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSecret, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Relay{}, err
	}
	turnRESTTTL, err := envDurationOrDefault(lookup, envVarTURNRESTTTL, 24*time.Hour)
	if err != nil {
		return Relay{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingIdleTimeout, DefaultSignalingIdleTimeout)
	if err != nil {
		return Relay{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Relay{}, err
	}
	registerTimeout, err := envDurationOrDefault(lookup, envVarSignalingRegisterTimeout, DefaultSignalingRegisterTimeout)
	if err != nil {
		return Relay{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	if err != nil {
		return Relay{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerS, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Relay{}, err
	}

	fs := flag.NewFlagSet("ascapdx-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string
	fs.StringVar(&modeStr, "mode", logDefaults.mode, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logDefaults.format, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logDefaults.level, "Log level: debug, info, warn, error")

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeStr, "Signaling auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtSecret, "jwt-secret", jwtSecret, "HS256 secret for jwt auth mode (env "+envVarJWTSecret+")")

	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.StringVar(&turnRESTSecret, "turn-rest-secret", turnRESTSecret, "Shared secret for minting TURN REST credentials (env "+envVarTURNRESTSecret+")")
	fs.DurationVar(&turnRESTTTL, "turn-rest-ttl", turnRESTTTL, "Lifetime of minted TURN credentials (env "+envVarTURNRESTTTL+")")

	fs.DurationVar(&idleTimeout, "signaling-idle-timeout", idleTimeout, "Close signaling connections idle for this long (env "+envVarSignalingIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ping-interval", pingInterval, "Websocket ping interval (env "+envVarSignalingPingInterval+")")
	fs.DurationVar(&registerTimeout, "signaling-register-timeout", registerTimeout, "Time allowed for the register message (env "+envVarSignalingRegisterTimeout+")")
	fs.IntVar(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Maximum inbound signaling frame size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Per-connection inbound message rate (env "+envVarMaxSignalingMessagesPerS+")")

	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logging, err := logDefaults.resolve(modeStr, logFormatStr, logLevelStr, setFlags)
	if err != nil {
		return Relay{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Relay{}, errors.New("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Relay{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", shutdownTimeout)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Relay{}, err
	}

	var authMode AuthMode
	switch AuthMode(strings.ToLower(strings.TrimSpace(authModeStr))) {
	case AuthModeNone:
		authMode = AuthModeNone
	case AuthModeJWT:
		authMode = AuthModeJWT
		if strings.TrimSpace(jwtSecret) == "" {
			return Relay{}, fmt.Errorf("%s is required when auth mode is jwt", envVarJWTSecret)
		}
	default:
		return Relay{}, fmt.Errorf("invalid auth mode %q (expected none or jwt)", authModeStr)
	}

	if idleTimeout <= 0 {
		return Relay{}, fmt.Errorf("signaling idle timeout must be > 0 (got %s)", idleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Relay{}, fmt.Errorf("signaling ping interval must be > 0 and < idle timeout (got %s, idle %s)", pingInterval, idleTimeout)
	}
	if registerTimeout <= 0 {
		return Relay{}, fmt.Errorf("signaling register timeout must be > 0 (got %s)", registerTimeout)
	}
	if maxMessageBytes <= 0 {
		return Relay{}, fmt.Errorf("max signaling message bytes must be > 0 (got %d)", maxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Relay{}, fmt.Errorf("max signaling messages per second must be > 0 (got %d)", maxMessagesPerSecond)
	}

	if turnRESTTTL < time.Second {
		return Relay{}, fmt.Errorf("turn rest ttl must be >= 1s (got %s)", turnRESTTTL)
	}

	iceServers, err := ice.parse(turnRESTSecret == "")
	if err != nil {
		return Relay{}, err
	}

	return Relay{
		Logging:                       logging,
		ListenAddr:                    strings.TrimSpace(listenAddr),
		ShutdownTimeout:               shutdownTimeout,
		AllowedOrigins:                allowedOrigins,
		AuthMode:                      authMode,
		JWTSecret:                     jwtSecret,
		ICEServers:                    iceServers,
		TURNRESTSecret:                turnRESTSecret,
		TURNRESTTTL:                   turnRESTTTL,
		SignalingIdleTimeout:          idleTimeout,
		SignalingPingInterval:         pingInterval,
		SignalingRegisterTimeout:      registerTimeout,
		MaxSignalingMessageBytes:      maxMessageBytes,
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
	}, nil
}
