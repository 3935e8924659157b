package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarUser           = "ASCAPDX_USER"
	envVarSignalOrigin   = "ASCAPDX_SIGNAL_ORIGIN"
	envVarAPIBaseURL     = "ASCAPDX_API_BASE_URL"
	envVarAuthToken      = "ASCAPDX_AUTH_TOKEN"
	envVarCallType       = "ASCAPDX_CALL_TYPE"
	envVarQualityProfile = "ASCAPDX_QUALITY_PROFILE"
	envVarRingTimeout    = "ASCAPDX_RING_TIMEOUT"
	envVarRedisAddr      = "ASCAPDX_REDIS_ADDR"
	envVarReconnectMin   = "ASCAPDX_SIGNAL_RECONNECT_MIN"
	envVarReconnectMax   = "ASCAPDX_SIGNAL_RECONNECT_MAX"

	envVarWebRTCUDPPortMin   = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax   = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs   = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCUDPListenIP  = "WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"

	DefaultSignalOrigin   = "http://127.0.0.1:8080"
	DefaultCallType       = "voice"
	DefaultQualityProfile = "standard"
	// DefaultRingTimeout is how long an outgoing call rings before it is
	// hung up with reason no-answer.
	DefaultRingTimeout  = 30 * time.Second
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 15 * time.Second
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork restricts how the agent's PeerConnections gather candidates.
type WebRTCNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// OS ephemeral port selection.
	UDPPortRange *UDPPortRange

	// NAT1To1IPs are advertised as host candidates when the agent runs behind
	// a 1:1 NAT.
	NAT1To1IPs []string

	// UDPListenIP restricts which local interface ICE binds to. 0.0.0.0 means
	// all interfaces.
	UDPListenIP net.IP
}

// Agent configures cmd/ascapdx-call.
type Agent struct {
	Logging

	// User is the local user handle announced as presence.
	User string
	// SignalOrigin is the relay origin, e.g. https://signal.example.com.
	SignalOrigin string
	// APIBaseURL is the backend REST collaborator (call history).
	APIBaseURL string
	// AuthToken is the session bearer token shared by the relay and the REST
	// backend.
	AuthToken string

	CallType       string
	QualityProfile string
	RingTimeout    time.Duration

	// RedisAddr selects the redis-backed key-value store. Empty means
	// in-process memory.
	RedisAddr string

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	ICEServers []webrtc.ICEServer
	Network    WebRTCNetwork

	// Args holds what is left after the flags, e.g. a subcommand.
	Args []string
}

// SignalURL returns the websocket URL of the relay's signaling endpoint.
func (c Agent) SignalURL() (string, error) {
	u, err := url.Parse(c.SignalOrigin)
	if err != nil {
		return "", fmt.Errorf("invalid signal origin %q: %w", c.SignalOrigin, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid signal origin %q (expected http, https, ws or wss)", c.SignalOrigin)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/signal"
	return u.String(), nil
}

func LoadAgent(args []string) (Agent, error) {
	return loadAgent(os.LookupEnv, args)
}

func loadAgent(lookup func(string) (string, bool), args []string) (Agent, error) {
	logDefaults := readLoggingDefaults(lookup)
	ice := readICEValues(lookup)

	user := envOrDefault(lookup, envVarUser, "")
	signalOrigin := envOrDefault(lookup, envVarSignalOrigin, DefaultSignalOrigin)
	apiBaseURL := envOrDefault(lookup, envVarAPIBaseURL, "")
	authToken := envOrDefault(lookup, envVarAuthToken, "")
	callType := envOrDefault(lookup, envVarCallType, DefaultCallType)
	qualityProfile := envOrDefault(lookup, envVarQualityProfile, DefaultQualityProfile)
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "")

	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Agent{}, err
	}
	reconnectMin, err := envDurationOrDefault(lookup, envVarReconnectMin, DefaultReconnectMin)
	if err != nil {
		return Agent{}, err
	}
	reconnectMax, err := envDurationOrDefault(lookup, envVarReconnectMax, DefaultReconnectMax)
	if err != nil {
		return Agent{}, err
	}

	var portMin, portMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Agent{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Agent{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}
	listenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	nat1To1Str := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")

	fs := flag.NewFlagSet("ascapdx-call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var modeStr, logFormatStr, logLevelStr string
	fs.StringVar(&modeStr, "mode", logDefaults.mode, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logDefaults.format, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logDefaults.level, "Log level: debug, info, warn, error")

	fs.StringVar(&user, "user", user, "Local user handle (env "+envVarUser+")")
	fs.StringVar(&signalOrigin, "signal-origin", signalOrigin, "Signaling relay origin (env "+envVarSignalOrigin+")")
	fs.StringVar(&apiBaseURL, "api-base-url", apiBaseURL, "Backend REST base URL for call history (env "+envVarAPIBaseURL+")")
	fs.StringVar(&authToken, "auth-token", authToken, "Session bearer token (env "+envVarAuthToken+")")
	fs.StringVar(&callType, "call-type", callType, "Default call type: voice or video (env "+envVarCallType+")")
	fs.StringVar(&qualityProfile, "quality", qualityProfile, "Capture quality profile: best or standard (env "+envVarQualityProfile+")")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "Outgoing ring timeout (env "+envVarRingTimeout+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address for the key-value store; empty uses memory (env "+envVarRedisAddr+")")
	fs.DurationVar(&reconnectMin, "signal-reconnect-min", reconnectMin, "Initial signaling reconnect backoff (env "+envVarReconnectMin+")")
	fs.DurationVar(&reconnectMax, "signal-reconnect-max", reconnectMax, "Maximum signaling reconnect backoff (env "+envVarReconnectMax+")")

	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&listenIPStr, "webrtc-udp-listen-ip", listenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&nat1To1Str, "webrtc-nat-1to1-ips", nat1To1Str, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")

	if err := fs.Parse(args); err != nil {
		return Agent{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	logging, err := logDefaults.resolve(modeStr, logFormatStr, logLevelStr, setFlags)
	if err != nil {
		return Agent{}, err
	}

	user = strings.TrimSpace(user)
	if user == "" {
		return Agent{}, errors.New("user handle is required (--user or " + envVarUser + ")")
	}

	callType = strings.ToLower(strings.TrimSpace(callType))
	if callType != "voice" && callType != "video" {
		return Agent{}, fmt.Errorf("invalid call type %q (expected voice or video)", callType)
	}

	if ringTimeout <= 0 {
		return Agent{}, fmt.Errorf("ring timeout must be > 0 (got %s)", ringTimeout)
	}
	if reconnectMin <= 0 || reconnectMax < reconnectMin {
		return Agent{}, fmt.Errorf("invalid reconnect backoff (min=%s max=%s)", reconnectMin, reconnectMax)
	}

	network := WebRTCNetwork{}
	if (portMin == 0) != (portMax == 0) {
		return Agent{}, fmt.Errorf("--webrtc-udp-port-min and --webrtc-udp-port-max must be set together (or both unset)")
	}
	if portMin != 0 {
		if portMin > 65535 || portMax > 65535 || portMin > portMax {
			return Agent{}, fmt.Errorf("invalid WebRTC UDP port range %d-%d", portMin, portMax)
		}
		network.UDPPortRange = &UDPPortRange{Min: uint16(portMin), Max: uint16(portMax)}
	}
	network.UDPListenIP = net.ParseIP(strings.TrimSpace(listenIPStr))
	if network.UDPListenIP == nil {
		return Agent{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, listenIPStr)
	}
	if strings.TrimSpace(nat1To1Str) != "" {
		ips, err := parseIPList(nat1To1Str)
		if err != nil {
			return Agent{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPs, err)
		}
		network.NAT1To1IPs = ips
	}

	iceServers, err := ice.parse(true)
	if err != nil {
		return Agent{}, err
	}

	cfg := Agent{
		Logging:        logging,
		User:           user,
		SignalOrigin:   strings.TrimSpace(signalOrigin),
		APIBaseURL:     strings.TrimSuffix(strings.TrimSpace(apiBaseURL), "/"),
		AuthToken:      strings.TrimSpace(authToken),
		CallType:       callType,
		QualityProfile: strings.ToLower(strings.TrimSpace(qualityProfile)),
		RingTimeout:    ringTimeout,
		RedisAddr:      strings.TrimSpace(redisAddr),
		ReconnectMin:   reconnectMin,
		ReconnectMax:   reconnectMax,
		ICEServers:     iceServers,
		Network:        network,
		Args:           fs.Args(),
	}
	if _, err := cfg.SignalURL(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}
