// Package turnrest mints short-lived TURN credentials in the coturn REST
// format, so the relay can hand clients TURN access without a static
// password:
//
//	username   = <unix expiry>:<prefix>:<id>
//	credential = base64(hmac-sha1(secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// DefaultTTL matches coturn's usual REST credential lifetime.
const DefaultTTL = 24 * time.Hour

var errColon = errors.New("turnrest: must not contain ':'")

type Config struct {
	Secret string
	TTL    time.Duration
	// Prefix names the issuer in the username.
	Prefix string
	Now    func() time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("turnrest: secret required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < time.Second {
		return nil, fmt.Errorf("turnrest: ttl must be at least 1s (got %s)", cfg.TTL)
	}
	if cfg.Prefix == "" {
		return nil, errors.New("turnrest: prefix required")
	}
	if strings.Contains(cfg.Prefix, ":") {
		return nil, fmt.Errorf("prefix %q: %w", cfg.Prefix, errColon)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{secret: []byte(cfg.Secret), ttl: cfg.TTL, prefix: cfg.Prefix, now: cfg.Now}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Generate signs credentials for id. An empty id gets a random one.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if strings.Contains(id, ":") {
		return Credentials{}, fmt.Errorf("id %q: %w", id, errColon)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, id)

	mac := hmac.New(sha1.New, g.secret)
	mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		Expires:    expires,
	}, nil
}

// Apply returns a copy of servers where every server with a turn: or turns:
// URL carries creds. STUN-only servers are left alone.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = s
		if hasTURNURL(s) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func hasTURNURL(s webrtc.ICEServer) bool {
	for _, raw := range s.URLs {
		u := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			return true
		}
	}
	return false
}
