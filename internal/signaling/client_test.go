package signaling

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ascapdx/callcore/internal/auth"
	"github.com/ascapdx/callcore/internal/media"
)

func startClient(t *testing.T, cfg ClientConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestNewClientValidates(t *testing.T) {
	if _, err := NewClient(ClientConfig{URL: "http://x/signal", User: "a"}); err == nil {
		t.Fatalf("expected error for http url")
	}
	if _, err := NewClient(ClientConfig{URL: "ws://x/signal"}); err == nil {
		t.Fatalf("expected error for missing user")
	}
}

func TestClientSendDropsWhileDisconnected(t *testing.T) {
	c, err := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/signal", User: "alice"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.Send(EventHangup, Hangup{From: "alice", To: "bob"}) {
		t.Fatalf("Send queued while disconnected")
	}
}

func TestClientsExchangeEventsThroughRelay(t *testing.T) {
	srv, wsURL := startRelay(t, ServerConfig{})

	alice := startClient(t, ClientConfig{URL: wsURL, User: "alice"})
	bob := startClient(t, ClientConfig{URL: wsURL, User: "bob"})

	offers := make(chan CallOffer, 1)
	bob.On(EventCallOffer, func(data json.RawMessage) {
		var o CallOffer
		if err := Decode(data, &o); err != nil {
			t.Errorf("Decode: %v", err)
			return
		}
		offers <- o
	})
	unavailable := make(chan UserUnavailable, 1)
	alice.On(EventUserUnavailable, func(data json.RawMessage) {
		var u UserUnavailable
		_ = Decode(data, &u)
		unavailable <- u
	})

	waitFor(t, func() bool { return srv.Online("alice") && srv.Online("bob") && alice.Connected() })

	if !alice.Send(EventCallOffer, CallOffer{From: "alice", To: "bob", Offer: SessionDescription{Type: "offer", SDP: "v=0"}, CallType: media.KindVideo}) {
		t.Fatalf("Send not queued")
	}
	select {
	case o := <-offers:
		if o.From != "alice" || o.CallType != media.KindVideo {
			t.Fatalf("offer=%+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for offer")
	}

	alice.Send(EventCallOffer, CallOffer{From: "alice", To: "carol", Offer: SessionDescription{Type: "offer", SDP: "v=0"}})
	select {
	case u := <-unavailable:
		if u.To != "carol" {
			t.Fatalf("unavailable.to=%q, want carol", u.To)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for user-unavailable")
	}
}

func TestClientReregistersAfterReconnect(t *testing.T) {
	srv, wsURL := startRelay(t, ServerConfig{})

	var connects atomic.Int32
	c, err := NewClient(ClientConfig{
		URL:          wsURL,
		User:         "alice",
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.OnConnect(func() { connects.Add(1) })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, func() bool { return srv.Online("alice") })

	// Drop every connection on the relay side; the client must come back and
	// announce presence again.
	srv.mu.Lock()
	var conns []*wsSession
	for wss := range srv.presence["alice"] {
		conns = append(conns, wss)
	}
	srv.mu.Unlock()
	for _, wss := range conns {
		wss.Close()
	}

	waitFor(t, func() bool { return connects.Load() >= 2 && srv.Online("alice") })
}

func TestClientPresentsToken(t *testing.T) {
	v, err := auth.NewJWTVerifier("secret")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	srv, wsURL := startRelay(t, ServerConfig{Verifier: v})
	token, err := auth.IssueToken("secret", "alice", time.Now(), time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	startClient(t, ClientConfig{URL: wsURL, User: "alice", Token: token})
	waitFor(t, func() bool { return srv.Online("alice") })
}

func TestClientWaitSent(t *testing.T) {
	srv, wsURL := startRelay(t, ServerConfig{})
	alice := startClient(t, ClientConfig{URL: wsURL, User: "alice"})
	bob := startClient(t, ClientConfig{URL: wsURL, User: "bob"})

	hangups := make(chan Hangup, 1)
	bob.On(EventHangup, func(data json.RawMessage) {
		var h Hangup
		_ = Decode(data, &h)
		hangups <- h
	})
	waitFor(t, func() bool { return srv.Online("alice") && srv.Online("bob") && alice.Connected() })

	alice.Send(EventHangup, Hangup{From: "alice", To: "bob", Reason: ReasonOffline})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := alice.WaitSent(ctx); err != nil {
		t.Fatalf("WaitSent: %v", err)
	}
	select {
	case h := <-hangups:
		if h.Reason != ReasonOffline {
			t.Fatalf("reason=%q, want %q", h.Reason, ReasonOffline)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for hangup")
	}

	// Nothing queued on a disconnected client.
	idle, err := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/signal", User: "carol"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := idle.WaitSent(ctx); err != nil {
		t.Fatalf("WaitSent idle: %v", err)
	}
}
