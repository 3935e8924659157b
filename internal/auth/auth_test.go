package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ascapdx/callcore/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/signal?token=query", nil)
		r.Header.Set("Authorization", "Bearer header-token")
		cred, err := CredentialFromRequest(r)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "header-token" {
			t.Fatalf("cred=%q, want %q", cred, "header-token")
		}
	})

	t.Run("query fallback", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/signal?token=query", nil)
		cred, err := CredentialFromRequest(r)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "query" {
			t.Fatalf("cred=%q, want %q", cred, "query")
		}
	})

	t.Run("non bearer scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/signal", nil)
		r.Header.Set("Authorization", "Basic abc")
		if _, err := CredentialFromRequest(r); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("err=%v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/signal", nil)
		if _, err := CredentialFromRequest(r); !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want ErrMissingCredentials", err)
		}
	})
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Relay{AuthMode: config.AuthModeNone})
	if err != nil || v != nil {
		t.Fatalf("none: v=%v err=%v, want nil,nil", v, err)
	}
	v, err = NewVerifier(config.Relay{AuthMode: config.AuthModeJWT, JWTSecret: "s"})
	if err != nil || v == nil {
		t.Fatalf("jwt: v=%v err=%v", v, err)
	}
	if _, err := NewVerifier(config.Relay{AuthMode: "api_key"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestJWTVerifier(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v, err := NewJWTVerifier("secret")
	if err != nil {
		t.Fatalf("NewJWTVerifier: %v", err)
	}
	v.now = func() time.Time { return now }

	token, err := IssueToken("secret", "alice", now, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Handle != "alice" {
		t.Fatalf("handle=%q, want %q", id.Handle, "alice")
	}

	wrongSecret, _ := IssueToken("other", "alice", now, time.Minute)
	expired, _ := IssueToken("secret", "alice", now.Add(-time.Hour), time.Minute)
	noSub, _ := IssueToken("secret", "", now, time.Minute)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"wrong secret": wrongSecret,
		"expired":      expired,
		"missing sub":  noSub,
		"alg none":     none,
		"garbage":      "not.a.jwt",
	} {
		if _, err := v.Verify(tok); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err=%v, want ErrInvalidCredentials", name, err)
		}
	}
	if _, err := v.Verify(""); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("empty: err=%v, want ErrMissingCredentials", err)
	}
}
