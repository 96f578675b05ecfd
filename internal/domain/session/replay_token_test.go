package session

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestReplaySignerSignAndVerify(t *testing.T) {
	t.Parallel()

	s := NewReplaySigner(time.Hour)
	raw, err := s.Sign(7, 42)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if parts := strings.Split(raw, "."); len(parts) != 3 {
		t.Fatalf("token is not a compact JWT: %q", raw)
	}

	claims, err := s.Verify(raw)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.Issuer != ReplayIssuer {
		t.Errorf("iss = %q, want %q", claims.Issuer, ReplayIssuer)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != ReplayAudience {
		t.Errorf("aud = %v, want [%s]", claims.Audience, ReplayAudience)
	}
	if claims.Subject != "user-7" {
		t.Errorf("sub = %q, want user-7", claims.Subject)
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > time.Hour {
		t.Errorf("exp = %v, want within one hour", claims.ExpiresAt)
	}
}

func TestReplaySignerRefusesForeignIssuer(t *testing.T) {
	t.Parallel()

	s := NewReplaySigner(time.Hour)
	_, err := s.SignClaims(jwt.RegisteredClaims{
		Issuer:  "some-upstream",
		Subject: "user-1",
	})
	if err == nil {
		t.Fatal("SignClaims() accepted a non-replay issuer")
	}
}

func TestReplaySignerRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	s := NewReplaySigner(time.Hour)
	raw, err := s.Sign(1, 1)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	tampered := raw[:len(raw)-2] + "xx"
	if _, err := s.Verify(tampered); err == nil {
		t.Error("Verify() accepted a tampered signature")
	}
}

func TestReplaySignerRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	short := NewReplaySigner(time.Nanosecond)
	raw, err := short.Sign(1, 1)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := NewReplaySigner(time.Hour).Verify(raw); err == nil {
		t.Error("Verify() accepted an expired token")
	}
}
