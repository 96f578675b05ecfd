package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Replay token claim constants. The signing key is a fixed process
// constant on purpose: the token exists so replayed clients can parse
// and carry a syntactically valid credential, it authenticates nothing.
const (
	ReplayIssuer   = "dproxy-replay-mode"
	ReplayAudience = "dproxy"
)

var replaySigningKey = []byte("dproxy-replay-mode-static-signing-key")

// ReplaySigner mints HS256 tokens substituted into replayed responses.
// It refuses to sign any claims outside the replay issuer.
type ReplaySigner struct {
	expiry time.Duration
}

// NewReplaySigner creates a signer whose tokens live for the given
// duration.
func NewReplaySigner(expiry time.Duration) *ReplaySigner {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &ReplaySigner{expiry: expiry}
}

type replayClaims struct {
	SessionID int64 `json:"sessionId"`
	jwt.RegisteredClaims
}

// Sign mints a replay token for a user and session.
func (s *ReplaySigner) Sign(userID, sessionID int64) (string, error) {
	now := time.Now()
	claims := replayClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("user-%d", userID),
			Issuer:    ReplayIssuer,
			Audience:  jwt.ClaimStrings{ReplayAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	return s.SignClaims(claims)
}

// SignClaims signs arbitrary claims after verifying they carry the
// replay issuer. Any other issuer is rejected.
func (s *ReplaySigner) SignClaims(claims jwt.Claims) (string, error) {
	iss, err := claims.GetIssuer()
	if err != nil {
		return "", fmt.Errorf("read issuer: %w", err)
	}
	if iss != ReplayIssuer {
		return "", fmt.Errorf("refusing to sign issuer %q", iss)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(replaySigningKey)
	if err != nil {
		return "", fmt.Errorf("sign replay token: %w", err)
	}
	return signed, nil
}

// Verify parses a replay token, enforcing the HS256 method and the
// replay issuer and audience. Used by tests and diagnostics.
func (s *ReplaySigner) Verify(raw string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) { return replaySigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(ReplayIssuer),
		jwt.WithAudience(ReplayAudience),
	)
	if err != nil {
		return nil, fmt.Errorf("parse replay token: %w", err)
	}
	return claims, nil
}
