// Package identity issues anonymous per-device identities: a durable device
// id kept in a cookie and a short-lived signed session token bound to it.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	issuer    = "absurdroom"
	cacheSize = 4096
	// sessions closer than this to expiry are reissued
	refreshWindow = time.Minute
)

// Identity errors
var (
	ErrDeviceIDRequired = errors.New("device id is required")
	ErrInvalidToken     = errors.New("invalid session token")
	ErrSecretRequired   = errors.New("session secret is required")
)

// Session is an anonymous session for one device
type Session struct {
	DeviceID  string    `json:"deviceId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Provider mints and verifies session tokens
type Provider struct {
	secret   []byte
	ttl      time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger
	sessions *lru.Cache // device id -> Session
	verified *lru.Cache // token -> Session
}

// NewProvider creates a provider signing with secret
func NewProvider(secret string, ttl time.Duration, clock clockwork.Clock, logger zerolog.Logger) (*Provider, error) {
	if secret == "" {
		return nil, ErrSecretRequired
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	sessions, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	verified, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}

	return &Provider{
		secret:   []byte(secret),
		ttl:      ttl,
		clock:    clock,
		logger:   logger.With().Str("component", "identity").Logger(),
		sessions: sessions,
		verified: verified,
	}, nil
}

// EnsureAnonymousSession returns the device's live session, minting one if
// needed. Calling it again for the same device returns the same session
// until it nears expiry. onReady, when set, is called with the session.
func (p *Provider) EnsureAnonymousSession(deviceID string, onReady func(Session)) (Session, error) {
	if _, err := uuid.Parse(deviceID); err != nil {
		return Session{}, ErrDeviceIDRequired
	}

	now := p.clock.Now()
	if v, ok := p.sessions.Get(deviceID); ok {
		s := v.(Session)
		if s.ExpiresAt.Sub(now) > refreshWindow {
			if onReady != nil {
				onReady(s)
			}
			return s, nil
		}
	}

	expires := now.Add(p.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}

	s := Session{DeviceID: deviceID, Token: signed, ExpiresAt: expires}
	p.sessions.Add(deviceID, s)
	p.verified.Add(signed, s)

	p.logger.Debug().Str("device", deviceID).Time("expires", expires).Msg("session issued")

	if onReady != nil {
		onReady(s)
	}
	return s, nil
}

// Verify checks a session token and returns the device id it belongs to.
// Tokens seen before are answered from cache until they expire.
func (p *Provider) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	if v, ok := p.verified.Get(tokenString); ok {
		s := v.(Session)
		if p.clock.Now().Before(s.ExpiresAt) {
			return s.DeviceID, nil
		}
		p.verified.Remove(tokenString)
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return "", fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	p.verified.Add(tokenString, Session{
		DeviceID:  claims.Subject,
		Token:     tokenString,
		ExpiresAt: claims.ExpiresAt.Time,
	})
	return claims.Subject, nil
}
