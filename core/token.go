package core

import (
	"errors"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
)

// AuthClaims are the claims the chat server puts in its access tokens.
type AuthClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenSession is a Session backed by a JWT access token. The token is
// only decoded, never verified: the server is the one checking signatures.
type TokenSession struct {
	mu       sync.RWMutex
	token    string
	claims   *AuthClaims
	clock    clockwork.Clock
	onLogout []func()
}

func NewTokenSession(clock clockwork.Clock) *TokenSession {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenSession{clock: clock}
}

// SetToken installs a new access token, e.g. after signing in again.
func (s *TokenSession) SetToken(token string) error {
	claims := &AuthClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ErrTokenInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.claims = claims
	return nil
}

func (s *TokenSession) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.claims == nil {
		return "", false
	}
	if exp := s.claims.ExpiresAt; exp != nil && !s.clock.Now().Before(exp.Time) {
		return "", false
	}
	return s.token, true
}

func (s *TokenSession) Username() UserHandle {
	if _, ok := s.Token(); !ok {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claims.Username
}

// OnLogout registers f to run after every Logout.
func (s *TokenSession) OnLogout(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, f)
}

func (s *TokenSession) Logout() {
	s.mu.Lock()
	s.token = ""
	s.claims = nil
	hooks := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	for _, f := range hooks {
		f()
	}
}
