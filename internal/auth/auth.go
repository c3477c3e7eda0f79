package auth

import (
	"crypto/subtle"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMaxSessions = 1024

// Config configures the Authenticator.
type Config struct {
	Password    string
	SessionTTL  time.Duration // 0 keeps sessions until restart
	MaxSessions int
}

// Authenticator checks the shared secret and remembers authorized peers.
//
// Sessions are keyed by peer host (no port), because every request uses a
// fresh connection. The table has its own lock and never touches the job
// store.
type Authenticator struct {
	mu       sync.RWMutex
	secret   []byte
	sessions *expirable.LRU[string, time.Time]
	cfg      Config
}

func New(cfg Config) *Authenticator {
	a := &Authenticator{}
	a.Apply(cfg)
	return a
}

// Apply installs a new configuration. Changing the password or the table
// bounds drops every session.
func (a *Authenticator) Apply(cfg Config) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.SessionTTL < 0 {
		cfg.SessionTTL = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions != nil && a.cfg == cfg {
		return
	}
	a.cfg = cfg
	a.secret = []byte(cfg.Password)
	a.sessions = expirable.NewLRU[string, time.Time](cfg.MaxSessions, nil, cfg.SessionTTL)
}

// Authenticate marks peer authorized when password matches. A failed
// attempt does not revoke an existing session.
func (a *Authenticator) Authenticate(peer, password string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if subtle.ConstantTimeCompare([]byte(password), a.secret) != 1 {
		return false
	}
	a.sessions.Add(PeerKey(peer), time.Now())
	return true
}

// Authorized reports whether peer has a live session.
func (a *Authenticator) Authorized(peer string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.sessions.Get(PeerKey(peer))
	return ok
}

// Revoke drops the session of peer.
func (a *Authenticator) Revoke(peer string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	a.sessions.Remove(PeerKey(peer))
}

// Sessions returns the number of live sessions.
func (a *Authenticator) Sessions() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessions.Len()
}

// PeerKey strips the port from a remote address ("10.0.0.5:51234" -> "10.0.0.5").
func PeerKey(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
