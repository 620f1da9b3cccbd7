package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Failed token validations tolerated per client inside one window. Past the
// budget /files/ and /media/ answer 429 until the window closes.
const (
	DefaultFailureBudget = 5
	DefaultFailureWindow = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// LimiterConfig configures a FailureLimiter. A zero Sweep disables the
// background sweep; Now defaults to time.Now.
type LimiterConfig struct {
	Budget int
	Window time.Duration
	Sweep  time.Duration
	Now    func() time.Time
}

func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Budget: DefaultFailureBudget,
		Window: DefaultFailureWindow,
		Sweep:  DefaultSweepInterval,
	}
}

type failureWindow struct {
	failures int
	opened   time.Time
}

// FailureLimiter counts failed authentications per client in fixed windows
// opened by the first failure.
type FailureLimiter struct {
	cfg LimiterConfig

	mu      sync.Mutex
	clients map[string]failureWindow

	done     chan struct{}
	stopOnce sync.Once
}

func NewFailureLimiter(cfg LimiterConfig) *FailureLimiter {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultFailureBudget
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultFailureWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &FailureLimiter{
		cfg:     cfg,
		clients: make(map[string]failureWindow),
		done:    make(chan struct{}),
	}
	if cfg.Sweep > 0 {
		go l.sweepLoop()
	}
	return l
}

// Blocked reports whether client has spent its budget and, if so, how long
// until the window closes.
func (l *FailureLimiter) Blocked(client string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[client]
	if !ok || w.failures < l.cfg.Budget {
		return 0, false
	}
	left := w.opened.Add(l.cfg.Window).Sub(l.cfg.Now())
	if left <= 0 {
		delete(l.clients, client)
		return 0, false
	}
	return left, true
}

// Fail records one failed attempt, opening a new window when the previous
// one has closed.
func (l *FailureLimiter) Fail(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	w, ok := l.clients[client]
	if !ok || now.Sub(w.opened) >= l.cfg.Window {
		w = failureWindow{opened: now}
	}
	w.failures++
	l.clients[client] = w
}

// Forget drops any failures recorded for client.
func (l *FailureLimiter) Forget(client string) {
	l.mu.Lock()
	delete(l.clients, client)
	l.mu.Unlock()
}

// Tracked returns the number of clients with an open window.
func (l *FailureLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *FailureLimiter) sweepLoop() {
	ticker := time.NewTicker(l.cfg.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *FailureLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Now()
	for client, w := range l.clients {
		if now.Sub(w.opened) >= l.cfg.Window {
			delete(l.clients, client)
		}
	}
}

// Stop ends the background sweep. Safe to call more than once.
func (l *FailureLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// ClientAddr returns the originating client address. The first hop of
// X-Forwarded-For wins, then X-Real-IP, then the connection address.
func ClientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
