// Package ratelimit decides whether a new client connection is admitted:
// a per-IP token bucket plus an optional cap on simultaneous connections.
package ratelimit

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Rejection reasons, used as metric labels.
const (
	ReasonRate     = "rate_limited"
	ReasonCapacity = "at_capacity"
)

// Config controls admission behaviour.
type Config struct {
	Enabled              bool
	ConnectionsPerSecond float64
	Burst                int
	CleanupInterval      time.Duration

	// MaxConnections caps concurrent admitted connections. 0 means no cap.
	MaxConnections int
}

// Limiter manages per-IP token buckets and the connection cap.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*entry
	stopCh  chan struct{}

	active atomic.Int64
	now    func() time.Time
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New constructs a Limiter and starts the background cleanup goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if cfg.Enabled {
		go l.janitor()
	}
	return l
}

// Admit decides whether a connection from addr may proceed. When it may,
// release must be called exactly once when the connection ends. When it may
// not, reason says why.
func (l *Limiter) Admit(addr string) (release func(), reason string, ok bool) {
	if !l.allow(addr) {
		return nil, ReasonRate, false
	}
	if max := int64(l.cfg.MaxConnections); max > 0 {
		if l.active.Add(1) > max {
			l.active.Add(-1)
			return nil, ReasonCapacity, false
		}
	} else {
		l.active.Add(1)
	}
	var once sync.Once
	return func() { once.Do(func() { l.active.Add(-1) }) }, "", true
}

// Active returns the number of admitted connections not yet released.
func (l *Limiter) Active() int {
	return int(l.active.Load())
}

func (l *Limiter) allow(addr string) bool {
	if !l.cfg.Enabled {
		return true
	}
	ip := extractIP(addr)
	now := l.now()
	l.mu.Lock()
	e, ok := l.buckets[ip]
	if !ok {
		e = &entry{
			limiter: rate.NewLimiter(
				rate.Limit(l.cfg.ConnectionsPerSecond),
				l.cfg.Burst,
			),
		}
		l.buckets[ip] = e
	}
	e.lastSeen = now
	lim := e.limiter
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Close stops the background janitor goroutine.
func (l *Limiter) Close() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

// Len returns the number of tracked IP addresses.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) janitor() {
	interval := l.cfg.CleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictOld(interval)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) evictOld(ttl time.Duration) {
	cutoff := l.now().Add(-ttl)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}

func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
