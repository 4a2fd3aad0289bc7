package websocket

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const limiterIdleExpiry = 10 * time.Minute

// LimitReason describes why a connection attempt was rejected.
type LimitReason string

const (
	LimitReasonRate   LimitReason = "rate_limit"
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
)

// ConnectionLimits gates new connections by a per-IP token bucket, an
// instance-wide cap and a per-IP cap on concurrent connections.
type ConnectionLimits struct {
	clock    clockwork.Clock
	maxTotal int
	maxPerIP int
	rate     rate.Limit
	burst    int

	mu          sync.Mutex
	total       int
	perIP       map[string]int
	buckets     map[string]*bucket
	nextCleanup time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewConnectionLimits(clock clockwork.Clock, maxTotal, maxPerIP int, perSecond float64, burst int) *ConnectionLimits {
	return &ConnectionLimits{
		clock:       clock,
		maxTotal:    maxTotal,
		maxPerIP:    maxPerIP,
		rate:        rate.Limit(perSecond),
		burst:       burst,
		perIP:       make(map[string]int),
		buckets:     make(map[string]*bucket),
		nextCleanup: clock.Now().Add(limiterIdleExpiry),
	}
}

// Acquire reserves a slot for ip. The rate check runs first; a rejected
// attempt reserves nothing.
func (l *ConnectionLimits) Acquire(ip string) (LimitReason, bool) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.nextCleanup) {
		l.cleanup(now)
		l.nextCleanup = now.Add(limiterIdleExpiry)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return LimitReasonRate, false
	}

	if l.total >= l.maxTotal {
		return LimitReasonGlobal, false
	}
	if l.perIP[ip] >= l.maxPerIP {
		return LimitReasonPerIP, false
	}

	l.total++
	l.perIP[ip]++
	return "", true
}

func (l *ConnectionLimits) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.perIP[ip]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.perIP, ip)
	} else {
		l.perIP[ip] = n - 1
	}
	l.total--
}

// Current returns the number of held slots and distinct IPs holding them.
func (l *ConnectionLimits) Current() (total, ips int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total, len(l.perIP)
}

func (l *ConnectionLimits) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleExpiry)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}
