package server

import "sync"

// connectionLimiter caps concurrent holders per remote IP. The gateway holds a
// slot for the lifetime of a socket; the REST API for the duration of a
// request.
type connectionLimiter struct {
	limit  int
	mu     sync.Mutex
	counts map[string]int
}

func newConnectionLimiter(limit int) *connectionLimiter {
	if limit <= 0 {
		return nil
	}
	return &connectionLimiter{
		limit:  limit,
		counts: make(map[string]int),
	}
}

// acquire takes a slot for ip. The returned release func is idempotent.
func (l *connectionLimiter) acquire(ip string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.counts[ip]
	if count >= l.limit {
		return nil, false
	}
	l.counts[ip] = count + 1

	var once sync.Once
	return func() {
		once.Do(func() { l.release(ip) })
	}, true
}

func (l *connectionLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current := l.counts[ip]; current <= 1 {
		delete(l.counts, ip)
	} else {
		l.counts[ip] = current - 1
	}
}

// active reports how many slots ip holds.
func (l *connectionLimiter) active(ip string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[ip]
}
