package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type phase string

const (
	phaseStart phase = "start"
	phaseEnd   phase = "end"
)

type deadlineKey struct {
	matchID string
	phase   phase
}

// deadlines fires a transition at or after its deadline, at most once per
// (match, phase) for the lifetime of the registry.
type deadlines struct {
	mu     sync.Mutex
	armed  map[deadlineKey]*time.Timer
	closed bool
	now    func() time.Time
	log    *zap.Logger
	wg     sync.WaitGroup
}

func newDeadlines(now func() time.Time, log *zap.Logger) *deadlines {
	return &deadlines{
		armed: make(map[deadlineKey]*time.Timer),
		now:   now,
		log:   log,
	}
}

// arm schedules fn for at. A deadline already in the past fires immediately.
// It returns false when the (match, phase) pair was armed before or the
// registry is closed.
func (d *deadlines) arm(matchID string, p phase, at time.Time, fn func()) bool {
	key := deadlineKey{matchID: matchID, phase: p}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if _, ok := d.armed[key]; ok {
		return false
	}

	delay := at.Sub(d.now())
	if delay < 0 {
		delay = 0
	}
	d.wg.Add(1)
	d.armed[key] = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		d.run(key, fn)
	})
	d.log.Debug("deadline armed",
		zap.String("match_id", matchID),
		zap.String("phase", string(p)),
		zap.Duration("delay", delay),
	)
	return true
}

func (d *deadlines) run(key deadlineKey, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("deadline callback panicked",
				zap.String("match_id", key.matchID),
				zap.String("phase", string(key.phase)),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// isArmed reports whether the pair has been armed in this process.
func (d *deadlines) isArmed(matchID string, p phase) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.armed[deadlineKey{matchID: matchID, phase: p}]
	return ok
}

// release lets a fired (match, phase) pair be armed again, so a transition
// that failed on I/O can be retried by the next sweep.
func (d *deadlines) release(matchID string, p phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.armed, deadlineKey{matchID: matchID, phase: p})
}

// forget drops the bookkeeping of a match whose cache entries are gone.
func (d *deadlines) forget(matchID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range []phase{phaseStart, phaseEnd} {
		key := deadlineKey{matchID: matchID, phase: p}
		if t, ok := d.armed[key]; ok {
			if t.Stop() {
				d.wg.Done()
			}
			delete(d.armed, key)
		}
	}
}

// close stops every pending timer and waits for running callbacks.
func (d *deadlines) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, t := range d.armed {
		if t.Stop() {
			d.wg.Done()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
