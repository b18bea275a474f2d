package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 30 * time.Second
	defaultHeartbeatTTL  = 90 * time.Second
)

// Sweeper runs the liveness heartbeat of this instance and the periodic
// sweep on a gocron scheduler.
type Sweeper struct {
	sched    *Scheduler
	cron     gocron.Scheduler
	interval time.Duration
	ttl      time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper prepares the jobs; nothing runs until Start.
func NewSweeper(sched *Scheduler, interval, heartbeatTTL time.Duration) (*Sweeper, error) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if heartbeatTTL <= 0 {
		heartbeatTTL = defaultHeartbeatTTL
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	return &Sweeper{
		sched:    sched,
		cron:     cron,
		interval: interval,
		ttl:      heartbeatTTL,
		log:      sched.log.Named("sweeper"),
	}, nil
}

// Start writes the first heartbeat synchronously, so this instance is alive
// before it owns anything, then schedules both jobs.
func (w *Sweeper) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	if err := w.heartbeat(); err != nil {
		return err
	}

	beat := w.ttl / 3
	if beat <= 0 {
		beat = time.Second
	}
	if _, err := w.cron.NewJob(
		gocron.DurationJob(beat),
		gocron.NewTask(func() {
			if err := w.heartbeat(); err != nil {
				w.log.Warn("heartbeat failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}

	if _, err := w.cron.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(w.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	w.cron.Start()
	w.log.Info("sweeper started", zap.Duration("interval", w.interval), zap.Duration("heartbeat_ttl", w.ttl))
	return nil
}

// Stop cancels in-flight work and shuts the cron scheduler down.
func (w *Sweeper) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	return w.cron.Shutdown()
}

func (w *Sweeper) heartbeat() error {
	ctx, cancel := context.WithTimeout(w.ctx, w.sched.transitionTimeout)
	defer cancel()
	return w.sched.store.Heartbeat(ctx, w.sched.serverID, w.ttl)
}

func (w *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(w.ctx, w.interval)
	defer cancel()
	if err := w.sched.Sweep(ctx, w.interval); err != nil {
		w.log.Warn("sweep failed", zap.Error(err))
	}
}
