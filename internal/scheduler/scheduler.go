package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

const (
	cleanupPeriod     = 24 * time.Hour
	deepCleanupPeriod = 7 * 24 * time.Hour
)

// Publisher is what the scheduler needs from the queue.
type Publisher interface {
	Publish(ctx context.Context, task models.TaskPayload) error
}

// Scheduler emits due tasks on fixed cadences. It never does work itself,
// only enqueues; missed ticks are not replayed, the next tick supersedes.
type Scheduler struct {
	cfg   *config.Config
	queue Publisher
}

// New wires a scheduler.
func New(cfg *config.Config, queue Publisher) *Scheduler {
	return &Scheduler{cfg: cfg, queue: queue}
}

// Run blocks until the context ends, driving every cadence from its own
// ticker. Periods come from config at startup, so a restart always picks up
// current settings rather than a persisted schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(gctx, s.cfg.PingPeriod, models.TaskPingAll, nil) })
	g.Go(func() error { return s.loop(gctx, s.cfg.SNMPPeriod, models.TaskSNMPPollAll, nil) })
	g.Go(func() error { return s.loop(gctx, s.cfg.AlertPeriod, models.TaskEvaluateAlerts, nil) })
	g.Go(func() error { return s.loop(gctx, s.cfg.DiscoveryPeriod, models.TaskDiscoverInterfaces, nil) })
	g.Go(func() error { return s.loop(gctx, cleanupPeriod, models.TaskCleanupInterfaces, nil) })
	g.Go(func() error { return s.loop(gctx, cleanupPeriod, models.TaskCleanupAlerts, nil) })
	g.Go(func() error {
		return s.loop(gctx, deepCleanupPeriod, models.TaskCleanupAlerts, map[string]string{models.KwargDeep: "true"})
	})
	g.Go(func() error { return s.loop(gctx, s.cfg.MaintenancePeriod, models.TaskCheckWorkerHealth, nil) })
	g.Go(func() error { return s.loop(gctx, s.cfg.MaintenancePeriod, models.TaskVacuumIdleTx, nil) })

	log.Info().
		Dur("ping_period", s.cfg.PingPeriod).
		Dur("snmp_period", s.cfg.SNMPPeriod).
		Dur("alert_period", s.cfg.AlertPeriod).
		Dur("discovery_period", s.cfg.DiscoveryPeriod).
		Msg("Scheduler started")
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, period time.Duration, task string, kwargs map[string]string) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.queue.Publish(ctx, models.TaskPayload{Task: task, Kwargs: kwargs}); err != nil {
				// Enqueue failures are transient broker trouble; the next
				// tick supersedes this one.
				log.Error().Str("task", task).Err(err).Msg("Failed to enqueue tick")
			} else {
				log.Debug().Str("task", task).Msg("Tick enqueued")
			}
		}
	}
}
