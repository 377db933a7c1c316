package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// MetricIdleTxKilled counts backend transactions the housekeeper terminated.
const MetricIdleTxKilled = "db_idle_tx_killed_total"

// MaintenanceStore is what the housekeeper needs from the relational side.
type MaintenanceStore interface {
	DeleteStaleInterfaces(ctx context.Context, ttl time.Duration) (int64, error)
	DeleteResolvedAlerts(ctx context.Context, retention time.Duration) (int64, error)
	DeleteOldPingResults(ctx context.Context, retention time.Duration) (int64, error)
	DeleteOldStatusHistory(ctx context.Context, retention time.Duration) (int64, error)
	VacuumAnalyze(ctx context.Context, tables ...string) error
	TerminateIdleTransactions(ctx context.Context, olderThan time.Duration) (int, error)
	UpsertWorkerHeartbeat(ctx context.Context, workerClass string, at time.Time) error
	StaleWorkerClasses(ctx context.Context, maxAge time.Duration) ([]string, error)
	OpenAlert(ctx context.Context, a models.AlertHistory) (bool, error)
	ResolveAlert(ctx context.Context, deviceID uuid.UUID, ruleName string, at time.Time, reason string) (bool, error)
}

// SelfMetricWriter is what the housekeeper needs from the TSDB side.
type SelfMetricWriter interface {
	WriteHeartbeat(ctx context.Context, workerClass string, ts time.Time) error
	WriteSelfMetric(ctx context.Context, metric string, value float64, ts time.Time) error
}

// Housekeeper runs retention, hygiene, and worker-health duties off the
// maintenance partition.
type Housekeeper struct {
	cfg    *config.Config
	store  MaintenanceStore
	writer SelfMetricWriter
}

// New wires a housekeeper.
func New(cfg *config.Config, store MaintenanceStore, writer SelfMetricWriter) *Housekeeper {
	return &Housekeeper{cfg: cfg, store: store, writer: writer}
}

// Handle dispatches one maintenance task.
func (h *Housekeeper) Handle(ctx context.Context, task models.TaskPayload) error {
	switch task.Task {
	case models.TaskCleanupInterfaces:
		return h.cleanupInterfaces(ctx)
	case models.TaskCleanupAlerts:
		return h.cleanupHistory(ctx, task.Kwargs[models.KwargDeep] == "true")
	case models.TaskVacuumIdleTx:
		return h.killIdleTransactions(ctx)
	case models.TaskCheckWorkerHealth:
		return h.checkWorkerHealth(ctx)
	default:
		return fmt.Errorf("housekeeping: unknown task %q", task.Task)
	}
}

func (h *Housekeeper) cleanupInterfaces(ctx context.Context) error {
	n, err := h.store.DeleteStaleInterfaces(ctx, h.cfg.Retention.StaleInterface)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Msg("Stale interfaces removed")
		if err := h.store.VacuumAnalyze(ctx, "interfaces"); err != nil {
			log.Error().Err(err).Msg("Vacuum after interface cleanup failed")
		}
	}
	return nil
}

// cleanupHistory prunes resolved alerts, old ping results and old status
// history in one pass; only resolved alerts are ever deleted. The weekly deep
// pass vacuums even when nothing was deleted, so bloat from daily churn is
// reclaimed regardless.
func (h *Housekeeper) cleanupHistory(ctx context.Context, deep bool) error {
	alerts, err := h.store.DeleteResolvedAlerts(ctx, h.cfg.Retention.ResolvedAlerts)
	if err != nil {
		return err
	}
	pings, err := h.store.DeleteOldPingResults(ctx, h.cfg.Retention.PingResults)
	if err != nil {
		return err
	}
	history, err := h.store.DeleteOldStatusHistory(ctx, h.cfg.Retention.PingResults)
	if err != nil {
		return err
	}
	if alerts+pings+history > 0 {
		log.Info().
			Int64("alerts", alerts).
			Int64("ping_results", pings).
			Int64("status_history", history).
			Bool("deep", deep).
			Msg("History pruned")
	}
	if deep || alerts+pings+history > 0 {
		if err := h.store.VacuumAnalyze(ctx, "alert_history", "ping_results", "device_status_history"); err != nil {
			log.Error().Err(err).Msg("Vacuum after history cleanup failed")
		}
	}
	return nil
}

func (h *Housekeeper) killIdleTransactions(ctx context.Context) error {
	killed, err := h.store.TerminateIdleTransactions(ctx, h.cfg.Retention.IdleTxMax)
	if err != nil {
		return err
	}
	if killed > 0 {
		log.Warn().Int("killed", killed).Msg("Idle transactions terminated")
	}
	if h.writer != nil {
		if err := h.writer.WriteSelfMetric(ctx, MetricIdleTxKilled, float64(killed), time.Now().UTC()); err != nil {
			log.Error().Err(err).Msg("Failed to write idle-tx metric")
		}
	}
	return nil
}

// checkWorkerHealth raises a Worker Missing alert for every class whose
// heartbeat is older than twice the maintenance period, and resolves it when
// the class reports again.
func (h *Housekeeper) checkWorkerHealth(ctx context.Context) error {
	now := time.Now().UTC()
	stale, err := h.store.StaleWorkerClasses(ctx, 2*h.cfg.MaintenancePeriod)
	if err != nil {
		return err
	}

	staleSet := map[string]bool{}
	for _, class := range stale {
		staleSet[class] = true
		created, err := h.store.OpenAlert(ctx, models.AlertHistory{
			RuleName:    models.RuleNameWorkerMissing,
			DeviceID:    workerAlertID(class),
			Severity:    models.SeverityHigh,
			TriggeredAt: now,
			Context:     map[string]string{"worker_class": class},
		})
		if err != nil {
			log.Error().Str("worker_class", class).Err(err).Msg("Failed to open worker-missing alert")
			continue
		}
		if created {
			log.Error().Str("worker_class", class).Msg("Worker class missing")
		}
	}

	for _, class := range []string{models.QueueMonitoring, models.QueueSNMP, models.QueueAlerts, models.QueueMaintenance} {
		if staleSet[class] {
			continue
		}
		if _, err := h.store.ResolveAlert(ctx, workerAlertID(class), models.RuleNameWorkerMissing, now, "heartbeat-restored"); err != nil {
			log.Error().Str("worker_class", class).Err(err).Msg("Failed to resolve worker-missing alert")
		}
	}
	return nil
}

// workerAlertID derives a stable synthetic device ID per worker class so the
// open-alert unique index dedupes worker-missing alerts like any other.
func workerAlertID(class string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("worker-class/"+class))
}

// RunHeartbeat writes this process's heartbeat to both stores every
// maintenance period until the context ends.
func (h *Housekeeper) RunHeartbeat(ctx context.Context, workerClass string) {
	ticker := time.NewTicker(h.cfg.MaintenancePeriod)
	defer ticker.Stop()

	h.beat(ctx, workerClass)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx, workerClass)
		}
	}
}

func (h *Housekeeper) beat(ctx context.Context, workerClass string) {
	now := time.Now().UTC()
	if err := h.store.UpsertWorkerHeartbeat(ctx, workerClass, now); err != nil {
		log.Error().Str("worker_class", workerClass).Err(err).Msg("Failed to record heartbeat")
	}
	if h.writer != nil {
		if err := h.writer.WriteHeartbeat(ctx, workerClass, now); err != nil {
			log.Error().Str("worker_class", workerClass).Err(err).Msg("Failed to write heartbeat sample")
		}
	}
}
