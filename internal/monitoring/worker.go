package monitoring

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/tsdb"
)

// SampleWriter is what the worker needs from the TSDB side.
type SampleWriter interface {
	WritePing(ctx context.Context, lbl tsdb.Labels, reachable bool, rttMS *float64, lossRatio float64, ts time.Time) error
}

// StateStore is what the worker needs from the relational side.
type StateStore interface {
	GetDevicesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Device, error)
	WithDeviceState(ctx context.Context, deviceID uuid.UUID, fn func(dev *models.Device) error) error
	InsertPingResult(ctx context.Context, pr models.PingResult) error
	OpenAlert(ctx context.Context, a models.AlertHistory) (bool, error)
	ResolveAlert(ctx context.Context, deviceID uuid.UUID, ruleName string, at time.Time, reason string) (bool, error)
	ResolveNonFlappingAlerts(ctx context.Context, deviceID uuid.UUID, keepRuleName string, at time.Time) (int64, error)
}

// TargetProber abstracts the ICMP prober for tests.
type TargetProber interface {
	Probe(ctx context.Context, ip string) (ProbeResult, error)
}

// Worker consumes ping-batch tasks: probe the batch concurrently, write
// samples, drive the state machine.
type Worker struct {
	cfg     *config.Config
	prober  TargetProber
	writer  SampleWriter
	store   StateStore
	limiter *rate.Limiter

	probesSent atomic.Uint64
}

// NewWorker wires an ICMP batch worker.
func NewWorker(cfg *config.Config, prober TargetProber, writer SampleWriter, store StateStore) *Worker {
	return &Worker{
		cfg:     cfg,
		prober:  prober,
		writer:  writer,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(cfg.ICMP.RateLimit), cfg.ICMP.RateBurst),
	}
}

// HandleBatch processes one ping-batch task. Per-device failures are
// contained; the batch deadline bounds total wall clock and partial
// completion is reported, never retried in place.
func (w *Worker) HandleBatch(ctx context.Context, task models.TaskPayload) error {
	ctx, cancel := context.WithTimeout(ctx, config.BatchTimeout(w.cfg.PingPeriod))
	defer cancel()

	devices, err := w.store.GetDevicesByIDs(ctx, task.DeviceIDs)
	if err != nil {
		return err
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ICMP.Fanout)
	for i := range devices {
		dev := devices[i]
		if !dev.Enabled {
			continue
		}
		g.Go(func() error {
			if err := w.limiter.Wait(gctx); err != nil {
				return nil // deadline hit while queued; next tick covers it
			}
			w.probeDevice(gctx, dev)
			done.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	if int(done.Load()) < len(devices) {
		log.Warn().
			Int("batch_index", task.BatchIndex).
			Int("probed", int(done.Load())).
			Int("total", len(devices)).
			Msg("Ping batch exceeded deadline, partial completion")
	}
	return nil
}

// ProbesSent exposes the observability counter for the health endpoint.
func (w *Worker) ProbesSent() uint64 { return w.probesSent.Load() }

func (w *Worker) probeDevice(ctx context.Context, dev models.Device) {
	// Panic recovery so one bad target cannot sink the batch.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("ip", dev.IP).Interface("panic", r).Msg("Probe panic recovered")
		}
	}()

	w.probesSent.Add(1)
	now := time.Now().UTC()

	res, err := w.prober.Probe(ctx, dev.IP)
	if err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Probe setup failed")
		return
	}

	// TSDB write failures never abort the state-machine update; the writer
	// retries internally and the next tick re-covers the gap.
	lbl := tsdb.Labels{
		Device:     dev.Name,
		IP:         dev.IP,
		Branch:     dev.Branch,
		Region:     dev.Region,
		DeviceType: string(dev.DeviceType),
	}
	if err := w.writer.WritePing(ctx, lbl, res.Reachable, res.AvgRTTMS, res.LossRatio, now); err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to write ping samples")
	}

	if err := w.store.InsertPingResult(ctx, models.PingResult{
		DeviceID:  dev.ID,
		IP:        dev.IP,
		Reachable: res.Reachable,
		AvgRTTMS:  res.AvgRTTMS,
		LossRatio: res.LossRatio,
		ProbedAt:  now,
	}); err != nil {
		log.Debug().Str("ip", dev.IP).Err(err).Msg("Failed to record ping result")
	}

	var tr Transition
	var after models.Device
	err = w.store.WithDeviceState(ctx, dev.ID, func(locked *models.Device) error {
		tr = ApplyPingOutcome(locked, res.Reachable, now, w.cfg.Flap)
		after = *locked
		return nil
	})
	if err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("State machine update failed, will retry next batch")
		return
	}

	w.emitAlerts(ctx, &after, tr, now)
}

// emitAlerts turns a transition into alert-history writes. Runs after the row
// lock is released; the partial unique index keeps replays single.
func (w *Worker) emitAlerts(ctx context.Context, dev *models.Device, tr Transition, now time.Time) {
	severity := models.SeverityHigh
	if dev.IsISPUplink() {
		severity = models.SeverityCritical
	}

	if tr.FlappingStarted {
		if _, err := w.store.OpenAlert(ctx, models.AlertHistory{
			RuleName:    models.RuleNameDeviceFlapping,
			DeviceID:    dev.ID,
			Severity:    severity,
			TriggeredAt: now,
			Context:     map[string]string{"ip": dev.IP, "flap_count": strconv.Itoa(dev.FlapCount)},
		}); err != nil {
			log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to open flapping alert")
		}
		if _, err := w.store.ResolveNonFlappingAlerts(ctx, dev.ID, models.RuleNameDeviceFlapping, now); err != nil {
			log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to supersede alerts with flapping")
		}
		log.Warn().Str("ip", dev.IP).Int("flap_count", dev.FlapCount).Msg("Device flapping detected")
		return
	}

	if tr.FlappingCleared {
		if _, err := w.store.ResolveAlert(ctx, dev.ID, models.RuleNameDeviceFlapping, now, "flapping-cleared"); err != nil {
			log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to resolve flapping alert")
		}
		log.Info().Str("ip", dev.IP).Msg("Device flapping cleared")
	}

	// While flapping, individual down/recovered alerts stay suppressed.
	if dev.IsFlapping {
		return
	}

	if tr.WentDown {
		if _, err := w.store.OpenAlert(ctx, models.AlertHistory{
			RuleName:    models.RuleNameDeviceDown,
			DeviceID:    dev.ID,
			Severity:    severity,
			TriggeredAt: now,
			Context:     map[string]string{"ip": dev.IP},
		}); err != nil {
			log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to open down alert")
		}
		log.Warn().Str("ip", dev.IP).Msg("Device went DOWN")
	}

	if tr.Recovered {
		if _, err := w.store.ResolveAlert(ctx, dev.ID, models.RuleNameDeviceDown, now, "recovered"); err != nil {
			log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to resolve down alert")
		}
		if w.cfg.RecoveryEvents {
			// Transient informational event: open and immediately resolve.
			if _, err := w.store.OpenAlert(ctx, models.AlertHistory{
				RuleName:    models.RuleNameDeviceRecovered,
				DeviceID:    dev.ID,
				Severity:    models.SeverityLow,
				TriggeredAt: now,
				Context:     map[string]string{"ip": dev.IP},
			}); err != nil {
				log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to open recovery event")
			} else if _, err := w.store.ResolveAlert(ctx, dev.ID, models.RuleNameDeviceRecovered, now, "informational"); err != nil {
				log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to close recovery event")
			}
		}
		log.Info().Str("ip", dev.IP).Msg("Device recovered")
	}
}
