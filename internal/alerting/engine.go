package alerting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/store"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/tsdb"
)

// aggregateWindow bounds the recent-sample window every tick evaluates over.
const aggregateWindow = 15 * time.Minute

const defaultCooldown = 60 * time.Second

// RuleStore is what the engine needs from the relational side.
type RuleStore interface {
	ListEnabledAlertRules(ctx context.Context) ([]models.AlertRule, error)
	ListEnabledDevices(ctx context.Context) ([]models.Device, error)
	ListISPInterfaces(ctx context.Context) ([]models.Interface, error)
	PingAggregates(ctx context.Context, window time.Duration) (map[uuid.UUID]store.PingAggregate, error)
	StatusChangesSince(ctx context.Context, cutoff time.Time) (map[uuid.UUID]int, error)
	OpenAlerts(ctx context.Context) ([]models.AlertHistory, error)
	LastResolvedAt(ctx context.Context, deviceID uuid.UUID, ruleName string) (*time.Time, error)
	OpenAlert(ctx context.Context, a models.AlertHistory) (bool, error)
	ResolveAlert(ctx context.Context, deviceID uuid.UUID, ruleName string, at time.Time, reason string) (bool, error)
	ResolveNonFlappingAlerts(ctx context.Context, deviceID uuid.UUID, keepRuleName string, at time.Time) (int64, error)
}

// RateReader is what the engine needs from the TSDB side.
type RateReader interface {
	InterfaceRates(ctx context.Context, metric string, window time.Duration) ([]tsdb.InterfaceRate, error)
}

// Engine evaluates alert rules against current state and recent samples.
// It owns rule-driven alerts; the ICMP worker emits the built-in
// down/flapping transitions directly.
type Engine struct {
	cfg    *config.Config
	store  RuleStore
	reader RateReader

	exprCache map[string]*Expr
}

// NewEngine wires an alert engine.
func NewEngine(cfg *config.Config, ruleStore RuleStore, reader RateReader) *Engine {
	return &Engine{cfg: cfg, store: ruleStore, reader: reader, exprCache: map[string]*Expr{}}
}

type candidate struct {
	rule   models.AlertRule
	device models.Device
}

// EvaluateTick runs one full evaluation pass.
func (e *Engine) EvaluateTick(ctx context.Context) error {
	now := time.Now().UTC()

	rules, err := e.store.ListEnabledAlertRules(ctx)
	if err != nil {
		return err
	}
	devices, err := e.store.ListEnabledDevices(ctx)
	if err != nil {
		return err
	}
	openAlerts, err := e.store.OpenAlerts(ctx)
	if err != nil {
		return err
	}

	exprs := e.compileRules(rules)
	facts, err := e.gatherFacts(ctx, devices, exprs, now)
	if err != nil {
		return err
	}

	// Pass 1: matching set per rule.
	matched := map[uuid.UUID][]candidate{} // device -> matching rules
	matchedPairs := map[string]bool{}      // deviceID/ruleName
	for _, rule := range rules {
		expr, ok := exprs[rule.ID]
		if !ok {
			continue
		}
		for _, dev := range devices {
			f := facts[dev.ID]
			if f == nil || !expr.Eval(f) {
				continue
			}
			matched[dev.ID] = append(matched[dev.ID], candidate{rule: rule, device: dev})
			matchedPairs[pairKey(dev.ID, rule.Name)] = true
		}
	}

	// Pass 2: per device, flapping suppression then highest severity wins.
	for devID, cands := range matched {
		dev := cands[0].device
		if dev.IsFlapping {
			if n, err := e.store.ResolveNonFlappingAlerts(ctx, devID, models.RuleNameDeviceFlapping, now); err != nil {
				log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to supersede alerts with flapping")
			} else if n > 0 {
				log.Info().Str("ip", dev.IP).Int64("closed", n).Msg("Alerts superseded by flapping")
			}
			continue
		}

		best := cands[0]
		for _, c := range cands[1:] {
			if c.rule.Severity.Rank() > best.rule.Severity.Rank() {
				best = c
			}
		}
		e.fire(ctx, best, now)
	}

	// Pass 3: auto-resolve open rule alerts that no longer match.
	byRuleName := map[string]models.AlertRule{}
	for _, r := range rules {
		byRuleName[r.Name] = r
	}
	for _, open := range openAlerts {
		rule, ok := byRuleName[open.RuleName]
		if !ok || !rule.AutoResolve {
			continue
		}
		if matchedPairs[pairKey(open.DeviceID, open.RuleName)] {
			continue
		}
		if _, err := e.store.ResolveAlert(ctx, open.DeviceID, open.RuleName, now, "condition-cleared"); err != nil {
			log.Error().Str("rule", open.RuleName).Err(err).Msg("Failed to auto-resolve alert")
		}
	}
	return nil
}

// fire opens one alert, honoring the rule cooldown. The partial unique index
// makes duplicate opens no-ops.
func (e *Engine) fire(ctx context.Context, c candidate, now time.Time) {
	cooldown := defaultCooldown
	if c.rule.CooldownSeconds > 0 {
		cooldown = time.Duration(c.rule.CooldownSeconds) * time.Second
	}
	last, err := e.store.LastResolvedAt(ctx, c.device.ID, c.rule.Name)
	if err != nil {
		log.Error().Str("rule", c.rule.Name).Err(err).Msg("Cooldown lookup failed")
		return
	}
	if last != nil && now.Sub(*last) < cooldown {
		log.Debug().
			Str("ip", c.device.IP).
			Str("rule", c.rule.Name).
			Msg("Alert in cooldown, skipping")
		return
	}

	created, err := e.store.OpenAlert(ctx, models.AlertHistory{
		RuleID:      c.rule.ID,
		RuleName:    c.rule.Name,
		DeviceID:    c.device.ID,
		Severity:    c.rule.Severity,
		TriggeredAt: now,
		Context: map[string]string{
			"ip":         c.device.IP,
			"expression": c.rule.Expression,
		},
	})
	if err != nil {
		log.Error().Str("rule", c.rule.Name).Str("ip", c.device.IP).Err(err).Msg("Failed to open alert")
		return
	}
	if created {
		log.Warn().
			Str("rule", c.rule.Name).
			Str("ip", c.device.IP).
			Str("severity", string(c.rule.Severity)).
			Msg("Alert triggered")
	}
}

// compileRules parses rule expressions through a cache; bad expressions are
// logged once per text and skipped.
func (e *Engine) compileRules(rules []models.AlertRule) map[uuid.UUID]*Expr {
	out := make(map[uuid.UUID]*Expr, len(rules))
	for _, rule := range rules {
		expr, ok := e.exprCache[rule.Expression]
		if !ok {
			var err error
			expr, err = Parse(rule.Expression)
			if err != nil {
				log.Error().Str("rule", rule.Name).Err(err).Msg("Invalid alert expression, rule disabled this tick")
				e.exprCache[rule.Expression] = nil
			} else {
				e.exprCache[rule.Expression] = expr
			}
		}
		if expr := e.exprCache[rule.Expression]; expr != nil {
			out[rule.ID] = expr
		}
	}
	return out
}

// gatherFacts assembles the per-device evaluation inputs: ping aggregates
// from the relational store, interface rates from the TSDB, transition counts
// per referenced window.
func (e *Engine) gatherFacts(ctx context.Context, devices []models.Device, exprs map[uuid.UUID]*Expr, now time.Time) (map[uuid.UUID]*Facts, error) {
	aggs, err := e.store.PingAggregates(ctx, aggregateWindow)
	if err != nil {
		return nil, err
	}

	ispOwners := map[uuid.UUID]bool{}
	if ifaces, err := e.store.ListISPInterfaces(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to list ISP interfaces")
	} else {
		for _, iface := range ifaces {
			ispOwners[iface.DeviceID] = true
		}
	}

	inRates := e.ratesByDevice(ctx, tsdb.MetricIfInErrors)
	outRates := e.ratesByDevice(ctx, tsdb.MetricIfOutDiscards)

	// One StatusChangesSince query per distinct window across all rules.
	windows := map[time.Duration]map[uuid.UUID]int{}
	for _, expr := range exprs {
		for _, w := range expr.StatusWindows() {
			if _, ok := windows[w]; ok {
				continue
			}
			counts, err := e.store.StatusChangesSince(ctx, now.Add(-w))
			if err != nil {
				return nil, err
			}
			windows[w] = counts
		}
	}

	facts := make(map[uuid.UUID]*Facts, len(devices))
	for _, dev := range devices {
		dev := dev
		f := &Facts{
			Device:         dev,
			Now:            now,
			IsISP:          ispOwners[dev.ID] || dev.IsISPUplink(),
			InErrorRate:    inRates[dev.Name],
			OutDiscardRate: outRates[dev.Name],
		}
		if agg, ok := aggs[dev.ID]; ok && agg.Samples > 0 {
			f.HaveAggregates = true
			f.AvgPingMS = agg.AvgRTTMS
			f.PacketLoss = agg.LossRatio
		}
		f.StatusChangesIn = func(w time.Duration) int {
			if counts, ok := windows[w]; ok {
				return counts[dev.ID]
			}
			return 0
		}
		facts[dev.ID] = f
	}
	return facts, nil
}

// ratesByDevice reduces per-interface rates to the max per device. A reader
// failure degrades to zero rates rather than failing the tick.
func (e *Engine) ratesByDevice(ctx context.Context, metric string) map[string]float64 {
	out := map[string]float64{}
	if e.reader == nil {
		return out
	}
	rates, err := e.reader.InterfaceRates(ctx, metric, aggregateWindow)
	if err != nil {
		log.Error().Str("metric", metric).Err(err).Msg("Failed to read interface rates")
		return out
	}
	for _, r := range rates {
		if r.Rate > out[r.Device] {
			out[r.Device] = r.Rate
		}
	}
	return out
}

func pairKey(deviceID uuid.UUID, ruleName string) string {
	return deviceID.String() + "/" + ruleName
}
