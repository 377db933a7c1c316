package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/store"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/tsdb"
)

type fakeRuleStore struct {
	rules   []models.AlertRule
	devices []models.Device
	isp     []models.Interface
	aggs    map[uuid.UUID]store.PingAggregate
	changes map[uuid.UUID]int

	alerts []*models.AlertHistory
}

func (f *fakeRuleStore) ListEnabledAlertRules(context.Context) ([]models.AlertRule, error) {
	return f.rules, nil
}

func (f *fakeRuleStore) ListEnabledDevices(context.Context) ([]models.Device, error) {
	return f.devices, nil
}

func (f *fakeRuleStore) ListISPInterfaces(context.Context) ([]models.Interface, error) {
	return f.isp, nil
}

func (f *fakeRuleStore) PingAggregates(context.Context, time.Duration) (map[uuid.UUID]store.PingAggregate, error) {
	return f.aggs, nil
}

func (f *fakeRuleStore) StatusChangesSince(context.Context, time.Time) (map[uuid.UUID]int, error) {
	return f.changes, nil
}

func (f *fakeRuleStore) OpenAlerts(context.Context) ([]models.AlertHistory, error) {
	var out []models.AlertHistory
	for _, a := range f.alerts {
		if a.ResolvedAt == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) LastResolvedAt(_ context.Context, deviceID uuid.UUID, ruleName string) (*time.Time, error) {
	var last *time.Time
	for _, a := range f.alerts {
		if a.DeviceID == deviceID && a.RuleName == ruleName && a.ResolvedAt != nil {
			if last == nil || a.ResolvedAt.After(*last) {
				last = a.ResolvedAt
			}
		}
	}
	return last, nil
}

func (f *fakeRuleStore) OpenAlert(_ context.Context, a models.AlertHistory) (bool, error) {
	for _, existing := range f.alerts {
		if existing.DeviceID == a.DeviceID && existing.RuleName == a.RuleName && existing.ResolvedAt == nil {
			return false, nil
		}
	}
	a.ID = uuid.New()
	f.alerts = append(f.alerts, &a)
	return true, nil
}

func (f *fakeRuleStore) ResolveAlert(_ context.Context, deviceID uuid.UUID, ruleName string, at time.Time, _ string) (bool, error) {
	for _, a := range f.alerts {
		if a.DeviceID == deviceID && a.RuleName == ruleName && a.ResolvedAt == nil {
			t := at
			a.ResolvedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRuleStore) ResolveNonFlappingAlerts(_ context.Context, deviceID uuid.UUID, keep string, at time.Time) (int64, error) {
	var n int64
	for _, a := range f.alerts {
		if a.DeviceID == deviceID && a.RuleName != keep && a.ResolvedAt == nil {
			t := at
			a.ResolvedAt = &t
			n++
		}
	}
	return n, nil
}

func (f *fakeRuleStore) open(deviceID uuid.UUID) []*models.AlertHistory {
	var out []*models.AlertHistory
	for _, a := range f.alerts {
		if a.DeviceID == deviceID && a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	return out
}

type fakeRates struct {
	rates map[string][]tsdb.InterfaceRate
}

func (f *fakeRates) InterfaceRates(_ context.Context, metric string, _ time.Duration) ([]tsdb.InterfaceRate, error) {
	return f.rates[metric], nil
}

func engineConfig() *config.Config {
	return &config.Config{AlertPeriod: 30 * time.Second}
}

func TestRuleFiresAndAutoResolves(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "br-sw", IP: "10.195.2.10", Enabled: true}
	st := &fakeRuleStore{
		rules: []models.AlertRule{{
			ID:          uuid.New(),
			Name:        "High Packet Loss",
			Expression:  "packet_loss > 0.5",
			Severity:    models.SeverityMedium,
			Enabled:     true,
			AutoResolve: true,
		}},
		devices: []models.Device{dev},
		aggs:    map[uuid.UUID]store.PingAggregate{dev.ID: {LossRatio: 0.9, Samples: 10}},
	}
	eng := NewEngine(engineConfig(), st, &fakeRates{})

	require.NoError(t, eng.EvaluateTick(context.Background()))
	open := st.open(dev.ID)
	require.Len(t, open, 1)
	assert.Equal(t, "High Packet Loss", open[0].RuleName)

	// Same conditions: no duplicate.
	require.NoError(t, eng.EvaluateTick(context.Background()))
	assert.Len(t, st.open(dev.ID), 1)

	// Condition clears: auto-resolve.
	st.aggs[dev.ID] = store.PingAggregate{LossRatio: 0, Samples: 10}
	require.NoError(t, eng.EvaluateTick(context.Background()))
	assert.Empty(t, st.open(dev.ID))
}

func TestRuleRecreatedUnderSameName(t *testing.T) {
	// An open alert from a deleted rule keeps its rule_name; a re-created
	// rule with a new ID but the same name must adopt it rather than open a
	// second row, and must be able to resolve it.
	dev := models.Device{ID: uuid.New(), Name: "br-rtr", IP: "10.195.3.1", Enabled: true}
	oldRuleID := uuid.New()
	st := &fakeRuleStore{
		devices: []models.Device{dev},
		aggs:    map[uuid.UUID]store.PingAggregate{dev.ID: {LossRatio: 0.9, Samples: 5}},
	}
	st.alerts = append(st.alerts, &models.AlertHistory{
		ID:          uuid.New(),
		RuleID:      oldRuleID,
		RuleName:    "High Packet Loss",
		DeviceID:    dev.ID,
		Severity:    models.SeverityMedium,
		TriggeredAt: time.Now().Add(-time.Hour),
	})
	st.rules = []models.AlertRule{{
		ID:          uuid.New(), // new identity, same name
		Name:        "High Packet Loss",
		Expression:  "packet_loss > 0.5",
		Severity:    models.SeverityMedium,
		Enabled:     true,
		AutoResolve: true,
	}}
	eng := NewEngine(engineConfig(), st, &fakeRates{})

	require.NoError(t, eng.EvaluateTick(context.Background()))
	require.Len(t, st.open(dev.ID), 1, "re-created rule must not duplicate the open alert")

	st.aggs[dev.ID] = store.PingAggregate{LossRatio: 0, Samples: 5}
	require.NoError(t, eng.EvaluateTick(context.Background()))
	assert.Empty(t, st.open(dev.ID), "re-created rule must resolve the inherited alert")
}

func TestHighestSeverityWins(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "isp-rtr", IP: "10.195.4.5", Enabled: true}
	st := &fakeRuleStore{
		rules: []models.AlertRule{
			{ID: uuid.New(), Name: "Loss Warning", Expression: "packet_loss > 0.2", Severity: models.SeverityLow, Enabled: true},
			{ID: uuid.New(), Name: "Loss Critical", Expression: "packet_loss > 0.5", Severity: models.SeverityCritical, Enabled: true},
		},
		devices: []models.Device{dev},
		aggs:    map[uuid.UUID]store.PingAggregate{dev.ID: {LossRatio: 0.9, Samples: 8}},
	}
	eng := NewEngine(engineConfig(), st, &fakeRates{})

	require.NoError(t, eng.EvaluateTick(context.Background()))
	open := st.open(dev.ID)
	require.Len(t, open, 1)
	assert.Equal(t, "Loss Critical", open[0].RuleName)
}

func TestFlappingSuppressesRuleAlerts(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "flappy", IP: "10.195.5.5", Enabled: true, IsFlapping: true}
	st := &fakeRuleStore{
		rules: []models.AlertRule{{
			ID: uuid.New(), Name: "High Packet Loss", Expression: "packet_loss > 0.5",
			Severity: models.SeverityHigh, Enabled: true,
		}},
		devices: []models.Device{dev},
		aggs:    map[uuid.UUID]store.PingAggregate{dev.ID: {LossRatio: 1, Samples: 4}},
	}
	// Pre-existing open alert from before flapping started.
	st.alerts = append(st.alerts, &models.AlertHistory{
		ID: uuid.New(), RuleName: "High Packet Loss", DeviceID: dev.ID,
		Severity: models.SeverityHigh, TriggeredAt: time.Now().Add(-10 * time.Minute),
	})
	eng := NewEngine(engineConfig(), st, &fakeRates{})

	require.NoError(t, eng.EvaluateTick(context.Background()))
	assert.Empty(t, st.open(dev.ID), "non-flapping alerts must be closed while flapping")
}

func TestCooldownBlocksRefire(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "noisy", IP: "10.195.6.6", Enabled: true}
	resolved := time.Now().UTC().Add(-10 * time.Second)
	st := &fakeRuleStore{
		rules: []models.AlertRule{{
			ID: uuid.New(), Name: "High Packet Loss", Expression: "packet_loss > 0.5",
			Severity: models.SeverityHigh, Enabled: true, CooldownSeconds: 60,
		}},
		devices: []models.Device{dev},
		aggs:    map[uuid.UUID]store.PingAggregate{dev.ID: {LossRatio: 1, Samples: 4}},
	}
	st.alerts = append(st.alerts, &models.AlertHistory{
		ID: uuid.New(), RuleName: "High Packet Loss", DeviceID: dev.ID,
		Severity: models.SeverityHigh, TriggeredAt: resolved.Add(-time.Minute), ResolvedAt: &resolved,
	})
	eng := NewEngine(engineConfig(), st, &fakeRates{})

	require.NoError(t, eng.EvaluateTick(context.Background()))
	assert.Empty(t, st.open(dev.ID), "cooldown must block re-fire")
}

func TestInterfaceRateScopedToISP(t *testing.T) {
	ispDev := models.Device{ID: uuid.New(), Name: "isp-gw", IP: "10.195.7.5", Enabled: true}
	plainDev := models.Device{ID: uuid.New(), Name: "plain-sw", IP: "10.195.7.20", Enabled: true}
	st := &fakeRuleStore{
		rules: []models.AlertRule{{
			ID: uuid.New(), Name: "ISP Errors", Expression: "is_isp AND interface_in_error_rate > 10",
			Severity: models.SeverityCritical, Enabled: true,
		}},
		devices: []models.Device{ispDev, plainDev},
		isp:     []models.Interface{{DeviceID: ispDev.ID, IfIndex: 1, IsISP: true}},
	}
	rates := &fakeRates{rates: map[string][]tsdb.InterfaceRate{
		tsdb.MetricIfInErrors: {
			{Device: "isp-gw", IfIndex: 1, Rate: 42},
			{Device: "plain-sw", IfIndex: 3, Rate: 99},
		},
	}}
	eng := NewEngine(engineConfig(), st, rates)

	require.NoError(t, eng.EvaluateTick(context.Background()))
	assert.Len(t, st.open(ispDev.ID), 1)
	assert.Empty(t, st.open(plainDev.ID), "non-ISP device must not match is_isp scope")
}
