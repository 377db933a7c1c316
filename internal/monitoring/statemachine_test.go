package monitoring

import (
	"testing"
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

func flapDefaults() config.FlapConfig {
	return config.FlapConfig{
		Window:       5 * time.Minute,
		Threshold:    3,
		ISPThreshold: 2,
		ClearWindow:  15 * time.Minute,
	}
}

func upDevice(ip string) *models.Device {
	return &models.Device{IP: ip, Enabled: true}
}

func TestOutageAndRecovery(t *testing.T) {
	dev := upDevice("10.0.0.1")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Tick 1: reachable, stays UP.
	tr := ApplyPingOutcome(dev, true, t0, flapDefaults())
	if tr.StatusChanged || dev.DownSince != nil {
		t.Fatalf("reachable UP device must stay UP: %+v", tr)
	}
	if dev.LastSeen == nil || !dev.LastSeen.Equal(t0) {
		t.Errorf("last_seen not updated")
	}

	// Tick 2: unreachable, goes DOWN at t0+30s.
	t1 := t0.Add(30 * time.Second)
	tr = ApplyPingOutcome(dev, false, t1, flapDefaults())
	if !tr.WentDown || dev.DownSince == nil || !dev.DownSince.Equal(t1) {
		t.Fatalf("expected DOWN at %v, got %+v down_since=%v", t1, tr, dev.DownSince)
	}

	// Tick 3: still unreachable, no new transition.
	tr = ApplyPingOutcome(dev, false, t1.Add(30*time.Second), flapDefaults())
	if tr.StatusChanged {
		t.Errorf("repeated unreachable must not re-transition")
	}

	// Tick 4: reachable again, recovers.
	t2 := t1.Add(time.Minute)
	tr = ApplyPingOutcome(dev, true, t2, flapDefaults())
	if !tr.Recovered || dev.DownSince != nil {
		t.Fatalf("expected recovery, got %+v down_since=%v", tr, dev.DownSince)
	}
	if len(dev.StatusChangeTimes) != 2 {
		t.Errorf("expected 2 recorded transitions, got %d", len(dev.StatusChangeTimes))
	}
}

func TestFlapThresholdBoundary(t *testing.T) {
	// Exactly FLAP_THRESHOLD transitions inside the window trigger flapping;
	// one fewer does not.
	dev := upDevice("10.0.0.2")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ApplyPingOutcome(dev, false, t0, flapDefaults())                    // transition 1
	tr := ApplyPingOutcome(dev, true, t0.Add(30*time.Second), flapDefaults()) // transition 2
	if tr.FlappingStarted || dev.IsFlapping {
		t.Fatalf("threshold-1 transitions must not trigger flapping")
	}
	tr = ApplyPingOutcome(dev, false, t0.Add(time.Minute), flapDefaults()) // transition 3
	if !tr.FlappingStarted || !dev.IsFlapping {
		t.Fatalf("threshold transitions inside the window must trigger flapping")
	}
	if dev.FlapCount != 1 {
		t.Errorf("flap_count = %d, want 1", dev.FlapCount)
	}
	if dev.FlappingSince == nil || !dev.FlappingSince.Equal(t0) {
		t.Errorf("flapping_since should be the first in-window transition, got %v", dev.FlappingSince)
	}
}

func TestISPUplinkLowerThreshold(t *testing.T) {
	// .5 last octet marks an ISP uplink: threshold drops to 2.
	dev := upDevice("192.168.1.5")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ApplyPingOutcome(dev, false, t0, flapDefaults())
	tr := ApplyPingOutcome(dev, true, t0.Add(time.Minute), flapDefaults())
	if !tr.FlappingStarted || !dev.IsFlapping {
		t.Fatalf("ISP uplink must flap at 2 transitions, got %+v", tr)
	}

	// Continued oscillation while flapping: state still moves, no new
	// flapping-started edge.
	tr = ApplyPingOutcome(dev, false, t0.Add(90*time.Second), flapDefaults())
	if !tr.WentDown || tr.FlappingStarted {
		t.Errorf("oscillation under flapping should transition without re-firing: %+v", tr)
	}
}

func TestExplicitRoleTagWins(t *testing.T) {
	dev := upDevice("10.4.7.17")
	dev.Tags = []string{models.TagISPUplink}
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ApplyPingOutcome(dev, false, t0, flapDefaults())
	tr := ApplyPingOutcome(dev, true, t0.Add(time.Minute), flapDefaults())
	if !tr.FlappingStarted {
		t.Errorf("tagged ISP uplink must use the lower threshold")
	}
}

func TestFlappingClears(t *testing.T) {
	dev := upDevice("10.0.0.3")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := flapDefaults()

	ApplyPingOutcome(dev, false, t0, cfg)
	ApplyPingOutcome(dev, true, t0.Add(time.Minute), cfg)
	ApplyPingOutcome(dev, false, t0.Add(2*time.Minute), cfg)
	if !dev.IsFlapping {
		t.Fatal("device should be flapping")
	}
	ApplyPingOutcome(dev, true, t0.Add(3*time.Minute), cfg)

	// Quiet for less than the clear window: still flapping.
	tr := ApplyPingOutcome(dev, true, t0.Add(10*time.Minute), cfg)
	if tr.FlappingCleared || !dev.IsFlapping {
		t.Errorf("flapping must not clear before the quiet window elapses")
	}

	// Quiet past the clear window: clears.
	tr = ApplyPingOutcome(dev, true, t0.Add(19*time.Minute), cfg)
	if !tr.FlappingCleared || dev.IsFlapping {
		t.Errorf("flapping should clear after %v of quiet, got %+v", cfg.ClearWindow, tr)
	}
	if dev.FlappingSince != nil {
		t.Errorf("flapping_since should reset on clear")
	}
}

func TestStatusHistoryBounded(t *testing.T) {
	dev := upDevice("10.0.0.4")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := flapDefaults()

	reachable := false
	for i := 0; i < 30; i++ {
		ApplyPingOutcome(dev, reachable, t0.Add(time.Duration(i)*time.Minute), cfg)
		reachable = !reachable
	}
	if len(dev.StatusChangeTimes) > models.StatusHistoryLimit {
		t.Errorf("status_change_times grew to %d, limit is %d",
			len(dev.StatusChangeTimes), models.StatusHistoryLimit)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	// Re-running the same outcome at the same instant must not change
	// terminal state — the batch replay invariant.
	dev := upDevice("10.0.0.5")
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := flapDefaults()

	ApplyPingOutcome(dev, false, t0, cfg)
	downSince := *dev.DownSince
	changes := len(dev.StatusChangeTimes)

	tr := ApplyPingOutcome(dev, false, t0, cfg)
	if tr.StatusChanged {
		t.Errorf("replaying an unreachable outcome must not re-transition")
	}
	if !dev.DownSince.Equal(downSince) || len(dev.StatusChangeTimes) != changes {
		t.Errorf("replay changed terminal state")
	}
}
