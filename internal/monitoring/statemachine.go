package monitoring

import (
	"time"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// Transition describes what one ping outcome did to a device's state machine.
// The caller turns these flags into alert rows outside the row lock.
type Transition struct {
	StatusChanged   bool
	WentDown        bool
	Recovered       bool
	FlappingStarted bool
	FlappingCleared bool
}

// ApplyPingOutcome advances the per-device state machine for one ping result.
// It mutates dev's state-machine fields only; persistence and locking belong
// to the caller. ICMP is the sole reachability signal: down_since moves here
// and nowhere else.
func ApplyPingOutcome(dev *models.Device, reachable bool, now time.Time, flap config.FlapConfig) Transition {
	var tr Transition

	if reachable {
		t := now
		dev.LastSeen = &t
		if dev.DownSince != nil {
			dev.DownSince = nil
			recordChange(dev, now)
			tr.StatusChanged = true
			tr.Recovered = true
		}
	} else if dev.DownSince == nil {
		t := now
		dev.DownSince = &t
		recordChange(dev, now)
		tr.StatusChanged = true
		tr.WentDown = true
	}

	threshold := flap.Threshold
	if dev.IsISPUplink() && flap.ISPThreshold > 0 && flap.ISPThreshold < threshold {
		threshold = flap.ISPThreshold
	}

	if tr.StatusChanged && !dev.IsFlapping {
		if c, first := changesInWindow(dev.StatusChangeTimes, now, flap.Window); c >= threshold {
			dev.IsFlapping = true
			dev.FlappingSince = first
			dev.FlapCount++
			t := now
			dev.LastFlapDetected = &t
			tr.FlappingStarted = true
		}
	}

	// Clearing is evaluated on every outcome, not only on transitions, so a
	// device that settled down stops being suppressed even while steadily UP.
	if dev.IsFlapping && !tr.FlappingStarted {
		if c, _ := changesInWindow(dev.StatusChangeTimes, now, flap.ClearWindow); c == 0 {
			dev.IsFlapping = false
			dev.FlappingSince = nil
			tr.FlappingCleared = true
		}
	}

	return tr
}

func recordChange(dev *models.Device, now time.Time) {
	dev.StatusChangeTimes = append(dev.StatusChangeTimes, now)
	if n := len(dev.StatusChangeTimes); n > models.StatusHistoryLimit {
		dev.StatusChangeTimes = dev.StatusChangeTimes[n-models.StatusHistoryLimit:]
	}
}

// changesInWindow counts transitions at or after now-window and returns the
// earliest one inside the window.
func changesInWindow(times []time.Time, now time.Time, window time.Duration) (int, *time.Time) {
	cutoff := now.Add(-window)
	count := 0
	var first *time.Time
	for i := range times {
		if !times[i].Before(cutoff) {
			count++
			if first == nil {
				t := times[i]
				first = &t
			}
		}
	}
	return count, first
}
