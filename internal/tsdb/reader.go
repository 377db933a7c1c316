package tsdb

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// InterfaceRate is one per-second counter rate for a (device, ifIndex) series.
type InterfaceRate struct {
	Device  string
	IfIndex int
	Rate    float64
}

// InterfaceRates reads back per-interface counter rates over the given window.
// The alert engine uses this for error/discard-rate conditions it cannot
// compute from the relational store; everything else stays write-only.
func (w *Writer) InterfaceRates(ctx context.Context, metric string, window time.Duration) ([]InterfaceRate, error) {
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %q and r._field == "value")
  |> derivative(unit: 1s, nonNegative: true)
  |> group(columns: ["device", "ifIndex"])
  |> mean()`, w.bucket, window.String(), metric)

	result, err := w.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("tsdb: query %s rates: %w", metric, err)
	}
	defer result.Close()

	var rates []InterfaceRate
	for result.Next() {
		rec := result.Record()
		device, _ := rec.ValueByKey("device").(string)
		ifIndexStr, _ := rec.ValueByKey("ifIndex").(string)
		ifIndex, _ := strconv.Atoi(ifIndexStr)
		rate, ok := rec.Value().(float64)
		if !ok || device == "" {
			continue
		}
		rates = append(rates, InterfaceRate{Device: device, IfIndex: ifIndex, Rate: rate})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("tsdb: read %s rates: %w", metric, err)
	}
	return rates, nil
}

// LastHeartbeats returns the newest worker_heartbeat timestamp per class
// observed inside the window.
func (w *Writer) LastHeartbeats(ctx context.Context, window time.Duration) (map[string]time.Time, error) {
	flux := fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%s)
  |> filter(fn: (r) => r._measurement == %q)
  |> group(columns: ["worker_class"])
  |> last()`, w.bucket, window.String(), MetricWorkerHeartbeat)

	result, err := w.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("tsdb: query heartbeats: %w", err)
	}
	defer result.Close()

	beats := make(map[string]time.Time)
	for result.Next() {
		rec := result.Record()
		class, _ := rec.ValueByKey("worker_class").(string)
		if class == "" {
			continue
		}
		beats[class] = rec.Time()
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("tsdb: read heartbeats: %w", err)
	}
	return beats, nil
}
