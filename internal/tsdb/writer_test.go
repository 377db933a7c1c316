package tsdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type fakeWriteAPI struct {
	points  []*write.Point
	fails   int // fail this many calls before succeeding
	calls   int
	lastErr error
}

func (f *fakeWriteAPI) WritePoint(_ context.Context, pts ...*write.Point) error {
	f.calls++
	if f.fails > 0 {
		f.fails--
		f.lastErr = errors.New("tsdb unavailable")
		return f.lastErr
	}
	f.points = append(f.points, pts...)
	return nil
}

func (f *fakeWriteAPI) WriteRecord(context.Context, ...string) error { return nil }
func (f *fakeWriteAPI) EnableBatching()                              {}
func (f *fakeWriteAPI) Flush(context.Context) error                  { return nil }

func newTestWriter(api *fakeWriteAPI) *Writer {
	return &Writer{
		writeAPI: api,
		lastSeen: make(map[string]time.Time),
		sleep:    func(time.Duration) {},
	}
}

func TestWritePingLabels(t *testing.T) {
	api := &fakeWriteAPI{}
	w := newTestWriter(api)

	rtt := 12.5
	lbl := Labels{Device: "core-sw-01", IP: "10.0.0.1", Branch: "tbilisi-hq", Region: "east", DeviceType: "switch"}
	if err := w.WritePing(context.Background(), lbl, true, &rtt, 0, time.Now()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(api.points) != 3 {
		t.Fatalf("expected 3 samples (status, loss, rtt), got %d", len(api.points))
	}
	for _, p := range api.points {
		tags := map[string]string{}
		for _, tag := range p.TagList() {
			tags[tag.Key] = tag.Value
		}
		for _, key := range []string{"device", "ip", "branch", "region", "device_type"} {
			if tags[key] == "" {
				t.Errorf("sample %s missing label %s", p.Name(), key)
			}
		}
	}
}

func TestWritePingUnreachableSkipsRTT(t *testing.T) {
	api := &fakeWriteAPI{}
	w := newTestWriter(api)

	lbl := Labels{Device: "d", IP: "10.0.0.2", DeviceType: "router"}
	if err := w.WritePing(context.Background(), lbl, false, nil, 1, time.Now()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, p := range api.points {
		if p.Name() == MetricPingRTT {
			t.Errorf("rtt sample must not be written for an unreachable device")
		}
	}
}

func TestOutOfOrderSampleDropped(t *testing.T) {
	api := &fakeWriteAPI{}
	w := newTestWriter(api)

	// Full label set: five tags, so an order-sensitive series key would
	// produce many distinct keys across iterations.
	lbl := Labels{Device: "d", IP: "10.0.0.3", Branch: "b", Region: "r", DeviceType: "router"}
	now := time.Now()
	if err := w.WritePing(context.Background(), lbl, true, nil, 0, now); err != nil {
		t.Fatal(err)
	}
	wrote := len(api.points)

	// Same series, older timestamps: every one must be dropped, not written.
	// Looped because tags are assembled from a map; a single call can pass by
	// luck even when the series key is unstable.
	for i := 0; i < 200; i++ {
		if err := w.WritePing(context.Background(), lbl, true, nil, 0, now.Add(-time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if len(api.points) != wrote {
		t.Errorf("expected out-of-order samples to be dropped, wrote %d more", len(api.points)-wrote)
	}
	if w.DroppedSamples() == 0 {
		t.Errorf("expected dropped-sample counter to advance")
	}
	if got := len(w.lastSeen); got != 2 {
		t.Errorf("expected one series entry per metric (status, loss), got %d", got)
	}

	// Newer timestamp flows through again.
	if err := w.WritePing(context.Background(), lbl, true, nil, 0, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if len(api.points) <= wrote {
		t.Errorf("expected newer samples to be written")
	}
}

func TestIdempotentTimestampIsNoOp(t *testing.T) {
	api := &fakeWriteAPI{}
	w := newTestWriter(api)

	lbl := Labels{Device: "d", IP: "10.0.0.4", DeviceType: "server"}
	ts := time.Now()
	if err := w.WritePing(context.Background(), lbl, true, nil, 0, ts); err != nil {
		t.Fatal(err)
	}
	wrote := len(api.points)
	if err := w.WritePing(context.Background(), lbl, true, nil, 0, ts); err != nil {
		t.Fatal(err)
	}
	if len(api.points) != wrote {
		t.Errorf("identical (series, timestamp) replay must be a no-op")
	}
}

func TestWriteRetriesTransientFailure(t *testing.T) {
	api := &fakeWriteAPI{fails: 2}
	w := newTestWriter(api)

	lbl := Labels{Device: "d", IP: "10.0.0.5", DeviceType: "router"}
	if err := w.WritePing(context.Background(), lbl, true, nil, 0, time.Now()); err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if api.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", api.calls)
	}
}

func TestWriteGivesUpAfterAttempts(t *testing.T) {
	api := &fakeWriteAPI{fails: 10}
	w := newTestWriter(api)

	lbl := Labels{Device: "d", IP: "10.0.0.6", DeviceType: "router"}
	if err := w.WritePing(context.Background(), lbl, true, nil, 0, time.Now()); err == nil {
		t.Errorf("expected error after exhausting retries")
	}
	if api.calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", api.calls)
	}
}

func TestInterfaceSampleLabels(t *testing.T) {
	api := &fakeWriteAPI{}
	w := newTestWriter(api)

	lbl := InterfaceLabels{
		Labels:      Labels{Device: "core-sw-01", IP: "10.0.0.1", DeviceType: "switch"},
		IfIndex:     10101,
		IfName:      "GigabitEthernet0/1",
		ISPProvider: "Magti",
	}
	if err := w.WriteInterfaceSample(context.Background(), lbl, MetricIfHCInOctets, 123456, time.Now()); err != nil {
		t.Fatal(err)
	}
	tags := map[string]string{}
	for _, tag := range api.points[0].TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["ifIndex"] != "10101" || tags["ifName"] != "GigabitEthernet0/1" || tags["isp_provider"] != "Magti" {
		t.Errorf("interface labels wrong: %v", tags)
	}
}
