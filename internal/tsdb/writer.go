package tsdb

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"
)

// Required ping metrics.
const (
	MetricPingStatus = "device_ping_status"
	MetricPingRTT    = "device_ping_rtt_ms"
	MetricPingLoss   = "device_ping_loss_ratio"
)

// Required interface metrics.
const (
	MetricIfHCInOctets    = "interface_if_hc_in_octets"
	MetricIfHCOutOctets   = "interface_if_hc_out_octets"
	MetricIfInErrors      = "interface_if_in_errors"
	MetricIfOutErrors     = "interface_if_out_errors"
	MetricIfInDiscards    = "interface_if_in_discards"
	MetricIfOutDiscards   = "interface_if_out_discards"
	MetricIfAdminStatus   = "interface_if_admin_status"
	MetricIfOperStatus    = "interface_if_oper_status"
	MetricWorkerHeartbeat = "worker_heartbeat"
)

const (
	writeAttempts = 3
	firstBackoff  = time.Second
	maxBackoff    = 8 * time.Second
)

// Labels is the required label set carried on every sample.
type Labels struct {
	Device     string
	IP         string
	Branch     string
	Region     string
	DeviceType string
}

// InterfaceLabels extends Labels for per-interface series.
type InterfaceLabels struct {
	Labels
	IfIndex     int
	IfName      string
	ISPProvider string
}

// Writer appends labeled samples to InfluxDB. Writes are idempotent for
// identical (measurement, tags, timestamp); the store keeps the last value.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string

	mu       sync.Mutex
	lastSeen map[string]time.Time // series key -> newest written timestamp
	dropped  atomic.Uint64

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewWriter creates a TSDB writer with the blocking write API.
func NewWriter(url, token, org, bucket string) *Writer {
	client := influxdb2.NewClient(url, token)
	return &Writer{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		queryAPI: client.QueryAPI(org),
		bucket:   bucket,
		lastSeen: make(map[string]time.Time),
		sleep:    time.Sleep,
	}
}

// WritePing writes the three reachability samples for one probe outcome.
// rttMS is nil when the device did not answer.
func (w *Writer) WritePing(ctx context.Context, lbl Labels, reachable bool, rttMS *float64, lossRatio float64, ts time.Time) error {
	status := 0.0
	if reachable {
		status = 1.0
	}
	pts := []*write.Point{
		w.point(MetricPingStatus, lbl.tags(), status, ts),
		w.point(MetricPingLoss, lbl.tags(), lossRatio, ts),
	}
	if rttMS != nil {
		pts = append(pts, w.point(MetricPingRTT, lbl.tags(), *rttMS, ts))
	}
	return w.writePoints(ctx, pts)
}

// WriteInterfaceSample writes one per-interface counter or status sample.
func (w *Writer) WriteInterfaceSample(ctx context.Context, lbl InterfaceLabels, metric string, value float64, ts time.Time) error {
	tags := lbl.tags()
	tags["ifIndex"] = strconv.Itoa(lbl.IfIndex)
	tags["ifName"] = lbl.IfName
	if lbl.ISPProvider != "" {
		tags["isp_provider"] = lbl.ISPProvider
	}
	return w.writePoints(ctx, []*write.Point{w.point(metric, tags, value, ts)})
}

// WriteItemSample writes one generic monitoring-item sample as
// snmp_<item_name> with device/ip/oid labels.
func (w *Writer) WriteItemSample(ctx context.Context, lbl Labels, itemName, oid string, value float64, ts time.Time) error {
	tags := lbl.tags()
	tags["oid"] = oid
	return w.writePoints(ctx, []*write.Point{w.point("snmp_"+itemName, tags, value, ts)})
}

// WriteHeartbeat writes one worker_heartbeat sample for a worker class.
func (w *Writer) WriteHeartbeat(ctx context.Context, workerClass string, ts time.Time) error {
	tags := map[string]string{"worker_class": workerClass}
	return w.writePoints(ctx, []*write.Point{w.point(MetricWorkerHeartbeat, tags, 1, ts)})
}

// WriteSelfMetric writes one unlabeled self-check counter sample.
func (w *Writer) WriteSelfMetric(ctx context.Context, metric string, value float64, ts time.Time) error {
	return w.writePoints(ctx, []*write.Point{w.point(metric, map[string]string{}, value, ts)})
}

// DroppedSamples returns how many out-of-order samples were discarded.
func (w *Writer) DroppedSamples() uint64 {
	return w.dropped.Load()
}

// HealthCheck pings the TSDB.
func (w *Writer) HealthCheck(ctx context.Context) error {
	_, err := w.client.Ping(ctx)
	return err
}

// Close terminates the underlying client.
func (w *Writer) Close() {
	w.client.Close()
}

func (l Labels) tags() map[string]string {
	tags := map[string]string{
		"device":      l.Device,
		"ip":          l.IP,
		"device_type": l.DeviceType,
	}
	if l.Branch != "" {
		tags["branch"] = l.Branch
	}
	if l.Region != "" {
		tags["region"] = l.Region
	}
	return tags
}

func (w *Writer) point(metric string, tags map[string]string, value float64, ts time.Time) *write.Point {
	p := influxdb2.NewPointWithMeasurement(metric)
	for k, v := range tags {
		p.AddTag(k, v)
	}
	p.AddField("value", value)
	p.SetTime(ts.UTC())
	return p
}

// writePoints enforces per-series timestamp monotonicity, then writes with
// bounded retries. Samples older than the newest written one for the same
// series are dropped so downstream rate() stays correct.
func (w *Writer) writePoints(ctx context.Context, pts []*write.Point) error {
	kept := pts[:0]
	w.mu.Lock()
	for _, p := range pts {
		key := seriesKey(p)
		if last, ok := w.lastSeen[key]; ok && !p.Time().After(last) {
			w.dropped.Add(1)
			log.Debug().Str("series", key).Time("ts", p.Time()).Msg("Dropping out-of-order sample")
			continue
		}
		w.lastSeen[key] = p.Time()
		kept = append(kept, p)
	}
	w.mu.Unlock()
	if len(kept) == 0 {
		return nil
	}

	backoff := firstBackoff
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			w.sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		err = w.writeAPI.WritePoint(ctx, kept...)
		if err == nil {
			return nil
		}
		// 4xx means the payload is rejected; retrying cannot help.
		if httpErr, ok := err.(*ihttp.Error); ok && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			log.Warn().Err(err).Int("status", httpErr.StatusCode).Msg("TSDB rejected samples, dropping")
			return nil
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("TSDB write failed, backing off")
	}
	return err
}

// seriesKey must be stable for a given tag set: tags arrive in map order, so
// they are sorted before joining.
func seriesKey(p *write.Point) string {
	tags := p.TagList()
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, t.Key+"="+t.Value)
	}
	sort.Strings(parts)
	return p.Name() + "," + strings.Join(parts, ",")
}
