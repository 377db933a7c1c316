package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/vault"
)

// GetCredentialRow fetches the encrypted credential for one device. Implements
// vault.Store; decryption happens in the vault, never here.
func (s *Store) GetCredentialRow(ctx context.Context, deviceID uuid.UUID) (*vault.CredentialRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, version, port, community_ciphertext, security_name,
		       auth_protocol, auth_key_ciphertext, priv_protocol, priv_key_ciphertext
		FROM snmp_credentials WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: credential row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var row vault.CredentialRow
	var port int
	if err := rows.Scan(&row.DeviceID, &row.Version, &port, &row.CommunityCiphertext,
		&row.SecurityName, &row.AuthProtocol, &row.AuthKeyCiphertext,
		&row.PrivProtocol, &row.PrivKeyCiphertext); err != nil {
		return nil, fmt.Errorf("store: scan credential: %w", err)
	}
	row.Port = uint16(port)
	return &row, nil
}

// EnabledItems returns the active monitoring items for one device.
func (s *Store) EnabledItems(ctx context.Context, deviceID uuid.UUID) ([]models.MonitoringItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, name, oid, interval_seconds, value_type, units, enabled
		FROM monitoring_items WHERE device_id = $1 AND enabled`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: enabled items: %w", err)
	}
	defer rows.Close()

	var items []models.MonitoringItem
	for rows.Next() {
		var it models.MonitoringItem
		if err := rows.Scan(&it.ID, &it.DeviceID, &it.Name, &it.OID,
			&it.IntervalSeconds, &it.ValueType, &it.Units, &it.Enabled); err != nil {
			return nil, fmt.Errorf("store: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// TemplatesFor returns the monitoring templates matching a vendor and device
// type, items included. An empty template vendor or device_type is a wildcard.
func (s *Store) TemplatesFor(ctx context.Context, vendor string, deviceType models.DeviceType) ([]models.MonitoringTemplate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, vendor, device_type
		FROM monitoring_templates
		WHERE (vendor = '' OR lower(vendor) = lower($1))
		  AND (device_type = '' OR device_type = $2)`, vendor, string(deviceType))
	if err != nil {
		return nil, fmt.Errorf("store: templates: %w", err)
	}
	defer rows.Close()

	var tpls []models.MonitoringTemplate
	for rows.Next() {
		var t models.MonitoringTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Vendor, &t.DeviceType); err != nil {
			return nil, fmt.Errorf("store: scan template: %w", err)
		}
		tpls = append(tpls, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tpls {
		irows, err := s.pool.Query(ctx, `
			SELECT id, name, oid, interval_seconds, value_type, units
			FROM monitoring_template_items WHERE template_id = $1`, tpls[i].ID)
		if err != nil {
			return nil, fmt.Errorf("store: template items: %w", err)
		}
		for irows.Next() {
			var it models.MonitoringItem
			if err := irows.Scan(&it.ID, &it.Name, &it.OID,
				&it.IntervalSeconds, &it.ValueType, &it.Units); err != nil {
				irows.Close()
				return nil, fmt.Errorf("store: scan template item: %w", err)
			}
			it.Enabled = true
			tpls[i].Items = append(tpls[i].Items, it)
		}
		irows.Close()
		if err := irows.Err(); err != nil {
			return nil, err
		}
	}
	return tpls, nil
}

// ApplyTemplates provisions monitoring items for a device from every template
// matching its vendor and type. Items the device already carries for an OID
// are left untouched. Returns how many items were added.
func (s *Store) ApplyTemplates(ctx context.Context, deviceID uuid.UUID, vendor string, deviceType models.DeviceType) (int, error) {
	tpls, err := s.TemplatesFor(ctx, vendor, deviceType)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, tpl := range tpls {
		for _, it := range tpl.Items {
			tag, err := s.pool.Exec(ctx, `
				INSERT INTO monitoring_items (id, device_id, name, oid, interval_seconds, value_type, units, enabled)
				VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
				ON CONFLICT (device_id, oid) DO NOTHING`,
				uuid.New(), deviceID, it.Name, it.OID, it.IntervalSeconds, string(it.ValueType), it.Units)
			if err != nil {
				return applied, fmt.Errorf("store: apply template %s: %w", tpl.Name, err)
			}
			applied += int(tag.RowsAffected())
		}
	}
	return applied, nil
}

// InsertPingResult stores one short-lived diagnostic row. These feed the alert
// engine's recent-window aggregates; long history lives in the TSDB.
func (s *Store) InsertPingResult(ctx context.Context, pr models.PingResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ping_results (device_id, ip, reachable, avg_rtt_ms, loss_ratio, probed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pr.DeviceID, pr.IP, pr.Reachable, pr.AvgRTTMS, pr.LossRatio, pr.ProbedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: insert ping result: %w", err)
	}
	return nil
}

// PingAggregate summarizes a device's recent probes.
type PingAggregate struct {
	AvgRTTMS  float64
	LossRatio float64
	Samples   int
}

// PingAggregates computes per-device averages over the recent window.
func (s *Store) PingAggregates(ctx context.Context, window time.Duration) (map[uuid.UUID]PingAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id,
		       COALESCE(avg(avg_rtt_ms) FILTER (WHERE avg_rtt_ms IS NOT NULL), 0),
		       COALESCE(avg(loss_ratio), 0),
		       count(*)
		FROM ping_results
		WHERE probed_at >= $1
		GROUP BY device_id`, time.Now().Add(-window).UTC())
	if err != nil {
		return nil, fmt.Errorf("store: ping aggregates: %w", err)
	}
	defer rows.Close()

	aggs := make(map[uuid.UUID]PingAggregate)
	for rows.Next() {
		var id uuid.UUID
		var a PingAggregate
		if err := rows.Scan(&id, &a.AvgRTTMS, &a.LossRatio, &a.Samples); err != nil {
			return nil, fmt.Errorf("store: scan ping aggregate: %w", err)
		}
		aggs[id] = a
	}
	return aggs, rows.Err()
}

// StatusChangesSince counts recorded transitions per device since the cutoff.
func (s *Store) StatusChangesSince(ctx context.Context, cutoff time.Time) (map[uuid.UUID]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, count(*)
		FROM device_status_history
		WHERE changed_at >= $1
		GROUP BY device_id`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: status changes: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("store: scan status change count: %w", err)
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
