package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// UpsertInterface creates or refreshes one discovered interface row, keyed by
// (device_id, if_index). Re-running discovery is equivalent to one discovery.
func (s *Store) UpsertInterface(ctx context.Context, iface models.Interface) error {
	var provider *string
	if iface.ISPProvider != "" {
		provider = &iface.ISPProvider
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interfaces (
			device_id, if_index, if_name, if_alias, if_descr, if_type,
			interface_type, admin_status, oper_status, speed_bps,
			is_critical, is_isp, isp_provider, last_seen
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
		ON CONFLICT (device_id, if_index) DO UPDATE SET
			if_name = EXCLUDED.if_name,
			if_alias = EXCLUDED.if_alias,
			if_descr = EXCLUDED.if_descr,
			if_type = EXCLUDED.if_type,
			interface_type = EXCLUDED.interface_type,
			admin_status = EXCLUDED.admin_status,
			oper_status = EXCLUDED.oper_status,
			speed_bps = EXCLUDED.speed_bps,
			is_critical = EXCLUDED.is_critical,
			is_isp = EXCLUDED.is_isp,
			isp_provider = EXCLUDED.isp_provider,
			last_seen = now()`,
		iface.DeviceID, iface.IfIndex, iface.IfName, iface.IfAlias, iface.IfDescr,
		iface.IfType, iface.InterfaceType, iface.AdminStatus, iface.OperStatus,
		int64(iface.SpeedBPS), iface.IsCritical, iface.IsISP, provider,
	)
	if err != nil {
		return fmt.Errorf("store: upsert interface %d on %s: %w", iface.IfIndex, iface.DeviceID, err)
	}
	return nil
}

func scanInterfaces(rows pgx.Rows) ([]models.Interface, error) {
	defer rows.Close()
	var ifaces []models.Interface
	for rows.Next() {
		var i models.Interface
		var provider *string
		var speed int64
		if err := rows.Scan(
			&i.DeviceID, &i.IfIndex, &i.IfName, &i.IfAlias, &i.IfDescr, &i.IfType,
			&i.InterfaceType, &i.AdminStatus, &i.OperStatus, &speed,
			&i.IsCritical, &i.IsISP, &provider, &i.LastSeen,
		); err != nil {
			return nil, fmt.Errorf("store: scan interface: %w", err)
		}
		i.SpeedBPS = uint64(speed)
		if provider != nil {
			i.ISPProvider = *provider
		}
		ifaces = append(ifaces, i)
	}
	return ifaces, rows.Err()
}

const interfaceColumns = `
	device_id, if_index, if_name, if_alias, if_descr, if_type,
	interface_type, admin_status, oper_status, speed_bps,
	is_critical, is_isp, isp_provider, last_seen`

// CriticalInterfaces returns the interfaces whose counters the SNMP worker
// collects every poll tick.
func (s *Store) CriticalInterfaces(ctx context.Context, deviceID uuid.UUID) ([]models.Interface, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+interfaceColumns+` FROM interfaces
		 WHERE device_id = $1 AND (is_critical OR is_isp)`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: critical interfaces: %w", err)
	}
	return scanInterfaces(rows)
}

// ListISPInterfaces returns every ISP-tagged interface across the fleet; the
// alert engine scopes per-interface conditions with it.
func (s *Store) ListISPInterfaces(ctx context.Context) ([]models.Interface, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+interfaceColumns+` FROM interfaces WHERE is_isp`)
	if err != nil {
		return nil, fmt.Errorf("store: list isp interfaces: %w", err)
	}
	return scanInterfaces(rows)
}
