package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// ErrDeviceNotFound is returned when a device id resolves to nothing.
var ErrDeviceNotFound = errors.New("store: device not found")

const deviceColumns = `
	d.id, d.name, d.ip, d.hostname, d.vendor, d.device_type, d.model,
	d.location, d.description, d.enabled, d.tags, d.custom_fields, d.branch_id,
	COALESCE(b.name, ''), COALESCE(b.region, ''),
	d.down_since, d.last_seen, d.is_flapping, d.flap_count, d.flapping_since,
	d.last_flap_detected, d.status_change_times`

const deviceFrom = ` FROM devices d LEFT JOIN branches b ON b.id = d.branch_id`

func scanDevice(row pgx.Row) (*models.Device, error) {
	var d models.Device
	err := row.Scan(
		&d.ID, &d.Name, &d.IP, &d.Hostname, &d.Vendor, &d.DeviceType, &d.Model,
		&d.Location, &d.Description, &d.Enabled, &d.Tags, &d.CustomFields, &d.BranchID,
		&d.Branch, &d.Region,
		&d.DownSince, &d.LastSeen, &d.IsFlapping, &d.FlapCount, &d.FlappingSince,
		&d.LastFlapDetected, &d.StatusChangeTimes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan device: %w", err)
	}
	return &d, nil
}

// CountEnabledDevices returns the current fleet size the batcher scales on.
func (s *Store) CountEnabledDevices(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM devices WHERE enabled`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count enabled devices: %w", err)
	}
	return n, nil
}

// ListEnabledDeviceIDs streams the enabled fleet in stable order so batch
// boundaries are deterministic within one tick.
func (s *Store) ListEnabledDeviceIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM devices WHERE enabled ORDER BY ip`)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled devices: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetDevicesByIDs loads a batch of devices with branch labels resolved.
func (s *Store) GetDevicesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+deviceColumns+deviceFrom+` WHERE d.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// ListEnabledDevices loads the whole enabled fleet; the alert engine uses it.
func (s *Store) ListEnabledDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT`+deviceColumns+deviceFrom+` WHERE d.enabled ORDER BY d.ip`)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// SetVendor records an auto-detected vendor for a device lacking one.
func (s *Store) SetVendor(ctx context.Context, deviceID uuid.UUID, vendor string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE devices SET vendor = $2, updated_at = now() WHERE id = $1 AND vendor = ''`,
		deviceID, vendor)
	if err != nil {
		return fmt.Errorf("store: set vendor: %w", err)
	}
	return nil
}

// WithDeviceState runs fn against the device row under a row-level lock and
// persists the state-machine fields fn mutated. This is the per-device
// serialization point: concurrent ping outcomes for one device queue behind
// the lock. The transaction stays short — fn must not do I/O.
func (s *Store) WithDeviceState(ctx context.Context, deviceID uuid.UUID, fn func(dev *models.Device) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin state tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dev, err := scanDevice(tx.QueryRow(ctx,
		`SELECT`+deviceColumns+deviceFrom+` WHERE d.id = $1 FOR UPDATE OF d`, deviceID))
	if err != nil {
		return err
	}

	wasDown := dev.DownSince != nil
	if err := fn(dev); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE devices SET
			down_since = $2,
			last_seen = $3,
			is_flapping = $4,
			flap_count = $5,
			flapping_since = $6,
			last_flap_detected = $7,
			status_change_times = $8,
			updated_at = now()
		WHERE id = $1`,
		dev.ID, dev.DownSince, dev.LastSeen, dev.IsFlapping, dev.FlapCount,
		dev.FlappingSince, dev.LastFlapDetected, dev.StatusChangeTimes,
	); err != nil {
		return fmt.Errorf("store: update device state: %w", err)
	}

	isDown := dev.DownSince != nil
	if wasDown != isDown {
		if _, err := tx.Exec(ctx, `
			INSERT INTO device_status_history (device_id, changed_at, went_down)
			VALUES ($1, now(), $2)`, dev.ID, isDown); err != nil {
			return fmt.Errorf("store: record status change: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit state tx: %w", err)
	}
	return nil
}
