package store

import (
	"context"
	"fmt"
	"time"
)

// DeleteStaleInterfaces removes inventory rows not refreshed by discovery
// within the TTL. Returns the number of rows removed.
func (s *Store) DeleteStaleInterfaces(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM interfaces WHERE last_seen < $1`, time.Now().Add(-ttl).UTC())
	if err != nil {
		return 0, fmt.Errorf("store: delete stale interfaces: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteResolvedAlerts removes alert rows resolved before the retention
// cutoff. Open alerts are never deleted.
func (s *Store) DeleteResolvedAlerts(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM alert_history
		 WHERE resolved_at IS NOT NULL AND resolved_at < $1`, time.Now().Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("store: delete resolved alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldPingResults trims the short-lived diagnostics table.
func (s *Store) DeleteOldPingResults(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM ping_results WHERE probed_at < $1`, time.Now().Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("store: delete old ping results: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldStatusHistory trims the transition log alongside ping results.
func (s *Store) DeleteOldStatusHistory(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM device_status_history WHERE changed_at < $1`, time.Now().Add(-retention).UTC())
	if err != nil {
		return 0, fmt.Errorf("store: delete old status history: %w", err)
	}
	return tag.RowsAffected(), nil
}

// VacuumAnalyze reclaims space after the large periodic deletes. VACUUM cannot
// run inside a transaction, so this uses plain Exec on an acquired connection.
func (s *Store) VacuumAnalyze(ctx context.Context, tables ...string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire for vacuum: %w", err)
	}
	defer conn.Release()

	for _, table := range tables {
		switch table {
		case "alert_history", "interfaces", "ping_results", "device_status_history":
		default:
			return fmt.Errorf("store: refusing to vacuum unknown table %q", table)
		}
		if _, err := conn.Exec(ctx, "VACUUM ANALYZE "+table); err != nil {
			return fmt.Errorf("store: vacuum %s: %w", table, err)
		}
	}
	return nil
}

// TerminateIdleTransactions kills backends stuck idle-in-transaction past the
// threshold. A crashed worker's abandoned transaction would otherwise hold
// row locks and block the per-device serialization.
func (s *Store) TerminateIdleTransactions(ctx context.Context, olderThan time.Duration) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE state = 'idle in transaction'
		  AND pid <> pg_backend_pid()
		  AND state_change < $1`, time.Now().Add(-olderThan).UTC())
	if err != nil {
		return 0, fmt.Errorf("store: terminate idle transactions: %w", err)
	}
	defer rows.Close()

	killed := 0
	for rows.Next() {
		var ok bool
		if err := rows.Scan(&ok); err != nil {
			return killed, fmt.Errorf("store: scan terminate result: %w", err)
		}
		if ok {
			killed++
		}
	}
	return killed, rows.Err()
}

// UpsertWorkerHeartbeat records that a worker class is alive.
func (s *Store) UpsertWorkerHeartbeat(ctx context.Context, workerClass string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_class, beat_at) VALUES ($1, $2)
		ON CONFLICT (worker_class) DO UPDATE SET beat_at = EXCLUDED.beat_at`,
		workerClass, at.UTC())
	if err != nil {
		return fmt.Errorf("store: upsert heartbeat: %w", err)
	}
	return nil
}

// StaleWorkerClasses returns classes whose heartbeat is older than maxAge.
func (s *Store) StaleWorkerClasses(ctx context.Context, maxAge time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT worker_class FROM worker_heartbeats
		WHERE beat_at < $1 ORDER BY worker_class`, time.Now().Add(-maxAge).UTC())
	if err != nil {
		return nil, fmt.Errorf("store: stale worker classes: %w", err)
	}
	defer rows.Close()

	var classes []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("store: scan worker class: %w", err)
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}
