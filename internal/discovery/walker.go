package discovery

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/snmp"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/vault"
)

// mbps scales ifHighSpeed (reported in Mb/s) to bits per second.
const mbps = 1_000_000

// WalkClient is what the walker needs from the SNMP side.
type WalkClient interface {
	BulkWalk(ctx context.Context, target string, cred *models.SNMPCredential, baseOID string, fn func(vb snmp.VarBind) error) error
}

// InventoryStore is what the walker needs from the relational side.
type InventoryStore interface {
	GetDevicesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Device, error)
	UpsertInterface(ctx context.Context, iface models.Interface) error
}

// CredentialSource resolves a device to decrypted SNMP credentials.
type CredentialSource interface {
	Decrypt(ctx context.Context, deviceID uuid.UUID) (*models.SNMPCredential, error)
}

// Worker consumes discover-batch tasks: walk each device's interface tables,
// classify the rows, and refresh the inventory.
type Worker struct {
	cfg    *config.Config
	client WalkClient
	store  InventoryStore
	creds  CredentialSource

	walked atomic.Uint64
}

// NewWorker wires a discovery batch worker.
func NewWorker(cfg *config.Config, client WalkClient, store InventoryStore, creds CredentialSource) *Worker {
	return &Worker{cfg: cfg, client: client, store: store, creds: creds}
}

// DevicesWalked exposes the observability counter for the health endpoint.
func (w *Worker) DevicesWalked() uint64 { return w.walked.Load() }

// HandleBatch processes one discover-batch task. Devices without credentials
// are skipped silently; they simply have no SNMP side.
func (w *Worker) HandleBatch(ctx context.Context, task models.TaskPayload) error {
	ctx, cancel := context.WithTimeout(ctx, config.BatchTimeout(w.cfg.DiscoveryPeriod))
	defer cancel()

	devices, err := w.store.GetDevicesByIDs(ctx, task.DeviceIDs)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.SNMP.Fanout)
	for i := range devices {
		dev := devices[i]
		if !dev.Enabled {
			continue
		}
		g.Go(func() error {
			w.discoverDevice(gctx, dev)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) discoverDevice(ctx context.Context, dev models.Device) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("ip", dev.IP).Interface("panic", r).Msg("Discovery panic recovered")
		}
	}()

	cred, err := w.creds.Decrypt(ctx, dev.ID)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			log.Error().Str("ip", dev.IP).Err(err).Msg("Credential lookup failed")
		}
		return
	}

	rows, err := w.WalkInterfaces(ctx, dev.IP, cred)
	if err != nil {
		// Timeouts are routine on busy access gear; the hourly cadence
		// re-covers them.
		log.Debug().Str("ip", dev.IP).Err(err).Msg("Interface walk failed")
		return
	}
	w.walked.Add(1)

	now := time.Now().UTC()
	for _, iface := range rows {
		iface.DeviceID = dev.ID
		iface.LastSeen = now
		Classify(&iface)
		if err := w.store.UpsertInterface(ctx, iface); err != nil {
			log.Error().
				Str("ip", dev.IP).
				Int("if_index", iface.IfIndex).
				Err(err).
				Msg("Interface upsert failed")
		}
	}
	log.Debug().Str("ip", dev.IP).Int("interfaces", len(rows)).Msg("Interface discovery complete")
}

// WalkInterfaces walks ifTable and ifXTable and merges the columns into one
// row per ifIndex. ifHighSpeed takes precedence over ifSpeed when non-zero,
// since ifSpeed saturates at 4.29 Gb/s.
func (w *Worker) WalkInterfaces(ctx context.Context, target string, cred *models.SNMPCredential) ([]models.Interface, error) {
	rows := map[int]*models.Interface{}
	get := func(idx int) *models.Interface {
		if r, ok := rows[idx]; ok {
			return r
		}
		r := &models.Interface{IfIndex: idx}
		rows[idx] = r
		return r
	}

	columns := []struct {
		oid   string
		apply func(r *models.Interface, vb snmp.VarBind)
	}{
		{snmp.OIDIfDescr, func(r *models.Interface, vb snmp.VarBind) {
			if s, err := snmp.CleanString(vb); err == nil {
				r.IfDescr = s
			}
		}},
		{snmp.OIDIfName, func(r *models.Interface, vb snmp.VarBind) {
			if s, err := snmp.CleanString(vb); err == nil {
				r.IfName = s
			}
		}},
		{snmp.OIDIfAlias, func(r *models.Interface, vb snmp.VarBind) {
			if s, err := snmp.CleanString(vb); err == nil {
				r.IfAlias = s
			}
		}},
		{snmp.OIDIfType, func(r *models.Interface, vb snmp.VarBind) {
			if n, err := snmp.ToUint64(vb); err == nil {
				r.IfType = int(n)
			}
		}},
		{snmp.OIDIfAdminStatus, func(r *models.Interface, vb snmp.VarBind) {
			if n, err := snmp.ToUint64(vb); err == nil {
				r.AdminStatus = int(n)
			}
		}},
		{snmp.OIDIfOperStatus, func(r *models.Interface, vb snmp.VarBind) {
			if n, err := snmp.ToUint64(vb); err == nil {
				r.OperStatus = int(n)
			}
		}},
		{snmp.OIDIfSpeed, func(r *models.Interface, vb snmp.VarBind) {
			if n, err := snmp.ToUint64(vb); err == nil && r.SpeedBPS == 0 {
				r.SpeedBPS = n
			}
		}},
		{snmp.OIDIfHighSpeed, func(r *models.Interface, vb snmp.VarBind) {
			if n, err := snmp.ToUint64(vb); err == nil && n > 0 {
				r.SpeedBPS = n * mbps
			}
		}},
	}

	for _, col := range columns {
		col := col
		err := w.client.BulkWalk(ctx, target, cred, col.oid, func(vb snmp.VarBind) error {
			idx, ok := snmp.IndexOf(vb.OID, col.oid)
			if !ok {
				return nil
			}
			col.apply(get(idx), vb)
			return nil
		})
		if err != nil {
			// ifDescr is mandatory; ifXTable columns are best effort on
			// agents that do not implement them.
			if col.oid == snmp.OIDIfDescr {
				return nil, err
			}
			log.Debug().Str("target", target).Str("oid", col.oid).Err(err).Msg("Column walk failed")
		}
	}

	out := make([]models.Interface, 0, len(rows))
	for _, r := range rows {
		if r.IfName == "" {
			r.IfName = r.IfDescr
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IfIndex < out[j].IfIndex })
	return out, nil
}
