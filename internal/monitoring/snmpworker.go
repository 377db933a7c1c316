package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/discovery"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/snmp"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/tsdb"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/vault"
)

// oidsPerRequest bounds one GET so responses stay under typical agent
// PDU limits.
const oidsPerRequest = 25

// PollClient is what the SNMP worker needs from the protocol side.
type PollClient interface {
	Get(ctx context.Context, target string, cred *models.SNMPCredential, oids []string) ([]snmp.VarBind, error)
}

// PollStore is what the SNMP worker needs from the relational side.
type PollStore interface {
	GetDevicesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Device, error)
	EnabledItems(ctx context.Context, deviceID uuid.UUID) ([]models.MonitoringItem, error)
	CriticalInterfaces(ctx context.Context, deviceID uuid.UUID) ([]models.Interface, error)
	SetVendor(ctx context.Context, deviceID uuid.UUID, vendor string) error
	ApplyTemplates(ctx context.Context, deviceID uuid.UUID, vendor string, deviceType models.DeviceType) (int, error)
}

// ItemWriter is what the SNMP worker needs from the TSDB side.
type ItemWriter interface {
	WriteItemSample(ctx context.Context, lbl tsdb.Labels, itemName, oid string, value float64, ts time.Time) error
	WriteInterfaceSample(ctx context.Context, lbl tsdb.InterfaceLabels, metric string, value float64, ts time.Time) error
}

// CredentialSource resolves a device to decrypted SNMP credentials.
type CredentialSource interface {
	Decrypt(ctx context.Context, deviceID uuid.UUID) (*models.SNMPCredential, error)
}

// interface counter columns polled for critical and ISP interfaces, in
// lockstep with the metrics they emit.
var counterColumns = []struct {
	oid    string
	metric string
}{
	{snmp.OIDIfHCInOctets, tsdb.MetricIfHCInOctets},
	{snmp.OIDIfHCOutOctets, tsdb.MetricIfHCOutOctets},
	{snmp.OIDIfInErrors, tsdb.MetricIfInErrors},
	{snmp.OIDIfOutErrors, tsdb.MetricIfOutErrors},
	{snmp.OIDIfInDiscards, tsdb.MetricIfInDiscards},
	{snmp.OIDIfOutDiscards, tsdb.MetricIfOutDiscards},
	{snmp.OIDIfAdminStatus, tsdb.MetricIfAdminStatus},
	{snmp.OIDIfOperStatus, tsdb.MetricIfOperStatus},
}

// SNMPWorker consumes poll-batch tasks: fetch each device's monitoring items
// and critical-interface counters, write samples. Reachability state is never
// touched here; the ICMP path owns the state machine.
type SNMPWorker struct {
	cfg    *config.Config
	client PollClient
	writer ItemWriter
	store  PollStore
	creds  CredentialSource

	polled atomic.Uint64
}

// NewSNMPWorker wires an SNMP batch worker.
func NewSNMPWorker(cfg *config.Config, client PollClient, writer ItemWriter, store PollStore, creds CredentialSource) *SNMPWorker {
	return &SNMPWorker{cfg: cfg, client: client, writer: writer, store: store, creds: creds}
}

// DevicesPolled exposes the observability counter for the health endpoint.
func (w *SNMPWorker) DevicesPolled() uint64 { return w.polled.Load() }

// HandleBatch processes one snmp-poll-batch task. Per-device failures are
// contained; devices without credentials are skipped.
func (w *SNMPWorker) HandleBatch(ctx context.Context, task models.TaskPayload) error {
	ctx, cancel := context.WithTimeout(ctx, config.BatchTimeout(w.cfg.SNMPPeriod))
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
			w.pollDevice(gctx, dev)
			return nil
		})
	}
	return g.Wait()
}

func (w *SNMPWorker) pollDevice(ctx context.Context, dev models.Device) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("ip", dev.IP).Interface("panic", r).Msg("SNMP poll panic recovered")
		}
	}()

	cred, err := w.creds.Decrypt(ctx, dev.ID)
	if err != nil {
		if !errors.Is(err, vault.ErrNotFound) {
			log.Error().Str("ip", dev.IP).Err(err).Msg("Credential lookup failed")
		}
		return
	}

	now := time.Now().UTC()
	lbl := tsdb.Labels{
		Device:     dev.Name,
		IP:         dev.IP,
		Branch:     dev.Branch,
		Region:     dev.Region,
		DeviceType: string(dev.DeviceType),
	}

	contacted := w.pollItems(ctx, dev, cred, lbl, now)
	if w.pollInterfaces(ctx, dev, cred, lbl, now) {
		contacted = true
	}

	if contacted {
		w.polled.Add(1)
		if dev.Vendor == "" {
			w.detectVendor(ctx, dev, cred)
		}
	}
}

// pollItems fetches the device's monitoring items in chunked GETs and writes
// one sample per numeric item. Reports whether the agent answered at all.
func (w *SNMPWorker) pollItems(ctx context.Context, dev models.Device, cred *models.SNMPCredential, lbl tsdb.Labels, now time.Time) bool {
	items, err := w.store.EnabledItems(ctx, dev.ID)
	if err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to load monitoring items")
		return false
	}
	if len(items) == 0 {
		return false
	}

	byOID := make(map[string]models.MonitoringItem, len(items))
	oids := make([]string, 0, len(items))
	for _, item := range items {
		byOID[item.OID] = item
		oids = append(oids, item.OID)
	}

	contacted := false
	for start := 0; start < len(oids); start += oidsPerRequest {
		end := min(start+oidsPerRequest, len(oids))
		binds, err := w.getChunk(ctx, dev.IP, cred, oids[start:end])
		if err != nil {
			logPollFailure(dev.IP, "item poll", err)
			continue
		}
		contacted = true
		for _, vb := range binds {
			if !vb.Exists() {
				continue
			}
			item, ok := byOID[vb.OID]
			if !ok {
				continue
			}
			if item.ValueType == models.ValueString {
				continue
			}
			value, err := snmp.ToFloat64(vb)
			if err != nil {
				log.Debug().Str("ip", dev.IP).Str("oid", vb.OID).Err(err).Msg("Unusable item value")
				continue
			}
			if err := w.writer.WriteItemSample(ctx, lbl, item.Name, item.OID, value, now); err != nil {
				log.Error().Str("ip", dev.IP).Str("item", item.Name).Err(err).Msg("Failed to write item sample")
			}
		}
	}
	return contacted
}

// pollInterfaces fetches counter columns for the device's critical and ISP
// interfaces. Raw counters go to the TSDB; rate and wrap handling happen at
// query time.
func (w *SNMPWorker) pollInterfaces(ctx context.Context, dev models.Device, cred *models.SNMPCredential, lbl tsdb.Labels, now time.Time) bool {
	ifaces, err := w.store.CriticalInterfaces(ctx, dev.ID)
	if err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to load critical interfaces")
		return false
	}
	if len(ifaces) == 0 {
		return false
	}

	contacted := false
	for _, iface := range ifaces {
		oids := make([]string, len(counterColumns))
		for i, col := range counterColumns {
			oids[i] = fmt.Sprintf("%s.%d", col.oid, iface.IfIndex)
		}
		binds, err := w.getChunk(ctx, dev.IP, cred, oids)
		if err != nil {
			logPollFailure(dev.IP, "interface poll", err)
			continue
		}
		contacted = true

		ilbl := tsdb.InterfaceLabels{
			Labels:      lbl,
			IfIndex:     iface.IfIndex,
			IfName:      iface.IfName,
			ISPProvider: iface.ISPProvider,
		}
		for i, vb := range binds {
			if i >= len(counterColumns) || !vb.Exists() {
				continue
			}
			value, err := snmp.ToFloat64(vb)
			if err != nil {
				continue
			}
			if err := w.writer.WriteInterfaceSample(ctx, ilbl, counterColumns[i].metric, value, now); err != nil {
				log.Error().
					Str("ip", dev.IP).
					Int("if_index", iface.IfIndex).
					Err(err).
					Msg("Failed to write interface sample")
			}
		}
	}
	return contacted
}

// getChunk issues one GET, halving the chunk on tooBig.
func (w *SNMPWorker) getChunk(ctx context.Context, target string, cred *models.SNMPCredential, oids []string) ([]snmp.VarBind, error) {
	binds, err := w.client.Get(ctx, target, cred, oids)
	if err == nil || !snmp.IsKind(err, snmp.KindTooBig) || len(oids) < 2 {
		return binds, err
	}
	mid := len(oids) / 2
	left, err := w.getChunk(ctx, target, cred, oids[:mid])
	if err != nil {
		return nil, err
	}
	right, err := w.getChunk(ctx, target, cred, oids[mid:])
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// detectVendor classifies a first-contact device from sysDescr/sysObjectID,
// then provisions the monitoring items its templates prescribe.
func (w *SNMPWorker) detectVendor(ctx context.Context, dev models.Device, cred *models.SNMPCredential) {
	binds, err := w.client.Get(ctx, dev.IP, cred, []string{snmp.OIDSysDescr, snmp.OIDSysObjectID})
	if err != nil || len(binds) < 2 {
		log.Debug().Str("ip", dev.IP).Err(err).Msg("Vendor detection query failed")
		return
	}
	sysDescr, _ := snmp.CleanString(binds[0])
	sysObjectID, _ := snmp.CleanString(binds[1])
	vendor := discovery.VendorFrom(sysDescr, sysObjectID)
	if vendor == "" {
		return
	}
	if err := w.store.SetVendor(ctx, dev.ID, vendor); err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to set detected vendor")
		return
	}
	log.Info().Str("ip", dev.IP).Str("vendor", vendor).Msg("Vendor auto-detected")

	added, err := w.store.ApplyTemplates(ctx, dev.ID, vendor, dev.DeviceType)
	if err != nil {
		log.Error().Str("ip", dev.IP).Err(err).Msg("Failed to apply monitoring templates")
		return
	}
	if added > 0 {
		log.Info().Str("ip", dev.IP).Str("vendor", vendor).Int("items", added).Msg("Monitoring items provisioned from templates")
	}
}

// logPollFailure keeps auth failures loud and routine timeouts quiet.
func logPollFailure(ip, op string, err error) {
	if snmp.IsKind(err, snmp.KindAuth) {
		log.Warn().Str("ip", ip).Err(err).Msgf("SNMP %s auth failure", op)
		return
	}
	log.Debug().Str("ip", ip).Err(err).Msgf("SNMP %s failed", op)
}
