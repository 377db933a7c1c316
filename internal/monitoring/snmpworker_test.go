package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gosnmp/gosnmp"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/snmp"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/tsdb"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/vault"
)

type fakePollClient struct {
	mu        sync.Mutex
	values    map[string]snmp.VarBind
	maxOIDs   int
	gets      int
	tooBigAll bool
}

func (f *fakePollClient) Get(_ context.Context, target string, _ *models.SNMPCredential, oids []string) ([]snmp.VarBind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.tooBigAll || (f.maxOIDs > 0 && len(oids) > f.maxOIDs) {
		return nil, &snmp.Error{Kind: snmp.KindTooBig, Target: target, Op: "get"}
	}
	out := make([]snmp.VarBind, 0, len(oids))
	for _, oid := range oids {
		if vb, ok := f.values[oid]; ok {
			out = append(out, vb)
		} else {
			out = append(out, snmp.VarBind{OID: oid, Type: gosnmp.NoSuchInstance})
		}
	}
	return out, nil
}

type itemSample struct {
	name  string
	oid   string
	value float64
}

type ifaceSample struct {
	lbl    tsdb.InterfaceLabels
	metric string
	value  float64
}

type fakeItemWriter struct {
	mu     sync.Mutex
	items  []itemSample
	ifaces []ifaceSample
}

func (f *fakeItemWriter) WriteItemSample(_ context.Context, _ tsdb.Labels, name, oid string, value float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, itemSample{name: name, oid: oid, value: value})
	return nil
}

func (f *fakeItemWriter) WriteInterfaceSample(_ context.Context, lbl tsdb.InterfaceLabels, metric string, value float64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ifaces = append(f.ifaces, ifaceSample{lbl: lbl, metric: metric, value: value})
	return nil
}

type templateApply struct {
	deviceID   uuid.UUID
	vendor     string
	deviceType models.DeviceType
}

type fakePollStore struct {
	mu       sync.Mutex
	devices  map[uuid.UUID]models.Device
	items    map[uuid.UUID][]models.MonitoringItem
	ifaces   map[uuid.UUID][]models.Interface
	vendors  map[uuid.UUID]string
	applied  []templateApply
	appliedN int
}

func (f *fakePollStore) GetDevicesByIDs(_ context.Context, ids []uuid.UUID) ([]models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Device
	for _, id := range ids {
		if d, ok := f.devices[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakePollStore) EnabledItems(_ context.Context, id uuid.UUID) ([]models.MonitoringItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id], nil
}

func (f *fakePollStore) CriticalInterfaces(_ context.Context, id uuid.UUID) ([]models.Interface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ifaces[id], nil
}

func (f *fakePollStore) SetVendor(_ context.Context, id uuid.UUID, vendor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vendors == nil {
		f.vendors = map[uuid.UUID]string{}
	}
	f.vendors[id] = vendor
	return nil
}

func (f *fakePollStore) ApplyTemplates(_ context.Context, id uuid.UUID, vendor string, deviceType models.DeviceType) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, templateApply{deviceID: id, vendor: vendor, deviceType: deviceType})
	return f.appliedN, nil
}

type fakeCreds struct {
	cred *models.SNMPCredential
}

func (f *fakeCreds) Decrypt(_ context.Context, _ uuid.UUID) (*models.SNMPCredential, error) {
	if f.cred == nil {
		return nil, vault.ErrNotFound
	}
	return f.cred, nil
}

func snmpTestConfig() *config.Config {
	return &config.Config{
		SNMPPeriod: time.Minute,
		SNMP:       config.SNMPConfig{Port: 161, Timeout: 2 * time.Second, Retries: 1, Fanout: 10, MaxRepetitions: 25},
	}
}

func TestSNMPWorkerPollsItemsAndInterfaces(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "core-sw", IP: "10.0.0.2", DeviceType: models.DeviceSwitch, Vendor: "Cisco", Enabled: true}
	itemOID := ".1.3.6.1.4.1.9.9.109.1.1.1.1.7.1"
	client := &fakePollClient{values: map[string]snmp.VarBind{
		itemOID: {OID: itemOID, Type: gosnmp.Gauge32, Value: uint(37)},
		snmp.OIDIfHCInOctets + ".4":  {OID: snmp.OIDIfHCInOctets + ".4", Type: gosnmp.Counter64, Value: uint64(1234567)},
		snmp.OIDIfHCOutOctets + ".4": {OID: snmp.OIDIfHCOutOctets + ".4", Type: gosnmp.Counter64, Value: uint64(7654321)},
		snmp.OIDIfOperStatus + ".4":  {OID: snmp.OIDIfOperStatus + ".4", Type: gosnmp.Integer, Value: 1},
	}}
	store := &fakePollStore{
		devices: map[uuid.UUID]models.Device{dev.ID: dev},
		items: map[uuid.UUID][]models.MonitoringItem{dev.ID: {
			{DeviceID: dev.ID, Name: "cpu_usage", OID: itemOID, ValueType: models.ValueGauge, Enabled: true},
		}},
		ifaces: map[uuid.UUID][]models.Interface{dev.ID: {
			{DeviceID: dev.ID, IfIndex: 4, IfName: "Gi0/4", IsISP: true, ISPProvider: "Magti"},
		}},
	}
	writer := &fakeItemWriter{}
	w := NewSNMPWorker(snmpTestConfig(), client, writer, store, &fakeCreds{cred: &models.SNMPCredential{Version: models.SNMPv2c, Community: "public"}})

	task := models.TaskPayload{Task: models.TaskSNMPPollBatch, DeviceIDs: []uuid.UUID{dev.ID}}
	if err := w.HandleBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	if len(writer.items) != 1 || writer.items[0].name != "cpu_usage" || writer.items[0].value != 37 {
		t.Fatalf("item samples wrong: %+v", writer.items)
	}

	// Three of the eight counter columns had data.
	if len(writer.ifaces) != 3 {
		t.Fatalf("expected 3 interface samples, got %d", len(writer.ifaces))
	}
	for _, s := range writer.ifaces {
		if s.lbl.IfIndex != 4 || s.lbl.IfName != "Gi0/4" || s.lbl.ISPProvider != "Magti" {
			t.Errorf("interface labels wrong: %+v", s.lbl)
		}
		if !strings.HasPrefix(s.metric, "interface_") {
			t.Errorf("unexpected metric %s", s.metric)
		}
	}
	if w.DevicesPolled() != 1 {
		t.Errorf("polled counter = %d", w.DevicesPolled())
	}
}

func TestSNMPWorkerVendorDetection(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "new-rtr", IP: "10.0.0.7", Enabled: true}
	client := &fakePollClient{values: map[string]snmp.VarBind{
		snmp.OIDIfOperStatus + ".1": {OID: snmp.OIDIfOperStatus + ".1", Type: gosnmp.Integer, Value: 1},
		snmp.OIDSysDescr:            {OID: snmp.OIDSysDescr, Type: gosnmp.OctetString, Value: []byte("RouterOS RB4011")},
		snmp.OIDSysObjectID:         {OID: snmp.OIDSysObjectID, Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.14988.1"},
	}}
	store := &fakePollStore{
		devices: map[uuid.UUID]models.Device{dev.ID: dev},
		items:   map[uuid.UUID][]models.MonitoringItem{},
		ifaces: map[uuid.UUID][]models.Interface{dev.ID: {
			{DeviceID: dev.ID, IfIndex: 1, IfName: "ether1", IsCritical: true},
		}},
	}
	w := NewSNMPWorker(snmpTestConfig(), client, &fakeItemWriter{}, store, &fakeCreds{cred: &models.SNMPCredential{Version: models.SNMPv2c, Community: "public"}})

	task := models.TaskPayload{Task: models.TaskSNMPPollBatch, DeviceIDs: []uuid.UUID{dev.ID}}
	if err := w.HandleBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if store.vendors[dev.ID] != "MikroTik" {
		t.Errorf("vendor = %q, want MikroTik", store.vendors[dev.ID])
	}
}

func TestSNMPWorkerProvisionsTemplatesOnFirstContact(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "new-rtr", IP: "10.0.0.7", DeviceType: models.DeviceRouter, Enabled: true}
	client := &fakePollClient{values: map[string]snmp.VarBind{
		snmp.OIDIfOperStatus + ".1": {OID: snmp.OIDIfOperStatus + ".1", Type: gosnmp.Integer, Value: 1},
		snmp.OIDSysDescr:            {OID: snmp.OIDSysDescr, Type: gosnmp.OctetString, Value: []byte("RouterOS RB4011")},
		snmp.OIDSysObjectID:         {OID: snmp.OIDSysObjectID, Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.14988.1"},
	}}
	store := &fakePollStore{
		devices: map[uuid.UUID]models.Device{dev.ID: dev},
		items:   map[uuid.UUID][]models.MonitoringItem{},
		ifaces: map[uuid.UUID][]models.Interface{dev.ID: {
			{DeviceID: dev.ID, IfIndex: 1, IfName: "ether1", IsCritical: true},
		}},
		appliedN: 4,
	}
	w := NewSNMPWorker(snmpTestConfig(), client, &fakeItemWriter{}, store, &fakeCreds{cred: &models.SNMPCredential{Version: models.SNMPv2c, Community: "public"}})

	task := models.TaskPayload{Task: models.TaskSNMPPollBatch, DeviceIDs: []uuid.UUID{dev.ID}}
	if err := w.HandleBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if len(store.applied) != 1 {
		t.Fatalf("expected one template application, got %d", len(store.applied))
	}
	got := store.applied[0]
	if got.deviceID != dev.ID || got.vendor != "MikroTik" || got.deviceType != models.DeviceRouter {
		t.Errorf("template application wrong: %+v", got)
	}

	// Known vendor: no re-detection, no re-provisioning.
	known := models.Device{ID: uuid.New(), Name: "core-sw", IP: "10.0.0.2", Vendor: "Cisco", Enabled: true}
	store.devices[known.ID] = known
	store.ifaces[known.ID] = []models.Interface{{DeviceID: known.ID, IfIndex: 1, IfName: "Gi0/1", IsCritical: true}}
	task = models.TaskPayload{Task: models.TaskSNMPPollBatch, DeviceIDs: []uuid.UUID{known.ID}}
	if err := w.HandleBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if len(store.applied) != 1 {
		t.Errorf("templates must only be applied on first contact, got %d applications", len(store.applied))
	}
}

func TestSNMPWorkerTooBigSplitsChunks(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "old-sw", IP: "10.0.0.8", Vendor: "HP", Enabled: true}
	values := map[string]snmp.VarBind{}
	var items []models.MonitoringItem
	for i := 0; i < 10; i++ {
		oid := fmt.Sprintf(".1.3.6.1.4.1.11.1.%d.0", i)
		values[oid] = snmp.VarBind{OID: oid, Type: gosnmp.Gauge32, Value: uint(i)}
		items = append(items, models.MonitoringItem{DeviceID: dev.ID, Name: fmt.Sprintf("g%d", i), OID: oid, ValueType: models.ValueGauge, Enabled: true})
	}
	client := &fakePollClient{values: values, maxOIDs: 3}
	store := &fakePollStore{
		devices: map[uuid.UUID]models.Device{dev.ID: dev},
		items:   map[uuid.UUID][]models.MonitoringItem{dev.ID: items},
		ifaces:  map[uuid.UUID][]models.Interface{},
	}
	writer := &fakeItemWriter{}
	w := NewSNMPWorker(snmpTestConfig(), client, writer, store, &fakeCreds{cred: &models.SNMPCredential{Version: models.SNMPv2c, Community: "public"}})

	task := models.TaskPayload{Task: models.TaskSNMPPollBatch, DeviceIDs: []uuid.UUID{dev.ID}}
	if err := w.HandleBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if len(writer.items) != 10 {
		t.Fatalf("expected all 10 items after chunk splitting, got %d", len(writer.items))
	}
}

func TestSNMPWorkerSkipsDevicesWithoutCredentials(t *testing.T) {
	dev := models.Device{ID: uuid.New(), Name: "no-cred", IP: "10.0.0.9", Enabled: true}
	client := &fakePollClient{values: map[string]snmp.VarBind{}}
	store := &fakePollStore{devices: map[uuid.UUID]models.Device{dev.ID: dev}}
	w := NewSNMPWorker(snmpTestConfig(), client, &fakeItemWriter{}, store, &fakeCreds{})

	task := models.TaskPayload{Task: models.TaskSNMPPollBatch, DeviceIDs: []uuid.UUID{dev.ID}}
	if err := w.HandleBatch(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	if client.gets != 0 {
		t.Errorf("device without credentials must not be queried")
	}
}
