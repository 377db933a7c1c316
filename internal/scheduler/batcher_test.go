package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

type fakeDeviceSource struct {
	ids []uuid.UUID
}

func (f *fakeDeviceSource) ListEnabledDeviceIDs(context.Context) ([]uuid.UUID, error) {
	return f.ids, nil
}

type fakeBatchQueue struct {
	length    uint64
	published []models.TaskPayload
}

func (f *fakeBatchQueue) Publish(_ context.Context, task models.TaskPayload) error {
	f.published = append(f.published, task)
	return nil
}

func (f *fakeBatchQueue) Length(context.Context, string) (uint64, error) {
	return f.length, nil
}

func makeIDs(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	return ids
}

func TestBatchSizeTable(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{1, 25}, {100, 25}, {101, 50}, {500, 50},
		{501, 100}, {1000, 100}, {1001, 200}, {5000, 200},
		{5001, 500}, {20000, 500},
	}
	for _, tt := range tests {
		if got := BatchSize(tt.n); got != tt.want {
			t.Errorf("BatchSize(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestFanOutCoversWholeFleet(t *testing.T) {
	// 875 devices -> B=100 -> 9 batches, the last one partial.
	q := &fakeBatchQueue{}
	b := NewBatcher(&config.Config{QueueHighWater: 1000}, &fakeDeviceSource{ids: makeIDs(875)}, q)

	err := b.FanOut(context.Background(), models.TaskPayload{Task: models.TaskPingAll, EnqueuedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if len(q.published) != 9 {
		t.Fatalf("expected 9 batches, got %d", len(q.published))
	}

	total := 0
	for i, task := range q.published {
		if task.Task != models.TaskPingBatch {
			t.Errorf("batch %d has task %q", i, task.Task)
		}
		if task.BatchIndex != i {
			t.Errorf("batch %d has index %d", i, task.BatchIndex)
		}
		if len(task.DeviceIDs) > 100 {
			t.Errorf("batch %d oversize: %d devices", i, len(task.DeviceIDs))
		}
		total += len(task.DeviceIDs)
	}
	if total != 875 {
		t.Errorf("fleet coverage %d, want 875", total)
	}
	if len(q.published[8].DeviceIDs) != 75 {
		t.Errorf("last batch should hold the 75 remaining devices, got %d", len(q.published[8].DeviceIDs))
	}
}

func TestFanOutBackpressureSkipsTick(t *testing.T) {
	q := &fakeBatchQueue{length: 5000}
	b := NewBatcher(&config.Config{QueueHighWater: 1000}, &fakeDeviceSource{ids: makeIDs(50)}, q)

	if err := b.FanOut(context.Background(), models.TaskPayload{Task: models.TaskPingAll}); err != nil {
		t.Fatal(err)
	}
	if len(q.published) != 0 {
		t.Errorf("backpressure must skip the tick, published %d", len(q.published))
	}
}

func TestFanOutRejectsNonFanOutTask(t *testing.T) {
	b := NewBatcher(&config.Config{QueueHighWater: 1000}, &fakeDeviceSource{}, &fakeBatchQueue{})
	if err := b.FanOut(context.Background(), models.TaskPayload{Task: models.TaskEvaluateAlerts}); err == nil {
		t.Fatal("evaluate-alert-rules is not batchable")
	}
}

func TestFanOutRoutesSNMPAndDiscovery(t *testing.T) {
	q := &fakeBatchQueue{}
	b := NewBatcher(&config.Config{QueueHighWater: 1000}, &fakeDeviceSource{ids: makeIDs(10)}, q)

	if err := b.FanOut(context.Background(), models.TaskPayload{Task: models.TaskSNMPPollAll}); err != nil {
		t.Fatal(err)
	}
	if err := b.FanOut(context.Background(), models.TaskPayload{Task: models.TaskDiscoverInterfaces}); err != nil {
		t.Fatal(err)
	}
	if q.published[0].Task != models.TaskSNMPPollBatch || q.published[1].Task != models.TaskDiscoverBatch {
		t.Errorf("wrong batch tasks: %s, %s", q.published[0].Task, q.published[1].Task)
	}
}
