package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// DeviceSource is what the batcher needs from the relational side.
type DeviceSource interface {
	ListEnabledDeviceIDs(ctx context.Context) ([]uuid.UUID, error)
}

// BatchQueue is what the batcher needs from the queue.
type BatchQueue interface {
	Publish(ctx context.Context, task models.TaskPayload) error
	Length(ctx context.Context, queue string) (uint64, error)
}

// fanOut maps an *-all task to the batch task it expands into.
var fanOut = map[string]string{
	models.TaskPingAll:            models.TaskPingBatch,
	models.TaskSNMPPollAll:        models.TaskSNMPPollBatch,
	models.TaskDiscoverInterfaces: models.TaskDiscoverBatch,
}

// BatchSize picks the batch size for a fleet of n enabled devices. Sizes
// bound worker RAM and keep per-task wall clock under the polling period.
func BatchSize(n int) int {
	switch {
	case n <= 100:
		return 25
	case n <= 500:
		return 50
	case n <= 1000:
		return 100
	case n <= 5000:
		return 200
	default:
		return 500
	}
}

// Batcher expands an *-all tick into per-batch tasks. It runs inside the
// worker that consumes the tick, not inside the scheduler.
type Batcher struct {
	cfg   *config.Config
	store DeviceSource
	queue BatchQueue
}

// NewBatcher wires a batcher.
func NewBatcher(cfg *config.Config, store DeviceSource, queue BatchQueue) *Batcher {
	return &Batcher{cfg: cfg, store: store, queue: queue}
}

// FanOut splits the enabled fleet into batch tasks for one tick. If the
// target partition is over the high-water mark the whole tick is skipped;
// the system is self-stabilizing because the next tick supersedes.
func (b *Batcher) FanOut(ctx context.Context, task models.TaskPayload) error {
	batchTask, ok := fanOut[task.Task]
	if !ok {
		return fmt.Errorf("batcher: %q is not a fan-out task", task.Task)
	}
	partition := models.QueueFor(batchTask)

	length, err := b.queue.Length(ctx, partition)
	if err != nil {
		return err
	}
	if length > uint64(b.cfg.QueueHighWater) {
		log.Warn().
			Str("task", task.Task).
			Str("queue", partition).
			Uint64("queue_length", length).
			Int("high_water", b.cfg.QueueHighWater).
			Msg("Backpressure, skipping tick")
		return nil
	}

	ids, err := b.store.ListEnabledDeviceIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	size := BatchSize(len(ids))
	batches := 0
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		err := b.queue.Publish(ctx, models.TaskPayload{
			Task:       batchTask,
			BatchIndex: batches,
			DeviceIDs:  ids[start:end],
		})
		if err != nil {
			// Whatever was enqueued so far still runs; the rest of the
			// fleet is covered by the next tick.
			return fmt.Errorf("batcher: enqueue %s[%d]: %w", batchTask, batches, err)
		}
		batches++
	}

	log.Debug().
		Str("task", batchTask).
		Int("devices", len(ids)).
		Int("batch_size", size).
		Int("batches", batches).
		Msg("Fleet fanned out")
	return nil
}
