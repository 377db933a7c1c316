package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
)

// MaxPayloadBytes caps one task message. The batcher sizes device batches to
// stay far below this.
const MaxPayloadBytes = 64 * 1024

// ErrPayloadTooLarge is returned when a marshaled task exceeds MaxPayloadBytes.
var ErrPayloadTooLarge = errors.New("queue: task payload exceeds 64 KiB")

const (
	streamPrefix     = "WARDFLUX"
	subjectPrefix    = "tasks"
	consumerAckWait  = 30 * time.Second
	consumerMaxAck   = 1000
	maxDeliver       = 3
	fetchBatch       = 16
	fetchMaxWait     = 5 * time.Second
	// Tasks handled before a consumer loop returns so the process can be
	// recycled, bounding leak accumulation in long-lived workers.
	maxTasksPerChild = 1000
)

// Queue is a durable at-least-once task queue over JetStream. Each logical
// queue (monitoring, snmp, alerts, maintenance) is one file-backed stream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Handler processes one task. A nil return acks the message; an error naks it
// for redelivery (up to maxDeliver attempts).
type Handler func(ctx context.Context, task models.TaskPayload) error

// Connect dials the broker and ensures the four streams exist.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue: jetstream: %w", err)
	}

	q := &Queue{nc: nc, js: js}
	for _, name := range []string{models.QueueMonitoring, models.QueueSNMP, models.QueueAlerts, models.QueueMaintenance} {
		if err := q.ensureStream(ctx, name); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return q, nil
}

func (q *Queue) ensureStream(ctx context.Context, queue string) error {
	_, err := q.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(queue),
		Subjects:  []string{subject(queue)},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("queue: ensure stream %s: %w", queue, err)
	}
	return nil
}

// Publish enqueues one task onto its partition.
func (q *Queue) Publish(ctx context.Context, task models.TaskPayload) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: marshal %s: %w", task.Task, err)
	}
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, task.Task, len(data))
	}
	if _, err := q.js.Publish(ctx, subject(models.QueueFor(task.Task)), data); err != nil {
		return fmt.Errorf("queue: publish %s: %w", task.Task, err)
	}
	return nil
}

// Length returns the number of pending messages on a partition. The batcher
// uses this for its high-water backpressure check.
func (q *Queue) Length(ctx context.Context, queue string) (uint64, error) {
	stream, err := q.js.Stream(ctx, streamName(queue))
	if err != nil {
		return 0, fmt.Errorf("queue: stream %s: %w", queue, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: stream info %s: %w", queue, err)
	}
	return info.State.Msgs, nil
}

// Consume pulls tasks from one partition until the context ends or the
// per-child task budget is spent, whichever comes first.
func (q *Queue) Consume(ctx context.Context, queue, workerName string, handler Handler) error {
	consumer, err := q.consumer(ctx, queue, workerName)
	if err != nil {
		return err
	}

	handled := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Debug().Err(err).Str("queue", queue).Msg("Fetch failed, backing off")
			time.Sleep(time.Second)
			continue
		}

		for msg := range batch.Messages() {
			q.handle(ctx, queue, msg, handler)
			handled++
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
			log.Debug().Err(err).Str("queue", queue).Msg("Fetch batch error")
		}

		if handled >= maxTasksPerChild {
			log.Info().Str("queue", queue).Int("handled", handled).Msg("Task budget spent, recycling worker")
			return nil
		}
	}
}

func (q *Queue) handle(ctx context.Context, queue string, msg jetstream.Msg, handler Handler) {
	// Panic recovery so one poisoned task cannot take down the consume loop.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("queue", queue).Interface("panic", r).Msg("Task handler panic recovered")
			_ = msg.Term()
		}
	}()

	var task models.TaskPayload
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Undecodable task, terminating delivery")
		_ = msg.Term()
		return
	}

	if err := handler(ctx, task); err != nil {
		meta, metaErr := msg.Metadata()
		if metaErr == nil && meta.NumDelivered >= maxDeliver {
			// Monotonic scheduling supersedes: the next tick re-covers
			// whatever this task missed, so give up rather than pile up.
			log.Warn().Err(err).Str("task", task.Task).Uint64("deliveries", meta.NumDelivered).
				Msg("Task failed max deliveries, dropping")
			_ = msg.Ack()
			return
		}
		log.Warn().Err(err).Str("task", task.Task).Msg("Task failed, requesting redelivery")
		_ = msg.Nak()
		return
	}
	_ = msg.Ack()
}

func (q *Queue) consumer(ctx context.Context, queue, workerName string) (jetstream.Consumer, error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName(queue), jetstream.ConsumerConfig{
		Durable:       durableName(queue, workerName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    maxDeliver,
		MaxAckPending: consumerMaxAck,
		FilterSubject: subject(queue),
	})
	if err != nil {
		return nil, fmt.Errorf("queue: consumer for %s: %w", queue, err)
	}
	return consumer, nil
}

// Close drains the connection.
func (q *Queue) Close() {
	if err := q.nc.Drain(); err != nil {
		q.nc.Close()
	}
}

// HealthCheck reports broker connectivity.
func (q *Queue) HealthCheck() error {
	if !q.nc.IsConnected() {
		return errors.New("queue: not connected")
	}
	return nil
}

func streamName(queue string) string {
	return streamPrefix + "_" + strings.ToUpper(queue)
}

func subject(queue string) string {
	return subjectPrefix + "." + queue
}

func durableName(queue, workerName string) string {
	name := queue + "-" + workerName
	return strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-").Replace(name)
}
