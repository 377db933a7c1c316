package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/alerting"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/config"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/discovery"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/housekeeping"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/logger"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/models"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/monitoring"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/queue"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/scheduler"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/snmp"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/store"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/tsdb"
	"github.com/ward-tech-solutions/ward-flux-credobank-sub008/internal/vault"
)

const (
	roleScheduler   = "scheduler"
	roleMonitoring  = models.QueueMonitoring
	roleSNMP        = models.QueueSNMP
	roleAlerts      = models.QueueAlerts
	roleMaintenance = models.QueueMaintenance
	roleAll         = "all"
)

func main() {
	role := flag.String("role", roleAll, "worker role: scheduler|monitoring|snmp|alerts|maintenance|all")
	configPath := flag.String("config", "config.yml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	switch *role {
	case roleScheduler, roleMonitoring, roleSNMP, roleAlerts, roleMaintenance, roleAll:
	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	logger.Setup(*debug, *role)
	log.Info().Str("role", *role).Msg("wardflux starting up")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *role); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("wardflux exited with error")
	}
	log.Info().Msg("wardflux stopped")
}

func run(ctx context.Context, cfg *config.Config, role string) error {
	st, err := store.New(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	q, err := queue.Connect(ctx, cfg.QueueURL)
	if err != nil {
		return err
	}
	defer q.Close()

	writer := tsdb.NewWriter(cfg.TSDB.URL, cfg.TSDB.Token, cfg.TSDB.Org, cfg.TSDB.Bucket)
	defer writer.Close()

	keeper := housekeeping.New(cfg, st, writer)
	health := NewHealthServer(cfg.HealthPort, st, q, writer)
	health.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	if role == roleScheduler || role == roleAll {
		sched := scheduler.New(cfg, q)
		g.Go(func() error { return sched.Run(gctx) })
	}

	if role == roleMonitoring || role == roleAll {
		worker := monitoring.NewWorker(cfg, monitoring.NewProber(cfg.ICMP), writer, st)
		batcher := scheduler.NewBatcher(cfg, st, q)
		handler := func(hctx context.Context, task models.TaskPayload) error {
			switch task.Task {
			case models.TaskPingAll:
				return batcher.FanOut(hctx, task)
			case models.TaskPingBatch:
				return worker.HandleBatch(hctx, task)
			default:
				return fmt.Errorf("unexpected task %q on %s", task.Task, models.QueueMonitoring)
			}
		}
		g.Go(func() error { return consumeLoop(gctx, q, models.QueueMonitoring, handler) })
		g.Go(func() error { keeper.RunHeartbeat(gctx, models.QueueMonitoring); return nil })
	}

	if role == roleSNMP || role == roleAll {
		v, err := vault.New(st, cfg.VaultKey)
		if err != nil {
			return err
		}
		client := snmp.NewClient(cfg.SNMP)
		poller := monitoring.NewSNMPWorker(cfg, client, writer, st, v)
		walker := discovery.NewWorker(cfg, client, st, v)
		batcher := scheduler.NewBatcher(cfg, st, q)
		handler := func(hctx context.Context, task models.TaskPayload) error {
			switch task.Task {
			case models.TaskSNMPPollAll, models.TaskDiscoverInterfaces:
				return batcher.FanOut(hctx, task)
			case models.TaskSNMPPollBatch:
				return poller.HandleBatch(hctx, task)
			case models.TaskDiscoverBatch:
				return walker.HandleBatch(hctx, task)
			default:
				return fmt.Errorf("unexpected task %q on %s", task.Task, models.QueueSNMP)
			}
		}
		g.Go(func() error { return consumeLoop(gctx, q, models.QueueSNMP, handler) })
		g.Go(func() error { keeper.RunHeartbeat(gctx, models.QueueSNMP); return nil })
	}

	if role == roleAlerts || role == roleAll {
		engine := alerting.NewEngine(cfg, st, writer)
		handler := func(hctx context.Context, task models.TaskPayload) error {
			if task.Task != models.TaskEvaluateAlerts {
				return fmt.Errorf("unexpected task %q on %s", task.Task, models.QueueAlerts)
			}
			return engine.EvaluateTick(hctx)
		}
		g.Go(func() error { return consumeLoop(gctx, q, models.QueueAlerts, handler) })
		g.Go(func() error { keeper.RunHeartbeat(gctx, models.QueueAlerts); return nil })
	}

	if role == roleMaintenance || role == roleAll {
		g.Go(func() error { return consumeLoop(gctx, q, models.QueueMaintenance, keeper.Handle) })
		g.Go(func() error { keeper.RunHeartbeat(gctx, models.QueueMaintenance); return nil })
	}

	return g.Wait()
}

// consumeLoop restarts the consumer whenever it recycles after spending its
// per-child task budget; only context cancellation ends it.
func consumeLoop(ctx context.Context, q *queue.Queue, partition string, handler queue.Handler) error {
	for {
		if err := q.Consume(ctx, partition, "wardflux", handler); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Info().Str("queue", partition).Msg("Consumer recycled, restarting")
	}
}
