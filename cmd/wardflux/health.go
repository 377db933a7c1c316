package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// heartbeatWindow bounds the worker-heartbeat lookback on /health.
const heartbeatWindow = time.Hour

type healthStore interface {
	HealthCheck(ctx context.Context) error
	CountEnabledDevices(ctx context.Context) (int, error)
}

type healthQueue interface {
	HealthCheck() error
}

type healthTSDB interface {
	HealthCheck(ctx context.Context) error
	DroppedSamples() uint64
	LastHeartbeats(ctx context.Context, window time.Duration) (map[string]time.Time, error)
}

// HealthServer exposes liveness and readiness over HTTP.
type HealthServer struct {
	store     healthStore
	queue     healthQueue
	writer    healthTSDB
	startTime time.Time
	port      int
}

// HealthResponse is the /health JSON body.
type HealthResponse struct {
	Status           string               `json:"status"` // "healthy", "degraded"
	Uptime           string               `json:"uptime"`
	DatabaseOK       bool                 `json:"database_ok"`
	QueueOK          bool                 `json:"queue_ok"`
	TSDBOK           bool                 `json:"tsdb_ok"`
	EnabledDevices   int                  `json:"enabled_devices"`
	WorkerHeartbeats map[string]time.Time `json:"worker_heartbeats,omitempty"`
	DroppedSamples   uint64               `json:"dropped_samples"`
	Goroutines       int                  `json:"goroutines"`
	MemoryMB         uint64               `json:"memory_mb"`
	Timestamp        time.Time            `json:"timestamp"`
}

// NewHealthServer creates a health check server.
func NewHealthServer(port int, st healthStore, q healthQueue, writer healthTSDB) *HealthServer {
	return &HealthServer{store: st, queue: q, writer: writer, startTime: time.Now(), port: port}
}

// Start begins serving health checks (non-blocking).
func (hs *HealthServer) Start(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/health/ready", hs.readinessHandler)
	mux.HandleFunc("/health/live", hs.livenessHandler)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", hs.port), Handler: mux}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Health server panic recovered")
			}
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server error")
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	log.Info().Str("address", srv.Addr).Msg("Health check endpoint started")
}

// healthHandler provides detailed health information.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbOK := hs.store.HealthCheck(ctx) == nil
	queueOK := hs.queue.HealthCheck() == nil
	tsdbOK := hs.writer.HealthCheck(ctx) == nil

	status := "healthy"
	if !dbOK || !queueOK || !tsdbOK {
		status = "degraded"
	}

	// Fleet size and heartbeats are informational; failures here do not
	// change the health status.
	enabled, err := hs.store.CountEnabledDevices(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Health: device count unavailable")
	}
	beats, err := hs.writer.LastHeartbeats(ctx, heartbeatWindow)
	if err != nil {
		log.Debug().Err(err).Msg("Health: worker heartbeats unavailable")
	}

	response := HealthResponse{
		Status:           status,
		Uptime:           time.Since(hs.startTime).String(),
		DatabaseOK:       dbOK,
		QueueOK:          queueOK,
		TSDBOK:           tsdbOK,
		EnabledDevices:   enabled,
		WorkerHeartbeats: beats,
		DroppedSamples:   hs.writer.DroppedSamples(),
		Goroutines:       runtime.NumGoroutine(),
		MemoryMB:         m.Alloc / 1024 / 1024,
		Timestamp:        time.Now().UTC(),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// readinessHandler reports whether the worker can do useful work: it needs
// the database and the queue; the TSDB degrades gracefully.
func (hs *HealthServer) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := hs.store.HealthCheck(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY: database unavailable"))
		return
	}
	if err := hs.queue.HealthCheck(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY: queue unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

func (hs *HealthServer) livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ALIVE"))
}
