// Package supervisor wires every component together and owns the
// process-level startup and shutdown sequencing described in spec §4.9 and
// §4.10: config -> store -> metrics/tracing -> bus -> workers ->
// broadcaster -> gateway (tracing ahead of the bus, see Build). Shutdown
// stops the HTTP listener, the broadcaster and the workers in that order,
// then closes the correlator, bus, store and tracing.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/holoforge/scenecast/internal/auth"
	"github.com/holoforge/scenecast/internal/broadcast"
	"github.com/holoforge/scenecast/internal/bus"
	"github.com/holoforge/scenecast/internal/config"
	"github.com/holoforge/scenecast/internal/correlator"
	"github.com/holoforge/scenecast/internal/errs"
	"github.com/holoforge/scenecast/internal/gateway"
	"github.com/holoforge/scenecast/internal/generator"
	"github.com/holoforge/scenecast/internal/snapshot"
	"github.com/holoforge/scenecast/internal/store"
	"github.com/holoforge/scenecast/internal/telemetry"
	"github.com/holoforge/scenecast/internal/worker"
)

// Roles selects which components a given process instance runs. cmd/server
// runs every role; cmd/worker and cmd/gateway run a narrower set so each
// process type can be scaled independently (spec §4.10).
type Roles struct {
	Worker      bool
	Broadcaster bool
	Gateway     bool
	Snapshotter bool
}

// AllRoles is the monolith configuration used by cmd/server.
func AllRoles() Roles {
	return Roles{Worker: true, Broadcaster: true, Gateway: true, Snapshotter: true}
}

// Supervisor owns every component's lifecycle for one process.
type Supervisor struct {
	cfg    *config.Config
	roles  Roles
	logger zerolog.Logger

	bus     bus.Bus
	st      store.Store
	metrics *telemetry.Metrics
	tracing *telemetry.Tracing

	workerPool *worker.Pool
	corr       *correlator.Correlator
	engine     *broadcast.Engine
	gw         *gateway.Gateway
	snap       *snapshot.Snapshotter

	httpServer *http.Server
}

// Build constructs every component in the order spec §4.9 requires, but
// does not start any of them yet; call Run for that.
func Build(ctx context.Context, cfg *config.Config, roles Roles, logger zerolog.Logger) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, roles: roles, logger: logger}

	var err error
	s.st, err = buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Tracing is built ahead of the bus (out of spec §4.9's nominal order)
	// because the bus stamps trace headers onto every envelope it publishes
	// and needs a Tracing handle to do it.
	s.metrics = telemetry.New()
	s.tracing, err = telemetry.NewTracing(ctx, telemetry.TracingConfig{
		Enabled: cfg.OTLPEndpoint != "", OTLPEndpoint: cfg.OTLPEndpoint, ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	s.bus, err = bus.NewNATSClient(cfg.BusURL, s.tracing, logger)
	if err != nil {
		return nil, err
	}

	if roles.Worker {
		s.workerPool = worker.NewPool(worker.Config{
			Concurrency: cfg.WorkerConcurrency, GeneratorMax: cfg.GeneratorMax(),
			DedupWindow: cfg.DedupWindow(), WorkerID: hostname(),
		}, s.bus, s.st, generator.NewMockGenerator(), s.metrics, s.tracing, logger)
	}

	if roles.Broadcaster || roles.Gateway {
		s.corr = correlator.New(s.bus, cfg.RequestReplyTimeout(), logger)
	}

	if roles.Broadcaster {
		s.engine = broadcast.New(s.bus, broadcast.Config{
			TickInterval: cfg.TickInterval(), QueueCap: cfg.BroadcastQueueCap,
			SoftBacklog: cfg.WSBacklogSoftBytes, HardBacklog: cfg.WSBacklogHardBytes,
			WriteTimeout: 200 * time.Millisecond,
		}, s.metrics, s.tracing, logger)
	}

	if roles.Gateway {
		if s.engine == nil {
			return nil, errs.New(errs.Fatal, "supervisor: gateway role requires broadcaster role in this process")
		}
		verifier := buildVerifier(cfg)
		s.gw = gateway.New(verifier, s.engine, s.corr, s.bus, gateway.Config{
			MaxConnsPerIP: cfg.MaxConnsPerIP, MaxConnsPerTenant: cfg.MaxConnsPerTenant,
			RequestDeadline: cfg.RequestReplyTimeout(), AllowedOrigins: []string{"*"},
		}, logger)
	}

	if roles.Snapshotter {
		var uploader snapshot.Uploader
		if cfg.Bucket != "" {
			uploader = snapshot.NewS3Uploader(snapshot.S3Config{Bucket: cfg.Bucket})
		}
		s.snap = snapshot.New(s.st, uploader, cfg.Bucket, cfg.SnapshotInterval(), logger)
	}

	return s, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == "sql" {
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	return store.NewMemoryStore(), nil
}

func buildVerifier(cfg *config.Config) auth.TokenVerifier {
	if cfg.JWTSigningKey == "" {
		return auth.StaticVerifier{}
	}
	return auth.NewJWTVerifier(cfg.JWTSigningKey)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}

// Run starts every built component and blocks until ctx is cancelled, then
// runs the shutdown sequence. It returns a non-nil error if any drain
// budget was exceeded and the caller should force-exit (spec §4.9).
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.workerPool != nil {
		if err := s.workerPool.Start(runCtx); err != nil {
			return err
		}
	}
	if s.engine != nil {
		go s.engine.Run(runCtx)
	}
	if s.corr != nil {
		if err := s.corr.Start(); err != nil {
			return err
		}
	}
	if s.snap != nil {
		go s.snap.Run(runCtx)
	}
	if s.gw != nil || s.cfg.ExportProm {
		s.startHTTP()
	}
	go s.sampleReconnects(runCtx)

	<-ctx.Done()
	return s.shutdown()
}

// sampleReconnects polls the bus's lifetime reconnect counter and feeds the
// delta into bus_reconnects_total, since nats.Conn exposes reconnects as a
// running total rather than an event callback the metric can Inc() from.
func (s *Supervisor) sampleReconnects(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := s.bus.Reconnects()
			if cur > last {
				s.metrics.BusReconnects.Add(float64(cur - last))
				last = cur
			}
		}
	}
}

func (s *Supervisor) startHTTP() {
	mux := http.NewServeMux()
	if s.gw != nil {
		mux.Handle("/ws", s.gw)
	}
	if s.cfg.ExportProm {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	s.httpServer = &http.Server{
		Addr:         fmtAddr(s.cfg.PromPort),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("supervisor: http server error")
		}
	}()
}

// shutdown runs the teardown sequence, honoring the per-component budgets
// from spec §4.9. It returns an error if any component fails to drain
// within its budget; the cmd entrypoints turn that into exit code 2.
func (s *Supervisor) shutdown() error {
	forceExit := false

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BroadcastDrain())
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("supervisor: http server shutdown exceeded budget")
			forceExit = true
		}
	}

	if s.engine != nil {
		if ok := s.engine.Stop(s.cfg.BroadcastDrain()); !ok {
			forceExit = true
		}
	}

	if s.workerPool != nil {
		if ok := s.workerPool.Stop(s.cfg.WorkerDrain()); !ok {
			forceExit = true
		}
	}

	if s.corr != nil {
		_ = s.corr.Close()
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if s.st != nil {
		_ = s.st.Close()
	}
	if s.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracing.Shutdown(ctx)
	}

	if forceExit {
		return errs.New(errs.Fatal, "supervisor: shutdown exceeded drain budget")
	}
	return nil
}

func fmtAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
