package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/aigc-gateway/internal/admission"
	"github.com/ChuLiYu/aigc-gateway/internal/api"
	"github.com/ChuLiYu/aigc-gateway/internal/channel"
	"github.com/ChuLiYu/aigc-gateway/internal/config"
	"github.com/ChuLiYu/aigc-gateway/internal/engine"
	"github.com/ChuLiYu/aigc-gateway/internal/gateway"
	"github.com/ChuLiYu/aigc-gateway/internal/metrics"
	"github.com/ChuLiYu/aigc-gateway/internal/push"
	"github.com/ChuLiYu/aigc-gateway/internal/routing"
	"github.com/ChuLiYu/aigc-gateway/internal/snapshot"
	"github.com/ChuLiYu/aigc-gateway/internal/storage"
	"github.com/ChuLiYu/aigc-gateway/internal/transport/grpchub"
	"github.com/ChuLiYu/aigc-gateway/internal/transport/local"
	"github.com/ChuLiYu/aigc-gateway/internal/transport/mqttbus"
	"github.com/ChuLiYu/aigc-gateway/internal/worker"
)

const (
	modeStandalone = "standalone"
	modeHub        = "hub"
)

func buildRunCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway",
		Long: `Start the gateway HTTP API and the enabled unit transports.
In standalone mode a simulated unit runs in-process; in hub mode only
units that connect over gRPC or MQTT serve jobs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode != modeStandalone && mode != modeHub {
				return fmt.Errorf("unknown mode %q (want %s or %s)", mode, modeStandalone, modeHub)
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg, mode, logger)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", modeStandalone, "gateway mode: standalone, hub")
	return cmd
}

// app 組裝完成、尚未開始服務的 gateway
type app struct {
	cfg      config.Config
	log      *slog.Logger
	engine   *engine.Engine
	hub      *push.Hub
	store    *storage.Store
	recorder *storage.Recorder
	registry *prometheus.Registry
	handler  http.Handler
}

// newApp 依設定建立所有元件；不開任何 listener
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: logger, hub: push.NewHub(push.DefaultBuffer)}

	deps := engine.Deps{
		Channels:  channel.NewRegistry(cfg.Engine.HistoryLimit),
		Gateway:   gateway.New(routing.NewTable(cfg.Workers.Lease), logger),
		Admission: admission.NewLimiter(cfg.Admission.IntervalsMs, cfg.Admission.DefaultIntervalMs),
		Publisher: a.hub,
		Logger:    logger,
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	deps.Snapshots = snapshot.NewManager(cfg.SnapshotPath())

	if cfg.Storage.History {
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		a.store = store
		a.recorder = storage.NewRecorder(store, storage.DefaultRecorderBuffer, logger)
		deps.Recorder = a.recorder
		deps.History = a.recorder
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		deps.Metrics = metrics.NewCollector(a.registry)
		metricsHandler = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}

	a.engine = engine.New(engine.Config{
		DefaultSyncTimeout: cfg.Engine.DefaultSyncTimeout,
		DispatchTimeout:    cfg.Engine.DispatchTimeout,
		AsyncDeadline:      cfg.Engine.AsyncDeadline,
		FutureRetention:    cfg.Engine.FutureRetention,
		SweepInterval:      cfg.Engine.SweepInterval,
		ChannelIdleTimeout: cfg.Engine.ChannelIdleTimeout,
		SnapshotInterval:   cfg.Storage.SnapshotInterval,
		SnapshotBackups:    cfg.Storage.SnapshotBackups,
	}, deps)

	// metrics 另開 listener 時不掛在 API 上
	apiMetrics := metricsHandler
	if cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.Server.Addr {
		apiMetrics = nil
	}
	a.handler = api.NewHandler(api.Deps{Engine: a.engine, Hub: a.hub, Logger: logger, Metrics: apiMetrics})
	return a, nil
}

// close 釋放 newApp 開啟的資源；引擎需先停止
func (a *app) close() {
	if a.recorder != nil {
		a.recorder.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close history store", "error", err)
		}
	}
}

func runGateway(ctx context.Context, cfg config.Config, mode string, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	if err := a.engine.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer a.engine.Stop()
	logger.Info("engine ready", "mode", mode, "startup", time.Since(start))

	if mode == modeStandalone {
		node := worker.NewNode(nodeConfig(cfg, logger), simulatedHandlers(cfg))
		detach, err := local.Attach(a.engine.Gateway(), node)
		if err != nil {
			return fmt.Errorf("failed to start local unit: %w", err)
		}
		defer detach()
	}

	// listener 與 broker 先就緒，失敗時不留下半啟動的服務
	var lis net.Listener
	if cfg.GRPC.Enabled {
		if lis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
	}
	if cfg.MQTT.Enabled {
		bridge := mqttbus.NewBridge(a.engine.Gateway(), mqttConfig(cfg, logger))
		if err := bridge.Start(); err != nil {
			if lis != nil {
				lis.Close()
			}
			return fmt.Errorf("failed to connect mqtt bridge: %w", err)
		}
		defer bridge.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}
	g.Go(func() error {
		logger.Info("http api listening", "addr", cfg.Server.Addr)
		return serveHTTP(gctx, srv, cfg.Server.ShutdownTimeout)
	})

	if a.registry != nil && cfg.Metrics.Addr != "" && cfg.Metrics.Addr != cfg.Server.Addr {
		msrv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			return serveHTTP(gctx, msrv, cfg.Server.ShutdownTimeout)
		})
	}

	if lis != nil {
		gs := grpc.NewServer()
		grpchub.NewHub(a.engine.Gateway(), logger).Register(gs)
		g.Go(func() error {
			logger.Info("grpc hub listening", "addr", cfg.GRPC.Addr)
			return gs.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			// unit streams never end on their own
			gs.Stop()
			return nil
		})
	}

	if mode == modeHub && !cfg.GRPC.Enabled && !cfg.MQTT.Enabled {
		logger.Warn("hub mode without grpc or mqtt: no unit can join")
	}

	err = g.Wait()
	logger.Info("shutting down gracefully")
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// serveHTTP 服務到 ctx 結束，再於 timeout 內關閉
func serveHTTP(ctx context.Context, srv *http.Server, timeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func nodeConfig(cfg config.Config, logger *slog.Logger) worker.NodeConfig {
	id := cfg.Workers.ID
	if id == "" {
		host, _ := os.Hostname()
		id = "unit-" + host
	}
	return worker.NodeConfig{
		ID:          id,
		Workers:     cfg.Workers.Count,
		Buffer:      cfg.Workers.Buffer,
		TaskTimeout: cfg.Workers.TaskTimeout,
		Logger:      logger,
	}
}

func simulatedHandlers(cfg config.Config) worker.Handlers {
	return worker.SimulatedHandlers(worker.SimConfig{
		Delay:       cfg.Workers.Simulate.Delay,
		Jitter:      cfg.Workers.Simulate.Jitter,
		FailureRate: cfg.Workers.Simulate.FailureRate,
	})
}

func mqttConfig(cfg config.Config, logger *slog.Logger) mqttbus.Config {
	return mqttbus.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Prefix:   cfg.MQTT.Prefix,
		QoS:      cfg.MQTT.QoS,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		Logger:   logger,
	}
}
