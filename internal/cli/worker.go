package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/aigc-gateway/internal/config"
	"github.com/ChuLiYu/aigc-gateway/internal/transport/grpchub"
	"github.com/ChuLiYu/aigc-gateway/internal/transport/mqttbus"
	"github.com/ChuLiYu/aigc-gateway/internal/worker"
)

func buildWorkerCommand() *cobra.Command {
	var transport string
	var gatewayAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a unit host and connect it to a gateway",
		Long: `Start a unit host running the simulated handlers and join it to a
gateway over gRPC (--gateway or grpc.addr) or MQTT (mqtt.broker).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if gatewayAddr != "" {
				cfg.GRPC.Addr = gatewayAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg, transport, logger)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "grpc", "how to reach the gateway: grpc, mqtt")
	cmd.Flags().StringVar(&gatewayAddr, "gateway", "", "gateway gRPC address (overrides grpc.addr)")
	return cmd
}

func runWorker(ctx context.Context, cfg config.Config, transport string, logger *slog.Logger) error {
	node := worker.NewNode(nodeConfig(cfg, logger), simulatedHandlers(cfg))
	info := node.Info()
	logger.Info("starting unit host",
		"worker_id", info.ID,
		"transport", transport,
		"workers", info.Capacity,
		"capabilities", len(info.Capabilities))

	switch transport {
	case "grpc":
		conn, err := grpc.NewClient(cfg.GRPC.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect to gateway: %w", err)
		}
		defer conn.Close()

		agent := grpchub.NewAgent(node, grpchub.AgentConfig{
			Heartbeat: cfg.Workers.Heartbeat,
			Logger:    logger,
		})
		err = agent.Run(ctx, conn)
		logger.Info("unit host stopped")
		return err

	case "mqtt":
		mcfg := mqttConfig(cfg, logger)
		// 與 gateway 的 client id 區分
		mcfg.ClientID = ""
		agent := mqttbus.NewAgent(node, cfg.Workers.Heartbeat, mcfg)
		err := agent.Run(ctx)
		logger.Info("unit host stopped")
		return err

	default:
		return fmt.Errorf("unknown transport %q (want grpc or mqtt)", transport)
	}
}
