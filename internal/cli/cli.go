// ============================================================================
// AIGC Gateway CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令樹，組裝各元件並啟動 gateway / unit 主機
//
// Command Structure:
//   aigc-gateway                   # Root command
//   ├── run                        # 啟動 gateway
//   │   └── --mode                 # standalone（內建模擬 unit）| hub（只接受遠端 unit）
//   ├── worker                     # 啟動 unit 主機並連到 gateway
//   │   └── --transport            # grpc | mqtt
//   ├── submit                     # 提交一個任務（HTTP client）
//   ├── poll                       # 查詢 Future
//   ├── stop                       # 停止頻道目前的生成
//   ├── status                     # 引擎狀態
//   ├── --config, -c               # 設定檔（預設 configs/gateway.yaml）
//   └── --version
//
// Signal Handling:
//   run / worker 在 SIGINT、SIGTERM 時優雅關閉：
//   1. 停止接受新的 HTTP 請求
//   2. 斷開 transport（unit 的 in-flight 任務由 gateway 標記失敗）
//   3. 引擎寫入最後一次快照
//   4. 關閉 sqlite
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/aigc-gateway/internal/config"
)

// Version is injected at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "aigc-gateway",
		Short: "AIGC Gateway: job correlation and channel exclusion for AI units",
		Long: `AIGC Gateway fronts a fleet of AI units with:
- one future per resource key, resolved by the unit's reply
- one running generation per conversation channel
- per-caller admission windows
- gRPC and MQTT unit transports`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/gateway.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildPollCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// loadConfig 讀取設定並依 log 段落設定全域 slog
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
