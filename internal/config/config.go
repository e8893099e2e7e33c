// ============================================================================
// AIGC Gateway 設定
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML 設定檔載入、預設值、AIGC_* 環境變數覆寫與驗證
//
// 載入順序：defaults() → YAML 檔（可省略）→ 環境變數 → Validate()
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 完整的系統設定
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Admission AdmissionConfig `yaml:"admission"`
	Workers   WorkersConfig   `yaml:"workers"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EngineConfig 對應 engine.Config；0 表示使用預設值
type EngineConfig struct {
	DefaultSyncTimeout time.Duration `yaml:"default_sync_timeout"`
	DispatchTimeout    time.Duration `yaml:"dispatch_timeout"`
	AsyncDeadline      time.Duration `yaml:"async_deadline"`
	FutureRetention    time.Duration `yaml:"future_retention"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	ChannelIdleTimeout time.Duration `yaml:"channel_idle_timeout"`
	HistoryLimit       int           `yaml:"history_limit"`
}

// AdmissionConfig 每個操作的最小呼叫間隔（毫秒）
type AdmissionConfig struct {
	DefaultIntervalMs int64            `yaml:"default_interval_ms"`
	IntervalsMs       map[string]int64 `yaml:"intervals_ms"`
}

// WorkersConfig unit 主機設定；standalone 模式下也用來建立內建 unit
type WorkersConfig struct {
	ID          string         `yaml:"id"`
	Count       int            `yaml:"count"`
	Buffer      int            `yaml:"buffer"`
	TaskTimeout time.Duration  `yaml:"task_timeout"`
	Lease       time.Duration  `yaml:"lease"`
	Heartbeat   time.Duration  `yaml:"heartbeat"`
	Simulate    SimulateConfig `yaml:"simulate"`
}

type SimulateConfig struct {
	Delay       time.Duration `yaml:"delay"`
	Jitter      time.Duration `yaml:"jitter"`
	FailureRate int           `yaml:"failure_rate"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // hub 監聽位址，或 worker 連線的 gateway 位址
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type StorageConfig struct {
	DataDir          string        `yaml:"data_dir"`
	History          bool          `yaml:"history"` // sqlite 持久化頻道歷史
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Defaults 回傳完整的預設設定
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			DefaultSyncTimeout: 30 * time.Second,
			DispatchTimeout:    5 * time.Second,
			AsyncDeadline:      5 * time.Minute,
			FutureRetention:    time.Hour,
			SweepInterval:      time.Minute,
			ChannelIdleTimeout: 30 * time.Minute,
			HistoryLimit:       50,
		},
		Admission: AdmissionConfig{
			DefaultIntervalMs: 0,
			IntervalsMs:       map[string]int64{},
		},
		Workers: WorkersConfig{
			Count:       4,
			TaskTimeout: 2 * time.Minute,
			Lease:       10 * time.Second,
			Simulate: SimulateConfig{
				Delay: 500 * time.Millisecond,
			},
		},
		GRPC: GRPCConfig{Addr: ":50051"},
		MQTT: MQTTConfig{
			Broker: "localhost:1883",
			Prefix: "aigc",
			QoS:    1,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			History:          true,
			SnapshotInterval: 30 * time.Second,
			SnapshotBackups:  3,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load 讀取 YAML 設定檔；path 為空或檔案不存在時只使用預設值
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg, os.Getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 檢查設定值的合理性
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Engine.HistoryLimit < 0 {
		errs = append(errs, errors.New("engine.history_limit must not be negative"))
	}
	if c.Admission.DefaultIntervalMs < 0 {
		errs = append(errs, errors.New("admission.default_interval_ms must not be negative"))
	}
	for op, ms := range c.Admission.IntervalsMs {
		if ms < 0 {
			errs = append(errs, fmt.Errorf("admission.intervals_ms.%s must not be negative", op))
		}
	}
	if c.Workers.Count < 0 {
		errs = append(errs, errors.New("workers.count must not be negative"))
	}
	if c.Workers.Simulate.FailureRate < 0 || c.Workers.Simulate.FailureRate > 100 {
		errs = append(errs, errors.New("workers.simulate.failure_rate must be within 0..100"))
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr is required when grpc is enabled"))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Storage.History && c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required for history"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SnapshotPath 快照檔位置
func (c Config) SnapshotPath() string {
	return strings.TrimSuffix(c.Storage.DataDir, "/") + "/snapshot.json"
}
