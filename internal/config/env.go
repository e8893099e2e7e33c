package config

import (
	"fmt"
	"os"
	"strconv"
)

// envSpec binds one AIGC_* variable to a field.
type envSpec struct {
	env   string
	apply func(c *Config, raw string) error
}

var envSpecs = []envSpec{
	{"AIGC_SERVER_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"AIGC_GRPC_ADDR", func(c *Config, v string) error { c.GRPC.Addr = v; return nil }},
	{"AIGC_GRPC_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.GRPC.Enabled) }},
	{"AIGC_MQTT_BROKER", func(c *Config, v string) error { c.MQTT.Broker = v; return nil }},
	{"AIGC_MQTT_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.MQTT.Enabled) }},
	{"AIGC_MQTT_USERNAME", func(c *Config, v string) error { c.MQTT.Username = v; return nil }},
	{"AIGC_MQTT_PASSWORD", func(c *Config, v string) error { c.MQTT.Password = v; return nil }},
	{"AIGC_METRICS_ADDR", func(c *Config, v string) error { c.Metrics.Addr = v; return nil }},
	{"AIGC_DATA_DIR", func(c *Config, v string) error { c.Storage.DataDir = v; return nil }},
	{"AIGC_WORKER_ID", func(c *Config, v string) error { c.Workers.ID = v; return nil }},
	{"AIGC_WORKER_COUNT", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Workers.Count = n
		return nil
	}},
	{"AIGC_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"AIGC_LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
}

// applyEnvOverrides 環境變數覆寫；無法解析的值保留原設定並警告
func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range envSpecs {
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		if err := s.apply(cfg, raw); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using configured value.\n", s.env, raw, err)
		}
	}
}

func parseBool(raw string, dst *bool) error {
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
