// Package config loads the balancer's YAML configuration file and
// applies LBPROXY_-prefixed environment variable overrides via a
// single reflection-based nested walk.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loadbalancer/lbproxy/internal/workerpool"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
}

// SchedulerConfig controls the dispatch policy.
type SchedulerConfig struct {
	Strategy   string `yaml:"strategy"`
	PreferIdle bool   `yaml:"preferIdle"`
}

// HealthCheckConfig controls probe cadence and hysteresis thresholds.
type HealthCheckConfig struct {
	Interval           time.Duration `yaml:"interval"`
	Timeout            time.Duration `yaml:"timeout"`
	UnhealthyThreshold int           `yaml:"unhealthyThreshold"`
	HealthyThreshold   int           `yaml:"healthyThreshold"`
}

// QueueConfig controls JobStore capacity and retry behavior.
type QueueConfig struct {
	MaxSize       int           `yaml:"maxSize"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	MaxRetries    int           `yaml:"maxRetries"`
}

// RedisConfig controls the optional stats cache/pub-sub.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// MongoConfig controls the optional terminal job archive.
type MongoConfig struct {
	Enabled bool   `yaml:"enabled"`
	URI     string `yaml:"uri"`
}

// GatewayConfig controls the optional API-gateway passthrough.
type GatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	AdminURL string `yaml:"adminURL"`
}

// Config is the balancer's full configuration, per SPEC_FULL.md §6.1.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Scheduler   SchedulerConfig        `yaml:"scheduler"`
	HealthCheck HealthCheckConfig      `yaml:"healthCheck"`
	Queue       QueueConfig            `yaml:"queue"`
	Backends    []workerpool.Config    `yaml:"backends"`
	Redis       RedisConfig            `yaml:"redis"`
	Mongo       MongoConfig            `yaml:"mongo"`
	Gateway     GatewayConfig          `yaml:"gateway"`
}

// Default returns a Config populated with SPEC_FULL.md §6.1's defaults.
func Default() Config {
	return Config{
		Server:      ServerConfig{Host: "0.0.0.0", Port: 8188},
		Scheduler:   SchedulerConfig{Strategy: "least_busy", PreferIdle: true},
		HealthCheck: HealthCheckConfig{Interval: 5 * time.Second, Timeout: 2 * time.Second, UnhealthyThreshold: 3, HealthyThreshold: 1},
		Queue:       QueueConfig{MaxSize: 1000, RetryInterval: 5 * time.Second, MaxRetries: 3},
		Redis:       RedisConfig{URL: "redis://localhost:6379"},
		Mongo:       MongoConfig{URI: "mongodb://localhost:27017/lbproxy"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies
// LBPROXY_-prefixed environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides walks every LBPROXY_-prefixed env var and sets the
// matching nested field by joining its yaml tags with "_", e.g.
// LBPROXY_SCHEDULER_STRATEGY -> cfg.Scheduler.Strategy.
func applyEnvOverrides(cfg *Config) {
	const prefix = "LBPROXY_"
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, prefix)), "_")
		setNestedField(reflect.ValueOf(cfg).Elem(), path, val)
	}
}

func setNestedField(v reflect.Value, path []string, val string) {
	if len(path) == 0 || v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.ToLower(t.Field(i).Tag.Get("yaml"))
		if tag == "" || tag != path[0] {
			continue
		}
		field := v.Field(i)
		if len(path) > 1 {
			setNestedField(field, path[1:], val)
			return
		}
		setScalar(field, val)
		return
	}
}

func setScalar(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Bool:
		if b, err := strconv.ParseBool(val); err == nil {
			field.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(n)
		}
	}
}
