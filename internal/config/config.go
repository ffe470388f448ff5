// Package config loads and holds AegisGate's runtime configuration.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	instance *Config
	once     sync.Once
)

// Config is the complete proxy configuration, aggregated from the single
// YAML document described in the proxy's operator documentation.
type Config struct {
	Proxy        ProxyConfig        `yaml:"proxy" json:"proxy"`
	Limit        LimitConfig        `yaml:"limit" json:"limit"`
	Slowloris    SlowlorisConfig    `yaml:"slowloris_protection" json:"slowlorisProtection"`
	HTTPInspect  HTTPInspectConfig  `yaml:"http_inspection" json:"httpInspection"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing" json:"tracing"`
	Features     FeaturesConfig     `yaml:"features" json:"features"`
}

// ProxyConfig defines the TCP listener and upstream broker address.
type ProxyConfig struct {
	ListenAddress       string `yaml:"listen_address" json:"listenAddress"`
	TargetAddress       string `yaml:"target_address" json:"targetAddress"`
	MaxConnectRemaining int    `yaml:"max_connect_remaining" json:"maxConnectRemaining"`
}

// LimitConfig defines the per-IP token-bucket rate limit.
type LimitConfig struct {
	MaxTokens           float64 `yaml:"max_tokens" json:"maxTokens"`
	RefillRate          float64 `yaml:"refill_rate" json:"refillRate"`
	CleanupIntervalSecs int     `yaml:"cleanup_interval_secs" json:"cleanupIntervalSecs"`
	IPIdleTimeoutSecs   int     `yaml:"ip_idle_timeout_secs" json:"ipIdleTimeoutSecs"`
}

// CleanupInterval returns the evictor sweep interval as a Duration.
func (l LimitConfig) CleanupInterval() time.Duration {
	return time.Duration(l.CleanupIntervalSecs) * time.Second
}

// IPIdleTimeout returns the per-IP bucket idle timeout as a Duration.
func (l LimitConfig) IPIdleTimeout() time.Duration {
	return time.Duration(l.IPIdleTimeoutSecs) * time.Second
}

// SlowlorisConfig defines the layered timeouts and size caps used during
// connection inspection.
type SlowlorisConfig struct {
	FirstPacketTimeoutMs int `yaml:"first_packet_timeout_ms" json:"firstPacketTimeoutMs"`
	PacketIdleTimeoutMs  int `yaml:"packet_idle_timeout_ms" json:"packetIdleTimeoutMs"`
	ConnectionTimeoutMs  int `yaml:"connection_timeout_ms" json:"connectionTimeoutMs"`
	MQTTConnectTimeoutMs int `yaml:"mqtt_connect_timeout_ms" json:"mqttConnectTimeoutMs"`
	MQTTPacketTimeoutMs  int `yaml:"mqtt_packet_timeout_ms" json:"mqttPacketTimeoutMs"`
	HTTPRequestTimeoutMs int `yaml:"http_request_timeout_ms" json:"httpRequestTimeoutMs"`
	MaxHTTPHeaderSize    int `yaml:"max_http_header_size" json:"maxHttpHeaderSize"`
	MaxHTTPHeaderCount   int `yaml:"max_http_header_count" json:"maxHttpHeaderCount"`
}

func (s SlowlorisConfig) FirstPacketTimeout() time.Duration {
	return time.Duration(s.FirstPacketTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) PacketIdleTimeout() time.Duration {
	return time.Duration(s.PacketIdleTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) MQTTConnectTimeout() time.Duration {
	return time.Duration(s.MQTTConnectTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) MQTTPacketTimeout() time.Duration {
	return time.Duration(s.MQTTPacketTimeoutMs) * time.Millisecond
}

func (s SlowlorisConfig) HTTPRequestTimeout() time.Duration {
	return time.Duration(s.HTTPRequestTimeoutMs) * time.Millisecond
}

// HTTPInspectConfig bounds a single HTTP header line during inspection.
type HTTPInspectConfig struct {
	MaxHeaderLineSize int `yaml:"max_header_line_size" json:"maxHeaderLineSize"`
}

// MetricsConfig controls the observability HTTP server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	Port    int  `yaml:"port" json:"port"`
}

// TracingConfig controls whether connection inspection and relay spans
// are exported, and where to.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	JaegerEndpoint string  `yaml:"jaeger_endpoint" json:"jaegerEndpoint"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" json:"otlpEndpoint"`
	SamplingRatio  float64 `yaml:"sampling_ratio" json:"samplingRatio"`
}

// FeaturesConfig toggles the admission pipeline's stages.
//
// EnableEBPF and EnableML are accepted and logged at startup but have no
// effect: they name admission layers (kernel-level packet filtering,
// ML-scored anomaly detection) outside this proxy's scope.
type FeaturesConfig struct {
	EnableMQTTInspection     bool `yaml:"enable_mqtt_inspection" json:"enableMqttInspection"`
	EnableMQTTFullInspection bool `yaml:"enable_mqtt_full_inspection" json:"enableMqttFullInspection"`
	EnableHTTPInspection     bool `yaml:"enable_http_inspection" json:"enableHttpInspection"`
	EnableSlowlorisProtect   bool `yaml:"enable_slowloris_protection" json:"enableSlowlorisProtection"`
	EnableRateLimiter        bool `yaml:"enable_rate_limiter" json:"enableRateLimiter"`
	EnableEBPF               bool `yaml:"enable_ebpf" json:"enableEbpf"`
	EnableML                 bool `yaml:"enable_ml" json:"enableMl"`
}

// defaultMaxConnectRemaining caps the CONNECT Remaining Length read during
// inspection when the document omits proxy.max_connect_remaining.
const defaultMaxConnectRemaining = 65536

// DefaultConfig returns configuration with sensible production defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddress:       "0.0.0.0:1883",
			TargetAddress:       "127.0.0.1:1884",
			MaxConnectRemaining: defaultMaxConnectRemaining,
		},
		Limit: LimitConfig{
			MaxTokens:           20,
			RefillRate:          5,
			CleanupIntervalSecs: 60,
			IPIdleTimeoutSecs:   300,
		},
		Slowloris: SlowlorisConfig{
			FirstPacketTimeoutMs: 3000,
			PacketIdleTimeoutMs:  5000,
			ConnectionTimeoutMs:  30000,
			MQTTConnectTimeoutMs: 10000,
			MQTTPacketTimeoutMs:  5000,
			HTTPRequestTimeoutMs: 5000,
			MaxHTTPHeaderSize:    8192,
			MaxHTTPHeaderCount:   100,
		},
		HTTPInspect: HTTPInspectConfig{
			MaxHeaderLineSize: 8192,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Tracing: TracingConfig{
			Enabled:       false,
			SamplingRatio: 0.1,
		},
		Features: FeaturesConfig{
			EnableMQTTInspection:     true,
			EnableMQTTFullInspection: true,
			EnableHTTPInspection:     true,
			EnableSlowlorisProtect:   true,
			EnableRateLimiter:        true,
		},
	}
}

// GetInstance returns the process-wide configuration, loading defaults on
// first use if LoadConfig was never called.
func GetInstance() *Config {
	once.Do(func() {
		instance = DefaultConfig()
	})
	return instance
}

// LoadConfig reads the YAML document at path, merges it over the defaults,
// and installs it as the process-wide singleton. It is intended to be
// called exactly once, early in main.
func LoadConfig(path string) error {
	cfg, err := loadFromFile(path)
	if err != nil {
		return err
	}

	once.Do(func() {
		instance = cfg
	})
	return nil
}

// loadFromFile reads configuration from a YAML file, starting from
// DefaultConfig so a partial document only overrides what it sets.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Proxy.MaxConnectRemaining <= 0 {
		cfg.Proxy.MaxConnectRemaining = defaultMaxConnectRemaining
	}
	if cfg.Proxy.ListenAddress == "" {
		return nil, fmt.Errorf("config %s: proxy.listen_address is required", path)
	}
	if cfg.Proxy.TargetAddress == "" {
		return nil, fmt.Errorf("config %s: proxy.target_address is required", path)
	}

	return cfg, nil
}
