// Package config loads and validates the pipeline configuration. Files are
// YAML with a JSON fallback; cloud credentials come from the conventional
// environment variables when the file leaves them out.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/user/skald"
)

// Config is the top-level pipeline configuration.
type Config struct {
	Performance PerformanceConfig `json:"performance" yaml:"performance"`
	Output      OutputConfig      `json:"output" yaml:"output"`
	Security    SecurityConfig    `json:"security" yaml:"security"`
	Sinks       SinksConfig       `json:"sinks" yaml:"sinks"`
}

// PerformanceConfig tunes the ring buffer and dispatcher.
type PerformanceConfig struct {
	// Mode is "overwrite" (drop oldest when full) or "block".
	Mode string `json:"mode" yaml:"mode"`
	// BufferSize must lie within [256, 65536]. Zero takes the default.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	// FlushIntervalMs must lie within [10, 10000]. Zero takes the default.
	FlushIntervalMs int `json:"flush_interval_ms" yaml:"flush_interval_ms"`
}

// OutputConfig selects level and console rendering.
type OutputConfig struct {
	Name          string `json:"name" yaml:"name"`
	Level         string `json:"level" yaml:"level"`
	Format        string `json:"format" yaml:"format"`
	CaptureStacks bool   `json:"capture_stacks" yaml:"capture_stacks"`
}

// SecurityConfig controls PII masking.
type SecurityConfig struct {
	PIIMasking PIIMaskingConfig `json:"pii_masking" yaml:"pii_masking"`
}

// PIIMaskingConfig enables the redactor and optionally narrows its rule set.
type PIIMaskingConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Rules names the built-in detection rules to apply. Empty means all.
	Rules []string `json:"rules" yaml:"rules"`
	// FieldNames extends the sensitive key list.
	FieldNames []string `json:"field_names" yaml:"field_names"`
	// MaxScanLen overrides the oversized-string cutoff in bytes.
	MaxScanLen int `json:"max_scan_len" yaml:"max_scan_len"`
}

// SinksConfig holds per-destination settings. A nil section means the sink
// is disabled.
type SinksConfig struct {
	Console       *ConsoleConfig       `json:"console" yaml:"console"`
	File          *FileConfig          `json:"file" yaml:"file"`
	Elasticsearch *ElasticsearchConfig `json:"elasticsearch" yaml:"elasticsearch"`
	CloudWatch    *CloudWatchConfig    `json:"cloudwatch" yaml:"cloudwatch"`
	Stackdriver   *StackdriverConfig   `json:"stackdriver" yaml:"stackdriver"`
	AzureMonitor  *AzureMonitorConfig  `json:"azure_monitor" yaml:"azure_monitor"`
	Kafka         *KafkaConfig         `json:"kafka" yaml:"kafka"`
	Redis         *RedisConfig         `json:"redis" yaml:"redis"`
}

// BatchConfig is shared by the network sinks.
type BatchConfig struct {
	BatchSize       int     `json:"batch_size" yaml:"batch_size"`
	BatchIntervalMs int     `json:"batch_interval_ms" yaml:"batch_interval_ms"`
	MaxRetries      int     `json:"max_retries" yaml:"max_retries"`
	MaxBatchBytes   int     `json:"max_batch_bytes" yaml:"max_batch_bytes"`
	RequestsPerSec  float64 `json:"requests_per_sec" yaml:"requests_per_sec"`
}

type ConsoleConfig struct {
	Format      string `json:"format" yaml:"format"`
	SplitErrors bool   `json:"split_errors" yaml:"split_errors"`
}

type FileConfig struct {
	Path     string `json:"path" yaml:"path"`
	MaxSize  int64  `json:"max_size" yaml:"max_size"`
	Keep     int    `json:"keep" yaml:"keep"`
	Compress bool   `json:"compress" yaml:"compress"`
}

type ElasticsearchConfig struct {
	Addresses    []string    `json:"addresses" yaml:"addresses"`
	Username     string      `json:"username" yaml:"username"`
	Password     string      `json:"password" yaml:"password"`
	APIKey       string      `json:"api_key" yaml:"api_key"`
	IndexPattern string      `json:"index_pattern" yaml:"index_pattern"`
	IncludeID    bool        `json:"include_id" yaml:"include_id"`
	Batch        BatchConfig `json:"batch" yaml:"batch"`
}

type CloudWatchConfig struct {
	Region          string      `json:"region" yaml:"region"`
	LogGroup        string      `json:"log_group" yaml:"log_group"`
	LogStream       string      `json:"log_stream" yaml:"log_stream"`
	AccessKeyID     string      `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string      `json:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string      `json:"session_token" yaml:"session_token"`
	Batch           BatchConfig `json:"batch" yaml:"batch"`
}

type StackdriverConfig struct {
	ProjectID     string      `json:"project_id" yaml:"project_id"`
	LogName       string      `json:"log_name" yaml:"log_name"`
	ClientEmail   string      `json:"client_email" yaml:"client_email"`
	PrivateKeyPEM string      `json:"private_key_pem" yaml:"private_key_pem"`
	Batch         BatchConfig `json:"batch" yaml:"batch"`
}

type AzureMonitorConfig struct {
	ConnectionString string      `json:"connection_string" yaml:"connection_string"`
	Batch            BatchConfig `json:"batch" yaml:"batch"`
}

type KafkaConfig struct {
	Brokers     []string `json:"brokers" yaml:"brokers"`
	Topic       string   `json:"topic" yaml:"topic"`
	Async       bool     `json:"async" yaml:"async"`
	Compression string   `json:"compression" yaml:"compression"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Stream   string `json:"stream" yaml:"stream"`
	MaxLen   int64  `json:"max_len" yaml:"max_len"`
}

// Load reads, env-fills, and validates a configuration file.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		// Try JSON if YAML fails
		file.Seek(0, 0)
		if err := json.NewDecoder(file).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file (tried YAML and JSON): %w", err)
		}
	}

	cfg.fillFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillFromEnv supplies credentials and endpoints the file omitted.
func (c *Config) fillFromEnv() {
	if cw := c.Sinks.CloudWatch; cw != nil {
		if cw.Region == "" {
			cw.Region = os.Getenv("AWS_REGION")
		}
		if cw.LogGroup == "" {
			cw.LogGroup = os.Getenv("CLOUDWATCH_LOG_GROUP")
		}
		if cw.AccessKeyID == "" {
			cw.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
			cw.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
			cw.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
		}
	}
	if sd := c.Sinks.Stackdriver; sd != nil {
		if sd.ProjectID == "" {
			sd.ProjectID = os.Getenv("GCP_PROJECT_ID")
		}
		if sd.LogName == "" {
			sd.LogName = os.Getenv("STACKDRIVER_LOG_NAME")
		}
	}
	if az := c.Sinks.AzureMonitor; az != nil && az.ConnectionString == "" {
		az.ConnectionString = os.Getenv("AZURE_CONNECTION_STRING")
	}
}

// Validate rejects out-of-range tuning values and unknown enumerations.
func (c *Config) Validate() error {
	if p := c.Performance; p.BufferSize != 0 && (p.BufferSize < 256 || p.BufferSize > 65536) {
		return fmt.Errorf("performance.buffer_size %d out of range [256, 65536]", p.BufferSize)
	}
	if p := c.Performance; p.FlushIntervalMs != 0 && (p.FlushIntervalMs < 10 || p.FlushIntervalMs > 10000) {
		return fmt.Errorf("performance.flush_interval_ms %d out of range [10, 10000]", p.FlushIntervalMs)
	}
	switch c.Performance.Mode {
	case "", "overwrite", "block":
	default:
		return fmt.Errorf("performance.mode %q must be overwrite or block", c.Performance.Mode)
	}
	if c.Output.Level != "" {
		if _, ok := skald.ParseLevel(c.Output.Level); !ok {
			return fmt.Errorf("output.level %q is not a known level", c.Output.Level)
		}
	}
	switch c.Output.Format {
	case "", "json", "compact", "pretty":
	default:
		return fmt.Errorf("output.format %q must be json, compact, or pretty", c.Output.Format)
	}
	if f := c.Sinks.File; f != nil && f.Path == "" {
		return fmt.Errorf("sinks.file.path is required")
	}
	if es := c.Sinks.Elasticsearch; es != nil && len(es.Addresses) == 0 {
		return fmt.Errorf("sinks.elasticsearch.addresses is required")
	}
	if cw := c.Sinks.CloudWatch; cw != nil {
		if cw.Region == "" {
			return fmt.Errorf("sinks.cloudwatch.region is required (or set AWS_REGION)")
		}
		if cw.LogGroup == "" {
			return fmt.Errorf("sinks.cloudwatch.log_group is required (or set CLOUDWATCH_LOG_GROUP)")
		}
	}
	if sd := c.Sinks.Stackdriver; sd != nil {
		if sd.ProjectID == "" {
			return fmt.Errorf("sinks.stackdriver.project_id is required (or set GCP_PROJECT_ID)")
		}
		if sd.ClientEmail == "" || sd.PrivateKeyPEM == "" {
			return fmt.Errorf("sinks.stackdriver requires client_email and private_key_pem")
		}
	}
	if az := c.Sinks.AzureMonitor; az != nil && az.ConnectionString == "" {
		return fmt.Errorf("sinks.azure_monitor.connection_string is required (or set AZURE_CONNECTION_STRING)")
	}
	if k := c.Sinks.Kafka; k != nil {
		if len(k.Brokers) == 0 || k.Topic == "" {
			return fmt.Errorf("sinks.kafka requires brokers and topic")
		}
	}
	if r := c.Sinks.Redis; r != nil && (r.Addr == "" || r.Stream == "") {
		return fmt.Errorf("sinks.redis requires addr and stream")
	}
	return nil
}
