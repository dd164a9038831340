// Package pipeline assembles an engine and its sinks from a loaded
// configuration.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/skald"
	"github.com/user/skald/internal/config"
	"github.com/user/skald/pkg/buffer"
	"github.com/user/skald/pkg/compression"
	"github.com/user/skald/pkg/engine"
	"github.com/user/skald/pkg/redact"
	"github.com/user/skald/pkg/serializer"
	"github.com/user/skald/pkg/sink/azuremonitor"
	"github.com/user/skald/pkg/sink/cloudwatch"
	"github.com/user/skald/pkg/sink/console"
	"github.com/user/skald/pkg/sink/elasticsearch"
	"github.com/user/skald/pkg/sink/file"
	"github.com/user/skald/pkg/sink/httpbatch"
	"github.com/user/skald/pkg/sink/kafka"
	"github.com/user/skald/pkg/sink/redis"
	"github.com/user/skald/pkg/sink/stackdriver"
)

// Build constructs the engine described by cfg. The returned engine owns
// every sink it creates; Close tears the whole pipeline down.
func Build(ctx context.Context, cfg *config.Config) (*engine.Engine, error) {
	formatter := serializer.New(serializer.Options{})

	sinks, err := buildSinks(ctx, cfg, formatter)
	if err != nil {
		return nil, err
	}

	ecfg := engine.Config{
		Name:          cfg.Output.Name,
		BufferSize:    cfg.Performance.BufferSize,
		FlushInterval: time.Duration(cfg.Performance.FlushIntervalMs) * time.Millisecond,
		CaptureStacks: cfg.Output.CaptureStacks,
	}
	if cfg.Performance.Mode == "block" {
		ecfg.Policy = buffer.Block
	}
	if cfg.Output.Level != "" {
		if level, ok := skald.ParseLevel(cfg.Output.Level); ok {
			ecfg.MinLevel = level
		}
	}
	if cfg.Security.PIIMasking.Enabled {
		ecfg.Redactor = buildRedactor(cfg.Security.PIIMasking)
	}

	return engine.New(ecfg, sinks...), nil
}

func buildSinks(ctx context.Context, cfg *config.Config, formatter skald.Formatter) ([]skald.Sink, error) {
	var sinks []skald.Sink

	if c := cfg.Sinks.Console; c != nil {
		var opts []console.Option
		if c.SplitErrors {
			opts = append(opts, console.WithSplitErrors(true))
		}
		sinks = append(sinks, console.New(formatter, console.Format(c.Format), opts...))
	}

	if c := cfg.Sinks.File; c != nil {
		s, err := file.New(file.Config{
			Path:     c.Path,
			MaxSize:  c.MaxSize,
			Keep:     c.Keep,
			Compress: c.Compress,
		}, formatter)
		if err != nil {
			return nil, fmt.Errorf("file sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.Elasticsearch; c != nil {
		s, err := elasticsearch.New(elasticsearch.Config{
			Addresses:    c.Addresses,
			Username:     c.Username,
			Password:     c.Password,
			APIKey:       c.APIKey,
			IndexPattern: c.IndexPattern,
			IncludeID:    c.IncludeID,
			Batch:        toBatch(c.Batch),
		}, formatter)
		if err != nil {
			return nil, fmt.Errorf("elasticsearch sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.CloudWatch; c != nil {
		s, err := cloudwatch.New(ctx, cloudwatch.Config{
			Region:          c.Region,
			LogGroup:        c.LogGroup,
			LogStream:       c.LogStream,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			SessionToken:    c.SessionToken,
			Batch:           toBatch(c.Batch),
		}, formatter)
		if err != nil {
			return nil, fmt.Errorf("cloudwatch sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.Stackdriver; c != nil {
		s, err := stackdriver.New(stackdriver.Config{
			ProjectID:     c.ProjectID,
			LogName:       c.LogName,
			ClientEmail:   c.ClientEmail,
			PrivateKeyPEM: c.PrivateKeyPEM,
			Batch:         toBatch(c.Batch),
		}, formatter)
		if err != nil {
			return nil, fmt.Errorf("stackdriver sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.AzureMonitor; c != nil {
		s, err := azuremonitor.New(azuremonitor.Config{
			ConnectionString: c.ConnectionString,
			Batch:            toBatch(c.Batch),
		}, formatter)
		if err != nil {
			return nil, fmt.Errorf("azure monitor sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.Kafka; c != nil {
		s, err := kafka.New(kafka.Config{
			Brokers:     c.Brokers,
			Topic:       c.Topic,
			Async:       c.Async,
			Compression: compression.Algorithm(c.Compression),
		}, formatter)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if c := cfg.Sinks.Redis; c != nil {
		s, err := redis.New(ctx, redis.Config{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
			Stream:   c.Stream,
			MaxLen:   c.MaxLen,
		}, formatter)
		if err != nil {
			return nil, fmt.Errorf("redis sink: %w", err)
		}
		sinks = append(sinks, s)
	}

	if len(sinks) == 0 {
		return nil, fmt.Errorf("no sinks configured")
	}
	return sinks, nil
}

func buildRedactor(cfg config.PIIMaskingConfig) skald.Redactor {
	var opts []redact.Option
	if len(cfg.Rules) > 0 {
		var rules []redact.Rule
		for _, name := range cfg.Rules {
			for _, r := range redact.DefaultRules {
				if strings.EqualFold(r.Name, name) {
					rules = append(rules, r)
				}
			}
		}
		opts = append(opts, redact.WithRules(rules))
	}
	if len(cfg.FieldNames) > 0 {
		names := append(append([]string(nil), redact.DefaultFieldNames...), cfg.FieldNames...)
		opts = append(opts, redact.WithFieldNames(names))
	}
	if cfg.MaxScanLen > 0 {
		opts = append(opts, redact.WithMaxScanLen(cfg.MaxScanLen))
	}
	return redact.NewEngine(opts...)
}

func toBatch(c config.BatchConfig) httpbatch.Config {
	return httpbatch.Config{
		BatchSize:      c.BatchSize,
		BatchInterval:  time.Duration(c.BatchIntervalMs) * time.Millisecond,
		MaxRetries:     c.MaxRetries,
		MaxBatchBytes:  c.MaxBatchBytes,
		RequestsPerSec: c.RequestsPerSec,
	}
}
