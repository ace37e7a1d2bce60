// Package config holds the immutable configuration record built once at
// daemon startup (§9: "global options objects -> an immutable configuration
// record"; no process-wide mutable singletons beyond metrics counters).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/naoina/toml"
)

// Broker holds the message-broker section of the configuration (§6).
type Broker struct {
	URL                string        `toml:"url"`
	StreamDataPoints   string        `toml:"stream_datapoints"`
	StreamBackfill     string        `toml:"stream_backfill"`
	StreamDLQ          string        `toml:"stream_dlq"`
	ConsumerGroup      string        `toml:"consumer_group"`
	SessionTimeout     time.Duration `toml:"session_timeout"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
	MaxPollInterval    time.Duration `toml:"max_poll_interval"`
	ProducerClientID   string        `toml:"producer_client_id"`
	PublishMaxRetries  int           `toml:"publish_max_retries"`
	PublishRetryDelay  time.Duration `toml:"publish_retry_delay"`
	CompressionEnabled bool          `toml:"compression_enabled"`
}

// Pipeline holds the ingestion-pipeline section (§6).
type Pipeline struct {
	PollTimeout    time.Duration `toml:"poll_timeout"`
	RetryDelay     time.Duration `toml:"retry_delay"`
	MaxBatchSize   int           `toml:"max_batch_size"`
	FlushInterval  time.Duration `toml:"flush_interval"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// Shadow holds the shadow-buffer section (§6).
type Shadow struct {
	DataDir              string        `toml:"data_dir"`
	Retention            time.Duration `toml:"retention"`
	PurgeInterval        time.Duration `toml:"purge_interval"`
	CompressionEnabled   bool          `toml:"compression_enabled"`
	CompressionLevel     int           `toml:"compression_level"`
	MaxSizeWarnThreshold int64         `toml:"max_size_warn_threshold"`
}

// Chain holds the integrity-chain section (§6).
type Chain struct {
	GenesisHash           string `toml:"genesis_hash"`
	RetainedHistoryLength uint64 `toml:"retained_history_length"`
}

// TimeSeries holds the time-series store section (§6).
type TimeSeries struct {
	HTTPEndpoint      string        `toml:"http_endpoint"`
	WireEndpoint      string        `toml:"wire_endpoint"`
	Org               string        `toml:"org"`
	Bucket            string        `toml:"bucket"`
	Token             string        `toml:"token"`
	TableName         string        `toml:"table_name"`
	AutoFlushInterval time.Duration `toml:"auto_flush_interval"`
	AutoFlushRows     int           `toml:"auto_flush_rows"`
}

// PointLookup holds the point-lookup-cache section (§6).
type PointLookup struct {
	RefreshInterval time.Duration `toml:"refresh_interval"`
}

// Recovery holds the gap-recovery-controller section.
type Recovery struct {
	ScanInterval time.Duration `toml:"scan_interval"`
	GapLookback  time.Duration `toml:"gap_lookback"`
}

// Control holds the CLI/HTTP control-surface section (§6).
type Control struct {
	ListenAddr string `toml:"listen_addr"`
}

// Config is the complete, immutable configuration built at startup.
type Config struct {
	RegistryDSN  string `toml:"-"` // env TICHAIN_REGISTRY_DSN
	CacheAddr    string `toml:"-"` // env TICHAIN_CACHE_ADDR
	CachePassword string `toml:"-"` // env TICHAIN_CACHE_PASSWORD

	Broker      Broker      `toml:"broker"`
	Pipeline    Pipeline    `toml:"pipeline"`
	Shadow      Shadow      `toml:"shadow"`
	Chain       Chain       `toml:"chain"`
	TimeSeries  TimeSeries  `toml:"timeseries"`
	PointLookup PointLookup `toml:"point_lookup"`
	Recovery    Recovery    `toml:"recovery"`
	Control     Control     `toml:"control"`
}

// Default returns a Config populated with the defaults named throughout §6.
func Default() *Config {
	return &Config{
		Broker: Broker{
			URL:               "nats://127.0.0.1:4222",
			StreamDataPoints:  "DATAPOINTS",
			StreamBackfill:    "DATAPOINTS_BACKFILL",
			StreamDLQ:         "DATAPOINTS_DLQ",
			ConsumerGroup:     "tichain-consumer",
			SessionTimeout:    30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			MaxPollInterval:   5 * time.Minute,
			ProducerClientID:  "tichain-producer",
			PublishMaxRetries: 5,
			PublishRetryDelay: 250 * time.Millisecond,
			CompressionEnabled: true,
		},
		Pipeline: Pipeline{
			PollTimeout:     2 * time.Second,
			RetryDelay:      1 * time.Second,
			MaxBatchSize:    1000,
			FlushInterval:   5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Shadow: Shadow{
			DataDir:              "./tichain-data/shadow",
			Retention:            7 * 24 * time.Hour,
			PurgeInterval:        1 * time.Hour,
			CompressionEnabled:   true,
			CompressionLevel:     6,
			MaxSizeWarnThreshold: 10 << 30, // 10 GiB
		},
		Chain: Chain{
			RetainedHistoryLength: 10000,
		},
		TimeSeries: TimeSeries{
			TableName:         "datapoints",
			AutoFlushInterval: 1 * time.Second,
			AutoFlushRows:     500,
		},
		PointLookup: PointLookup{
			RefreshInterval: 5 * time.Minute,
		},
		Recovery: Recovery{
			ScanInterval: 1 * time.Minute,
			GapLookback:  24 * time.Hour,
		},
		Control: Control{
			ListenAddr: "127.0.0.1:8765",
		},
	}
}

// Load reads a TOML configuration file over the defaults, then applies
// secret overrides from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.RegistryDSN = envOr("TICHAIN_REGISTRY_DSN", cfg.RegistryDSN)
	cfg.CacheAddr = envOr("TICHAIN_CACHE_ADDR", cfg.CacheAddr)
	cfg.CachePassword = envOr("TICHAIN_CACHE_PASSWORD", cfg.CachePassword)
	if cfg.Chain.GenesisHash == "" {
		cfg.Chain.GenesisHash = genesisZeros
	}
	return cfg, cfg.Validate()
}

const genesisZeros = "0000000000000000000000000000000000000000000000000000000000000000"

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks that the configuration is internally consistent, per the
// exit-code-64 "bad arguments" contract in §6.
func (c *Config) Validate() error {
	if c.RegistryDSN == "" {
		return fmt.Errorf("registry DSN is required (set TICHAIN_REGISTRY_DSN)")
	}
	if c.CacheAddr == "" {
		return fmt.Errorf("cache address is required (set TICHAIN_CACHE_ADDR)")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Pipeline.MaxBatchSize <= 0 {
		return fmt.Errorf("pipeline.max_batch_size must be > 0")
	}
	if c.Shadow.DataDir == "" {
		return fmt.Errorf("shadow.data_dir is required")
	}
	if len(c.Chain.GenesisHash) != 64 {
		return fmt.Errorf("chain.genesis_hash must be a 64-hex-character digest")
	}
	return nil
}
