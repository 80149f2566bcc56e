// Package config defines the service configuration and how it is loaded.
package config

import (
	"runtime"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// QueueSize bounds the recompute queue.
	QueueSize int `koanf:"queue_size" validate:"gt=0"`

	// WorkerCount sets the number of recompute workers.
	WorkerCount int `koanf:"worker_count" validate:"gt=0"`

	// DedupeSize sets how many ingress event ids are remembered.
	DedupeSize int `koanf:"dedupe_size" validate:"gt=0"`

	// ShardCount configures the number of fact shards in the memory store.
	ShardCount int `koanf:"shard_count" validate:"gt=0"`

	// AggregationPolicy combines several votes on one criterion: mean, median, sum or latest.
	AggregationPolicy string `koanf:"aggregation_policy" validate:"oneof=mean median sum latest"`

	// ReportConcurrency bounds parallel aggregate lookups per report.
	ReportConcurrency int `koanf:"report_concurrency" validate:"gt=0"`

	// MaxReportLimit caps the limit of ad-hoc report queries.
	MaxReportLimit int `koanf:"max_report_limit" validate:"gt=0"`

	// SchedulerIntervalMS is the automation tick period.
	SchedulerIntervalMS int `koanf:"scheduler_interval_ms" validate:"gt=0"`

	// ActionTimeoutMS bounds a single rule action attempt.
	ActionTimeoutMS int `koanf:"action_timeout_ms" validate:"gt=0"`

	// IntegrationTimeoutMS bounds a single outbound integration call.
	IntegrationTimeoutMS int `koanf:"integration_timeout_ms" validate:"gt=0"`

	// IntegrationMaxRetries is how often a failed integration call is retried.
	IntegrationMaxRetries int `koanf:"integration_max_retries" validate:"gte=0"`

	// IntegrationRatePerSec caps outbound integration calls.
	IntegrationRatePerSec float64 `koanf:"integration_rate_per_sec" validate:"gt=0"`

	// PollURL enables the integration poller when set.
	PollURL string `koanf:"poll_url" validate:"omitempty,url"`

	// PollIntervalMS is the time between polls.
	PollIntervalMS int `koanf:"poll_interval_ms" validate:"gt=0"`

	// StoreDriver selects the repository: memory, postgres or sqlite.
	StoreDriver string `koanf:"store_driver" validate:"oneof=memory postgres sqlite"`

	// StoreDSN is the database connection string for SQL drivers.
	StoreDSN string `koanf:"store_dsn" validate:"required_unless=StoreDriver memory"`

	// RedisAddr enables the Redis snapshot relay and shared dedupe when set.
	RedisAddr string `koanf:"redis_addr"`

	// RedisChannel is the pub/sub channel snapshots are relayed on.
	RedisChannel string `koanf:"redis_channel"`

	// KafkaBrokers is a comma separated broker list. Empty disables Kafka ingress.
	KafkaBrokers string `koanf:"kafka_brokers"`
	KafkaTopic   string `koanf:"kafka_topic" validate:"required_with=KafkaBrokers"`
	KafkaGroupID string `koanf:"kafka_group_id" validate:"required_with=KafkaBrokers"`

	// RulesFile seeds automation rules from a TOML file at startup.
	RulesFile string `koanf:"rules_file"`

	// CatalogFile seeds admins, competitions, rubrics and participants from a TOML file.
	CatalogFile string `koanf:"catalog_file"`

	// BootstrapAdmin is created as SUPER_ADMIN at startup when set.
	BootstrapAdmin string `koanf:"bootstrap_admin"`

	// SubscriberBuffer is the per-subscriber snapshot buffer.
	SubscriberBuffer int `koanf:"subscriber_buffer" validate:"gt=0"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		Addr:                  ":9080",
		QueueSize:             10_000,
		WorkerCount:           runtime.NumCPU() * 2,
		DedupeSize:            100_000,
		ShardCount:            8,
		AggregationPolicy:     "mean",
		ReportConcurrency:     16,
		MaxReportLimit:        1000,
		SchedulerIntervalMS:   1000,
		ActionTimeoutMS:       5000,
		IntegrationTimeoutMS:  5000,
		IntegrationMaxRetries: 3,
		IntegrationRatePerSec: 5,
		PollIntervalMS:        30_000,
		StoreDriver:           DriverMemory,
		RedisChannel:          "verdict:reports",
		KafkaTopic:            "verdict.automation-events",
		KafkaGroupID:          "verdict",
		SubscriberBuffer:      16,
	}
}

// Brokers splits KafkaBrokers.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// SchedulerInterval returns SchedulerIntervalMS as a duration.
func (c *Config) SchedulerInterval() time.Duration { return ms(c.SchedulerIntervalMS) }

// ActionTimeout returns ActionTimeoutMS as a duration.
func (c *Config) ActionTimeout() time.Duration { return ms(c.ActionTimeoutMS) }

// IntegrationTimeout returns IntegrationTimeoutMS as a duration.
func (c *Config) IntegrationTimeout() time.Duration { return ms(c.IntegrationTimeoutMS) }

// PollInterval returns PollIntervalMS as a duration.
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
