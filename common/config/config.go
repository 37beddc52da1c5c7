package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

// Store backend selectors.
const (
	StoreTypeMemory = "memory"
	StoreTypeSQL    = "sql"
	StoreTypeEtcd   = "etcd"
)

// Config is the root server configuration.
type Config struct {
	Shard       Shard       `yaml:"shard"`
	History     History     `yaml:"history"`
	Matching    Matching    `yaml:"matching"`
	Worker      Worker      `yaml:"worker"`
	Persistence Persistence `yaml:"persistence"`
}

// Shard configures the shard manager.
type Shard struct {
	// ShardCount is immutable after the shard table is first initialized.
	ShardCount    int           `yaml:"shardCount" validate:"min=1"`
	LeaseDuration time.Duration `yaml:"leaseDuration" validate:"nonzero"`
	RenewInterval time.Duration `yaml:"renewInterval"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// History configures the history service.
type History struct {
	RetentionDays         int32 `yaml:"retentionDays" validate:"min=1"`
	ConflictRetryLimit    int   `yaml:"conflictRetryLimit" validate:"min=1"`
	LongPollTimeoutSecs   int   `yaml:"longPollTimeoutSeconds"`
	HistoryMaxPageSize    int   `yaml:"historyMaxPageSize" validate:"min=1"`
	VisibilityMaxPageSize int   `yaml:"visibilityMaxPageSize" validate:"min=1"`
}

// Matching configures task queues and lease delivery.
type Matching struct {
	LeaseDuration       time.Duration `yaml:"leaseDuration" validate:"nonzero"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval" validate:"nonzero"`
	LeaseSweepInterval  time.Duration `yaml:"leaseSweepInterval" validate:"nonzero"`
	RequeueDelay        time.Duration `yaml:"requeueDelay"`
	MaxDeliveryAttempts int32         `yaml:"maxDeliveryAttempts" validate:"min=1"`
	QueueCapacity       int           `yaml:"queueCapacity" validate:"min=1"`
	PollInterval        time.Duration `yaml:"pollInterval"`
}

// Worker configures the workflow worker runtime.
type Worker struct {
	Identity    string `yaml:"identity"`
	Concurrency int    `yaml:"concurrency" validate:"min=1"`
}

// Persistence selects and configures the storage backends.
type Persistence struct {
	// Store is the backend for namespaces, executions and history.
	Store string `yaml:"store"`
	// ShardStore is the backend for the shard lease table; defaults to Store.
	ShardStore string `yaml:"shardStore"`
	SQL        SQL    `yaml:"sql"`
	Etcd       Etcd   `yaml:"etcd"`
}

// SQL configures the sqlx-backed stores.
type SQL struct {
	Driver       string        `yaml:"driver"`
	ConnectAddr  string        `yaml:"connectAddr"`
	DatabaseName string        `yaml:"databaseName"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	MaxConns     int           `yaml:"maxConns"`
	MaxIdleConns int           `yaml:"maxIdleConns"`
	ConnMaxLife  time.Duration `yaml:"connMaxLifetime"`
}

// Etcd configures the etcd-backed shard store.
type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	Prefix      string        `yaml:"prefix"`
}

// Default returns the configuration with every knob at its documented default.
func Default() *Config {
	return &Config{
		Shard: Shard{
			ShardCount:    512,
			LeaseDuration: 60 * time.Second,
			RenewInterval: 30 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		History: History{
			RetentionDays:         30,
			ConflictRetryLimit:    5,
			LongPollTimeoutSecs:   30,
			HistoryMaxPageSize:    256,
			VisibilityMaxPageSize: 100,
		},
		Matching: Matching{
			LeaseDuration:       60 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			LeaseSweepInterval:  30 * time.Second,
			RequeueDelay:        5 * time.Second,
			MaxDeliveryAttempts: 5,
			QueueCapacity:       1024,
			PollInterval:        50 * time.Millisecond,
		},
		Worker: Worker{
			Concurrency: 4,
		},
		Persistence: Persistence{
			Store:      StoreTypeMemory,
			ShardStore: "",
			SQL: SQL{
				Driver: "postgres",
			},
			Etcd: Etcd{
				DialTimeout: 5 * time.Second,
				Prefix:      "/orca",
			},
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints on top of struct tag validation.
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Matching.HeartbeatInterval >= c.Matching.LeaseDuration {
		return fmt.Errorf("config validation: heartbeatInterval must be shorter than leaseDuration")
	}
	if c.Shard.RenewInterval == 0 {
		c.Shard.RenewInterval = c.Shard.LeaseDuration / 2
	}
	switch c.Persistence.Store {
	case StoreTypeMemory, StoreTypeSQL:
	default:
		return fmt.Errorf("config validation: unknown persistence store %q", c.Persistence.Store)
	}
	if c.Persistence.ShardStore == "" {
		c.Persistence.ShardStore = c.Persistence.Store
	}
	switch c.Persistence.ShardStore {
	case StoreTypeMemory, StoreTypeSQL, StoreTypeEtcd:
	default:
		return fmt.Errorf("config validation: unknown shard store %q", c.Persistence.ShardStore)
	}
	return nil
}
