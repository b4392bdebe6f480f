// Package config loads process configuration from the environment (with an
// optional .env file) and the optional YAML definitions file that declares
// recurring schedules and the integrations a worker can run.
//
// Values are resolved in order: OS environment, then .env, then defaults.
// CLI flags are applied on top by the commands.
package config

import (
	"time"
)

type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`
	// File is the YAML definitions file. Optional.
	File string `envconfig:"CONFIG_FILE"`

	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Worker   WorkerConfig

	Definitions Definitions `ignored:"true"`
}

type ServerConfig struct {
	Addr             string        `envconfig:"SERVER_ADDR" default:":8080" validate:"required"`
	LongPollTimeout  time.Duration `envconfig:"LONG_POLL_TIMEOUT" default:"60s" validate:"gt=0"`
	SweepInterval    time.Duration `envconfig:"SWEEP_INTERVAL" default:"1s" validate:"gt=0"`
	ScheduleInterval time.Duration `envconfig:"SCHEDULE_INTERVAL" default:"1s" validate:"gt=0"`
	CleanupInterval  time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h" validate:"gt=0"`
	RetentionDays    int           `envconfig:"RETENTION_DAYS" default:"10" validate:"gte=1"`
	EnableDebug      bool          `envconfig:"ENABLE_DEBUG" default:"false"`
}

type DatabaseConfig struct {
	Driver string `envconfig:"DB_DRIVER" default:"sqlite" validate:"oneof=sqlite postgres"`
	// URL is a file path for sqlite and a connection string for postgres.
	URL string `envconfig:"DATABASE_URL" default:"conductor.db" validate:"required"`
}

// NATSConfig enables the cross-replica event bridge when URL is set.
type NATSConfig struct {
	URL     string `envconfig:"NATS_URL"`
	Subject string `envconfig:"NATS_SUBJECT" default:"conductor.task-events"`
}

type WorkerConfig struct {
	OrchestratorURL   string        `envconfig:"ORCHESTRATOR_URL" default:"http://localhost:8080" validate:"required,url"`
	Groups            []string      `envconfig:"WORKER_GROUPS" default:"sync,action,webhook,on-event" validate:"min=1,dive,required"`
	MaxConcurrency    int           `envconfig:"WORKER_MAX_CONCURRENCY" default:"10" validate:"gte=1"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s" validate:"gt=0"`
	// Exactly one runner is used; the HTTP runner wins when both are set.
	RunnerURL     string        `envconfig:"RUNNER_URL" validate:"omitempty,url"`
	RunnerCommand string        `envconfig:"RUNNER_COMMAND"`
	RunnerTimeout time.Duration `envconfig:"RUNNER_TIMEOUT" default:"15m"`
	RunStorePath  string        `envconfig:"RUN_STORE_PATH" default:"runs.db" validate:"required"`
}

// Definitions is the content of the YAML definitions file.
type Definitions struct {
	Schedules    []ScheduleDef    `yaml:"schedules" validate:"dive"`
	Integrations []IntegrationDef `yaml:"integrations" validate:"dive"`
}

type TimeoutsDef struct {
	CreatedToStarted   time.Duration `yaml:"createdToStarted" validate:"gte=0"`
	StartedToCompleted time.Duration `yaml:"startedToCompleted" validate:"gte=0"`
	Heartbeat          time.Duration `yaml:"heartbeat" validate:"gte=0"`
}

type ScheduleDef struct {
	Name                string         `yaml:"name" validate:"required"`
	Paused              bool           `yaml:"paused"`
	StartsAt            *time.Time     `yaml:"startsAt"`
	Every               time.Duration  `yaml:"every" validate:"gte=1s"`
	GroupKey            string         `yaml:"groupKey" validate:"required,excludesall=*"`
	GroupMaxConcurrency int            `yaml:"groupMaxConcurrency" validate:"gte=0"`
	RetryMax            int            `yaml:"retryMax" validate:"gte=0"`
	Timeouts            TimeoutsDef    `yaml:"timeouts"`
	Payload             map[string]any `yaml:"payload"`
}

type ScriptDef struct {
	ID      int64  `yaml:"id" validate:"gt=0"`
	Name    string `yaml:"name" validate:"required"`
	Action  bool   `yaml:"action"`
	Enabled *bool  `yaml:"enabled"`
	Script  string `yaml:"script"`
}

type IntegrationDef struct {
	ID            int64       `yaml:"id" validate:"gt=0"`
	Key           string      `yaml:"key" validate:"required"`
	Provider      string      `yaml:"provider" validate:"required"`
	EnvironmentID int64       `yaml:"environmentId" validate:"gt=0"`
	Scripts       []ScriptDef `yaml:"scripts" validate:"dive"`
}
