package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"conductor/internal/domain"
	"conductor/internal/handlers"
)

type ConfigErrorType string

const (
	ErrParsing    ConfigErrorType = "PARSING_FAILED"
	ErrFile       ConfigErrorType = "FILE_FAILED"
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
)

type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// loaderDeps holds what the loader reads besides the process environment.
type loaderDeps struct {
	loadDotenv func() error
	readFile   func(path string) ([]byte, error)
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		loadDotenv: func() error { return godotenv.Load() },
		readFile:   os.ReadFile,
	}
}

// Load reads the configuration. A missing .env file is not an error; a
// configured definitions file that cannot be read is.
func Load() (*Config, error) {
	return loadWithDeps(defaultDeps())
}

func loadWithDeps(deps loaderDeps) (*Config, error) {
	// does not override variables that are already set
	_ = deps.loadDotenv()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}

	if cfg.File != "" {
		raw, err := deps.readFile(cfg.File)
		if err != nil {
			return nil, &ConfigError{Type: ErrFile, Message: "failed to read " + cfg.File, Err: err}
		}
		defs, err := ParseDefinitions(raw)
		if err != nil {
			return nil, err
		}
		cfg.Definitions = defs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return nil
}

func ParseDefinitions(raw []byte) (Definitions, error) {
	var defs Definitions
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return defs, &ConfigError{Type: ErrParsing, Message: "failed to parse definitions", Err: err}
	}
	seen := map[string]bool{}
	for _, s := range defs.Schedules {
		if seen[s.Name] {
			return defs, &ConfigError{Type: ErrValidation, Message: fmt.Sprintf("schedule %q is declared twice", s.Name)}
		}
		seen[s.Name] = true
	}
	return defs, nil
}

// Props converts the declaration into schedule props. A schedule without
// startsAt starts at now. Unset timeouts default to the schedule period.
func (s ScheduleDef) Props(now time.Time) (domain.ScheduleProps, error) {
	if s.Every <= 0 {
		return domain.ScheduleProps{}, errors.New("every must be positive")
	}
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return domain.ScheduleProps{}, fmt.Errorf("schedule %s: invalid payload: %w", s.Name, err)
	}
	startsAt := now
	if s.StartsAt != nil {
		startsAt = *s.StartsAt
	}
	state := domain.ScheduleStateStarted
	if s.Paused {
		state = domain.ScheduleStatePaused
	}
	secs := func(d time.Duration) int {
		if d <= 0 {
			d = s.Every
		}
		return int(d / time.Second)
	}
	return domain.ScheduleProps{
		Name:                          s.Name,
		State:                         state,
		StartsAt:                      startsAt,
		FrequencyMs:                   s.Every.Milliseconds(),
		Payload:                       payload,
		GroupKey:                      s.GroupKey,
		GroupMaxConcurrency:           s.GroupMaxConcurrency,
		RetryMax:                      s.RetryMax,
		CreatedToStartedTimeoutSecs:   secs(s.Timeouts.CreatedToStarted),
		StartedToCompletedTimeoutSecs: secs(s.Timeouts.StartedToCompleted),
		HeartbeatTimeoutSecs:          secs(s.Timeouts.Heartbeat),
	}, nil
}

// Catalog returns the declared integrations for the worker catalog.
// Scripts are enabled unless they say otherwise.
func (d Definitions) Catalog() []handlers.Integration {
	out := make([]handlers.Integration, 0, len(d.Integrations))
	for _, in := range d.Integrations {
		integration := handlers.Integration{
			ProviderConfig: handlers.ProviderConfig{
				ID:            in.ID,
				Key:           in.Key,
				Provider:      in.Provider,
				EnvironmentID: in.EnvironmentID,
			},
		}
		for _, s := range in.Scripts {
			integration.Scripts = append(integration.Scripts, handlers.Definition{
				ID:       s.ID,
				ConfigID: in.ID,
				Name:     s.Name,
				IsAction: s.Action,
				Enabled:  s.Enabled == nil || *s.Enabled,
				Script:   s.Script,
			})
		}
		out = append(out, integration)
	}
	return out
}
