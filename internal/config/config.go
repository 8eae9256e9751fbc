// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the orchestrator configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	LLM       LLMConfig       `toml:"llm"`
	Workflow  WorkflowConfig  `toml:"workflow"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Executor  ExecutorConfig  `toml:"executor"`
	Security  SecurityConfig  `toml:"security"`
	Events    EventsConfig    `toml:"events"`
	Bus       BusConfig       `toml:"bus"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Storage   StorageConfig   `toml:"storage"`
	Logging   LoggingConfig   `toml:"logging"`
	QA        QAConfig        `toml:"qa"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Addr           string   `toml:"addr"`
	AllowedOrigins []string `toml:"allowed_origins"` // Empty allows any origin
}

// LLMConfig contains model backend settings.
type LLMConfig struct {
	BaseURL        string  `toml:"base_url"`        // Ollama-compatible endpoint
	Model          string  `toml:"model"`           // Default model
	ExecutorModel  string  `toml:"executor_model"`  // Model driving spec/plan/execute
	VerifierModel  string  `toml:"verifier_model"`  // Second model judging evidence
	Timeout        int     `toml:"timeout"`         // Per-call timeout in seconds
	ConnectTimeout int     `toml:"connect_timeout"` // Dial timeout in seconds
	Temperature    float64 `toml:"temperature"`
	NumCtx         int     `toml:"num_ctx"`
}

// WorkflowConfig contains phase state machine settings.
type WorkflowConfig struct {
	VerifyRequired  bool `toml:"verify_required"`
	MaxRepairCycles int  `toml:"max_repair_cycles"`
	MaxIterations   int  `toml:"max_iterations"` // ReAct iteration cap
	Checkpoints     bool `toml:"checkpoints"`    // Persist per-phase checkpoints
}

// WorkspaceConfig contains sandbox root settings.
type WorkspaceConfig struct {
	Dir         string   `toml:"dir"`
	AllowWrite  bool     `toml:"allow_write"`
	BackupDir   string   `toml:"backup_dir"`   // Governance rollback snapshots
	SearchBases []string `toml:"search_bases"` // Extra roots allowed for search_directory
}

// ExecutorConfig contains secure executor settings.
type ExecutorConfig struct {
	DefaultTimeout int    `toml:"default_timeout"` // Seconds
	DefaultRole    string `toml:"default_role"`    // viewer, operator or admin
	PolicyFile     string `toml:"policy_file"`     // Optional YAML command policy
	WatchPolicy    bool   `toml:"watch_policy"`    // Reload the policy file on change
}

// SecurityConfig contains injection detection and governance settings.
type SecurityConfig struct {
	InjectionDetection bool    `toml:"injection_detection"`
	StrictMode         bool    `toml:"strict_mode"`     // Medium severity also blocks
	BlockThreshold     float64 `toml:"block_threshold"` // Confidence needed to block HIGH
}

// EventsConfig contains event delivery settings.
type EventsConfig struct {
	QueueEnabled        bool `toml:"queue_enabled"`
	QueueMaxSize        int  `toml:"queue_max_size"`
	QueueTTLMinutes     int  `toml:"queue_ttl_minutes"`
	StrictValidation    bool `toml:"strict_validation"`
	TerminalEnforcement bool `toml:"terminal_enforcement"`
	CleanupDelay        int  `toml:"cleanup_delay"` // Seconds after terminal before purge
	SubscriberBuffer    int  `toml:"subscriber_buffer"`
}

// BusConfig selects the optional cross-process event mirror.
type BusConfig struct {
	Backend         string `toml:"backend"` // none, redis or nats
	RedisAddr       string `toml:"redis_addr"`
	RedisPassword   string `toml:"redis_password"`
	RedisDB         int    `toml:"redis_db"`
	NATSURL         string `toml:"nats_url"`
	MaxStreamLength int64  `toml:"max_stream_length"`
}

// TelemetryConfig contains tracing and metrics settings.
type TelemetryConfig struct {
	Tracing          bool   `toml:"tracing"`
	OTLPEndpoint     string `toml:"otlp_endpoint"` // host:port of an OTLP/HTTP collector
	OTLPInsecure     bool   `toml:"otlp_insecure"`
	Metrics          bool   `toml:"metrics"`
	MetricsNamespace string `toml:"metrics_namespace"`
}

// StorageConfig contains local persistence settings.
type StorageConfig struct {
	Path string `toml:"path"` // Base directory for checkpoints and transcripts
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
	File   string `toml:"file"`   // Optional JSON log file
}

// QAConfig maps QA tool targets to command vectors.
type QAConfig struct {
	Tests     map[string][]string `toml:"tests"`
	Lint      map[string][]string `toml:"lint"`
	Format    map[string][]string `toml:"format"`
	Build     map[string][]string `toml:"build"`
	Typecheck map[string][]string `toml:"typecheck"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8001",
		},
		LLM: LLMConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "qwen2.5-coder:32b-instruct-q4_K_M",
			Timeout:        300,
			ConnectTimeout: 10,
			Temperature:    0.7,
			NumCtx:         8192,
		},
		Workflow: WorkflowConfig{
			VerifyRequired:  true,
			MaxRepairCycles: 3,
			MaxIterations:   10,
		},
		Workspace: WorkspaceConfig{
			AllowWrite: true,
		},
		Executor: ExecutorConfig{
			DefaultTimeout: 30,
			DefaultRole:    "operator",
		},
		Security: SecurityConfig{
			InjectionDetection: true,
			BlockThreshold:     0.75,
		},
		Events: EventsConfig{
			QueueEnabled:        true,
			QueueMaxSize:        100,
			QueueTTLMinutes:     10,
			StrictValidation:    true,
			TerminalEnforcement: true,
			CleanupDelay:        300,
			SubscriberBuffer:    256,
		},
		Bus: BusConfig{
			Backend:         "none",
			MaxStreamLength: 1000,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:     "localhost:4318",
			OTLPInsecure:     true,
			Metrics:          true,
			MetricsNamespace: "orchestrator",
		},
		Storage: StorageConfig{
			Path: "~/.local/orchestrator",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		QA: QAConfig{
			Tests:     map[string][]string{"backend": {"go", "test", "./..."}},
			Lint:      map[string][]string{"backend": {"go", "vet", "./..."}},
			Format:    map[string][]string{"backend": {"gofmt", "-l", "."}},
			Build:     map[string][]string{"backend": {"go", "build", "./..."}},
			Typecheck: map[string][]string{"backend": {"go", "vet", "./..."}},
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from orchestrator.toml in the current directory.
// A missing file yields the defaults.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := LoadFile(filepath.Join(cwd, "orchestrator.toml"))
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	return cfg, err
}

// ApplyEnv applies environment overrides on top of file values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ORCH_WORKSPACE"); v != "" {
		c.Workspace.Dir = v
	}
	if v := os.Getenv("ORCH_LLM_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("ORCH_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("ORCH_REDIS_ADDR"); v != "" {
		c.Bus.RedisAddr = v
		if c.Bus.Backend == "" || c.Bus.Backend == "none" {
			c.Bus.Backend = "redis"
		}
	}
	if v := os.Getenv("ORCH_NATS_URL"); v != "" {
		c.Bus.NATSURL = v
		if c.Bus.Backend == "" || c.Bus.Backend == "none" {
			c.Bus.Backend = "nats"
		}
	}
	if v := os.Getenv("ORCH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ORCH_VERIFY_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Workflow.VerifyRequired = b
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Workspace.Dir == "" {
		return errors.New("workspace.dir is required")
	}
	if c.Workflow.MaxRepairCycles < 0 {
		return fmt.Errorf("workflow.max_repair_cycles must be >= 0, got %d", c.Workflow.MaxRepairCycles)
	}
	if c.Workflow.MaxIterations <= 0 {
		return fmt.Errorf("workflow.max_iterations must be > 0, got %d", c.Workflow.MaxIterations)
	}
	if c.Events.QueueMaxSize <= 0 {
		return fmt.Errorf("events.queue_max_size must be > 0, got %d", c.Events.QueueMaxSize)
	}
	switch c.Bus.Backend {
	case "", "none", "redis", "nats":
	default:
		return fmt.Errorf("bus.backend must be none, redis or nats, got %q", c.Bus.Backend)
	}
	switch c.Executor.DefaultRole {
	case "viewer", "operator", "admin":
	default:
		return fmt.Errorf("executor.default_role must be viewer, operator or admin, got %q", c.Executor.DefaultRole)
	}
	return nil
}

// ExecutorModel returns the model driving spec, plan and execution.
func (c *Config) ExecutorModel() string {
	if c.LLM.ExecutorModel != "" {
		return c.LLM.ExecutorModel
	}
	return c.LLM.Model
}

// VerifierModel returns the model used by the judge.
func (c *Config) VerifierModel() string {
	if c.LLM.VerifierModel != "" {
		return c.LLM.VerifierModel
	}
	return c.LLM.Model
}

// CommandTimeout returns the default secure executor timeout.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Executor.DefaultTimeout) * time.Second
}

// LLMTimeout returns the per-call model timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.Timeout) * time.Second
}

// QueueTTL returns the idle time after which buffered events are purged.
func (c *Config) QueueTTL() time.Duration {
	return time.Duration(c.Events.QueueTTLMinutes) * time.Minute
}

// CleanupDelay returns the delay between a terminal event and lifecycle purge.
func (c *Config) CleanupDelay() time.Duration {
	return time.Duration(c.Events.CleanupDelay) * time.Second
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	p := c.Storage.Path
	if p == "" {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "orchestrator")
	}
	if p[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[1:])
	}
	return p
}

// BackupDir returns the governance backup directory, defaulting under storage.
func (c *Config) BackupDir() string {
	if c.Workspace.BackupDir != "" {
		return c.Workspace.BackupDir
	}
	return filepath.Join(c.StoragePath(), "backups")
}
