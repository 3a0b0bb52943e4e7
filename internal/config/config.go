// Package config holds the SDK's effective configuration surface: the
// recognized init-time options, their environment-variable-backed
// defaults, and the functional-options constructor used to override them
// programmatically.
package config

import (
	"time"

	cerrors "github.com/revi-labs/revi-sdk-go/internal/errors"
)

// Environment is the deployment tier tag attached to captured events.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// ConflictPolicy resolves SyncCoordinator version-conflict responses.
type ConflictPolicy string

const (
	ConflictClientWins    ConflictPolicy = "client-wins"
	ConflictServerWins    ConflictPolicy = "server-wins"
	ConflictTimestampWins ConflictPolicy = "timestamp-wins"
)

// PrivacyConfig controls input/field redaction.
type PrivacyConfig struct {
	MaskInputs      bool
	MaskPasswords   bool
	MaskCreditCards bool
	AllowURLs       []string
	DenyURLs        []string
}

// PerformanceConfig toggles optional passive instrumentation probes.
type PerformanceConfig struct {
	CaptureWebVitals bool
	ResourceTiming   bool
	NavigationTiming bool
}

// ReplayConfig controls session-replay redaction, independent of the
// delivery pipeline itself but part of the recognized surface.
type ReplayConfig struct {
	Enabled       bool
	MaskAllInputs bool
	MaskAllText   bool
	BlockSelector string
	MaskSelector  string
}

// RetryConfig tunes the RetryManager (C5).
type RetryConfig struct {
	MaxAttempts       int
	BaseDelayMs       int
	MaxDelayMs        int
	JitterRatio       float64
	RetryBudget       int
	BudgetWindowMs    int
	TimeoutMultiplier float64
}

// CircuitConfig tunes the CircuitBreaker/CircuitManager (C6).
type CircuitConfig struct {
	FailureThreshold int
	RecoveryTimeMs   int
	SuccessThreshold int
	MaxFailureRate   float64
	WindowMs         int
	MinRequests      int
}

// HealthConfig tunes the HealthMonitor (C7).
type HealthConfig struct {
	IntervalMs int
	TimeoutMs  int
	Endpoints  []string
}

// StorageConfig tunes the DurableStore (C2).
type StorageConfig struct {
	MaxItems int
	MaxBytes int
	MaxAgeMs int64
}

// BeforeSendHook filters or drops an outbound item; returning false drops
// it.
type BeforeSendHook func(kind string, payload map[string]any) (map[string]any, bool)

// Config is the SDK's fully resolved, effective configuration.
type Config struct {
	APIKey            string
	APIURLs           []string // multi-region list; first is primary priority 0
	Environment       Environment
	SampleRate        float64
	SessionSampleRate float64

	Privacy     PrivacyConfig
	Performance PerformanceConfig
	Replay      ReplayConfig
	Retry       RetryConfig
	Circuit     CircuitConfig
	Health      HealthConfig
	Storage     StorageConfig

	BeforeSend     BeforeSendHook
	ConflictPolicy ConflictPolicy

	MaxConcurrentBatches   int
	InFlightCapPerEndpoint int
}

// Option mutates a Config during construction.
type Option interface{ apply(*Config) }

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

func WithAPIKey(key string) Option { return optionFunc(func(c *Config) { c.APIKey = key }) }

func WithAPIURLs(urls ...string) Option {
	return optionFunc(func(c *Config) { c.APIURLs = urls })
}

func WithEnvironment(e Environment) Option {
	return optionFunc(func(c *Config) { c.Environment = e })
}

func WithSampleRate(rate float64) Option {
	return optionFunc(func(c *Config) { c.SampleRate = rate })
}

func WithSessionSampleRate(rate float64) Option {
	return optionFunc(func(c *Config) { c.SessionSampleRate = rate })
}

func WithPrivacy(p PrivacyConfig) Option {
	return optionFunc(func(c *Config) { c.Privacy = p })
}

func WithPerformance(p PerformanceConfig) Option {
	return optionFunc(func(c *Config) { c.Performance = p })
}

func WithReplay(r ReplayConfig) Option {
	return optionFunc(func(c *Config) { c.Replay = r })
}

func WithRetry(r RetryConfig) Option {
	return optionFunc(func(c *Config) { c.Retry = r })
}

func WithCircuit(cc CircuitConfig) Option {
	return optionFunc(func(c *Config) { c.Circuit = cc })
}

func WithHealth(h HealthConfig) Option {
	return optionFunc(func(c *Config) { c.Health = h })
}

func WithStorage(s StorageConfig) Option {
	return optionFunc(func(c *Config) { c.Storage = s })
}

func WithBeforeSend(h BeforeSendHook) Option {
	return optionFunc(func(c *Config) { c.BeforeSend = h })
}

func WithConflictPolicy(p ConflictPolicy) Option {
	return optionFunc(func(c *Config) { c.ConflictPolicy = p })
}

// defaults returns the baseline default Config, before env overrides
// or explicit Options are applied.
func defaults() Config {
	return Config{
		Environment:       EnvProduction,
		SampleRate:        1.0,
		SessionSampleRate: 1.0,
		Retry: RetryConfig{
			MaxAttempts:       5,
			BaseDelayMs:       500,
			MaxDelayMs:        30_000,
			JitterRatio:       0.3,
			RetryBudget:       100,
			BudgetWindowMs:    60_000,
			TimeoutMultiplier: 1.25,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			RecoveryTimeMs:   30_000,
			SuccessThreshold: 3,
			MaxFailureRate:   0.5,
			WindowMs:         60_000,
			MinRequests:      10,
		},
		Health: HealthConfig{
			IntervalMs: 30_000,
			TimeoutMs:  5_000,
		},
		Storage: StorageConfig{
			MaxItems: 10_000,
			MaxBytes: 8 * 1024 * 1024,
			MaxAgeMs: int64(24 * time.Hour / time.Millisecond),
		},
		ConflictPolicy:         ConflictTimestampWins,
		MaxConcurrentBatches:   3,
		InFlightCapPerEndpoint: 6,
	}
}

// fromEnv overlays REVI_-prefixed environment variables onto d, for
// deployments that configure the SDK without a code change (e.g. a
// server-rendered bootstrap script).
func fromEnv(d Config) Config {
	root := NewConf("REVI_")
	d.APIKey = root.MayString("API_KEY", d.APIKey)
	d.Environment = Environment(root.MayEnum("ENVIRONMENT", string(d.Environment), "development", "staging", "production"))
	d.SampleRate = root.MayFloat64("SAMPLE_RATE", d.SampleRate)
	d.SessionSampleRate = root.MayFloat64("SESSION_SAMPLE_RATE", d.SessionSampleRate)

	retry := root.Prefix("RETRY_")
	d.Retry.MaxAttempts = retry.MayInt("MAX_ATTEMPTS", d.Retry.MaxAttempts)
	d.Retry.BaseDelayMs = retry.MayInt("BASE_DELAY_MS", d.Retry.BaseDelayMs)
	d.Retry.MaxDelayMs = retry.MayInt("MAX_DELAY_MS", d.Retry.MaxDelayMs)
	d.Retry.JitterRatio = retry.MayFloat64("JITTER_RATIO", d.Retry.JitterRatio)
	d.Retry.RetryBudget = retry.MayInt("RETRY_BUDGET", d.Retry.RetryBudget)

	circ := root.Prefix("CIRCUIT_")
	d.Circuit.FailureThreshold = circ.MayInt("FAILURE_THRESHOLD", d.Circuit.FailureThreshold)
	d.Circuit.RecoveryTimeMs = circ.MayInt("RECOVERY_TIME_MS", d.Circuit.RecoveryTimeMs)
	d.Circuit.SuccessThreshold = circ.MayInt("SUCCESS_THRESHOLD", d.Circuit.SuccessThreshold)
	d.Circuit.MaxFailureRate = circ.MayFloat64("MAX_FAILURE_RATE", d.Circuit.MaxFailureRate)

	health := root.Prefix("HEALTH_")
	d.Health.IntervalMs = health.MayInt("INTERVAL_MS", d.Health.IntervalMs)
	d.Health.TimeoutMs = health.MayInt("TIMEOUT_MS", d.Health.TimeoutMs)

	storage := root.Prefix("STORAGE_")
	d.Storage.MaxItems = storage.MayInt("MAX_ITEMS", d.Storage.MaxItems)
	d.Storage.MaxBytes = storage.MayInt("MAX_BYTES", d.Storage.MaxBytes)

	return d
}

// New resolves a Config from environment defaults overlaid with explicit
// Options, validating it per ConfigError (surfaced at init, preventing
// start).
func New(opts ...Option) (Config, error) {
	c := fromEnv(defaults())
	for _, opt := range opts {
		if opt != nil {
			opt.apply(&c)
		}
	}
	if err := validate(c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func validate(c Config) error {
	if c.APIKey == "" {
		return cerrors.New(cerrors.KindConfig, "config.validate", "api_key is required")
	}
	if len(c.APIURLs) == 0 {
		return cerrors.New(cerrors.KindConfig, "config.validate", "api_url is required")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return cerrors.New(cerrors.KindConfig, "config.validate", "sample_rate must be in [0,1]")
	}
	if c.Retry.MaxAttempts <= 0 {
		return cerrors.New(cerrors.KindConfig, "config.validate", "retry.max_attempts must be positive")
	}
	switch c.ConflictPolicy {
	case ConflictClientWins, ConflictServerWins, ConflictTimestampWins:
	default:
		return cerrors.New(cerrors.KindConfig, "config.validate", "invalid conflict policy")
	}
	return nil
}
