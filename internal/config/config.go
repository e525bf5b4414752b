// Package config loads engine settings from flags, the environment, .env
// files in the repository root and the legacy .nh.toml file, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/helix/internal/model"
	"github.com/roach88/helix/internal/registry"
)

// EnvFiles are read from the repository root, later files overriding earlier.
var EnvFiles = []string{".env", ".env.local", ".env.dev"}

// LegacyFile is the deprecated TOML settings file.
const LegacyFile = ".nh.toml"

// Config is the resolved engine configuration.
type Config struct {
	RepoRoot           string `mapstructure:"-"`
	DataDir            string `mapstructure:"data_dir"`
	LogsDir            string `mapstructure:"logs_dir"`
	DefaultModel       string `mapstructure:"default_model"`
	MaxParallelJobs    int    `mapstructure:"max_parallel_jobs"`
	EnableRateLimiting bool   `mapstructure:"enable_rate_limiting"`
	ApprovalMode       string `mapstructure:"approval_mode"`
	ToolBinary         string `mapstructure:"tool_binary"`

	Registry struct {
		Backend    string `mapstructure:"backend"`
		TSVPath    string `mapstructure:"tsv_path"`
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"registry"`

	RateLimit struct {
		RequestsPerMinute int `mapstructure:"requests_per_minute"`
		RequestsPerDay    int `mapstructure:"requests_per_day"`
		BurstSize         int `mapstructure:"burst_size"`
		// AcquireTimeout is in seconds.
		AcquireTimeout int `mapstructure:"acquire_timeout"`
	} `mapstructure:"rate_limit"`

	Lock struct {
		// TTL is in seconds.
		TTL  int    `mapstructure:"ttl"`
		Path string `mapstructure:"path"`
	} `mapstructure:"lock"`
}

// setting binds a config key to its default and environment names.
type setting struct {
	key  string
	def  any
	envs []string
}

var settings = []setting{
	{"data_dir", "data", []string{"NH_DATA_DIR"}},
	{"logs_dir", "logs", []string{"NH_LOGS_DIR"}},
	{"default_model", model.DefaultModel, []string{"NH_DEFAULT_MODEL"}},
	{"max_parallel_jobs", 4, []string{"NH_MAX_PARALLEL_JOBS"}},
	{"enable_rate_limiting", true, []string{"NH_ENABLE_RATE_LIMITING"}},
	{"approval_mode", "yolo", []string{"GEMINI_APPROVAL_MODE", "NH_APPROVAL_MODE"}},
	{"tool_binary", "gemini", []string{"NH_TOOL_BINARY"}},
	{"registry.backend", string(registry.BackendTSV), []string{"NH_REGISTRY_BACKEND"}},
	{"registry.tsv_path", registry.DefaultTSVPath, []string{"NH_REGISTRY_TSV_PATH"}},
	{"registry.sqlite_path", registry.DefaultSQLitePath, []string{"NH_REGISTRY_SQLITE_PATH"}},
	{"rate_limit.requests_per_minute", 50, []string{"NH_RATE_LIMIT_REQUESTS_PER_MINUTE"}},
	{"rate_limit.requests_per_day", 1000, []string{"NH_RATE_LIMIT_REQUESTS_PER_DAY"}},
	{"rate_limit.burst_size", 10, []string{"NH_RATE_LIMIT_BURST_SIZE"}},
	{"rate_limit.acquire_timeout", 120, []string{"NH_RATE_LIMIT_ACQUIRE_TIMEOUT"}},
	{"lock.ttl", 7200, []string{"NH_LOCK_TTL"}},
	{"lock.path", "var/locks/nh-run.lock", []string{"NH_LOCK_PATH"}},
}

// legacySections maps .nh.toml sections onto flat keys.
var legacySections = map[string]string{
	"orchestrator": "",
	"paths":        "",
	"registry":     "registry.",
	"rate_limit":   "rate_limit.",
	"lock":         "lock.",
}

// Options control Load.
type Options struct {
	// RepoRoot overrides NH_REPO_ROOT and the working directory.
	RepoRoot string

	// Overrides are explicit values (usually from flags) keyed by config key.
	// They win over every other source.
	Overrides map[string]any

	Logger *slog.Logger
}

// Load resolves the configuration.
func Load(opts Options) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root, err := resolveRepoRoot(opts.RepoRoot)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	for _, s := range settings {
		v.SetDefault(s.key, s.def)
		if err := v.BindEnv(append([]string{s.key}, s.envs...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", s.key, err)
		}
	}

	legacyPath := filepath.Join(root, LegacyFile)
	if fileExists(legacyPath) {
		logger.Warn(".nh.toml is deprecated; move settings into .env or .env.local", "path", legacyPath)
		values, err := readLegacy(legacyPath)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, fmt.Errorf("merge %s: %w", legacyPath, err)
		}
	}

	for _, name := range EnvFiles {
		path := filepath.Join(root, name)
		if !fileExists(path) {
			continue
		}
		values, err := readEnvFile(path)
		if err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(values); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
		logger.Debug("loaded env file", "path", path)
	}

	for key, value := range opts.Overrides {
		v.Set(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.RepoRoot = root
	cfg.ApprovalMode = strings.TrimSpace(cfg.ApprovalMode)
	cfg.Registry.Backend = strings.ToLower(strings.TrimSpace(cfg.Registry.Backend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolveRepoRoot(explicit string) (string, error) {
	root := explicit
	if root == "" {
		root = os.Getenv("NH_REPO_ROOT")
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve repo root: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve repo root: %w", err)
	}
	return abs, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// envKeys maps an environment variable name to its config key.
func envKeys() map[string]string {
	m := make(map[string]string)
	for _, s := range settings {
		for _, env := range s.envs {
			m[strings.ToLower(env)] = s.key
		}
	}
	return m
}

// readEnvFile parses a dotenv file and returns the recognised settings as a
// nested map. Unknown variables are ignored.
func readEnvFile(path string) (map[string]any, error) {
	ev := viper.New()
	ev.SetConfigFile(path)
	ev.SetConfigType("env")
	if err := ev.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	keys := envKeys()
	out := make(map[string]any)
	for _, name := range ev.AllKeys() {
		key, ok := keys[name]
		if !ok {
			continue
		}
		setNested(out, key, ev.Get(name))
	}
	return out, nil
}

// readLegacy parses .nh.toml, flattening the [orchestrator] and [paths]
// sections onto top-level keys.
func readLegacy(path string) (map[string]any, error) {
	tv := viper.New()
	tv.SetConfigFile(path)
	tv.SetConfigType("toml")
	if err := tv.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	known := make(map[string]bool, len(settings))
	for _, s := range settings {
		known[s.key] = true
	}

	out := make(map[string]any)
	for _, name := range tv.AllKeys() {
		section, field, found := strings.Cut(name, ".")
		if !found {
			continue
		}
		prefix, ok := legacySections[section]
		if !ok {
			continue
		}
		key := prefix + field
		if !known[key] {
			continue
		}
		setNested(out, key, tv.Get(name))
	}
	return out, nil
}

func setNested(m map[string]any, key string, value any) {
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		child, ok := m[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			m[p] = child
		}
		m = child
	}
	m[parts[len(parts)-1]] = value
}

// Validate rejects out-of-range settings, reporting all of them.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxParallelJobs < 1 || c.MaxParallelJobs > 16 {
		errs = append(errs, fmt.Errorf("max_parallel_jobs must be between 1 and 16, got %d", c.MaxParallelJobs))
	}
	if _, err := registry.ParseBackend(c.Registry.Backend); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_minute must be positive, got %d", c.RateLimit.RequestsPerMinute))
	}
	if c.RateLimit.RequestsPerDay <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_day must be positive, got %d", c.RateLimit.RequestsPerDay))
	}
	if c.RateLimit.BurstSize <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.burst_size must be positive, got %d", c.RateLimit.BurstSize))
	}
	if c.RateLimit.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.acquire_timeout must be positive, got %d", c.RateLimit.AcquireTimeout))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, fmt.Errorf("lock.ttl must be positive, got %d", c.Lock.TTL))
	}
	if c.DefaultModel == "" {
		errs = append(errs, errors.New("default_model must not be empty"))
	}
	if c.ToolBinary == "" {
		errs = append(errs, errors.New("tool_binary must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Resolve returns path joined to the repository root unless it is absolute.
func (c *Config) Resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.RepoRoot, path)
}

// Backend returns the parsed registry backend.
func (c *Config) Backend() registry.Backend {
	return registry.Backend(c.Registry.Backend)
}

// RegistryPath returns the absolute path of the configured registry backend.
func (c *Config) RegistryPath() string {
	if c.Backend() == registry.BackendSQLite {
		return c.Resolve(c.Registry.SQLitePath)
	}
	return c.Resolve(c.Registry.TSVPath)
}

// DataPath returns the absolute data directory.
func (c *Config) DataPath() string { return c.Resolve(c.DataDir) }

// LogsPath returns the absolute logs directory.
func (c *Config) LogsPath() string { return c.Resolve(c.LogsDir) }

// LockPath returns the absolute run lock path.
func (c *Config) LockPath() string { return c.Resolve(c.Lock.Path) }

// LockTTL returns the lock staleness threshold.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTL) * time.Second
}

// AcquireTimeout returns how long a unit waits for a rate-limit token.
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.RateLimit.AcquireTimeout) * time.Second
}

// Fingerprint returns the execution-relevant settings. Paths are excluded
// so moving the repository does not change the fingerprint.
func (c *Config) Fingerprint() map[string]any {
	return map[string]any{
		"default_model":        c.DefaultModel,
		"max_parallel_jobs":    c.MaxParallelJobs,
		"enable_rate_limiting": c.EnableRateLimiting,
		"approval_mode":        c.ApprovalMode,
		"tool_binary":          c.ToolBinary,
		"registry_backend":     c.Registry.Backend,
		"rate_limit": map[string]any{
			"requests_per_minute": c.RateLimit.RequestsPerMinute,
			"requests_per_day":    c.RateLimit.RequestsPerDay,
			"burst_size":          c.RateLimit.BurstSize,
		},
	}
}
