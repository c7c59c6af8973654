package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autograder/internal/common/cache"
	"autograder/internal/common/storage"
	"autograder/internal/sandbox"
	"autograder/internal/sandbox/engine"
	"autograder/internal/sandbox/spec"
	"autograder/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "127.0.0.1:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultPartTimeout     = time.Minute
	defaultMaxOutputBytes  = 1 << 20
	defaultStatusTTL       = 24 * time.Hour
	defaultLockTTL         = 10 * time.Minute
	defaultArchivePrefix   = "results"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// GradingConfig holds run settings.
type GradingConfig struct {
	Assignment     string        `yaml:"assignment"`
	Submissions    string        `yaml:"submissions"`
	Results        string        `yaml:"results"`
	WorkRoot       string        `yaml:"workRoot"`
	PoolSize       int           `yaml:"poolSize"`
	PartTimeout    time.Duration `yaml:"partTimeout"`
	MaxOutputBytes int64         `yaml:"maxOutputBytes"`
	Env            []string      `yaml:"env"`
	HistoryFile    string        `yaml:"historyFile"`
}

// SandboxConfig holds sandbox engine and context settings.
type SandboxConfig struct {
	Enabled              bool     `yaml:"enabled"`
	WorkRoot             string   `yaml:"workRoot"`
	CgroupRoot           string   `yaml:"cgroupRoot"`
	SeccompDir           string   `yaml:"seccompDir"`
	SeccompProfile       string   `yaml:"seccompProfile"`
	HelperPath           string   `yaml:"helperPath"`
	RootFS               string   `yaml:"rootFS"`
	StdoutStderrMaxBytes int64    `yaml:"stdoutStderrMaxBytes"`
	OutputLimitMB        int64    `yaml:"outputLimitMB"`
	StackLimitMB         int64    `yaml:"stackLimitMB"`
	Env                  []string `yaml:"env"`
	EnableSeccomp        bool     `yaml:"enableSeccomp"`
	EnableCgroup         bool     `yaml:"enableCgroup"`
	EnableNamespaces     bool     `yaml:"enableNamespaces"`
	DisableNetwork       bool     `yaml:"disableNetwork"`
}

// StatusConfig holds the Redis status mirror settings.
type StatusConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	LockTTL time.Duration `yaml:"lockTTL"`
}

// ArchiveConfig holds result archive settings.
type ArchiveConfig struct {
	Prefix string `yaml:"prefix"`
}

// AppConfig holds grader config.
type AppConfig struct {
	Logger  logger.Config       `yaml:"logger"`
	Grading GradingConfig       `yaml:"grading"`
	Sandbox SandboxConfig       `yaml:"sandbox"`
	Status  StatusConfig        `yaml:"status"`
	Redis   cache.RedisConfig   `yaml:"redis"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
	Archive ArchiveConfig       `yaml:"archive"`
	Server  ServerConfig        `yaml:"server"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if err := applyDefaults(&cfg, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset values. Relative paths are resolved against the
// directory holding the config file.
func applyDefaults(cfg *AppConfig, base string) error {
	if cfg.Grading.Assignment == "" {
		return fmt.Errorf("grading assignment is required")
	}
	if cfg.Grading.Submissions == "" {
		return fmt.Errorf("grading submissions is required")
	}
	if cfg.Grading.Results == "" {
		cfg.Grading.Results = "results"
	}
	if cfg.Grading.WorkRoot == "" {
		cfg.Grading.WorkRoot = filepath.Join(os.TempDir(), "grader-work")
	}
	for _, p := range []*string{&cfg.Grading.Assignment, &cfg.Grading.Submissions, &cfg.Grading.Results, &cfg.Grading.WorkRoot} {
		*p = resolve(base, *p)
	}
	if cfg.Grading.PoolSize <= 0 {
		cfg.Grading.PoolSize = 1
	}
	if cfg.Grading.PartTimeout == 0 {
		cfg.Grading.PartTimeout = defaultPartTimeout
	}
	if cfg.Grading.MaxOutputBytes <= 0 {
		cfg.Grading.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Sandbox.Enabled {
		if cfg.Sandbox.EnableCgroup && cfg.Sandbox.CgroupRoot == "" {
			return fmt.Errorf("sandbox cgroupRoot is required when cgroups are enabled")
		}
		if cfg.Sandbox.WorkRoot != "" {
			cfg.Sandbox.WorkRoot = resolve(base, cfg.Sandbox.WorkRoot)
		}
	}
	if cfg.Status.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when the status mirror is enabled")
		}
		applyRedisDefaults(&cfg.Redis)
		if cfg.Status.TTL == 0 {
			cfg.Status.TTL = defaultStatusTTL
		}
		if cfg.Status.LockTTL == 0 {
			cfg.Status.LockTTL = defaultLockTTL
		}
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = defaultArchivePrefix
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	return nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (c SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		CgroupRoot:           c.CgroupRoot,
		SeccompDir:           c.SeccompDir,
		HelperPath:           c.HelperPath,
		StdoutStderrMaxBytes: c.StdoutStderrMaxBytes,
		EnableSeccomp:        c.EnableSeccomp,
		EnableCgroup:         c.EnableCgroup,
		EnableNamespaces:     c.EnableNamespaces,
	}
}

func (c SandboxConfig) toProviderConfig() sandbox.ProviderConfig {
	return sandbox.ProviderConfig{
		WorkRoot: c.WorkRoot,
		Isolation: spec.IsolationProfile{
			RootFS:         c.RootFS,
			SeccompProfile: c.SeccompProfile,
			DisableNetwork: c.DisableNetwork,
		},
		Env:           c.Env,
		OutputLimitMB: c.OutputLimitMB,
		StackLimitMB:  c.StackLimitMB,
	}
}
