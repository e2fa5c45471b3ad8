// Package config loads the updater configuration from selfupdate.yaml and
// SELFUPDATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
	PartSizeMB      int    `mapstructure:"part_size_mb"`
	Concurrency     int    `mapstructure:"concurrency"`
}

type GCSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Anonymous       bool   `mapstructure:"anonymous"`
}

type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	ServiceURL       string `mapstructure:"service_url"`
	SASToken         string `mapstructure:"sas_token"`
}

type B2Config struct {
	AccountID      string `mapstructure:"account_id"`
	ApplicationKey string `mapstructure:"application_key"`
}

type Config struct {
	InstallDir        string `mapstructure:"install_dir"`
	UpdateURL         string `mapstructure:"update_url"`
	ReleaseStream     string `mapstructure:"release_stream"`
	PrimaryExecutable string `mapstructure:"primary_executable"`
	HashAlgorithm     string `mapstructure:"hash_algorithm"`
	StateBackend      string `mapstructure:"state_backend"`
	StatePath         string `mapstructure:"state_path"`

	MaxConcurrentTransfers int  `mapstructure:"max_concurrent_transfers"`
	TransferAttempts       int  `mapstructure:"transfer_attempts"`
	RetryDelayMs           int  `mapstructure:"retry_delay_ms"`
	StallTimeoutSeconds    int  `mapstructure:"stall_timeout_seconds"`
	ResponseTimeoutSeconds int  `mapstructure:"response_timeout_seconds"`
	MoveAttempts           int  `mapstructure:"move_attempts"`
	MoveBudgetMs           int  `mapstructure:"move_budget_ms"`
	MaxReplans             int  `mapstructure:"max_replans"`
	EnablePatching         bool `mapstructure:"enable_patching"`

	TrustAllowlist  []string `mapstructure:"trust_allowlist"`
	TrustExtensions []string `mapstructure:"trust_extensions"`
	RequiredRuntime []string `mapstructure:"required_runtime"`

	CheckIntervalMinutes int      `mapstructure:"check_interval_minutes"`
	NotifyURL            string   `mapstructure:"notify_url"`
	NotifyToken          string   `mapstructure:"notify_token"`
	IPCSocket            string   `mapstructure:"ipc_socket"`
	ServiceName          string   `mapstructure:"service_name"`
	RelaunchArgs         []string `mapstructure:"relaunch_args"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	S3    S3Config    `mapstructure:"s3"`
	GCS   GCSConfig   `mapstructure:"gcs"`
	Azure AzureConfig `mapstructure:"azure"`
	B2    B2Config    `mapstructure:"b2"`
}

func Default() *Config {
	return &Config{
		ReleaseStream:          "stable",
		HashAlgorithm:          "md5",
		StateBackend:           "file",
		MaxConcurrentTransfers: 4,
		TransferAttempts:       4,
		RetryDelayMs:           1500,
		StallTimeoutSeconds:    30,
		ResponseTimeoutSeconds: 30,
		MoveAttempts:           5,
		MoveBudgetMs:           200,
		MaxReplans:             3,
		EnablePatching:         true,
		TrustExtensions:        []string{".exe", ".dll"},
		CheckIntervalMinutes:   60,
		IPCSocket:              defaultSocket(),
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           50,
		LogMaxBackups:          3,
	}
}

// defaults mirrors Default for viper so every key is known to AutomaticEnv.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("release_stream", d.ReleaseStream)
	v.SetDefault("hash_algorithm", d.HashAlgorithm)
	v.SetDefault("state_backend", d.StateBackend)
	v.SetDefault("max_concurrent_transfers", d.MaxConcurrentTransfers)
	v.SetDefault("transfer_attempts", d.TransferAttempts)
	v.SetDefault("retry_delay_ms", d.RetryDelayMs)
	v.SetDefault("stall_timeout_seconds", d.StallTimeoutSeconds)
	v.SetDefault("response_timeout_seconds", d.ResponseTimeoutSeconds)
	v.SetDefault("move_attempts", d.MoveAttempts)
	v.SetDefault("move_budget_ms", d.MoveBudgetMs)
	v.SetDefault("max_replans", d.MaxReplans)
	v.SetDefault("enable_patching", d.EnablePatching)
	v.SetDefault("trust_extensions", d.TrustExtensions)
	v.SetDefault("check_interval_minutes", d.CheckIntervalMinutes)
	v.SetDefault("ipc_socket", d.IPCSocket)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)

	for _, k := range []string{
		"install_dir", "update_url", "primary_executable", "state_path",
		"notify_url", "notify_token", "service_name", "log_file",
		"s3.region", "s3.endpoint", "s3.access_key_id", "s3.secret_access_key",
		"gcs.endpoint", "gcs.credentials_file",
		"azure.connection_string", "azure.service_url", "azure.sas_token",
		"b2.account_id", "b2.application_key",
	} {
		v.SetDefault(k, "")
	}
	v.SetDefault("s3.path_style", false)
	v.SetDefault("s3.part_size_mb", 0)
	v.SetDefault("s3.concurrency", 0)
	v.SetDefault("gcs.anonymous", false)
}

func newViper(cfgFile string) *viper.Viper {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("selfupdate")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}
	setDefaults(v)
	v.SetEnvPrefix("SELFUPDATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func read(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the config file (or the default search path when cfgFile is
// empty) and applies environment overrides.
func Load(cfgFile string) (*Config, error) {
	if err := checkExplicit(cfgFile); err != nil {
		return nil, err
	}
	return read(newViper(cfgFile))
}

func checkExplicit(cfgFile string) error {
	if cfgFile == "" {
		return nil
	}
	if _, err := os.Stat(cfgFile); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	return nil
}

// Watch loads the config and calls onChange with the re-read config each
// time the file changes. Reload errors are passed with a nil config.
func Watch(cfgFile string, onChange func(*Config, error)) (*Config, error) {
	if err := checkExplicit(cfgFile); err != nil {
		return nil, err
	}
	v := newViper(cfgFile)
	cfg, err := read(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next := Default()
		if err := v.Unmarshal(next); err != nil {
			onChange(nil, err)
			return
		}
		onChange(next, nil)
	})
	v.WatchConfig()
	return cfg, nil
}

// Durations derived from the integer settings.

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSeconds) * time.Second
}

func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSeconds) * time.Second
}

func (c *Config) MoveBudget() time.Duration {
	return time.Duration(c.MoveBudgetMs) * time.Millisecond
}

func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

// ResolvedStatePath returns StatePath or a default file inside the
// install dir named for the backend.
func (c *Config) ResolvedStatePath() string {
	if c.StatePath != "" {
		return c.StatePath
	}
	name := "selfupdate-state.yaml"
	if strings.EqualFold(c.StateBackend, "sqlite") {
		name = "selfupdate-state.db"
	}
	return filepath.Join(c.InstallDir, name)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "SelfUpdate")
	case "darwin":
		return "/Library/Application Support/SelfUpdate"
	default:
		return "/etc/selfupdate"
	}
}

func defaultSocket() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\selfupdate`
	}
	return filepath.Join(os.TempDir(), "selfupdate.sock")
}
