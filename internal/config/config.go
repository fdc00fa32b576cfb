package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL              string `mapstructure:"server_url"`
	InstallDir             string `mapstructure:"install_dir"`
	VersionFile            string `mapstructure:"version_file"`
	StagingDir             string `mapstructure:"staging_dir"`
	HTTPTimeoutSeconds     int    `mapstructure:"http_timeout_seconds"`
	HTTPRetries            int    `mapstructure:"http_retries"`
	MaxBytesPerSecond      int64  `mapstructure:"max_bytes_per_second"`
	LockWaitTimeoutSeconds int    `mapstructure:"lock_wait_timeout_seconds"`
	MinFreeDiskMB          int64  `mapstructure:"min_free_disk_mb"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`

	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`

	JournalPath     string `mapstructure:"journal_path"`
	MetricsTextfile string `mapstructure:"metrics_textfile"`

	S3Region          string `mapstructure:"s3_region"`
	S3Endpoint        string `mapstructure:"s3_endpoint"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
	GCSAnonymous      bool   `mapstructure:"gcs_anonymous"`
	AzureSASToken     string `mapstructure:"azure_sas_token"`
	B2AccountID       string `mapstructure:"b2_account_id"`
	B2ApplicationKey  string `mapstructure:"b2_application_key"`
}

func Default() *Config {
	return &Config{
		InstallDir:             ".",
		VersionFile:            "Update.dat",
		HTTPTimeoutSeconds:     300,
		HTTPRetries:            0,
		LockWaitTimeoutSeconds: 300,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           10,
		LogMaxBackups:          3,
	}
}

// VersionPath is the absolute-or-relative path of the persisted version file.
func (c *Config) VersionPath() string {
	if filepath.IsAbs(c.VersionFile) {
		return c.VersionFile
	}
	return filepath.Join(c.InstallDir, c.VersionFile)
}

// StagingPath is where patch payloads are downloaded before being applied.
func (c *Config) StagingPath() string {
	if c.StagingDir != "" {
		return c.StagingDir
	}
	return filepath.Join(c.InstallDir, ".patches")
}

func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.New(), cfgFile)
}

// LoadWith reads configuration through v, so callers can bind flags first.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("gamepatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GAMEPATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that are
// absent from the config file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server_url", cfg.ServerURL)
	v.SetDefault("install_dir", cfg.InstallDir)
	v.SetDefault("version_file", cfg.VersionFile)
	v.SetDefault("staging_dir", cfg.StagingDir)
	v.SetDefault("http_timeout_seconds", cfg.HTTPTimeoutSeconds)
	v.SetDefault("http_retries", cfg.HTTPRetries)
	v.SetDefault("max_bytes_per_second", cfg.MaxBytesPerSecond)
	v.SetDefault("lock_wait_timeout_seconds", cfg.LockWaitTimeoutSeconds)
	v.SetDefault("min_free_disk_mb", cfg.MinFreeDiskMB)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("journal_path", cfg.JournalPath)
	v.SetDefault("metrics_textfile", cfg.MetricsTextfile)
	v.SetDefault("s3_region", cfg.S3Region)
	v.SetDefault("s3_endpoint", cfg.S3Endpoint)
	v.SetDefault("s3_access_key_id", cfg.S3AccessKeyID)
	v.SetDefault("s3_secret_access_key", cfg.S3SecretAccessKey)
	v.SetDefault("gcs_anonymous", cfg.GCSAnonymous)
	v.SetDefault("azure_sas_token", cfg.AzureSASToken)
	v.SetDefault("b2_account_id", cfg.B2AccountID)
	v.SetDefault("b2_application_key", cfg.B2ApplicationKey)
}

// SaveTo writes cfg as YAML to cfgFile, or to the platform config dir when
// cfgFile is empty.
func SaveTo(cfg *Config, cfgFile string) (string, error) {
	v := viper.New()
	v.Set("server_url", cfg.ServerURL)
	v.Set("install_dir", cfg.InstallDir)
	v.Set("version_file", cfg.VersionFile)
	v.Set("staging_dir", cfg.StagingDir)
	v.Set("http_timeout_seconds", cfg.HTTPTimeoutSeconds)
	v.Set("http_retries", cfg.HTTPRetries)
	v.Set("max_bytes_per_second", cfg.MaxBytesPerSecond)
	v.Set("lock_wait_timeout_seconds", cfg.LockWaitTimeoutSeconds)
	v.Set("min_free_disk_mb", cfg.MinFreeDiskMB)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)
	v.Set("journal_path", cfg.JournalPath)
	v.Set("metrics_textfile", cfg.MetricsTextfile)
	v.Set("s3_region", cfg.S3Region)
	v.Set("s3_endpoint", cfg.S3Endpoint)
	v.Set("s3_access_key_id", cfg.S3AccessKeyID)
	v.Set("s3_secret_access_key", cfg.S3SecretAccessKey)
	v.Set("gcs_anonymous", cfg.GCSAnonymous)
	v.Set("azure_sas_token", cfg.AzureSASToken)
	v.Set("b2_account_id", cfg.B2AccountID)
	v.Set("b2_application_key", cfg.B2ApplicationKey)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "gamepatch.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return "", err
	}

	// The file may hold storage credentials.
	return cfgPath, os.Chmod(cfgPath, 0o600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "gamepatch")
	case "darwin":
		return "/Library/Application Support/gamepatch"
	default:
		return "/etc/gamepatch"
	}
}
