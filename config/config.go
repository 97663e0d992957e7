// Package config loads the control plane's configuration surface
// (spec.md §6) from environment variables and an optional YAML file,
// using ilyakaznacheev/cleanenv as the teacher's pack does for process
// configuration, and builds the process-wide zerolog.Logger.
package config

import (
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog"
)

// Config mirrors spec.md §6's configuration surface table exactly.
type Config struct {
	DataDir string `yaml:"data_dir" env:"CLUSTERFORGE_DATA_DIR" env-default:"./data"`
	LogLevel string `yaml:"log_level" env:"CLUSTERFORGE_LOG_LEVEL" env-default:"info"`

	PortRangeLo int `yaml:"port_range_lo" env:"CLUSTERFORGE_PORT_RANGE_LO" env-default:"20000"`
	PortRangeHi int `yaml:"port_range_hi" env:"CLUSTERFORGE_PORT_RANGE_HI" env-default:"30000"`

	TemplatesRoot  string `yaml:"templates_root" env:"CLUSTERFORGE_TEMPLATES_ROOT" env-default:"./templates"`
	WorkspacesRoot string `yaml:"workspaces_root" env:"CLUSTERFORGE_WORKSPACES_ROOT" env-default:"./workspaces"`
	BackupsRoot    string `yaml:"backups_root" env:"CLUSTERFORGE_BACKUPS_ROOT" env-default:"./backups"`

	HealthIntervalMS int    `yaml:"health_interval_ms" env:"CLUSTERFORGE_HEALTH_INTERVAL_MS" env-default:"30000"`
	HealthTimeoutMS  int    `yaml:"health_timeout_ms" env:"CLUSTERFORGE_HEALTH_TIMEOUT_MS" env-default:"3000"`
	HealthHTTPPath   string `yaml:"health_http_path" env:"CLUSTERFORGE_HEALTH_HTTP_PATH" env-default:""`

	RecoveryMaxAttempts    int `yaml:"recovery_max_attempts" env:"CLUSTERFORGE_RECOVERY_MAX_ATTEMPTS" env-default:"5"`
	RecoveryRetryIntervalS int `yaml:"recovery_retry_interval_s" env:"CLUSTERFORGE_RECOVERY_RETRY_INTERVAL_S" env-default:"5"`
	RecoveryCooldownS      int `yaml:"recovery_cooldown_s" env:"CLUSTERFORGE_RECOVERY_COOLDOWN_S" env-default:"60"`

	MetricsIntervalMS      int     `yaml:"metrics_interval_ms" env:"CLUSTERFORGE_METRICS_INTERVAL_MS" env-default:"5000"`
	MetricsHistorySize     int     `yaml:"metrics_history_size" env:"CLUSTERFORGE_METRICS_HISTORY_SIZE" env-default:"1000"`
	MetricsChangeEpsilonPct float64 `yaml:"metrics_change_epsilon_pct" env:"CLUSTERFORGE_METRICS_CHANGE_EPSILON_PCT" env-default:"1.0"`
	MetricsMaxSilenceMS    int     `yaml:"metrics_max_silence_ms" env:"CLUSTERFORGE_METRICS_MAX_SILENCE_MS" env-default:"30000"`

	BackupSchedulerTickMS     int  `yaml:"backup_scheduler_tick_ms" env:"CLUSTERFORGE_BACKUP_SCHEDULER_TICK_MS" env-default:"60000"`
	BackupDefaultEnabled      bool `yaml:"backup_default_enabled" env:"CLUSTERFORGE_BACKUP_DEFAULT_ENABLED" env-default:"false"`
	BackupDefaultIntervalH    int  `yaml:"backup_default_interval_h" env:"CLUSTERFORGE_BACKUP_DEFAULT_INTERVAL_H" env-default:"24"`
	BackupDefaultRetentionD   int  `yaml:"backup_default_retention_d" env:"CLUSTERFORGE_BACKUP_DEFAULT_RETENTION_D" env-default:"14"`
	BackupDefaultMaxBackups   int  `yaml:"backup_default_max_backups" env:"CLUSTERFORGE_BACKUP_DEFAULT_MAX_BACKUPS" env-default:"10"`

	RuntimeTimeoutMS      int `yaml:"runtime_timeout_ms" env:"CLUSTERFORGE_RUNTIME_TIMEOUT_MS" env-default:"10000"`
	RuntimeStatsTimeoutMS int `yaml:"runtime_stats_timeout_ms" env:"CLUSTERFORGE_RUNTIME_STATS_TIMEOUT_MS" env-default:"5000"`

	BoltPath string `yaml:"bolt_path" env:"CLUSTERFORGE_BOLT_PATH" env-default:"./data/clusterforge.db"`
}

// Load reads path (if it exists) then overlays environment variables,
// mirroring the teacher's cleanenv-based startup.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Logger builds the process-wide structured logger at the configured level.
func (c Config) Logger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().Timestamp().Logger()
}
