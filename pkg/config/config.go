package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vigilops/fleetguard/pkg/risk"
)

// Config is the top-level configuration struct for the application. Tags are
// used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	APIPort   string          `mapstructure:"api_port"`
	Collector CollectorConfig `mapstructure:"collector"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
}

// CollectorConfig controls the local telemetry self-sampling loop.
type CollectorConfig struct {
	DeviceID string `mapstructure:"device_id"`
	Interval string `mapstructure:"interval"`
}

// AnalyticsConfig holds baseline learning and detection thresholds.
type AnalyticsConfig struct {
	LearningWindowDays int     `mapstructure:"learning_window_days"`
	MinSamples         int     `mapstructure:"min_samples"`
	BaselineMaxAgeDays int     `mapstructure:"baseline_max_age_days"`
	ZScoreThreshold    float64 `mapstructure:"z_score_threshold"`
	TopNetworks        int     `mapstructure:"top_networks"`
	TopProcesses       int     `mapstructure:"top_processes"`
	FailedAuthLimit    int     `mapstructure:"failed_auth_limit"`
	ConnectionLimit    int     `mapstructure:"connection_limit"`
	DiskUsageLimit     float64 `mapstructure:"disk_usage_limit"`
	ModelThreshold     float64 `mapstructure:"model_threshold"`
}

// RiskConfig holds the risk assessor's weights and level cut points.
type RiskConfig struct {
	Weights          risk.Weights    `mapstructure:"weights"`
	Thresholds       risk.Thresholds `mapstructure:"thresholds"`
	MinimumOSVersion string          `mapstructure:"minimum_os_version"`
	TrustedNetworks  []string        `mapstructure:"trusted_networks"`
}

// AlertingConfig controls which results reach the alert sinks.
type AlertingConfig struct {
	MinAnomalySeverity string `mapstructure:"min_anomaly_severity"`
	MinRiskLevel       string `mapstructure:"min_risk_level"`
}

// LearningWindow returns the baseline learning window as a duration.
func (a AnalyticsConfig) LearningWindow() time.Duration {
	return time.Duration(a.LearningWindowDays) * 24 * time.Hour
}

// BaselineMaxAge returns the baseline staleness cutoff as a duration.
func (a AnalyticsConfig) BaselineMaxAge() time.Duration {
	return time.Duration(a.BaselineMaxAgeDays) * 24 * time.Hour
}

// Validate fails fast on invariant violations. Weight and threshold
// violations are fatal at load time so they can never surface mid-assessment.
func (c *Config) Validate() error {
	if c.Analytics.LearningWindowDays <= 0 {
		return fmt.Errorf("config: analytics.learning_window_days must be positive")
	}
	if c.Analytics.MinSamples <= 0 {
		return fmt.Errorf("config: analytics.min_samples must be positive")
	}
	if c.Analytics.ZScoreThreshold <= 0 {
		return fmt.Errorf("config: analytics.z_score_threshold must be positive")
	}
	if c.Analytics.ModelThreshold <= 0 || c.Analytics.ModelThreshold >= 1 {
		return fmt.Errorf("config: analytics.model_threshold must be in (0, 1)")
	}

	riskCfg := risk.Config{
		Weights:          c.Risk.Weights,
		Thresholds:       c.Risk.Thresholds,
		MinimumOSVersion: c.Risk.MinimumOSVersion,
	}
	if err := riskCfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

// LoadConfig reads the configuration from a YAML file (config.yaml) and
// environment variables, using Viper for defaults and overrides, then
// validates it.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/fleetguard/")

	setDefaults(v)

	v.SetEnvPrefix("FLEETGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("api_port", "8080")

	v.SetDefault("collector.device_id", "")
	v.SetDefault("collector.interval", "5m")

	v.SetDefault("analytics.learning_window_days", 30)
	v.SetDefault("analytics.min_samples", 10)
	v.SetDefault("analytics.baseline_max_age_days", 7)
	v.SetDefault("analytics.z_score_threshold", 3.0)
	v.SetDefault("analytics.top_networks", 10)
	v.SetDefault("analytics.top_processes", 20)
	v.SetDefault("analytics.failed_auth_limit", 10)
	v.SetDefault("analytics.connection_limit", 100)
	v.SetDefault("analytics.disk_usage_limit", 95)
	v.SetDefault("analytics.model_threshold", 0.7)

	v.SetDefault("risk.weights.security_posture", 0.40)
	v.SetDefault("risk.weights.compliance", 0.30)
	v.SetDefault("risk.weights.behavioral", 0.20)
	v.SetDefault("risk.weights.threat_indicators", 0.10)
	v.SetDefault("risk.thresholds.critical", 90)
	v.SetDefault("risk.thresholds.high", 75)
	v.SetDefault("risk.thresholds.medium", 50)
	v.SetDefault("risk.thresholds.low", 25)
	v.SetDefault("risk.minimum_os_version", "13.0")
	v.SetDefault("risk.trusted_networks", []string{})

	v.SetDefault("alerting.min_anomaly_severity", "medium")
	v.SetDefault("alerting.min_risk_level", "high")
}
