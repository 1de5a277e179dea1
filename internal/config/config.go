// Package config loads coordinator runtime configuration from YAML,
// the way the teacher's config package loads task-manager settings:
// a Default(), a Load(path) that falls back to defaults on a missing
// file, and field-level validation on load.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort                  = 8080
	defaultDataDir               = "storage/rounds"
	defaultBatchSize             = 8
	defaultMaxBatchSize          = 1000
	defaultReportIntervalMinutes = 240
	defaultSweepIntervalSeconds  = 30
	defaultTaskFailureThreshold  = 3 // legacy; unused by the one-retry sweep, see spec §9
)

// Config describes runtime configuration for the coordinator service.
type Config struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`

	DefaultBatchSize            int    `yaml:"default_batch_size"`
	MaxBatchSize                int    `yaml:"max_batch_size"`
	FeishuWebhookURL            string `yaml:"feishu_webhook_url"`
	FeishuReportIntervalMinutes int    `yaml:"feishu_report_interval_minutes"`

	// TaskFailureThreshold is a recognized legacy setting kept for
	// compatibility. It is never consulted by the timeout sweep, which
	// always applies the single-retry policy regardless of this value.
	TaskFailureThreshold int `yaml:"task_failure_threshold"`

	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// Default returns sane defaults.
func Default() Config {
	return Config{
		Port:                        defaultPort,
		DataDir:                     defaultDataDir,
		DefaultBatchSize:            defaultBatchSize,
		MaxBatchSize:                defaultMaxBatchSize,
		FeishuReportIntervalMinutes: defaultReportIntervalMinutes,
		TaskFailureThreshold:        defaultTaskFailureThreshold,
		SweepIntervalSeconds:        defaultSweepIntervalSeconds,
	}
}

// Load reads YAML config from the provided path. If the file does not
// exist or is empty, defaults are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(fileData, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = defaultSweepIntervalSeconds
	}

	if err := Validate(cfg.DefaultBatchSize, cfg.MaxBatchSize, cfg.FeishuWebhookURL, cfg.FeishuReportIntervalMinutes); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate applies the same rules updateConfig enforces at runtime:
// batch sizes >=1, default <= max, webhook is https:// or empty,
// interval >=0.
func Validate(defaultBatchSize, maxBatchSize int, webhookURL string, reportIntervalMinutes int) error {
	if defaultBatchSize < 1 {
		return fmt.Errorf("invalid default_batch_size: %d (must be >= 1)", defaultBatchSize)
	}
	if maxBatchSize < 1 {
		return fmt.Errorf("invalid max_batch_size: %d (must be >= 1)", maxBatchSize)
	}
	if defaultBatchSize > maxBatchSize {
		return fmt.Errorf("default_batch_size %d exceeds max_batch_size %d", defaultBatchSize, maxBatchSize)
	}
	if webhookURL != "" && !strings.HasPrefix(webhookURL, "https://") {
		return errors.New("feishu_webhook_url must be an https:// url or empty")
	}
	if reportIntervalMinutes < 0 {
		return fmt.Errorf("invalid feishu_report_interval_minutes: %d (must be >= 0)", reportIntervalMinutes)
	}
	return nil
}
