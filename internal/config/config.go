package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Logging     LoggingConfig     `json:"logging"`
	Redis       RedisConfig       `json:"redis"`
	API         APIConfig         `json:"api"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Normalizer  NormalizerConfig  `json:"normalizer"`
	Correlation CorrelationConfig `json:"correlation"`
	Enrichment  EnrichmentConfig  `json:"enrichment"`
	Runbook     RunbookConfig     `json:"runbook"`
	Rollback    RollbackConfig    `json:"rollback"`
	Notifier    NotifierConfig    `json:"notifier"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the config as a key/value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type APIConfig struct {
	Bearer string `json:"bearer"` // static token; empty disables auth
}

type PipelineConfig struct {
	EventChanSize     int    `json:"eventChanSize"`
	Workers           int    `json:"workers"`
	ObservationWindow string `json:"observationWindow"` // e.g. "15m"
}

type NormalizerConfig struct {
	SuppressionWindow string `json:"suppressionWindow"` // e.g. "5m"
}

type CorrelationConfig struct {
	Window    string   `json:"window"`    // sliding window, e.g. "10m"
	HardCap   string   `json:"hardCap"`   // cap from incident creation, e.g. "1h"
	KeyLabels []string `json:"keyLabels"` // labels tried in order for the key
}

type EnrichmentConfig struct {
	DeployAPIBase string `json:"deployAPIBase"`
	FlagsAPIBase  string `json:"flagsAPIBase"`
	PrometheusURL string `json:"prometheusURL"`
	Timeout       string `json:"timeout"` // per provider call, e.g. "30s"
}

type RunbookConfig struct {
	ConfigFile      string `json:"configFile"`      // YAML runbook definitions
	ExecutorURL     string `json:"executorURL"`     // ops executor endpoint, optional
	StepTimeout     string `json:"stepTimeout"`     // per command, e.g. "30s"
	AutoMitigateMax string `json:"autoMitigateMax"` // most severe level still auto-mitigated
	RetryCount      int    `json:"retryCount"`      // extra attempts per failed mitigation step
	RetryBackoff    string `json:"retryBackoff"`    // base backoff, doubled each retry
	AttemptCap      int    `json:"attemptCap"`      // hard ceiling on attempts per step
}

type RollbackConfig struct {
	EvalWindow         string  `json:"evalWindow"`         // trigger evaluation window
	ErrorRateThreshold float64 `json:"errorRateThreshold"` // 0..1
	LatencyFactor      float64 `json:"latencyFactor"`      // p99 vs rolling baseline
	CrashLoopThreshold int     `json:"crashLoopThreshold"`
	HealthFailureRatio float64 `json:"healthFailureRatio"` // 0..1
	MinDeployAge       string  `json:"minDeployAge"`
	MaxDeployAge       string  `json:"maxDeployAge"`
	MinTrafficFraction float64 `json:"minTrafficFraction"` // 0..1
	MaxAutoPerWindow   int     `json:"maxAutoPerWindow"`   // anti-thrash count
	ThrashWindow       string  `json:"thrashWindow"`       // rolling period, e.g. "24h"
	LockTimeout        string  `json:"lockTimeout"`        // per-service execution lock wait
	VerifyWindow       string  `json:"verifyWindow"`       // post-rollback verification
	RollbackURL        string  `json:"rollbackURL"`        // executor endpoint, optional
}

type NotifierConfig struct {
	PolicyFile     string `json:"policyFile"` // YAML severity/role/channel/delay matrix
	MaxRetries     int    `json:"maxRetries"`
	RetryBackoff   string `json:"retryBackoff"` // base backoff, doubled each retry
	BatchWindow    string `json:"batchWindow"`  // storm collapse interval
	PagerURL       string `json:"pagerURL"`
	WebhookURL     string `json:"webhookURL"`
	SMTPAddr       string `json:"smtpAddr"`
	SMTPFrom       string `json:"smtpFrom"`
	TelegramToken  string `json:"telegramToken"`
	TelegramChatID int64  `json:"telegramChatID"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "incidentd"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		API: APIConfig{
			Bearer: getEnv("API_BEARER", ""),
		},
		Pipeline: PipelineConfig{
			EventChanSize:     getEnvInt("PIPELINE_EVENT_CHAN_SIZE", 1024),
			Workers:           getEnvInt("PIPELINE_WORKERS", 4),
			ObservationWindow: getEnv("PIPELINE_OBSERVATION_WINDOW", "15m"),
		},
		Normalizer: NormalizerConfig{
			SuppressionWindow: getEnv("ALERT_SUPPRESSION_WINDOW", "5m"),
		},
		Correlation: CorrelationConfig{
			Window:    getEnv("CORRELATION_WINDOW", "10m"),
			HardCap:   getEnv("CORRELATION_HARD_CAP", "1h"),
			KeyLabels: splitList(getEnv("CORRELATION_KEY_LABELS", "service,component")),
		},
		Enrichment: EnrichmentConfig{
			DeployAPIBase: getEnv("DEPLOY_API_BASE", "http://localhost:8090"),
			FlagsAPIBase:  getEnv("FLAGS_API_BASE", ""),
			PrometheusURL: getEnv("PROMETHEUS_URL", "http://localhost:9090"),
			Timeout:       getEnv("ENRICHMENT_TIMEOUT", "30s"),
		},
		Runbook: RunbookConfig{
			ConfigFile:      getEnv("RUNBOOK_CONFIG_FILE", "configs/runbooks.yaml"),
			ExecutorURL:     getEnv("RUNBOOK_EXECUTOR_URL", ""),
			StepTimeout:     getEnv("RUNBOOK_STEP_TIMEOUT", "30s"),
			AutoMitigateMax: getEnv("RUNBOOK_AUTO_MITIGATE_MAX", "P2"),
			RetryCount:      getEnvInt("RUNBOOK_RETRY_COUNT", 1),
			RetryBackoff:    getEnv("RUNBOOK_RETRY_BACKOFF", "5s"),
			AttemptCap:      getEnvInt("RUNBOOK_ATTEMPT_CAP", 3),
		},
		Rollback: RollbackConfig{
			EvalWindow:         getEnv("ROLLBACK_EVAL_WINDOW", "5m"),
			ErrorRateThreshold: getEnvFloat("ROLLBACK_ERROR_RATE_THRESHOLD", 0.5),
			LatencyFactor:      getEnvFloat("ROLLBACK_LATENCY_FACTOR", 3),
			CrashLoopThreshold: getEnvInt("ROLLBACK_CRASH_LOOP_THRESHOLD", 3),
			HealthFailureRatio: getEnvFloat("ROLLBACK_HEALTH_FAILURE_RATIO", 0.5),
			MinDeployAge:       getEnv("ROLLBACK_MIN_DEPLOY_AGE", "5m"),
			MaxDeployAge:       getEnv("ROLLBACK_MAX_DEPLOY_AGE", "2h"),
			MinTrafficFraction: getEnvFloat("ROLLBACK_MIN_TRAFFIC_FRACTION", 0.1),
			MaxAutoPerWindow:   getEnvInt("ROLLBACK_MAX_AUTO_PER_WINDOW", 2),
			ThrashWindow:       getEnv("ROLLBACK_THRASH_WINDOW", "24h"),
			LockTimeout:        getEnv("ROLLBACK_LOCK_TIMEOUT", "5m"),
			VerifyWindow:       getEnv("ROLLBACK_VERIFY_WINDOW", "5m"),
			RollbackURL:        getEnv("ROLLBACK_URL", ""),
		},
		Notifier: NotifierConfig{
			PolicyFile:     getEnv("NOTIFY_POLICY_FILE", "configs/notifications.yaml"),
			MaxRetries:     getEnvInt("NOTIFY_MAX_RETRIES", 3),
			RetryBackoff:   getEnv("NOTIFY_RETRY_BACKOFF", "2s"),
			BatchWindow:    getEnv("NOTIFY_BATCH_WINDOW", "60s"),
			PagerURL:       getEnv("NOTIFY_PAGER_URL", ""),
			WebhookURL:     getEnv("NOTIFY_WEBHOOK_URL", ""),
			SMTPAddr:       getEnv("NOTIFY_SMTP_ADDR", ""),
			SMTPFrom:       getEnv("NOTIFY_SMTP_FROM", ""),
			TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID: getEnvInt64("TELEGRAM_CHAT_ID", 0),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Pipeline.EventChanSize == 0 {
		cfg.Pipeline.EventChanSize = 1024
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.ObservationWindow == "" {
		cfg.Pipeline.ObservationWindow = "15m"
	}
	if cfg.Normalizer.SuppressionWindow == "" {
		cfg.Normalizer.SuppressionWindow = "5m"
	}
	if cfg.Correlation.Window == "" {
		cfg.Correlation.Window = "10m"
	}
	if cfg.Correlation.HardCap == "" {
		cfg.Correlation.HardCap = "1h"
	}
	if len(cfg.Correlation.KeyLabels) == 0 {
		cfg.Correlation.KeyLabels = []string{"service", "component"}
	}
	if cfg.Enrichment.Timeout == "" {
		cfg.Enrichment.Timeout = "30s"
	}
	if cfg.Runbook.StepTimeout == "" {
		cfg.Runbook.StepTimeout = "30s"
	}
	if cfg.Runbook.AutoMitigateMax == "" {
		cfg.Runbook.AutoMitigateMax = "P2"
	}
	if cfg.Runbook.RetryBackoff == "" {
		cfg.Runbook.RetryBackoff = "5s"
	}
	if cfg.Runbook.AttemptCap == 0 {
		cfg.Runbook.AttemptCap = 3
	}
	if cfg.Rollback.EvalWindow == "" {
		cfg.Rollback.EvalWindow = "5m"
	}
	if cfg.Rollback.ErrorRateThreshold == 0 {
		cfg.Rollback.ErrorRateThreshold = 0.5
	}
	if cfg.Rollback.LatencyFactor == 0 {
		cfg.Rollback.LatencyFactor = 3
	}
	if cfg.Rollback.CrashLoopThreshold == 0 {
		cfg.Rollback.CrashLoopThreshold = 3
	}
	if cfg.Rollback.HealthFailureRatio == 0 {
		cfg.Rollback.HealthFailureRatio = 0.5
	}
	if cfg.Rollback.MinDeployAge == "" {
		cfg.Rollback.MinDeployAge = "5m"
	}
	if cfg.Rollback.MaxDeployAge == "" {
		cfg.Rollback.MaxDeployAge = "2h"
	}
	if cfg.Rollback.MinTrafficFraction == 0 {
		cfg.Rollback.MinTrafficFraction = 0.1
	}
	if cfg.Rollback.MaxAutoPerWindow == 0 {
		cfg.Rollback.MaxAutoPerWindow = 2
	}
	if cfg.Rollback.ThrashWindow == "" {
		cfg.Rollback.ThrashWindow = "24h"
	}
	if cfg.Rollback.LockTimeout == "" {
		cfg.Rollback.LockTimeout = "5m"
	}
	if cfg.Rollback.VerifyWindow == "" {
		cfg.Rollback.VerifyWindow = "5m"
	}
	if cfg.Notifier.MaxRetries == 0 {
		cfg.Notifier.MaxRetries = 3
	}
	if cfg.Notifier.RetryBackoff == "" {
		cfg.Notifier.RetryBackoff = "2s"
	}
	if cfg.Notifier.BatchWindow == "" {
		cfg.Notifier.BatchWindow = "60s"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
