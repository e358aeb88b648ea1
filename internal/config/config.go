package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Intake     IntakeConfig     `yaml:"intake" mapstructure:"intake"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Linker     LinkerConfig     `yaml:"linker" mapstructure:"linker"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IntakeConfig configures document intake.
type IntakeConfig struct {
	// StorageDir is the root under which submitted originals are stored;
	// each record gets its own directory beneath it.
	StorageDir string `yaml:"storage_dir" mapstructure:"storage_dir"`
}

// AnthropicConfig holds Anthropic API settings for the extraction backend.
type AnthropicConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
	// ClassifyModel is the cheap tier used for page classification;
	// ExtractModel is the stronger tier used for structured extraction.
	ClassifyModel string  `yaml:"classify_model" mapstructure:"classify_model"`
	ExtractModel  string  `yaml:"extract_model" mapstructure:"extract_model"`
	RateLimitRPS  float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// OCRConfig configures PDF text extraction.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// PipelineConfig configures the extraction orchestrator and its retry policy.
type PipelineConfig struct {
	MaxRetryAttempts  int    `yaml:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	Workers           int    `yaml:"workers" mapstructure:"workers"`
	PollIntervalSecs  int    `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	StaleAfterMins    int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	LineItemTolerance int64  `yaml:"line_item_tolerance" mapstructure:"line_item_tolerance"`
	DefaultCurrency   string `yaml:"default_currency" mapstructure:"default_currency"`
	InitialBackoffMs  int    `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs      int    `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// LinkerConfig configures invoice/receipt reconciliation.
type LinkerConfig struct {
	// AmountTolerance is in minor currency units.
	AmountTolerance int64 `yaml:"amount_tolerance" mapstructure:"amount_tolerance"`
	// WindowDays is how long after an invoice's issue date a receipt may
	// fall and still match.
	WindowDays int `yaml:"window_days" mapstructure:"window_days"`
	// MaxAgeDays is the age past which an unlinked invoice stops being
	// retried and is flagged abandoned.
	MaxAgeDays int `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// MonitoringConfig configures pipeline health alerting.
type MonitoringConfig struct {
	WebhookURL            string `yaml:"webhook_url" mapstructure:"webhook_url"`
	ReviewVolumeThreshold int    `yaml:"review_volume_threshold" mapstructure:"review_volume_threshold"`
	LookbackHours         int    `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	QueueDepthThreshold   int    `yaml:"queue_depth_threshold" mapstructure:"queue_depth_threshold"`
	CheckIntervalSecs     int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BOOKKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "bookkeeper.db")
	v.SetDefault("intake.storage_dir", "data/intake")
	v.SetDefault("anthropic.classify_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.extract_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.rate_limit_rps", 2.0)
	v.SetDefault("anthropic.timeout_secs", 30)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_ocr_model", "pixtral-large-latest")
	v.SetDefault("pipeline.max_retry_attempts", 3)
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.poll_interval_secs", 5)
	v.SetDefault("pipeline.stale_after_mins", 15)
	v.SetDefault("pipeline.line_item_tolerance", 1)
	v.SetDefault("pipeline.default_currency", "CAD")
	v.SetDefault("pipeline.initial_backoff_ms", 500)
	v.SetDefault("pipeline.max_backoff_ms", 30000)
	v.SetDefault("linker.amount_tolerance", 2)
	v.SetDefault("linker.window_days", 90)
	v.SetDefault("linker.max_age_days", 180)
	v.SetDefault("monitoring.review_volume_threshold", 25)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.queue_depth_threshold", 200)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
