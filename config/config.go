package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Priceflow   PriceflowConfig   `yaml:"priceflow"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Suggestion  SuggestionConfig  `yaml:"suggestion"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type PriceflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer  int `yaml:"raw_buffer"`
	NormBuffer int `yaml:"norm_buffer"`
}

type IngestConfig struct {
	// InputDirs are scanned recursively for scrape artifacts (CSV, JSON,
	// JSON-lines). Already-ingested files are skipped by fingerprint.
	InputDirs       []string `yaml:"input_dirs"`
	InternalCSV     string   `yaml:"internal_csv"`
	RulesFile       string   `yaml:"rules_file"`
	DemandJSON      string   `yaml:"demand_json"`
	SkipFingerprint bool     `yaml:"skip_fingerprint"`
}

type ProcessorConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type AggregationConfig struct {
	// TrimOutliers switches media_correta from the median to the p10-p90
	// trimmed mean; excluded counts are recorded on each summary.
	TrimOutliers     bool   `yaml:"trim_outliers"`
	EvidenceMaxFiles int    `yaml:"evidence_max_files"`
	IncludeDegraded  bool   `yaml:"include_degraded"`
	DailyPriceMin    string `yaml:"daily_price_min"`
	DailyPriceMax    string `yaml:"daily_price_max"`
}

type SuggestionConfig struct {
	DefaultMargin     float64 `yaml:"default_margin"`
	LowStockThreshold int     `yaml:"low_stock_threshold"`
	StockBiasPct      float64 `yaml:"stock_bias_pct"`
	AdjustGain        float64 `yaml:"adjust_gain"`
	MaxAdjustPct      float64 `yaml:"max_adjust_pct"`
	// SignificanceMinListings below which Confidence is discounted by
	// SignificanceDiscount; 0 disables the discount.
	SignificanceMinListings int     `yaml:"significance_min_listings"`
	SignificanceDiscount    float64 `yaml:"significance_discount"`
	NoEvidenceConfidence    float64 `yaml:"no_evidence_confidence"`
	CharmPrices             *bool   `yaml:"charm_prices"`
}

type StorageConfig struct {
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Parquet ParquetConfig `yaml:"parquet"`
	S3      S3Config      `yaml:"s3"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type ParquetConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	TimeFormat string `yaml:"time_format"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	CloudWatch    bool   `yaml:"cloudwatch"`
	DashboardName string `yaml:"dashboard_name"`
}

// CharmEnabled reports whether suggested prices settle on a .90 ending.
// Defaults to on when the field is omitted.
func (s SuggestionConfig) CharmEnabled() bool {
	return s.CharmPrices == nil || *s.CharmPrices
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.RawBuffer <= 0 {
		cfg.Channels.RawBuffer = 100
	}
	if cfg.Channels.NormBuffer <= 0 {
		cfg.Channels.NormBuffer = 100
	}
	if cfg.Processor.MaxWorkers <= 0 {
		cfg.Processor.MaxWorkers = 4
	}
	if cfg.Processor.BatchTimeout <= 0 {
		cfg.Processor.BatchTimeout = 5 * time.Second
	}
	if cfg.Aggregation.EvidenceMaxFiles <= 0 {
		cfg.Aggregation.EvidenceMaxFiles = 32
	}
	if cfg.Suggestion.DefaultMargin <= 0 {
		cfg.Suggestion.DefaultMargin = 0.35
	}
	if cfg.Suggestion.LowStockThreshold <= 0 {
		cfg.Suggestion.LowStockThreshold = 5
	}
	if cfg.Suggestion.StockBiasPct <= 0 {
		cfg.Suggestion.StockBiasPct = 0.05
	}
	if cfg.Suggestion.AdjustGain <= 0 {
		cfg.Suggestion.AdjustGain = 0.10
	}
	if cfg.Suggestion.MaxAdjustPct <= 0 {
		cfg.Suggestion.MaxAdjustPct = 0.10
	}
	if cfg.Suggestion.SignificanceDiscount <= 0 {
		cfg.Suggestion.SignificanceDiscount = 0.5
	}
	if cfg.Suggestion.NoEvidenceConfidence <= 0 {
		cfg.Suggestion.NoEvidenceConfidence = 0.2
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/processed/pricing.db"
	}
	if cfg.Storage.Parquet.TimeFormat == "" {
		cfg.Storage.Parquet.TimeFormat = "date={year}-{month}-{day}"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Priceflow.Name == "" {
		return fmt.Errorf("priceflow.name is required")
	}

	if cfg.Priceflow.Version == "" {
		return fmt.Errorf("priceflow.version is required")
	}

	if len(cfg.Ingest.InputDirs) == 0 {
		return fmt.Errorf("ingest.input_dirs must list at least one directory")
	}

	if cfg.Suggestion.StockBiasPct >= 1 {
		return fmt.Errorf("suggestion.stock_bias_pct must be a fraction below 1")
	}
	if cfg.Suggestion.MaxAdjustPct >= 1 {
		return fmt.Errorf("suggestion.max_adjust_pct must be a fraction below 1")
	}

	if (cfg.Aggregation.DailyPriceMin == "") != (cfg.Aggregation.DailyPriceMax == "") {
		return fmt.Errorf("aggregation.daily_price_min and daily_price_max must be set together")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if !cfg.Storage.Parquet.Enabled {
			return fmt.Errorf("storage.s3 requires storage.parquet.enabled")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
