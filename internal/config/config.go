package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	v *viper.Viper
}

// New creates a new configuration instance from the default search paths
func New() (*Config, error) {
	return Load("")
}

// Load creates a configuration instance. An explicit path must exist; without
// one the search paths are tried and a missing file means defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/guardmail/")
		v.AddConfigPath("$HOME/.guardmail")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("GUARDMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, using defaults
	}

	return &Config{v: v}, nil
}

// NewFromViper creates a new configuration instance from an existing Viper instance
func NewFromViper(v *viper.Viper) *Config {
	return &Config{v: v}
}

// NewEmptyViper creates a new Viper instance with defaults
func NewEmptyViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// setDefaults sets the default configuration values
func setDefaults(v *viper.Viper) {
	// Store defaults
	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.sqlite_path", "/data/guardmail.db")
	v.SetDefault("store.mysql_dsn", "user:password@tcp(localhost:3306)/guardmail")

	// Feature extraction defaults
	v.SetDefault("features.max_body_size", 65536)
	v.SetDefault("features.suspicious_domains", []string{"phishing.com", "scam.com"})
	v.SetDefault("features.shortener_domains", []string{"bit.ly", "tinyurl.com", "goo.gl", "t.co", "ow.ly", "is.gd"})

	// Ensemble defaults
	v.SetDefault("ensemble.threshold", 0.5)
	v.SetDefault("ensemble.max_spread", 0.4)
	v.SetDefault("ensemble.seed", 42)
	v.SetDefault("ensemble.weights.naive_bayes", 1.0)
	v.SetDefault("ensemble.weights.linear_svm", 1.0)
	v.SetDefault("ensemble.weights.bagged_trees", 1.0)
	v.SetDefault("ensemble.trees", 15)
	v.SetDefault("ensemble.tree_depth", 5)
	v.SetDefault("ensemble.svm_epochs", 20)
	v.SetDefault("ensemble.svm_lambda", 0.01)

	// Training defaults
	v.SetDefault("training.auto_learn_confidence", 0.95)
	v.SetDefault("training.window", 10000)
	v.SetDefault("training.seed_corpus", true)

	// Retrain defaults
	v.SetDefault("retrain.interval", "24h")
	v.SetDefault("retrain.check_interval", "1m")
	v.SetDefault("retrain.feedback_threshold", 50)
	v.SetDefault("retrain.min_examples", 40)
	v.SetDefault("retrain.holdout_fraction", 0.2)
	v.SetDefault("retrain.max_regression", 0.02)

	// Poller defaults
	v.SetDefault("poller.default_interval", "5m")
	v.SetDefault("poller.backoff_base", "30s")
	v.SetDefault("poller.backoff_max", "30m")
	v.SetDefault("poller.max_failures", 5)
	v.SetDefault("poller.degraded_multiplier", 4)
	v.SetDefault("poller.degraded_max_interval", "4h")
	v.SetDefault("poller.max_messages", 50)
	v.SetDefault("poller.dial_timeout", "30s")
	v.SetDefault("poller.insecure_skip_verify", false)
	v.SetDefault("poller.allow_plaintext", false)

	// Category rules
	v.SetDefault("rules.path", "")

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.filter_type", "postfix")
	v.SetDefault("server.listen_address", "0.0.0.0:10025")
	v.SetDefault("server.block_spam", false)
	v.SetDefault("server.headers.spam", "X-Spam-Status")
	v.SetDefault("server.headers.score", "X-Spam-Score")
	v.SetDefault("server.headers.confidence", "X-Spam-Confidence")
	v.SetDefault("server.headers.category", "X-Spam-Category")
	v.SetDefault("server.postfix.address", "127.0.0.1")
	v.SetDefault("server.postfix.port", 10026)
	v.SetDefault("server.postfix.enabled", true)
	v.SetDefault("server.subject_prefix", "[**SPAM**] ")
	v.SetDefault("server.modify_subject", false)
	v.SetDefault("server.timeout", "10s")

	// CLI defaults
	v.SetDefault("cli.verbose", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// GetString gets a string value from the configuration
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt gets an integer value from the configuration
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetInt64 gets an int64 value from the configuration
func (c *Config) GetInt64(key string) int64 {
	return c.v.GetInt64(key)
}

// GetFloat64 gets a float64 value from the configuration
func (c *Config) GetFloat64(key string) float64 {
	return c.v.GetFloat64(key)
}

// GetBool gets a boolean value from the configuration
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetStringSlice gets a string slice value from the configuration
func (c *Config) GetStringSlice(key string) []string {
	return c.v.GetStringSlice(key)
}

// GetDuration gets a duration value from the configuration
func (c *Config) GetDuration(key string) (time.Duration, error) {
	d, err := time.ParseDuration(c.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return d, nil
}

// GetViper returns the underlying Viper instance
func (c *Config) GetViper() *viper.Viper {
	return c.v
}
