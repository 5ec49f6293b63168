package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mikey/guardmail/internal/core"
)

// Polling interval bounds for a single account
const (
	MinPollInterval = 5 * time.Minute
	MaxPollInterval = 60 * time.Minute
)

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Type       string
	SQLitePath string
	MySQLDSN   string
}

// FeatureConfig configures feature extraction
type FeatureConfig struct {
	MaxBodySize       int
	SuspiciousDomains []string
	ShortenerDomains  []string
}

// EnsembleConfig configures the classifier ensemble
type EnsembleConfig struct {
	Threshold float64
	MaxSpread float64
	Seed      int64
	Weights   map[string]float64
	Trees     int
	TreeDepth int
	SVMEpochs int
	SVMLambda float64
}

// TrainingConfig configures example collection
type TrainingConfig struct {
	AutoLearnConfidence float64
	Window              int
	SeedCorpus          bool
}

// RetrainConfig configures the retrain scheduler
type RetrainConfig struct {
	Interval          time.Duration
	CheckInterval     time.Duration
	FeedbackThreshold int
	MinExamples       int
	HoldoutFraction   float64
	MaxRegression     float64
}

// PollerConfig is the failure policy shared by all account pollers
type PollerConfig struct {
	DefaultInterval     time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxFailures         int
	DegradedMultiplier  int
	DegradedMaxInterval time.Duration
	MaxMessages         int
	DialTimeout         time.Duration
	InsecureSkipVerify  bool
	AllowPlaintext      bool
}

// RulesConfig points at an optional category rule table
type RulesConfig struct {
	Path string
}

// FilterConfig configures the SMTP content filter
type FilterConfig struct {
	Enabled          bool
	Type             string
	ListenAddress    string
	BlockSpam        bool
	SpamHeader       string
	ScoreHeader      string
	ConfidenceHeader string
	CategoryHeader   string
	PostfixAddress   string
	PostfixPort      int
	PostfixEnabled   bool
	SubjectPrefix    string
	ModifySubject    bool
	Timeout          time.Duration
}

// accountEntry is one element of the accounts list
type accountEntry struct {
	ID                  string        `mapstructure:"id"`
	Address             string        `mapstructure:"address"`
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	Security            string        `mapstructure:"security"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	PasswordEnv         string        `mapstructure:"password_env"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	Mailboxes           []string      `mapstructure:"mailboxes"`
	MaxMessagesPerCycle int           `mapstructure:"max_messages_per_cycle"`
	Enabled             *bool         `mapstructure:"enabled"`
}

// GetStore returns the store configuration
func (c *Config) GetStore() StoreConfig {
	return StoreConfig{
		Type:       c.GetString("store.type"),
		SQLitePath: c.GetString("store.sqlite_path"),
		MySQLDSN:   c.GetString("store.mysql_dsn"),
	}
}

// GetFeatures returns the feature extraction configuration
func (c *Config) GetFeatures() FeatureConfig {
	return FeatureConfig{
		MaxBodySize:       c.GetInt("features.max_body_size"),
		SuspiciousDomains: c.GetStringSlice("features.suspicious_domains"),
		ShortenerDomains:  c.GetStringSlice("features.shortener_domains"),
	}
}

// GetEnsemble returns the ensemble configuration
func (c *Config) GetEnsemble() EnsembleConfig {
	weights := make(map[string]float64)
	for kind := range c.v.GetStringMap("ensemble.weights") {
		weights[kind] = c.GetFloat64("ensemble.weights." + kind)
	}
	return EnsembleConfig{
		Threshold: c.GetFloat64("ensemble.threshold"),
		MaxSpread: c.GetFloat64("ensemble.max_spread"),
		Seed:      c.GetInt64("ensemble.seed"),
		Weights:   weights,
		Trees:     c.GetInt("ensemble.trees"),
		TreeDepth: c.GetInt("ensemble.tree_depth"),
		SVMEpochs: c.GetInt("ensemble.svm_epochs"),
		SVMLambda: c.GetFloat64("ensemble.svm_lambda"),
	}
}

// GetTraining returns the training configuration
func (c *Config) GetTraining() TrainingConfig {
	return TrainingConfig{
		AutoLearnConfidence: c.GetFloat64("training.auto_learn_confidence"),
		Window:              c.GetInt("training.window"),
		SeedCorpus:          c.GetBool("training.seed_corpus"),
	}
}

// GetRetrain returns the retrain configuration
func (c *Config) GetRetrain() (RetrainConfig, error) {
	interval, err := c.GetDuration("retrain.interval")
	if err != nil {
		return RetrainConfig{}, err
	}
	check, err := c.GetDuration("retrain.check_interval")
	if err != nil {
		return RetrainConfig{}, err
	}
	return RetrainConfig{
		Interval:          interval,
		CheckInterval:     check,
		FeedbackThreshold: c.GetInt("retrain.feedback_threshold"),
		MinExamples:       c.GetInt("retrain.min_examples"),
		HoldoutFraction:   c.GetFloat64("retrain.holdout_fraction"),
		MaxRegression:     c.GetFloat64("retrain.max_regression"),
	}, nil
}

// GetPoller returns the poller failure policy
func (c *Config) GetPoller() (PollerConfig, error) {
	cfg := PollerConfig{
		MaxFailures:        c.GetInt("poller.max_failures"),
		DegradedMultiplier: c.GetInt("poller.degraded_multiplier"),
		MaxMessages:        c.GetInt("poller.max_messages"),
		InsecureSkipVerify: c.GetBool("poller.insecure_skip_verify"),
		AllowPlaintext:     c.GetBool("poller.allow_plaintext"),
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"poller.default_interval", &cfg.DefaultInterval},
		{"poller.backoff_base", &cfg.BackoffBase},
		{"poller.backoff_max", &cfg.BackoffMax},
		{"poller.degraded_max_interval", &cfg.DegradedMaxInterval},
		{"poller.dial_timeout", &cfg.DialTimeout},
	}
	for _, d := range durations {
		v, err := c.GetDuration(d.key)
		if err != nil {
			return PollerConfig{}, err
		}
		*d.dst = v
	}
	return cfg, nil
}

// GetRules returns the category rule configuration
func (c *Config) GetRules() RulesConfig {
	return RulesConfig{Path: c.GetString("rules.path")}
}

// GetFilter returns the SMTP filter configuration
func (c *Config) GetFilter() FilterConfig {
	timeout, err := c.GetDuration("server.timeout")
	if err != nil {
		timeout = 10 * time.Second
	}
	return FilterConfig{
		Enabled:          c.GetBool("server.enabled"),
		Type:             c.GetString("server.filter_type"),
		ListenAddress:    c.GetString("server.listen_address"),
		BlockSpam:        c.GetBool("server.block_spam"),
		SpamHeader:       c.GetString("server.headers.spam"),
		ScoreHeader:      c.GetString("server.headers.score"),
		ConfidenceHeader: c.GetString("server.headers.confidence"),
		CategoryHeader:   c.GetString("server.headers.category"),
		PostfixAddress:   c.GetString("server.postfix.address"),
		PostfixPort:      c.GetInt("server.postfix.port"),
		PostfixEnabled:   c.GetBool("server.postfix.enabled"),
		SubjectPrefix:    c.GetString("server.subject_prefix"),
		ModifySubject:    c.GetBool("server.modify_subject"),
		Timeout:          timeout,
	}
}

// GetAccounts returns the configured mail accounts. Passwords may be taken
// from the environment variable named by password_env.
func (c *Config) GetAccounts() ([]core.AccountConfig, error) {
	var entries []accountEntry
	if err := c.v.UnmarshalKey("accounts", &entries); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}

	accounts := make([]core.AccountConfig, 0, len(entries))
	for _, e := range entries {
		password := e.Password
		if e.PasswordEnv != "" {
			password = os.Getenv(e.PasswordEnv)
		}
		username := e.Username
		if username == "" {
			username = e.Address
		}
		id := e.ID
		if id == "" {
			id = e.Address
		}
		accounts = append(accounts, core.AccountConfig{
			ID:                  id,
			Address:             e.Address,
			Username:            username,
			Password:            password,
			Host:                e.Host,
			Port:                e.Port,
			Security:            e.Security,
			PollInterval:        e.PollInterval,
			Mailboxes:           e.Mailboxes,
			MaxMessagesPerCycle: e.MaxMessagesPerCycle,
			Enabled:             e.Enabled == nil || *e.Enabled,
		})
	}
	return accounts, nil
}

// Validate checks the configuration for values the components cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch t := c.GetStore().Type; t {
	case "memory", "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported store type: %s", t))
	}

	poller, err := c.GetPoller()
	if err != nil {
		errs = append(errs, err)
	} else {
		if poller.BackoffBase <= 0 || poller.BackoffBase > poller.BackoffMax {
			errs = append(errs, fmt.Errorf("poller backoff base %v must be positive and at most %v", poller.BackoffBase, poller.BackoffMax))
		}
		if poller.MaxFailures < 1 {
			errs = append(errs, errors.New("poller.max_failures must be at least 1"))
		}
		errs = append(errs, checkInterval("poller.default_interval", poller.DefaultInterval))
	}

	accounts, err := c.GetAccounts()
	if err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool)
	for _, a := range accounts {
		if a.ID == "" {
			errs = append(errs, errors.New("account without id or address"))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate account %s", a.ID))
		}
		seen[a.ID] = true
		if a.Host == "" {
			errs = append(errs, fmt.Errorf("account %s: host is required", a.ID))
		}
		if a.PollInterval != 0 {
			errs = append(errs, checkInterval("account "+a.ID+" poll_interval", a.PollInterval))
		}
		if a.Plaintext() && !poller.AllowPlaintext {
			errs = append(errs, fmt.Errorf("account %s: security %q sends credentials in cleartext; set poller.allow_plaintext to permit it", a.ID, a.Security))
		}
	}

	ens := c.GetEnsemble()
	if ens.Threshold <= 0 || ens.Threshold >= 1 {
		errs = append(errs, fmt.Errorf("ensemble.threshold %v must be in (0, 1)", ens.Threshold))
	}
	if ens.MaxSpread < 0 || ens.MaxSpread > 1 {
		errs = append(errs, fmt.Errorf("ensemble.max_spread %v must be in [0, 1]", ens.MaxSpread))
	}
	total := 0.0
	for kind, w := range ens.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("ensemble weight for %s is negative", kind))
		}
		total += w
	}
	if total <= 0 {
		errs = append(errs, errors.New("ensemble weights must not all be zero"))
	}

	retrain, err := c.GetRetrain()
	if err != nil {
		errs = append(errs, err)
	} else {
		if retrain.HoldoutFraction <= 0 || retrain.HoldoutFraction >= 1 {
			errs = append(errs, fmt.Errorf("retrain.holdout_fraction %v must be in (0, 1)", retrain.HoldoutFraction))
		}
		if retrain.MaxRegression < 0 || retrain.MaxRegression > 1 {
			errs = append(errs, fmt.Errorf("retrain.max_regression %v must be in [0, 1]", retrain.MaxRegression))
		}
	}

	if conf := c.GetTraining().AutoLearnConfidence; conf < 0 || conf > 1 {
		errs = append(errs, fmt.Errorf("training.auto_learn_confidence %v must be in [0, 1]", conf))
	}

	return errors.Join(errs...)
}

func checkInterval(name string, d time.Duration) error {
	if d < MinPollInterval || d > MaxPollInterval {
		return fmt.Errorf("%s %v must be between %v and %v", name, d, MinPollInterval, MaxPollInterval)
	}
	return nil
}
