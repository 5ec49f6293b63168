package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}

	poller, err := cfg.GetPoller()
	if err != nil {
		t.Fatal(err)
	}
	if poller.BackoffBase != 30*time.Second || poller.BackoffMax != 30*time.Minute || poller.MaxFailures != 5 {
		t.Errorf("poller defaults = %+v", poller)
	}
	ens := cfg.GetEnsemble()
	if len(ens.Weights) != 3 || ens.Weights["linear_svm"] != 1 {
		t.Errorf("ensemble weights = %v", ens.Weights)
	}
}

func TestLoadAccounts(t *testing.T) {
	t.Setenv("WORK_IMAP_PASSWORD", "from-env")
	path := writeConfig(t, `
store:
  type: memory
accounts:
  - id: work
    address: bob@example.com
    host: imap.example.com
    port: 993
    password_env: WORK_IMAP_PASSWORD
    poll_interval: 10m
    mailboxes: [INBOX, Junk]
  - address: alice@example.org
    host: mail.example.org
    password: inline
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	accounts, err := cfg.GetAccounts()
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Fatalf("got %d accounts", len(accounts))
	}
	work := accounts[0]
	if work.Password != "from-env" || work.Username != "bob@example.com" || !work.Enabled {
		t.Errorf("work account = %+v", work)
	}
	if work.PollInterval != 10*time.Minute || len(work.Mailboxes) != 2 {
		t.Errorf("work polling = %v %v", work.PollInterval, work.Mailboxes)
	}
	other := accounts[1]
	if other.ID != "alice@example.org" || other.Enabled || other.Password != "inline" {
		t.Errorf("second account = %+v", other)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GUARDMAIL_RETRAIN_MIN_EXAMPLES", "7")
	t.Setenv("GUARDMAIL_ENSEMBLE_WEIGHTS_BAGGED_TREES", "2.5")

	cfg, err := Load(writeConfig(t, "logging:\n  level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}
	retrain, err := cfg.GetRetrain()
	if err != nil {
		t.Fatal(err)
	}
	if retrain.MinExamples != 7 {
		t.Errorf("min examples = %d, want 7", retrain.MinExamples)
	}
	if w := cfg.GetEnsemble().Weights["bagged_trees"]; w != 2.5 {
		t.Errorf("bagged_trees weight = %v, want 2.5", w)
	}
	if cfg.GetString("logging.level") != "debug" {
		t.Error("file value not applied")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"short interval", "accounts:\n  - id: a\n    host: h\n    poll_interval: 1m\n", "poll_interval"},
		{"long interval", "accounts:\n  - id: a\n    host: h\n    poll_interval: 2h\n", "poll_interval"},
		{"missing host", "accounts:\n  - id: a\n", "host is required"},
		{"duplicate account", "accounts:\n  - {id: a, host: h}\n  - {id: a, host: h}\n", "duplicate account"},
		{"zero weights", "ensemble:\n  weights: {naive_bayes: 0, linear_svm: 0, bagged_trees: 0}\n", "not all be zero"},
		{"negative weight", "ensemble:\n  weights: {naive_bayes: -1}\n", "negative"},
		{"backoff order", "poller:\n  backoff_base: 1h\n  backoff_max: 1m\n", "backoff base"},
		{"store type", "store:\n  type: redis\n", "unsupported store type"},
		{"holdout", "retrain:\n  holdout_fraction: 1.5\n", "holdout_fraction"},
		{"plaintext account", "accounts:\n  - {id: a, host: h, security: none}\n", "cleartext"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestPlaintextAccountNeedsOptIn(t *testing.T) {
	body := "poller:\n  allow_plaintext: true\naccounts:\n  - {id: a, host: h, security: plain}\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want plaintext permitted", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}
}
