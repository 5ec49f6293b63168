package core

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a fetched email message. It is never modified after parsing.
type Message struct {
	ID          string
	AccountID   string
	Mailbox     string
	UID         uint32
	Sender      string
	To          []string
	Subject     string
	Body        string
	HTMLBody    string
	Headers     map[string][]string
	Attachments int
	ReceivedAt  time.Time
}

// MessageKey builds the stable message id used for idempotent result writes
func MessageKey(accountID, mailbox string, uid uint32) string {
	return fmt.Sprintf("%s:%s:%d", accountID, mailbox, uid)
}

// SenderDomain returns the lowercased domain part of the sender address
func (m *Message) SenderDomain() string {
	addr := m.Sender
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = strings.TrimSuffix(addr[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(strings.TrimSuffix(addr[at+1:], ">")))
}

// FeatureVector is an ordered set of named numeric features
type FeatureVector struct {
	Schema int
	Names  []string
	Values []float64
}

// Get returns the value of a named feature
func (v FeatureVector) Get(name string) (float64, bool) {
	for i, n := range v.Names {
		if n == name {
			return v.Values[i], true
		}
	}
	return 0, false
}

// Len returns the number of features in the vector
func (v FeatureVector) Len() int {
	return len(v.Values)
}

// Category is an entry of the fixed threat taxonomy
type Category struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Prediction is the output of an ensemble for a single feature vector
type Prediction struct {
	IsSpam       bool
	Score        float64
	Confidence   float64
	MemberScores map[string]float64
	ModelVersion int64
}

// ClassificationResult is the verdict for one message under one model version
type ClassificationResult struct {
	MessageID      string
	AccountID      string
	Sender         string
	Subject        string
	IsSpam         bool
	Score          float64
	Confidence     float64
	Categories     []Category
	CategoryScores map[string]float64
	ModelVersion   int64
	SchemaVersion  int
	Malformed      bool
	Explanation    string
	ClassifiedAt   time.Time
}

// CategoryNames returns the names of the assigned categories
func (r *ClassificationResult) CategoryNames() []string {
	names := make([]string, 0, len(r.Categories))
	for _, c := range r.Categories {
		names = append(names, c.Name)
	}
	return names
}

// Label is the binary training label
type Label int

const (
	LabelHam Label = iota
	LabelSpam
)

func (l Label) String() string {
	if l == LabelSpam {
		return "spam"
	}
	return "ham"
}

// ParseLabel converts "spam"/"ham" into a Label
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spam":
		return LabelSpam, nil
	case "ham":
		return LabelHam, nil
	default:
		return LabelHam, fmt.Errorf("unknown label %q", s)
	}
}

// Source records where a training example came from
type Source string

const (
	SourceSeed     Source = "seed"
	SourceAuto     Source = "auto"
	SourceFeedback Source = "feedback"
)

// TrainingExample is an append-only labeled sample
type TrainingExample struct {
	ID           string
	Seq          int64
	MessageID    string
	Label        Label
	Category     string
	Source       Source
	Sender       string
	Subject      string
	Body         string
	Vector       *FeatureVector
	AddedAt      time.Time
	SupersededBy string
	Overrides    string
}

// HasContent reports whether the example carries raw text that can be re-extracted
func (e *TrainingExample) HasContent() bool {
	return e.Sender != "" || e.Subject != "" || e.Body != ""
}

// Message rebuilds a message from the stored raw text
func (e *TrainingExample) Message() *Message {
	return &Message{
		ID:      e.MessageID,
		Sender:  e.Sender,
		Subject: e.Subject,
		Body:    e.Body,
	}
}

// ModelMetrics are the validation metrics reported on every snapshot swap
type ModelMetrics struct {
	Version      int64
	TrainedAt    time.Time
	TrainingSize int
	HoldoutSize  int
	Precision    float64
	Recall       float64
	F1           float64
	Accuracy     float64
}

// SnapshotRecord is the persisted form of a model snapshot
type SnapshotRecord struct {
	Version   int64
	ID        string
	TrainedAt time.Time
	Active    bool
	Payload   []byte
}

// AccountConfig is supplied by the account configuration collaborator.
// Credentials arrive already decrypted and are never persisted by the core.
type AccountConfig struct {
	ID                  string
	Address             string
	Username            string
	Password            string
	Host                string
	Port                int
	Security            string
	PollInterval        time.Duration
	Mailboxes           []string
	MaxMessagesPerCycle int
	Enabled             bool
}

// Plaintext reports whether the account is configured without transport encryption
func (a AccountConfig) Plaintext() bool {
	switch strings.ToLower(a.Security) {
	case "none", "plain":
		return true
	}
	return false
}

// MailboxMarker is the last-seen position in one mailbox
type MailboxMarker struct {
	UIDValidity uint32
	LastSeenUID uint32
}

// AccountState is owned by the poller for that account
type AccountState struct {
	AccountID           string
	Markers             map[string]MailboxMarker
	ConsecutiveFailures int
	BackoffUntil        time.Time
	Degraded            bool
	AuthFailed          bool
	LastError           string
	LastSuccessAt       time.Time
}

// NewAccountState returns an empty state for an account
func NewAccountState(accountID string) *AccountState {
	return &AccountState{
		AccountID: accountID,
		Markers:   make(map[string]MailboxMarker),
	}
}

// Clone returns a deep copy of the state
func (s *AccountState) Clone() *AccountState {
	c := *s
	c.Markers = make(map[string]MailboxMarker, len(s.Markers))
	for k, v := range s.Markers {
		c.Markers[k] = v
	}
	return &c
}

// AccountStatus is the operator-facing view of a poller
type AccountStatus struct {
	AccountID           string
	Address             string
	State               string
	Degraded            bool
	AuthFailed          bool
	ConsecutiveFailures int
	LastError           string
	LastSuccessAt       time.Time
	NextPollAt          time.Time
}

// MailboxStatus is what a mail session reports after selecting a mailbox
type MailboxStatus struct {
	Name        string
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// AccountStats are the idempotent per-account counters kept by the result sink
type AccountStats struct {
	AccountID string
	Processed int
	Spam      int
	Malformed int
}
