package category

import (
	"strings"
	"sync/atomic"

	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/features"
	"github.com/mikey/guardmail/internal/utils"
	"go.uber.org/zap"
)

// Assigner scores spam messages against the active rule set
type Assigner struct {
	rules  atomic.Pointer[RuleSet]
	text   *utils.TextProcessor
	logger *zap.Logger
}

// NewAssigner creates a new assigner
func NewAssigner(rules *RuleSet, text *utils.TextProcessor, logger *zap.Logger) *Assigner {
	a := &Assigner{text: text, logger: logger}
	a.rules.Store(rules)
	return a
}

// Rules returns the active rule set
func (a *Assigner) Rules() *RuleSet {
	return a.rules.Load()
}

// Reload swaps in a new rule set; in-flight assignments finish on the old one
func (a *Assigner) Reload(rules *RuleSet) {
	a.rules.Store(rules)
	a.logger.Info("Category rules reloaded",
		zap.Int("version", rules.Version()),
		zap.Int("categories", len(rules.categories)))
}

// LoadFile reads, validates and activates a rule table. On error the active
// rule set is kept.
func (a *Assigner) LoadFile(path string) error {
	rules, err := LoadRules(path)
	if err != nil {
		a.logger.Error("Rejected category rules",
			zap.String("path", path),
			zap.Error(err))
		return err
	}
	a.Reload(rules)
	return nil
}

// Assign implements core.CategoryAssigner. Ham messages get no categories.
func (a *Assigner) Assign(msg *core.Message, v core.FeatureVector, isSpam bool) ([]core.Category, map[string]float64) {
	scores := make(map[string]float64)
	if !isSpam {
		return nil, scores
	}

	in := a.prepare(msg)
	var assigned []core.Category
	for _, c := range a.rules.Load().categories {
		var score float64
		for i := range c.rules {
			if c.rules[i].matches(in, v) {
				score += c.rules[i].Weight
			}
		}
		if score == 0 {
			continue
		}
		scores[c.category.Name] = score
		if score >= c.threshold {
			assigned = append(assigned, c.category)
		}
	}
	return assigned, scores
}

type input struct {
	text   string
	tokens map[string]struct{}
	sender string
	hosts  []string
}

func (a *Assigner) prepare(msg *core.Message) input {
	if msg == nil {
		return input{}
	}
	raw := msg.Subject + "\n" + msg.Body + "\n" + msg.HTMLBody
	normalized := a.text.Normalize(raw)

	in := input{
		text:   strings.Join(strings.Fields(normalized), " "),
		tokens: make(map[string]struct{}),
		sender: msg.SenderDomain(),
		hosts:  features.LinkHosts(msg.Body + "\n" + msg.HTMLBody),
	}
	for _, tok := range features.Tokenize(normalized) {
		in.tokens[tok] = struct{}{}
	}
	return in
}

func (r *compiledRule) matches(in input, v core.FeatureVector) bool {
	switch r.Kind {
	case KindKeyword:
		if r.phrase {
			return strings.Contains(in.text, r.Pattern)
		}
		_, ok := in.tokens[r.Pattern]
		return ok
	case KindRegex:
		return r.re.MatchString(in.text)
	case KindDomain:
		if r.domain.Matches(in.sender) {
			return true
		}
		for _, host := range in.hosts {
			if r.domain.Matches(host) {
				return true
			}
		}
		return false
	case KindFeature:
		value, ok := v.Get(r.Feature)
		return ok && value >= r.Min
	}
	return false
}
