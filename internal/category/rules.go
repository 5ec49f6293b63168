// Package category assigns threat categories to spam using a data-driven rule table.
package category

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/domains"
	"github.com/mikey/guardmail/internal/features"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Rule kinds
const (
	KindKeyword = "keyword"
	KindRegex   = "regex"
	KindDomain  = "domain"
	KindFeature = "feature"
)

// Rule is a single weighted match condition
type Rule struct {
	Kind    string  `yaml:"kind"`
	Pattern string  `yaml:"pattern,omitempty"`
	Feature string  `yaml:"feature,omitempty"`
	Min     float64 `yaml:"min,omitempty"`
	Weight  float64 `yaml:"weight"`
}

// CategoryRules holds the rules of one taxonomy entry
type CategoryRules struct {
	ID        int     `yaml:"id"`
	Name      string  `yaml:"name"`
	Risk      int     `yaml:"risk"`
	Threshold float64 `yaml:"threshold"`
	Rules     []Rule  `yaml:"rules"`
}

// Table is the on-disk rule table
type Table struct {
	Version    int             `yaml:"version"`
	Categories []CategoryRules `yaml:"categories"`
}

// RuleSet is a validated, compiled rule table. It is immutable.
type RuleSet struct {
	version    int
	categories []compiledCategory
}

type compiledCategory struct {
	category  core.Category
	risk      int
	threshold float64
	rules     []compiledRule
}

type compiledRule struct {
	Rule
	phrase bool
	re     *regexp.Regexp
	domain *domains.Matcher
}

// DefaultRules compiles the embedded rule table
func DefaultRules() (*RuleSet, error) {
	return ParseRules(defaultRules)
}

// LoadRules reads a rule table from path, or the embedded table when path is empty
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule table
func ParseRules(data []byte) (*RuleSet, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return Compile(table)
}

// Compile validates a table against the feature schema and compiles its patterns
func Compile(table Table) (*RuleSet, error) {
	if len(table.Categories) == 0 {
		return nil, errors.New("rule table has no categories")
	}

	known := make(map[string]bool, len(features.Names()))
	for _, name := range features.Names() {
		known[name] = true
	}

	set := &RuleSet{version: table.Version}
	ids := make(map[int]bool)
	names := make(map[string]bool)
	for _, c := range table.Categories {
		if c.ID <= 0 || c.Name == "" {
			return nil, fmt.Errorf("category %q: id and name are required", c.Name)
		}
		if ids[c.ID] || names[c.Name] {
			return nil, fmt.Errorf("category %d %q: duplicate entry", c.ID, c.Name)
		}
		ids[c.ID], names[c.Name] = true, true
		if c.Threshold <= 0 {
			return nil, fmt.Errorf("category %q: threshold must be positive", c.Name)
		}

		cc := compiledCategory{
			category:  core.Category{ID: c.ID, Name: c.Name},
			risk:      c.Risk,
			threshold: c.Threshold,
		}
		for i, r := range c.Rules {
			compiled, err := compileRule(r, known)
			if err != nil {
				return nil, fmt.Errorf("category %q rule %d: %w", c.Name, i, err)
			}
			cc.rules = append(cc.rules, compiled)
		}
		set.categories = append(set.categories, cc)
	}
	return set, nil
}

func compileRule(r Rule, known map[string]bool) (compiledRule, error) {
	if r.Weight <= 0 {
		return compiledRule{}, errors.New("weight must be positive")
	}
	c := compiledRule{Rule: r}
	switch r.Kind {
	case KindKeyword:
		c.Pattern = strings.ToLower(strings.TrimSpace(r.Pattern))
		if c.Pattern == "" {
			return compiledRule{}, errors.New("keyword is empty")
		}
		c.phrase = strings.ContainsAny(c.Pattern, " \t")
	case KindRegex:
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return compiledRule{}, fmt.Errorf("invalid regex: %w", err)
		}
		c.re = re
	case KindDomain:
		if domains.Normalize(r.Pattern) == "" {
			return compiledRule{}, errors.New("domain is empty")
		}
		c.domain = domains.NewMatcher("category", []string{r.Pattern}, nil)
	case KindFeature:
		if !known[r.Feature] {
			return compiledRule{}, fmt.Errorf("unknown feature %q", r.Feature)
		}
	default:
		return compiledRule{}, fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return c, nil
}

// Version returns the table version
func (s *RuleSet) Version() int {
	return s.version
}

// Categories returns the taxonomy in table order
func (s *RuleSet) Categories() []core.Category {
	out := make([]core.Category, len(s.categories))
	for i, c := range s.categories {
		out[i] = c.category
	}
	return out
}

// Risk returns the risk level of a category, or 0 when it is unknown
func (s *RuleSet) Risk(name string) int {
	for _, c := range s.categories {
		if c.category.Name == name {
			return c.risk
		}
	}
	return 0
}
