// Package ensemble implements the multi-model spam classifier and its snapshot registry.
package ensemble

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/mikey/guardmail/internal/core"
)

// Member kinds
const (
	KindNaiveBayes = "naive_bayes"
	KindLinearSVM  = "linear_svm"
	KindForest     = "bagged_trees"
)

// Member is a trained, immutable classifier inside an ensemble
type Member interface {
	// Kind names the algorithm; it doubles as the weight key
	Kind() string

	// Predict returns the member's label and its spam score in [0,1]
	Predict(v core.FeatureVector) (core.Label, float64)
}

// Sample is a labeled vector used for fitting and evaluation
type Sample struct {
	Vector core.FeatureVector
	Label  core.Label
}

type memberEnvelope struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

func encodeMember(m Member) (memberEnvelope, error) {
	params, err := json.Marshal(m)
	if err != nil {
		return memberEnvelope{}, fmt.Errorf("failed to encode %s: %w", m.Kind(), err)
	}
	return memberEnvelope{Kind: m.Kind(), Params: params}, nil
}

func decodeMember(env memberEnvelope) (Member, error) {
	var m Member
	switch env.Kind {
	case KindNaiveBayes:
		m = &NaiveBayes{}
	case KindLinearSVM:
		m = &LinearSVM{}
	case KindForest:
		m = &Forest{}
	default:
		return nil, fmt.Errorf("unknown member kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Params, m); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Kind, err)
	}
	return m, nil
}

func labelScore(score float64) core.Label {
	if score >= 0.5 {
		return core.LabelSpam
	}
	return core.LabelHam
}
