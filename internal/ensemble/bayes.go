package ensemble

import (
	"math"
	"strings"

	"github.com/mikey/guardmail/internal/core"
)

// NaiveBayes is a multinomial bag-of-words model over the token features
type NaiveBayes struct {
	Features      []int        `json:"features"`
	LogPrior      [2]float64   `json:"log_prior"`
	LogLikelihood [2][]float64 `json:"log_likelihood"`
}

// FitNaiveBayes trains a multinomial model on features whose names start with prefix
func FitNaiveBayes(samples []Sample, prefix string, alpha float64) *NaiveBayes {
	nb := &NaiveBayes{}
	if len(samples) == 0 {
		return nb
	}
	if alpha <= 0 {
		alpha = 1
	}

	for i, name := range samples[0].Vector.Names {
		if strings.HasPrefix(name, prefix) {
			nb.Features = append(nb.Features, i)
		}
	}

	var docs [2]float64
	counts := [2][]float64{
		make([]float64, len(nb.Features)),
		make([]float64, len(nb.Features)),
	}
	var totals [2]float64
	for _, s := range samples {
		c := int(s.Label)
		docs[c]++
		for j, idx := range nb.Features {
			v := s.Vector.Values[idx]
			counts[c][j] += v
			totals[c] += v
		}
	}

	n := float64(len(samples))
	vocab := float64(len(nb.Features))
	for c := 0; c < 2; c++ {
		nb.LogPrior[c] = math.Log((docs[c] + 1) / (n + 2))
		nb.LogLikelihood[c] = make([]float64, len(nb.Features))
		for j := range nb.Features {
			nb.LogLikelihood[c][j] = math.Log((counts[c][j] + alpha) / (totals[c] + alpha*vocab))
		}
	}
	return nb
}

// Kind implements Member
func (nb *NaiveBayes) Kind() string {
	return KindNaiveBayes
}

// Predict implements Member
func (nb *NaiveBayes) Predict(v core.FeatureVector) (core.Label, float64) {
	ham, spam := nb.LogPrior[core.LabelHam], nb.LogPrior[core.LabelSpam]
	for j, idx := range nb.Features {
		if idx >= len(v.Values) {
			break
		}
		x := v.Values[idx]
		if x == 0 {
			continue
		}
		ham += x * nb.LogLikelihood[core.LabelHam][j]
		spam += x * nb.LogLikelihood[core.LabelSpam][j]
	}
	score := sigmoid(spam - ham)
	return labelScore(score), score
}

func sigmoid(x float64) float64 {
	switch {
	case x > 35:
		return 1
	case x < -35:
		return 0
	}
	return 1 / (1 + math.Exp(-x))
}
