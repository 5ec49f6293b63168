package ensemble

import (
	"math"
	"math/rand"

	"github.com/mikey/guardmail/internal/core"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LinearSVM is a margin classifier trained with Pegasos on standardized features.
// Margins are mapped to probabilities with a Platt sigmoid fitted on the training set.
type LinearSVM struct {
	Mean    []float64 `json:"mean"`
	Scale   []float64 `json:"scale"`
	Weights []float64 `json:"weights"`
	PlattA  float64   `json:"platt_a"`
	PlattB  float64   `json:"platt_b"`
}

// FitLinearSVM trains the model. lambda is the regularization strength.
func FitLinearSVM(samples []Sample, lambda float64, epochs int, rng *rand.Rand) *LinearSVM {
	m := &LinearSVM{PlattA: 1}
	if len(samples) == 0 {
		return m
	}
	if lambda <= 0 {
		lambda = 0.01
	}
	if epochs <= 0 {
		epochs = 20
	}

	d := len(samples[0].Vector.Values)
	m.Mean = make([]float64, d)
	m.Scale = make([]float64, d)
	col := make([]float64, len(samples))
	for j := 0; j < d; j++ {
		for i, s := range samples {
			col[i] = s.Vector.Values[j]
		}
		mean, std := stat.MeanStdDev(col, nil)
		m.Mean[j] = mean
		if std > 1e-12 && !math.IsNaN(std) {
			m.Scale[j] = 1 / std
		}
	}

	xs := make([][]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		xs[i] = m.standardize(s.Vector.Values)
		ys[i] = -1
		if s.Label == core.LabelSpam {
			ys[i] = 1
		}
	}

	w := make([]float64, d+1)
	radius := 1 / math.Sqrt(lambda)
	t := 0
	for epoch := 0; epoch < epochs; epoch++ {
		for range samples {
			t++
			i := rng.Intn(len(samples))
			eta := 1 / (lambda * float64(t))
			margin := ys[i] * floats.Dot(w, xs[i])
			floats.Scale(1-eta*lambda, w)
			if margin < 1 {
				floats.AddScaled(w, eta*ys[i], xs[i])
			}
			if norm := floats.Norm(w, 2); norm > radius {
				floats.Scale(radius/norm, w)
			}
		}
	}
	m.Weights = w

	margins := make([]float64, len(samples))
	for i := range samples {
		margins[i] = floats.Dot(w, xs[i])
	}
	m.PlattA, m.PlattB = fitPlatt(margins, ys)
	return m
}

// standardize returns the scaled vector with a trailing bias term
func (m *LinearSVM) standardize(values []float64) []float64 {
	z := make([]float64, len(m.Mean)+1)
	for j := range m.Mean {
		if j < len(values) {
			z[j] = (values[j] - m.Mean[j]) * m.Scale[j]
		}
	}
	z[len(m.Mean)] = 1
	return z
}

// Margin returns the signed distance from the separating hyperplane
func (m *LinearSVM) Margin(v core.FeatureVector) float64 {
	if len(m.Weights) == 0 {
		return 0
	}
	return floats.Dot(m.Weights, m.standardize(v.Values))
}

// Kind implements Member
func (m *LinearSVM) Kind() string {
	return KindLinearSVM
}

// Predict implements Member
func (m *LinearSVM) Predict(v core.FeatureVector) (core.Label, float64) {
	score := sigmoid(m.PlattA*m.Margin(v) + m.PlattB)
	return labelScore(score), score
}

// fitPlatt fits sigmoid(a*margin+b) to smoothed targets by gradient descent
func fitPlatt(margins, ys []float64) (float64, float64) {
	var pos, neg float64
	for _, y := range ys {
		if y > 0 {
			pos++
		} else {
			neg++
		}
	}
	hi := (pos + 1) / (pos + 2)
	lo := 1 / (neg + 2)

	a, b := 1.0, 0.0
	n := float64(len(margins))
	for iter := 0; iter < 300; iter++ {
		var ga, gb float64
		for i, m := range margins {
			target := lo
			if ys[i] > 0 {
				target = hi
			}
			diff := sigmoid(a*m+b) - target
			ga += diff * m
			gb += diff
		}
		a -= 0.5 * ga / n
		b -= 0.5 * gb / n
	}
	if a <= 0 {
		// a flipped slope would invert the classifier
		a = 1
	}
	return a, b
}
