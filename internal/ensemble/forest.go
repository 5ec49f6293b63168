package ensemble

import (
	"math/rand"
	"sort"

	"github.com/mikey/guardmail/internal/core"
)

// maxThresholds bounds the split candidates evaluated per feature and node
const maxThresholds = 32

// TreeNode is a node of a flattened decision tree. Leaves have Feature == -1.
type TreeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// Tree is a CART classification tree
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// Forest is a bagged ensemble of trees; its score is the mean leaf spam fraction
type Forest struct {
	Trees []Tree `json:"trees"`
}

// FitForest trains n trees on bootstrap samples
func FitForest(samples []Sample, n, maxDepth, minLeaf int, rng *rand.Rand) *Forest {
	f := &Forest{}
	if len(samples) == 0 {
		return f
	}
	if n <= 0 {
		n = 15
	}
	if maxDepth <= 0 {
		maxDepth = 5
	}
	if minLeaf <= 0 {
		minLeaf = 1
	}

	for k := 0; k < n; k++ {
		idx := make([]int, len(samples))
		for i := range idx {
			idx[i] = rng.Intn(len(samples))
		}
		b := &treeBuilder{samples: samples, maxDepth: maxDepth, minLeaf: minLeaf}
		b.build(idx, 0)
		f.Trees = append(f.Trees, Tree{Nodes: b.nodes})
	}
	return f
}

// Kind implements Member
func (f *Forest) Kind() string {
	return KindForest
}

// Predict implements Member
func (f *Forest) Predict(v core.FeatureVector) (core.Label, float64) {
	if len(f.Trees) == 0 {
		return core.LabelHam, 0.5
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].predict(v.Values)
	}
	score := sum / float64(len(f.Trees))
	return labelScore(score), score
}

func (t *Tree) predict(values []float64) float64 {
	i := 0
	for {
		node := t.Nodes[i]
		if node.Feature < 0 {
			return node.Value
		}
		var x float64
		if node.Feature < len(values) {
			x = values[node.Feature]
		}
		if x <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

type treeBuilder struct {
	samples  []Sample
	maxDepth int
	minLeaf  int
	nodes    []TreeNode
}

// build appends the subtree for idx and returns its node index
func (b *treeBuilder) build(idx []int, depth int) int {
	spam := 0
	for _, i := range idx {
		if b.samples[i].Label == core.LabelSpam {
			spam++
		}
	}
	value := float64(spam) / float64(len(idx))

	self := len(b.nodes)
	b.nodes = append(b.nodes, TreeNode{Feature: -1, Value: value})
	if depth >= b.maxDepth || spam == 0 || spam == len(idx) || len(idx) < 2*b.minLeaf {
		return self
	}

	feature, threshold, ok := b.bestSplit(idx, spam)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.samples[i].Vector.Values[feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.build(left, depth+1)
	r := b.build(right, depth+1)
	b.nodes[self] = TreeNode{Feature: feature, Threshold: threshold, Left: l, Right: r, Value: value}
	return self
}

// bestSplit finds the split with the lowest weighted Gini impurity
func (b *treeBuilder) bestSplit(idx []int, spam int) (int, float64, bool) {
	n := float64(len(idx))
	best := gini(float64(spam), n)
	bestFeature, bestThreshold, found := -1, 0.0, false

	width := len(b.samples[idx[0]].Vector.Values)
	vals := make([]float64, len(idx))
	for f := 0; f < width; f++ {
		for k, i := range idx {
			vals[k] = b.samples[i].Vector.Values[f]
		}
		for _, th := range candidateThresholds(vals) {
			var ln, lspam float64
			for k, i := range idx {
				if vals[k] <= th {
					ln++
					if b.samples[i].Label == core.LabelSpam {
						lspam++
					}
				}
			}
			rn := n - ln
			if ln < float64(b.minLeaf) || rn < float64(b.minLeaf) {
				continue
			}
			rspam := float64(spam) - lspam
			impurity := (ln*gini(lspam, ln) + rn*gini(rspam, rn)) / n
			if impurity < best-1e-12 {
				best, bestFeature, bestThreshold, found = impurity, f, th, true
			}
		}
	}
	return bestFeature, bestThreshold, found
}

// candidateThresholds returns midpoints between distinct sorted values, thinned to maxThresholds
func candidateThresholds(vals []float64) []float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)

	var distinct []float64
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			distinct = append(distinct, v)
		}
	}
	if len(distinct) < 2 {
		return nil
	}

	step := 1
	if len(distinct)-1 > maxThresholds {
		step = (len(distinct) - 1 + maxThresholds - 1) / maxThresholds
	}
	out := make([]float64, 0, maxThresholds)
	for i := 0; i+1 < len(distinct); i += step {
		out = append(out, (distinct[i]+distinct[i+1])/2)
	}
	return out
}

func gini(pos, n float64) float64 {
	if n == 0 {
		return 0
	}
	p := pos / n
	return 2 * p * (1 - p)
}
