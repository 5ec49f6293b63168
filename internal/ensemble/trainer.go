package ensemble

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/mikey/guardmail/internal/core"
	"go.uber.org/zap"
)

// Config holds the ensemble hyperparameters
type Config struct {
	Members     []string
	Weights     map[string]float64
	Threshold   float64
	MaxSpread   float64
	Seed        int64
	TokenPrefix string
	BayesAlpha  float64
	SVMLambda   float64
	SVMEpochs   int
	Trees       int
	TreeDepth   int
	TreeMinLeaf int
}

// DefaultConfig returns the calibrated defaults
func DefaultConfig() Config {
	return Config{
		Members:     []string{KindNaiveBayes, KindLinearSVM, KindForest},
		Weights:     map[string]float64{},
		Threshold:   0.5,
		MaxSpread:   0.4,
		Seed:        42,
		TokenPrefix: "tok_",
		BayesAlpha:  1,
		SVMLambda:   0.01,
		SVMEpochs:   20,
		Trees:       15,
		TreeDepth:   5,
		TreeMinLeaf: 1,
	}
}

// Trainer builds new snapshots. Fit never touches any published snapshot.
type Trainer struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewTrainer creates a new trainer
func NewTrainer(cfg Config, logger *zap.Logger) *Trainer {
	return &Trainer{cfg: cfg, logger: logger, now: time.Now}
}

// FitRequest describes one training run
type FitRequest struct {
	Samples           []Sample
	Version           int64
	Schema            int
	TrainedThroughSeq int64
}

// Fit trains every configured member on the samples. Results are deterministic
// for a fixed seed and sample order.
func (t *Trainer) Fit(req FitRequest) (*Snapshot, error) {
	if len(req.Samples) == 0 {
		return nil, fmt.Errorf("no training samples")
	}
	for _, s := range req.Samples {
		if s.Vector.Schema != req.Schema {
			return nil, core.NewError(core.ErrSchemaMismatch, "fit",
				fmt.Errorf("sample schema %d, requested %d", s.Vector.Schema, req.Schema))
		}
	}

	started := t.now()
	members := make([]Member, 0, len(t.cfg.Members))
	for i, kind := range t.cfg.Members {
		rng := rand.New(rand.NewSource(t.cfg.Seed + int64(i)))
		switch kind {
		case KindNaiveBayes:
			members = append(members, FitNaiveBayes(req.Samples, t.cfg.TokenPrefix, t.cfg.BayesAlpha))
		case KindLinearSVM:
			members = append(members, FitLinearSVM(req.Samples, t.cfg.SVMLambda, t.cfg.SVMEpochs, rng))
		case KindForest:
			members = append(members, FitForest(req.Samples, t.cfg.Trees, t.cfg.TreeDepth, t.cfg.TreeMinLeaf, rng))
		default:
			return nil, fmt.Errorf("unknown ensemble member %q", kind)
		}
	}

	snapshot, err := NewSnapshot(SnapshotParams{
		ID:                uuid.NewString(),
		Version:           req.Version,
		TrainedAt:         started,
		Schema:            req.Schema,
		TrainingSize:      len(req.Samples),
		TrainedThroughSeq: req.TrainedThroughSeq,
		Members:           members,
		Weights:           t.cfg.Weights,
		Threshold:         t.cfg.Threshold,
		MaxSpread:         t.cfg.MaxSpread,
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("Ensemble trained",
		zap.Int64("version", req.Version),
		zap.Int("samples", len(req.Samples)),
		zap.Int("members", len(members)),
		zap.Duration("duration", t.now().Sub(started)))
	return snapshot, nil
}

// Split partitions samples into training and holdout sets, stratified by label,
// with a deterministic shuffle
func Split(samples []Sample, holdoutFraction float64, seed int64) ([]Sample, []Sample) {
	if holdoutFraction <= 0 || len(samples) < 2 {
		return samples, nil
	}

	rng := rand.New(rand.NewSource(seed))
	var train, holdout []Sample
	for _, label := range []core.Label{core.LabelHam, core.LabelSpam} {
		var class []Sample
		for _, s := range samples {
			if s.Label == label {
				class = append(class, s)
			}
		}
		rng.Shuffle(len(class), func(i, j int) { class[i], class[j] = class[j], class[i] })

		n := int(float64(len(class)) * holdoutFraction)
		if n == 0 && len(class) >= 2 {
			n = 1
		}
		holdout = append(holdout, class[:n]...)
		train = append(train, class[n:]...)
	}
	return train, holdout
}

// Evaluate computes precision, recall, F1 and accuracy on a holdout set
func Evaluate(model core.Classifier, holdout []Sample) (core.ModelMetrics, error) {
	var tp, fp, fn, tn float64
	for _, s := range holdout {
		pred, err := model.Predict(s.Vector)
		if err != nil {
			return core.ModelMetrics{}, err
		}
		actual := s.Label == core.LabelSpam
		switch {
		case pred.IsSpam && actual:
			tp++
		case pred.IsSpam && !actual:
			fp++
		case !pred.IsSpam && actual:
			fn++
		default:
			tn++
		}
	}

	m := core.ModelMetrics{
		Version:     model.Version(),
		HoldoutSize: len(holdout),
		Precision:   ratio(tp, tp+fp, fn == 0),
		Recall:      ratio(tp, tp+fn, true),
		Accuracy:    ratio(tp+tn, float64(len(holdout)), true),
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m, nil
}

// ratio returns num/den, or 1 when den is zero and the empty case counts as perfect
func ratio(num, den float64, emptyIsPerfect bool) float64 {
	if den == 0 {
		if emptyIsPerfect {
			return 1
		}
		return 0
	}
	return num / den
}
