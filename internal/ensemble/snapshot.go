package ensemble

import (
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/mikey/guardmail/internal/core"
)

// Snapshot is an immutable, fully trained ensemble. It is safe for concurrent use.
type Snapshot struct {
	id                string
	version           int64
	trainedAt         time.Time
	schema            int
	trainingSize      int
	trainedThroughSeq int64
	metrics           core.ModelMetrics
	members           []Member
	weights           []float64
	threshold         float64
	maxSpread         float64
}

// SnapshotParams describes a snapshot to assemble
type SnapshotParams struct {
	ID                string
	Version           int64
	TrainedAt         time.Time
	Schema            int
	TrainingSize      int
	TrainedThroughSeq int64
	Metrics           core.ModelMetrics
	Members           []Member
	Weights           map[string]float64
	Threshold         float64
	MaxSpread         float64
}

// NewSnapshot assembles a snapshot. Members without a weight entry get weight 1.
func NewSnapshot(p SnapshotParams) (*Snapshot, error) {
	if len(p.Members) == 0 {
		return nil, fmt.Errorf("snapshot needs at least one member")
	}
	if p.Threshold <= 0 || p.Threshold >= 1 {
		p.Threshold = 0.5
	}
	if p.MaxSpread <= 0 || p.MaxSpread > 1 {
		p.MaxSpread = 1
	}

	weights := make([]float64, len(p.Members))
	var total float64
	for i, m := range p.Members {
		w, ok := p.Weights[m.Kind()]
		if !ok {
			w = 1
		}
		if w < 0 {
			return nil, fmt.Errorf("negative weight for %s", m.Kind())
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return nil, fmt.Errorf("all member weights are zero")
	}

	members := make([]Member, len(p.Members))
	copy(members, p.Members)

	return &Snapshot{
		id:                p.ID,
		version:           p.Version,
		trainedAt:         p.TrainedAt,
		schema:            p.Schema,
		trainingSize:      p.TrainingSize,
		trainedThroughSeq: p.TrainedThroughSeq,
		metrics:           p.Metrics,
		members:           members,
		weights:           weights,
		threshold:         p.Threshold,
		maxSpread:         p.MaxSpread,
	}, nil
}

// ID returns the unique snapshot id
func (s *Snapshot) ID() string { return s.id }

// Version implements core.Classifier
func (s *Snapshot) Version() int64 { return s.version }

// SchemaVersion implements core.Classifier
func (s *Snapshot) SchemaVersion() int { return s.schema }

// TrainedAt returns the training time
func (s *Snapshot) TrainedAt() time.Time { return s.trainedAt }

// TrainingSize returns the number of examples used for fitting
func (s *Snapshot) TrainingSize() int { return s.trainingSize }

// TrainedThroughSeq is the highest training store sequence included in the fit
func (s *Snapshot) TrainedThroughSeq() int64 { return s.trainedThroughSeq }

// Metrics returns the holdout metrics recorded at validation
func (s *Snapshot) Metrics() core.ModelMetrics { return s.metrics }

// WithMetrics returns a copy carrying validation metrics
func (s *Snapshot) WithMetrics(m core.ModelMetrics) *Snapshot {
	c := *s
	m.Version = s.version
	m.TrainedAt = s.trainedAt
	c.metrics = m
	return &c
}

// Predict implements core.Classifier
func (s *Snapshot) Predict(v core.FeatureVector) (core.Prediction, error) {
	if v.Schema != s.schema {
		return core.Prediction{}, core.NewError(core.ErrSchemaMismatch, "predict",
			fmt.Errorf("vector schema %d, snapshot schema %d", v.Schema, s.schema))
	}

	scores := make([]float64, len(s.members))
	memberScores := make(map[string]float64, len(s.members))
	for i, m := range s.members {
		_, score := m.Predict(v)
		scores[i] = score
		memberScores[m.Kind()] = score
	}

	mean, confidence := Aggregate(scores, s.weights, s.threshold, s.maxSpread)
	return core.Prediction{
		IsSpam:       mean >= s.threshold,
		Score:        mean,
		Confidence:   confidence,
		MemberScores: memberScores,
		ModelVersion: s.version,
	}, nil
}

// Aggregate combines member scores into a weighted mean and a confidence.
// Confidence is the distance of the mean from the threshold rescaled to [0,1],
// damped linearly once the member spread exceeds maxSpread.
func Aggregate(scores, weights []float64, threshold, maxSpread float64) (float64, float64) {
	if len(scores) == 0 {
		return threshold, 0
	}

	var sum, total float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, score := range scores {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		sum += w * score
		total += w
		if w > 0 {
			lo = math.Min(lo, score)
			hi = math.Max(hi, score)
		}
	}
	if total == 0 {
		return threshold, 0
	}
	mean := sum / total

	span := math.Max(threshold, 1-threshold)
	confidence := math.Abs(mean-threshold) / span

	if spread := hi - lo; maxSpread < 1 && spread > maxSpread {
		damping := 1 - (spread-maxSpread)/(1-maxSpread)
		confidence *= math.Max(0, damping)
	}
	return mean, math.Min(1, math.Max(0, confidence))
}

type snapshotEnvelope struct {
	ID                string             `json:"id"`
	Version           int64              `json:"version"`
	TrainedAt         time.Time          `json:"trained_at"`
	Schema            int                `json:"schema"`
	TrainingSize      int                `json:"training_size"`
	TrainedThroughSeq int64              `json:"trained_through_seq"`
	Metrics           core.ModelMetrics  `json:"metrics"`
	Members           []memberEnvelope   `json:"members"`
	Weights           map[string]float64 `json:"weights"`
	Threshold         float64            `json:"threshold"`
	MaxSpread         float64            `json:"max_spread"`
}

// Encode serializes the snapshot for the snapshot store
func (s *Snapshot) Encode() ([]byte, error) {
	env := snapshotEnvelope{
		ID:                s.id,
		Version:           s.version,
		TrainedAt:         s.trainedAt,
		Schema:            s.schema,
		TrainingSize:      s.trainingSize,
		TrainedThroughSeq: s.trainedThroughSeq,
		Metrics:           s.metrics,
		Weights:           make(map[string]float64, len(s.members)),
		Threshold:         s.threshold,
		MaxSpread:         s.maxSpread,
	}
	for i, m := range s.members {
		me, err := encodeMember(m)
		if err != nil {
			return nil, err
		}
		env.Members = append(env.Members, me)
		env.Weights[m.Kind()] = s.weights[i]
	}
	return json.Marshal(env)
}

// Decode restores a snapshot produced by Encode
func Decode(data []byte) (*Snapshot, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	members := make([]Member, 0, len(env.Members))
	for _, me := range env.Members {
		m, err := decodeMember(me)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	return NewSnapshot(SnapshotParams{
		ID:                env.ID,
		Version:           env.Version,
		TrainedAt:         env.TrainedAt,
		Schema:            env.Schema,
		TrainingSize:      env.TrainingSize,
		TrainedThroughSeq: env.TrainedThroughSeq,
		Metrics:           env.Metrics,
		Members:           members,
		Weights:           env.Weights,
		Threshold:         env.Threshold,
		MaxSpread:         env.MaxSpread,
	})
}

// Record converts the snapshot into its persisted form
func (s *Snapshot) Record() (core.SnapshotRecord, error) {
	payload, err := s.Encode()
	if err != nil {
		return core.SnapshotRecord{}, err
	}
	return core.SnapshotRecord{
		Version:   s.version,
		ID:        s.id,
		TrainedAt: s.trainedAt,
		Payload:   payload,
	}, nil
}
