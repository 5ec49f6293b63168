package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClassificationService runs the detection pipeline: extract, predict, categorize, record
type ClassificationService struct {
	extractor           FeatureExtractor
	models              ModelProvider
	assigner            CategoryAssigner
	sink                ResultSink
	training            TrainingStore
	logger              *zap.Logger
	autoLearnConfidence float64
	now                 func() time.Time
}

// NewClassificationService creates a new classification service.
// training may be nil, in which case auto-learning and feedback are disabled.
func NewClassificationService(
	extractor FeatureExtractor,
	models ModelProvider,
	assigner CategoryAssigner,
	sink ResultSink,
	training TrainingStore,
	logger *zap.Logger,
	autoLearnConfidence float64,
) *ClassificationService {
	return &ClassificationService{
		extractor:           extractor,
		models:              models,
		assigner:            assigner,
		sink:                sink,
		training:            training,
		logger:              logger,
		autoLearnConfidence: autoLearnConfidence,
		now:                 time.Now,
	}
}

// Classify runs the pipeline against the active snapshot without recording anything
func (s *ClassificationService) Classify(ctx context.Context, msg *Message) (*ClassificationResult, error) {
	model, err := s.models.ActiveModel()
	if err != nil {
		return nil, err
	}

	vec := s.extractor.Extract(msg)
	if vec.Schema != model.SchemaVersion() {
		return nil, NewError(ErrSchemaMismatch, "classify",
			fmt.Errorf("vector schema %d, model schema %d", vec.Schema, model.SchemaVersion()))
	}

	pred, err := model.Predict(vec)
	if err != nil {
		return nil, fmt.Errorf("failed to predict: %w", err)
	}

	categories, scores := s.assigner.Assign(msg, vec, pred.IsSpam)

	return &ClassificationResult{
		MessageID:      msg.ID,
		AccountID:      msg.AccountID,
		Sender:         msg.Sender,
		Subject:        msg.Subject,
		IsSpam:         pred.IsSpam,
		Score:          pred.Score,
		Confidence:     pred.Confidence,
		Categories:     categories,
		CategoryScores: scores,
		ModelVersion:   pred.ModelVersion,
		SchemaVersion:  vec.Schema,
		ClassifiedAt:   s.now(),
	}, nil
}

// Process classifies a message and durably records the result.
// A nil error means the result has been written to the sink.
func (s *ClassificationService) Process(ctx context.Context, msg *Message) (*ClassificationResult, error) {
	result, err := s.Classify(ctx, msg)
	if err != nil {
		return nil, err
	}

	if err := s.sink.Record(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to record result: %w", err)
	}

	s.logger.Debug("Message classified",
		zap.String("message_id", result.MessageID),
		zap.Bool("is_spam", result.IsSpam),
		zap.Float64("score", result.Score),
		zap.Float64("confidence", result.Confidence),
		zap.Strings("categories", result.CategoryNames()),
		zap.Int64("model_version", result.ModelVersion))

	s.autoLearn(ctx, msg, result)
	return result, nil
}

// RecordMalformed writes a zero-confidence result for a message that could not be parsed
func (s *ClassificationService) RecordMalformed(ctx context.Context, messageID, accountID string, cause error) (*ClassificationResult, error) {
	var version int64
	if model, err := s.models.ActiveModel(); err == nil {
		version = model.Version()
	}

	result := &ClassificationResult{
		MessageID:      messageID,
		AccountID:      accountID,
		CategoryScores: map[string]float64{},
		ModelVersion:   version,
		SchemaVersion:  s.extractor.SchemaVersion(),
		Malformed:      true,
		Explanation:    cause.Error(),
		ClassifiedAt:   s.now(),
	}
	if err := s.sink.Record(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to record malformed result: %w", err)
	}
	return result, nil
}

// SubmitFeedback appends a user correction for a message. msg may be nil when the
// message content was already stored by an earlier example.
func (s *ClassificationService) SubmitFeedback(ctx context.Context, messageID string, label Label, category string, msg *Message) (*TrainingExample, error) {
	if s.training == nil {
		return nil, fmt.Errorf("training store is not configured")
	}

	example := &TrainingExample{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Label:     label,
		Category:  category,
		Source:    SourceFeedback,
		AddedAt:   s.now(),
	}
	if msg != nil {
		vec := s.extractor.Extract(msg)
		example.Sender = msg.Sender
		example.Subject = msg.Subject
		example.Body = msg.Body
		example.Vector = &vec
	}

	stored, err := s.training.Add(ctx, example)
	if err != nil {
		return nil, fmt.Errorf("failed to store feedback: %w", err)
	}

	s.logger.Info("Feedback stored",
		zap.String("message_id", messageID),
		zap.String("label", label.String()),
		zap.String("overrides", stored.Overrides))
	return stored, nil
}

func (s *ClassificationService) autoLearn(ctx context.Context, msg *Message, result *ClassificationResult) {
	if s.training == nil || s.autoLearnConfidence <= 0 || result.Confidence < s.autoLearnConfidence {
		return
	}

	label := LabelHam
	category := ""
	if result.IsSpam {
		label = LabelSpam
		if len(result.Categories) > 0 {
			category = result.Categories[0].Name
		}
	}

	vec := s.extractor.Extract(msg)
	example := &TrainingExample{
		ID:        uuid.NewString(),
		MessageID: msg.ID,
		Label:     label,
		Category:  category,
		Source:    SourceAuto,
		Sender:    msg.Sender,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Vector:    &vec,
		AddedAt:   s.now(),
	}
	if _, err := s.training.Add(ctx, example); err != nil {
		s.logger.Warn("Failed to store auto-labeled example",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}
