package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inbox-router/internal/dedup"
	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
	"inbox-router/internal/model"
	"inbox-router/internal/repository"
)

type classificationService struct {
	messageRepo     repository.MessageRepository
	aiClient        AIClient
	guard           dedup.Guard
	events          EventPublisher
	metrics         *metrics.Metrics
	reviewThreshold float64
	logger          *logger.Logger
	now             func() time.Time
}

func NewClassificationService(
	messageRepo repository.MessageRepository,
	aiClient AIClient,
	guard dedup.Guard,
	events EventPublisher,
	metrics *metrics.Metrics,
	reviewThreshold float64,
	logger *logger.Logger,
) ClassificationService {
	return &classificationService{
		messageRepo:     messageRepo,
		aiClient:        aiClient,
		guard:           guard,
		events:          orNop(events),
		metrics:         metrics,
		reviewThreshold: reviewThreshold,
		logger:          logger,
		now:             time.Now,
	}
}

// Analyze asks the classification engine for a routing decision. Nothing is
// written to any destination, and a failed classification leaves the message
// as it was.
func (s *classificationService) Analyze(ctx context.Context, userID, ref string) (*model.Message, error) {
	message, err := resolveMessage(ctx, s.messageRepo, userID, ref)
	if err != nil {
		return nil, err
	}
	if message.ExternalID == "" {
		return nil, model.ErrMissingExternalID
	}
	if err := model.CheckTransition(message.Status, model.ActionAnalyze); err != nil {
		return nil, err
	}

	key := dedup.Key(userID, message.ID, model.ActionAnalyze)
	release, err := claim(ctx, s.guard, key, s.logger)
	if err != nil {
		return nil, err
	}
	defer release()

	decision, err := s.aiClient.ClassifyRoute(ctx, message)
	if err != nil {
		s.metrics.Classifications.WithLabelValues("failure").Inc()
		s.logger.Error("Classification failed for message", message.ID, ":", err)
		return nil, &model.ClassificationError{Err: err}
	}
	s.metrics.Classifications.WithLabelValues("success").Inc()

	summary := ""
	if message.Preview != "" {
		summary, err = s.aiClient.SummarizeEmail(ctx, message.Subject+"\n\n"+message.Preview)
		if err != nil {
			s.logger.Warn("Summary failed for message", message.ID, ":", err)
			summary = ""
		}
	}

	if decision.Note == "" {
		withSummary := message.Clone()
		if summary != "" {
			withSummary.Summary = summary
		}
		decision.Note = DefaultNote(withSummary, decision)
	}

	// Links written by destination commits that ran during classification
	// live only in the stored row.
	id := message.ID
	message, err = s.messageRepo.Modify(ctx, userID, id, func(current *model.Message) error {
		if err := model.CheckTransition(current.Status, model.ActionAnalyze); err != nil {
			return model.ErrStaleResponse
		}
		current.ApplyDecision(decision, summary, s.reviewThreshold, s.now().UTC())
		return nil
	})
	if errors.Is(err, model.ErrStaleResponse) {
		s.logger.Warn("Message", id, "changed status during classification; decision dropped")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("saving analysis: %w", err)
	}

	s.logger.Infof("Analyzed message %s: %s (confidence %.2f) -> %s",
		message.ID, decision.ContactObjectType, decision.Confidence, message.Status)
	s.events.BroadcastToUser(userID, EventMessageUpdated, message)
	return message, nil
}

// claim takes the in-flight claim for key and returns its release func.
func claim(ctx context.Context, guard dedup.Guard, key string, log *logger.Logger) (func(), error) {
	ok, err := guard.Claim(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, model.ErrActionInFlight
	}
	return func() {
		if err := guard.Release(context.Background(), key); err != nil {
			log.Warn("Failed to release claim", key, ":", err)
		}
	}, nil
}

type nopPublisher struct{}

func (nopPublisher) BroadcastToUser(string, string, interface{}) {}

func orNop(events EventPublisher) EventPublisher {
	if events == nil {
		return nopPublisher{}
	}
	return events
}
