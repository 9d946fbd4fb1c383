package service

import (
	"context"
	"fmt"
	"time"

	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
	"inbox-router/internal/model"
	"inbox-router/internal/repository"
)

type syncService struct {
	messageRepo repository.MessageRepository
	connections ConnectionService
	mail        MailClient
	events      EventPublisher
	metrics     *metrics.Metrics
	maxMessages int64
	logger      *logger.Logger
	now         func() time.Time
}

func NewSyncService(
	messageRepo repository.MessageRepository,
	connections ConnectionService,
	mail MailClient,
	events EventPublisher,
	metrics *metrics.Metrics,
	maxMessages int64,
	logger *logger.Logger,
) SyncService {
	if maxMessages <= 0 {
		maxMessages = 200
	}
	return &syncService{
		messageRepo: messageRepo,
		connections: connections,
		mail:        mail,
		events:      orNop(events),
		metrics:     metrics,
		maxMessages: maxMessages,
		logger:      logger,
		now:         time.Now,
	}
}

// StartSync imports new mail. The first run only records a baseline so that
// mail already sitting in the inbox is never imported. Later runs import
// messages received strictly after the newer of the baseline and the
// previous poll. Messages that already exist are left untouched.
func (s *syncService) StartSync(ctx context.Context, userID string, maxMessages int64) (*SyncResult, error) {
	credential, err := s.connections.Require(ctx, userID, model.SystemMail)
	if err != nil {
		return nil, err
	}
	ready, err := s.connections.Ready(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, model.ErrNotReady
	}
	if maxMessages <= 0 || maxMessages > s.maxMessages {
		maxMessages = s.maxMessages
	}

	now := s.now().UTC()

	if !credential.BaselineReady || credential.BaselineAt == nil {
		credential.BaselineAt = &now
		credential.BaselineReady = true
		credential.LastPollAt = &now
		if err := s.connections.UpdateCredential(ctx, credential); err != nil {
			s.metrics.SyncRuns.WithLabelValues("baseline", "failure").Inc()
			return nil, fmt.Errorf("saving baseline: %w", err)
		}
		s.metrics.SyncRuns.WithLabelValues("baseline", "success").Inc()
		s.logger.Info("Baseline set for user", userID, "at", now.Format(time.RFC3339))

		result := &SyncResult{
			Baseline:      true,
			BaselineReady: true,
			BaselineAt:    credential.BaselineAt,
			LastPollAt:    credential.LastPollAt,
		}
		s.events.BroadcastToUser(userID, EventSyncCompleted, result)
		return result, nil
	}

	cutoff := *credential.BaselineAt
	if credential.LastPollAt != nil && credential.LastPollAt.After(cutoff) {
		cutoff = *credential.LastPollAt
	}

	fetched, err := s.mail.ListMessagesAfter(ctx, credential, cutoff, maxMessages)
	if err != nil {
		s.metrics.SyncRuns.WithLabelValues("incremental", "failure").Inc()
		return nil, &model.ConnectionError{System: model.SystemMail, Op: "sync", Err: err}
	}

	result := &SyncResult{BaselineReady: true, BaselineAt: credential.BaselineAt}
	for _, message := range fetched {
		if message.ExternalID == "" || !message.ReceivedAt.After(cutoff) {
			result.Skipped++
			continue
		}
		message.UserID = userID
		message.Status = model.StatusNew

		created, err := s.messageRepo.CreateIfAbsent(ctx, message)
		if err != nil {
			s.logger.Error("Failed to store message", message.ExternalID, ":", err)
			result.Errors++
			continue
		}
		if !created {
			result.Skipped++
			continue
		}
		result.Processed++
		result.Messages = append(result.Messages, message)
		s.events.BroadcastToUser(userID, EventMessageUpdated, message)
	}

	credential.LastPollAt = &now
	if err := s.connections.UpdateCredential(ctx, credential); err != nil {
		s.metrics.SyncRuns.WithLabelValues("incremental", "failure").Inc()
		return nil, fmt.Errorf("saving poll time: %w", err)
	}
	result.LastPollAt = credential.LastPollAt

	s.metrics.SyncRuns.WithLabelValues("incremental", "success").Inc()
	s.metrics.MessagesSynced.Add(float64(result.Processed))
	s.logger.Infof("Sync for user %s: %d new, %d skipped, %d errors", userID, result.Processed, result.Skipped, result.Errors)
	s.events.BroadcastToUser(userID, EventSyncCompleted, result)
	return result, nil
}
