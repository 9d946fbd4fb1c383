package service

import (
	"context"
	"errors"
	"strings"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/repository"
)

type inboxService struct {
	messageRepo    repository.MessageRepository
	credentialRepo repository.CredentialRepository
	logger         *logger.Logger
}

func NewInboxService(
	messageRepo repository.MessageRepository,
	credentialRepo repository.CredentialRepository,
	logger *logger.Logger,
) InboxService {
	return &inboxService{
		messageRepo:    messageRepo,
		credentialRepo: credentialRepo,
		logger:         logger,
	}
}

func (s *inboxService) List(ctx context.Context, userID string, filter model.MessageFilter) ([]*model.Message, error) {
	filter = filter.Normalize()
	if filter.Status != "" && filter.Status != model.FilterAll && !model.MessageStatus(filter.Status).Valid() {
		return nil, errors.New("unknown status filter: " + filter.Status)
	}
	return s.messageRepo.List(ctx, userID, filter)
}

func (s *inboxService) Get(ctx context.Context, userID, ref string) (*model.Message, error) {
	return resolveMessage(ctx, s.messageRepo, userID, ref)
}

func (s *inboxService) Summary(ctx context.Context, userID string) (*model.InboxSummary, error) {
	counts, err := s.messageRepo.CountByStatus(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := model.NewInboxSummary()
	for status, n := range counts {
		summary.Counts[status] = n
		summary.Total += n
	}

	credential, err := s.credentialRepo.Get(ctx, userID, model.SystemMail)
	if err == nil {
		summary.LastCheckedAt = credential.LastPollAt
		if summary.LastCheckedAt == nil {
			summary.LastCheckedAt = credential.BaselineAt
		}
	} else if !errors.Is(err, model.ErrCredentialNotFound) {
		s.logger.Warn("Could not read mail credential for summary:", err)
	}
	return summary, nil
}

// resolveMessage looks ref up as an internal id, then as a source id.
func resolveMessage(ctx context.Context, repo repository.MessageRepository, userID, ref string) (*model.Message, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, model.ErrMessageNotFound
	}
	message, err := repo.FindByID(ctx, userID, ref)
	if err == nil {
		return message, nil
	}
	if !errors.Is(err, model.ErrMessageNotFound) {
		return nil, err
	}
	return repo.FindByExternalID(ctx, userID, ref)
}
