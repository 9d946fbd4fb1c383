package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/repository"
)

type connectionService struct {
	credentialRepo repository.CredentialRepository
	logger         *logger.Logger
	now            func() time.Time
}

func NewConnectionService(credentialRepo repository.CredentialRepository, logger *logger.Logger) ConnectionService {
	return &connectionService{
		credentialRepo: credentialRepo,
		logger:         logger,
		now:            time.Now,
	}
}

func (s *connectionService) Status(ctx context.Context, userID string, system model.System) (*model.Connection, error) {
	if userID == "" {
		return model.DisconnectedConnection(system), nil
	}

	credential, err := s.credentialRepo.Get(ctx, userID, system)
	if errors.Is(err, model.ErrCredentialNotFound) {
		return model.DisconnectedConnection(system), nil
	}
	if err != nil {
		return model.DisconnectedConnection(system), &model.ConnectionError{System: system, Op: "status", Err: err}
	}
	return credential.Connection(s.now()), nil
}

func (s *connectionService) Require(ctx context.Context, userID string, system model.System) (*model.Credential, error) {
	credential, err := s.credentialRepo.Get(ctx, userID, system)
	if errors.Is(err, model.ErrCredentialNotFound) {
		return nil, fmt.Errorf("%s: %w", system, model.ErrNotConnected)
	}
	if err != nil {
		return nil, &model.ConnectionError{System: system, Op: "status", Err: err}
	}
	if !credential.Connection(s.now()).Connected {
		return nil, fmt.Errorf("%s credential expired: %w", system, model.ErrNotConnected)
	}
	return credential, nil
}

func (s *connectionService) Statuses(ctx context.Context, userID string) (map[model.System]*model.Connection, error) {
	result := make(map[model.System]*model.Connection, len(model.AllSystems))
	for _, system := range model.AllSystems {
		conn, err := s.Status(ctx, userID, system)
		if err != nil {
			s.logger.Warn("Status check failed for", system, "user", userID, ":", err)
		}
		result[system] = conn
	}
	return result, nil
}

func (s *connectionService) Ready(ctx context.Context, userID string) (bool, error) {
	statuses, err := s.Statuses(ctx, userID)
	if err != nil {
		return false, err
	}
	if !statuses[model.SystemMail].Connected {
		return false, nil
	}
	for _, system := range model.DestinationSystems {
		if statuses[system].Connected {
			return true, nil
		}
	}
	return false, nil
}

// SaveConnection stores a freshly authorized credential. Sync bookkeeping and
// the selected resource survive a reconnect.
func (s *connectionService) SaveConnection(ctx context.Context, credential *model.Credential) error {
	existing, err := s.credentialRepo.Get(ctx, credential.UserID, credential.System)
	switch {
	case err == nil:
		credential.CreatedAt = existing.CreatedAt
		credential.BaselineAt = existing.BaselineAt
		credential.BaselineReady = existing.BaselineReady
		credential.LastPollAt = existing.LastPollAt
		if credential.ResourceID == "" {
			credential.ResourceID = existing.ResourceID
			credential.ResourceName = existing.ResourceName
		}
		if credential.RefreshToken == "" {
			credential.RefreshToken = existing.RefreshToken
		}
	case errors.Is(err, model.ErrCredentialNotFound):
	default:
		return &model.ConnectionError{System: credential.System, Op: "connect", Err: err}
	}

	if err := s.credentialRepo.Save(ctx, credential); err != nil {
		return &model.ConnectionError{System: credential.System, Op: "connect", Err: err}
	}
	s.logger.Info("Connected", credential.System, "for user", credential.UserID)
	return nil
}

func (s *connectionService) UpdateCredential(ctx context.Context, credential *model.Credential) error {
	return s.credentialRepo.Save(ctx, credential)
}

func (s *connectionService) Disconnect(ctx context.Context, userID string, system model.System) error {
	err := s.credentialRepo.Delete(ctx, userID, system)
	if err != nil && !errors.Is(err, model.ErrCredentialNotFound) {
		return &model.ConnectionError{System: system, Op: "disconnect", Err: err}
	}
	s.logger.Info("Disconnected", system, "for user", userID)
	return nil
}

func (s *connectionService) SelectSpreadsheet(ctx context.Context, userID, spreadsheetID, name string) (*model.Connection, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet id is required")
	}

	credential, err := s.Require(ctx, userID, model.SystemSpreadsheet)
	if err != nil {
		return nil, err
	}
	credential.ResourceID = spreadsheetID
	credential.ResourceName = strings.TrimSpace(name)
	if err := s.credentialRepo.Save(ctx, credential); err != nil {
		return nil, err
	}
	return credential.Connection(s.now()), nil
}
