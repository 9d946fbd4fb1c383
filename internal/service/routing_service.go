package service

import (
	"context"
	"fmt"
	"time"

	"inbox-router/internal/dedup"
	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
	"inbox-router/internal/model"
	"inbox-router/internal/repository"
)

type routingService struct {
	messageRepo  repository.MessageRepository
	connections  ConnectionService
	destinations map[model.System]DestinationClient
	guard        dedup.Guard
	events       EventPublisher
	metrics      *metrics.Metrics
	logger       *logger.Logger
	now          func() time.Time
}

func NewRoutingService(
	messageRepo repository.MessageRepository,
	connections ConnectionService,
	destinations []DestinationClient,
	guard dedup.Guard,
	events EventPublisher,
	metrics *metrics.Metrics,
	logger *logger.Logger,
) RoutingService {
	bySystem := make(map[model.System]DestinationClient, len(destinations))
	for _, d := range destinations {
		bySystem[d.System()] = d
	}
	return &routingService{
		messageRepo:  messageRepo,
		connections:  connections,
		destinations: bySystem,
		guard:        guard,
		events:       orNop(events),
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

func (s *routingService) AcceptToContactSystem(ctx context.Context, userID, ref, noteOverride string) (*model.Message, error) {
	return s.commit(ctx, userID, ref, model.ActionAccept, noteOverride)
}

func (s *routingService) RouteToSecondarySystem(ctx context.Context, userID, ref, noteOverride string) (*model.Message, error) {
	return s.commit(ctx, userID, ref, model.ActionRouteSecondary, noteOverride)
}

func (s *routingService) SyncToSpreadsheet(ctx context.Context, userID, ref string) (*model.Message, error) {
	return s.commit(ctx, userID, ref, model.ActionSyncSpreadsheet, "")
}

func (s *routingService) Reject(ctx context.Context, userID, ref string) (*model.Message, error) {
	return s.transition(ctx, userID, ref, model.ActionReject)
}

func (s *routingService) RequestReview(ctx context.Context, userID, ref string) (*model.Message, error) {
	return s.transition(ctx, userID, ref, model.ActionRequestReview)
}

func (s *routingService) Finalize(ctx context.Context, userID, ref string) (*model.Message, error) {
	return s.transition(ctx, userID, ref, model.ActionFinalize)
}

// commit writes a message to the destination behind action. A message that
// already carries a link for that destination is returned unchanged and no
// downstream call is made.
func (s *routingService) commit(ctx context.Context, userID, ref string, action model.Action, noteOverride string) (*model.Message, error) {
	system, _ := action.Destination()

	message, err := resolveMessage(ctx, s.messageRepo, userID, ref)
	if err != nil {
		return nil, err
	}
	if done, err := s.alreadyCommitted(message, action, system); done || err != nil {
		return message, err
	}

	destination, ok := s.destinations[system]
	if !ok {
		return nil, fmt.Errorf("%s: %w", system, model.ErrNotConfigured)
	}
	credential, err := s.connections.Require(ctx, userID, system)
	if err != nil {
		return nil, err
	}

	release, err := claim(ctx, s.guard, dedup.Key(userID, message.ID, action), s.logger)
	if err != nil {
		return nil, err
	}
	defer release()

	// Another request may have finished the same commit while we waited.
	message, err = s.messageRepo.FindByID(ctx, userID, message.ID)
	if err != nil {
		return nil, err
	}
	if done, err := s.alreadyCommitted(message, action, system); done || err != nil {
		return message, err
	}

	note := resolveNote(message, noteOverride)
	started := time.Now()
	link, commitErr := s.send(ctx, destination, credential, message, note)
	s.metrics.ObserveCommit(string(system), started, commitErr)

	result := model.DestinationResult{Action: action, System: system, Link: link, At: s.now().UTC()}
	if commitErr != nil {
		result.Err = &model.RoutingError{System: system, Action: action, Err: commitErr}
		s.logger.Error("Commit to", system, "failed for message", message.ID, ":", commitErr)
	} else if link != nil && link.Note == "" && action != model.ActionSyncSpreadsheet {
		link.Note = note
	}

	// Other actions may have written the row during the downstream call, so
	// the result is applied to the stored message, not to our copy.
	message, err = s.messageRepo.Modify(ctx, userID, message.ID, func(current *model.Message) error {
		if model.CheckRepeat(current, action) != nil {
			// The record exists downstream; keep its link even though the
			// message moved on meanwhile.
			if result.Err == nil {
				current.AttachLink(system, link, result.At)
			}
			return nil
		}
		current.ApplyResult(result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("saving %s result: %w", action, err)
	}
	s.events.BroadcastToUser(userID, EventMessageUpdated, message)

	if result.Err != nil {
		return message, result.Err
	}
	s.logger.Infof("Committed message %s to %s (record %s)", message.ID, system, link.RecordID)
	return message, nil
}

// alreadyCommitted reports whether message holds the link action would
// write. The status is checked first so a link never lets a forbidden action
// through.
func (s *routingService) alreadyCommitted(message *model.Message, action model.Action, system model.System) (bool, error) {
	if message.LinkFor(system) == nil {
		return false, model.CheckTransition(message.Status, action)
	}
	if err := model.CheckRepeat(message, action); err != nil {
		return false, err
	}
	s.metrics.CommitsShortCircuit.WithLabelValues(string(system)).Inc()
	s.logger.Info("Message", message.ID, "already committed to", system)
	return true, nil
}

func (s *routingService) send(ctx context.Context, destination DestinationClient, credential *model.Credential, message *model.Message, note string) (*model.Link, error) {
	if provisioner, ok := destination.(ResourceProvisioner); ok {
		changed, err := provisioner.EnsureResource(ctx, credential)
		if err != nil {
			return nil, err
		}
		if changed {
			if err := s.connections.UpdateCredential(ctx, credential); err != nil {
				return nil, err
			}
		}
	}

	link, err := destination.Commit(ctx, credential, &CommitRequest{
		Message:  message.Clone(),
		Decision: message.Decision,
		Note:     note,
	})
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("%s returned no record", destination.System())
	}
	return link, nil
}

// transition applies an action that makes no downstream call.
func (s *routingService) transition(ctx context.Context, userID, ref string, action model.Action) (*model.Message, error) {
	message, err := resolveMessage(ctx, s.messageRepo, userID, ref)
	if err != nil {
		return nil, err
	}
	if err := model.CheckTransition(message.Status, action); err != nil {
		return nil, err
	}

	release, err := claim(ctx, s.guard, dedup.Key(userID, message.ID, action), s.logger)
	if err != nil {
		return nil, err
	}
	defer release()

	message, err = s.messageRepo.Modify(ctx, userID, message.ID, func(current *model.Message) error {
		if err := model.CheckTransition(current.Status, action); err != nil {
			return err
		}
		current.ApplyResult(model.DestinationResult{Action: action, At: s.now().UTC()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Message", message.ID, action, "->", message.Status)
	s.events.BroadcastToUser(userID, EventMessageUpdated, message)
	return message, nil
}
