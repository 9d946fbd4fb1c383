package sse

import (
	"context"
	"errors"
	"time"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

// InboxSyncJob runs incremental syncs for users that have an inbox stream
// open and pushes their summary counts after each run.
type InboxSyncJob struct {
	syncService  service.SyncService
	inboxService service.InboxService
	sseManager   *SSEManager
	logger       *logger.Logger
	interval     time.Duration
	maxMessages  int64
}

func NewInboxSyncJob(
	syncService service.SyncService,
	inboxService service.InboxService,
	sseManager *SSEManager,
	interval time.Duration,
	maxMessages int64,
	logger *logger.Logger,
) *InboxSyncJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &InboxSyncJob{
		syncService:  syncService,
		inboxService: inboxService,
		sseManager:   sseManager,
		logger:       logger,
		interval:     interval,
		maxMessages:  maxMessages,
	}
}

// RunSync executes one pass over the connected streams.
func (j *InboxSyncJob) RunSync(ctx context.Context) {
	users := j.sseManager.Users()
	if len(users) == 0 {
		return
	}
	j.logger.Debug("Polling inbox for", len(users), "users")

	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		j.syncUser(ctx, userID)
	}
}

func (j *InboxSyncJob) syncUser(ctx context.Context, userID string) {
	result, err := j.syncService.StartSync(ctx, userID, j.maxMessages)
	switch {
	case errors.Is(err, model.ErrNotReady), errors.Is(err, model.ErrNotConnected):
		j.logger.Debug("Skipping inbox poll for user", userID, ":", err)
	case err != nil:
		j.logger.Warn("Inbox poll failed for user", userID, ":", err)
	default:
		if result.Processed > 0 {
			j.logger.Info("Polled", result.Processed, "new messages for user", userID)
		}
	}

	summary, err := j.inboxService.Summary(ctx, userID)
	if err != nil {
		j.logger.Warn("Failed to build inbox summary for user", userID, ":", err)
		return
	}
	j.sseManager.BroadcastToUser(userID, service.EventInboxSummary, summary)
}

// Start polls until ctx is done.
func (j *InboxSyncJob) Start(ctx context.Context) error {
	j.logger.Info("Starting inbox sync job with interval:", j.interval.String())

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunSync(ctx)
		case <-ctx.Done():
			j.logger.Info("Inbox sync job stopped")
			return nil
		}
	}
}
