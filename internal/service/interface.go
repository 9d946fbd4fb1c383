package service

import (
	"context"
	"net/http"
	"time"

	"inbox-router/internal/model"
)

type ConnectionService interface {
	// Status never fails for a missing connection; it reports disconnected.
	Status(ctx context.Context, userID string, system model.System) (*model.Connection, error)
	// Require returns the credential for a connected system or ErrNotConnected.
	Require(ctx context.Context, userID string, system model.System) (*model.Credential, error)
	Statuses(ctx context.Context, userID string) (map[model.System]*model.Connection, error)
	Ready(ctx context.Context, userID string) (bool, error)
	SaveConnection(ctx context.Context, credential *model.Credential) error
	UpdateCredential(ctx context.Context, credential *model.Credential) error
	Disconnect(ctx context.Context, userID string, system model.System) error
	SelectSpreadsheet(ctx context.Context, userID, spreadsheetID, name string) (*model.Connection, error)
}

type InboxService interface {
	List(ctx context.Context, userID string, filter model.MessageFilter) ([]*model.Message, error)
	// Get resolves ref as an internal id first and as a source id second.
	Get(ctx context.Context, userID, ref string) (*model.Message, error)
	Summary(ctx context.Context, userID string) (*model.InboxSummary, error)
}

type ClassificationService interface {
	Analyze(ctx context.Context, userID, ref string) (*model.Message, error)
}

type RoutingService interface {
	AcceptToContactSystem(ctx context.Context, userID, ref, noteOverride string) (*model.Message, error)
	RouteToSecondarySystem(ctx context.Context, userID, ref, noteOverride string) (*model.Message, error)
	SyncToSpreadsheet(ctx context.Context, userID, ref string) (*model.Message, error)
	Reject(ctx context.Context, userID, ref string) (*model.Message, error)
	RequestReview(ctx context.Context, userID, ref string) (*model.Message, error)
	Finalize(ctx context.Context, userID, ref string) (*model.Message, error)
}

type SyncService interface {
	StartSync(ctx context.Context, userID string, maxMessages int64) (*SyncResult, error)
}

// SyncResult reports one sync run.
type SyncResult struct {
	Processed     int              `json:"processed"`
	Skipped       int              `json:"skipped"`
	Errors        int              `json:"errors"`
	Baseline      bool             `json:"baseline"`
	BaselineReady bool             `json:"baseline_ready"`
	BaselineAt    *time.Time       `json:"baseline_at,omitempty"`
	LastPollAt    *time.Time       `json:"last_poll_at,omitempty"`
	Messages      []*model.Message `json:"-"`
}

// MailClient reads messages from the linked mailbox.
type MailClient interface {
	Profile(ctx context.Context, credential *model.Credential) (string, error)
	ListMessagesAfter(ctx context.Context, credential *model.Credential, after time.Time, maxResults int64) ([]*model.Message, error)
}

// AIClient interface for interacting with AI services
type AIClient interface {
	ClassifyRoute(ctx context.Context, message *model.Message) (*model.RoutingDecision, error)
	SummarizeEmail(ctx context.Context, emailBody string) (string, error)
}

// CommitRequest carries what a destination needs to record a message.
type CommitRequest struct {
	Message  *model.Message
	Decision *model.RoutingDecision
	// Note is the text that will be stored, already resolved against any
	// user override.
	Note string
}

// DestinationClient commits messages to one destination system.
type DestinationClient interface {
	System() model.System
	Commit(ctx context.Context, credential *model.Credential, req *CommitRequest) (*model.Link, error)
}

// ResourceProvisioner is implemented by destinations that need a target
// resource (a spreadsheet) selected or created before the first commit. It
// reports whether the credential was changed and must be saved.
type ResourceProvisioner interface {
	EnsureResource(ctx context.Context, credential *model.Credential) (bool, error)
}

// Spreadsheet is one entry of the spreadsheet picker.
type Spreadsheet struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	URL        string    `json:"url"`
}

type SpreadsheetCatalog interface {
	ListSpreadsheets(ctx context.Context, credential *model.Credential) ([]Spreadsheet, error)
}

// HTTPClientProvider returns an authorized client for a credential.
type HTTPClientProvider interface {
	HTTPClient(ctx context.Context, credential *model.Credential) (*http.Client, error)
}

// EventPublisher pushes live updates to a user's open streams.
type EventPublisher interface {
	BroadcastToUser(userID string, eventType string, data interface{})
}

const (
	EventMessageUpdated = "message_updated"
	EventInboxSummary   = "inbox_summary"
	EventSyncCompleted  = "sync_completed"
)
