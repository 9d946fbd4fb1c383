package repository

import (
	"context"

	"inbox-router/internal/model"
)

// MessageRepository defines the interface for inbox message storage
type MessageRepository interface {
	// CreateIfAbsent inserts the message unless the user already has one with
	// the same external id. Existing rows are never modified.
	CreateIfAbsent(ctx context.Context, message *model.Message) (bool, error)
	FindByID(ctx context.Context, userID, id string) (*model.Message, error)
	FindByExternalID(ctx context.Context, userID, externalID string) (*model.Message, error)
	List(ctx context.Context, userID string, filter model.MessageFilter) ([]*model.Message, error)
	CountByStatus(ctx context.Context, userID string) (map[model.MessageStatus]int, error)
	Update(ctx context.Context, message *model.Message) error
	// Modify loads the current row, applies fn to it and stores the result as
	// one atomic step. An error from fn aborts the write and is returned.
	Modify(ctx context.Context, userID, id string, fn func(*model.Message) error) (*model.Message, error)
}

// CredentialRepository defines the interface for linked account storage
type CredentialRepository interface {
	Get(ctx context.Context, userID string, system model.System) (*model.Credential, error)
	Save(ctx context.Context, credential *model.Credential) error
	Delete(ctx context.Context, userID string, system model.System) error
	ListBySystem(ctx context.Context, system model.System) ([]*model.Credential, error)
}
