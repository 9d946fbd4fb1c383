package gmail

import (
	"context"
	"time"

	"inbox-router/internal/model"
)

// MockGmailClient is a mock implementation of the mail client for testing
type MockGmailClient struct {
	ProfileFunc           func(ctx context.Context, credential *model.Credential) (string, error)
	ListMessagesAfterFunc func(ctx context.Context, credential *model.Credential, after time.Time, maxResults int64) ([]*model.Message, error)
}

func NewMockGmailClient() *MockGmailClient {
	return &MockGmailClient{}
}

func (m *MockGmailClient) Profile(ctx context.Context, credential *model.Credential) (string, error) {
	if m.ProfileFunc != nil {
		return m.ProfileFunc(ctx, credential)
	}

	// Default mock behavior: echo the stored identity
	return credential.Identity, nil
}

func (m *MockGmailClient) ListMessagesAfter(ctx context.Context, credential *model.Credential, after time.Time, maxResults int64) ([]*model.Message, error) {
	if m.ListMessagesAfterFunc != nil {
		return m.ListMessagesAfterFunc(ctx, credential, after, maxResults)
	}

	// Default mock behavior: return an empty list
	return []*model.Message{}, nil
}
