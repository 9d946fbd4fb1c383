package ai

import (
	"context"
	"strings"

	"inbox-router/internal/model"
)

// MockAIClient is a mock implementation of AIClient for testing
type MockAIClient struct {
	ClassifyRouteFunc  func(ctx context.Context, message *model.Message) (*model.RoutingDecision, error)
	SummarizeEmailFunc func(ctx context.Context, emailBody string) (string, error)
}

func NewMockAIClient() *MockAIClient {
	return &MockAIClient{}
}

func (m *MockAIClient) ClassifyRoute(ctx context.Context, message *model.Message) (*model.RoutingDecision, error) {
	if m.ClassifyRouteFunc != nil {
		return m.ClassifyRouteFunc(ctx, message)
	}

	// Default mock behavior: a confident contact decision
	return &model.RoutingDecision{
		ContactObjectType: "contacts",
		TargetSystems:     []model.System{model.SystemContacts},
		Intent:            "inquiry",
		Urgency:           "medium",
		Confidence:        0.9,
		Reasoning:         "mock decision",
	}, nil
}

func (m *MockAIClient) SummarizeEmail(ctx context.Context, emailBody string) (string, error) {
	if m.SummarizeEmailFunc != nil {
		return m.SummarizeEmailFunc(ctx, emailBody)
	}

	// Default mock behavior: return the first line
	first, _, _ := strings.Cut(strings.TrimSpace(emailBody), "\n")
	return first + " (summary)", nil
}
