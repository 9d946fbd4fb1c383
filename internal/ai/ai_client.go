package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

const (
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
	ProviderGemini   = "gemini"
)

// ErrKeysExhausted is returned when every configured key was rejected or
// throttled.
var ErrKeysExhausted = errors.New("all AI API keys exhausted")

// Config selects the provider and credentials.
type Config struct {
	Provider string
	APIKeys  []string
	Model    string
	// BaseURL overrides the provider endpoint.
	BaseURL       string
	RatePerSecond float64
	HTTPClient    *http.Client
}

type aiClient struct {
	provider   string
	apiKeys    []string
	model      string
	baseURL    string
	limiter    *rate.Limiter
	httpClient *http.Client
	logger     *logger.Logger
}

func NewAIClient(cfg Config, logger *logger.Logger) service.AIClient {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderGemini
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = getBaseURL(provider)
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = getModel(provider)
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &aiClient{
		provider:   provider,
		apiKeys:    cfg.APIKeys,
		model:      modelName,
		baseURL:    strings.TrimRight(baseURL, "/"),
		limiter:    rate.NewLimiter(limit, 1),
		httpClient: httpClient,
		logger:     logger,
	}
}

// getBaseURL returns the appropriate API base URL based on the provider
func getBaseURL(provider string) string {
	switch provider {
	case ProviderDeepSeek:
		return "https://api.deepseek.com"
	case ProviderGemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	default:
		return "https://api.openai.com/v1"
	}
}

// getModel returns the appropriate model based on the provider
func getModel(provider string) string {
	switch provider {
	case ProviderDeepSeek:
		return "deepseek-chat"
	case ProviderGemini:
		return "gemini-2.0-flash-lite"
	default:
		return "gpt-4o"
	}
}

// OpenAI/DeepSeek API request/response structures
type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Gemini API request/response structures
type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      geminiContentForResponse `json:"content"`
	FinishReason string                   `json:"finishReason"`
}

type geminiContentForResponse struct {
	Parts []geminiPart `json:"parts"`
}

// routingResponse is the JSON document the model is asked to return.
type routingResponse struct {
	TargetCRM        []string `json:"target_crm"`
	PrimaryObject    string   `json:"primary_object"`
	SecondaryObjects []string `json:"secondary_objects"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
	Intent           string   `json:"intent"`
	Urgency          string   `json:"urgency"`
}

func (a *aiClient) ClassifyRoute(ctx context.Context, msg *model.Message) (*model.RoutingDecision, error) {
	prompt := buildRoutingPrompt(msg)

	var raw string
	var err error
	switch a.provider {
	case ProviderGemini:
		raw, err = a.generateWithGemini(ctx, prompt, true)
	default:
		raw, err = a.generateWithOpenAIStyle(ctx, prompt, 800, true)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to classify email: %w", err)
	}

	decision, err := parseRoutingDecision(raw)
	if err != nil {
		return nil, err
	}

	a.logger.Info("Classified message", msg.ExternalID, "as", decision.ContactObjectType)
	return decision, nil
}

func (a *aiClient) SummarizeEmail(ctx context.Context, emailBody string) (string, error) {
	prompt := fmt.Sprintf(`Summarize the following email in 2-3 sentences: %s`, emailBody)

	var summary string
	var err error
	switch a.provider {
	case ProviderGemini:
		summary, err = a.generateWithGemini(ctx, prompt, false)
	default:
		summary, err = a.generateWithOpenAIStyle(ctx, prompt, 150, false)
	}
	if err != nil {
		return "", fmt.Errorf("failed to summarize email: %w", err)
	}

	a.logger.Debug("Summarized email")
	return strings.TrimSpace(summary), nil
}

func buildRoutingPrompt(msg *model.Message) string {
	received := "N/A"
	if !msg.ReceivedAt.IsZero() {
		received = msg.ReceivedAt.Format(time.RFC3339)
	}
	metadata := []string{
		"Subject: " + orNA(msg.Subject),
		"From: " + orNA(msg.Sender),
		"Sent at: " + received,
	}
	return strings.Join(metadata, "\n") + "\n\n" + routingInstructions + "\n\n" + msg.Preview
}

// parseRoutingDecision accepts the model output with or without a markdown
// code fence around the JSON document.
func parseRoutingDecision(raw string) (*model.RoutingDecision, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, errors.New("empty routing response")
	}

	var resp routingResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("invalid routing response: %w", err)
	}

	primary := strings.ToLower(strings.TrimSpace(resp.PrimaryObject))
	if primary == "" {
		primary = "none"
	}
	decision := &model.RoutingDecision{
		ContactObjectType: primary,
		Intent:            lowerOr(resp.Intent, "other"),
		Urgency:           lowerOr(resp.Urgency, "medium"),
		Confidence:        clamp(resp.Confidence),
		Reasoning:         strings.TrimSpace(resp.Reasoning),
	}
	for _, obj := range resp.SecondaryObjects {
		if obj = strings.ToLower(strings.TrimSpace(obj)); obj != "" && obj != primary {
			decision.SecondaryObjectType = obj
			break
		}
	}
	for _, crm := range resp.TargetCRM {
		switch strings.ToLower(strings.TrimSpace(crm)) {
		case "hubspot":
			decision.TargetSystems = append(decision.TargetSystems, model.SystemContacts)
		case "salesforce":
			decision.TargetSystems = append(decision.TargetSystems, model.SystemSecondaryCRM)
		}
	}
	return decision, nil
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// generateWithOpenAIStyle handles completions using the OpenAI/DeepSeek style API
func (a *aiClient) generateWithOpenAIStyle(ctx context.Context, prompt string, maxTokens int, jsonOutput bool) (string, error) {
	request := chatCompletionRequest{
		Model:       a.model,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	}
	if jsonOutput {
		request.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := a.withKeys(ctx, func(key string) (*http.Request, error) {
		jsonData, err := json.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+key)
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from AI")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// generateWithGemini handles completions using the Google Gemini API
func (a *aiClient) generateWithGemini(ctx context.Context, prompt string, jsonOutput bool) (string, error) {
	request := geminiRequest{
		Contents: []geminiContent{
			{
				Role:  "user",
				Parts: []geminiPart{{Text: prompt}},
			},
		},
		GenerationConfig: &geminiGenerationConfig{Temperature: 0.2},
	}
	if jsonOutput {
		request.GenerationConfig.ResponseMimeType = "application/json"
	}

	body, err := a.withKeys(ctx, func(key string) (*http.Request, error) {
		jsonData, err := json.Marshal(request)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, a.model, key)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(body, &geminiResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(geminiResp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates returned from Gemini")
	}
	if len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no content parts in Gemini response")
	}
	return geminiResp.Candidates[0].Content.Parts[0].Text, nil
}

// withKeys sends the request built by newRequest with each configured key in
// turn. Auth failures, throttling and server errors move on to the next key;
// any other non-2xx status is returned immediately.
func (a *aiClient) withKeys(ctx context.Context, newRequest func(key string) (*http.Request, error)) ([]byte, error) {
	if len(a.apiKeys) == 0 {
		return nil, model.ErrNotConfigured
	}

	for i, key := range a.apiKeys {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := newRequest(key)
		if err != nil {
			return nil, err
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Warn("AI request failed on key", i+1, ":", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, fmt.Errorf("failed to read response: %w", readErr)
			}
			return body, nil
		}
		if rotatable(resp.StatusCode) {
			a.logger.Warn("AI call failed with status", resp.StatusCode, "rotating key", i+1)
			continue
		}
		return nil, fmt.Errorf("AI API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil, ErrKeysExhausted
}

func rotatable(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func lowerOr(s, def string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	return s
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
