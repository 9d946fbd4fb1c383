// Package oauth holds the per-system OAuth2 settings used by the connect
// flows and hands out authorized HTTP clients for stored credentials.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"inbox-router/internal/config"
	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/repository"
)

const (
	stateAudience = "inbox-router/oauth-state"
	stateTTL      = 10 * time.Minute
)

var (
	googleEndpoint = oauth2.Endpoint{
		AuthURL:   "https://accounts.google.com/o/oauth2/auth",
		TokenURL:  "https://oauth2.googleapis.com/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	hubSpotEndpoint = oauth2.Endpoint{
		AuthURL:   "https://app.hubspot.com/oauth/authorize",
		TokenURL:  "https://api.hubapi.com/oauth/v1/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
)

// GoogleScopes are requested per Google-backed system.
var GoogleScopes = map[model.System][]string{
	model.SystemMail: {
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/userinfo.email",
	},
	model.SystemSpreadsheet: {
		"https://www.googleapis.com/auth/spreadsheets",
		"https://www.googleapis.com/auth/drive.metadata.readonly",
		"https://www.googleapis.com/auth/userinfo.email",
	},
}

var ErrInvalidState = errors.New("invalid oauth state")

type stateClaims struct {
	System string `json:"sys"`
	jwt.RegisteredClaims
}

type Manager struct {
	configs     map[model.System]*oauth2.Config
	credentials repository.CredentialRepository
	secret      []byte
	httpClient  *http.Client
	logger      *logger.Logger
	now         func() time.Time
}

func NewManager(cfg *config.Config, credentials repository.CredentialRepository, logger *logger.Logger) *Manager {
	m := &Manager{
		configs:     make(map[model.System]*oauth2.Config),
		credentials: credentials,
		secret:      []byte(cfg.AuthJWTSecret),
		logger:      logger,
		now:         time.Now,
	}

	if cfg.GoogleConfigured() {
		for _, system := range []model.System{model.SystemMail, model.SystemSpreadsheet} {
			m.configs[system] = &oauth2.Config{
				ClientID:     cfg.GoogleClientID,
				ClientSecret: cfg.GoogleClientSecret,
				Endpoint:     googleEndpoint,
				RedirectURL:  CallbackURL(cfg.BaseURL, system),
				Scopes:       GoogleScopes[system],
			}
		}
	}
	if cfg.HubSpotConfigured() {
		m.configs[model.SystemContacts] = &oauth2.Config{
			ClientID:     cfg.HubSpotClientID,
			ClientSecret: cfg.HubSpotClientSecret,
			Endpoint:     hubSpotEndpoint,
			RedirectURL:  CallbackURL(cfg.BaseURL, model.SystemContacts),
			Scopes:       cfg.HubSpotScopes,
		}
	}
	if cfg.SalesforceConfigured() {
		m.configs[model.SystemSecondaryCRM] = &oauth2.Config{
			ClientID:     cfg.SalesforceClientID,
			ClientSecret: cfg.SalesforceClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.SalesforceAuthURL,
				TokenURL:  cfg.SalesforceTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: CallbackURL(cfg.BaseURL, model.SystemSecondaryCRM),
			Scopes:      cfg.SalesforceScopes,
		}
	}
	return m
}

// CallbackURL is where a provider sends the user back after consent.
func CallbackURL(baseURL string, system model.System) string {
	return strings.TrimRight(baseURL, "/") + "/api/" + system.Slug() + "/callback"
}

// Register replaces the settings for one system.
func (m *Manager) Register(system model.System, cfg *oauth2.Config) {
	m.configs[system] = cfg
}

// SetHTTPClient sets the client used for token endpoints and as the base
// transport of authorized clients.
func (m *Manager) SetHTTPClient(client *http.Client) {
	m.httpClient = client
}

func (m *Manager) Configured(system model.System) bool {
	_, ok := m.configs[system]
	return ok
}

// AuthCodeURL starts a connect flow for userID.
func (m *Manager) AuthCodeURL(userID string, system model.System) (string, error) {
	cfg, ok := m.configs[system]
	if !ok {
		return "", fmt.Errorf("%s: %w", system, model.ErrNotConfigured)
	}
	state, err := m.SignState(userID, system)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// SignState binds a connect flow to a user and a system.
func (m *Manager) SignState(userID string, system model.System) (string, error) {
	now := m.now()
	claims := stateClaims{
		System: string(system),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{stateAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) ParseState(state string) (string, model.System, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(state, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(stateAudience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	system := model.System(claims.System)
	if claims.Subject == "" || !system.Valid() {
		return "", "", ErrInvalidState
	}
	return claims.Subject, system, nil
}

func (m *Manager) Exchange(ctx context.Context, system model.System, code string) (*oauth2.Token, error) {
	cfg, ok := m.configs[system]
	if !ok {
		return nil, fmt.Errorf("%s: %w", system, model.ErrNotConfigured)
	}
	token, err := cfg.Exchange(m.context(ctx), code)
	if err != nil {
		return nil, &model.ConnectionError{System: system, Op: "connect", Err: err}
	}
	return token, nil
}

// CredentialFromToken turns a freshly exchanged token into a credential.
func CredentialFromToken(userID string, system model.System, token *oauth2.Token) *model.Credential {
	var expiry *time.Time
	if !token.Expiry.IsZero() {
		e := token.Expiry.UTC()
		expiry = &e
	}
	credential := model.NewCredential(userID, system, token.AccessToken, token.RefreshToken, expiry)
	if instanceURL, ok := token.Extra("instance_url").(string); ok {
		credential.InstanceURL = strings.TrimRight(instanceURL, "/")
	}
	if id, ok := token.Extra("id").(string); ok {
		credential.AccountID = id
	}
	return credential
}

// HTTPClient returns a client that authorizes requests with the credential's
// token. Refreshed tokens are written back to the credential and saved.
func (m *Manager) HTTPClient(ctx context.Context, credential *model.Credential) (*http.Client, error) {
	if credential == nil || credential.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access token", model.ErrNotConnected)
	}
	ctx = m.context(context.WithoutCancel(ctx))

	token := &oauth2.Token{
		AccessToken:  credential.AccessToken,
		RefreshToken: credential.RefreshToken,
		TokenType:    "Bearer",
	}
	if credential.TokenExpiry != nil {
		token.Expiry = *credential.TokenExpiry
	}

	cfg, ok := m.configs[credential.System]
	if !ok {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)), nil
	}
	source := &persistingSource{
		base:        cfg.TokenSource(ctx, token),
		credential:  credential,
		credentials: m.credentials,
		logger:      m.logger,
		now:         m.now,
	}
	return oauth2.NewClient(ctx, source), nil
}

func (m *Manager) context(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

type persistingSource struct {
	base        oauth2.TokenSource
	credential  *model.Credential
	credentials repository.CredentialRepository
	logger      *logger.Logger
	now         func() time.Time
	mu          sync.Mutex
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, &model.ConnectionError{System: s.credential.System, Op: "refresh", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken == s.credential.AccessToken {
		return token, nil
	}

	s.credential.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		s.credential.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry.UTC()
		s.credential.TokenExpiry = &expiry
	}
	s.credential.UpdatedAt = s.now().UTC()
	if s.credentials != nil {
		if err := s.credentials.Save(context.Background(), s.credential); err != nil {
			s.logger.Warn("Failed to persist refreshed token for", s.credential.System, ":", err)
		}
	}
	s.logger.Debug("Refreshed token for", s.credential.System, "user", s.credential.UserID)
	return token, nil
}
