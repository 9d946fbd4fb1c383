package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/ai"
	"inbox-router/internal/config"
	"inbox-router/internal/dedup"
	"inbox-router/internal/gmail"
	"inbox-router/internal/handler"
	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
	"inbox-router/internal/middleware"
	"inbox-router/internal/model"
	"inbox-router/internal/oauth"
	"inbox-router/internal/repository/memory"
	"inbox-router/internal/router"
	"inbox-router/internal/service"
	"inbox-router/internal/sse"
)

const testUser = "user-1"

var jwtSecret = []byte("handler-test-secret")

type stubDestination struct {
	mu     sync.Mutex
	system model.System
	calls  int
	notes  []string
	err    error
}

func (d *stubDestination) System() model.System { return d.system }

func (d *stubDestination) Commit(ctx context.Context, credential *model.Credential, req *service.CommitRequest) (*model.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.notes = append(d.notes, req.Note)
	if d.err != nil {
		return nil, d.err
	}
	link := &model.Link{
		RecordID:   "rec-" + req.Message.ExternalID,
		ObjectType: "contacts",
		RecordURL:  "https://crm.test/" + req.Message.ExternalID,
	}
	if d.system == model.SystemSpreadsheet {
		link.RecordID = credential.ResourceID
		link.RowNumber = 2
	}
	return link, nil
}

func (d *stubDestination) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type stubCatalog struct{}

func (stubCatalog) ListSpreadsheets(ctx context.Context, credential *model.Credential) ([]service.Spreadsheet, error) {
	return []service.Spreadsheet{{ID: "sheet-9", Name: "Leads"}}, nil
}

// stubProvisioner records the HubSpot portal on connect.
type stubProvisioner struct{}

func (stubProvisioner) EnsureResource(ctx context.Context, credential *model.Credential) (bool, error) {
	if credential.AccountID != "" {
		return false, nil
	}
	credential.AccountID = "portal-7"
	return true, nil
}

type server struct {
	e           *echo.Echo
	config      *config.Config
	messages    *memory.InMemoryMessageRepository
	credentials *memory.InMemoryCredentialRepository
	connections service.ConnectionService
	oauth       *oauth.Manager
	contacts    *stubDestination
	sheet       *stubDestination
	crm         *stubDestination
	ai          *ai.MockAIClient
	mail        *gmail.MockGmailClient
	token       string
}

func newServer(t *testing.T) *server {
	t.Helper()
	return newServerWith(t, nil)
}

func newServerWith(t *testing.T, configure func(*config.Config)) *server {
	t.Helper()
	log := logger.Nop()
	cfg := &config.Config{
		BaseURL:             "http://api.test",
		FrontendURL:         "http://app.test",
		AuthJWTSecret:       string(jwtSecret),
		SessionSecret:       "session-secret",
		HubSpotClientID:     "hs-id",
		HubSpotClientSecret: "hs-secret",
	}
	if configure != nil {
		configure(cfg)
	}

	s := &server{
		config:      cfg,
		messages:    memory.NewInMemoryMessageRepository(),
		credentials: memory.NewInMemoryCredentialRepository(),
		contacts:    &stubDestination{system: model.SystemContacts},
		sheet:       &stubDestination{system: model.SystemSpreadsheet},
		crm:         &stubDestination{system: model.SystemSecondaryCRM},
		ai:          ai.NewMockAIClient(),
		mail:        gmail.NewMockGmailClient(),
	}
	m := metrics.New()
	guard := dedup.NewMemoryGuard(time.Minute)
	streams := sse.NewSSEManager(m, log)

	s.connections = service.NewConnectionService(s.credentials, log)
	s.oauth = oauth.NewManager(cfg, s.credentials, log)
	inbox := service.NewInboxService(s.messages, s.credentials, log)
	syncer := service.NewSyncService(s.messages, s.connections, s.mail, streams, m, 50, log)
	classifier := service.NewClassificationService(s.messages, s.ai, guard, streams, m, 0.5, log)
	routing := service.NewRoutingService(s.messages, s.connections,
		[]service.DestinationClient{s.contacts, s.sheet, s.crm}, guard, streams, m, log)

	handlers := router.Handlers{
		Connect: handler.NewConnectHandler(s.connections, s.oauth, stubCatalog{},
			map[model.System]service.ResourceProvisioner{model.SystemContacts: stubProvisioner{}},
			handler.NewSessionStore([]byte(cfg.SessionSecret), false), cfg, log),
		Inbox:    handler.NewInboxHandler(inbox, syncer, streams, log),
		Pipeline: handler.NewPipelineHandler(classifier, routing, log),
	}

	s.e = echo.New()
	router.SetupRoutes(s.e, handlers, jwtSecret, m, healthcheck.NewHandler())

	token, err := middleware.IssueToken(jwtSecret, testUser, time.Hour)
	require.NoError(t, err)
	s.token = token
	return s
}

func (s *server) connect(t *testing.T, systems ...model.System) {
	t.Helper()
	for _, system := range systems {
		credential := model.NewCredential(testUser, system, "access", "refresh", nil)
		if system == model.SystemSpreadsheet {
			credential.ResourceID = "sheet-1"
		}
		require.NoError(t, s.connections.SaveConnection(context.Background(), credential))
	}
}

func (s *server) addMessage(t *testing.T, externalID string, status model.MessageStatus) *model.Message {
	t.Helper()
	message := model.NewMessage(testUser, externalID, "Jane <jane@acme.io>", "Pricing", "Can you send pricing?", time.Now().Add(-time.Hour))
	message.Status = status
	_, err := s.messages.CreateIfAbsent(context.Background(), message)
	require.NoError(t, err)
	return message
}

// do sends a request with the test user's bearer unless token is "-".
func (s *server) do(method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	switch token {
	case "":
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+s.token)
	case "-":
	default:
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

var errDownstream = errors.New("downstream unavailable")
