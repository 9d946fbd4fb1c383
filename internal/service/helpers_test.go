package service_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"inbox-router/internal/dedup"
	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
	"inbox-router/internal/model"
	"inbox-router/internal/repository/memory"
	"inbox-router/internal/service"
)

const testUser = "user-1"

type fakeDestination struct {
	mu      sync.Mutex
	system  model.System
	calls   int
	notes   []string
	err     error
	block   chan struct{}
	entered chan struct{}
	ensured bool
}

func (d *fakeDestination) System() model.System { return d.system }

func (d *fakeDestination) Commit(ctx context.Context, credential *model.Credential, req *service.CommitRequest) (*model.Link, error) {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.notes = append(d.notes, req.Note)
	if d.err != nil {
		return nil, d.err
	}
	return &model.Link{
		RecordID:  "rec-" + req.Message.ExternalID,
		RecordURL: "https://example.test/" + string(d.system) + "/" + req.Message.ExternalID,
	}, nil
}

func (d *fakeDestination) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// provisioningDestination also selects a resource before the first commit.
type provisioningDestination struct {
	*fakeDestination
}

func (d provisioningDestination) EnsureResource(ctx context.Context, credential *model.Credential) (bool, error) {
	if credential.ResourceID != "" {
		return false, nil
	}
	credential.ResourceID = "sheet-1"
	credential.ResourceName = "Inbox Router"
	d.ensured = true
	return true, nil
}

type recordedEvent struct {
	userID    string
	eventType string
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) BroadcastToUser(userID, eventType string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{userID: userID, eventType: eventType})
}

func (r *eventRecorder) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type fixture struct {
	messages    *memory.InMemoryMessageRepository
	credentials *memory.InMemoryCredentialRepository
	connections service.ConnectionService
	guard       *dedup.MemoryGuard
	events      *eventRecorder
	metrics     *metrics.Metrics
	logger      *logger.Logger
}

func newFixture() *fixture {
	credentials := memory.NewInMemoryCredentialRepository()
	log := logger.Nop()
	return &fixture{
		messages:    memory.NewInMemoryMessageRepository(),
		credentials: credentials,
		connections: service.NewConnectionService(credentials, log),
		guard:       dedup.NewMemoryGuard(time.Minute),
		events:      &eventRecorder{},
		metrics:     metrics.New(),
		logger:      log,
	}
}

func (f *fixture) connect(systems ...model.System) {
	for _, system := range systems {
		credential := model.NewCredential(testUser, system, "access-"+string(system), "refresh", nil)
		credential.Identity = "owner@example.com"
		if err := f.connections.SaveConnection(context.Background(), credential); err != nil {
			panic(err)
		}
	}
}

func (f *fixture) addMessage(externalID string, status model.MessageStatus) *model.Message {
	message := model.NewMessage(testUser, externalID, "Jane Doe <jane@example.com>", "Pricing question", "Can you send pricing?", time.Now().Add(-time.Hour))
	message.Status = status
	if _, err := f.messages.CreateIfAbsent(context.Background(), message); err != nil {
		panic(err)
	}
	return message
}

var errDownstream = errors.New("downstream unavailable")
