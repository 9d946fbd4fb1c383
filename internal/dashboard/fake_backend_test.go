package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"inbox-router/internal/apiclient"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

// fakeBackend plays the inbox-router API in memory, applying the same
// lifecycle rules the real service does.
type fakeBackend struct {
	mu sync.Mutex

	conns         map[model.System]*model.Connection
	statusErr     map[model.System]error
	connectErr    error
	disconnectErr error

	messages map[string]*model.Message
	order    []string
	incoming []*model.Message

	analyzeErr  error
	commitErr   map[model.System]error
	omitMessage bool

	// When gate is set Analyze signals started and waits for gate to close.
	gate    chan struct{}
	started chan struct{}

	calls map[string]int
	notes []string
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{
		conns:     map[model.System]*model.Connection{},
		statusErr: map[model.System]error{},
		messages:  map[string]*model.Message{},
		commitErr: map[model.System]error{},
		calls:     map[string]int{},
	}
	for _, system := range model.AllSystems {
		b.conns[system] = model.DisconnectedConnection(system)
	}
	return b
}

var errNetwork = errors.New("dial tcp: connection refused")

func badGateway(detail string) error {
	return &apiclient.APIError{StatusCode: http.StatusBadGateway, Detail: detail}
}

func (b *fakeBackend) connect(systems ...model.System) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, system := range systems {
		b.conns[system] = &model.Connection{System: system, Status: model.ConnectionConnected, Connected: true}
	}
}

func (b *fakeBackend) add(externalID string, status model.MessageStatus) *model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := model.NewMessage("user-1", externalID, "Jane <jane@acme.io>", "Pricing "+externalID, "Can you send pricing?", time.Now())
	m.Status = status
	b.messages[externalID] = m
	b.order = append(b.order, externalID)
	return m.Clone()
}

func (b *fakeBackend) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *fakeBackend) Status(ctx context.Context, system model.System) (*model.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["status"]++
	if err := b.statusErr[system]; err != nil {
		return nil, err
	}
	conn := *b.conns[system]
	return &conn, nil
}

func (b *fakeBackend) BeginConnect(ctx context.Context, system model.System) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connectErr != nil {
		return "", b.connectErr
	}
	return "https://provider.test/authorize?system=" + string(system), nil
}

func (b *fakeBackend) Disconnect(ctx context.Context, system model.System) (*model.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["disconnect"]++
	if b.disconnectErr != nil {
		return nil, b.disconnectErr
	}
	b.conns[system] = model.DisconnectedConnection(system)
	return model.DisconnectedConnection(system), nil
}

func (b *fakeBackend) StartSync(ctx context.Context, maxMessages int64) (*service.SyncResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["sync"]++
	mail := b.conns[model.SystemMail]
	if mail.Status != model.ConnectionConnected {
		return nil, &apiclient.APIError{StatusCode: http.StatusPreconditionFailed}
	}
	result := &service.SyncResult{Baseline: !mail.BaselineReady, BaselineReady: true}
	mail.BaselineReady = true
	if !result.Baseline {
		for _, m := range b.incoming {
			b.messages[m.ExternalID] = m
			b.order = append(b.order, m.ExternalID)
			result.Processed++
		}
		b.incoming = nil
	}
	return result, nil
}

func (b *fakeBackend) ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["list"]++
	var out []*model.Message
	for _, id := range b.order {
		m := b.messages[id]
		if filter.Accepts(m.Status) && m.Matches(filter.Query) {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (b *fakeBackend) Summary(ctx context.Context) (*model.InboxSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["summary"]++
	summary := model.NewInboxSummary()
	for _, m := range b.messages {
		summary.Counts[m.Status]++
		summary.Total++
	}
	return summary, nil
}

func (b *fakeBackend) find(ref string) (*model.Message, error) {
	if m, ok := b.messages[ref]; ok {
		return m, nil
	}
	for _, m := range b.messages {
		if m.ID == ref {
			return m, nil
		}
	}
	return nil, &apiclient.APIError{StatusCode: http.StatusNotFound}
}

// Analyze answers with the message as it was read before classification, so
// links committed while the gate is closed are missing from the response.
func (b *fakeBackend) Analyze(ctx context.Context, messageID, noteOverride string) (*apiclient.ActionResult, error) {
	b.mu.Lock()
	gate, started := b.gate, b.started
	b.calls["analyze"]++
	m, err := b.find(messageID)
	if err != nil {
		b.mu.Unlock()
		return &apiclient.ActionResult{}, err
	}
	snapshot := m.Clone()
	b.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.analyzeErr != nil {
		return &apiclient.ActionResult{Error: b.analyzeErr.Error()}, b.analyzeErr
	}
	decision := &model.RoutingDecision{ContactObjectType: "contacts", Confidence: 0.8, Note: "Engine note"}
	m.ApplyDecision(decision, "Asks for pricing.", 0.5, time.Now())
	snapshot.ApplyDecision(decision, "Asks for pricing.", 0.5, time.Now())
	return &apiclient.ActionResult{Routing: decision, AISummary: snapshot.Summary, Message: snapshot}, nil
}

func (b *fakeBackend) commit(ref, noteOverride string, action model.Action) (*apiclient.ActionResult, error) {
	system, _ := action.Destination()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[string(action)]++
	m, err := b.find(ref)
	if err != nil {
		return &apiclient.ActionResult{}, err
	}
	check := model.CheckTransition(m.Status, action)
	if m.LinkFor(system) != nil {
		check = model.CheckRepeat(m, action)
	}
	if check != nil {
		return &apiclient.ActionResult{}, &apiclient.APIError{StatusCode: http.StatusConflict, Detail: check.Error()}
	}
	if m.LinkFor(system) != nil {
		return &apiclient.ActionResult{Message: m.Clone()}, nil
	}

	result := model.DestinationResult{Action: action, System: system, At: time.Now()}
	if failure := b.commitErr[system]; failure != nil {
		result.Err = failure
		m.ApplyResult(result)
		out := &apiclient.ActionResult{Error: failure.Error()}
		if !b.omitMessage {
			out.Message = m.Clone()
		}
		return out, badGateway(failure.Error())
	}

	note := noteOverride
	if note == "" && m.Decision != nil {
		note = m.Decision.Note
	}
	b.notes = append(b.notes, note)
	result.Link = &model.Link{RecordID: "rec-" + m.ExternalID, RecordURL: "https://crm.test/" + m.ExternalID, Note: note, RowNumber: 2}
	m.ApplyResult(result)

	out := &apiclient.ActionResult{
		ContactID:    result.Link.RecordID,
		CRMRecordURL: result.Link.RecordURL,
		RowNumber:    2,
		Success:      true,
	}
	if !b.omitMessage {
		out.Message = m.Clone()
	}
	return out, nil
}

func (b *fakeBackend) Accept(ctx context.Context, messageID, noteOverride string) (*apiclient.ActionResult, error) {
	return b.commit(messageID, noteOverride, model.ActionAccept)
}

func (b *fakeBackend) RouteEmail(ctx context.Context, messageID, noteOverride string) (*apiclient.ActionResult, error) {
	return b.commit(messageID, noteOverride, model.ActionRouteSecondary)
}

func (b *fakeBackend) SyncEmail(ctx context.Context, emailID string) (*apiclient.ActionResult, error) {
	return b.commit(emailID, "", model.ActionSyncSpreadsheet)
}

func (b *fakeBackend) Reject(ctx context.Context, messageID string) (*apiclient.ActionResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["reject"]++
	m, err := b.find(messageID)
	if err != nil {
		return &apiclient.ActionResult{}, err
	}
	if err := model.CheckTransition(m.Status, model.ActionReject); err != nil {
		return &apiclient.ActionResult{}, &apiclient.APIError{StatusCode: http.StatusConflict, Detail: err.Error()}
	}
	m.ApplyResult(model.DestinationResult{Action: model.ActionReject, At: time.Now()})
	return &apiclient.ActionResult{Message: m.Clone()}, nil
}

func (b *fakeBackend) Logout(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls["logout"]++
	return nil
}
