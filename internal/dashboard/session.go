// Package dashboard is the per-user session core behind the dashboard: the
// connection registry, the message projection, per-message actions and the
// sync and summary loops. It reaches the backend only through its HTTP API.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"inbox-router/internal/apiclient"
	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

const DefaultSyncMaxMessages = 200

// Backend is the HTTP surface the session drives. *apiclient.Client
// implements it.
type Backend interface {
	ConnectionAPI
	StartSync(ctx context.Context, maxMessages int64) (*service.SyncResult, error)
	ListMessages(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error)
	Summary(ctx context.Context) (*model.InboxSummary, error)
	Analyze(ctx context.Context, messageID, noteOverride string) (*apiclient.ActionResult, error)
	Accept(ctx context.Context, messageID, noteOverride string) (*apiclient.ActionResult, error)
	RouteEmail(ctx context.Context, messageID, noteOverride string) (*apiclient.ActionResult, error)
	SyncEmail(ctx context.Context, emailID string) (*apiclient.ActionResult, error)
	Reject(ctx context.Context, messageID string) (*apiclient.ActionResult, error)
	Logout(ctx context.Context) error
}

type Config struct {
	SyncMaxMessages int64
	SummaryInterval time.Duration
}

// Readiness is what the sync panel shows.
type Readiness string

const (
	ReadinessNotReady        Readiness = "not_ready"
	ReadinessBaselinePending Readiness = "baseline_pending"
	ReadinessWatching        Readiness = "watching"
)

// ActionState is the loading flag and inline error of one action on one
// message.
type ActionState struct {
	Loading bool
	Err     string
}

// SyncState describes the last sync of this session.
type SyncState struct {
	Syncing bool
	Message string
	Last    *service.SyncResult
	Err     string
}

type actionKey struct {
	messageID string
	action    model.Action
}

type Session struct {
	backend  Backend
	registry *Registry
	store    *Store
	poller   *SummaryPoller
	config   Config
	logger   *logger.Logger
	now      func() time.Time

	mu         sync.Mutex
	autoSynced bool
	syncState  SyncState
	loadGen    int
	listErr    string
	actions    map[actionKey]ActionState
}

func NewSession(backend Backend, config Config, logger *logger.Logger) *Session {
	if config.SyncMaxMessages <= 0 {
		config.SyncMaxMessages = DefaultSyncMaxMessages
	}
	return &Session{
		backend:  backend,
		registry: NewRegistry(backend, logger),
		store:    NewStore(),
		poller:   NewSummaryPoller(backend.Summary, config.SummaryInterval, logger),
		config:   config,
		logger:   logger,
		now:      time.Now,
		actions:  map[actionKey]ActionState{},
	}
}

func (s *Session) Registry() *Registry { return s.registry }

func (s *Session) Store() *Store { return s.store }

func (s *Session) Poller() *SummaryPoller { return s.poller }

// RefreshConnections re-derives every connection from the backend and
// starts the first sync once the session becomes ready.
func (s *Session) RefreshConnections(ctx context.Context) {
	s.registry.CheckAll(ctx)
	s.maybeAutoSync(ctx)
}

// CheckStatus refreshes one system, typically after its connect redirect
// returns.
func (s *Session) CheckStatus(ctx context.Context, system model.System) model.Connection {
	conn := s.registry.CheckStatus(ctx, system)
	s.maybeAutoSync(ctx)
	return conn
}

func (s *Session) BeginConnect(ctx context.Context, system model.System) (string, error) {
	return s.registry.BeginConnect(ctx, system)
}

func (s *Session) Disconnect(ctx context.Context, system model.System) error {
	return s.registry.Disconnect(ctx, system)
}

// maybeAutoSync runs one sync the first time the session is ready. Later
// status refreshes never trigger another.
func (s *Session) maybeAutoSync(ctx context.Context) {
	s.mu.Lock()
	if s.autoSynced || !s.registry.Ready() {
		s.mu.Unlock()
		return
	}
	s.autoSynced = true
	s.mu.Unlock()

	s.logger.Info("Connections ready, starting first sync")
	if _, err := s.StartSync(ctx); err != nil {
		s.logger.Warn("Automatic sync failed:", err)
	}
}

func (s *Session) AutoSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSynced
}

// Readiness distinguishes a session that cannot sync, one whose mailbox
// baseline is still being set and one that is watching for new mail.
func (s *Session) Readiness() Readiness {
	if !s.registry.Ready() {
		return ReadinessNotReady
	}
	if !s.registry.Get(model.SystemMail).BaselineReady {
		return ReadinessBaselinePending
	}
	return ReadinessWatching
}

// SyncAgainEnabled reports whether a manual sync may be started now.
func (s *Session) SyncAgainEnabled() bool {
	s.mu.Lock()
	syncing := s.syncState.Syncing
	s.mu.Unlock()
	mail := s.registry.Get(model.SystemMail)
	return mail.Status == model.ConnectionConnected && mail.BaselineReady && !syncing
}

func (s *Session) SyncState() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncState
}

// StartSync pulls new mail. The first sync of a mailbox sets its baseline;
// after that a sync is refused until the baseline is ready.
func (s *Session) StartSync(ctx context.Context) (*service.SyncResult, error) {
	if !s.registry.Ready() {
		return nil, model.ErrNotReady
	}
	mail := s.registry.Get(model.SystemMail)

	s.mu.Lock()
	if s.syncState.Syncing {
		s.mu.Unlock()
		return nil, model.ErrActionInFlight
	}
	if s.syncState.Last != nil && !mail.BaselineReady {
		s.mu.Unlock()
		return nil, model.ErrBaselinePending
	}
	s.syncState.Syncing = true
	s.syncState.Err = ""
	s.syncState.Message = ""
	if !mail.BaselineReady {
		s.syncState.Message = "Preparing Gmail baseline..."
	}
	s.mu.Unlock()

	result, err := s.backend.StartSync(ctx, s.config.SyncMaxMessages)

	s.mu.Lock()
	s.syncState.Syncing = false
	if err != nil {
		s.syncState.Err = err.Error()
		s.syncState.Message = "Sync failed. Try again."
	} else {
		s.syncState.Last = result
		s.syncState.Message = fmt.Sprintf("Captured %d messages", result.Processed)
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s.registry.CheckStatus(ctx, model.SystemMail)
	if result.Processed > 0 {
		s.Refresh(ctx)
	}
	return result, nil
}

// Load replaces the message list with the backend's answer for filter. A
// load overtaken by a newer one is discarded.
func (s *Session) Load(ctx context.Context, filter model.MessageFilter) ([]*model.Message, error) {
	filter = filter.Normalize()
	s.mu.Lock()
	s.loadGen++
	gen := s.loadGen
	s.mu.Unlock()

	messages, err := s.backend.ListMessages(ctx, filter)

	s.mu.Lock()
	if gen != s.loadGen {
		s.mu.Unlock()
		s.logger.Debug("Discarding message list:", model.ErrStaleResponse)
		return s.store.Visible(), nil
	}
	if err != nil {
		s.listErr = "Unable to load inbox preview."
		s.mu.Unlock()
		s.store.Replace(filter, nil)
		return nil, err
	}
	s.listErr = ""
	s.mu.Unlock()

	s.store.Replace(filter, messages)
	return s.store.Visible(), nil
}

// Refresh merges the current filter's list into the store without dropping
// anything. Failures are logged and retried by the next refresh.
func (s *Session) Refresh(ctx context.Context) {
	s.mu.Lock()
	gen := s.loadGen
	s.mu.Unlock()

	messages, err := s.backend.ListMessages(ctx, s.store.Filter())
	if err != nil {
		s.logger.Warn("Unable to refresh messages:", err)
		return
	}
	s.mu.Lock()
	stale := gen != s.loadGen
	s.mu.Unlock()
	if stale {
		return
	}
	s.store.Merge(messages)
}

func (s *Session) ListError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listErr
}

func (s *Session) Select(ref string) (*model.Message, error) {
	return s.store.Select(ref)
}

// ActionState returns the state of action on the message with id.
func (s *Session) ActionState(id string, action model.Action) ActionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actions[actionKey{id, action}]
}

func (s *Session) begin(key actionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions[key].Loading {
		return false
	}
	s.actions[key] = ActionState{Loading: true}
	return true
}

func (s *Session) finish(key actionKey, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := ActionState{}
	if err != nil {
		state.Err = err.Error()
	}
	s.actions[key] = state
}

// Analyze asks the classification engine for a routing decision.
func (s *Session) Analyze(ctx context.Context, ref, noteOverride string) (*model.Message, error) {
	return s.run(ctx, ref, model.ActionAnalyze, func(ctx context.Context, m *model.Message) (*apiclient.ActionResult, error) {
		return s.backend.Analyze(ctx, m.ExternalID, noteOverride)
	})
}

// Accept commits the message to the contact system. A non-empty
// noteOverride is the note stored downstream.
func (s *Session) Accept(ctx context.Context, ref, noteOverride string) (*model.Message, error) {
	return s.run(ctx, ref, model.ActionAccept, func(ctx context.Context, m *model.Message) (*apiclient.ActionResult, error) {
		return s.backend.Accept(ctx, sourceID(m), noteOverride)
	})
}

func (s *Session) RouteToSecondary(ctx context.Context, ref, noteOverride string) (*model.Message, error) {
	return s.run(ctx, ref, model.ActionRouteSecondary, func(ctx context.Context, m *model.Message) (*apiclient.ActionResult, error) {
		return s.backend.RouteEmail(ctx, sourceID(m), noteOverride)
	})
}

func (s *Session) SyncToSpreadsheet(ctx context.Context, ref string) (*model.Message, error) {
	return s.run(ctx, ref, model.ActionSyncSpreadsheet, func(ctx context.Context, m *model.Message) (*apiclient.ActionResult, error) {
		return s.backend.SyncEmail(ctx, m.ID)
	})
}

// Reject makes no destination call.
func (s *Session) Reject(ctx context.Context, ref string) (*model.Message, error) {
	return s.run(ctx, ref, model.ActionReject, func(ctx context.Context, m *model.Message) (*apiclient.ActionResult, error) {
		return s.backend.Reject(ctx, sourceID(m))
	})
}

func sourceID(m *model.Message) string {
	if m.ExternalID != "" {
		return m.ExternalID
	}
	return m.ID
}

// run dispatches one action on a held message. The same action on the same
// message is refused while one is in flight; different actions may overlap.
// The result lands on the message it was started for, even if the user has
// selected another one since.
func (s *Session) run(ctx context.Context, ref string, action model.Action, call func(context.Context, *model.Message) (*apiclient.ActionResult, error)) (*model.Message, error) {
	message, ok := s.store.Find(ref)
	if !ok {
		return nil, model.ErrMessageNotFound
	}
	if action == model.ActionAnalyze && message.ExternalID == "" {
		return nil, model.ErrMissingExternalID
	}

	system, commits := action.Destination()
	if commits {
		if !s.registry.Connected(system) {
			return nil, fmt.Errorf("%s: %w", system, model.ErrNotConnected)
		}
		if message.LinkFor(system) != nil {
			if err := model.CheckRepeat(message, action); err != nil {
				return nil, err
			}
			s.logger.Debug("Message", message.ID, "already committed to", system)
			return message, nil
		}
	}
	if err := model.CheckTransition(message.Status, action); err != nil {
		return nil, err
	}

	key := actionKey{message.ID, action}
	if !s.begin(key) {
		return nil, model.ErrActionInFlight
	}

	result, err := call(ctx, message)
	err = classify(action, system, err)
	updated := s.apply(message.ID, action, system, result, err)
	s.finish(key, err)
	return updated, err
}

// classify wraps a bad-gateway answer in the error kind of the action.
func classify(action model.Action, system model.System, err error) error {
	var apiErr *apiclient.APIError
	if err == nil || !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		return err
	}
	if action == model.ActionAnalyze {
		return &model.ClassificationError{Err: err}
	}
	if system != "" {
		return &model.RoutingError{System: system, Action: action, Err: err}
	}
	return err
}

// apply is the one place a response changes a held message. A message sent
// back by the backend is authoritative. Without one the result is applied
// locally through the same lifecycle rules the backend uses.
func (s *Session) apply(id string, action model.Action, system model.System, result *apiclient.ActionResult, err error) *model.Message {
	if result != nil && result.Message != nil && result.Message.ID == id {
		if !s.store.Put(result.Message) {
			s.logger.Debug("Dropping", action, "result for", id, ":", model.ErrStaleResponse)
		}
		if current, ok := s.store.Get(id); ok {
			return current
		}
		return result.Message.Clone()
	}

	if err != nil && !model.IsRoutingError(err) {
		// Classification and precondition failures leave the message alone.
		current, _ := s.store.Get(id)
		return current
	}

	updated, ok := s.store.Update(id, func(m *model.Message) {
		if action == model.ActionAnalyze {
			if result != nil {
				m.ApplyDecision(result.Routing, result.AISummary, 0, s.now().UTC())
			}
			return
		}
		m.ApplyResult(model.DestinationResult{
			Action: action,
			System: system,
			Link:   linkFrom(system, result),
			Err:    err,
			At:     s.now().UTC(),
		})
	})
	if !ok {
		s.logger.Debug("Dropping", action, "result for", id, ":", model.ErrStaleResponse)
	}
	return updated
}

func linkFrom(system model.System, result *apiclient.ActionResult) *model.Link {
	if result == nil {
		return nil
	}
	switch system {
	case model.SystemSpreadsheet:
		return &model.Link{ObjectType: "row", RowNumber: result.RowNumber, RecordURL: result.SpreadsheetURL}
	case model.SystemContacts, model.SystemSecondaryCRM:
		return &model.Link{RecordID: result.ContactID, ObjectType: result.ObjectType, RecordURL: result.CRMRecordURL}
	}
	return nil
}

// OpenInsights starts the summary poller; CloseInsights stops it.
func (s *Session) OpenInsights(ctx context.Context) {
	s.poller.Start(ctx)
}

func (s *Session) CloseInsights() {
	s.poller.Stop()
}

// SignOut stops polling and drops every piece of session state. The
// backend logout is best effort.
func (s *Session) SignOut(ctx context.Context) {
	s.poller.Stop()
	if err := s.backend.Logout(ctx); err != nil {
		s.logger.Warn("Logout failed:", err)
	}
	s.registry.Reset()
	s.store.Clear()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSynced = false
	s.syncState = SyncState{}
	s.loadGen++
	s.listErr = ""
	s.actions = map[actionKey]ActionState{}
}
