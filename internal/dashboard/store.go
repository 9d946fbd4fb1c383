package dashboard

import (
	"sync"

	"inbox-router/internal/model"
)

// Store is the session's projection of the inbox for the current filter.
// Messages are kept by internal id and returned as copies.
type Store struct {
	mu       sync.RWMutex
	filter   model.MessageFilter
	order    []string
	messages map[string]*model.Message
	activeID string
}

func NewStore() *Store {
	return &Store{messages: map[string]*model.Message{}}
}

func (s *Store) Filter() model.MessageFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// Replace installs the result of a fresh load for filter. Messages already
// held keep a terminal status the load would otherwise undo.
func (s *Store) Replace(filter model.MessageFilter, messages []*model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*model.Message, len(messages))
	order := make([]string, 0, len(messages))
	for _, incoming := range messages {
		if incoming == nil || incoming.ID == "" {
			continue
		}
		next[incoming.ID] = mergeRefresh(s.messages[incoming.ID], incoming)
		order = append(order, incoming.ID)
	}
	s.filter = filter
	s.messages = next
	s.order = order
	s.fixSelection()
}

// Merge folds a background refresh into the current list. New messages are
// appended, known ones updated, nothing is removed.
func (s *Store) Merge(messages []*model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, incoming := range messages {
		if incoming == nil || incoming.ID == "" {
			continue
		}
		current, ok := s.messages[incoming.ID]
		if !ok {
			s.order = append(s.order, incoming.ID)
		}
		s.messages[incoming.ID] = mergeRefresh(current, incoming)
	}
	s.fixSelection()
}

// mergeRefresh picks what a refresh may change. A refresh never moves a
// message out of a terminal status it holds locally; only an action does.
func mergeRefresh(current, incoming *model.Message) *model.Message {
	next := incoming.Clone()
	if current == nil || !current.Status.Terminal() || current.Status == incoming.Status {
		return next
	}
	kept := current.Clone()
	for system, link := range next.Links {
		if kept.LinkFor(system) == nil {
			kept.AttachLink(system, link, link.CommittedAt)
		}
	}
	return kept
}

// Put stores the authoritative result of a user action, whatever its status.
// Links held locally but missing from message are kept: responses of
// overlapping actions can arrive in any order. It reports false when the
// message is no longer held.
func (s *Store) Put(message *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.messages[message.ID]
	if !ok {
		return false
	}
	next := message.Clone()
	for system, link := range current.Links {
		if next.LinkFor(system) == nil {
			next.AttachLink(system, link, link.CommittedAt)
		}
	}
	s.messages[message.ID] = next
	return true
}

// Update applies fn to the held message with id.
func (s *Store) Update(id string, fn func(*model.Message)) (*model.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	fn(message)
	return message.Clone(), true
}

func (s *Store) Get(id string) (*model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	message, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return message.Clone(), true
}

// Find resolves ref as an internal id or a source id.
func (s *Store) Find(ref string) (*model.Message, bool) {
	if message, ok := s.Get(ref); ok {
		return message, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if s.messages[id].ExternalID == ref {
			return s.messages[id].Clone(), true
		}
	}
	return nil, false
}

// Visible lists the held messages that still pass the filter, in load order.
func (s *Store) Visible() []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.visibleLocked()
}

func (s *Store) visibleLocked() []*model.Message {
	out := make([]*model.Message, 0, len(s.order))
	for _, id := range s.order {
		message := s.messages[id]
		if s.filter.Accepts(message.Status) && message.Matches(s.filter.Query) {
			out = append(out, message.Clone())
		}
	}
	return out
}

// Select makes the message with ref active.
func (s *Store) Select(ref string) (*model.Message, error) {
	message, ok := s.Find(ref)
	if !ok {
		return nil, model.ErrMessageNotFound
	}
	s.mu.Lock()
	s.activeID = message.ID
	s.mu.Unlock()
	return message, nil
}

func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Active is the selected message, or nil when nothing is loaded.
func (s *Store) Active() *model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if message, ok := s.messages[s.activeID]; ok {
		return message.Clone()
	}
	return nil
}

// fixSelection keeps the active message when it is still loaded and falls
// back to the first visible one otherwise.
func (s *Store) fixSelection() {
	if _, ok := s.messages[s.activeID]; ok {
		return
	}
	s.activeID = ""
	if visible := s.visibleLocked(); len(visible) > 0 {
		s.activeID = visible[0].ID
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = model.MessageFilter{}
	s.order = nil
	s.messages = map[string]*model.Message{}
	s.activeID = ""
}
