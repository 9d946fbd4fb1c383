package sse

import (
	"encoding/json"
	"sync"
	"time"

	"inbox-router/internal/logger"
	"inbox-router/internal/metrics"
)

// Event is the envelope written to every stream.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time int64       `json:"time"`
}

// SSEManager fans out per-user events to open inbox streams.
type SSEManager struct {
	clients    map[string]map[chan []byte]bool // userID -> connection channels
	clientsMux sync.RWMutex

	metrics *metrics.Metrics
	logger  *logger.Logger
}

func NewSSEManager(m *metrics.Metrics, logger *logger.Logger) *SSEManager {
	return &SSEManager{
		clients: make(map[string]map[chan []byte]bool),
		metrics: m,
		logger:  logger,
	}
}

// AddClient registers a new stream for a user.
func (s *SSEManager) AddClient(userID string) chan []byte {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()

	if s.clients[userID] == nil {
		s.clients[userID] = make(map[chan []byte]bool)
	}
	channel := make(chan []byte, 16)
	s.clients[userID][channel] = true
	if s.metrics != nil {
		s.metrics.StreamClients.Inc()
	}

	s.logger.Info("Added SSE client for user:", userID, "total clients:", len(s.clients[userID]))
	return channel
}

func (s *SSEManager) RemoveClient(userID string, channel chan []byte) {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()

	userClients, exists := s.clients[userID]
	if !exists || !userClients[channel] {
		return
	}
	delete(userClients, channel)
	close(channel)
	if s.metrics != nil {
		s.metrics.StreamClients.Dec()
	}
	s.logger.Info("Removed SSE client for user:", userID, "remaining clients:", len(userClients))

	if len(userClients) == 0 {
		delete(s.clients, userID)
	}
}

// BroadcastToUser sends an event to every open stream of userID. A stream
// whose buffer is full misses the event rather than stalling the sender.
func (s *SSEManager) BroadcastToUser(userID string, eventType string, data interface{}) {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()

	userClients, exists := s.clients[userID]
	if !exists {
		return
	}

	jsonData, err := json.Marshal(Event{Type: eventType, Data: data, Time: time.Now().Unix()})
	if err != nil {
		s.logger.Error("Failed to marshal broadcast event:", err)
		return
	}

	for channel := range userClients {
		select {
		case channel <- jsonData:
		default:
			s.logger.Warn("Dropping", eventType, "event for slow stream of user:", userID)
		}
	}
}

// Close ends every stream.
func (s *SSEManager) Close() {
	s.clientsMux.Lock()
	defer s.clientsMux.Unlock()

	for userID, userClients := range s.clients {
		for channel := range userClients {
			close(channel)
			if s.metrics != nil {
				s.metrics.StreamClients.Dec()
			}
		}
		delete(s.clients, userID)
	}
}

func (s *SSEManager) GetUserConnectionCount(userID string) int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients[userID])
}

// HasUserConnection checks if a user has active SSE connections
func (s *SSEManager) HasUserConnection(userID string) bool {
	return s.GetUserConnectionCount(userID) > 0
}

// Users lists the users with at least one open stream.
func (s *SSEManager) Users() []string {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()

	users := make([]string, 0, len(s.clients))
	for userID := range s.clients {
		users = append(users, userID)
	}
	return users
}
