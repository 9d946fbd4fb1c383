package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageStatus string

const (
	StatusNew             MessageStatus = "new"
	StatusPendingAnalysis MessageStatus = "pending_ai_analysis"
	StatusAnalyzed        MessageStatus = "ai_analyzed"
	StatusRouted          MessageStatus = "routed"
	StatusAccepted        MessageStatus = "accepted"
	StatusRejected        MessageStatus = "rejected"
	StatusNeedsReview     MessageStatus = "needs_review"
	StatusProcessed       MessageStatus = "processed"
	StatusError           MessageStatus = "error"
)

// AllStatuses is the closed set of lifecycle statuses.
var AllStatuses = []MessageStatus{
	StatusNew,
	StatusPendingAnalysis,
	StatusAnalyzed,
	StatusNeedsReview,
	StatusRouted,
	StatusAccepted,
	StatusRejected,
	StatusError,
	StatusProcessed,
}

func (s MessageStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal statuses are only left through an explicit user action.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusRouted, StatusProcessed:
		return true
	}
	return false
}

// RoutingDecision is the classification engine's proposal for a message.
type RoutingDecision struct {
	ContactObjectType   string   `json:"primary_object"`
	SecondaryObjectType string   `json:"secondary_object,omitempty"`
	TargetSystems       []System `json:"target_systems,omitempty"`
	Intent              string   `json:"intent,omitempty"`
	Urgency             string   `json:"urgency,omitempty"`
	Confidence          float64  `json:"confidence"`
	Reasoning           string   `json:"reasoning,omitempty"`
	Note                string   `json:"note,omitempty"`
}

// Link references the record a message produced in a destination system.
type Link struct {
	RecordID    string    `json:"record_id,omitempty"`
	ObjectType  string    `json:"object_type,omitempty"`
	RecordURL   string    `json:"record_url,omitempty"`
	NoteID      string    `json:"note_id,omitempty"`
	RowNumber   int       `json:"row_number,omitempty"`
	Note        string    `json:"note,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

type Message struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	ExternalID      string           `json:"external_id"`
	ThreadID        string           `json:"thread_id,omitempty"`
	Subject         string           `json:"subject"`
	Sender          string           `json:"sender"`
	SenderEmail     string           `json:"sender_email,omitempty"`
	Preview         string           `json:"preview"`
	HasAttachments  bool             `json:"has_attachments"`
	HasLinks        bool             `json:"has_links"`
	HasImages       bool             `json:"has_images"`
	Status          MessageStatus    `json:"status"`
	Decision        *RoutingDecision `json:"routing,omitempty"`
	Summary         string           `json:"ai_summary,omitempty"`
	ReviewRequested bool             `json:"review_requested,omitempty"`
	Links           map[System]*Link `json:"links,omitempty"`
	Error           string           `json:"error,omitempty"`
	ReceivedAt      time.Time        `json:"received_at"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func NewMessage(userID, externalID, sender, subject, preview string, receivedAt time.Time) *Message {
	now := time.Now().UTC()
	return &Message{
		ID:          uuid.New().String(),
		UserID:      userID,
		ExternalID:  externalID,
		Sender:      sender,
		SenderEmail: ParseAddress(sender),
		Subject:     subject,
		Preview:     preview,
		Status:      StatusNew,
		Links:       map[System]*Link{},
		ReceivedAt:  receivedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// LinkFor returns the linkage for a destination or nil.
func (m *Message) LinkFor(system System) *Link {
	if m.Links == nil {
		return nil
	}
	return m.Links[system]
}

func (m *Message) SyncedToSpreadsheet() bool {
	return m.LinkFor(SystemSpreadsheet) != nil
}

// Clone returns a deep copy so callers can mutate without sharing maps.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Decision != nil {
		d := *m.Decision
		d.TargetSystems = append([]System(nil), m.Decision.TargetSystems...)
		c.Decision = &d
	}
	c.Links = make(map[System]*Link, len(m.Links))
	for k, v := range m.Links {
		l := *v
		c.Links[k] = &l
	}
	return &c
}

// Matches reports whether the message contains query in its subject, sender
// or preview, case-insensitively.
func (m *Message) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{m.Subject, m.Sender, m.Preview} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// ParseAddress extracts the bare address from a From header value such as
// "Jane Doe <jane@example.com>".
func ParseAddress(from string) string {
	from = strings.TrimSpace(from)
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.Index(from[i:], ">"); j > 0 {
			return strings.TrimSpace(from[i+1 : i+j])
		}
	}
	if strings.Contains(from, "@") && !strings.Contains(from, " ") {
		return from
	}
	return ""
}

// DisplayName is the part of a From header before the address.
func DisplayName(from string) string {
	from = strings.TrimSpace(from)
	if i := strings.LastIndex(from, "<"); i > 0 {
		return strings.Trim(strings.TrimSpace(from[:i]), `"`)
	}
	return ""
}

// Summary of inbox counts per status.
type InboxSummary struct {
	Counts        map[MessageStatus]int `json:"counts"`
	Total         int                   `json:"total"`
	LastCheckedAt *time.Time            `json:"last_checked_at,omitempty"`
}

func NewInboxSummary() *InboxSummary {
	counts := make(map[MessageStatus]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	return &InboxSummary{Counts: counts}
}

// MessageFilter narrows a message listing.
type MessageFilter struct {
	Status string
	Query  string
	Limit  int
}

const (
	FilterAll    = "all"
	DefaultLimit = 50
	MaxLimit     = 200
)

// Normalize clamps the limit and defaults the status.
func (f MessageFilter) Normalize() MessageFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	f.Status = strings.TrimSpace(f.Status)
	f.Query = strings.TrimSpace(f.Query)
	return f
}

// Accepts reports whether a message with status s passes the status filter.
// The empty filter is the default inbox view and hides rejected messages.
func (f MessageFilter) Accepts(s MessageStatus) bool {
	switch f.Status {
	case "":
		return s != StatusRejected
	case FilterAll:
		return true
	default:
		return string(s) == f.Status
	}
}
