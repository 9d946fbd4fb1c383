package model

import (
	"time"
)

// Action is a user-initiated operation on a message.
type Action string

const (
	ActionAnalyze         Action = "analyze"
	ActionAccept          Action = "accept"
	ActionRouteSecondary  Action = "route_secondary"
	ActionSyncSpreadsheet Action = "sync_spreadsheet"
	ActionReject          Action = "reject"
	ActionRequestReview   Action = "request_review"
	ActionFinalize        Action = "finalize"
)

// Destination returns the system an action commits to, if any.
func (a Action) Destination() (System, bool) {
	switch a {
	case ActionAccept:
		return SystemContacts, true
	case ActionRouteSecondary:
		return SystemSecondaryCRM, true
	case ActionSyncSpreadsheet:
		return SystemSpreadsheet, true
	}
	return "", false
}

// changesStatus is false for side-channel actions that leave the lifecycle
// status alone, on success and on failure.
func (a Action) changesStatus() bool {
	return a != ActionSyncSpreadsheet
}

// nil means the action is allowed from any status.
var allowedFrom = map[Action][]MessageStatus{
	ActionAnalyze:         {StatusNew, StatusPendingAnalysis, StatusNeedsReview, StatusError},
	ActionAccept:          {StatusNew, StatusPendingAnalysis, StatusNeedsReview, StatusError, StatusRouted},
	ActionRouteSecondary:  {StatusNew, StatusPendingAnalysis, StatusAnalyzed, StatusNeedsReview, StatusError},
	ActionReject:          {StatusNew, StatusPendingAnalysis, StatusAnalyzed, StatusNeedsReview, StatusError},
	ActionRequestReview:   {StatusNew, StatusPendingAnalysis, StatusAnalyzed, StatusError},
	ActionFinalize:        {StatusAnalyzed, StatusRouted},
	ActionSyncSpreadsheet: nil,
}

// CheckTransition returns a *TransitionError when action may not be applied
// to a message in status from.
func CheckTransition(from MessageStatus, action Action) error {
	allowed, ok := allowedFrom[action]
	if !ok {
		return &TransitionError{From: from, Action: action}
	}
	if allowed == nil {
		return nil
	}
	for _, s := range allowed {
		if s == from {
			return nil
		}
	}
	return &TransitionError{From: from, Action: action}
}

// NextStatus is the status a message in from moves to when action succeeds.
func NextStatus(from MessageStatus, action Action) MessageStatus {
	switch action {
	case ActionAnalyze:
		return StatusPendingAnalysis
	case ActionAccept:
		if from == StatusRouted {
			return StatusRouted
		}
		return StatusAnalyzed
	case ActionRouteSecondary:
		return StatusRouted
	case ActionReject:
		return StatusRejected
	case ActionRequestReview:
		return StatusNeedsReview
	case ActionFinalize:
		return StatusAccepted
	}
	return from
}

// CheckRepeat is CheckTransition for a message that already carries the
// link action would write. Besides the statuses action may start from, it
// allows the status a successful run of action leaves behind.
func CheckRepeat(m *Message, action Action) error {
	if err := CheckTransition(m.Status, action); err == nil {
		return nil
	}
	if m.Status == m.nextStatus(action) {
		return nil
	}
	return &TransitionError{From: m.Status, Action: action}
}

// nextStatus is NextStatus with the links already held taken into account:
// a message that has been routed to the secondary CRM stays routed.
func (m *Message) nextStatus(action Action) MessageStatus {
	next := NextStatus(m.Status, action)
	if next == StatusAnalyzed && m.LinkFor(SystemSecondaryCRM) != nil {
		return StatusRouted
	}
	return next
}

// ApplyDecision attaches a classification result. Low-confidence results and
// messages flagged for manual review land in needs_review.
func (m *Message) ApplyDecision(decision *RoutingDecision, summary string, reviewThreshold float64, at time.Time) {
	m.Decision = decision
	if summary != "" {
		m.Summary = summary
	}
	m.Error = ""
	if m.ReviewRequested || (decision != nil && decision.Confidence < reviewThreshold) {
		m.Status = StatusNeedsReview
	} else {
		m.Status = StatusPendingAnalysis
	}
	m.UpdatedAt = stamp(at)
}

// DestinationResult is the outcome of one user action on a message.
type DestinationResult struct {
	Action Action
	System System
	Link   *Link
	Err    error
	At     time.Time
}

// ApplyResult is the only place a committed action changes a message. The
// backend calls it after the downstream call returns and the dashboard calls
// it with the backend's response.
func (m *Message) ApplyResult(r DestinationResult) {
	m.UpdatedAt = stamp(r.At)

	if r.Err != nil {
		m.Error = r.Err.Error()
		if r.Action.changesStatus() {
			m.Status = StatusError
		}
		return
	}

	m.AttachLink(r.System, r.Link, m.UpdatedAt)

	if r.Action == ActionRequestReview {
		m.ReviewRequested = true
	}
	if r.Action.changesStatus() {
		m.Status = m.nextStatus(r.Action)
		m.Error = ""
	} else if m.Status != StatusError {
		m.Error = ""
	}
}

// AttachLink records a committed record without touching the status. Links
// of other systems are kept.
func (m *Message) AttachLink(system System, link *Link, at time.Time) {
	if system == "" || link == nil {
		return
	}
	if m.Links == nil {
		m.Links = map[System]*Link{}
	}
	held := *link
	if held.CommittedAt.IsZero() {
		held.CommittedAt = stamp(at)
	}
	m.Links[system] = &held
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}
