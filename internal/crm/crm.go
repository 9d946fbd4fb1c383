// Package crm holds what the HubSpot and Salesforce destinations share: the
// JSON request helper, the API error type and contact name handling.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"inbox-router/internal/model"
)

// APIError is a non-2xx answer from a CRM API.
type APIError struct {
	System     model.System
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("%s API returned %d: %s", e.System, e.StatusCode, body)
}

// Unwrap maps auth failures onto ErrUnauthorized so callers can ask the user
// to reconnect.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return model.ErrUnauthorized
	}
	if e.StatusCode == http.StatusForbidden {
		return model.ErrForbidden
	}
	return nil
}

// IsNotFound reports a 404 from a CRM API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// DoJSON sends body as JSON and decodes a JSON answer into out. Either may be
// nil.
func DoJSON(ctx context.Context, client *http.Client, system model.System, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", system, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", system, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{System: system, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", system, err)
	}
	return nil
}

// Contact is the person a message is filed under.
type Contact struct {
	Email     string
	FirstName string
	LastName  string
	// Domain is the sender's company domain, empty for free mail providers.
	Domain string
}

var freeMailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"icloud.com":     true,
	"me.com":         true,
	"aol.com":        true,
	"proton.me":      true,
	"protonmail.com": true,
}

// ContactFromMessage derives the contact from the sender of a message.
func ContactFromMessage(message *model.Message) Contact {
	email := strings.ToLower(message.SenderEmail)
	if email == "" {
		email = strings.ToLower(model.ParseAddress(message.Sender))
	}

	name := model.DisplayName(message.Sender)
	local, domain, _ := strings.Cut(email, "@")
	if name == "" {
		name = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	}

	contact := Contact{Email: email}
	fields := strings.Fields(name)
	switch len(fields) {
	case 0:
	case 1:
		contact.FirstName = fields[0]
	default:
		contact.FirstName = fields[0]
		contact.LastName = fields[len(fields)-1]
	}
	if domain != "" && !freeMailDomains[domain] {
		contact.Domain = domain
	}
	return contact
}

// CompanyName guesses an organization name from a domain.
func CompanyName(domain string) string {
	name, _, _ := strings.Cut(domain, ".")
	if name == "" {
		return domain
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// NoteTitle is the subject line used for notes and tasks.
func NoteTitle(message *model.Message) string {
	if strings.TrimSpace(message.Subject) != "" {
		return message.Subject
	}
	return "Email Note"
}
