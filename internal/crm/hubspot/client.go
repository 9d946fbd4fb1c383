// Package hubspot commits messages to HubSpot as a contact plus a note.
package hubspot

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inbox-router/internal/crm"
	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

const (
	DefaultAPIBase = "https://api.hubapi.com"
	appBase        = "https://app.hubspot.com"

	// HubSpot-defined association type for note to contact.
	noteToContactType = 202
)

type Client struct {
	clients service.HTTPClientProvider
	apiBase string
	logger  *logger.Logger
}

func NewClient(clients service.HTTPClientProvider, apiBase string, logger *logger.Logger) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	return &Client{clients: clients, apiBase: strings.TrimRight(apiBase, "/"), logger: logger}
}

func (c *Client) System() model.System { return model.SystemContacts }

type object struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties,omitempty"`
}

type searchResponse struct {
	Total   int      `json:"total"`
	Results []object `json:"results"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Limit        int           `json:"limit"`
}

type associationType struct {
	Category string `json:"associationCategory"`
	TypeID   int    `json:"associationTypeId"`
}

type association struct {
	To    object            `json:"to"`
	Types []associationType `json:"types"`
}

type createRequest struct {
	Properties   map[string]string `json:"properties"`
	Associations []association     `json:"associations,omitempty"`
}

// Account describes the portal a token belongs to.
type Account struct {
	PortalID int64  `json:"hub_id"`
	User     string `json:"user"`
	Domain   string `json:"hub_domain"`
}

// TokenInfo looks up the portal and user behind an access token.
func (c *Client) TokenInfo(ctx context.Context, credential *model.Credential) (*Account, error) {
	httpClient, err := c.clients.HTTPClient(ctx, credential)
	if err != nil {
		return nil, err
	}
	var account Account
	url := c.apiBase + "/oauth/v1/access-tokens/" + credential.AccessToken
	if err := crm.DoJSON(ctx, httpClient, model.SystemContacts, http.MethodGet, url, nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// EnsureResource records the portal id needed to build record URLs.
func (c *Client) EnsureResource(ctx context.Context, credential *model.Credential) (bool, error) {
	if credential.AccountID != "" {
		return false, nil
	}
	account, err := c.TokenInfo(ctx, credential)
	if err != nil {
		return false, err
	}
	credential.AccountID = strconv.FormatInt(account.PortalID, 10)
	if credential.Identity == "" {
		credential.Identity = account.User
	}
	return true, nil
}

// Commit finds or creates the sender's contact and attaches the note to it.
// An existing contact is reused and left unchanged.
func (c *Client) Commit(ctx context.Context, credential *model.Credential, req *service.CommitRequest) (*model.Link, error) {
	contact := crm.ContactFromMessage(req.Message)
	if contact.Email == "" {
		return nil, fmt.Errorf("message %s has no sender address", req.Message.ExternalID)
	}

	httpClient, err := c.clients.HTTPClient(ctx, credential)
	if err != nil {
		return nil, err
	}

	contactID, err := c.upsertContact(ctx, httpClient, contact)
	if err != nil {
		return nil, err
	}
	if contact.Domain != "" {
		if err := c.attachCompany(ctx, httpClient, contactID, contact.Domain); err != nil {
			c.logger.Warn("HubSpot company association failed for", contact.Domain, ":", err)
		}
	}

	noteID, err := c.createNote(ctx, httpClient, contactID, crm.NoteTitle(req.Message), req.Note)
	if err != nil {
		return nil, err
	}

	c.logger.Info("HubSpot contact", contactID, "note", noteID, "for message", req.Message.ExternalID)
	return &model.Link{
		RecordID:   contactID,
		ObjectType: "contacts",
		RecordURL:  RecordURL(credential.AccountID, contactID),
		NoteID:     noteID,
	}, nil
}

// RecordURL links to a contact in the HubSpot app.
func RecordURL(portalID, contactID string) string {
	if portalID == "" {
		return ""
	}
	return fmt.Sprintf("%s/contacts/%s/record/0-1/%s", appBase, portalID, contactID)
}

func (c *Client) search(ctx context.Context, httpClient *http.Client, objectType, property, value string) (*object, error) {
	body := searchRequest{
		FilterGroups: []filterGroup{{Filters: []filter{{PropertyName: property, Operator: "EQ", Value: value}}}},
		Limit:        1,
	}
	var resp searchResponse
	url := fmt.Sprintf("%s/crm/v3/objects/%s/search", c.apiBase, objectType)
	if err := crm.DoJSON(ctx, httpClient, model.SystemContacts, http.MethodPost, url, body, &resp); err != nil {
		if crm.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

func (c *Client) upsertContact(ctx context.Context, httpClient *http.Client, contact crm.Contact) (string, error) {
	existing, err := c.search(ctx, httpClient, "contacts", "email", contact.Email)
	if err != nil {
		return "", fmt.Errorf("contact search: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	properties := map[string]string{"email": contact.Email}
	if contact.FirstName != "" {
		properties["firstname"] = contact.FirstName
	}
	if contact.LastName != "" {
		properties["lastname"] = contact.LastName
	}
	var created object
	url := c.apiBase + "/crm/v3/objects/contacts"
	if err := crm.DoJSON(ctx, httpClient, model.SystemContacts, http.MethodPost, url, createRequest{Properties: properties}, &created); err != nil {
		return "", fmt.Errorf("contact create: %w", err)
	}
	return created.ID, nil
}

func (c *Client) attachCompany(ctx context.Context, httpClient *http.Client, contactID, domain string) error {
	company, err := c.search(ctx, httpClient, "companies", "domain", domain)
	if err != nil {
		return err
	}
	if company == nil {
		company = &object{}
		body := createRequest{Properties: map[string]string{"name": crm.CompanyName(domain), "domain": domain}}
		if err := crm.DoJSON(ctx, httpClient, model.SystemContacts, http.MethodPost, c.apiBase+"/crm/v3/objects/companies", body, company); err != nil {
			return err
		}
	}
	url := fmt.Sprintf("%s/crm/v3/objects/contacts/%s/associations/companies/%s/contact_to_company", c.apiBase, contactID, company.ID)
	return crm.DoJSON(ctx, httpClient, model.SystemContacts, http.MethodPut, url, nil, nil)
}

func (c *Client) createNote(ctx context.Context, httpClient *http.Client, contactID, title, body string) (string, error) {
	req := createRequest{
		Properties: map[string]string{
			"hs_note_title": title,
			"hs_note_body":  body,
			"hs_timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
		Associations: []association{{
			To:    object{ID: contactID},
			Types: []associationType{{Category: "HUBSPOT_DEFINED", TypeID: noteToContactType}},
		}},
	}
	var note object
	if err := crm.DoJSON(ctx, httpClient, model.SystemContacts, http.MethodPost, c.apiBase+"/crm/v3/objects/notes", req, &note); err != nil {
		return "", fmt.Errorf("note create: %w", err)
	}
	return note.ID, nil
}
