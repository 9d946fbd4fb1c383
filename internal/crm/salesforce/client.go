// Package salesforce commits messages to Salesforce. The routing decision's
// object type selects the sObject; contacts, leads and cases also get a Task
// carrying the note.
package salesforce

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"inbox-router/internal/crm"
	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

const DefaultAPIVersion = "v59.0"

// objectTypes maps both HubSpot and Salesforce terminology onto sObjects.
var objectTypes = map[string]string{
	"contacts":      "Contact",
	"leads":         "Lead",
	"accounts":      "Account",
	"companies":     "Account",
	"opportunities": "Opportunity",
	"deals":         "Opportunity",
	"orders":        "Opportunity",
	"cases":         "Case",
	"tickets":       "Case",
	"campaigns":     "Campaign",
}

var ErrNoInstance = errors.New("salesforce credential has no instance url")

type Client struct {
	clients    service.HTTPClientProvider
	apiVersion string
	logger     *logger.Logger
	now        func() time.Time
}

func NewClient(clients service.HTTPClientProvider, apiVersion string, logger *logger.Logger) *Client {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return &Client{clients: clients, apiVersion: apiVersion, logger: logger, now: time.Now}
}

func (c *Client) System() model.System { return model.SystemSecondaryCRM }

// SObject returns the sObject a routing decision maps to.
func SObject(decision *model.RoutingDecision) string {
	if decision == nil {
		return "Contact"
	}
	for _, candidate := range []string{decision.ContactObjectType, decision.SecondaryObjectType} {
		if sobject, ok := objectTypes[strings.ToLower(candidate)]; ok {
			return sobject
		}
	}
	return "Contact"
}

type createResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
}

type queryResponse struct {
	TotalSize int `json:"totalSize"`
	Records   []struct {
		ID string `json:"Id"`
	} `json:"records"`
}

type session struct {
	client *Client
	http   *http.Client
	base   string
}

func (c *Client) session(ctx context.Context, credential *model.Credential) (*session, error) {
	if credential.InstanceURL == "" {
		return nil, ErrNoInstance
	}
	httpClient, err := c.clients.HTTPClient(ctx, credential)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(credential.InstanceURL, "/") + "/services/data/" + c.apiVersion
	return &session{client: c, http: httpClient, base: base}, nil
}

// Commit creates or reuses the record for the message and attaches the note.
func (c *Client) Commit(ctx context.Context, credential *model.Credential, req *service.CommitRequest) (*model.Link, error) {
	s, err := c.session(ctx, credential)
	if err != nil {
		return nil, err
	}

	contact := crm.ContactFromMessage(req.Message)
	sobject := SObject(req.Decision)
	if contact.Email == "" && (sobject == "Contact" || sobject == "Lead") {
		return nil, fmt.Errorf("message %s has no sender address", req.Message.ExternalID)
	}

	title := crm.NoteTitle(req.Message)
	who := displayName(contact)

	var recordID string
	switch sobject {
	case "Lead":
		recordID, err = s.upsertByEmail(ctx, "Lead", contact.Email, map[string]interface{}{
			"FirstName":   contact.FirstName,
			"LastName":    lastName(contact, "Lead"),
			"Email":       contact.Email,
			"Company":     companyOr(contact, "Unknown"),
			"Status":      "Open - Not Contacted",
			"LeadSource":  "Email",
			"Description": req.Note,
		})
	case "Case":
		properties := map[string]interface{}{
			"Subject":     title + " - " + who,
			"Description": req.Note,
			"Origin":      "Email",
			"Status":      "New",
			"Priority":    casePriority(req.Decision),
		}
		if contact.Email != "" {
			if contactID, err := s.upsertContact(ctx, contact, ""); err == nil {
				properties["ContactId"] = contactID
			} else {
				c.logger.Warn("Salesforce contact for case failed:", err)
			}
		}
		recordID, err = s.create(ctx, "Case", properties)
	case "Opportunity":
		recordID, err = s.create(ctx, "Opportunity", map[string]interface{}{
			"Name":        title + " - " + who,
			"StageName":   "Prospecting",
			"CloseDate":   c.now().AddDate(0, 3, 0).Format("2006-01-02"),
			"Description": req.Note,
		})
	case "Account":
		name := companyOr(contact, who)
		recordID, err = s.findOne(ctx, fmt.Sprintf("SELECT Id FROM Account WHERE Name = '%s' LIMIT 1", escape(name)))
		if err == nil && recordID == "" {
			recordID, err = s.create(ctx, "Account", map[string]interface{}{
				"Name":        name,
				"Website":     contact.Domain,
				"Description": req.Note,
			})
		}
	case "Campaign":
		recordID, err = s.create(ctx, "Campaign", map[string]interface{}{
			"Name":        title + " - " + who,
			"Status":      "Planned",
			"Type":        "Email",
			"Description": req.Note,
		})
	default:
		recordID, err = s.upsertContact(ctx, contact, req.Note)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sobject, err)
	}

	link := &model.Link{
		RecordID:   recordID,
		ObjectType: strings.ToLower(sobject),
		RecordURL:  strings.TrimRight(credential.InstanceURL, "/") + "/" + recordID,
	}

	if sobject == "Contact" || sobject == "Lead" || sobject == "Case" {
		task := map[string]interface{}{
			"Subject":      "Email: " + title,
			"Description":  req.Note,
			"Status":       "Completed",
			"Priority":     priority(req.Decision),
			"ActivityDate": c.now().UTC().Format("2006-01-02"),
		}
		if sobject == "Case" {
			task["WhatId"] = recordID
		} else {
			task["WhoId"] = recordID
		}
		taskID, err := s.create(ctx, "Task", task)
		if err != nil {
			return nil, fmt.Errorf("Task: %w", err)
		}
		link.NoteID = taskID
	}

	c.logger.Info("Salesforce", sobject, recordID, "for message", req.Message.ExternalID)
	return link, nil
}

func (s *session) create(ctx context.Context, sobject string, properties map[string]interface{}) (string, error) {
	var resp createResponse
	endpoint := s.base + "/sobjects/" + sobject
	if err := crm.DoJSON(ctx, s.http, model.SystemSecondaryCRM, http.MethodPost, endpoint, compact(properties), &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create %s returned no id", sobject)
	}
	return resp.ID, nil
}

func (s *session) findOne(ctx context.Context, soql string) (string, error) {
	var resp queryResponse
	endpoint := s.base + "/query?q=" + url.QueryEscape(soql)
	if err := crm.DoJSON(ctx, s.http, model.SystemSecondaryCRM, http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	if len(resp.Records) == 0 {
		return "", nil
	}
	return resp.Records[0].ID, nil
}

// upsertByEmail returns the first record of sobject with the address, or
// creates one.
func (s *session) upsertByEmail(ctx context.Context, sobject, email string, properties map[string]interface{}) (string, error) {
	id, err := s.findOne(ctx, fmt.Sprintf("SELECT Id FROM %s WHERE Email = '%s' LIMIT 1", sobject, escape(email)))
	if err != nil || id != "" {
		return id, err
	}
	return s.create(ctx, sobject, properties)
}

func (s *session) upsertContact(ctx context.Context, contact crm.Contact, description string) (string, error) {
	return s.upsertByEmail(ctx, "Contact", contact.Email, map[string]interface{}{
		"FirstName":   contact.FirstName,
		"LastName":    lastName(contact, "Contact"),
		"Email":       contact.Email,
		"Description": description,
	})
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// compact drops empty string fields so Salesforce defaults apply.
func compact(properties map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func lastName(contact crm.Contact, fallback string) string {
	if contact.LastName != "" {
		return contact.LastName
	}
	if contact.FirstName != "" {
		return contact.FirstName
	}
	return fallback
}

func displayName(contact crm.Contact) string {
	name := strings.TrimSpace(contact.FirstName + " " + contact.LastName)
	if name == "" {
		name = contact.Email
	}
	if name == "" {
		name = "Unknown sender"
	}
	return name
}

func companyOr(contact crm.Contact, fallback string) string {
	if contact.Domain != "" {
		return crm.CompanyName(contact.Domain)
	}
	return fallback
}

func priority(decision *model.RoutingDecision) string {
	if decision == nil {
		return "Normal"
	}
	switch decision.Urgency {
	case "high":
		return "High"
	case "low":
		return "Low"
	}
	return "Normal"
}

func casePriority(decision *model.RoutingDecision) string {
	if p := priority(decision); p != "Normal" {
		return p
	}
	return "Medium"
}
