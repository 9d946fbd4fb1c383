package salesforce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/service"
)

type staticClients struct{}

func (staticClients) HTTPClient(ctx context.Context, credential *model.Credential) (*http.Client, error) {
	return http.DefaultClient, nil
}

type created struct {
	sobject    string
	properties map[string]interface{}
}

type fakeSalesforce struct {
	mu       sync.Mutex
	existing map[string]string
	created  []created
	queries  []string
}

func (f *fakeSalesforce) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/services/data/v59.0"
		require.True(t, strings.HasPrefix(r.URL.Path, prefix), r.URL.Path)
		path := strings.TrimPrefix(r.URL.Path, prefix)

		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case path == "/query":
			q := r.URL.Query().Get("q")
			f.queries = append(f.queries, q)
			resp := map[string]interface{}{"totalSize": 0, "records": []interface{}{}}
			for needle, id := range f.existing {
				if strings.Contains(q, needle) {
					resp["records"] = []map[string]string{{"Id": id}}
				}
			}
			json.NewEncoder(w).Encode(resp)
		case strings.HasPrefix(path, "/sobjects/"):
			sobject := strings.TrimPrefix(path, "/sobjects/")
			var props map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&props))
			f.created = append(f.created, created{sobject: sobject, properties: props})
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(createResponse{ID: sobject + "-1", Success: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (f *fakeSalesforce) createdTypes() []string {
	var out []string
	for _, c := range f.created {
		out = append(out, c.sobject)
	}
	return out
}

func request(sender string, decision *model.RoutingDecision) *service.CommitRequest {
	message := model.NewMessage("u", "gm-1", sender, "Cannot log in", "body", time.Now())
	return &service.CommitRequest{Message: message, Decision: decision, Note: "note text"}
}

func TestSObjectMapping(t *testing.T) {
	assert.Equal(t, "Contact", SObject(nil))
	assert.Equal(t, "Case", SObject(&model.RoutingDecision{ContactObjectType: "tickets"}))
	assert.Equal(t, "Opportunity", SObject(&model.RoutingDecision{ContactObjectType: "deals"}))
	assert.Equal(t, "Lead", SObject(&model.RoutingDecision{ContactObjectType: "none", SecondaryObjectType: "leads"}))
	assert.Equal(t, "Contact", SObject(&model.RoutingDecision{ContactObjectType: "none"}))
}

func TestCommitContactReusesExisting(t *testing.T) {
	fake := &fakeSalesforce{existing: map[string]string{"FROM Contact WHERE Email = 'jane@acme.io'": "003A"}}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	client := NewClient(staticClients{}, "", logger.Nop())
	credential := &model.Credential{InstanceURL: server.URL}

	link, err := client.Commit(context.Background(), credential, request("Jane Doe <jane@acme.io>", nil))
	require.NoError(t, err)
	assert.Equal(t, "003A", link.RecordID)
	assert.Equal(t, "contact", link.ObjectType)
	assert.Equal(t, server.URL+"/003A", link.RecordURL)
	assert.Equal(t, "Task-1", link.NoteID)
	assert.Equal(t, []string{"Task"}, fake.createdTypes())
	assert.Equal(t, "003A", fake.created[0].properties["WhoId"])
	assert.Equal(t, "note text", fake.created[0].properties["Description"])
}

func TestCommitCaseLinksContactAndTask(t *testing.T) {
	fake := &fakeSalesforce{existing: map[string]string{}}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	client := NewClient(staticClients{}, "", logger.Nop())
	decision := &model.RoutingDecision{ContactObjectType: "cases", Urgency: "high"}

	link, err := client.Commit(context.Background(), &model.Credential{InstanceURL: server.URL}, request("o'brien@acme.io", decision))
	require.NoError(t, err)
	assert.Equal(t, "Case-1", link.RecordID)
	assert.Equal(t, []string{"Contact", "Case", "Task"}, fake.createdTypes())
	assert.Equal(t, "Contact-1", fake.created[1].properties["ContactId"])
	assert.Equal(t, "High", fake.created[1].properties["Priority"])
	assert.Equal(t, "Case-1", fake.created[2].properties["WhatId"])
	require.NotEmpty(t, fake.queries)
	assert.Contains(t, fake.queries[0], `o\'brien@acme.io`)
}

func TestCommitOpportunityHasNoTask(t *testing.T) {
	fake := &fakeSalesforce{existing: map[string]string{}}
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	client := NewClient(staticClients{}, "", logger.Nop())
	link, err := client.Commit(context.Background(), &model.Credential{InstanceURL: server.URL}, request("Jane <jane@acme.io>", &model.RoutingDecision{ContactObjectType: "opportunities"}))
	require.NoError(t, err)
	assert.Equal(t, "Opportunity-1", link.RecordID)
	assert.Empty(t, link.NoteID)
	assert.Equal(t, []string{"Opportunity"}, fake.createdTypes())
}

func TestCommitRequiresInstance(t *testing.T) {
	client := NewClient(staticClients{}, "", logger.Nop())
	_, err := client.Commit(context.Background(), &model.Credential{}, request("jane@acme.io", nil))
	assert.True(t, errors.Is(err, ErrNoInstance))
}
