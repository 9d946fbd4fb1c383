package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/model"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	status := func(system model.System, connected bool) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			conn := model.DisconnectedConnection(system)
			if connected {
				conn = &model.Connection{System: system, Status: model.ConnectionConnected, Connected: true, BaselineReady: true, Identity: "jane@acme.io"}
			}
			json.NewEncoder(w).Encode(conn)
		}
	}
	mux.HandleFunc("/api/gmail/status", status(model.SystemMail, true))
	mux.HandleFunc("/api/hubspot/status", status(model.SystemContacts, true))
	mux.HandleFunc("/api/google-sheets/status", status(model.SystemSpreadsheet, false))
	mux.HandleFunc("/api/salesforce/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	held := model.NewMessage("u1", "m1", "Jane <jane@acme.io>", "Pricing", "Can you send pricing?", time.Now())
	held.Status = model.StatusPendingAnalysis
	mux.HandleFunc("/api/inbox/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": []*model.Message{held}})
	})
	mux.HandleFunc("/api/pipeline/accept", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MessageID    string `json:"message_id"`
			NoteOverride string `json:"note_override"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.MessageID)
		assert.Equal(t, "VIP", req.NoteOverride)
		accepted := held.Clone()
		accepted.ApplyResult(model.DestinationResult{
			Action: model.ActionAccept,
			System: model.SystemContacts,
			Link:   &model.Link{RecordID: "501", RecordURL: "https://app.hubspot.com/contacts/7/record/0-1/501", Note: req.NoteOverride},
		})
		json.NewEncoder(w).Encode(map[string]interface{}{"routing": nil, "message": accepted})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommand(t *testing.T) {
	srv := fakeAPI(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"-api", srv.URL, "-user", "u1", "-token", "tok", "status"}, &out)
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "jane@acme.io")
	assert.Regexp(t, `salesforce\s+disconnected`, text)
	assert.Regexp(t, `google-sheets\s+disconnected`, text)
	assert.Contains(t, text, "readiness: watching")
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"frobnicate"}, &out)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "frobnicate"))

	err = run(context.Background(), []string{"connect", "myspace"}, &out)
	assert.Error(t, err)
}

func TestListAndAccept(t *testing.T) {
	srv := fakeAPI(t)
	base := []string{"-api", srv.URL, "-user", "u1", "-token", "tok"}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), append(base, "list"), &out))
	assert.Regexp(t, `m1\s+pending_ai_analysis\s+Jane <jane@acme.io>\s+Pricing`, out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), append(base, "-note", "VIP", "accept", "m1"), &out))
	assert.Contains(t, out.String(), "m1  ai_analyzed")
	assert.Contains(t, out.String(), "hubspot: https://app.hubspot.com/contacts/7/record/0-1/501")
}
