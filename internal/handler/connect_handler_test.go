package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"inbox-router/internal/config"
	"inbox-router/internal/model"
)

func fakeTokenServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "hs-access",
			"refresh_token": "hs-refresh",
			"token_type":    "bearer",
			"expires_in":    1800,
		})
	}))
}

func (s *server) useTokenServer(url string) {
	s.oauth.Register(model.SystemContacts, &oauth2.Config{
		ClientID:     "hs-id",
		ClientSecret: "hs-secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   url + "/authorize",
			TokenURL:  url + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: "http://api.test/api/hubspot/callback",
	})
}

func TestStatusFailsClosed(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/google-sheets/status", nil, "-")
	require.Equal(t, http.StatusOK, rec.Code)
	var conn model.Connection
	decode(t, rec, &conn)
	assert.Equal(t, model.ConnectionDisconnected, conn.Status)
	assert.False(t, conn.Connected)

	s.connect(t, model.SystemSpreadsheet)
	rec = s.do(http.MethodGet, "/api/google-sheets/status?user_id="+testUser, nil, "-")
	decode(t, rec, &conn)
	assert.True(t, conn.Connected)
	assert.Equal(t, "sheet-1", conn.ResourceID)

	rec = s.do(http.MethodGet, "/api/google-sheets/status?user_id=other", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHubSpotConnectRoundTrip(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()
	s := newServer(t)
	s.useTokenServer(tokens.URL)

	rec := s.do(http.MethodGet, "/api/hubspot/connect?user_id="+testUser, nil, "-")
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, tokens.URL+"/authorize", location.Scheme+"://"+location.Host+location.Path)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)

	rec = s.do(http.MethodGet, "/api/hubspot/callback?code=good-code&state="+url.QueryEscape(state), nil, "-")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://app.test/?connected=hubspot", rec.Header().Get("Location"))

	credential, err := s.credentials.Get(context.Background(), testUser, model.SystemContacts)
	require.NoError(t, err)
	assert.Equal(t, "hs-access", credential.AccessToken)
	assert.Equal(t, "hs-refresh", credential.RefreshToken)
	assert.Equal(t, "portal-7", credential.AccountID)
}

func TestConnectCallbackRejectsBadState(t *testing.T) {
	tokens := fakeTokenServer(t)
	defer tokens.Close()
	s := newServer(t)
	s.useTokenServer(tokens.URL)

	rec := s.do(http.MethodGet, "/api/hubspot/callback?code=good-code&state=forged", nil, "-")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "error=connect_failed")

	_, err := s.credentials.Get(context.Background(), testUser, model.SystemContacts)
	assert.ErrorIs(t, err, model.ErrCredentialNotFound)
}

func TestConnectCallbackProviderDenied(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/hubspot/callback?error=access_denied", nil, "-")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "error=access_denied")
}

func TestConnectUnconfiguredSystem(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/api/salesforce/connect?user_id="+testUser, nil, "-")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = s.do(http.MethodGet, "/api/gmail/connect?user_id="+testUser, nil, "-")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGoogleConnectRedirects(t *testing.T) {
	s := newServerWith(t, func(cfg *config.Config) {
		cfg.GoogleClientID = "google-id"
		cfg.GoogleClientSecret = "google-secret"
	})

	rec := s.do(http.MethodPost, "/api/gmail/connect", map[string]string{"user_id": testUser}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]string
	decode(t, rec, &body)
	target, err := url.Parse(body["auth_url"])
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", target.Host)
	assert.Contains(t, target.Query().Get("scope"), "gmail.readonly")
	assert.NotEmpty(t, rec.Header().Values("Set-Cookie"))
}

func TestDisconnectReturnsFreshStatus(t *testing.T) {
	s := newServer(t)
	s.connect(t, model.SystemContacts)

	rec := s.do(http.MethodPost, "/api/hubspot/disconnect", map[string]string{"user_id": testUser}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conn model.Connection
	decode(t, rec, &conn)
	assert.Equal(t, model.ConnectionDisconnected, conn.Status)

	rec = s.do(http.MethodPost, "/api/hubspot/disconnect", map[string]string{"user_id": testUser}, "-")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSpreadsheetPicker(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/api/google-sheets/spreadsheets", nil, "")
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	s.connect(t, model.SystemSpreadsheet)
	rec = s.do(http.MethodGet, "/api/google-sheets/spreadsheets", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sheet-9")

	rec = s.do(http.MethodPost, "/api/google-sheets/select-spreadsheet", map[string]string{"spreadsheet_id": ""}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/google-sheets/select-spreadsheet", map[string]string{"spreadsheet_id": "sheet-9", "spreadsheet_name": "Leads"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conn model.Connection
	decode(t, rec, &conn)
	assert.Equal(t, "sheet-9", conn.ResourceID)
	assert.Equal(t, "Leads", conn.ResourceName)
}
