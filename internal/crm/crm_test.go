package crm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inbox-router/internal/model"
)

func TestContactFromMessage(t *testing.T) {
	m := model.NewMessage("u", "x", "Jane Q. Doe <Jane@Acme.io>", "Hi", "", time.Now())
	c := ContactFromMessage(m)
	assert.Equal(t, "jane@acme.io", c.Email)
	assert.Equal(t, "Jane", c.FirstName)
	assert.Equal(t, "Doe", c.LastName)
	assert.Equal(t, "acme.io", c.Domain)
	assert.Equal(t, "Acme", CompanyName(c.Domain))

	m = model.NewMessage("u", "x", "john.smith@gmail.com", "Hi", "", time.Now())
	c = ContactFromMessage(m)
	assert.Equal(t, "john", c.FirstName)
	assert.Equal(t, "smith", c.LastName)
	assert.Empty(t, c.Domain)
}

func TestDoJSONErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			w.WriteHeader(http.StatusUnauthorized)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Write([]byte(`{"id":"42"}`))
		}
	}))
	defer server.Close()

	ctx := context.Background()
	err := DoJSON(ctx, server.Client(), model.SystemContacts, http.MethodGet, server.URL+"/unauthorized", nil, nil)
	assert.True(t, errors.Is(err, model.ErrUnauthorized))

	err = DoJSON(ctx, server.Client(), model.SystemContacts, http.MethodGet, server.URL+"/missing", nil, nil)
	assert.True(t, IsNotFound(err))

	var out struct{ ID string }
	err = DoJSON(ctx, server.Client(), model.SystemContacts, http.MethodPost, server.URL+"/ok", map[string]string{"a": "b"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out.ID)
}
