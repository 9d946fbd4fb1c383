package handler

import (
	"net/http"

	"github.com/gorilla/sessions"
)

// NewSessionStore creates the cookie store that carries the user across a
// Google connect round trip.
func NewSessionStore(secret []byte, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore(secret)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   3600,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}
