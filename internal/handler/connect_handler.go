package handler

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/markbates/goth"
	"github.com/markbates/goth/gothic"
	"github.com/markbates/goth/providers/google"

	"inbox-router/internal/config"
	"inbox-router/internal/logger"
	"inbox-router/internal/model"
	"inbox-router/internal/oauth"
	"inbox-router/internal/service"
)

const sessionName = "inbox_router_session"

// ConnectHandler serves status, connect, callback and disconnect for every
// system. Google-backed systems go through goth; HubSpot and Salesforce use
// the oauth manager with a signed state.
type ConnectHandler struct {
	connections  service.ConnectionService
	oauthManager *oauth.Manager
	catalog      service.SpreadsheetCatalog
	provisioners map[model.System]service.ResourceProvisioner
	store        sessions.Store
	config       *config.Config
	logger       *logger.Logger
}

func NewConnectHandler(
	connections service.ConnectionService,
	oauthManager *oauth.Manager,
	catalog service.SpreadsheetCatalog,
	provisioners map[model.System]service.ResourceProvisioner,
	store sessions.Store,
	config *config.Config,
	logger *logger.Logger,
) *ConnectHandler {
	gothic.Store = store

	if config.GoogleConfigured() {
		var providers []goth.Provider
		for _, system := range []model.System{model.SystemMail, model.SystemSpreadsheet} {
			p := google.New(
				config.GoogleClientID,
				config.GoogleClientSecret,
				oauth.CallbackURL(config.BaseURL, system),
				oauth.GoogleScopes[system]...,
			)
			p.SetName(string(system))
			p.SetPrompt("consent")
			providers = append(providers, p)
		}
		goth.UseProviders(providers...)
	}

	return &ConnectHandler{
		connections:  connections,
		oauthManager: oauthManager,
		catalog:      catalog,
		provisioners: provisioners,
		store:        store,
		config:       config,
		logger:       logger,
	}
}

func (h *ConnectHandler) usesGoth(system model.System) bool {
	return system == model.SystemMail || system == model.SystemSpreadsheet
}

func (h *ConnectHandler) configured(system model.System) bool {
	if h.usesGoth(system) {
		return h.config.GoogleConfigured()
	}
	return h.oauthManager.Configured(system)
}

// Status answers GET /api/{system}/status. A caller that names no user gets
// the disconnected state.
func (h *ConnectHandler) Status(system model.System) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := resolveUser(c, "")
		if errors.Is(err, model.ErrUnauthorized) {
			return c.JSON(http.StatusOK, model.DisconnectedConnection(system))
		}
		if err != nil {
			return respondError(c, err)
		}
		conn, err := h.connections.Status(c.Request().Context(), userID, system)
		if err != nil {
			h.logger.Warn("Status check failed for", system, ":", err)
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, conn)
	}
}

// withProvider points gothic at the provider registered for system.
func withProvider(req *http.Request, system model.System) *http.Request {
	q := req.URL.Query()
	q.Set("provider", string(system))
	req.URL.RawQuery = q.Encode()
	return req
}

func (h *ConnectHandler) authURL(c echo.Context, userID string, system model.System) (string, error) {
	if !h.usesGoth(system) {
		return h.oauthManager.AuthCodeURL(userID, system)
	}
	req := withProvider(c.Request(), system)
	session, _ := h.store.Get(req, sessionName)
	session.Values["user_id"] = userID
	if err := session.Save(req, c.Response()); err != nil {
		return "", err
	}
	return gothic.GetAuthURL(c.Response(), req)
}

// Connect answers GET /api/{system}/connect with a redirect to the provider.
func (h *ConnectHandler) Connect(system model.System) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := resolveUser(c, "")
		if err != nil {
			return respondError(c, err)
		}
		if !h.configured(system) {
			return respondError(c, model.ErrNotConfigured)
		}
		target, err := h.authURL(c, userID, system)
		if err != nil {
			h.logger.Error("Failed to start", system, "connect:", err)
			return respondError(c, err)
		}
		return c.Redirect(http.StatusFound, target)
	}
}

// BeginConnect answers POST /api/{system}/connect with the URL instead of a
// redirect, for clients that navigate themselves.
func (h *ConnectHandler) BeginConnect(system model.System) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		userID, err := resolveUser(c, req.UserID)
		if err != nil {
			return respondError(c, err)
		}
		if !h.configured(system) {
			return respondError(c, model.ErrNotConfigured)
		}
		target, err := h.authURL(c, userID, system)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{
			"auth_url": target,
		})
	}
}

// Callback finishes a connect flow and sends the browser back to the
// dashboard with the outcome in the query string.
func (h *ConnectHandler) Callback(system model.System) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if reason := c.QueryParam("error"); reason != "" {
			h.logger.Warn(system, "connect denied:", reason)
			return h.backToDashboard(c, system, reason)
		}

		var credential *model.Credential
		var err error
		if h.usesGoth(system) {
			credential, err = h.completeGoogle(c, system)
		} else {
			credential, err = h.completeOAuth(c, system)
		}
		if err != nil {
			h.logger.Error("Failed to complete", system, "connect:", err)
			return h.backToDashboard(c, system, "connect_failed")
		}

		if err := h.connections.SaveConnection(ctx, credential); err != nil {
			h.logger.Error("Failed to save", system, "connection:", err)
			return h.backToDashboard(c, system, "connect_failed")
		}
		h.provision(ctx, credential)
		return h.backToDashboard(c, system, "")
	}
}

func (h *ConnectHandler) completeGoogle(c echo.Context, system model.System) (*model.Credential, error) {
	req := withProvider(c.Request(), system)
	session, err := h.store.Get(req, sessionName)
	if err != nil {
		return nil, err
	}
	userID, ok := session.Values["user_id"].(string)
	if !ok || userID == "" {
		return nil, model.ErrUnauthorized
	}

	googleUser, err := gothic.CompleteUserAuth(c.Response(), req)
	if err != nil {
		return nil, &model.ConnectionError{System: system, Op: "connect", Err: err}
	}
	expiry := googleUser.ExpiresAt.UTC()
	credential := model.NewCredential(userID, system, googleUser.AccessToken, googleUser.RefreshToken, &expiry)
	credential.Identity = googleUser.Email
	return credential, nil
}

func (h *ConnectHandler) completeOAuth(c echo.Context, system model.System) (*model.Credential, error) {
	userID, stateSystem, err := h.oauthManager.ParseState(c.QueryParam("state"))
	if err != nil {
		return nil, err
	}
	if stateSystem != system {
		return nil, oauth.ErrInvalidState
	}
	token, err := h.oauthManager.Exchange(c.Request().Context(), system, c.QueryParam("code"))
	if err != nil {
		return nil, err
	}
	return oauth.CredentialFromToken(userID, system, token), nil
}

// provision fills in destination metadata (HubSpot portal, default
// spreadsheet) right after connecting. Failures are retried lazily on the
// first commit.
func (h *ConnectHandler) provision(ctx context.Context, credential *model.Credential) {
	p, ok := h.provisioners[credential.System]
	if !ok {
		return
	}
	saved, err := h.connections.Require(ctx, credential.UserID, credential.System)
	if err != nil {
		return
	}
	changed, err := p.EnsureResource(ctx, saved)
	if err != nil {
		h.logger.Warn("Provisioning", credential.System, "failed:", err)
		return
	}
	if changed {
		if err := h.connections.UpdateCredential(ctx, saved); err != nil {
			h.logger.Warn("Failed to save provisioned", credential.System, ":", err)
		}
	}
}

func (h *ConnectHandler) backToDashboard(c echo.Context, system model.System, failure string) error {
	q := url.Values{}
	if failure != "" {
		q.Set("error", failure)
		q.Set("system", system.Slug())
	} else {
		q.Set("connected", system.Slug())
	}
	target := strings.TrimRight(h.config.FrontendURL, "/") + "/?" + q.Encode()
	return c.Redirect(http.StatusFound, target)
}

// Disconnect answers POST /api/{system}/disconnect with the fresh status.
func (h *ConnectHandler) Disconnect(system model.System) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
		userID, err := resolveUser(c, req.UserID)
		if err != nil {
			return respondError(c, err)
		}
		ctx := c.Request().Context()
		if err := h.connections.Disconnect(ctx, userID, system); err != nil {
			h.logger.Error("Failed to disconnect", system, ":", err)
			return respondError(c, err)
		}
		conn, err := h.connections.Status(ctx, userID, system)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusOK, conn)
	}
}

// ListSpreadsheets answers GET /api/google-sheets/spreadsheets.
func (h *ConnectHandler) ListSpreadsheets(c echo.Context) error {
	userID, err := resolveUser(c, "")
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.Request().Context()
	credential, err := h.connections.Require(ctx, userID, model.SystemSpreadsheet)
	if err != nil {
		return respondError(c, err)
	}
	list, err := h.catalog.ListSpreadsheets(ctx, credential)
	if err != nil {
		h.logger.Error("Failed to list spreadsheets:", err)
		return respondError(c, &model.ConnectionError{System: model.SystemSpreadsheet, Op: "list", Err: err})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"spreadsheets": list,
	})
}

type selectSpreadsheetRequest struct {
	UserID          string `json:"user_id"`
	SpreadsheetID   string `json:"spreadsheet_id"`
	SpreadsheetName string `json:"spreadsheet_name"`
}

// SelectSpreadsheet answers POST /api/google-sheets/select-spreadsheet.
func (h *ConnectHandler) SelectSpreadsheet(c echo.Context) error {
	var req selectSpreadsheetRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.SpreadsheetID) == "" {
		return badRequest(c, "spreadsheet_id is required")
	}
	userID, err := resolveUser(c, req.UserID)
	if err != nil {
		return respondError(c, err)
	}
	conn, err := h.connections.SelectSpreadsheet(c.Request().Context(), userID, req.SpreadsheetID, req.SpreadsheetName)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, conn)
}

// Logout clears the connect-flow session.
func (h *ConnectHandler) Logout(c echo.Context) error {
	req := c.Request()
	if session, err := h.store.Get(req, sessionName); err == nil {
		session.Options.MaxAge = -1
		if err := session.Save(req, c.Response()); err != nil {
			h.logger.Warn("Failed to clear session:", err)
		}
	}
	if err := gothic.Logout(c.Response(), req); err != nil {
		h.logger.Debug("gothic logout:", err)
	}
	return c.NoContent(http.StatusNoContent)
}
