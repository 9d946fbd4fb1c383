package router

import (
	"net/http"

	"github.com/heptiolabs/healthcheck"
	"github.com/labstack/echo/v4"

	"inbox-router/internal/handler"
	"inbox-router/internal/metrics"
	"inbox-router/internal/middleware"
	"inbox-router/internal/model"
)

type Handlers struct {
	Connect  *handler.ConnectHandler
	Inbox    *handler.InboxHandler
	Pipeline *handler.PipelineHandler
}

func SetupRoutes(
	e *echo.Echo,
	h Handlers,
	jwtSecret []byte,
	m *metrics.Metrics,
	health healthcheck.Handler,
) {
	if m != nil {
		e.Use(m.Middleware())
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	if health != nil {
		e.GET("/health/live", echo.WrapHandler(http.HandlerFunc(health.LiveEndpoint)))
		e.GET("/health/ready", echo.WrapHandler(http.HandlerFunc(health.ReadyEndpoint)))
	}

	api := e.Group("/api", middleware.OptionalAuth(jwtSecret))
	protected := middleware.AuthMiddleware()

	// Status and connect are reachable by browser navigation, which carries
	// no bearer; user_id comes from the query string.
	for _, system := range model.AllSystems {
		g := api.Group("/" + system.Slug())
		g.GET("/status", h.Connect.Status(system))
		g.GET("/connect", h.Connect.Connect(system))
		g.GET("/callback", h.Connect.Callback(system))
		g.POST("/connect", h.Connect.BeginConnect(system), protected)
		g.POST("/disconnect", h.Connect.Disconnect(system), protected)
	}
	api.POST("/auth/logout", h.Connect.Logout)

	api.POST("/gmail/sync/start", h.Inbox.StartSync, protected)

	api.GET("/google-sheets/spreadsheets", h.Connect.ListSpreadsheets, protected)
	api.POST("/google-sheets/select-spreadsheet", h.Connect.SelectSpreadsheet, protected)
	api.POST("/google-sheets/sync-email", h.Pipeline.SyncEmail, protected)
	api.POST("/salesforce/route-email", h.Pipeline.RouteEmail, protected)

	inbox := api.Group("/inbox", protected)
	inbox.GET("/messages", h.Inbox.ListMessages)
	inbox.GET("/messages/:id", h.Inbox.GetMessage)
	inbox.GET("/summary", h.Inbox.Summary)
	inbox.GET("/stream", h.Inbox.Stream)

	pipeline := api.Group("/pipeline", protected)
	pipeline.POST("/analyze", h.Pipeline.Analyze)
	pipeline.POST("/accept", h.Pipeline.Accept)
	pipeline.POST("/reject", h.Pipeline.Reject)
	pipeline.POST("/review", h.Pipeline.Review)
	pipeline.POST("/finalize", h.Pipeline.Finalize)
}
