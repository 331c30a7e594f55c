// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	SessionMgr  SessionManager
	Staging     StagingLister
	MaxFileSize int64
	WebSocket   WebSocketConfig
	Version     string
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Sessions  SessionHandler
	Files     FileHandler
	Submit    SubmitHandler
	Dashboard DashboardHandler
	Stream    StreamHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	h := NewHandler(deps.SessionMgr, deps.MaxFileSize)
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.SessionMgr, deps.Staging),
		Sessions:  h,
		Files:     h,
		Submit:    h,
		Dashboard: h,
		Stream:    NewWebSocketHandler(deps.SessionMgr, deps.WebSocket),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Session routes
	sessions := apiGroup.Group("/sessions")
	sessions.POST("", handlers.Sessions.HandleStartSession)
	sessions.GET("/:id", handlers.Sessions.HandleGetSession)
	sessions.GET("/:id/msgpack", handlers.Sessions.HandleGetSessionMsgpack)
	sessions.DELETE("/:id", handlers.Sessions.HandleDeleteSession)
	sessions.POST("/:id/keepalive", handlers.Sessions.HandleSessionKeepAlive)
	sessions.PUT("/:id/patient", handlers.Sessions.HandleSetPatient)

	// File routes
	sessions.POST("/:id/files", handlers.Files.HandleAddFiles)
	sessions.DELETE("/:id/files/:fileId", handlers.Files.HandleRemoveFile)
	sessions.GET("/:id/previews/:handle", handlers.Files.HandlePreview)

	// Remote analysis routes
	sessions.POST("/:id/analyze", handlers.Submit.HandleAnalyze)
	sessions.POST("/:id/prescribe", handlers.Submit.HandlePrescribe)
	sessions.GET("/:id/charts", handlers.Submit.HandleGetCharts)
	sessions.GET("/:id/prescription", handlers.Submit.HandleDownloadPrescription)

	apiGroup.GET("/dashboard", handlers.Dashboard.HandleDashboard)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/sessions/:id", handlers.Stream.HandleSessionStream)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, exposeErrorDetails bool) {
	// Use custom error handler
	e.HTTPErrorHandler = NewErrorHandler(exposeErrorDetails)
}
