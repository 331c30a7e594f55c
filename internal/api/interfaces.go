// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/fracture-scan/backend/internal/upload"
	"github.com/labstack/echo/v4"
)

// SessionHandler handles session lifecycle and snapshots
type SessionHandler interface {
	HandleStartSession(c echo.Context) error
	HandleGetSession(c echo.Context) error
	HandleGetSessionMsgpack(c echo.Context) error
	HandleDeleteSession(c echo.Context) error
	HandleSessionKeepAlive(c echo.Context) error
	HandleSetPatient(c echo.Context) error
}

// FileHandler handles file selection, removal and previews
type FileHandler interface {
	HandleAddFiles(c echo.Context) error
	HandleRemoveFile(c echo.Context) error
	HandlePreview(c echo.Context) error
}

// SubmitHandler handles remote analysis and its derived outputs
type SubmitHandler interface {
	HandleAnalyze(c echo.Context) error
	HandlePrescribe(c echo.Context) error
	HandleGetCharts(c echo.Context) error
	HandleDownloadPrescription(c echo.Context) error
}

// DashboardHandler serves the demo dashboard
type DashboardHandler interface {
	HandleDashboard(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// StreamHandler handles live snapshot streaming
type StreamHandler interface {
	HandleSessionStream(c echo.Context) error
}

// SessionManager defines the interface for session management
// This allows mocking in tests
type SessionManager interface {
	StartSession() (*upload.Controller, error)
	GetSession(id string) (*upload.Controller, bool)
	TouchSession(id string) bool
	DeleteSession(id string) error
	Count() int
}
