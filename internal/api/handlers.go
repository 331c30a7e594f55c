package api

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/fracture-scan/backend/internal/dashboard"
	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/models"
	"github.com/fracture-scan/backend/internal/prescription"
	"github.com/fracture-scan/backend/internal/upload"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// MIMEApplicationMsgpack is the content type of msgpack snapshots.
const MIMEApplicationMsgpack = "application/msgpack"

// Handler handles API requests.
type Handler struct {
	sessions    SessionManager
	maxFileSize int64
}

// NewHandler creates a new API handler. Selected files larger than
// maxFileSize are passed to the controller without reading their payload.
func NewHandler(sessions SessionManager, maxFileSize int64) *Handler {
	return &Handler{
		sessions:    sessions,
		maxFileSize: maxFileSize,
	}
}

// controller resolves :id and marks the session as used.
func (h *Handler) controller(c echo.Context) (*upload.Controller, error) {
	id := c.Param("id")
	ctrl, ok := h.sessions.GetSession(id)
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	h.sessions.TouchSession(id)
	return ctrl, nil
}

// HandleStartSession creates a new upload session.
func (h *Handler) HandleStartSession(c echo.Context) error {
	ctrl, err := h.sessions.StartSession()
	if err != nil {
		return controllerError(err, "")
	}
	return c.JSON(http.StatusCreated, ctrl.Snapshot())
}

// HandleGetSession returns the JSON render snapshot.
func (h *Handler) HandleGetSession(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandleGetSessionMsgpack returns the render snapshot encoded as msgpack.
func (h *Handler) HandleGetSessionMsgpack(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}

	data, err := msgpack.Marshal(ctrl.Snapshot())
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, MIMEApplicationMsgpack, data)
}

// HandleDeleteSession ends a session.
func (h *Handler) HandleDeleteSession(c echo.Context) error {
	id := c.Param("id")
	if err := h.sessions.DeleteSession(id); err != nil {
		return controllerError(err, id)
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleSessionKeepAlive touches a session so cleanup skips it.
func (h *Handler) HandleSessionKeepAlive(c echo.Context) error {
	id := c.Param("id")
	if !h.sessions.TouchSession(id) {
		return NewNotFoundError("session", id)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSetPatient replaces the patient context.
func (h *Handler) HandleSetPatient(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}

	var patient models.PatientContext
	if err := c.Bind(&patient); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if err := ctrl.SetPatientContext(patient); err != nil {
		return controllerError(err, ctrl.ID())
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandleAddFiles accepts a multipart selection under the "files" field.
func (h *Handler) HandleAddFiles(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}

	form, err := c.MultipartForm()
	if err != nil {
		return NewBadRequestError("invalid multipart form", err)
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		return NewValidationError("files")
	}

	selections := make([]upload.Selection, 0, len(headers))
	for _, fh := range headers {
		sel := upload.Selection{
			Name:     fh.Filename,
			Size:     fh.Size,
			MIMEType: fh.Header.Get(echo.HeaderContentType),
		}
		// Oversized files are rejected by the filter, so skip reading them
		if h.maxFileSize <= 0 || fh.Size <= h.maxFileSize {
			data, err := readFormFile(fh)
			if err != nil {
				return NewInternalError(fmt.Sprintf("failed to read %s", fh.Filename), err)
			}
			sel.Data = data
		}
		selections = append(selections, sel)
	}

	accepted, rejected, err := ctrl.AddFiles(selections)
	if err != nil {
		return controllerError(err, ctrl.ID())
	}
	if accepted == nil {
		accepted = []models.UploadedFile{}
	}
	if rejected == nil {
		rejected = []models.Rejection{}
	}

	status := http.StatusCreated
	if len(accepted) == 0 {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]interface{}{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// HandleRemoveFile removes one file from the session.
func (h *Handler) HandleRemoveFile(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}

	fileID := c.Param("fileId")
	if err := ctrl.RemoveFile(fileID); err != nil {
		return controllerError(err, fileID)
	}
	return c.JSON(http.StatusOK, ctrl.Snapshot())
}

// HandlePreview streams a thumbnail payload. Each handle renders once.
func (h *Handler) HandlePreview(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}

	handle := c.Param("handle")
	rc, mimeType, err := ctrl.Preview(handle)
	if err != nil {
		return controllerError(err, handle)
	}
	defer rc.Close()

	if mimeType == "" {
		mimeType = echo.MIMEOctetStream
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Stream(http.StatusOK, mimeType, rc)
}

// HandleAnalyze starts an analysis of the first file.
func (h *Handler) HandleAnalyze(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	if err := ctrl.StartAnalyze(); err != nil {
		return controllerError(err, ctrl.ID())
	}
	return c.JSON(http.StatusAccepted, ctrl.Snapshot())
}

// HandlePrescribe starts a prescription request for the first file.
func (h *Handler) HandlePrescribe(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}
	if err := ctrl.StartPrescribe(); err != nil {
		return controllerError(err, ctrl.ID())
	}
	return c.JSON(http.StatusAccepted, ctrl.Snapshot())
}

// HandleGetCharts returns both chart projections of the current result.
func (h *Handler) HandleGetCharts(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}

	state := ctrl.Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"probabilityChart": state.ProbabilityRows,
		"severityChart":    state.SeverityCounts,
	})
}

// HandleDownloadPrescription returns the prescription as a dated text file.
func (h *Handler) HandleDownloadPrescription(c echo.Context) error {
	ctrl, err := h.controller(c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := ctrl.ExportPrescription(&buf); err != nil {
		return controllerError(err, ctrl.ID())
	}

	name := ctrl.PrescriptionFileName(time.Now())
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	logger.WithField("session", ctrl.ID()).WithField("file", name).Debug("Prescription exported")
	return c.Blob(http.StatusOK, prescription.ContentType, buf.Bytes())
}

// HandleDashboard returns the demo scans, optionally filtered by result.
func (h *Handler) HandleDashboard(c echo.Context) error {
	filter := c.QueryParam("result")
	if !dashboard.ValidFilter(filter) {
		return NewValidationError("result")
	}
	return c.JSON(http.StatusOK, dashboard.Get(filter))
}
