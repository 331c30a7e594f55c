package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/fracture-scan/backend/internal/models"
	"github.com/fracture-scan/backend/internal/prescription"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Rejection codes reported by AddFiles.
const (
	RejectInvalidType = "file-invalid-type"
	RejectTooLarge    = "file-too-large"
	RejectTooMany     = "too-many-files"
)

// Selection is one file chosen by the operator.
type Selection struct {
	Name     string
	Size     int64
	MIMEType string
	Data     []byte
}

// AddFiles applies the selection filter and appends accepted files in
// uploading status. Accepting at least one file invalidates the current
// result. Each accepted file gets a preview handle and its own worker.
func (c *Controller) AddFiles(selections []Selection) ([]models.UploadedFile, []models.Rejection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, ErrClosed
	}

	var accepted []models.UploadedFile
	var rejected []models.Rejection
	for _, sel := range selections {
		if rej, ok := c.rejectLocked(sel); !ok {
			rejected = append(rejected, rej)
			continue
		}

		ctx, cancel := context.WithCancel(c.ctx)
		e := &entry{
			file:   *models.NewUploadedFile(uuid.New().String(), sel.Name, sel.Size, sel.MIMEType),
			data:   sel.Data,
			ctx:    ctx,
			cancel: cancel,
		}
		e.file.PreviewHandle = uuid.New().String()
		c.previews[e.file.PreviewHandle] = e.file.ID
		c.files = append(c.files, e)
		accepted = append(accepted, e.file)

		c.wg.Add(1)
		go c.runFile(e)
	}

	if len(accepted) > 0 {
		c.resetResultLocked()
		c.changedLocked()
	}

	c.log.WithFields(logrus.Fields{
		"accepted": len(accepted),
		"rejected": len(rejected),
	}).Info("Files selected")

	return accepted, rejected, nil
}

func (c *Controller) rejectLocked(sel Selection) (models.Rejection, bool) {
	rej := models.Rejection{Name: sel.Name, Size: sel.Size}

	ext := strings.ToLower(filepath.Ext(sel.Name))
	allowed := false
	for _, a := range c.opts.AllowedExtensions {
		if ext == a {
			allowed = true
			break
		}
	}

	switch {
	case !allowed:
		rej.Code = RejectInvalidType
		rej.Reason = fmt.Sprintf("File type must be one of %s", strings.Join(c.opts.AllowedExtensions, ", "))
	case c.opts.MaxFileSize > 0 && sel.Size > c.opts.MaxFileSize:
		rej.Code = RejectTooLarge
		rej.Reason = fmt.Sprintf("File is larger than %d bytes", c.opts.MaxFileSize)
	case c.opts.MaxFiles > 0 && len(c.files)+1 > c.opts.MaxFiles:
		rej.Code = RejectTooMany
		rej.Reason = fmt.Sprintf("At most %d files per session", c.opts.MaxFiles)
	default:
		return rej, true
	}
	return rej, false
}

// RemoveFile drops a file, cancels its worker, releases its preview handle,
// deletes its staged payload and invalidates the current result.
func (c *Controller) RemoveFile(id string) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	idx := c.indexLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFileNotFound, id)
	}

	e := c.files[idx]
	e.cancel()
	c.files = append(c.files[:idx], c.files[idx+1:]...)
	if e.file.PreviewHandle != "" {
		delete(c.previews, e.file.PreviewHandle)
	}
	storedID := e.file.StoredID
	c.resetResultLocked()
	c.changedLocked()
	c.mu.Unlock()

	c.log.WithField("file", id).Info("File removed")

	if storedID != "" {
		if err := c.store.Delete(storedID); err != nil {
			c.log.WithError(err).WithField("file", id).Warn("Failed to delete staged payload")
		}
	}
	return nil
}

func (c *Controller) indexLocked(id string) int {
	for i, e := range c.files {
		if e.file.ID == id {
			return i
		}
	}
	return -1
}

// liveLocked returns the entry if its worker may still mutate it.
func (c *Controller) liveLocked(e *entry) bool {
	return e.ctx.Err() == nil && c.indexLocked(e.file.ID) >= 0
}

// runFile drives one file: stage the payload, tick progress to 100, analyze
// for AnalyzingDelay, then succeed. A staging failure is terminal.
func (c *Controller) runFile(e *entry) {
	defer c.wg.Done()
	log := c.log.WithField("file", e.file.ID)

	info, err := c.store.SaveBytes(e.file.Name, e.file.MIMEType, e.data)

	c.mu.Lock()
	if !c.liveLocked(e) {
		c.mu.Unlock()
		if err == nil {
			if err := c.store.Delete(info.ID); err != nil {
				log.WithError(err).Warn("Failed to delete staged payload")
			}
		}
		return
	}
	if err != nil {
		e.file.Status = models.FileStatusError
		e.file.Error = err.Error()
		c.changedLocked()
		c.mu.Unlock()
		log.WithError(err).Warn("Upload failed")
		return
	}
	e.file.StoredID = info.ID
	e.data = nil
	c.mu.Unlock()

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if !c.liveLocked(e) {
			c.mu.Unlock()
			return
		}
		e.file.Progress = min(e.file.Progress+c.opts.Step, 100)
		done := e.file.Progress == 100
		if done {
			e.file.Status = models.FileStatusAnalyzing
		}
		c.changedLocked()
		c.mu.Unlock()

		if done {
			break
		}
	}
	ticker.Stop()
	log.Debug("Upload complete, analyzing")

	timer := time.NewTimer(c.opts.AnalyzingDelay)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		return
	case <-timer.C:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.liveLocked(e) {
		return
	}
	e.file.Status = models.FileStatusSuccess
	c.changedLocked()
	log.Info("File ready")
}

// Preview opens the payload behind a live preview handle and releases the
// handle. It returns the payload and its MIME type.
func (c *Controller) Preview(handle string) (io.ReadCloser, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fileID, ok := c.previews[handle]
	if !ok {
		return nil, "", ErrPreviewReleased
	}
	idx := c.indexLocked(fileID)
	if idx < 0 {
		delete(c.previews, handle)
		return nil, "", ErrPreviewReleased
	}
	e := c.files[idx]

	var rc io.ReadCloser
	if e.file.StoredID != "" {
		var err error
		if rc, err = c.store.Open(e.file.StoredID); err != nil {
			return nil, "", fmt.Errorf("opening preview: %w", err)
		}
	} else {
		rc = io.NopCloser(bytes.NewReader(e.data))
	}

	c.releaseLocked(handle, e)
	return rc, e.file.MIMEType, nil
}

// ReleasePreview revokes a preview handle without rendering it.
func (c *Controller) ReleasePreview(handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fileID, ok := c.previews[handle]
	if !ok {
		return ErrPreviewReleased
	}
	if idx := c.indexLocked(fileID); idx >= 0 {
		c.releaseLocked(handle, c.files[idx])
	} else {
		delete(c.previews, handle)
	}
	return nil
}

func (c *Controller) releaseLocked(handle string, e *entry) {
	delete(c.previews, handle)
	e.file.PreviewHandle = ""
	c.changedLocked()
}

// ExportPrescription writes the stored prescription text to w.
func (c *Controller) ExportPrescription(w io.Writer) error {
	c.mu.Lock()
	if c.prescription == nil {
		c.mu.Unlock()
		return ErrNoPrescription
	}
	text := *c.prescription
	c.mu.Unlock()

	return prescription.Write(w, text)
}

// PrescriptionFileName returns the export file name for now.
func (c *Controller) PrescriptionFileName(now time.Time) string {
	return prescription.FileName(now)
}
