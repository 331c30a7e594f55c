// Package upload implements the upload and analysis lifecycle of one
// operator session: per-file progress simulation, submission gating,
// remote analysis and prescription requests, and preview handles.
package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fracture-scan/backend/internal/charts"
	"github.com/fracture-scan/backend/internal/config"
	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/models"
	"github.com/fracture-scan/backend/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrSubmitDisabled is returned when Analyze or Prescribe is called while
	// the collection is empty, some file is not ready, or a request is in flight.
	ErrSubmitDisabled = errors.New("submit disabled")
	// ErrFileNotFound is returned for unknown file IDs.
	ErrFileNotFound = errors.New("file not found")
	// ErrPreviewReleased is returned for handles that were released or never issued.
	ErrPreviewReleased = errors.New("preview handle released")
	// ErrNoPrescription is returned when exporting without a stored prescription.
	ErrNoPrescription = errors.New("no prescription available")
	// ErrClosed is returned once the controller has been closed.
	ErrClosed = errors.New("controller closed")
)

// Analyzer is the remote analysis service as seen by the controller.
type Analyzer interface {
	Analyze(ctx context.Context, fileName string, r io.Reader) (*models.Envelope, error)
	Prescribe(ctx context.Context, fileName string, r io.Reader, patient models.PatientContext) (*models.Envelope, error)
}

// Options tunes the selection filter and the progress simulation.
type Options struct {
	AllowedExtensions []string
	MaxFileSize       int64
	MaxFiles          int // 0 means unlimited
	Step              int
	TickInterval      time.Duration
	AnalyzingDelay    time.Duration
}

// DefaultOptions returns the stock filter and timings.
func DefaultOptions() Options {
	return Options{
		AllowedExtensions: []string{".dcm", ".dicom", ".jpg", ".jpeg", ".png"},
		MaxFileSize:       20971520,
		Step:              5,
		TickInterval:      100 * time.Millisecond,
		AnalyzingDelay:    2000 * time.Millisecond,
	}
}

// OptionsFromConfig builds Options from the application config.
func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		AllowedExtensions: cfg.AllowedExtensions(),
		MaxFileSize:       cfg.Upload.MaxFileSizeBytes,
		MaxFiles:          cfg.Upload.MaxFilesPerSession,
		Step:              cfg.Upload.ProgressStep,
		TickInterval:      cfg.TickInterval(),
		AnalyzingDelay:    cfg.AnalyzingDelay(),
	}
}

type opKind int

const (
	opAnalyze opKind = iota
	opPrescribe
)

func (k opKind) String() string {
	if k == opPrescribe {
		return "prescribe"
	}
	return "analyze"
}

// entry is one file plus the worker that drives it.
type entry struct {
	file   models.UploadedFile
	data   []byte // payload until staged
	ctx    context.Context
	cancel context.CancelFunc
}

// Controller owns the state of one session. Every mutation happens under mu;
// worker goroutines and request completions re-enter through it.
type Controller struct {
	id       string
	opts     Options
	store    storage.Store
	analyzer Analyzer
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	files            []*entry
	previews         map[string]string // handle -> file ID
	patient          models.PatientContext
	result           *models.AnalysisResult
	prescription     *string
	showPrescription bool
	errMsg           string
	inFlight         [2]bool
	seq              [2]uint64
	generation       uint64
	closed           bool
	updatedAt        time.Time
	subscribers      map[int]chan struct{}
	nextSub          int
}

// NewController creates a controller for session id.
func NewController(id string, opts Options, store storage.Store, analyzer Analyzer) *Controller {
	if opts.Step <= 0 {
		opts.Step = DefaultOptions().Step
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	if id == "" {
		id = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:          id,
		opts:        opts,
		store:       store,
		analyzer:    analyzer,
		log:         logger.WithField("session", id),
		ctx:         ctx,
		cancel:      cancel,
		previews:    make(map[string]string),
		updatedAt:   time.Now(),
		subscribers: make(map[int]chan struct{}),
	}
}

// ID returns the session ID.
func (c *Controller) ID() string {
	return c.id
}

// SetPatientContext replaces the allergies and medical history forwarded with
// prescription requests.
func (c *Controller) SetPatientContext(p models.PatientContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.patient = p
	c.changedLocked()
	return nil
}

// CanSubmit reports whether Analyze and Prescribe are currently enabled.
func (c *Controller) CanSubmit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSubmitLocked()
}

func (c *Controller) canSubmitLocked() bool {
	if c.closed || len(c.files) == 0 || c.inFlight[opAnalyze] || c.inFlight[opPrescribe] {
		return false
	}
	for _, e := range c.files {
		if e.file.Status != models.FileStatusSuccess {
			return false
		}
	}
	return true
}

// Busy reports whether any file is still progressing or a request is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[opAnalyze] || c.inFlight[opPrescribe] {
		return true
	}
	for _, e := range c.files {
		if !e.file.Terminal() {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the whole render state. Chart projections are
// computed from the copied result on every call.
func (c *Controller) Snapshot() models.SessionState {
	c.mu.Lock()
	state := models.SessionState{
		ID:               c.id,
		Files:            make([]models.UploadedFile, 0, len(c.files)),
		IsAnalyzing:      c.inFlight[opAnalyze],
		IsPrescribing:    c.inFlight[opPrescribe],
		CanSubmit:        c.canSubmitLocked(),
		Result:           c.result.Clone(),
		ShowPrescription: c.showPrescription,
		Error:            c.errMsg,
		Patient:          c.patient,
		UpdatedAt:        c.updatedAt,
	}
	for _, e := range c.files {
		state.Files = append(state.Files, e.file)
		if e.file.Status == models.FileStatusUploading {
			state.IsUploading = true
		}
	}
	if len(c.files) > 0 {
		state.SubmissionFileID = c.files[0].file.ID
	}
	if c.prescription != nil {
		text := *c.prescription
		state.Prescription = &text
	}
	c.mu.Unlock()

	state.ProbabilityRows = charts.ProbabilityRows(state.Result)
	state.SeverityCounts = charts.SeverityDistribution(state.Result)
	return state
}

// Subscribe returns a channel that receives a value after state changes.
// Notifications coalesce; readers take a fresh Snapshot on each receive.
// The channel is closed by the returned func or by Close.
func (c *Controller) Subscribe() (<-chan struct{}, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan struct{}, 1)
	if c.closed {
		close(ch)
		return ch, func() {}
	}

	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subscribers[id]; ok {
				delete(c.subscribers, id)
				close(sub)
			}
		})
	}
}

// changedLocked stamps the state and wakes subscribers.
func (c *Controller) changedLocked() {
	c.updatedAt = time.Now()
	for _, ch := range c.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// resetResultLocked clears everything derived from the first file.
func (c *Controller) resetResultLocked() {
	c.result = nil
	c.prescription = nil
	c.showPrescription = false
	c.generation++
}

// Close cancels all workers and in-flight requests, releases preview handles,
// deletes staged payloads and waits for goroutines to exit.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()

	var staged []string
	for _, e := range c.files {
		e.cancel()
		if e.file.StoredID != "" {
			staged = append(staged, e.file.StoredID)
		}
	}
	c.files = nil
	c.previews = make(map[string]string)
	for id, ch := range c.subscribers {
		delete(c.subscribers, id)
		close(ch)
	}
	c.mu.Unlock()

	c.wg.Wait()

	var errs []error
	for _, id := range staged {
		if err := c.store.Delete(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	c.log.Debug("Session controller closed")
	return errors.Join(errs...)
}
