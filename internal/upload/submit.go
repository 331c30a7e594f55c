package upload

import (
	"context"
	"fmt"

	"github.com/fracture-scan/backend/internal/analysis"
	"github.com/fracture-scan/backend/internal/models"
	"github.com/sirupsen/logrus"
)

// request is one remote call captured at submit time.
type request struct {
	kind       opKind
	seq        uint64
	generation uint64
	fileID     string
	fileName   string
	storedID   string
	patient    models.PatientContext
}

// Analyze submits the first file for analysis and blocks until the call
// settles. Remote failures are stored in the state, not returned.
func (c *Controller) Analyze(ctx context.Context) error {
	req, err := c.begin(opAnalyze)
	if err != nil {
		return err
	}
	c.run(ctx, req)
	return nil
}

// Prescribe submits the first file with the patient context and blocks until
// the call settles. Remote failures are stored in the state, not returned.
func (c *Controller) Prescribe(ctx context.Context) error {
	req, err := c.begin(opPrescribe)
	if err != nil {
		return err
	}
	c.run(ctx, req)
	return nil
}

// StartAnalyze is Analyze without waiting. The call is bound to the
// controller's lifetime.
func (c *Controller) StartAnalyze() error {
	return c.start(opAnalyze)
}

// StartPrescribe is Prescribe without waiting.
func (c *Controller) StartPrescribe() error {
	return c.start(opPrescribe)
}

func (c *Controller) start(kind opKind) error {
	req, err := c.begin(kind)
	if err != nil {
		return err
	}
	go c.run(c.ctx, req)
	return nil
}

// begin checks the gate and marks the request in flight in one step.
func (c *Controller) begin(kind opKind) (*request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.canSubmitLocked() {
		return nil, ErrSubmitDisabled
	}

	c.seq[kind]++
	first := c.files[0].file
	req := &request{
		kind:       kind,
		seq:        c.seq[kind],
		generation: c.generation,
		fileID:     first.ID,
		fileName:   first.Name,
		storedID:   first.StoredID,
		patient:    c.patient.Resolved(),
	}

	c.inFlight[kind] = true
	c.errMsg = ""
	if kind == opAnalyze {
		c.showPrescription = false
		c.prescription = nil
	}
	c.wg.Add(1)
	c.changedLocked()

	c.log.WithFields(logrus.Fields{
		"file": first.ID,
		"op":   kind.String(),
		"seq":  req.seq,
	}).Info("Submitting to analysis service")

	return req, nil
}

func (c *Controller) run(ctx context.Context, req *request) {
	defer c.wg.Done()

	// Close aborts blocking callers too
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	env, err := c.call(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.settleLocked(req, env, err)
}

func (c *Controller) call(ctx context.Context, req *request) (*models.Envelope, error) {
	rc, err := c.store.Open(req.storedID)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", req.fileName, err)
	}
	defer rc.Close()

	if req.kind == opPrescribe {
		return c.analyzer.Prescribe(ctx, req.fileName, rc, req.patient)
	}
	return c.analyzer.Analyze(ctx, req.fileName, rc)
}

// settleLocked always clears the in-flight flag. The outcome is applied only
// when no newer request of the same kind was issued and the file collection
// has not changed since submission.
func (c *Controller) settleLocked(req *request, env *models.Envelope, err error) {
	c.inFlight[req.kind] = false
	defer c.changedLocked()

	log := c.log.WithFields(logrus.Fields{
		"file": req.fileID,
		"op":   req.kind.String(),
		"seq":  req.seq,
	})

	if c.closed {
		return
	}
	if req.seq != c.seq[req.kind] || req.generation != c.generation {
		log.Info("Discarding stale response")
		return
	}

	if err != nil || !env.Succeeded() {
		fallback := analysis.FallbackUnknown
		if err != nil {
			fallback = analysis.FallbackAnalyze
			if req.kind == opPrescribe {
				fallback = analysis.FallbackPrescribe
			}
		}
		c.errMsg = analysis.ErrorMessage(env, err, fallback)
		log.WithField("error", c.errMsg).Warn("Analysis request failed")
		return
	}

	c.result = env.AnalysisResults
	if req.kind == opPrescribe {
		if p := c.result.Prescription; p != nil && *p != "" {
			text := *p
			c.prescription = &text
			c.showPrescription = true
		} else {
			c.prescription = nil
			c.showPrescription = false
			c.errMsg = analysis.MissingPrescription
			log.Warn(analysis.MissingPrescription)
			return
		}
	}
	log.Info("Analysis request succeeded")
}
