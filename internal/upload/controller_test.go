package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fracture-scan/backend/internal/analysis"
	"github.com/fracture-scan/backend/internal/logger"
	"github.com/fracture-scan/backend/internal/models"
	"github.com/fracture-scan/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	c     *Controller
	store *testutil.MockStorage
	fake  *testutil.FakeAnalysisService
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.TickInterval = time.Millisecond
	opts.AnalyzingDelay = 5 * time.Millisecond
	return opts
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := testutil.NewMockStorage()
	fake := testutil.NewFakeAnalysisService()
	c := NewController("test-session", opts, store, analysis.NewClient(fake.URL(), 5*time.Second))
	t.Cleanup(func() {
		c.Close()
		fake.Close()
	})
	return &harness{c: c, store: store, fake: fake}
}

// syncBuffer is a bytes.Buffer safe for the controller's worker goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()
	buf := &syncBuffer{}
	logger.InitWithOutput("debug", buf)
	t.Cleanup(func() { logger.InitWithOutput("", os.Stdout) })
	return buf
}

func image(name string) Selection {
	data := []byte("\x89PNG fake payload for " + name)
	return Selection{Name: name, Size: int64(len(data)), MIMEType: "image/png", Data: data}
}

func (h *harness) addReady(t *testing.T, names ...string) []models.UploadedFile {
	t.Helper()
	var sels []Selection
	for _, n := range names {
		sels = append(sels, image(n))
	}
	accepted, rejected, err := h.c.AddFiles(sels)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Eventually(t, h.c.CanSubmit, 3*time.Second, 2*time.Millisecond)
	return accepted
}

func TestAddFiles_SelectionFilter(t *testing.T) {
	opts := fastOptions()
	opts.MaxFiles = 2
	opts.TickInterval = time.Hour
	h := newHarness(t, opts)

	accepted, rejected, err := h.c.AddFiles([]Selection{
		image("spine.PNG"),
		{Name: "notes.txt", Size: 10},
		{Name: "huge.dcm", Size: 20971521},
		{Name: "limit.dicom", Size: 20971520},
		image("third.jpg"),
	})
	require.NoError(t, err)

	require.Len(t, accepted, 2)
	assert.Equal(t, "spine.PNG", accepted[0].Name)
	assert.Equal(t, "limit.dicom", accepted[1].Name)
	for _, f := range accepted {
		assert.Equal(t, models.FileStatusUploading, f.Status)
		assert.Equal(t, 0, f.Progress)
		assert.NotEmpty(t, f.PreviewHandle)
	}

	require.Len(t, rejected, 3)
	assert.Equal(t, RejectInvalidType, rejected[0].Code)
	assert.Equal(t, RejectTooLarge, rejected[1].Code)
	assert.Equal(t, RejectTooMany, rejected[2].Code)

	state := h.c.Snapshot()
	assert.True(t, state.IsUploading)
	assert.False(t, state.CanSubmit)
	assert.Equal(t, accepted[0].ID, state.SubmissionFileID)
}

func TestFileLifecycle_ProgressMonotonic(t *testing.T) {
	opts := fastOptions()
	opts.TickInterval = 2 * time.Millisecond
	opts.AnalyzingDelay = 20 * time.Millisecond
	h := newHarness(t, opts)

	ch, cancel := h.c.Subscribe()
	defer cancel()

	_, _, err := h.c.AddFiles([]Selection{image("scan.png")})
	require.NoError(t, err)

	rank := map[models.FileStatus]int{
		models.FileStatusUploading: 0,
		models.FileStatusAnalyzing: 1,
		models.FileStatusSuccess:   2,
	}

	var seen []models.UploadedFile
	deadline := time.After(5 * time.Second)
loop:
	for {
		select {
		case <-ch:
		case <-deadline:
			t.Fatal("file never reached success")
		}
		f := h.c.Snapshot().Files[0]
		seen = append(seen, f)
		if f.Status == models.FileStatusSuccess {
			break loop
		}
	}

	for i, f := range seen {
		require.Contains(t, rank, f.Status)
		if f.Status != models.FileStatusUploading {
			assert.Equal(t, 100, f.Progress, "left uploading before 100%%")
		}
		if i > 0 {
			assert.GreaterOrEqual(t, f.Progress, seen[i-1].Progress)
			assert.GreaterOrEqual(t, rank[f.Status], rank[seen[i-1].Status])
		}
	}

	assert.Equal(t, 1, h.store.SaveCount())
	assert.False(t, h.c.Snapshot().IsUploading)
}

func TestFileLifecycle_StagingFailure(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.store.SetSaveErr(errors.New("disk full"))

	accepted, _, err := h.c.AddFiles([]Selection{image("scan.png")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.c.Snapshot().Files[0].Status == models.FileStatusError
	}, 2*time.Second, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	f := h.c.Snapshot().Files[0]
	assert.Equal(t, accepted[0].ID, f.ID)
	assert.Equal(t, models.FileStatusError, f.Status)
	assert.Equal(t, 0, f.Progress)
	assert.Equal(t, "disk full", f.Error)
	assert.False(t, h.c.CanSubmit())
	assert.ErrorIs(t, h.c.Analyze(context.Background()), ErrSubmitDisabled)
}

func TestRemoveFile(t *testing.T) {
	t.Run("during staging", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		release := h.store.Block()

		accepted, _, err := h.c.AddFiles([]Selection{image("scan.png")})
		require.NoError(t, err)
		require.NoError(t, h.c.RemoveFile(accepted[0].ID))
		release()

		require.Eventually(t, func() bool {
			return h.store.SaveCount() == 1 && h.store.GetFileCount() == 0
		}, 2*time.Second, 2*time.Millisecond)
		assert.Empty(t, h.c.Snapshot().Files)
	})

	t.Run("during staging with failing delete", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		logs := captureLogs(t)
		h.store.DeleteErr = errors.New("disk gone")
		release := h.store.Block()

		accepted, _, err := h.c.AddFiles([]Selection{image("scan.png")})
		require.NoError(t, err)
		require.NoError(t, h.c.RemoveFile(accepted[0].ID))
		release()

		require.Eventually(t, func() bool {
			return strings.Contains(logs.String(), "Failed to delete staged payload")
		}, 2*time.Second, 2*time.Millisecond)
		assert.Contains(t, logs.String(), "disk gone")
		assert.Contains(t, logs.String(), accepted[0].ID)
	})

	t.Run("during ticking", func(t *testing.T) {
		opts := fastOptions()
		opts.TickInterval = 5 * time.Millisecond
		h := newHarness(t, opts)

		accepted, _, err := h.c.AddFiles([]Selection{image("scan.png")})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return h.c.Snapshot().Files[0].Progress > 0
		}, 2*time.Second, time.Millisecond)

		require.NoError(t, h.c.RemoveFile(accepted[0].ID))
		time.Sleep(30 * time.Millisecond)

		assert.Empty(t, h.c.Snapshot().Files)
		assert.Equal(t, 0, h.store.GetFileCount())
	})

	t.Run("unknown id", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		assert.ErrorIs(t, h.c.RemoveFile("nope"), ErrFileNotFound)
	})
}

func TestSubmitGating(t *testing.T) {
	opts := fastOptions()
	opts.AnalyzingDelay = 50 * time.Millisecond
	h := newHarness(t, opts)

	assert.False(t, h.c.CanSubmit())
	assert.ErrorIs(t, h.c.Analyze(context.Background()), ErrSubmitDisabled)
	assert.ErrorIs(t, h.c.Prescribe(context.Background()), ErrSubmitDisabled)

	_, _, err := h.c.AddFiles([]Selection{image("a.png")})
	require.NoError(t, err)
	assert.False(t, h.c.CanSubmit(), "uploading file must block submit")

	require.Eventually(t, h.c.CanSubmit, 3*time.Second, 2*time.Millisecond)

	hold := make(chan struct{})
	h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.SuccessBody(testutil.SampleResult()), Hold: hold})
	require.NoError(t, h.c.StartAnalyze())
	<-h.fake.Received()

	state := h.c.Snapshot()
	assert.True(t, state.IsAnalyzing)
	assert.False(t, state.CanSubmit)
	assert.ErrorIs(t, h.c.StartAnalyze(), ErrSubmitDisabled)
	assert.ErrorIs(t, h.c.Prescribe(context.Background()), ErrSubmitDisabled)

	close(hold)
	require.Eventually(t, func() bool { return !h.c.Snapshot().IsAnalyzing }, 3*time.Second, 2*time.Millisecond)
	assert.True(t, h.c.CanSubmit())
	assert.Len(t, h.fake.Requests(), 1)
}

func TestAnalyze_Success(t *testing.T) {
	h := newHarness(t, fastOptions())
	files := h.addReady(t, "first.png", "second.png")

	require.NoError(t, h.c.Analyze(context.Background()))

	state := h.c.Snapshot()
	require.NotNil(t, state.Result)
	assert.False(t, state.IsAnalyzing)
	assert.Empty(t, state.Error)
	assert.Equal(t, "C5", state.Result.HighestProbabilityFracture.Class)
	assert.Equal(t, []models.ProbabilityRow{{Name: "C5", Probability: 98}, {Name: "C6", Probability: 41}, {Name: "C2", Probability: 3}}, state.ProbabilityRows)
	assert.Equal(t, []models.SeverityCount{
		{Name: models.SeverityHigh, Value: 1},
		{Name: models.SeverityModerate, Value: 1},
		{Name: models.SeverityLow, Value: 1},
	}, state.SeverityCounts)

	reqs := h.fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, files[0].Name, reqs[0].FileName)
	assert.False(t, reqs[0].IncludePrescription)
}

func TestAnalyze_ServiceError(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.addReady(t, "scan.png")
	h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.ErrorBody("error", "low image quality")})

	require.NoError(t, h.c.Analyze(context.Background()))

	state := h.c.Snapshot()
	assert.Equal(t, "low image quality", state.Error)
	assert.False(t, state.IsAnalyzing)
	assert.False(t, state.IsPrescribing)
	assert.Nil(t, state.Result)
}

func TestAnalyze_FailureKeepsPreviousResult(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.addReady(t, "scan.png")

	require.NoError(t, h.c.Analyze(context.Background()))
	require.NotNil(t, h.c.Snapshot().Result)

	h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusBadGateway, Body: "upstream down"})
	require.NoError(t, h.c.Analyze(context.Background()))

	state := h.c.Snapshot()
	assert.NotNil(t, state.Result)
	assert.Equal(t, "request failed with status code 502", state.Error)
}

func TestAnalyze_GenericFallback(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.addReady(t, "scan.png")
	h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: `{"status":"error"}`})

	require.NoError(t, h.c.Analyze(context.Background()))
	assert.Equal(t, analysis.FallbackUnknown, h.c.Snapshot().Error)
}

func TestPrescribe(t *testing.T) {
	t.Run("stores prescription", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		h.addReady(t, "scan.png")
		require.NoError(t, h.c.SetPatientContext(models.PatientContext{Allergies: "Latex"}))
		h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.PrescriptionBody("Rest for 6 weeks")})

		require.NoError(t, h.c.Prescribe(context.Background()))

		state := h.c.Snapshot()
		require.NotNil(t, state.Prescription)
		assert.Equal(t, "Rest for 6 weeks", *state.Prescription)
		assert.True(t, state.ShowPrescription)
		assert.False(t, state.IsPrescribing)
		assert.Empty(t, state.Error)

		req := h.fake.Requests()[0]
		assert.True(t, req.IncludePrescription)
		assert.Equal(t, "Latex", req.Allergies)
		assert.Equal(t, models.DefaultMedicalHistory, req.MedicalHistory)

		var buf bytes.Buffer
		require.NoError(t, h.c.ExportPrescription(&buf))
		assert.Equal(t, "Rest for 6 weeks", buf.String())
		assert.Equal(t, "prescription_2025-04-12.txt",
			h.c.PrescriptionFileName(time.Date(2025, 4, 12, 9, 30, 0, 0, time.UTC)))
	})

	t.Run("prescription omitted", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		h.addReady(t, "scan.png")

		require.NoError(t, h.c.Prescribe(context.Background()))

		state := h.c.Snapshot()
		assert.Equal(t, "Prescription was not included in the response", state.Error)
		assert.False(t, state.ShowPrescription)
		assert.Nil(t, state.Prescription)
		assert.NotNil(t, state.Result)
		assert.False(t, state.IsPrescribing)
		assert.ErrorIs(t, h.c.ExportPrescription(io.Discard), ErrNoPrescription)
	})

	t.Run("analyze hides previous prescription", func(t *testing.T) {
		h := newHarness(t, fastOptions())
		h.addReady(t, "scan.png")
		h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.PrescriptionBody("text")})
		require.NoError(t, h.c.Prescribe(context.Background()))
		require.True(t, h.c.Snapshot().ShowPrescription)

		require.NoError(t, h.c.Analyze(context.Background()))
		state := h.c.Snapshot()
		assert.False(t, state.ShowPrescription)
		assert.Nil(t, state.Prescription)
	})
}

func TestResultInvalidation(t *testing.T) {
	h := newHarness(t, fastOptions())
	files := h.addReady(t, "a.png", "b.png")
	h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.PrescriptionBody("text")})
	require.NoError(t, h.c.Prescribe(context.Background()))
	require.NotNil(t, h.c.Snapshot().Result)

	t.Run("removal clears result", func(t *testing.T) {
		require.NoError(t, h.c.RemoveFile(files[1].ID))
		state := h.c.Snapshot()
		assert.Nil(t, state.Result)
		assert.Nil(t, state.Prescription)
		assert.False(t, state.ShowPrescription)
		assert.Empty(t, state.ProbabilityRows)
	})

	t.Run("addition clears result", func(t *testing.T) {
		require.Eventually(t, h.c.CanSubmit, 3*time.Second, 2*time.Millisecond)
		require.NoError(t, h.c.Analyze(context.Background()))
		require.NotNil(t, h.c.Snapshot().Result)

		_, _, err := h.c.AddFiles([]Selection{image("c.png")})
		require.NoError(t, err)
		assert.Nil(t, h.c.Snapshot().Result)
	})

	t.Run("rejected selection keeps result", func(t *testing.T) {
		require.Eventually(t, h.c.CanSubmit, 3*time.Second, 2*time.Millisecond)
		require.NoError(t, h.c.Analyze(context.Background()))

		_, rejected, err := h.c.AddFiles([]Selection{{Name: "notes.txt", Size: 3}})
		require.NoError(t, err)
		require.Len(t, rejected, 1)
		assert.NotNil(t, h.c.Snapshot().Result)
	})
}

func TestStaleResponseDiscarded(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.addReady(t, "a.png")

	hold := make(chan struct{})
	h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.SuccessBody(testutil.SampleResult()), Hold: hold})
	require.NoError(t, h.c.StartAnalyze())
	<-h.fake.Received()

	_, _, err := h.c.AddFiles([]Selection{image("b.png")})
	require.NoError(t, err)
	close(hold)

	require.Eventually(t, func() bool { return !h.c.Snapshot().IsAnalyzing }, 3*time.Second, 2*time.Millisecond)
	state := h.c.Snapshot()
	assert.Nil(t, state.Result)
	assert.Empty(t, state.Error)
}

func TestPreviewHandles(t *testing.T) {
	h := newHarness(t, fastOptions())
	files := h.addReady(t, "a.png", "b.png")

	t.Run("first render releases", func(t *testing.T) {
		rc, mimeType, err := h.c.Preview(files[0].PreviewHandle)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "image/png", mimeType)
		assert.Equal(t, image("a.png").Data, data)

		_, _, err = h.c.Preview(files[0].PreviewHandle)
		assert.ErrorIs(t, err, ErrPreviewReleased)
		assert.Empty(t, h.c.Snapshot().Files[0].PreviewHandle)
	})

	t.Run("removal releases", func(t *testing.T) {
		require.NoError(t, h.c.RemoveFile(files[1].ID))
		_, _, err := h.c.Preview(files[1].PreviewHandle)
		assert.ErrorIs(t, err, ErrPreviewReleased)
		assert.ErrorIs(t, h.c.ReleasePreview(files[1].PreviewHandle), ErrPreviewReleased)
	})

	t.Run("explicit release", func(t *testing.T) {
		accepted, _, err := h.c.AddFiles([]Selection{image("c.png")})
		require.NoError(t, err)
		require.NoError(t, h.c.ReleasePreview(accepted[0].PreviewHandle))
		assert.ErrorIs(t, h.c.ReleasePreview(accepted[0].PreviewHandle), ErrPreviewReleased)
	})

	t.Run("before staging completes", func(t *testing.T) {
		release := h.store.Block()
		defer release()
		accepted, _, err := h.c.AddFiles([]Selection{image("d.png")})
		require.NoError(t, err)

		rc, _, err := h.c.Preview(accepted[0].PreviewHandle)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		assert.Equal(t, image("d.png").Data, data)
	})
}

func TestClose(t *testing.T) {
	opts := fastOptions()
	opts.TickInterval = 10 * time.Millisecond
	h := newHarness(t, opts)
	h.addReady(t, "a.png")
	_, _, err := h.c.AddFiles([]Selection{image("b.png")})
	require.NoError(t, err)

	ch, _ := h.c.Subscribe()
	require.NoError(t, h.c.Close())

	_, open := <-ch
	for open {
		_, open = <-ch
	}
	assert.Equal(t, 0, h.store.GetFileCount())
	assert.Empty(t, h.c.Snapshot().Files)
	assert.False(t, h.c.Busy())

	_, _, err = h.c.AddFiles([]Selection{image("c.png")})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.c.Analyze(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.c.RemoveFile("x"), ErrClosed)
	assert.NoError(t, h.c.Close())
}

func TestClose_AbortsInFlightRequest(t *testing.T) {
	h := newHarness(t, fastOptions())
	h.addReady(t, "a.png")

	hold := make(chan struct{})
	defer close(hold)
	h.fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.SuccessBody(testutil.SampleResult()), Hold: hold})

	done := make(chan error, 1)
	go func() { done <- h.c.Analyze(context.Background()) }()
	<-h.fake.Received()

	require.NoError(t, h.c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Analyze did not return after Close")
	}
	assert.False(t, h.c.Snapshot().IsAnalyzing)
}
