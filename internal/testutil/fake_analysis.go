// fake_analysis.go - Programmable stand-in for the remote analysis service
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/fracture-scan/backend/internal/models"
)

// AnalysisRequest records one call received by the fake service.
type AnalysisRequest struct {
	Path                string
	IncludePrescription bool
	FileName            string
	FileData            []byte
	Allergies           string
	MedicalHistory      string
}

// FakeResponse is one programmed reply.
type FakeResponse struct {
	StatusCode int
	Body       string
	// Hold, when set, delays the reply until it is closed.
	Hold chan struct{}
}

// FakeAnalysisService serves /api/analyze from a queue of programmed replies.
type FakeAnalysisService struct {
	Server *httptest.Server

	mu        sync.Mutex
	requests  []AnalysisRequest
	responses []FakeResponse
	fallback  FakeResponse
	received  chan struct{}
}

// NewFakeAnalysisService starts a fake service. Unprogrammed calls get a
// successful envelope built from SampleResult.
func NewFakeAnalysisService() *FakeAnalysisService {
	f := &FakeAnalysisService{
		fallback: FakeResponse{StatusCode: http.StatusOK, Body: SuccessBody(SampleResult())},
		received: make(chan struct{}, 64),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL returns the base URL of the fake.
func (f *FakeAnalysisService) URL() string {
	return f.Server.URL
}

// Close shuts the fake down.
func (f *FakeAnalysisService) Close() {
	f.Server.CloseClientConnections()
	f.Server.Close()
}

// Enqueue programs replies served in FIFO order.
func (f *FakeAnalysisService) Enqueue(responses ...FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

// SetFallback changes the reply used once the queue is empty.
func (f *FakeAnalysisService) SetFallback(resp FakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = resp
}

// Requests returns a copy of the recorded calls.
func (f *FakeAnalysisService) Requests() []AnalysisRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AnalysisRequest(nil), f.requests...)
}

// Received signals once per recorded call, before the reply is written.
func (f *FakeAnalysisService) Received() <-chan struct{} {
	return f.received
}

func (f *FakeAnalysisService) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/api/analyze" {
		http.NotFound(w, r)
		return
	}

	req := AnalysisRequest{
		Path:                r.URL.Path,
		IncludePrescription: r.URL.Query().Get("include_prescription") == "true",
	}
	if err := r.ParseMultipartForm(32 << 20); err == nil {
		req.Allergies = r.FormValue("allergies")
		req.MedicalHistory = r.FormValue("medical_history")
		if file, header, err := r.FormFile("file"); err == nil {
			req.FileName = header.Filename
			req.FileData, _ = io.ReadAll(file)
			file.Close()
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	resp := f.fallback
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	select {
	case f.received <- struct{}{}:
	default:
	}

	if resp.Hold != nil {
		select {
		case <-resp.Hold:
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, resp.Body)
}

// SampleResult returns a fully populated analysis result.
func SampleResult() *models.AnalysisResult {
	return &models.AnalysisResult{
		FractureProbabilities: models.Probabilities{
			{Label: "C5", Probability: 0.978},
			{Label: "C6", Probability: 0.412},
			{Label: "C2", Probability: 0.034},
		},
		HighestProbabilityFracture: models.Fracture{Class: "C5", Probability: 0.978},
		OverallFractureRisk:        0.87,
		Recommendations: models.Recommendations{
			{Location: "C5", Recommendation: models.Recommendation{Severity: models.SeverityHigh, Action: "Immobilize and refer to spine surgery"}},
			{Location: "C6", Recommendation: models.Recommendation{Severity: models.SeverityModerate, Action: "CT follow-up within 24h"}},
			{Location: "C2", Recommendation: models.Recommendation{Severity: models.SeverityLow, Action: "No action"}},
		},
	}
}

// SuccessBody encodes a success envelope around result.
func SuccessBody(result *models.AnalysisResult) string {
	return envelopeBody(models.Envelope{Status: models.EnvelopeStatusSuccess, AnalysisResults: result})
}

// PrescriptionBody encodes a success envelope whose result carries text.
func PrescriptionBody(text string) string {
	result := SampleResult()
	result.Prescription = &text
	return SuccessBody(result)
}

// ErrorBody encodes an error envelope.
func ErrorBody(status, message string) string {
	return envelopeBody(models.Envelope{Status: status, Error: message})
}

func envelopeBody(env models.Envelope) string {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	return string(data)
}
