package analysis

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fracture-scan/backend/internal/models"
	"github.com/fracture-scan/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Analyze(t *testing.T) {
	fake := testutil.NewFakeAnalysisService()
	defer fake.Close()

	client := NewClient(fake.URL()+"/", 5*time.Second)
	env, err := client.Analyze(context.Background(), "scan.png", strings.NewReader("image-bytes"))
	require.NoError(t, err)
	require.True(t, env.Succeeded())
	require.NotNil(t, env.AnalysisResults)

	labels := []string{}
	for _, p := range env.AnalysisResults.FractureProbabilities {
		labels = append(labels, p.Label)
	}
	assert.Equal(t, []string{"C5", "C6", "C2"}, labels)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/api/analyze", reqs[0].Path)
	assert.False(t, reqs[0].IncludePrescription)
	assert.Equal(t, "scan.png", reqs[0].FileName)
	assert.Equal(t, "image-bytes", string(reqs[0].FileData))
	assert.Empty(t, reqs[0].Allergies)
}

func TestClient_Prescribe(t *testing.T) {
	fake := testutil.NewFakeAnalysisService()
	defer fake.Close()
	fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.PrescriptionBody("Ibuprofen 400mg")})

	client := NewClient(fake.URL(), 5*time.Second)

	t.Run("sends patient context", func(t *testing.T) {
		env, err := client.Prescribe(context.Background(), "scan.dcm", strings.NewReader("x"),
			models.PatientContext{Allergies: "Penicillin", MedicalHistory: "Asthma"})
		require.NoError(t, err)
		require.NotNil(t, env.AnalysisResults.Prescription)
		assert.Equal(t, "Ibuprofen 400mg", *env.AnalysisResults.Prescription)

		req := fake.Requests()[0]
		assert.True(t, req.IncludePrescription)
		assert.Equal(t, "Penicillin", req.Allergies)
		assert.Equal(t, "Asthma", req.MedicalHistory)
	})

	t.Run("blank context uses sentinels", func(t *testing.T) {
		_, err := client.Prescribe(context.Background(), "scan.dcm", strings.NewReader("x"),
			models.PatientContext{Allergies: "  "})
		require.NoError(t, err)

		req := fake.Requests()[1]
		assert.Equal(t, models.DefaultAllergies, req.Allergies)
		assert.Equal(t, models.DefaultMedicalHistory, req.MedicalHistory)
	})
}

func TestClient_Failures(t *testing.T) {
	tests := []struct {
		name        string
		response    testutil.FakeResponse
		wantEnv     bool
		wantErr     error
		wantMessage string
	}{
		{
			name:        "service error envelope",
			response:    testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.ErrorBody("error", "low image quality")},
			wantEnv:     true,
			wantMessage: "low image quality",
		},
		{
			name:        "non-2xx with structured body",
			response:    testutil.FakeResponse{StatusCode: http.StatusBadRequest, Body: testutil.ErrorBody("error", "unsupported format")},
			wantEnv:     true,
			wantMessage: "unsupported format",
		},
		{
			name:        "non-2xx without structured body",
			response:    testutil.FakeResponse{StatusCode: http.StatusBadGateway, Body: "<html>bad gateway</html>"},
			wantMessage: "request failed with status code 502",
		},
		{
			name:        "undecodable success body",
			response:    testutil.FakeResponse{StatusCode: http.StatusOK, Body: "not json"},
			wantErr:     ErrMalformedResponse,
			wantMessage: "malformed response",
		},
		{
			name:        "success without results",
			response:    testutil.FakeResponse{StatusCode: http.StatusOK, Body: `{"status":"success"}`},
			wantEnv:     true,
			wantErr:     ErrMalformedResponse,
			wantMessage: "malformed response: missing analysis_results",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := testutil.NewFakeAnalysisService()
			defer fake.Close()
			fake.Enqueue(tt.response)

			client := NewClient(fake.URL(), 5*time.Second)
			env, err := client.Analyze(context.Background(), "scan.png", strings.NewReader("x"))

			if tt.wantEnv {
				assert.NotNil(t, env)
			} else {
				assert.Nil(t, env)
			}
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}

			msg := FallbackAnalyze
			if err != nil || !env.Succeeded() {
				msg = ErrorMessage(env, err, FallbackAnalyze)
			}
			assert.True(t, strings.HasPrefix(msg, tt.wantMessage), "got %q", msg)
		})
	}
}

func TestClient_TransportFailure(t *testing.T) {
	fake := testutil.NewFakeAnalysisService()
	url := fake.URL()
	fake.Close()

	client := NewClient(url, time.Second)
	env, err := client.Analyze(context.Background(), "scan.png", strings.NewReader("x"))
	require.Error(t, err)
	assert.Nil(t, env)
	assert.Equal(t, err.Error(), ErrorMessage(env, err, FallbackAnalyze))
}

func TestClient_ContextCancel(t *testing.T) {
	fake := testutil.NewFakeAnalysisService()
	defer fake.Close()
	hold := make(chan struct{})
	defer close(hold)
	fake.Enqueue(testutil.FakeResponse{StatusCode: http.StatusOK, Body: testutil.SuccessBody(testutil.SampleResult()), Hold: hold})

	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient(fake.URL(), 0)

	done := make(chan error, 1)
	go func() {
		_, err := client.Analyze(ctx, "scan.png", strings.NewReader("x"))
		done <- err
	}()

	<-fake.Received()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not observe cancellation")
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "svc", ErrorMessage(&models.Envelope{Error: "svc"}, errors.New("transport"), "fb"))
	assert.Equal(t, "transport", ErrorMessage(&models.Envelope{}, errors.New("transport"), "fb"))
	assert.Equal(t, "fb", ErrorMessage(nil, nil, "fb"))
	assert.Equal(t, "fb", ErrorMessage(nil, errors.New(""), "fb"))
}
