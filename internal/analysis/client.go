// Package analysis talks to the remote fracture analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/fracture-scan/backend/internal/models"
)

const (
	analyzePath = "/api/analyze"

	// Fallback messages used when neither the service nor the transport
	// supplied one.
	FallbackAnalyze     = "Failed to analyze image"
	FallbackPrescribe   = "Failed to generate prescription"
	FallbackUnknown     = "Unknown error occurred"
	MissingPrescription = "Prescription was not included in the response"
)

// ErrMalformedResponse is returned when a 2xx body is not a usable envelope.
var ErrMalformedResponse = errors.New("malformed response")

// StatusError is returned for non-2xx replies.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status code %d", e.StatusCode)
}

// Client is an HTTP client for the analysis service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a client. timeout <= 0 leaves the transport default
// behaviour in place.
func NewClient(baseURL string, timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Analyze submits one image for fracture analysis.
func (c *Client) Analyze(ctx context.Context, fileName string, r io.Reader) (*models.Envelope, error) {
	return c.post(ctx, analyzePath, fileName, r, nil)
}

// Prescribe submits one image with patient context and asks for a prescription.
func (c *Client) Prescribe(ctx context.Context, fileName string, r io.Reader, patient models.PatientContext) (*models.Envelope, error) {
	patient = patient.Resolved()
	fields := [][2]string{
		{"allergies", patient.Allergies},
		{"medical_history", patient.MedicalHistory},
	}
	return c.post(ctx, analyzePath+"?include_prescription=true", fileName, r, fields)
}

func (c *Client) post(ctx context.Context, path, fileName string, r io.Reader, fields [][2]string) (*models.Envelope, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, fmt.Errorf("writing field %s: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var env models.Envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if decodeErr != nil {
			return nil, statusErr
		}
		return &env, statusErr
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)
	}
	if env.Succeeded() && env.AnalysisResults == nil {
		return &env, fmt.Errorf("%w: missing analysis_results", ErrMalformedResponse)
	}

	return &env, nil
}

// ErrorMessage derives the operator-facing message for a failed call: the
// service error field, then the transport error, then fallback.
func ErrorMessage(env *models.Envelope, err error, fallback string) string {
	if env != nil && env.Error != "" {
		return env.Error
	}
	if err != nil && err.Error() != "" {
		return err.Error()
	}
	return fallback
}
