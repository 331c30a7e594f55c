package models

import "time"

// ProbabilityRow is one bar of the fracture probability chart.
type ProbabilityRow struct {
	Name        string `json:"name" msgpack:"name"`
	Probability int    `json:"probability" msgpack:"probability"` // percent, rounded
}

// SeverityCount is one slice of the severity distribution chart.
type SeverityCount struct {
	Name  Severity `json:"name" msgpack:"name"`
	Value int      `json:"value" msgpack:"value"`
}

// SessionState is the render snapshot of one upload session.
type SessionState struct {
	ID               string           `json:"id" msgpack:"id"`
	Files            []UploadedFile   `json:"files" msgpack:"files"`
	SubmissionFileID string           `json:"submissionFileId,omitempty" msgpack:"submissionFileId,omitempty"`
	IsUploading      bool             `json:"isUploading" msgpack:"isUploading"`
	IsAnalyzing      bool             `json:"isAnalyzing" msgpack:"isAnalyzing"`
	IsPrescribing    bool             `json:"isPrescribing" msgpack:"isPrescribing"`
	CanSubmit        bool             `json:"canSubmit" msgpack:"canSubmit"`
	Result           *AnalysisResult  `json:"analysisResults,omitempty" msgpack:"analysisResults,omitempty"`
	Prescription     *string          `json:"prescription,omitempty" msgpack:"prescription,omitempty"`
	ShowPrescription bool             `json:"showPrescription" msgpack:"showPrescription"`
	Error            string           `json:"error,omitempty" msgpack:"error,omitempty"`
	Patient          PatientContext   `json:"patient" msgpack:"patient"`
	ProbabilityRows  []ProbabilityRow `json:"probabilityChart" msgpack:"probabilityChart"`
	SeverityCounts   []SeverityCount  `json:"severityChart" msgpack:"severityChart"`
	UpdatedAt        time.Time        `json:"updatedAt" msgpack:"updatedAt"`
}
