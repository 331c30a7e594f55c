package models

import "strings"

const (
	DefaultAllergies      = "None reported"
	DefaultMedicalHistory = "No significant history"
)

// PatientContext holds operator-entered metadata forwarded with prescription requests.
type PatientContext struct {
	Allergies      string `json:"allergies" msgpack:"allergies"`
	MedicalHistory string `json:"medicalHistory" msgpack:"medicalHistory"`
}

// Resolved returns a copy with blank fields replaced by their sentinels.
func (p PatientContext) Resolved() PatientContext {
	out := p
	if strings.TrimSpace(out.Allergies) == "" {
		out.Allergies = DefaultAllergies
	}
	if strings.TrimSpace(out.MedicalHistory) == "" {
		out.MedicalHistory = DefaultMedicalHistory
	}
	return out
}
