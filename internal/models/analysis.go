package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EnvelopeStatusSuccess is the only envelope status treated as success.
const EnvelopeStatusSuccess = "success"

// Envelope is the top-level response of the remote analysis service.
type Envelope struct {
	Status          string          `json:"status"`
	AnalysisResults *AnalysisResult `json:"analysis_results,omitempty"`
	Error           string          `json:"error,omitempty"`
	FileURL         string          `json:"file_url,omitempty"`
}

// Succeeded reports whether the service declared success.
func (e *Envelope) Succeeded() bool {
	return e != nil && e.Status == EnvelopeStatusSuccess
}

// Severity is the urgency label attached to a recommendation.
type Severity string

const (
	SeverityHigh     Severity = "High"
	SeverityModerate Severity = "Moderate"
	SeverityLow      Severity = "Low"
)

// Severities lists the known severities in display order.
var Severities = []Severity{SeverityHigh, SeverityModerate, SeverityLow}

// Known reports whether s is one of the three recognised severities.
func (s Severity) Known() bool {
	switch s {
	case SeverityHigh, SeverityModerate, SeverityLow:
		return true
	}
	return false
}

// Fracture names the most likely fracture class.
type Fracture struct {
	Class       string  `json:"class" msgpack:"class"`
	Probability float64 `json:"probability" msgpack:"probability"`
}

// Recommendation is the suggested action for one anatomical location.
type Recommendation struct {
	Severity Severity `json:"severity" msgpack:"severity"`
	Action   string   `json:"action" msgpack:"action"`
}

// AnalysisResult is one analysis returned by the remote service.
// It is replaced, never merged, by each new call.
type AnalysisResult struct {
	FractureProbabilities      Probabilities   `json:"fracture_probabilities" msgpack:"fracture_probabilities"`
	HighestProbabilityFracture Fracture        `json:"highest_probability_fracture" msgpack:"highest_probability_fracture"`
	OverallFractureRisk        float64         `json:"overall_fracture_risk" msgpack:"overall_fracture_risk"`
	Recommendations            Recommendations `json:"recommendations" msgpack:"recommendations"`
	Prescription               *string         `json:"prescription,omitempty" msgpack:"prescription,omitempty"`
}

// Clone returns a deep copy so snapshots never alias controller state.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	out := *r
	out.FractureProbabilities = append(Probabilities(nil), r.FractureProbabilities...)
	out.Recommendations = append(Recommendations(nil), r.Recommendations...)
	if r.Prescription != nil {
		p := *r.Prescription
		out.Prescription = &p
	}
	return &out
}

// LabeledProbability is one entry of the fracture probability mapping.
type LabeledProbability struct {
	Label       string
	Probability float64
}

// Probabilities is a label -> probability mapping that keeps the order the
// service sent the keys in.
type Probabilities []LabeledProbability

// Get returns the probability for label.
func (p Probabilities) Get(label string) (float64, bool) {
	for _, e := range p {
		if e.Label == label {
			return e.Probability, true
		}
	}
	return 0, false
}

func (p *Probabilities) set(label string, v float64) {
	for i := range *p {
		if (*p)[i].Label == label {
			(*p)[i].Probability = v
			return
		}
	}
	*p = append(*p, LabeledProbability{Label: label, Probability: v})
}

// MarshalJSON encodes the mapping as a JSON object in order.
func (p Probabilities) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return encodeOrderedObject(len(p), func(i int) (string, any) {
		return p[i].Label, p[i].Probability
	})
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (p *Probabilities) UnmarshalJSON(data []byte) error {
	var out Probabilities
	err := decodeOrderedObject(data, func(key string, dec *json.Decoder) error {
		var v float64
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("probability for %q: %w", key, err)
		}
		out.set(key, v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("fracture probabilities: %w", err)
	}
	*p = out
	return nil
}

// EncodeMsgpack encodes the mapping as a msgpack map in order.
func (p Probabilities) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(p)); err != nil {
		return err
	}
	for _, e := range p {
		if err := enc.EncodeString(e.Label); err != nil {
			return err
		}
		if err := enc.EncodeFloat64(e.Probability); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack decodes a msgpack map, preserving key order.
func (p *Probabilities) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	var out Probabilities
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		v, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		out.set(key, v)
	}
	*p = out
	return nil
}

// LabeledRecommendation is one entry of the recommendations mapping.
type LabeledRecommendation struct {
	Location string
	Recommendation
}

// Recommendations is a location -> recommendation mapping in service order.
type Recommendations []LabeledRecommendation

// Get returns the recommendation for location.
func (r Recommendations) Get(location string) (Recommendation, bool) {
	for _, e := range r {
		if e.Location == location {
			return e.Recommendation, true
		}
	}
	return Recommendation{}, false
}

func (r *Recommendations) set(location string, v Recommendation) {
	for i := range *r {
		if (*r)[i].Location == location {
			(*r)[i].Recommendation = v
			return
		}
	}
	*r = append(*r, LabeledRecommendation{Location: location, Recommendation: v})
}

// MarshalJSON encodes the mapping as a JSON object in order.
func (r Recommendations) MarshalJSON() ([]byte, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return encodeOrderedObject(len(r), func(i int) (string, any) {
		return r[i].Location, r[i].Recommendation
	})
}

// UnmarshalJSON decodes a JSON object, preserving key order.
func (r *Recommendations) UnmarshalJSON(data []byte) error {
	var out Recommendations
	err := decodeOrderedObject(data, func(key string, dec *json.Decoder) error {
		var v Recommendation
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("recommendation for %q: %w", key, err)
		}
		out.set(key, v)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recommendations: %w", err)
	}
	*r = out
	return nil
}

// EncodeMsgpack encodes the mapping as a msgpack map in order.
func (r Recommendations) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(r)); err != nil {
		return err
	}
	for _, e := range r {
		if err := enc.EncodeString(e.Location); err != nil {
			return err
		}
		if err := enc.Encode(e.Recommendation); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack decodes a msgpack map, preserving key order.
func (r *Recommendations) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	var out Recommendations
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		var v Recommendation
		if err := dec.Decode(&v); err != nil {
			return err
		}
		out.set(key, v)
	}
	*r = out
	return nil
}

func encodeOrderedObject(n int, entry func(i int) (string, any)) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, value := entry(i)
		kb, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeOrderedObject walks a JSON object key by key. null decodes to nothing.
func decodeOrderedObject(data []byte, value func(key string, dec *json.Decoder) error) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected string key, got %v", keyTok)
		}
		if err := value(key, dec); err != nil {
			return err
		}
	}
	_, err = dec.Token()
	return err
}
