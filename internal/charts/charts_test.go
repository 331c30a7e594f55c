package charts

import (
	"encoding/json"
	"testing"

	"github.com/fracture-scan/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbabilityRowsRoundsAndKeepsOrder(t *testing.T) {
	var result models.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(`{
		"fracture_probabilities": {"C4-C5": 0.873, "C5-C6": 0.12},
		"recommendations": {}
	}`), &result))

	rows := ProbabilityRows(&result)

	assert.Equal(t, []models.ProbabilityRow{
		{Name: "C4-C5", Probability: 87},
		{Name: "C5-C6", Probability: 12},
	}, rows)
}

func TestProbabilityRowsRoundsHalfUp(t *testing.T) {
	result := &models.AnalysisResult{
		FractureProbabilities: models.Probabilities{
			{Label: "Burst fracture", Probability: 0.125},
			{Label: "Jefferson fracture", Probability: 0.999},
			{Label: "No fracture", Probability: 0.004},
		},
	}

	rows := ProbabilityRows(result)

	require.Len(t, rows, 3)
	assert.Equal(t, 13, rows[0].Probability)
	assert.Equal(t, 100, rows[1].Probability)
	assert.Equal(t, 0, rows[2].Probability)
}

func TestSeverityDistribution(t *testing.T) {
	result := &models.AnalysisResult{
		Recommendations: models.Recommendations{
			{Location: "A", Recommendation: models.Recommendation{Severity: models.SeverityHigh}},
			{Location: "B", Recommendation: models.Recommendation{Severity: models.SeverityModerate}},
			{Location: "C", Recommendation: models.Recommendation{Severity: models.SeverityHigh}},
		},
	}

	assert.Equal(t, []models.SeverityCount{
		{Name: models.SeverityHigh, Value: 2},
		{Name: models.SeverityModerate, Value: 1},
		{Name: models.SeverityLow, Value: 0},
	}, SeverityDistribution(result))
}

func TestSeverityDistributionIgnoresUnknown(t *testing.T) {
	result := &models.AnalysisResult{
		Recommendations: models.Recommendations{
			{Location: "C1 (Atlas)", Recommendation: models.Recommendation{Severity: "Critical"}},
			{Location: "C2 (Axis)", Recommendation: models.Recommendation{Severity: models.SeverityLow}},
		},
	}

	dist := SeverityDistribution(result)
	total := 0
	for _, c := range dist {
		total += c.Value
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, dist[2].Value)
}

func TestProjectionsOfNilResult(t *testing.T) {
	assert.Empty(t, ProbabilityRows(nil))
	assert.Empty(t, SeverityDistribution(nil))
}
