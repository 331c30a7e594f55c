// Package charts projects an analysis result into the rows the dashboard charts render.
// Projections are pure and recomputed from the result on every call.
package charts

import (
	"math"

	"github.com/fracture-scan/backend/internal/models"
)

// ProbabilityRows returns one row per fracture probability, in the order the
// service sent them, with the probability as a rounded percentage.
func ProbabilityRows(result *models.AnalysisResult) []models.ProbabilityRow {
	if result == nil {
		return []models.ProbabilityRow{}
	}
	rows := make([]models.ProbabilityRow, 0, len(result.FractureProbabilities))
	for _, p := range result.FractureProbabilities {
		rows = append(rows, models.ProbabilityRow{
			Name:        p.Label,
			Probability: int(math.Round(p.Probability * 100)),
		})
	}
	return rows
}

// SeverityDistribution tallies recommendations into High, Moderate and Low.
// Severities outside those three are not counted.
func SeverityDistribution(result *models.AnalysisResult) []models.SeverityCount {
	if result == nil {
		return []models.SeverityCount{}
	}
	counts := make(map[models.Severity]int, len(models.Severities))
	for _, rec := range result.Recommendations {
		if rec.Severity.Known() {
			counts[rec.Severity]++
		}
	}
	out := make([]models.SeverityCount, 0, len(models.Severities))
	for _, s := range models.Severities {
		out = append(out, models.SeverityCount{Name: s, Value: counts[s]})
	}
	return out
}
