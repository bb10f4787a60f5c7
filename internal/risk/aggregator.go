package risk

import (
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
)

// Portfolio score weights
const (
	maxProbabilityWeight  = 0.4
	meanProbabilityWeight = 0.4
	concentrationWeight   = 0.2
)

// Aggregate rolls per-position risk into a portfolio snapshot. An empty set
// yields a zero snapshot stamped with now.
func Aggregate(positions []*models.Position, now time.Time) models.PortfolioRiskSnapshot {
	snap := models.PortfolioRiskSnapshot{ComputedAt: now, TotalPositions: len(positions)}
	if len(positions) == 0 {
		return snap
	}

	probs := make([]float64, len(positions))
	for i, p := range positions {
		probs[i] = p.AssignmentProbability
		switch p.RiskLevel {
		case models.RiskLevelCritical:
			snap.CriticalRiskCount++
			snap.HighRiskCount++
		case models.RiskLevelHigh:
			snap.HighRiskCount++
		}
	}

	worst := floats.MaxIdx(probs)
	snap.MaxAssignmentProbability = probs[worst]
	snap.AvgAssignmentProbability = stat.Mean(probs, nil)
	snap.WorstPositionID = positions[worst].ID

	concentration := float64(snap.CriticalRiskCount) / float64(len(positions))
	snap.PortfolioRiskScore = PortfolioScore(snap.MaxAssignmentProbability, snap.AvgAssignmentProbability, concentration)

	return snap
}

// PortfolioScore is 0.4*max + 0.4*mean + 0.2*criticalShare
func PortfolioScore(maxP, meanP, criticalShare float64) float64 {
	return maxProbabilityWeight*maxP + meanProbabilityWeight*meanP + concentrationWeight*criticalShare
}

// CriticalPositions returns the positions above CriticalEscalationThreshold
func CriticalPositions(positions []*models.Position) []*models.Position {
	var out []*models.Position
	for _, p := range positions {
		if !p.RiskDegraded && p.AssignmentProbability > CriticalEscalationThreshold {
			out = append(out, p)
		}
	}
	return out
}
