package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		p    float64
		want models.RiskLevel
	}{
		{0.001, models.RiskLevelLow},
		{0.1499, models.RiskLevelLow},
		{0.15, models.RiskLevelMedium},
		{0.3499, models.RiskLevelMedium},
		{0.35, models.RiskLevelHigh},
		{0.5999, models.RiskLevelHigh},
		{0.60, models.RiskLevelCritical},
		{0.999, models.RiskLevelCritical},
		{math.NaN(), models.RiskLevelCritical},
	}

	for _, tt := range tests {
		got := Classify(tt.p, DefaultThresholds)
		assert.Equal(t, tt.want, got, "p=%v", tt.p)
		// same input, same output
		assert.Equal(t, got, Classify(tt.p, DefaultThresholds))
	}
}

func TestThresholds_DegradedIsLowestCritical(t *testing.T) {
	custom := Thresholds{Low: 0.2, Medium: 0.5, High: 0.9}
	for _, th := range []Thresholds{DefaultThresholds, custom} {
		d := th.Degraded()
		assert.Equal(t, models.RiskLevelCritical, Classify(d, th))
		assert.Equal(t, models.RiskLevelHigh, Classify(math.Nextafter(d, 0), th))
	}
}

func TestThresholds_Validate(t *testing.T) {
	require.NoError(t, DefaultThresholds.Validate())

	for _, bad := range []Thresholds{
		{Low: 0, Medium: 0.3, High: 0.6},
		{Low: 0.3, Medium: 0.3, High: 0.6},
		{Low: 0.1, Medium: 0.7, High: 0.6},
		{Low: 0.1, Medium: 0.3, High: 1},
	} {
		err := bad.Validate()
		require.Error(t, err, "%+v", bad)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	}
}
