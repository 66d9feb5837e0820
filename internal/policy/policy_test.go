package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Contains(t, p.TrackedMetrics(), "error_rate")
	assert.Contains(t, p.TrackedMetrics(), "db_connections")
}

func TestThresholdClassify(t *testing.T) {
	higher := Threshold{Warning: 0.03, Critical: 0.05, Direction: HigherIsWorse}
	assert.Equal(t, SeverityNone, higher.Classify(0.02))
	assert.Equal(t, SeverityMedium, higher.Classify(0.04))
	assert.Equal(t, SeverityHigh, higher.Classify(0.08))

	lower := Threshold{Warning: 0.55, Critical: 0.50, Direction: LowerIsWorse}
	assert.Equal(t, SeverityNone, lower.Classify(0.60))
	assert.Equal(t, SeverityMedium, lower.Classify(0.53))
	assert.Equal(t, SeverityHigh, lower.Classify(0.41))
}

func TestValidateRejectsInvertedThreshold(t *testing.T) {
	p := Default()
	p.Thresholds["error_rate"] = Threshold{Warning: 0.05, Critical: 0.01, Direction: HigherIsWorse}
	require.Error(t, p.Validate())
}

func TestValidateRejectsUnknownTarget(t *testing.T) {
	p := Default()
	p.MetricTargets["error_rate"] = "nowhere"
	require.Error(t, p.Validate())
}

func TestHolderReplaceIsWholeStructure(t *testing.T) {
	h, err := NewHolder(Default())
	require.NoError(t, err)

	next := Default()
	next.Version = "v2"
	next.Thresholds["error_rate"] = Threshold{Warning: 0.01, Critical: 0.02, Direction: HigherIsWorse}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p := h.Current()
				th := p.Thresholds["error_rate"]
				if p.Version == "v2" {
					assert.Equal(t, 0.02, th.Critical)
				} else {
					assert.Equal(t, 0.05, th.Critical)
				}
			}
		}()
	}

	prev, err := h.Replace(next)
	require.NoError(t, err)
	wg.Wait()

	assert.Equal(t, DefaultVersion, prev.Version)
	assert.Equal(t, "v2", h.Current().Version)
}

func TestHolderRejectsInvalidReplacement(t *testing.T) {
	h, err := NewHolder(Default())
	require.NoError(t, err)

	_, err = h.Replace(&Policy{})
	require.Error(t, err)
	assert.Equal(t, DefaultVersion, h.Current().Version)
}
