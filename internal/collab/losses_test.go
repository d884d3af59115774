package collab

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimulateLossesPercentilesAreOrdered(t *testing.T) {
	result := SimulateLosses(1000, rand.New(rand.NewPCG(1, 2)))

	sorted := result.Sorted()
	assert.Len(t, sorted, len(ReportedPercentiles))
	for i := 1; i < len(sorted); i++ {
		assert.GreaterOrEqual(t, sorted[i].Value, sorted[i-1].Value)
	}
	for _, p := range sorted {
		assert.GreaterOrEqual(t, p.Value, 0.0)
		assert.LessOrEqual(t, p.Value, obligors*exposure*lossGivenDefault)
	}
}

func TestSimulateLossesIsDeterministicForSeed(t *testing.T) {
	a := SimulateLosses(500, rand.New(rand.NewPCG(7, 7)))
	b := SimulateLosses(500, rand.New(rand.NewPCG(7, 7)))
	assert.Equal(t, a, b)
}

func TestSimulateLossesMinimumSample(t *testing.T) {
	result := SimulateLosses(0, rand.New(rand.NewPCG(1, 1)))
	assert.Len(t, result, len(ReportedPercentiles))
}

func TestQuantile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, quantile(values, 0.5))
	assert.Equal(t, 10.0, quantile(values, 0.99))
	assert.Equal(t, 1.0, quantile(values, 0))
	assert.Equal(t, 10.0, quantile(values, 1))
}
