package cachemanager

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreMatchesMultiplierTimesRatio(t *testing.T) {
	got := Score(2.0, 10.0, 5)
	assert.InDelta(t, 4.0, got, 1e-9)
}

func TestScoreGuardsZeroSize(t *testing.T) {
	got := Score(2.0, 10.0, 0)
	assert.InDelta(t, 20.0, got, 1e-9)
}

func TestNextMultiplierAtHalfLifeDoubles(t *testing.T) {
	// delta == halfLife means the exponent is 1, so the increment itself is 2.
	got := NextMultiplier(1.0, 100, 200, 100)
	assert.InDelta(t, 3.0, got, 1e-9)
}

func TestNextMultiplierNoElapsedTouchesAddsOne(t *testing.T) {
	got := NextMultiplier(1.0, 100, 50, 50)
	assert.InDelta(t, 2.0, got, 1e-9)
}

func TestNextMultiplierMonotonicInElapsedTouches(t *testing.T) {
	near := NextMultiplier(0, 1000, 100, 0)
	far := NextMultiplier(0, 1000, 500, 0)
	assert.Less(t, near, far)
}

func TestNextMultiplierGuardsZeroHalfLife(t *testing.T) {
	got := NextMultiplier(0, 0, 10, 0)
	assert.False(t, math.IsInf(got, 0))
	assert.False(t, math.IsNaN(got))
}
