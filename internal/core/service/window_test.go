package service

import (
	"testing"
	"time"

	"powerwatch/pkg/powerwall"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowEviction(t *testing.T) {
	w := NewSampleWindow(3)
	assert.Equal(t, 0, w.Len())
	assert.Nil(t, w.Last())

	for i := 1; i <= 5; i++ {
		w.Add(sample(float64(i)))
	}
	require.Equal(t, 3, w.Len())

	// oldest two evicted, chronological order preserved
	got := w.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, 3.0, got[0].HomePowerKW)
	assert.Equal(t, 5.0, got[2].HomePowerKW)
	assert.Equal(t, 5.0, w.Last().HomePowerKW)
}

func TestAverageHomePowerEmpty(t *testing.T) {
	w := NewSampleWindow(60)
	_, ok := w.AverageHomePower(30, 5)
	assert.False(t, ok)
}

func TestAverageHomePowerSubWindow(t *testing.T) {
	w := NewSampleWindow(60)
	for _, p := range []float64{10, 2, 4, 6} {
		w.Add(sample(p))
	}

	// floor(15/5) = 3 most recent samples
	avg, ok := w.AverageHomePower(15, 5)
	require.True(t, ok)
	assert.InDelta(t, 4.0, avg, 1e-9)
}

func TestAverageHomePowerAtLeastOneSample(t *testing.T) {
	w := NewSampleWindow(60)
	w.Add(sample(7))
	w.Add(sample(3))

	// window shorter than the interval still averages one sample
	avg, ok := w.AverageHomePower(2, 5)
	require.True(t, ok)
	assert.Equal(t, 3.0, avg)
}

func TestAverageHomePowerClampedToBufferSize(t *testing.T) {
	w := NewSampleWindow(60)
	w.Add(sample(1))
	w.Add(sample(3))

	avg, ok := w.AverageHomePower(600, 5)
	require.True(t, ok)
	assert.Equal(t, 2.0, avg)
}

func sample(homePowerKW float64) *powerwall.Metrics {
	return &powerwall.Metrics{
		Timestamp:   time.Now(),
		HomePowerKW: homePowerKW,
	}
}
