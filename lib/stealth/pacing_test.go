package stealth

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacerFirstAttemptFree(t *testing.T) {
	p := newPacer(0, 0, rand.New(rand.NewSource(1)))
	require.Equal(t, time.Duration(0), p.delay())
	require.NotEqual(t, time.Duration(0), p.delay())
}

func TestPacerDelayRange(t *testing.T) {
	p := newPacer(0, 0, rand.New(rand.NewSource(1)))
	p.delay()

	for i := 0; i < 40; i++ {
		d := p.delay()
		require.GreaterOrEqual(t, d, 1500*time.Millisecond, "delay %d too short", i)
		require.LessOrEqual(t, d, 7500*time.Millisecond, "delay %d too long", i)
	}
}

func TestPacerCustomRange(t *testing.T) {
	p := newPacer(time.Second, 2*time.Second, rand.New(rand.NewSource(1)))
	p.delay()

	for i := 0; i < 40; i++ {
		d := p.delay()
		require.GreaterOrEqual(t, d, 500*time.Millisecond, "delay %d too short", i)
		require.LessOrEqual(t, d, 2500*time.Millisecond, "delay %d too long", i)
	}
}

func TestPacerExtendedPause(t *testing.T) {
	p := newPacer(0, 0, rand.New(rand.NewSource(1)))
	p.delay()

	for i := 0; i < 49; i++ {
		p.delay()
	}
	require.Equal(t, 49, p.count)

	// the 50th paced attempt carries the extended pause
	d := p.delay()
	require.GreaterOrEqual(t, d, 11500*time.Millisecond)
	require.LessOrEqual(t, d, 37500*time.Millisecond)

	// and the one after it goes back to the normal range
	d = p.delay()
	require.LessOrEqual(t, d, 7500*time.Millisecond)
}
