package stealth

import (
	"math/rand"
	"sync"
	"time"
)

var jitterSteps = []float64{-0.5, -0.3, 0, 0.3, 0.5}

// pacer spaces attempts out to soften the request-rate signature. This is
// separate from error backoff: the pacing wait applies before every
// attempt after the first of the client's lifetime, healthy or not.
type pacer struct {
	mu       sync.Mutex
	started  bool
	count    int
	min, max float64
	rng      *rand.Rand
}

// newPacer bounds the base wait to [min,max). Zero or inverted bounds
// take the 2s..7s default.
func newPacer(min, max time.Duration, rng *rand.Rand) *pacer {
	lo := min.Seconds()
	hi := max.Seconds()
	if lo <= 0 {
		lo = 2
	}
	if hi <= lo {
		hi = lo + 5
	}
	return &pacer{min: lo, max: hi, rng: rng}
}

// delay returns how long the next attempt should wait. The first call of
// the pacer's lifetime returns 0. Afterwards the base wait is uniform in
// the configured range plus a small jitter, floored at half a second, and
// every 50th paced attempt carries an extended pause of uniform [10,30)s
// on top.
func (p *pacer) delay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.started = true
		return 0
	}

	p.count++
	base := p.min + p.rng.Float64()*(p.max-p.min)
	if p.count%50 == 0 {
		base += 10 + p.rng.Float64()*20
	}
	delay := base + jitterSteps[p.rng.Intn(len(jitterSteps))]
	if delay < 0.5 {
		delay = 0.5
	}
	return time.Duration(delay * float64(time.Second))
}
