package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// pacer spaces iteration starts at a target rate with a leaky bucket.
//
// It answers "when may the next iteration start" rather than "how many may
// start now": a virtual drip time advances at the configured rate and next
// returns it. Falling behind schedule yields a time in the past, meaning
// start immediately. At most maxBurst iterations are stored up while the
// consumer is slow.
//
// pacer is safe for concurrent use.
type pacer struct {
	mu          sync.Mutex
	rate        float64 // iterations per second, <= 0 pauses
	lastDrip    time.Time
	accumulated float64
	maxBurst    float64
	now         func() time.Time

	issued atomic.Int64
}

func newPacer(rate float64) *pacer {
	p := &pacer{
		rate:     rate,
		maxBurst: 1,
		now:      time.Now,
	}
	p.lastDrip = p.now()
	return p
}

// next reserves the next iteration slot and returns when it starts. It
// returns false while the rate is zero.
func (p *pacer) next() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.rate <= 0 {
		return now, false
	}

	elapsed := now.Sub(p.lastDrip).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	p.accumulated += elapsed * p.rate
	if p.accumulated > p.maxBurst {
		p.accumulated = p.maxBurst
	}

	p.issued.Add(1)
	if p.accumulated >= 1 {
		p.accumulated--
		p.lastDrip = now
		return now, true
	}

	wait := (1 - p.accumulated) / p.rate
	p.accumulated = 0
	at := now.Add(time.Duration(wait * float64(time.Second)))
	// Waking at "at" must not count the same interval twice.
	p.lastDrip = at
	return at, true
}

// setRate changes the target rate. Stored-up iterations are discarded so a
// ramp down never releases a burst. Setting the current rate is a no-op.
func (p *pacer) setRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rate == p.rate {
		return
	}
	p.rate = rate
	p.accumulated = 0
	p.lastDrip = p.now()
}

// currentRate returns the target rate in iterations per second.
func (p *pacer) currentRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}
