package schedule

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Variance bounds for pacing jitter. Every delay draw gets an extra
// +/- 15-25% so intervals never repeat exactly.
const (
	varianceMin = 0.15
	varianceMax = 0.25
)

// Pacer draws humanized delays from campaign ranges. Safe for concurrent
// use; draws from many goroutines share one locked source.
type Pacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPacer seeds a pacer. Pass nil src to use a time-seeded source.
func NewPacer(src rand.Source) *Pacer {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Pacer{rng: rand.New(src)}
}

// Draw picks a duration uniformly from the range and applies jitter.
func (p *Pacer) Draw(r domain.DelayRange) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	r = r.Normalized()
	base := float64(r.Min)
	if r.Max > r.Min {
		base += p.rng.Float64() * float64(r.Max-r.Min)
	}
	variance := varianceMin + p.rng.Float64()*(varianceMax-varianceMin)
	if p.rng.Intn(2) == 0 {
		variance = -variance
	}
	d := time.Duration(base * (1 + variance) * float64(time.Second))
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep draws from the range and blocks for that long, or until the
// context is cancelled.
func (p *Pacer) Sleep(ctx context.Context, r domain.DelayRange) error {
	d := p.Draw(r)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
