package transport

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// reconnectPolicy is the single owner of reconnection state: the attempt
// counter and the cooldown between attempts live here and nowhere else, so
// the pumps and the manager can't drift into double-counting.
type reconnectPolicy struct {
	mu       sync.Mutex
	attempts int
	max      int
	backoff  *backoff.ExponentialBackOff
}

func newReconnectPolicy(max int, cooldown time.Duration) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cooldown
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // the attempt counter is the bound, not elapsed time
	b.Reset()
	return &reconnectPolicy{max: max, backoff: b}
}

// NextDelay counts one attempt and returns how long to cool down before it.
func (p *reconnectPolicy) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return p.backoff.NextBackOff()
}

// Exhausted reports whether the attempt bound has been hit.
func (p *reconnectPolicy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts >= p.max
}

// Reset clears the counter and cooldown after a successful connect.
func (p *reconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.backoff.Reset()
}

// Attempts returns the current attempt count.
func (p *reconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}
