package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a logger emits a given message key.
//
// It is meant for failure storms (e.g. the database going away while many
// runs finish at once): the first events get through, the rest are counted
// and reported with the next allowed event as "suppressed".
type Throttle struct {
	log   Logger
	every time.Duration
	burst int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

// NewThrottle returns a throttle allowing burst events per key and then one
// event every interval.
func NewThrottle(log Logger, every time.Duration, burst int) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		log:        log,
		every:      every,
		burst:      burst,
		limiters:   map[string]*rate.Limiter{},
		suppressed: map[string]int{},
	}
}

func (t *Throttle) allow(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lim := t.limiters[key]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(t.every), t.burst)
		t.limiters[key] = lim
	}
	if !lim.Allow() {
		t.suppressed[key]++
		return false, 0
	}
	n := t.suppressed[key]
	delete(t.suppressed, key)
	return true, n
}

func (t *Throttle) Warn(key, msg string, fields ...Field) {
	if ok, n := t.allow(key); ok {
		if n > 0 {
			fields = append(fields, Int("suppressed", n))
		}
		t.log.Warn(msg, fields...)
	}
}

func (t *Throttle) Error(key, msg string, fields ...Field) {
	if ok, n := t.allow(key); ok {
		if n > 0 {
			fields = append(fields, Int("suppressed", n))
		}
		t.log.Error(msg, fields...)
	}
}
