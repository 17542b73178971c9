package safety

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-operation hourly sliding window (spec.md
// §4.8), implemented with golang.org/x/time/rate token buckets configured
// to refill at cap/hour -- the idiomatic Go replacement for a hand-rolled
// sliding window, grounded on the pack's own use of golang.org/x/time.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity map[string]int
}

// DefaultRateLimits mirrors spec.md §4.8's indicative per-hour caps.
var DefaultRateLimits = map[string]int{
	"llm_query":  100,
	"commit":     20,
	"file_write": 50,
	"deploy":     5,
	"pr_create":  10,
}

// NewRateLimiter builds a limiter with one bucket per named operation.
func NewRateLimiter(perHourCaps map[string]int) *RateLimiter {
	rl := &RateLimiter{
		buckets:  make(map[string]*rate.Limiter, len(perHourCaps)),
		capacity: make(map[string]int, len(perHourCaps)),
	}
	for op, perHour := range perHourCaps {
		rl.buckets[op] = newHourlyBucket(perHour)
		rl.capacity[op] = perHour
	}
	return rl
}

func newHourlyBucket(capPerHour int) *rate.Limiter {
	if capPerHour <= 0 {
		capPerHour = 1
	}
	interval := time.Hour / time.Duration(capPerHour)
	return rate.NewLimiter(rate.Every(interval), capPerHour)
}

func (r *RateLimiter) bucket(op string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[op]
	if !ok {
		b = newHourlyBucket(DefaultRateLimits[op])
		r.buckets[op] = b
		if r.capacity[op] == 0 {
			r.capacity[op] = DefaultRateLimits[op]
		}
	}
	return b
}

// Check reports whether op currently has an available slot, without
// consuming it (spec.md §4.8 `check(op)`).
func (r *RateLimiter) Check(op string) bool {
	b := r.bucket(op)
	res := b.ReserveN(time.Now(), 1)
	ok := res.OK() && res.Delay() == 0
	res.Cancel()
	return ok
}

// Record consumes one event from op's bucket (spec.md §4.8 `record(op)`).
func (r *RateLimiter) Record(op string) bool {
	return r.bucket(op).Allow()
}

// Remaining estimates the number of available slots right now (spec.md
// §4.8 `remaining(op)`).
func (r *RateLimiter) Remaining(op string) int {
	tokens := int(r.bucket(op).Tokens())
	if tokens < 0 {
		return 0
	}
	return tokens
}

// WaitTime returns how long op must wait for its next available slot
// (spec.md §4.8 `wait_time(op)`); zero if a slot is available now.
func (r *RateLimiter) WaitTime(op string) time.Duration {
	b := r.bucket(op)
	res := b.ReserveN(time.Now(), 1)
	delay := res.Delay()
	res.Cancel()
	if delay < 0 {
		return 0
	}
	return delay
}
