package ratelimit

import (
	"sync"

	"github.com/jobtrail/jobtrail/internal/clock"
)

// LocalBucket is the degraded, process-local fallback used when no shared
// store is configured. It under-protects across multiple instances and
// holds no financial state, so losing it is harmless.
type LocalBucket struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*localBucketState
}

type localBucketState struct {
	tokens float64
	last   int64 // unix milliseconds
}

func NewLocalBucket(clk clock.Clock) *LocalBucket {
	return &LocalBucket{
		clock:   clk,
		buckets: make(map[string]*localBucketState),
	}
}

func (l *LocalBucket) Allow(key string, rate float64, burst int) *Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now().UnixMilli()
	state, ok := l.buckets[key]
	if !ok {
		state = &localBucketState{tokens: float64(burst), last: now}
		l.buckets[key] = state
	} else {
		elapsed := now - state.last
		if elapsed < 0 {
			elapsed = 0
		}
		state.tokens += float64(elapsed) / 1000 * rate
		if state.tokens > float64(burst) {
			state.tokens = float64(burst)
		}
		state.last = now
	}

	allowed := state.tokens >= 1
	if allowed {
		state.tokens--
	}

	return &Result{
		Allowed:   allowed,
		Remaining: state.tokens,
		ResetIn:   resetIn(allowed, state.tokens, rate),
	}
}
