package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalLimiter keeps request timestamps per identity in process memory.
type LocalLimiter struct {
	config  Config
	now     func() time.Time
	logger  *zap.Logger
	mutex   sync.Mutex
	windows map[string][]time.Time

	loopMutex sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ Limiter = (*LocalLimiter)(nil)

// NewLocalLimiter validates config and returns an empty limiter.
func NewLocalLimiter(config Config, options ...Option) (*LocalLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	resolved := newSettings(options)
	return &LocalLimiter{
		config:  config,
		now:     resolved.now,
		logger:  resolved.logger,
		windows: make(map[string][]time.Time),
	}, nil
}

// Admit records a request for identity when the window has room.
func (limiter *LocalLimiter) Admit(_ context.Context, identity string) Decision {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	now := limiter.now()

	timestamps := trimWindow(limiter.windows[identity], now.Add(-limiter.config.Window))
	count := len(timestamps)
	capacity := limiter.config.capacity(count)
	if count >= capacity {
		limiter.windows[identity] = timestamps
		wait := timestamps[0].Add(limiter.config.Window).Sub(now)
		return Decision{
			Allowed:    false,
			Limit:      capacity,
			Remaining:  0,
			RetryAfter: retryAfter(wait),
			ResetAfter: wait,
		}
	}
	timestamps = append(timestamps, now)
	limiter.windows[identity] = timestamps
	return Decision{
		Allowed:    true,
		Limit:      capacity,
		Remaining:  remaining(capacity, count+1),
		ResetAfter: timestamps[0].Add(limiter.config.Window).Sub(now),
	}
}

// Prune drops timestamps older than the window and forgets identities left
// with none. It returns the number of identities removed.
func (limiter *LocalLimiter) Prune(now time.Time) int {
	cutoff := now.Add(-limiter.config.Window)
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	removed := 0
	for identity, timestamps := range limiter.windows {
		trimmed := trimWindow(timestamps, cutoff)
		if len(trimmed) == 0 {
			delete(limiter.windows, identity)
			removed++
			continue
		}
		limiter.windows[identity] = trimmed
	}
	return removed
}

// Identities returns the number of tracked identities.
func (limiter *LocalLimiter) Identities() int {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	return len(limiter.windows)
}

// Start runs Prune every interval until ctx is done or Stop is called.
func (limiter *LocalLimiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = limiter.config.Window
	}
	limiter.loopMutex.Lock()
	defer limiter.loopMutex.Unlock()
	if limiter.cancel != nil {
		return
	}
	loopContext, cancel := context.WithCancel(ctx)
	limiter.cancel = cancel
	limiter.done = make(chan struct{})
	go limiter.pruneLoop(loopContext, interval, limiter.done)
}

// Stop ends the cleanup loop and waits for it to exit.
func (limiter *LocalLimiter) Stop() {
	limiter.loopMutex.Lock()
	cancel, done := limiter.cancel, limiter.done
	limiter.cancel, limiter.done = nil, nil
	limiter.loopMutex.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (limiter *LocalLimiter) pruneLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := limiter.Prune(limiter.now()); removed > 0 {
				limiter.logger.Debug("pruned rate limit identities", zap.Int("removed", removed))
			}
		}
	}
}

// trimWindow drops timestamps before cutoff. timestamps is ordered oldest first.
func trimWindow(timestamps []time.Time, cutoff time.Time) []time.Time {
	index := 0
	for index < len(timestamps) && timestamps[index].Before(cutoff) {
		index++
	}
	if index == 0 {
		return timestamps
	}
	trimmed := make([]time.Time, len(timestamps)-index)
	copy(trimmed, timestamps[index:])
	return trimmed
}
