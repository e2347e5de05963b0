// Package job runs periodic maintenance off the request path.
package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidTicker is returned by Start when the ticker is not runnable.
var ErrInvalidTicker = errors.New("invalid ticker")

// Ticker calls Run once per Interval until stopped. A failed run is logged and
// tried again on the next tick.
type Ticker struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	Logger   *zap.Logger
	// Observe, when set, is told the outcome of every run.
	Observe func(name string, err error)

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the loop in its own goroutine. Calling Start on a running
// ticker is a no-op.
func (ticker *Ticker) Start(ctx context.Context) error {
	if ticker.Interval <= 0 || ticker.Run == nil {
		return ErrInvalidTicker
	}
	ticker.mutex.Lock()
	defer ticker.mutex.Unlock()
	if ticker.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	ticker.cancel = cancel
	ticker.done = make(chan struct{})
	go ticker.loop(loopCtx, ticker.done)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to return.
func (ticker *Ticker) Stop() {
	ticker.mutex.Lock()
	cancel, done := ticker.cancel, ticker.done
	ticker.cancel, ticker.done = nil, nil
	ticker.mutex.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (ticker *Ticker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTicker(ticker.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			ticker.runOnce(ctx)
		}
	}
}

func (ticker *Ticker) runOnce(ctx context.Context) {
	logger := ticker.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("job panicked", zap.String("job", ticker.Name), zap.Any("panic", recovered))
		}
	}()
	started := time.Now()
	err := ticker.Run(ctx)
	if ticker.Observe != nil {
		ticker.Observe(ticker.Name, err)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("job run failed", zap.String("job", ticker.Name), zap.Error(err))
		return
	}
	logger.Debug("job run completed", zap.String("job", ticker.Name), zap.Duration("elapsed", time.Since(started)))
}

// Group starts and stops a set of tickers together.
type Group struct {
	tickers []*Ticker
}

// NewGroup collects tickers.
func NewGroup(tickers ...*Ticker) *Group {
	return &Group{tickers: tickers}
}

// Start starts every ticker. On failure the ones already started are stopped.
func (group *Group) Start(ctx context.Context) error {
	for index, ticker := range group.tickers {
		if err := ticker.Start(ctx); err != nil {
			for _, started := range group.tickers[:index] {
				started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops every ticker.
func (group *Group) Stop() {
	for _, ticker := range group.tickers {
		ticker.Stop()
	}
}
