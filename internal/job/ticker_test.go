package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

func waitFor(test *testing.T, condition func() bool) {
	test.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	test.Fatalf("condition not met before deadline")
}

func TestTickerKeepsRunningAfterFailure(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.ErrorLevel)
	var runs atomic.Int64
	var observed sync.Map
	ticker := &Ticker{
		Name:     "flaky",
		Interval: 5 * time.Millisecond,
		Logger:   zap.New(core),
		Run: func(context.Context) error {
			if runs.Add(1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
		Observe: func(name string, err error) { observed.Store(err == nil, name) },
	}
	if err := ticker.Start(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	waitFor(test, func() bool { return runs.Load() >= 3 })
	ticker.Stop()

	if logs.FilterMessage("job run failed").Len() != 1 {
		test.Fatalf("expected one logged failure, got %d", logs.Len())
	}
	if _, ok := observed.Load(false); !ok {
		test.Fatalf("expected failed run to be observed")
	}
	if _, ok := observed.Load(true); !ok {
		test.Fatalf("expected successful run to be observed")
	}
}

func TestTickerStopIsIdempotent(test *testing.T) {
	test.Parallel()
	var runs atomic.Int64
	ticker := &Ticker{Name: "noop", Interval: time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}
	if err := ticker.Start(context.Background()); err != nil {
		test.Fatalf("start: %v", err)
	}
	if err := ticker.Start(context.Background()); err != nil {
		test.Fatalf("second start: %v", err)
	}
	waitFor(test, func() bool { return runs.Load() >= 1 })
	ticker.Stop()
	ticker.Stop()
	stopped := runs.Load()
	time.Sleep(10 * time.Millisecond)
	if runs.Load() != stopped {
		test.Fatalf("expected no runs after stop")
	}
}

func TestTickerRejectsInvalidConfig(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		ticker *Ticker
	}{
		{name: "no interval", ticker: &Ticker{Run: func(context.Context) error { return nil }}},
		{name: "no run", ticker: &Ticker{Interval: time.Second}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := testCase.ticker.Start(context.Background()); !errors.Is(err, ErrInvalidTicker) {
				test.Fatalf("expected ErrInvalidTicker, got %v", err)
			}
		})
	}
}

func TestTickerRecoversPanics(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.ErrorLevel)
	ticker := &Ticker{Name: "panics", Interval: time.Hour, Logger: zap.New(core), Run: func(context.Context) error {
		panic("boom")
	}}
	ticker.runOnce(context.Background())
	if logs.FilterMessage("job panicked").Len() != 1 {
		test.Fatalf("expected panic to be logged")
	}
}

type stubSweeper struct {
	resetSummary   wallet.ResetSummary
	releaseSummary wallet.ReleaseSummary
	releaseErr     error
	pageSize       int
}

func (sweeper *stubSweeper) ResetDue(context.Context) (wallet.ResetSummary, error) {
	return sweeper.resetSummary, nil
}

func (sweeper *stubSweeper) ReleaseExpired(_ context.Context, limit int) (wallet.ReleaseSummary, error) {
	sweeper.pageSize = limit
	return sweeper.releaseSummary, sweeper.releaseErr
}

func TestWalletResetJobReportsFailures(test *testing.T) {
	test.Parallel()
	walletID, err := wallet.NewWalletID("wallet-1")
	if err != nil {
		test.Fatalf("wallet id: %v", err)
	}
	failure := errors.New("locked")
	sweeper := &stubSweeper{resetSummary: wallet.ResetSummary{
		Examined: 2,
		Reset:    1,
		Failures: []wallet.ResetFailure{{WalletID: walletID, Err: failure}},
	}}
	err = WalletReset(sweeper, time.Hour, zap.NewNop()).Run(context.Background())
	if !errors.Is(err, failure) {
		test.Fatalf("expected wrapped failure, got %v", err)
	}
}

func TestReservationExpiryJobPassesPageSize(test *testing.T) {
	test.Parallel()
	sweeper := &stubSweeper{releaseSummary: wallet.ReleaseSummary{Examined: 1, Released: 1}}
	if err := ReservationExpiry(sweeper, time.Minute, 25, nil).Run(context.Background()); err != nil {
		test.Fatalf("run: %v", err)
	}
	if sweeper.pageSize != 25 {
		test.Fatalf("expected page size 25, got %d", sweeper.pageSize)
	}
}

type countingPruner struct {
	at time.Time
}

func (pruner *countingPruner) Prune(now time.Time) int {
	pruner.at = now
	return 3
}

func TestRateLimitPruneUsesClock(test *testing.T) {
	test.Parallel()
	fixed := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	pruner := &countingPruner{}
	ticker := RateLimitPrune(pruner, time.Minute, func() time.Time { return fixed }, nil)
	if err := ticker.Run(context.Background()); err != nil {
		test.Fatalf("run: %v", err)
	}
	if !pruner.at.Equal(fixed) || ticker.Name != NameRateLimitPrune {
		test.Fatalf("unexpected prune call at %v", pruner.at)
	}
}

func TestGroupStopsStartedTickersOnFailure(test *testing.T) {
	test.Parallel()
	good := &Ticker{Name: "good", Interval: time.Hour, Run: func(context.Context) error { return nil }}
	bad := &Ticker{Name: "bad"}
	group := NewGroup(good, bad)
	if err := group.Start(context.Background()); !errors.Is(err, ErrInvalidTicker) {
		test.Fatalf("expected ErrInvalidTicker, got %v", err)
	}
	good.mutex.Lock()
	running := good.cancel != nil
	good.mutex.Unlock()
	if running {
		test.Fatalf("expected started ticker to be stopped")
	}
}
