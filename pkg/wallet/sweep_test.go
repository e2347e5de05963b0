package wallet

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestResetDueZeroesMatchingWallets(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock(time.Date(2026, time.March, 10, 0, 5, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	due := mustCreateWallet(test, service, WalletSpec{ID: "due", HardLimit: decimal.NewFromInt(100), AutoReset: true, ResetDay: 10})
	idle := mustCreateWallet(test, service, WalletSpec{ID: "idle", HardLimit: decimal.NewFromInt(100), AutoReset: true, ResetDay: 10})
	later := mustCreateWallet(test, service, WalletSpec{ID: "later", HardLimit: decimal.NewFromInt(100), AutoReset: true, ResetDay: 11})
	manual := mustCreateWallet(test, service, WalletSpec{ID: "manual", HardLimit: decimal.NewFromInt(100), ResetDay: 10})
	mustDeduct(test, service, due.ID, "40")
	mustReserve(test, service, due.ID, "5")
	mustDeduct(test, service, later.ID, "7")
	mustDeduct(test, service, manual.ID, "9")
	before := store.transactionCount()

	summary, err := service.ResetDue(context.Background())
	if err != nil {
		test.Fatalf("reset: %v", err)
	}
	if summary.Examined != 2 || summary.Reset != 2 || len(summary.Failures) != 0 {
		test.Fatalf("unexpected summary %+v", summary)
	}
	resetWallet := store.mustWallet(test, due.ID)
	assertBalances(test, resetWallet, "0", "0")
	if resetWallet.LastResetAt == nil || !resetWallet.LastResetAt.Equal(clock.Now()) {
		test.Fatalf("expected last reset stamp, got %v", resetWallet.LastResetAt)
	}
	if store.mustWallet(test, idle.ID).LastResetAt == nil {
		test.Fatalf("expected zero-balance wallet to be stamped")
	}
	if got := store.transactionCount() - before; got != 1 {
		test.Fatalf("expected one reset entry for the non-zero wallet, got %d", got)
	}
	assertBalances(test, store.mustWallet(test, later.ID), "7", "0")
	assertBalances(test, store.mustWallet(test, manual.ID), "9", "0")
	assertReplayMatches(test, service, due.ID)

	mustDeduct(test, service, due.ID, "3")
	clock.Advance(time.Hour)
	second, err := service.ResetDue(context.Background())
	if err != nil {
		test.Fatalf("second reset: %v", err)
	}
	if second.Reset != 0 || second.Skipped != 2 {
		test.Fatalf("expected same-month sweep to skip, got %+v", second)
	}
	assertBalances(test, store.mustWallet(test, due.ID), "3", "0")
}

func TestResetDueCoversShortMonths(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock(time.Date(2026, time.February, 28, 1, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	for _, day := range []int{28, 30, 31} {
		wallet := mustCreateWallet(test, service, WalletSpec{ID: fmt.Sprintf("day-%d", day), HardLimit: decimal.NewFromInt(10), AutoReset: true, ResetDay: day})
		mustDeduct(test, service, wallet.ID, "1")
	}
	mustCreateWallet(test, service, WalletSpec{ID: "early", HardLimit: decimal.NewFromInt(10), AutoReset: true, ResetDay: 27})

	summary, err := service.ResetDue(context.Background())
	if err != nil {
		test.Fatalf("reset: %v", err)
	}
	if summary.Reset != 3 {
		test.Fatalf("expected days 28, 30 and 31 to reset on the last day of February, got %+v", summary)
	}
}

func TestResetDueSkipsSuspendedWallets(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock(time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	wallet := mustCreateWallet(test, service, WalletSpec{ID: "paused", HardLimit: decimal.NewFromInt(10), AutoReset: true, ResetDay: 10})
	mustDeduct(test, service, wallet.ID, "4")
	if _, err := service.SuspendWallet(context.Background(), wallet.ID); err != nil {
		test.Fatalf("suspend: %v", err)
	}

	summary, err := service.ResetDue(context.Background())
	if err != nil {
		test.Fatalf("reset: %v", err)
	}
	if summary.Examined != 0 {
		test.Fatalf("expected suspended wallet to be excluded, got %+v", summary)
	}
	assertBalances(test, store.mustWallet(test, wallet.ID), "4", "0")
}

func TestReleaseExpiredFreesStaleHolds(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock(baseTime)
	service := mustNewService(test, store, clock, WithDefaultReservationTTL(time.Minute))
	wallet := mustCreateWallet(test, service, WalletSpec{ID: "holds", HardLimit: decimal.NewFromInt(100)})
	stale := mustReserve(test, service, wallet.ID, "20")
	settled := mustReserve(test, service, wallet.ID, "10")
	if _, err := service.Settle(context.Background(), SettleRequest{ReservationID: settled.Transaction.ID, ActualCost: decimal.NewFromInt(4)}); err != nil {
		test.Fatalf("settle: %v", err)
	}
	fresh, err := service.Reserve(context.Background(), ReserveRequest{WalletID: wallet.ID, Amount: decimal.NewFromInt(5), TTL: time.Hour})
	if err != nil {
		test.Fatalf("reserve fresh: %v", err)
	}

	clock.Advance(2 * time.Minute)
	summary, err := service.ReleaseExpired(context.Background(), 0)
	if err != nil {
		test.Fatalf("release expired: %v", err)
	}
	if summary.Released != 1 {
		test.Fatalf("expected one released hold, got %+v", summary)
	}
	closure, found, err := store.FindReservationClosure(context.Background(), stale.Transaction.ID)
	if err != nil || !found || closure.Type != TransactionRelease || closure.Description != "expired" {
		test.Fatalf("expected expiry release for stale hold, got %+v (found=%v, err=%v)", closure, found, err)
	}
	if _, found, _ := store.FindReservationClosure(context.Background(), fresh.Transaction.ID); found {
		test.Fatalf("expected fresh hold to stay open")
	}
	assertBalances(test, store.mustWallet(test, wallet.ID), "4", "5")
	assertReplayMatches(test, service, wallet.ID)
}

func TestResetClosesHoldsTakenBeforeIt(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test)
	clock := newTestClock(time.Date(2026, time.March, 10, 0, 5, 0, 0, time.UTC))
	service := mustNewService(test, store, clock)
	ctx := context.Background()
	wallet := mustCreateWallet(test, service, WalletSpec{ID: "boundary", HardLimit: decimal.NewFromInt(100), AutoReset: true, ResetDay: 10})
	early := mustReserve(test, service, wallet.ID, "60")
	abandoned := mustReserve(test, service, wallet.ID, "10")

	if _, err := service.ResetDue(ctx); err != nil {
		test.Fatalf("reset: %v", err)
	}
	late := mustReserve(test, service, wallet.ID, "60")

	settled, err := service.Settle(ctx, SettleRequest{ReservationID: early.Transaction.ID, ActualCost: decimal.NewFromInt(60)})
	if err != nil {
		test.Fatalf("settle early hold: %v", err)
	}
	if !settled.Transaction.ReleasedAmount.IsZero() {
		test.Fatalf("expected nothing released for a pre-reset hold, got %s", settled.Transaction.ReleasedAmount)
	}
	assertBalances(test, settled.Wallet, "60", "60")

	released, err := service.Release(ctx, ReleaseRequest{ReservationID: abandoned.Transaction.ID})
	if err != nil {
		test.Fatalf("release abandoned hold: %v", err)
	}
	assertBalances(test, released.Wallet, "60", "60")

	_, err = service.Deduct(ctx, DeductRequest{WalletID: wallet.ID, Amount: decimal.NewFromInt(40)})
	if !errors.Is(err, ErrHardLimitExceeded) {
		test.Fatalf("expected the open post-reset hold to block the deduction, got %v", err)
	}

	if _, err := service.Settle(ctx, SettleRequest{ReservationID: late.Transaction.ID, ActualCost: decimal.NewFromInt(30)}); err != nil {
		test.Fatalf("settle late hold: %v", err)
	}
	assertBalances(test, store.mustWallet(test, wallet.ID), "90", "0")
	assertReplayMatches(test, service, wallet.ID)
}
