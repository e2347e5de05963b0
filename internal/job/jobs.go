package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	NameWalletReset       = "wallet-reset"
	NameReservationExpiry = "reservation-expiry"
	NameRateLimitPrune    = "ratelimit-prune"
)

// Sweeper is the part of the wallet service that the maintenance jobs drive.
type Sweeper interface {
	ResetDue(ctx context.Context) (wallet.ResetSummary, error)
	ReleaseExpired(ctx context.Context, limit int) (wallet.ReleaseSummary, error)
}

// Pruner drops idle rate-limiter state.
type Pruner interface {
	Prune(now time.Time) int
}

var _ Pruner = (*ratelimit.LocalLimiter)(nil)

// WalletReset runs the monthly reset sweep.
func WalletReset(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *Ticker {
	return &Ticker{
		Name:     NameWalletReset,
		Interval: interval,
		Logger:   logger,
		Run: func(ctx context.Context) error {
			summary, err := sweeper.ResetDue(ctx)
			if err != nil {
				return err
			}
			failures := make([]error, 0, len(summary.Failures))
			for _, failure := range summary.Failures {
				failures = append(failures, fmt.Errorf("wallet %s: %w", failure.WalletID.String(), failure.Err))
			}
			if summary.Reset > 0 && logger != nil {
				logger.Info("wallets reset",
					zap.Int("examined", summary.Examined),
					zap.Int("reset", summary.Reset),
					zap.Int("skipped", summary.Skipped),
				)
			}
			return errors.Join(failures...)
		},
	}
}

// ReservationExpiry releases up to pageSize expired holds per tick.
func ReservationExpiry(sweeper Sweeper, interval time.Duration, pageSize int, logger *zap.Logger) *Ticker {
	return &Ticker{
		Name:     NameReservationExpiry,
		Interval: interval,
		Logger:   logger,
		Run: func(ctx context.Context) error {
			summary, err := sweeper.ReleaseExpired(ctx, pageSize)
			if summary.Released > 0 && logger != nil {
				logger.Info("expired reservations released",
					zap.Int("examined", summary.Examined),
					zap.Int("released", summary.Released),
				)
			}
			return err
		},
	}
}

// RateLimitPrune drops identities whose window has emptied.
func RateLimitPrune(pruner Pruner, interval time.Duration, now func() time.Time, logger *zap.Logger) *Ticker {
	if now == nil {
		now = time.Now
	}
	return &Ticker{
		Name:     NameRateLimitPrune,
		Interval: interval,
		Logger:   logger,
		Run: func(context.Context) error {
			removed := pruner.Prune(now())
			if removed > 0 && logger != nil {
				logger.Debug("rate limit identities pruned", zap.Int("removed", removed))
			}
			return nil
		},
	}
}
