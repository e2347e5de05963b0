package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/quotagate/internal/config"
	"github.com/MarkoPoloResearchLab/quotagate/internal/logging"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	flagConfig         = "config"
	flagDatabaseURL    = "database-url"
	flagEnvironment    = "environment"
	flagLogLevel       = "log-level"
	flagListenAddr     = "listen-addr"
	flagGRPCEnabled    = "grpc"
	flagGRPCListenAddr = "grpc-listen-addr"
	flagLimit          = "limit"
	flagFrom           = "from"
	flagTo             = "to"
	flagFormat         = "format"
	flagWallet         = "wallet"

	formatCSV  = "csv"
	formatJSON = "json"
	dateLayout = "2006-01-02"
)

// ErrInconsistentWallet is returned by verify when the replayed ledger
// disagrees with the stored balances.
var ErrInconsistentWallet = errors.New("wallet balances do not match ledger")

type application struct {
	viper  *viper.Viper
	cfg    config.Config
	logger *zap.Logger
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "quotagate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	app := &application{viper: viper.New()}
	cmd := &cobra.Command{
		Use:           "quotagate",
		Short:         "AI provider governance gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.logger != nil {
				_ = app.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().String(flagConfig, "", "path to a YAML config file")
	cmd.PersistentFlags().String(flagDatabaseURL, "", "database URL (postgres://, mysql://, sqlite:// or a file path)")
	cmd.PersistentFlags().String(flagEnvironment, "", "runtime environment (prod, dev, local, docker)")
	cmd.PersistentFlags().String(flagLogLevel, "", "log level override")

	cmd.AddCommand(
		newServeCommand(app),
		newMigrateCommand(app),
		newResetCommand(app),
		newReleaseExpiredCommand(app),
		newChargebackCommand(app),
		newVerifyCommand(app),
	)
	return cmd
}

// load binds flags onto viper, reads the config and builds the logger.
func (app *application) load(cmd *cobra.Command) error {
	bindings := map[string]string{
		"database.url":     flagDatabaseURL,
		"environment":      flagEnvironment,
		"log_level":        flagLogLevel,
		"http.listen_addr": flagListenAddr,
		"grpc.enabled":     flagGRPCEnabled,
		"grpc.listen_addr": flagGRPCListenAddr,
	}
	for key, flagName := range bindings {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := app.viper.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	configPath, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	cfg, err := config.Load(app.viper, configPath)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	app.cfg = cfg
	app.logger = logger
	return nil
}

func newServeCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway, the optional gRPC service and the maintenance jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, app.cfg, app.logger)
		},
	}
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().Bool(flagGRPCEnabled, false, "serve the gRPC governance service")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC listen address")
	return cmd
}

func newMigrateCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(cmd.Context(), app.cfg.Database)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer db.close()
			if err := migrate(db); err != nil {
				return err
			}
			app.logger.Info("schema migrated", zap.String("driver", db.driver))
			return nil
		},
	}
}

func newResetCommand(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Run the monthly wallet reset for wallets due today",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withWallets(cmd, func(wallets *wallet.Service) error {
				summary, err := wallets.ResetDue(cmd.Context())
				for _, failure := range summary.Failures {
					app.logger.Warn("wallet reset failed", zap.String("wallet_id", failure.WalletID.String()), zap.Error(failure.Err))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "examined=%d reset=%d skipped=%d failed=%d\n",
					summary.Examined, summary.Reset, summary.Skipped, len(summary.Failures))
				return err
			})
		},
	}
}

func newReleaseExpiredCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release-expired",
		Short: "Release reservations whose hold has expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt(flagLimit)
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = app.cfg.Wallet.ExpiryPageSize
			}
			return app.withWallets(cmd, func(wallets *wallet.Service) error {
				summary, err := wallets.ReleaseExpired(cmd.Context(), limit)
				for _, failure := range summary.Failures {
					app.logger.Warn("reservation release failed", zap.Error(failure))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "examined=%d released=%d failed=%d\n",
					summary.Examined, summary.Released, len(summary.Failures))
				return err
			})
		},
	}
	cmd.Flags().Int(flagLimit, 0, "maximum reservations to release (defaults to wallet.expiry_page_size)")
	return cmd
}

func newChargebackCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chargeback",
		Short: "Print per-wallet spend for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := dateFlag(cmd, flagFrom)
			if err != nil {
				return err
			}
			to, err := dateFlag(cmd, flagTo)
			if err != nil {
				return err
			}
			format, err := cmd.Flags().GetString(flagFormat)
			if err != nil {
				return err
			}
			format = strings.ToLower(strings.TrimSpace(format))
			if format != formatCSV && format != formatJSON {
				return fmt.Errorf("unknown format %q", format)
			}
			return app.withWallets(cmd, func(wallets *wallet.Service) error {
				report, err := wallets.Chargeback(cmd.Context(), wallet.ChargebackQuery{From: from, To: to})
				if err != nil {
					return err
				}
				return writeReport(cmd.OutOrStdout(), format, report)
			})
		},
	}
	cmd.Flags().String(flagFrom, "", "period start, YYYY-MM-DD (inclusive)")
	cmd.Flags().String(flagTo, "", "period end, YYYY-MM-DD (exclusive)")
	cmd.Flags().String(flagFormat, formatCSV, "output format: csv or json")
	_ = cmd.MarkFlagRequired(flagFrom)
	_ = cmd.MarkFlagRequired(flagTo)
	return cmd
}

func newVerifyCommand(app *application) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay a wallet's ledger and compare it with the stored balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, err := cmd.Flags().GetString(flagWallet)
			if err != nil {
				return err
			}
			walletID, err := wallet.NewWalletID(rawID)
			if err != nil {
				return err
			}
			return app.withWallets(cmd, func(wallets *wallet.Service) error {
				result, err := wallets.Verify(cmd.Context(), walletID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wallet=%s transactions=%d stored_used=%s replayed_used=%s stored_reserved=%s replayed_reserved=%s consistent=%t\n",
					result.WalletID.String(),
					result.TransactionCount,
					result.Stored.Used.String(),
					result.Replayed.Used.String(),
					result.Stored.Reserved.String(),
					result.Replayed.Reserved.String(),
					result.Consistent,
				)
				if !result.Consistent {
					return fmt.Errorf("%w: %s", ErrInconsistentWallet, walletID.String())
				}
				return nil
			})
		},
	}
	cmd.Flags().String(flagWallet, "", "wallet id")
	_ = cmd.MarkFlagRequired(flagWallet)
	return cmd
}

// withWallets opens the database, builds the wallet service and runs fn.
func (app *application) withWallets(cmd *cobra.Command, fn func(wallets *wallet.Service) error) error {
	db, err := openDatabase(cmd.Context(), app.cfg.Database)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer db.close()
	if app.cfg.Database.AutoMigrate {
		if err := migrate(db); err != nil {
			return err
		}
	}
	wallets, err := newWalletService(db, app.cfg, app.logger, nil, nil)
	if err != nil {
		return err
	}
	return fn(wallets)
}

func dateFlag(cmd *cobra.Command, name string) (time.Time, error) {
	raw, err := cmd.Flags().GetString(name)
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", name, err)
	}
	return parsed.UTC(), nil
}

func writeReport(writer io.Writer, format string, report wallet.ChargebackReport) error {
	if format == formatCSV {
		return wallet.WriteChargebackCSV(writer, report)
	}
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
