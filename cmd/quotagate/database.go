package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/quotagate/internal/config"
	"github.com/MarkoPoloResearchLab/quotagate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/quotagate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/quotagate/pkg/wallet"
)

const (
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
	driverSQLite   = "sqlite"

	defaultSQLiteFile = "quotagate.db"
)

// database holds the gorm handle every store uses plus, on PostgreSQL, the
// pgx pool backing the wallet ledger.
type database struct {
	gorm   *gorm.DB
	driver string
	pool   *pgxpool.Pool
	close  func()
}

// walletStore picks the ledger store for the driver.
func (db *database) walletStore() wallet.Store {
	if db.pool != nil {
		return pgstore.New(db.pool)
	}
	return gormstore.New(db.gorm)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database, error) {
	driver, dsn, err := resolveDriver(cfg.URL)
	if err != nil {
		return nil, err
	}

	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverMySQL:
		db, err = gorm.Open(gormmysql.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(dsn), gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}

	opened := &database{gorm: db, driver: driver}
	if driver == driverPostgres {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		opened.pool = pool
	}
	opened.close = func() {
		if opened.pool != nil {
			opened.pool.Close()
		}
		_ = sqlDB.Close()
	}
	return opened, nil
}

// resolveDriver maps a database URL onto a driver and its native DSN.
// Anything without a known scheme is a sqlite file path.
func resolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		return driverPostgres, trimmed, nil
	case strings.HasPrefix(trimmed, "mysql://"):
		mysqlConfig, err := gomysql.ParseDSN(strings.TrimPrefix(trimmed, "mysql://"))
		if err != nil {
			return "", "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		mysqlConfig.ParseTime = true
		return driverMySQL, mysqlConfig.FormatDSN(), nil
	case strings.HasPrefix(trimmed, "sqlite://"):
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		} else if parsed.Host != "" {
			path = parsed.Host + path
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
