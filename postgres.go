package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"
)

func GetDBConnection(config *Config) (*bun.DB, error) {
	if config.DSN == "" {
		return nil, &ConfigError{Field: "DSN", Reason: "connection string is empty, unable to establish connection"}
	}

	pgxCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, &ConfigError{Field: "DSN", Reason: fmt.Sprintf("unable to parse connection due to %v", err)}
	}
	if config.TLSConfig != nil {
		pgxCfg.ConnConfig.TLSConfig = config.TLSConfig
	}
	if config.MaxConns > 0 {
		pgxCfg.MaxConns = config.MaxConns
	}
	if config.ConnMaxLifetime > 0 {
		pgxCfg.MaxConnLifetime = config.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), pgxCfg)
	if err != nil {
		return nil, storageError("connect", err)
	}

	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	if config.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	if err = db.Ping(); err != nil {
		closeErr := db.Close()
		pool.Close()
		return nil, storageError("connect", errors.Join(err, closeErr))
	}

	return db, nil
}
