package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/servaudit/servaudit/internal/collector"
	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
)

const pingTimeout = 5 * time.Second

// NewCollectors creates the collectors for every PostgreSQL entity kind
func NewCollectors(log *logger.Logger) []collector.Collector {
	return []collector.Collector{
		NewLoginCollector(log),
		NewSettingCollector(log),
		NewForeignServerCollector(log),
	}
}

// open connects to a target and verifies it answers. Callers own the close
func open(ctx context.Context, target config.Target) (*sql.DB, error) {
	db, err := sql.Open("postgres", target.DSN())
	if err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}

	// One scan runs a handful of serial queries, no pool needed
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Unreachable(target.Name, err)
	}

	return db, nil
}
