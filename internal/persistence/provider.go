// Package persistence reads the read-only worker-state snapshot the core
// hydrates its Pool from at startup (spec §6). The core never writes this
// snapshot; populating it is the UI/persistence layer's job.
package persistence

import (
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentcore/core/internal/common/logger"
	"github.com/agentcore/core/internal/db"
	"github.com/agentcore/core/internal/pool"
)

// snapshotRow mirrors one row of the worker_snapshots table via sqlx's
// struct-tag scanning.
type snapshotRow struct {
	ProfileID     string `db:"profile_id"`
	LastModel     string `db:"last_model"`
	LastServerURL string `db:"last_server_url"`
	LastSeenAt    int64  `db:"last_seen_at"` // unix millis
}

// LoadWorkerSnapshots opens dbPath read-only and returns every row of
// worker_snapshots as pool.PersistedWorkerSnapshot. A missing database file
// is not an error: a fresh install simply hydrates an empty Pool.
func LoadWorkerSnapshots(dbPath string, log *logger.Logger) ([]pool.PersistedWorkerSnapshot, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Info("no worker snapshot database found, starting with an empty pool", zap.String("path", dbPath))
		return nil, nil
	}

	conn, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	sqlxDB := sqlx.NewDb(conn, "sqlite3")

	var rows []snapshotRow
	err = sqlxDB.Select(&rows, `
		SELECT profile_id, last_model, last_server_url, last_seen_at
		FROM worker_snapshots
	`)
	if err != nil {
		return nil, err
	}

	out := make([]pool.PersistedWorkerSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, pool.PersistedWorkerSnapshot{
			ProfileID:     r.ProfileID,
			LastModel:     r.LastModel,
			LastServerURL: r.LastServerURL,
			LastSeenAt:    time.UnixMilli(r.LastSeenAt),
		})
	}
	return out, nil
}
