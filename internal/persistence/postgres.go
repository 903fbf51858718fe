package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/domain"
)

const createSnapshotsTable = `
CREATE TABLE IF NOT EXISTS simulation_snapshots (
	namespace     TEXT        NOT NULL,
	snapshot_id   TEXT        NOT NULL,
	day           INTEGER     NOT NULL,
	intraday_hour INTEGER     NOT NULL,
	mode          TEXT        NOT NULL,
	snapshot      JSONB       NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, snapshot_id)
)`

const upsertSnapshot = `
INSERT INTO simulation_snapshots
	(namespace, snapshot_id, day, intraday_hour, mode, snapshot, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (namespace, snapshot_id) DO UPDATE SET
	day           = EXCLUDED.day,
	intraday_hour = EXCLUDED.intraday_hour,
	mode          = EXCLUDED.mode,
	snapshot      = EXCLUDED.snapshot,
	last_updated  = EXCLUDED.last_updated`

// PGStore persists snapshots as JSONB rows keyed by (namespace,
// snapshot_id). The namespace separates deployments sharing a database.
type PGStore struct {
	db        *sql.DB
	namespace string
	defaultID string
	log       zerolog.Logger
}

// NewPGStore connects, verifies the connection, and ensures the table.
// defaultID names the row used for the default simulation; empty means
// "default".
func NewPGStore(url, namespace, defaultID string, log zerolog.Logger) (*PGStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createSnapshotsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring snapshot table: %w", err)
	}

	if defaultID == "" {
		defaultID = DefaultID
	}
	return &PGStore{
		db:        db,
		namespace: namespace,
		defaultID: defaultID,
		log:       log.With().Str("component", "persistence").Logger(),
	}, nil
}

// rowID maps the default simulation onto the configured snapshot id.
func (s *PGStore) rowID(id string) string {
	if id == "" || id == DefaultID {
		return s.defaultID
	}
	return id
}

// Load reads the snapshot row for id, or ErrNoSnapshot.
func (s *PGStore) Load(ctx context.Context, id string) (*domain.SimulationSnapshot, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM simulation_snapshots WHERE namespace = $1 AND snapshot_id = $2`,
		s.namespace, s.rowID(id),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", id, err)
	}

	var snap domain.SimulationSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// Save upserts the snapshot. Concurrent writers can hit a serialization
// conflict; the write is retried once before giving up.
func (s *PGStore) Save(ctx context.Context, id string, snap *domain.SimulationSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", id, err)
	}

	// The intraday hour is stored in thousandths to keep the column an
	// integer.
	hour := int(math.Round(snap.IntradayHour * 1000))

	execErr := s.upsert(ctx, id, snap, raw, hour)
	if isSerializationFailure(execErr) {
		s.log.Warn().Str("simulation", id).Msg("Snapshot upsert conflicted, retrying once")
		execErr = s.upsert(ctx, id, snap, raw, hour)
	}
	if execErr != nil {
		return fmt.Errorf("saving snapshot %s: %w", id, execErr)
	}
	return nil
}

func (s *PGStore) upsert(ctx context.Context, id string, snap *domain.SimulationSnapshot, raw []byte, hour int) error {
	_, err := s.db.ExecContext(ctx, upsertSnapshot,
		s.namespace, s.rowID(id), snap.Day, hour, string(snap.Mode), raw, snap.LastUpdated.UTC())
	return err
}

// Delete removes the snapshot row.
func (s *PGStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM simulation_snapshots WHERE namespace = $1 AND snapshot_id = $2`,
		s.namespace, s.rowID(id))
	if err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", id, err)
	}
	return nil
}

// CleanupHistory drops rows from the legacy per-save history table and
// returns how many were removed. The table may not exist on fresh
// deployments; that case is reported as zero rows.
func (s *PGStore) CleanupHistory(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM simulation_snapshot_history WHERE namespace = $1`, s.namespace)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42P01" { // undefined_table
			return 0, nil
		}
		return 0, fmt.Errorf("cleaning snapshot history: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the connection pool.
func (s *PGStore) Close() error { return s.db.Close() }

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}
