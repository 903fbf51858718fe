// Package persistence stores simulation snapshots across restarts,
// either as JSON files on disk or as JSONB rows in Postgres.
package persistence

import (
	"context"
	"errors"

	"github.com/tradearena/arena/internal/domain"
)

// ErrNoSnapshot is returned by Load when no snapshot exists for the id.
// Callers treat it as "initialize fresh", not as a failure.
var ErrNoSnapshot = errors.New("no persisted snapshot")

// DefaultID is the snapshot id of the default simulation.
const DefaultID = "default"

// Store persists one snapshot per simulation id.
type Store interface {
	Load(ctx context.Context, id string) (*domain.SimulationSnapshot, error)
	Save(ctx context.Context, id string, snap *domain.SimulationSnapshot) error
	Delete(ctx context.Context, id string) error
	Close() error
}
