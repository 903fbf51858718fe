package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tradearena/arena/internal/domain"
)

// FileStore writes each snapshot as a pretty-printed JSON file. The
// default simulation uses the configured base path unchanged; every
// other id gets `${base}_${id}.json`. Unknown fields in stored files are
// tolerated so older snapshots load after upgrades.
type FileStore struct {
	base string
	log  zerolog.Logger
}

// NewFileStore creates a file store rooted at basePath, e.g.
// "./data/simulation.json".
func NewFileStore(basePath string, log zerolog.Logger) *FileStore {
	return &FileStore{
		base: basePath,
		log:  log.With().Str("component", "persistence").Logger(),
	}
}

func (f *FileStore) path(id string) string {
	if id == "" || id == DefaultID {
		return f.base
	}
	stem := strings.TrimSuffix(f.base, ".json")
	return stem + "_" + id + ".json"
}

// Load reads the snapshot for id, or ErrNoSnapshot if the file does not
// exist.
func (f *FileStore) Load(ctx context.Context, id string) (*domain.SimulationSnapshot, error) {
	data, err := os.ReadFile(f.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot %s: %w", id, err)
	}

	var snap domain.SimulationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// Save writes the snapshot atomically: temp file then rename.
func (f *FileStore) Save(ctx context.Context, id string, snap *domain.SimulationSnapshot) error {
	target := f.path(id)
	if dir := filepath.Dir(target); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating snapshot dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", id, err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", id, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("renaming snapshot %s: %w", id, err)
	}

	f.log.Debug().Str("simulation", id).Str("path", target).Msg("Snapshot saved")
	return nil
}

// Delete removes the snapshot file. A missing file is not an error.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	err := os.Remove(f.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting snapshot %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }
