package marketdata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crypton-sys/crypton/internal/execution/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// cacheState is the msgpack-serialized warm-up cache. Restart restores the
// last known snapshots so /status and the evaluators are not blind until
// the first live tick.
type cacheState struct {
	Snapshots  map[string]domain.MarketSnapshot `msgpack:"snapshots"`
	LastTickAt time.Time                        `msgpack:"last_tick_at"`
	SavedAt    time.Time                        `msgpack:"saved_at"`
}

// saveCache writes the warm-up cache via temp-file rename.
func saveCache(path string, state cacheState) error {
	raw, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode market cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create market cache directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write market cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish market cache: %w", err)
	}
	return nil
}

// loadCache reads the warm-up cache. A missing or corrupt file returns an
// empty state; cached data is a convenience, never a requirement.
func loadCache(path string) (cacheState, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cacheState{}, nil
	}
	if err != nil {
		return cacheState{}, fmt.Errorf("read market cache: %w", err)
	}
	var state cacheState
	if err := msgpack.Unmarshal(raw, &state); err != nil {
		return cacheState{}, fmt.Errorf("decode market cache: %w", err)
	}
	return state, nil
}
