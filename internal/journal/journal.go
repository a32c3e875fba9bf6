// Package journal persists the last checksum stored for each replicated path.
//
// The journal answers "what did the cluster last agree this file contains",
// which lets the replication trigger skip files whose content did not change.
package journal

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// Journal stores one checksum per path.
type Journal interface {
	// Get returns the checksum of p, or "" when p is unknown.
	Get(ctx context.Context, p syncpath.SyncPath) (string, error)
	// Put records checksum for p.
	Put(ctx context.Context, p syncpath.SyncPath, checksum string) error
	// Delete forgets p. Deleting an unknown path is not an error.
	Delete(ctx context.Context, p syncpath.SyncPath) error
	Close() error
}

// Drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config selects and configures a journal.
type Config struct {
	Driver    string // sqlite (default) or badger
	Path      string // database file (sqlite) or directory (badger); "" keeps it in memory
	CacheSize int    // LRU entries in front of the store, 0 disables the cache
	Logger    zerolog.Logger
}

// Open opens the journal described by cfg.
func Open(cfg Config) (Journal, error) {
	var (
		j   Journal
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		j, err = OpenSQLite(cfg.Path)
	case DriverBadger:
		j, err = OpenBadger(cfg.Path, cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	cfg.Logger.Info().
		Str("driver", cfg.Driver).
		Str("path", cfg.Path).
		Int("cache_size", cfg.CacheSize).
		Msg("checksum journal opened")

	if cfg.CacheSize > 0 {
		return NewCached(j, cfg.CacheSize)
	}
	return j, nil
}
