package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
)

// Badger is a Journal in a BadgerDB key-value store. Keys are
// "<sync dir>\x00<relative path>".
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates the journal in dir. An empty dir keeps the
// journal in memory.
func OpenBadger(dir string, logger zerolog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{logger: logger.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal at %s: %w", dir, err)
	}
	return &Badger{db: db}, nil
}

func badgerKey(p syncpath.SyncPath) []byte {
	return []byte(p.SyncDir + "\x00" + p.RelativePath)
}

// Get implements Journal.
func (b *Badger) Get(_ context.Context, p syncpath.SyncPath) (string, error) {
	var checksum string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(p))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			checksum = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read checksum of %s: %w", p, err)
	}
	return checksum, nil
}

// Put implements Journal.
func (b *Badger) Put(_ context.Context, p syncpath.SyncPath, checksum string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(p), []byte(checksum))
	})
	if err != nil {
		return fmt.Errorf("store checksum of %s: %w", p, err)
	}
	return nil
}

// Delete implements Journal.
func (b *Badger) Delete(_ context.Context, p syncpath.SyncPath) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(p))
	})
	if err != nil {
		return fmt.Errorf("delete checksum of %s: %w", p, err)
	}
	return nil
}

// Close implements Journal.
func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's logs through zerolog. Info and debug output is
// demoted to debug.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
