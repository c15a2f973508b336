// Package badger provides an embedded key-value store backed by BadgerDB.
// It serves the query embedding cache when no Valkey instance is configured.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/Ron111104/LEGALYTICS/internal/db"
)

// Compile-time check: Store implements db.KVStore.
var _ db.KVStore = (*Store)(nil)

// Config controls where the database lives. An empty Path opens an in-memory store.
type Config struct {
	Path   string
	Logger *zap.Logger
}

// Store implements db.KVStore on top of a BadgerDB instance.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	opts.Logger = &zapAdapter{log: log.Sugar().Named("badger")}
	opts.Compression = options.None

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: bdb}, nil
}

// Get retrieves a value by key. Missing or expired keys return db.ErrKeyNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, &db.Error{Op: db.OpGet, Err: err}
	}
	return out, nil
}

// SetWithTTL stores a value with an expiration. A non-positive ttl stores without expiry.
func (s *Store) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return &db.Error{Op: db.OpSet, Err: err}
	}
	return nil
}

// Ping reports whether the database is still open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// zapAdapter adapts a zap sugared logger to badger.Logger.
type zapAdapter struct {
	log *zap.SugaredLogger
}

var _ badger.Logger = (*zapAdapter)(nil)

func (a *zapAdapter) Errorf(msg string, args ...any)   { a.log.Errorf(msg, args...) }
func (a *zapAdapter) Warningf(msg string, args ...any) { a.log.Warnf(msg, args...) }
func (a *zapAdapter) Infof(msg string, args ...any)    { a.log.Debugf(msg, args...) }
func (a *zapAdapter) Debugf(msg string, args ...any)   { a.log.Debugf(msg, args...) }
