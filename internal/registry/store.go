// Package registry stores tracked targets in an embedded BadgerDB.
//
// Records are keyed by "target/<name>|<annotation>" (lowercase), so every
// record sharing a name sits under one key prefix.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lorddemonos/killfeed/internal/model"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("registry: target not found")
	// ErrExists is returned by Add when the name/annotation pair is taken.
	ErrExists = errors.New("registry: target already exists")
)

const keyPrefix = "target/"

// Config holds configuration for a Store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Useful for tests and dry runs.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Location is the zone log timestamps are written in. Nil means UTC.
	Location *time.Location
	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store is a BadgerDB-backed target registry. It is safe for concurrent use.
type Store struct {
	db  *badger.DB
	loc *time.Location
}

// Open opens the store described by cfg. The caller must Close it.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("registry: path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create registry directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, loc: loc}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func targetKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func namePrefix(name string) []byte {
	return []byte(keyPrefix + model.TargetKey(name) + "|")
}

func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.View(fn)
}

func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	return s.db.Update(fn)
}

func getTarget(txn *badger.Txn, id string) (model.TrackedTarget, error) {
	item, err := txn.Get(targetKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.TrackedTarget{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.TrackedTarget{}, err
	}

	var t model.TrackedTarget
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &t)
	})
	return t, err
}

func putTarget(txn *badger.Txn, t model.TrackedTarget) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode target %s: %w", t.ID, err)
	}
	return txn.Set(targetKey(t.ID), raw)
}

func scan(txn *badger.Txn, prefix []byte) ([]model.TrackedTarget, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []model.TrackedTarget
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var t model.TrackedTarget
		err := it.Item().Value(func(v []byte) error {
			return json.Unmarshal(v, &t)
		})
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Exists reports whether any record has the given name.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	found := false
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := namePrefix(name)
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	return found, err
}

// FindAllByName returns every record whose name matches, ignoring case.
func (s *Store) FindAllByName(ctx context.Context, name string) ([]model.TrackedTarget, error) {
	var out []model.TrackedTarget
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, namePrefix(name))
		return err
	})
	return out, err
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.TrackedTarget, error) {
	var t model.TrackedTarget
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		t, err = getTarget(txn, id)
		return err
	})
	return t, err
}

// IsEnabled reports whether the record with the given id is enabled.
func (s *Store) IsEnabled(ctx context.Context, id string) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Enabled, nil
}

// RecordKill increments the kill count and stores the kill time. timestamp
// is the log timestamp; if it cannot be parsed the current time is used.
func (s *Store) RecordKill(ctx context.Context, id string, timestamp string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		t, err := getTarget(txn, id)
		if err != nil {
			return err
		}

		at, err := model.ParseTimestampIn(timestamp, s.loc)
		if err != nil {
			at = time.Now().In(s.loc)
		}
		t.KillCount++
		t.LastKilledAt = &at
		t.LastKilledStamp = timestamp
		return putTarget(txn, t)
	})
}

// Add stores a new record and returns it with its id set.
func (s *Store) Add(ctx context.Context, t model.TrackedTarget) (model.TrackedTarget, error) {
	t.Name = strings.TrimSpace(t.Name)
	t.Annotation = strings.TrimSpace(t.Annotation)
	t.Location = strings.TrimSpace(t.Location)
	if t.Name == "" {
		return model.TrackedTarget{}, errors.New("registry: target name is required")
	}
	t.ID = model.TargetID(t.Name, t.Annotation)

	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(targetKey(t.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, t.Display())
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putTarget(txn, t)
	})
	if err != nil {
		return model.TrackedTarget{}, err
	}
	return t, nil
}

// SetEnabled flips the enabled flag of a record.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		t, err := getTarget(txn, id)
		if err != nil {
			return err
		}
		t.Enabled = enabled
		return putTarget(txn, t)
	})
}

// Remove deletes a record.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := getTarget(txn, id); err != nil {
			return err
		}
		return txn.Delete(targetKey(id))
	})
}

// All returns every record ordered by location, then name, then annotation.
func (s *Store) All(ctx context.Context) ([]model.TrackedTarget, error) {
	var out []model.TrackedTarget
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, []byte(keyPrefix))
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		if !strings.EqualFold(a.Name, b.Name) {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}
		return strings.ToLower(a.Annotation) < strings.ToLower(b.Annotation)
	})
	return out, nil
}

// RunGC runs value log garbage collection every interval until ctx ends.
func (s *Store) RunGC(ctx context.Context, interval time.Duration, ratio float64) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err == nil {
				slog.Debug("registry value log GC completed")
			} else if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
				slog.Warn("registry value log GC error", "err", err)
			}
		}
	}
}
