// Package rowstore keeps the per-strand IonizationState and EmissionRecord
// rows in an embedded BadgerDB.
//
// Rows are keyed by strand ID ("nei/<strand>", "emission/<strand>") and each
// row is published in a single transaction, so a strand that fails or a run
// that aborts never disturbs rows already written for other strands.
package rowstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"arsynth/internal/core"
)

const (
	prefixIonization = "nei/"
	prefixEmission   = "emission/"
)

// Config holds configuration for a row store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the database off disk. Useful for testing.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal messages. Nil disables them.
	Logger *zerolog.Logger
}

// DefaultConfig returns a durable configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(strings.TrimSpace(format), args...)
}

// Store is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open opens the row store, creating the directory if needed.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent row store")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create row store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With().Str("component", "rowstore").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Meta identifies what a row was computed from and what it holds.
type Meta struct {
	InputDigest  core.Digest `json:"input_digest"`
	OutputDigest core.Digest `json:"output_digest"`
}

type ionizationRow struct {
	Meta
	Record core.StrandIonization `json:"record"`
}

type emissionRow struct {
	Meta
	Record core.StrandEmission `json:"record"`
}

// PutIonization stores rec, replacing any earlier row of the same strand.
// input identifies the strand, model and options it was computed from.
func (s *Store) PutIonization(rec core.StrandIonization, input core.Digest) (Meta, error) {
	meta := Meta{InputDigest: input, OutputDigest: rec.Digest()}
	return meta, s.put(prefixIonization+rec.StrandID, ionizationRow{Meta: meta, Record: rec})
}

// Ionization returns the row of strand id and whether it exists.
func (s *Store) Ionization(id string) (core.StrandIonization, Meta, bool, error) {
	var row ionizationRow
	ok, err := s.get(prefixIonization+id, &row)
	if err != nil || !ok {
		return core.StrandIonization{}, Meta{}, ok, err
	}
	if row.Record.StrandID != id || row.Record.Digest() != row.OutputDigest {
		return core.StrandIonization{}, Meta{}, false, core.Schemaf(prefixIonization+id, "row content does not match its digest")
	}
	return row.Record, row.Meta, true, nil
}

// IonizationMeta returns only the digests of strand id's row.
func (s *Store) IonizationMeta(id string) (Meta, bool, error) {
	_, meta, ok, err := s.Ionization(id)
	return meta, ok, err
}

func (s *Store) PutEmission(rec core.StrandEmission, input core.Digest) (Meta, error) {
	meta := Meta{InputDigest: input, OutputDigest: rec.Digest()}
	return meta, s.put(prefixEmission+rec.StrandID, emissionRow{Meta: meta, Record: rec})
}

func (s *Store) Emission(id string) (core.StrandEmission, Meta, bool, error) {
	var row emissionRow
	ok, err := s.get(prefixEmission+id, &row)
	if err != nil || !ok {
		return core.StrandEmission{}, Meta{}, ok, err
	}
	if row.Record.StrandID != id || row.Record.Digest() != row.OutputDigest {
		return core.StrandEmission{}, Meta{}, false, core.Schemaf(prefixEmission+id, "row content does not match its digest")
	}
	return row.Record, row.Meta, true, nil
}

// EmissionMeta returns only the digests of strand id's emission row.
func (s *Store) EmissionMeta(id string) (Meta, bool, error) {
	_, meta, ok, err := s.Emission(id)
	return meta, ok, err
}

// IonizationSetDigest identifies the ionization rows of ids: each ID and its
// row's output digest, in sorted ID order. A missing row is a DataError.
func (s *Store) IonizationSetDigest(ids []string) (core.Digest, error) {
	return setDigest(ids, s.IonizationMeta)
}

// EmissionSetDigest is IonizationSetDigest for emission rows.
func (s *Store) EmissionSetDigest(ids []string) (core.Digest, error) {
	return setDigest(ids, s.EmissionMeta)
}

func setDigest(ids []string, meta func(string) (Meta, bool, error)) (core.Digest, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	h := core.NewHasher().Int(len(sorted))
	for _, id := range sorted {
		m, ok, err := meta(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", &core.DataError{StrandID: id, Msg: "row missing"}
		}
		h.Str(id).Str(m.OutputDigest.String())
	}
	return h.Sum(), nil
}

// IonizationIDs returns the strands with an ionization row, sorted.
func (s *Store) IonizationIDs() ([]string, error) { return s.ids(prefixIonization) }

// EmissionIDs returns the strands with an emission row, sorted.
func (s *Store) EmissionIDs() ([]string, error) { return s.ids(prefixEmission) }

// DeleteEmission removes every emission row.
func (s *Store) DeleteEmission() error {
	return s.db.DropPrefix([]byte(prefixEmission))
}

func (s *Store) put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), b)
	}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string, dst any) (bool, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, &core.SchemaError{Artifact: key, Cause: err}
	}
	return true, nil
}

func (s *Store) ids(prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), prefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
