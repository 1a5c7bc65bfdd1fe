// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps an audit log of completed DAG runs in BadgerDB.
//
// Records are written once when a run resolves and never updated. Two key
// families are maintained:
//
//	run/<run id>                 -> JSON record
//	ts/<started unix nanos>/<id> -> empty (newest-first index)
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagrun/services/dagrun/storage/badger"
)

var (
	// ErrNotFound indicates no record exists for the run id.
	ErrNotFound = errors.New("run not found")

	// ErrEmptyRunID indicates a record without a run id.
	ErrEmptyRunID = errors.New("run id must not be empty")
)

const (
	runPrefix   = "run/"
	indexPrefix = "ts/"

	// DefaultListLimit bounds List when the caller passes a non-positive limit.
	DefaultListLimit = 50
)

var tracer = otel.Tracer("dagrun.history")

// Record is the stored outcome of one run.
type Record struct {
	RunID     string        `json:"run_id"`
	Name      string        `json:"name,omitempty"`
	Nodes     int           `json:"nodes"`
	HasFailed bool          `json:"has_failed"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// Store reads and writes run records.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewStore creates a store on an opened database. The caller owns db.
func NewStore(db *badger.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, badger.ErrNilDB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "history"))}, nil
}

// Record stores rec. Writing the same run id twice replaces the record.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return ErrEmptyRunID
	}

	ctx, span := tracer.Start(ctx, "history.Record",
		trace.WithAttributes(attribute.String("run.id", rec.RunID)))
	defer span.End()

	data, err := json.Marshal(rec)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode record %s: %w", rec.RunID, err)
	}

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		if err := txn.Set(runKey(rec.RunID), data); err != nil {
			return err
		}
		return txn.Set(indexKey(rec.StartedAt, rec.RunID), nil)
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("write record %s: %w", rec.RunID, err)
	}

	s.logger.Debug("run recorded", slog.String("run_id", rec.RunID), slog.Bool("has_failed", rec.HasFailed))
	return nil
}

// Get returns the record for runID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, runID string) (Record, error) {
	var rec Record
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		r, err := get(txn, runID)
		rec = r
		return err
	})
	return rec, err
}

// List returns up to limit records, most recently started first.
// A non-positive limit uses DefaultListLimit.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	ctx, span := tracer.Start(ctx, "history.List", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	records := make([]Record, 0, min(limit, DefaultListLimit))
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(indexPrefix)
		seek := append([]byte(indexPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			runID := string(key[len(indexPrefix)+timestampWidth+1:])

			rec, err := get(txn, runID)
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("dangling history index entry", slog.String("run_id", runID))
				continue
			}
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list records: %w", err)
	}
	span.SetAttributes(attribute.Int("count", len(records)))
	return records, nil
}

func get(txn *dgbadger.Txn, runID string) (Record, error) {
	item, err := txn.Get(runKey(runID))
	if errors.Is(err, dgbadger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return Record{}, err
	}

	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", runID, err)
	}
	return rec, nil
}

// timestampWidth is the zero-padded width of the index timestamp.
const timestampWidth = 20

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

func indexKey(startedAt time.Time, runID string) []byte {
	nanos := startedAt.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	return []byte(fmt.Sprintf("%s%0*d/%s", indexPrefix, timestampWidth, nanos, runID))
}
