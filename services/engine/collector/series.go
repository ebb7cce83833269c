// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// BucketKey addresses one aggregate bucket in the historical series.
type BucketKey struct {
	Bucket    time.Time
	Dimension string
	Group     string
}

// SeriesStore persists per-bucket aggregates. BadgerSeries is the
// production implementation; the collector degrades to memory-only
// operation when the store errors.
type SeriesStore interface {
	// Merge folds stats into the bucket, combining with any existing
	// aggregate under the same key.
	Merge(ctx context.Context, key BucketKey, stats datatypes.SliceStats) error

	// Scan streams every bucket in [from, to]. A zero to means now.
	Scan(ctx context.Context, from, to time.Time,
		fn func(key BucketKey, stats datatypes.SliceStats) error) error

	Close() error
}

// BadgerSeries stores aggregates as JSON values under
// series/<bucketUnix>/<dimension>/<group>. Unix seconds are
// zero-padded so lexical key order matches time order.
type BadgerSeries struct {
	db *badger.DB
}

const seriesPrefix = "series/"

// OpenBadgerSeries opens (or creates) the series database at dir. An
// empty dir opens in-memory, used by tests.
func OpenBadgerSeries(dir string) (*BadgerSeries, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics series store: %w", err)
	}
	return &BadgerSeries{db: db}, nil
}

func seriesKey(key BucketKey) []byte {
	return []byte(fmt.Sprintf("%s%012d/%s/%s",
		seriesPrefix, key.Bucket.Unix(), key.Dimension, key.Group))
}

func parseSeriesKey(raw []byte) (BucketKey, error) {
	parts := strings.SplitN(strings.TrimPrefix(string(raw), seriesPrefix), "/", 3)
	if len(parts) != 3 {
		return BucketKey{}, fmt.Errorf("malformed series key %q", raw)
	}
	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return BucketKey{}, fmt.Errorf("malformed series key %q: %w", raw, err)
	}
	return BucketKey{
		Bucket:    time.Unix(unix, 0).UTC(),
		Dimension: parts[1],
		Group:     parts[2],
	}, nil
}

// Merge implements SeriesStore with a read-modify-write transaction.
func (s *BadgerSeries) Merge(ctx context.Context, key BucketKey, stats datatypes.SliceStats) error {
	return s.db.Update(func(txn *badger.Txn) error {
		merged := fromStats(stats)

		item, err := txn.Get(seriesKey(key))
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var existing datatypes.SliceStats
			if err := json.Unmarshal(raw, &existing); err == nil {
				prior := fromStats(existing)
				prior.merge(merged)
				merged = prior
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		out, err := json.Marshal(merged.stats())
		if err != nil {
			return err
		}
		return txn.Set(seriesKey(key), out)
	})
}

// Scan implements SeriesStore.
func (s *BadgerSeries) Scan(ctx context.Context, from, to time.Time,
	fn func(key BucketKey, stats datatypes.SliceStats) error) error {

	if to.IsZero() {
		to = time.Now()
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(seriesPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := []byte(fmt.Sprintf("%s%012d/", seriesPrefix, from.Unix()))
		for it.Seek(start); it.ValidForPrefix([]byte(seriesPrefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, err := parseSeriesKey(it.Item().Key())
			if err != nil {
				continue
			}
			if key.Bucket.After(to) {
				return nil
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var stats datatypes.SliceStats
			if err := json.Unmarshal(raw, &stats); err != nil {
				continue
			}
			if err := fn(key, stats); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close implements SeriesStore.
func (s *BadgerSeries) Close() error {
	return s.db.Close()
}

var _ SeriesStore = (*BadgerSeries)(nil)
