// Copyright (C) 2025 Fairlens AI (engineering@fairlens.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/fairlens-ai/fairlens/services/engine/datatypes"
)

// ErrAlertNotFound is returned for unknown alert IDs.
var ErrAlertNotFound = errors.New("alerts: alert not found")

// Store persists alert records with their full transition history.
type Store interface {
	Save(ctx context.Context, alert *datatypes.Alert) error
	Get(ctx context.Context, id string) (*datatypes.Alert, error)
	// List returns alerts filtered by state; empty state means all.
	List(ctx context.Context, state datatypes.AlertState) ([]*datatypes.Alert, error)
	// Archive deletes resolved alerts older than the cutoff and returns
	// how many were removed.
	Archive(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// BadgerStore keeps alert records under alert/<id>.
type BadgerStore struct {
	db *badger.DB
}

const alertPrefix = "alert/"

// OpenBadgerStore opens (or creates) the alert database at dir. An
// empty dir opens in-memory, used by tests.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func alertKey(id string) []byte {
	return []byte(alertPrefix + id)
}

// Save implements Store. Saving an existing ID overwrites the record,
// which is how transitions are appended.
func (s *BadgerStore) Save(ctx context.Context, alert *datatypes.Alert) error {
	raw, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode alert %s: %w", alert.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(alertKey(alert.ID), raw)
	})
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, id string) (*datatypes.Alert, error) {
	var alert datatypes.Alert
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(alertKey(id))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &alert)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, state datatypes.AlertState) ([]*datatypes.Alert, error) {
	var out []*datatypes.Alert
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(alertPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var alert datatypes.Alert
			if err := json.Unmarshal(raw, &alert); err != nil {
				continue
			}
			if state != "" && alert.State != state {
				continue
			}
			out = append(out, &alert)
		}
		return nil
	})
	return out, err
}

// Archive implements Store. Only resolved alerts are eligible; open and
// acknowledged alerts are retained regardless of age.
func (s *BadgerStore) Archive(ctx context.Context, olderThan time.Time) (int, error) {
	resolved, err := s.List(ctx, datatypes.AlertResolved)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, alert := range resolved {
			if alert.CreatedAt.After(olderThan) {
				continue
			}
			if err := txn.Delete(alertKey(alert.ID)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
