// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Journal is an append-only, insertion-ordered record log.
//
// Each journal owns a key prefix in the audit database. Rows are JSON
// encoded and keyed by a monotonically increasing index, so iteration
// returns rows in the order they were appended. Rows are never updated
// or deleted.
//
// Thread Safety:
//
//	Safe for concurrent use. Appends serialize on an internal mutex so
//	two writers cannot race on the next index.
type Journal struct {
	db     *DB
	prefix []byte

	mu sync.Mutex
}

// NewJournal creates a journal under the given key prefix.
//
// Inputs:
//
//	db - The audit database. Must not be nil.
//	prefix - Key prefix, e.g. "retrieval". Must not be empty.
//
// Outputs:
//
//	*Journal - The journal.
//	error - Non-nil on invalid inputs.
func NewJournal(db *DB, prefix string) (*Journal, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if prefix == "" {
		return nil, errors.New("prefix must not be empty")
	}
	return &Journal{
		db:     db,
		prefix: []byte(prefix + "/"),
	}, nil
}

// rowKey builds the key for a row index.
func (j *Journal) rowKey(index uint64) []byte {
	key := make([]byte, len(j.prefix)+8)
	copy(key, j.prefix)
	binary.BigEndian.PutUint64(key[len(j.prefix):], index)
	return key
}

// nextKey is the key storing the next row index.
func (j *Journal) nextKey() []byte {
	return append(append([]byte(nil), j.prefix...), []byte("_next")...)
}

// Append writes one row to the journal.
//
// Description:
//
//	Encodes the value as JSON and writes it at the next index in a
//	single transaction. The row is durable when Append returns (subject
//	to the database's SyncWrites setting).
//
// Inputs:
//
//	ctx - Context for cancellation.
//	value - Any JSON-encodable row.
//
// Outputs:
//
//	error - Non-nil on encoding or storage failure; nothing is persisted.
//
// Thread Safety: Safe for concurrent use.
func (j *Journal) Append(ctx context.Context, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode journal row: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var next uint64
		item, err := txn.Get(j.nextKey())
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt journal counter (%d bytes)", len(val))
				}
				next = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			next = 0
		default:
			return fmt.Errorf("read journal counter: %w", err)
		}

		if err := txn.Set(j.rowKey(next), data); err != nil {
			return fmt.Errorf("write journal row: %w", err)
		}

		var counter [8]byte
		binary.BigEndian.PutUint64(counter[:], next+1)
		return txn.Set(j.nextKey(), counter[:])
	})
}

// Each iterates rows in append order, decoding each into a fresh value
// from newRow and passing it to fn. Iteration stops when fn returns false.
//
// Thread Safety: Safe for concurrent use.
func (j *Journal) Each(ctx context.Context, newRow func() any, fn func(row any) bool) error {
	return j.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = j.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		nextKey := string(j.nextKey())
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if string(item.Key()) == nextKey {
				continue
			}
			row := newRow()
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, row)
			}); err != nil {
				return fmt.Errorf("decode journal row: %w", err)
			}
			if !fn(row) {
				return nil
			}
		}
		return nil
	})
}

// Len returns the number of rows appended so far.
func (j *Journal) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := j.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(j.nextKey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read journal counter: %w", err)
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt journal counter (%d bytes)", len(val))
			}
			n = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return n, err
}

// MemJournal is an in-memory Journal equivalent for tests and
// single-process deployments that don't need durability.
//
// Thread Safety: Safe for concurrent use.
type MemJournal struct {
	mu   sync.RWMutex
	rows [][]byte
}

// NewMemJournal creates an empty in-memory journal.
func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

// Append encodes and stores one row.
func (j *MemJournal) Append(ctx context.Context, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode journal row: %w", err)
	}
	j.mu.Lock()
	j.rows = append(j.rows, data)
	j.mu.Unlock()
	return nil
}

// Each iterates rows in append order.
func (j *MemJournal) Each(ctx context.Context, newRow func() any, fn func(row any) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.RLock()
	rows := make([][]byte, len(j.rows))
	copy(rows, j.rows)
	j.mu.RUnlock()

	for _, data := range rows {
		row := newRow()
		if err := json.Unmarshal(data, row); err != nil {
			return fmt.Errorf("decode journal row: %w", err)
		}
		if !fn(row) {
			return nil
		}
	}
	return nil
}

// Len returns the number of rows appended so far.
func (j *MemJournal) Len(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.rows)), nil
}

// Appender is the write side of a journal.
type Appender interface {
	Append(ctx context.Context, value any) error
}

// Reader is the read side of a journal.
type Reader interface {
	Each(ctx context.Context, newRow func() any, fn func(row any) bool) error
	Len(ctx context.Context) (uint64, error)
}

// Log combines both sides.
type Log interface {
	Appender
	Reader
}
