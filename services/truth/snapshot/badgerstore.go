// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianTruth/services/truth/audit"
)

// Key layout for the badger-backed ledger.
const (
	keySeqPrefix  = "ledger/seq/"
	keyHashPrefix = "ledger/hash/"
	keyLast       = "ledger/last"
)

// BadgerStore is the persistent snapshot ledger.
//
// Sequencing is enforced inside a single transaction per append, so two
// racing assemblers cannot both commit the same sequence number: badger's
// conflict detection turns the loser's commit into ErrSequenceConflict.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db *audit.DB
}

// NewBadgerStore creates a ledger over the given audit database.
func NewBadgerStore(db *audit.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	return &BadgerStore{db: db}, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(keySeqPrefix)+8)
	copy(key, keySeqPrefix)
	binary.BigEndian.PutUint64(key[len(keySeqPrefix):], seq)
	return key
}

func hashKey(hash string) []byte {
	return []byte(keyHashPrefix + hash)
}

// Append commits a snapshot at the next sequence number.
func (b *BadgerStore) Append(ctx context.Context, s *Snapshot) error {
	if err := s.Verify(); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	err = b.db.WithTxn(ctx, func(txn *badger.Txn) error {
		last, ok, err := readLast(txn)
		if err != nil {
			return err
		}

		next := uint64(1)
		if ok {
			next = last + 1
		}
		switch {
		case s.SequenceNumber < next:
			return ErrSequenceConflict
		case s.SequenceNumber > next:
			return &IntegrityError{
				Sequence: s.SequenceNumber,
				Detail:   "append would create a sequence gap",
			}
		}

		if err := txn.Set(seqKey(s.SequenceNumber), data); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
		var seqBytes [8]byte
		binary.BigEndian.PutUint64(seqBytes[:], s.SequenceNumber)
		if err := txn.Set(hashKey(s.CompositeHash), seqBytes[:]); err != nil {
			return fmt.Errorf("write hash index: %w", err)
		}
		return txn.Set([]byte(keyLast), seqBytes[:])
	})
	if errors.Is(err, badger.ErrConflict) {
		// A racing assembler committed first.
		return ErrSequenceConflict
	}
	return err
}

// Latest returns the most recently committed snapshot.
func (b *BadgerStore) Latest(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		last, ok, err := readLast(txn)
		if err != nil {
			return err
		}
		if !ok {
			return ErrEmpty
		}
		snap, err = readSnapshot(txn, last)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Get returns the snapshot at a sequence number.
func (b *BadgerStore) Get(ctx context.Context, seq uint64) (*Snapshot, error) {
	var snap *Snapshot
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		snap, err = readSnapshot(txn, seq)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetByHash returns the snapshot with the given composite hash.
func (b *BadgerStore) GetByHash(ctx context.Context, hash string) (*Snapshot, error) {
	var snap *Snapshot
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(hashKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read hash index: %w", err)
		}
		var seq uint64
		if err := item.Value(func(val []byte) error {
			if len(val) != 8 {
				return &IntegrityError{Detail: "corrupt hash index entry"}
			}
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}
		snap, err = readSnapshot(txn, seq)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// LastSequence returns the highest committed sequence number.
func (b *BadgerStore) LastSequence(ctx context.Context) (uint64, bool, error) {
	var (
		last uint64
		ok   bool
	)
	err := b.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		last, ok, err = readLast(txn)
		return err
	})
	return last, ok, err
}

func readLast(txn *badger.Txn) (uint64, bool, error) {
	item, err := txn.Get([]byte(keyLast))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read last sequence: %w", err)
	}
	var last uint64
	if err := item.Value(func(val []byte) error {
		if len(val) != 8 {
			return &IntegrityError{Detail: "corrupt last-sequence entry"}
		}
		last = binary.BigEndian.Uint64(val)
		return nil
	}); err != nil {
		return 0, false, err
	}
	return last, true, nil
}

func readSnapshot(txn *badger.Txn, seq uint64) (*Snapshot, error) {
	item, err := txn.Get(seqKey(seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %d: %w", seq, err)
	}
	var snap Snapshot
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &snap)
	}); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w", seq, err)
	}
	// A decoded snapshot must still reproduce its stored hash.
	if err := snap.Verify(); err != nil {
		return nil, err
	}
	return &snap, nil
}
