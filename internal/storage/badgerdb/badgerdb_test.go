// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func TestOpen_RequiresPathUnlessInMemory(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open() with no path = nil, want error")
	}

	db, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open(InMemoryConfig()) = %v", err)
	}
	defer db.Close()
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data")

	cfg := DefaultConfig()
	cfg.Path = path
	cfg.GCInterval = 0
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()
}

func TestWithTxn_RoundTrip(t *testing.T) {
	db, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	if err != nil {
		t.Fatalf("WithTxn() = %v", err)
	}

	var got []byte
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("k"))
		if err != nil {
			return err
		}
		got, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		t.Fatalf("WithReadTxn() = %v", err)
	}
	if string(got) != "v" {
		t.Errorf("read back %q, want %q", got, "v")
	}
}

func TestWithTxn_HonorsCancelledContext(t *testing.T) {
	db, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		t.Error("transaction ran despite cancelled context")
		return nil
	})
	if err == nil {
		t.Error("WithTxn() with cancelled context = nil, want error")
	}
}

func TestSync_NoOpInMemory(t *testing.T) {
	db, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	defer db.Close()

	if err := db.Sync(); err != nil {
		t.Errorf("Sync() on in-memory db = %v, want nil", err)
	}
}
