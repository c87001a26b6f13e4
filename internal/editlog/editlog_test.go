// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package editlog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	dgbadger "github.com/dgraph-io/badger/v4"

	"github.com/hexhaven/teamsync/internal/storage/badgerdb"
	"github.com/hexhaven/teamsync/pkg/logging"
)

func newTestDB(t *testing.T) *badgerdb.DB {
	t.Helper()
	db, err := badgerdb.Open(badgerdb.InMemoryConfig())
	if err != nil {
		t.Fatalf("open in-memory badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustAppend(t *testing.T, l *Log, key, value string, version uint64) Record {
	t.Helper()
	rec, err := l.Append(context.Background(), key, value, version)
	if err != nil {
		t.Fatalf("Append(%q) = %v, want nil", key, err)
	}
	return rec
}

func TestLog_AppendReplay_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	l, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	mustAppend(t, l, "hexA", "red", 1)
	mustAppend(t, l, "hexB", "green", 1)
	mustAppend(t, l, "hexA", "blue", 2)

	records, err := l.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Replay() len = %d, want 3", len(records))
	}

	for i, rec := range records {
		if rec.Seq != uint64(i+1) {
			t.Errorf("record %d: seq = %d, want %d", i, rec.Seq, i+1)
		}
		if rec.At == 0 {
			t.Errorf("record %d: missing timestamp", i)
		}
	}
	if records[2].Key != "hexA" || records[2].Value != "blue" || records[2].Version != 2 {
		t.Errorf("record 3 = %+v, want hexA/blue/2", records[2])
	}
}

func TestLog_Replay_EmptyTeam(t *testing.T) {
	db := newTestDB(t)
	l, err := Open(db, "fresh", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	records, err := l.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Replay() len = %d, want 0", len(records))
	}
}

func TestLog_SequenceContinuesAfterReopen(t *testing.T) {
	db := newTestDB(t)

	l1, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	mustAppend(t, l1, "a", "1", 1)
	mustAppend(t, l1, "b", "1", 1)
	_ = l1.Close()

	l2, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	if got := l2.LastSeq(); got != 2 {
		t.Fatalf("LastSeq() after reopen = %d, want 2", got)
	}

	rec := mustAppend(t, l2, "c", "1", 1)
	if rec.Seq != 3 {
		t.Errorf("Append() after reopen seq = %d, want 3", rec.Seq)
	}
}

func TestLog_TeamsAreIsolated(t *testing.T) {
	db := newTestDB(t)

	red, err := Open(db, "red-team", logging.Discard())
	if err != nil {
		t.Fatalf("Open(red-team) = %v", err)
	}
	blue, err := Open(db, "blue-team", logging.Discard())
	if err != nil {
		t.Fatalf("Open(blue-team) = %v", err)
	}

	mustAppend(t, red, "hexA", "red", 1)
	mustAppend(t, red, "hexB", "red", 1)
	mustAppend(t, blue, "hexA", "blue", 1)

	redRecords, err := red.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay(red) = %v", err)
	}
	blueRecords, err := blue.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay(blue) = %v", err)
	}

	if len(redRecords) != 2 {
		t.Errorf("red replay len = %d, want 2", len(redRecords))
	}
	if len(blueRecords) != 1 {
		t.Errorf("blue replay len = %d, want 1", len(blueRecords))
	}
	if blueRecords[0].Value != "blue" {
		t.Errorf("blue record value = %q, want %q", blueRecords[0].Value, "blue")
	}
}

// corruptRecord overwrites the stored bytes for seq so the CRC check fails.
func corruptRecord(t *testing.T, db *badgerdb.DB, l *Log, seq uint64) {
	t.Helper()
	err := db.WithTxn(context.Background(), func(txn *dgbadger.Txn) error {
		return txn.Set(l.recordKey(seq), []byte("garbage-bytes"))
	})
	if err != nil {
		t.Fatalf("corrupt record %d: %v", seq, err)
	}
}

func TestLog_Replay_TrailingCorruptionDiscarded(t *testing.T) {
	db := newTestDB(t)
	l, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	mustAppend(t, l, "a", "1", 1)
	mustAppend(t, l, "b", "1", 1)
	mustAppend(t, l, "c", "1", 1)
	corruptRecord(t, db, l, 3)

	records, err := l.Replay(context.Background())
	if err != nil {
		t.Fatalf("Replay() = %v, want trailing corruption tolerated", err)
	}
	if len(records) != 2 {
		t.Fatalf("Replay() len = %d, want 2 (corrupt tail discarded)", len(records))
	}

	// The tail is physically gone: the next append reuses seq 3 and a
	// second replay sees a clean log.
	if got := l.LastSeq(); got != 2 {
		t.Fatalf("LastSeq() after truncation = %d, want 2", got)
	}
	rec := mustAppend(t, l, "d", "1", 1)
	if rec.Seq != 3 {
		t.Errorf("Append() after truncation seq = %d, want 3", rec.Seq)
	}
	records, err = l.Replay(context.Background())
	if err != nil {
		t.Fatalf("second Replay() = %v", err)
	}
	if len(records) != 3 {
		t.Errorf("second Replay() len = %d, want 3", len(records))
	}
}

func TestLog_Replay_MidLogCorruptionFatal(t *testing.T) {
	db := newTestDB(t)
	l, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	mustAppend(t, l, "a", "1", 1)
	mustAppend(t, l, "b", "1", 1)
	mustAppend(t, l, "c", "1", 1)
	corruptRecord(t, db, l, 2)

	_, err = l.Replay(context.Background())
	if !errors.Is(err, ErrLogCorrupted) {
		t.Fatalf("Replay() = %v, want ErrLogCorrupted", err)
	}
}

func TestLog_Replay_SequenceGapFatal(t *testing.T) {
	db := newTestDB(t)
	l, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	mustAppend(t, l, "a", "1", 1)
	mustAppend(t, l, "b", "1", 1)
	mustAppend(t, l, "c", "1", 1)

	// Delete a middle record to simulate lost history.
	err = db.WithTxn(context.Background(), func(txn *dgbadger.Txn) error {
		return txn.Delete(l.recordKey(2))
	})
	if err != nil {
		t.Fatalf("delete record: %v", err)
	}

	_, err = l.Replay(context.Background())
	if !errors.Is(err, ErrSequenceGap) {
		t.Fatalf("Replay() = %v, want ErrSequenceGap", err)
	}
}

func TestLog_ClosedLogRejectsOperations(t *testing.T) {
	db := newTestDB(t)
	l, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	_ = l.Close()

	if _, err := l.Append(context.Background(), "a", "1", 1); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Append() on closed log = %v, want ErrLogClosed", err)
	}
	if _, err := l.Replay(context.Background()); !errors.Is(err, ErrLogClosed) {
		t.Errorf("Replay() on closed log = %v, want ErrLogClosed", err)
	}
}

func TestLog_Export_OrderedHistory(t *testing.T) {
	db := newTestDB(t)
	l, err := Open(db, "team1", logging.Discard())
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}

	for i := 1; i <= 10; i++ {
		mustAppend(t, l, "k", fmt.Sprintf("v%d", i), uint64(i))
	}

	records, err := l.Export(context.Background())
	if err != nil {
		t.Fatalf("Export() = %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("Export() len = %d, want 10", len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Seq != records[i-1].Seq+1 {
			t.Errorf("export out of order at %d: seq %d after %d", i, records[i].Seq, records[i-1].Seq)
		}
		if records[i].At < records[i-1].At {
			t.Errorf("export timestamps regress at %d", i)
		}
	}
}
