// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package editlog implements the durable append-only edit log for a team
// instance.
//
// The log is the sole source of truth for a team's puzzle state: the
// in-memory store is a cache rebuilt by replaying the log in order. Every
// accepted mutation is appended synchronously before it is acknowledged
// or broadcast (write-ahead ordering), so suspension and crashes never
// lose accepted writes.
//
// Records are stored in the shared BadgerDB under per-team key prefixes,
// so many team logs coexist in one database and replay for one team never
// touches another team's records.
package editlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync/atomic"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hexhaven/teamsync/internal/storage/badgerdb"
)

var (
	// ErrLogClosed is returned when operations are called on a closed log.
	ErrLogClosed = errors.New("edit log is closed")

	// ErrLogCorrupted is returned when replay hits a corrupt record that
	// is not the trailing record. It implies potential data loss and is
	// fatal for the instance, unlike a transient append failure.
	ErrLogCorrupted = errors.New("edit log corrupted")

	// ErrSequenceGap is returned when replay detects missing sequence
	// numbers between surviving records.
	ErrSequenceGap = errors.New("edit log sequence gap detected")
)

// Record is one accepted mutation, immutable once written.
//
// Version is the version the write produced (baseVersion+1), so replay
// re-applies (Key, Value, Version) directly without re-running the
// check-and-set.
type Record struct {
	Seq     uint64 `json:"seq"`
	Key     string `json:"key"`
	Value   string `json:"value"`
	Version uint64 `json:"version"`
	At      int64  `json:"at"` // unix milliseconds
}

// Log is the append-only edit log for one team.
//
// Append is called from the owning instance loop only; Replay may be
// called concurrently (export surface), so sequencing uses atomics.
type Log struct {
	db     *badgerdb.DB
	teamID string
	logger *slog.Logger

	seq    atomic.Uint64
	closed atomic.Bool
}

// Open returns the edit log for teamID, scanning for the highest existing
// sequence number so appends continue where the previous process left off.
//
// Inputs:
//
//	db - Shared BadgerDB handle. Must not be nil.
//	teamID - Team scope for all keys. Must not be empty.
//	logger - Logger for log operations. Falls back to slog.Default().
func Open(db *badgerdb.DB, teamID string, logger *slog.Logger) (*Log, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if teamID == "" {
		return nil, errors.New("team id must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Log{
		db:     db,
		teamID: teamID,
		logger: logger.With(slog.String("component", "editlog"), slog.String("team_id", teamID)),
	}

	if err := l.initSeq(); err != nil {
		return nil, fmt.Errorf("init sequence number: %w", err)
	}

	l.logger.Debug("edit log opened", slog.Uint64("last_seq", l.seq.Load()))
	return l, nil
}

// initSeq scans backwards for the highest existing sequence number.
func (l *Log) initSeq() error {
	prefix := l.keyPrefix()
	var maxSeq uint64

	err := l.db.WithReadTxn(context.Background(), func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		seekKey := append([]byte(prefix), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)

		if it.ValidForPrefix([]byte(prefix)) {
			key := it.Item().Key()
			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err == nil {
				maxSeq = seq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.seq.Store(maxSeq)
	return nil
}

// keyPrefix returns the key prefix for this team's records.
func (l *Log) keyPrefix() string {
	return fmt.Sprintf("edit:%s:", l.teamID)
}

// recordKey generates the key for a specific sequence number.
func (l *Log) recordKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", l.keyPrefix(), seq))
}

// encodeRecord encodes a record as [4-byte CRC32][gob payload].
func encodeRecord(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())

	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc)
	copy(out[4:], buf.Bytes())
	return out, nil
}

// decodeRecord validates the CRC32 checksum and decodes the payload.
func decodeRecord(data []byte) (Record, error) {
	if len(data) < 5 {
		return Record{}, fmt.Errorf("%w: record too short", ErrLogCorrupted)
	}

	storedCRC := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); computed != storedCRC {
		return Record{}, fmt.Errorf("%w: CRC mismatch stored=%08x computed=%08x",
			ErrLogCorrupted, storedCRC, computed)
	}

	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("%w: gob decode: %v", ErrLogCorrupted, err)
	}
	return rec, nil
}

// Append durably writes one accepted mutation and returns the stored
// record. The caller must not acknowledge or broadcast the mutation until
// Append returns nil.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	key, value - The accepted write.
//	version - The version the write produced (baseVersion+1).
//
// Outputs:
//
//	Record - The record as stored, with sequence number and timestamp.
//	error - Non-nil if the durable write failed; the caller must treat the
//	        mutation as not applied.
func (l *Log) Append(ctx context.Context, key, value string, version uint64) (Record, error) {
	if l.closed.Load() {
		return Record{}, ErrLogClosed
	}
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	default:
	}

	ctx, span := otel.Tracer("editlog").Start(ctx, "editlog.Append",
		trace.WithAttributes(
			attribute.String("team_id", l.teamID),
			attribute.String("key", key),
		),
	)
	defer span.End()

	seq := l.seq.Add(1)
	rec := Record{
		Seq:     seq,
		Key:     key,
		Value:   value,
		Version: version,
		At:      time.Now().UnixMilli(),
	}

	data, err := encodeRecord(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return Record{}, fmt.Errorf("encode record: %w", err)
	}

	err = l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(l.recordKey(seq), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return Record{}, fmt.Errorf("write record: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("seq", int64(seq)),
		attribute.Int("record_bytes", len(data)),
	)

	l.logger.Debug("record appended",
		slog.Uint64("seq", seq),
		slog.String("key", key),
		slog.Uint64("version", version))

	return rec, nil
}

// Replay returns every record for this team in sequence order.
//
// A corrupt record in trailing position (nothing valid after it) is
// discarded with a warning: it is the crash boundary of an interrupted
// append that was never acknowledged. A corrupt record followed by valid
// records means accepted history was damaged, which is fatal.
//
// Outputs:
//
//	[]Record - Ordered records. Empty if the team has no history.
//	error - ErrLogCorrupted / ErrSequenceGap wrapped, or storage errors.
func (l *Log) Replay(ctx context.Context) ([]Record, error) {
	if l.closed.Load() {
		return nil, ErrLogClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ctx, span := otel.Tracer("editlog").Start(ctx, "editlog.Replay",
		trace.WithAttributes(attribute.String("team_id", l.teamID)),
	)
	defer span.End()

	var records []Record
	var lastSeq uint64
	var corruptSeq uint64
	var pendingCorrupt error

	prefix := []byte(l.keyPrefix())
	err := l.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			key := item.Key()

			var seq uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
				continue // not a record key
			}

			// A corrupt record with valid records after it is damaged
			// accepted history, not a crash boundary.
			if pendingCorrupt != nil {
				return pendingCorrupt
			}

			if lastSeq > 0 && seq != lastSeq+1 {
				return fmt.Errorf("%w: expected %d, got %d", ErrSequenceGap, lastSeq+1, seq)
			}
			lastSeq = seq

			err := item.Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					if errors.Is(err, ErrLogCorrupted) {
						pendingCorrupt = fmt.Errorf("record seq %d: %w", seq, err)
						corruptSeq = seq
						return nil
					}
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "replay failed")
		return nil, err
	}

	if pendingCorrupt != nil {
		l.logger.Warn("discarding corrupt trailing record",
			slog.Uint64("seq", corruptSeq),
			slog.String("error", pendingCorrupt.Error()))
		if err := l.truncateFrom(ctx, corruptSeq); err != nil {
			return nil, fmt.Errorf("truncate corrupt tail: %w", err)
		}
	}

	span.SetAttributes(attribute.Int("record_count", len(records)))

	l.logger.Info("replay completed",
		slog.Int("record_count", len(records)),
		slog.Uint64("last_seq", lastSeq))

	return records, nil
}

// truncateFrom deletes the corrupt trailing record so the next append
// does not bury it mid-log, and rewinds the sequence counter if no append
// has happened since.
func (l *Log) truncateFrom(ctx context.Context, seq uint64) error {
	err := l.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Delete(l.recordKey(seq))
	})
	if err != nil {
		return err
	}
	l.seq.CompareAndSwap(seq, seq-1)
	return nil
}

// Export returns the ordered edit history for offline animation and
// analysis tooling. Same scan and validation as Replay; records carry
// wall-clock timestamps.
func (l *Log) Export(ctx context.Context) ([]Record, error) {
	return l.Replay(ctx)
}

// LastSeq returns the most recently assigned sequence number.
func (l *Log) LastSeq() uint64 {
	return l.seq.Load()
}

// Close marks the log closed. The underlying database is shared and is
// closed by its owner, not here.
func (l *Log) Close() error {
	l.closed.Store(true)
	return nil
}
