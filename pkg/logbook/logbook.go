// Package logbook is the append-only audit trail of administration
// operations. Entries are hash chained so tampering with any stored entry
// is detected by Verify.
package logbook

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/archivelog/archivelog/pkg/metrics"
)

var (
	// ErrChainBroken is returned by Verify when a stored entry does not
	// match its hash or its predecessor.
	ErrChainBroken = errors.New("logbook hash chain broken")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("logbook closed")
)

var (
	seqPrefix = []byte("seq:")
	opPrefix  = []byte("op:")
	headKey   = []byte("meta:head")
)

// Options configures a Logbook.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory, for tests.
	InMemory bool
}

// Logbook stores entries in badger under a single writer.
type Logbook struct {
	db *badger.DB

	mu       sync.Mutex // serializes writers and guards head
	headSeq  uint64
	headHash []byte
	closed   bool
}

// Open opens or creates the logbook and loads the chain head.
func Open(opts Options) (*Logbook, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("logbook.Open: path is required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}
	bopts = bopts.WithLogger(badgerLogger{})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("logbook.Open: %w", err)
	}
	lb := &Logbook{db: db}

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(headKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) < 8 {
				return fmt.Errorf("corrupt head record")
			}
			lb.headSeq = binary.BigEndian.Uint64(val[:8])
			lb.headHash = append([]byte(nil), val[8:]...)
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("logbook.Open: %w", err)
	}

	slog.Info("logbook opened", "component", "logbook",
		"path", opts.Path, "in_memory", opts.InMemory, "entries", lb.headSeq)
	return lb, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, len(seqPrefix)+8)
	copy(k, seqPrefix)
	binary.BigEndian.PutUint64(k[len(seqPrefix):], seq)
	return k
}

func opKey(operationID string, seq uint64) []byte {
	k := make([]byte, 0, len(opPrefix)+len(operationID)+9)
	k = append(k, opPrefix...)
	k = append(k, operationID...)
	k = append(k, ':')
	return binary.BigEndian.AppendUint64(k, seq)
}

// BulkCreate appends entries under operationID in one transaction. It
// assigns sequence numbers, links each entry to its predecessor and returns
// the stored entries.
func (lb *Logbook) BulkCreate(ctx context.Context, operationID string, entries []Entry) ([]Entry, error) {
	if operationID == "" {
		return nil, fmt.Errorf("logbook.BulkCreate: operation id is required")
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("logbook.BulkCreate: no entries")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("logbook.BulkCreate: %w", err)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return nil, fmt.Errorf("logbook.BulkCreate: %w", ErrClosed)
	}

	seq, prev := lb.headSeq, lb.headHash
	stored := make([]Entry, len(entries))
	err := lb.db.Update(func(txn *badger.Txn) error {
		for i, e := range entries {
			seq++
			e.Seq = seq
			e.OperationID = operationID
			e.PrevHash = prev
			e.normalize()
			hash, err := e.computeHash()
			if err != nil {
				return fmt.Errorf("hash entry %d: %w", seq, err)
			}
			e.Hash = hash
			data, err := encodeEntry(e)
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", seq, err)
			}
			if err := txn.Set(seqKey(seq), data); err != nil {
				return err
			}
			if err := txn.Set(opKey(operationID, seq), nil); err != nil {
				return err
			}
			stored[i] = e
			prev = hash
		}
		head := binary.BigEndian.AppendUint64(nil, seq)
		return txn.Set(headKey, append(head, prev...))
	})
	if err != nil {
		return nil, fmt.Errorf("logbook.BulkCreate: %s: %w", operationID, err)
	}
	lb.headSeq, lb.headHash = seq, prev

	for _, e := range stored {
		metrics.LogbookEntries.WithLabelValues(e.EventType, e.Outcome).Inc()
	}
	slog.Debug("logbook entries created", "component", "logbook",
		"operation", operationID, "count", len(stored), "head", seq)
	return stored, nil
}

func getEntry(txn *badger.Txn, seq uint64) (Entry, error) {
	item, err := txn.Get(seqKey(seq))
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", seq, err)
	}
	var e Entry
	err = item.Value(func(val []byte) error {
		e, err = decodeEntry(val)
		return err
	})
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", seq, err)
	}
	return e, nil
}

// ByOperation returns every entry of an operation in sequence order.
func (lb *Logbook) ByOperation(operationID string) ([]Entry, error) {
	prefix := append(append([]byte(nil), opPrefix...), operationID...)
	prefix = append(prefix, ':')

	var out []Entry
	err := lb.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != len(prefix)+8 {
				continue
			}
			e, err := getEntry(txn, binary.BigEndian.Uint64(key[len(prefix):]))
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("logbook.ByOperation: %w", err)
	}
	return out, nil
}

// Recent returns up to limit entries, newest first.
func (lb *Logbook) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	lb.mu.Lock()
	head := lb.headSeq
	lb.mu.Unlock()

	var out []Entry
	err := lb.db.View(func(txn *badger.Txn) error {
		for seq := head; seq > 0 && len(out) < limit; seq-- {
			e, err := getEntry(txn, seq)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("logbook.Recent: %w", err)
	}
	return out, nil
}

// VerifyResult summarizes a chain walk.
type VerifyResult struct {
	Checked uint64 `json:"checked"`
	Head    []byte `json:"head,omitempty"`
}

// Verify walks the chain from the first entry and recomputes every hash.
// It fails with ErrChainBroken at the first entry that does not match.
func (lb *Logbook) Verify() (VerifyResult, error) {
	lb.mu.Lock()
	head := lb.headSeq
	lb.mu.Unlock()

	var res VerifyResult
	var prev []byte
	err := lb.db.View(func(txn *badger.Txn) error {
		for seq := uint64(1); seq <= head; seq++ {
			e, err := getEntry(txn, seq)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrChainBroken, err)
			}
			if e.Seq != seq {
				return fmt.Errorf("%w: entry %d claims sequence %d", ErrChainBroken, seq, e.Seq)
			}
			if !bytes.Equal(e.PrevHash, prev) {
				return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, seq)
			}
			want, err := e.computeHash()
			if err != nil {
				return err
			}
			if !bytes.Equal(e.Hash, want) {
				return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, seq)
			}
			prev = e.Hash
			res.Checked++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("logbook.Verify: %w", err)
	}
	res.Head = prev
	return res, nil
}

// Len returns the number of entries.
func (lb *Logbook) Len() uint64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.headSeq
}

// Healthy reports whether the logbook is open.
func (lb *Logbook) Healthy() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the underlying database. Idempotent.
func (lb *Logbook) Close() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.closed {
		return nil
	}
	lb.closed = true
	if err := lb.db.Close(); err != nil {
		return fmt.Errorf("logbook.Close: %w", err)
	}
	return nil
}

// badgerLogger routes badger's own logging to slog. Info and debug chatter
// is dropped.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Infof(string, ...interface{})  {}
func (badgerLogger) Debugf(string, ...interface{}) {}
