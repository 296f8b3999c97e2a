package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

var eventPrefix = []byte("evt/")

// EventLog is the firehose log of the database. Frames are stored
// zstd-compressed under their sequence number.
type EventLog struct {
	db  *DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (d *DB) EventLog() (*EventLog, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	return &EventLog{db: d, enc: enc, dec: dec}, nil
}

func eventKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), eventPrefix...), seq)
}

// Append stores frame as event seq, which must follow the last event.
func (l *EventLog) Append(ctx context.Context, seq uint64, frame []byte) error {
	compressed := l.enc.EncodeAll(frame, nil)
	return l.db.update(func(txn *badger.Txn) error {
		last, err := l.edge(txn, true)
		if err != nil {
			return err
		}
		if seq <= last {
			return fmt.Errorf("event %d does not follow %d", seq, last)
		}
		return txn.Set(eventKey(seq), compressed)
	})
}

// Range calls f with each stored event with from <= seq < to, in order.
func (l *EventLog) Range(ctx context.Context, from, to uint64, f func(seq uint64, frame []byte) error) error {
	return l.db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(eventKey(from)); it.ValidForPrefix(eventPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(eventPrefix):])
			if seq >= to {
				return nil
			}
			compressed, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			frame, err := l.dec.DecodeAll(compressed, nil)
			if err != nil {
				return fmt.Errorf("event %d: %w", seq, err)
			}
			if err := f(seq, frame); err != nil {
				return err
			}
		}
		return nil
	})
}

// Last is the highest stored sequence number, or 0 when the log is empty.
func (l *EventLog) Last(ctx context.Context) (uint64, error) {
	var seq uint64
	err := l.db.db.View(func(txn *badger.Txn) (err error) {
		seq, err = l.edge(txn, true)
		return
	})
	return seq, err
}

// First is the lowest stored sequence number, or 0 when the log is empty.
func (l *EventLog) First(ctx context.Context) (uint64, error) {
	var seq uint64
	err := l.db.db.View(func(txn *badger.Txn) (err error) {
		seq, err = l.edge(txn, false)
		return
	})
	return seq, err
}

func (l *EventLog) edge(txn *badger.Txn, last bool) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = eventPrefix
	opts.Reverse = last
	it := txn.NewIterator(opts)
	defer it.Close()
	start := eventPrefix
	if last {
		start = eventKey(^uint64(0))
	}
	it.Seek(start)
	if !it.ValidForPrefix(eventPrefix) {
		return 0, nil
	}
	key := it.Item().Key()
	if len(key) != len(eventPrefix)+8 {
		return 0, errors.New("malformed event key")
	}
	return binary.BigEndian.Uint64(key[len(eventPrefix):]), nil
}

// Trim deletes events with seq < before.
func (l *EventLog) Trim(ctx context.Context, before uint64) error {
	var keys [][]byte
	err := l.db.forEachKey(eventPrefix, func(key []byte) error {
		if binary.BigEndian.Uint64(key) >= before {
			return errStopIteration
		}
		keys = append(keys, eventKey(binary.BigEndian.Uint64(key)))
		return nil
	})
	if err != nil && err != errStopIteration {
		return err
	}
	wb := l.db.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

var errStopIteration = errors.New("stop")

// Close releases the compressor.
func (l *EventLog) Close() error {
	l.dec.Close()
	return l.enc.Close()
}
