package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/jrhy/pds/firehose"
)

const (
	outboxPrefix = "outq/"
	outboxIDs    = "outn/"
)

// Outbox is the firehose.Outbox of the database. Each account's last id is
// kept apart from its queue so that ids aren't reused once it empties.
type Outbox struct {
	db *DB
}

var _ firehose.Outbox = (*Outbox)(nil)

func (d *DB) Outbox() *Outbox {
	return &Outbox{db: d}
}

func outboxKey(did string, id uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(outboxPrefix+did+"/"), id)
}

func (o *Outbox) Push(ctx context.Context, did string, frame []byte) (uint64, error) {
	var id uint64
	err := o.db.update(func(txn *badger.Txn) error {
		counter := []byte(outboxIDs + did)
		id = 1
		item, err := txn.Get(counter)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			err = item.Value(func(v []byte) error {
				if len(v) != 8 {
					return fmt.Errorf("malformed outbox id for %s", did)
				}
				id = binary.BigEndian.Uint64(v) + 1
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := txn.Set(counter, binary.BigEndian.AppendUint64(nil, id)); err != nil {
			return err
		}
		return txn.Set(outboxKey(did, id), frame)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (o *Outbox) Pending(ctx context.Context, did string, f func(did string, id uint64, frame []byte) error) error {
	prefix := []byte(outboxPrefix)
	if did != "" {
		prefix = []byte(outboxPrefix + did + "/")
	}
	type entry struct {
		did   string
		id    uint64
		frame []byte
	}
	var entries []entry
	err := o.db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) < len(outboxPrefix)+9 {
				return fmt.Errorf("malformed outbox key %q", key)
			}
			frame, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, entry{
				did:   string(key[len(outboxPrefix) : len(key)-9]),
				id:    binary.BigEndian.Uint64(key[len(key)-8:]),
				frame: frame,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := f(e.did, e.id, e.frame); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) Remove(ctx context.Context, did string, id uint64) error {
	return o.db.update(func(txn *badger.Txn) error {
		return txn.Delete(outboxKey(did, id))
	})
}
