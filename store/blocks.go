package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/mst"
)

// Blockstore is one account's block namespace.
type Blockstore struct {
	db     *DB
	prefix []byte
}

var (
	_ mst.Blockstore = (*Blockstore)(nil)
	_ mst.Reclaimer  = (*Blockstore)(nil)
)

// Blockstore returns did's block namespace.
func (d *DB) Blockstore(did string) *Blockstore {
	return &Blockstore{db: d, prefix: []byte("blk/" + did + "/")}
}

func (b *Blockstore) key(c cid.Cid) []byte {
	return append(append([]byte(nil), b.prefix...), c.Bytes()...)
}

func (b *Blockstore) Put(ctx context.Context, c cid.Cid, data []byte) error {
	key := b.key(c)
	return b.db.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, append([]byte(nil), data...))
	})
}

func (b *Blockstore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	var data []byte
	err := b.db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(c))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", c, mst.ErrBlockNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", c, err)
	}
	return data, nil
}

func (b *Blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	err := b.db.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.key(c))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *Blockstore) ForEach(ctx context.Context, f func(cid.Cid) error) error {
	// collect first so f may delete
	var cids []cid.Cid
	err := b.db.forEachKey(b.prefix, func(key []byte) error {
		c, err := cid.Cast(key)
		if err != nil {
			return fmt.Errorf("bad block key %x: %w", key, err)
		}
		cids = append(cids, c)
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range cids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := f(c); err != nil {
			return err
		}
	}
	return nil
}

func (b *Blockstore) Delete(ctx context.Context, c cid.Cid) error {
	return b.db.update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(c))
	})
}
