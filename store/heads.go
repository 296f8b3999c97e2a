package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/repo"
	"google.golang.org/protobuf/encoding/protowire"
)

const headPrefix = "head/"

// Heads is the repo.HeadStore of the database.
type Heads struct {
	db *DB
}

var _ repo.HeadStore = (*Heads)(nil)

func (d *DB) Heads() *Heads {
	return &Heads{db: d}
}

// head record fields
const (
	headCommit protowire.Number = 1
	headRev    protowire.Number = 2
	headRoot   protowire.Number = 3
	headStatus protowire.Number = 4
)

func marshalHead(h repo.Head) []byte {
	var b []byte
	b = protowire.AppendTag(b, headCommit, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Commit.Bytes())
	b = protowire.AppendTag(b, headRev, protowire.BytesType)
	b = protowire.AppendString(b, h.Rev)
	b = protowire.AppendTag(b, headRoot, protowire.BytesType)
	b = protowire.AppendBytes(b, h.Root.Bytes())
	b = protowire.AppendTag(b, headStatus, protowire.BytesType)
	b = protowire.AppendString(b, string(h.Status))
	return b
}

func unmarshalHead(b []byte) (repo.Head, error) {
	var h repo.Head
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case headCommit:
			h.Commit, err = cid.Cast(v)
		case headRev:
			h.Rev = string(v)
		case headRoot:
			h.Root, err = cid.Cast(v)
		case headStatus:
			h.Status, err = repo.ParseStatus(string(v))
		}
		if err != nil {
			return h, fmt.Errorf("field %d: %w", num, err)
		}
	}
	if !h.Commit.Defined() || !h.Root.Defined() {
		return h, errors.New("head without commit or root")
	}
	return h, nil
}

func headKey(did string) []byte {
	return []byte(headPrefix + did)
}

func getHead(txn *badger.Txn, did string) (repo.Head, error) {
	item, err := txn.Get(headKey(did))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return repo.Head{}, fmt.Errorf("%s: %w", did, repo.ErrRepoNotFound)
	}
	if err != nil {
		return repo.Head{}, err
	}
	var h repo.Head
	err = item.Value(func(v []byte) error {
		h, err = unmarshalHead(v)
		return err
	})
	if err != nil {
		return repo.Head{}, fmt.Errorf("head of %s: %w", did, err)
	}
	return h, nil
}

func (hs *Heads) Get(ctx context.Context, did string) (repo.Head, error) {
	var h repo.Head
	err := hs.db.db.View(func(txn *badger.Txn) error {
		var err error
		h, err = getHead(txn, did)
		return err
	})
	return h, err
}

func (hs *Heads) Create(ctx context.Context, did string, head repo.Head) error {
	return hs.db.update(func(txn *badger.Txn) error {
		_, err := getHead(txn, did)
		if err == nil {
			return fmt.Errorf("%s: %w", did, repo.ErrRepoExists)
		}
		if !errors.Is(err, repo.ErrRepoNotFound) {
			return err
		}
		return txn.Set(headKey(did), marshalHead(head))
	})
}

func (hs *Heads) CompareAndSwap(ctx context.Context, did string, expected cid.Cid, next repo.Head) error {
	return hs.db.update(func(txn *badger.Txn) error {
		h, err := getHead(txn, did)
		if err != nil {
			return err
		}
		if !h.Commit.Equals(expected) {
			return &repo.StaleHeadError{DID: did, Expected: expected, Actual: h.Commit}
		}
		return txn.Set(headKey(did), marshalHead(next))
	})
}

func (hs *Heads) List(ctx context.Context, f func(did string, head repo.Head) error) error {
	var dids []string
	err := hs.db.forEachKey([]byte(headPrefix), func(key []byte) error {
		dids = append(dids, string(key))
		return nil
	})
	if err != nil {
		return err
	}
	for _, did := range dids {
		h, err := hs.Get(ctx, did)
		if errors.Is(err, repo.ErrRepoNotFound) {
			continue
		} else if err != nil {
			return err
		}
		if err := f(did, h); err != nil {
			return err
		}
	}
	return nil
}
