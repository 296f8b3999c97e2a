package mst

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
)

// Overlay stages writes in memory on top of a base Blockstore. Reads see
// staged blocks first, then fall through to the base. Nothing reaches the
// base until the staged Blocks are written there by the caller.
type Overlay struct {
	base Blockstore

	l      sync.Mutex
	staged map[cid.Cid][]byte
	order  []cid.Cid
}

// NewOverlay stages writes over base.
func NewOverlay(base Blockstore) *Overlay {
	return &Overlay{base: base, staged: map[cid.Cid][]byte{}}
}

func (o *Overlay) Put(ctx context.Context, c cid.Cid, data []byte) error {
	o.l.Lock()
	defer o.l.Unlock()
	if _, ok := o.staged[c]; ok {
		return nil
	}
	o.staged[c] = append([]byte(nil), data...)
	o.order = append(o.order, c)
	return nil
}

func (o *Overlay) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	o.l.Lock()
	data, ok := o.staged[c]
	o.l.Unlock()
	if ok {
		return data, nil
	}
	return o.base.Get(ctx, c)
}

func (o *Overlay) Has(ctx context.Context, c cid.Cid) (bool, error) {
	o.l.Lock()
	_, ok := o.staged[c]
	o.l.Unlock()
	if ok {
		return true, nil
	}
	return o.base.Has(ctx, c)
}

// Blocks lists the staged blocks in the order they were first put.
func (o *Overlay) Blocks() []Block {
	o.l.Lock()
	defer o.l.Unlock()
	blocks := make([]Block, len(o.order))
	for i, c := range o.order {
		blocks[i] = Block{Cid: c, Data: o.staged[c]}
	}
	return blocks
}

// Commit writes every staged block to the base store, in staging order.
func (o *Overlay) Commit(ctx context.Context) error {
	for _, b := range o.Blocks() {
		if err := o.base.Put(ctx, b.Cid, b.Data); err != nil {
			return fmt.Errorf("put %s: %w", b.Cid, err)
		}
	}
	return nil
}

// IsNotFound reports whether err means a block was absent from a store.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBlockNotFound)
}
