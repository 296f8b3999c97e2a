package mst

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
)

// MemoryBlockstore keeps blocks in a map, usually for testing.
type MemoryBlockstore struct {
	l       sync.Mutex
	entries map[cid.Cid][]byte
}

// NewMemoryBlockstore provides an empty MemoryBlockstore.
func NewMemoryBlockstore() *MemoryBlockstore {
	return &MemoryBlockstore{entries: map[cid.Cid][]byte{}}
}

func (ms *MemoryBlockstore) Put(ctx context.Context, c cid.Cid, data []byte) error {
	ms.l.Lock()
	if _, ok := ms.entries[c]; !ok {
		ms.entries[c] = append([]byte(nil), data...)
	}
	ms.l.Unlock()
	return nil
}

func (ms *MemoryBlockstore) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	ms.l.Lock()
	data, ok := ms.entries[c]
	ms.l.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", c, ErrBlockNotFound)
	}
	return data, nil
}

func (ms *MemoryBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	ms.l.Lock()
	_, ok := ms.entries[c]
	ms.l.Unlock()
	return ok, nil
}

// ForEach calls f for every stored CID, in no particular order.
func (ms *MemoryBlockstore) ForEach(ctx context.Context, f func(cid.Cid) error) error {
	ms.l.Lock()
	cids := make([]cid.Cid, 0, len(ms.entries))
	for c := range ms.entries {
		cids = append(cids, c)
	}
	ms.l.Unlock()
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

func (ms *MemoryBlockstore) Delete(ctx context.Context, c cid.Cid) error {
	ms.l.Lock()
	delete(ms.entries, c)
	ms.l.Unlock()
	return nil
}

// Len is the number of stored blocks.
func (ms *MemoryBlockstore) Len() int {
	ms.l.Lock()
	defer ms.l.Unlock()
	return len(ms.entries)
}
