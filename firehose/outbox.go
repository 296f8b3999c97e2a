package firehose

import (
	"context"
	"sort"
	"sync"
)

// Outbox durably queues each account's events until they are sequenced.
// Frames are encoded with EncodePending.
type Outbox interface {
	// Push queues frame behind the account's other events and returns its
	// id. Ids of an account only grow, even after its queue empties.
	Push(ctx context.Context, did string, frame []byte) (uint64, error)
	// Pending calls f with the account's queued events in id order. An
	// empty did lists every account's, one account after another.
	Pending(ctx context.Context, did string, f func(did string, id uint64, frame []byte) error) error
	// Remove deletes a queued event. Removing a missing one is not an error.
	Remove(ctx context.Context, did string, id uint64) error
}

// MemoryOutbox is an Outbox kept in maps, for testing.
type MemoryOutbox struct {
	l      sync.Mutex
	lastID map[string]uint64
	queues map[string]map[uint64][]byte
}

var _ Outbox = (*MemoryOutbox)(nil)

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{lastID: map[string]uint64{}, queues: map[string]map[uint64][]byte{}}
}

func (m *MemoryOutbox) Push(ctx context.Context, did string, frame []byte) (uint64, error) {
	m.l.Lock()
	defer m.l.Unlock()
	m.lastID[did]++
	id := m.lastID[did]
	if m.queues[did] == nil {
		m.queues[did] = map[uint64][]byte{}
	}
	m.queues[did][id] = append([]byte(nil), frame...)
	return id, nil
}

type queued struct {
	did   string
	id    uint64
	frame []byte
}

func (m *MemoryOutbox) Pending(ctx context.Context, did string, f func(did string, id uint64, frame []byte) error) error {
	m.l.Lock()
	var all []queued
	for d, q := range m.queues {
		if did != "" && d != did {
			continue
		}
		for id, frame := range q {
			all = append(all, queued{d, id, frame})
		}
	}
	m.l.Unlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].did != all[j].did {
			return all[i].did < all[j].did
		}
		return all[i].id < all[j].id
	})
	for _, q := range all {
		if err := f(q.did, q.id, q.frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryOutbox) Remove(ctx context.Context, did string, id uint64) error {
	m.l.Lock()
	defer m.l.Unlock()
	delete(m.queues[did], id)
	if len(m.queues[did]) == 0 {
		delete(m.queues, did)
	}
	return nil
}
