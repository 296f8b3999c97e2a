package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
)

// Status is an account's hosting state.
type Status string

const (
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
	StatusTakenDown   Status = "takendown"
	StatusSuspended   Status = "suspended"
	// StatusDeleted is terminal.
	StatusDeleted Status = "deleted"
)

// ParseStatus accepts the name of any status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusDeactivated, StatusTakenDown, StatusSuspended, StatusDeleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Head is an account's current commit and the state derived from it.
type Head struct {
	Commit cid.Cid
	Rev    string
	Root   cid.Cid
	Status Status
}

// HeadStore keeps one Head per account. Heads only move by compare-and-swap
// on the commit CID.
type HeadStore interface {
	// Get returns an error matching ErrRepoNotFound for unknown accounts.
	Get(ctx context.Context, did string) (Head, error)
	// Create records the first head; ErrRepoExists if there already is one.
	Create(ctx context.Context, did string, head Head) error
	// CompareAndSwap replaces the head if its commit is still expected, and
	// otherwise returns a *StaleHeadError.
	CompareAndSwap(ctx context.Context, did string, expected cid.Cid, next Head) error
	// List calls f for each account, ordered by DID.
	List(ctx context.Context, f func(did string, head Head) error) error
}

// MemoryHeads is a HeadStore kept in a map.
type MemoryHeads struct {
	l     sync.Mutex
	heads map[string]Head
}

var _ HeadStore = (*MemoryHeads)(nil)

func NewMemoryHeads() *MemoryHeads {
	return &MemoryHeads{heads: map[string]Head{}}
}

func (m *MemoryHeads) Get(ctx context.Context, did string) (Head, error) {
	m.l.Lock()
	defer m.l.Unlock()
	h, ok := m.heads[did]
	if !ok {
		return Head{}, fmt.Errorf("%s: %w", did, ErrRepoNotFound)
	}
	return h, nil
}

func (m *MemoryHeads) Create(ctx context.Context, did string, head Head) error {
	m.l.Lock()
	defer m.l.Unlock()
	if _, ok := m.heads[did]; ok {
		return fmt.Errorf("%s: %w", did, ErrRepoExists)
	}
	m.heads[did] = head
	return nil
}

func (m *MemoryHeads) CompareAndSwap(ctx context.Context, did string, expected cid.Cid, next Head) error {
	m.l.Lock()
	defer m.l.Unlock()
	h, ok := m.heads[did]
	if !ok {
		return fmt.Errorf("%s: %w", did, ErrRepoNotFound)
	}
	if !h.Commit.Equals(expected) {
		return &StaleHeadError{DID: did, Expected: expected, Actual: h.Commit}
	}
	m.heads[did] = next
	return nil
}

func (m *MemoryHeads) List(ctx context.Context, f func(did string, head Head) error) error {
	m.l.Lock()
	dids := make([]string, 0, len(m.heads))
	for did := range m.heads {
		dids = append(dids, did)
	}
	m.l.Unlock()
	sort.Strings(dids)
	for _, did := range dids {
		h, err := m.Get(ctx, did)
		if err != nil {
			continue
		}
		if err := f(did, h); err != nil {
			return err
		}
	}
	return nil
}
