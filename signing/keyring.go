package signing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoKey is returned for an account without a key valid at the requested
// revision.
var ErrNoKey = errors.New("no signing key")

// Keyring holds each account's signing keys. A key is valid for commits
// whose revision is not less than the key's Since, until the next key's
// Since.
type Keyring interface {
	// Signer returns the account's current key.
	Signer(ctx context.Context, did string) (Signer, error)
	// VerifierAt returns the public key that was current at rev.
	VerifierAt(ctx context.Context, did string, rev string) (Verifier, error)
	// Rotate makes key current for revisions from since onwards. since must
	// be greater than every earlier Since for the account.
	Rotate(ctx context.Context, did string, since string, key *PrivateKey) error
	// History lists the account's keys, oldest first.
	History(ctx context.Context, did string) ([]KeyEntry, error)
}

// KeyEntry is one key in an account's history.
type KeyEntry struct {
	Since string
	Key   *PrivateKey
}

// Find picks the entry valid at rev from a history sorted by Since.
func Find(history []KeyEntry, rev string) (KeyEntry, bool) {
	i := sort.Search(len(history), func(i int) bool { return history[i].Since > rev })
	if i == 0 {
		return KeyEntry{}, false
	}
	return history[i-1], true
}

// MemoryKeyring is a Keyring kept in a map, usually for testing.
type MemoryKeyring struct {
	l    sync.Mutex
	keys map[string][]KeyEntry
}

var _ Keyring = (*MemoryKeyring)(nil)

func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{keys: map[string][]KeyEntry{}}
}

func (k *MemoryKeyring) Signer(ctx context.Context, did string) (Signer, error) {
	k.l.Lock()
	defer k.l.Unlock()
	history := k.keys[did]
	if len(history) == 0 {
		return nil, fmt.Errorf("%s: %w", did, ErrNoKey)
	}
	return history[len(history)-1].Key, nil
}

func (k *MemoryKeyring) VerifierAt(ctx context.Context, did string, rev string) (Verifier, error) {
	k.l.Lock()
	defer k.l.Unlock()
	entry, ok := Find(k.keys[did], rev)
	if !ok {
		return nil, fmt.Errorf("%s at %s: %w", did, rev, ErrNoKey)
	}
	return entry.Key.Public(), nil
}

func (k *MemoryKeyring) Rotate(ctx context.Context, did string, since string, key *PrivateKey) error {
	k.l.Lock()
	defer k.l.Unlock()
	history := k.keys[did]
	if n := len(history); n > 0 && history[n-1].Since >= since {
		return fmt.Errorf("key since %s does not follow %s", since, history[n-1].Since)
	}
	k.keys[did] = append(history, KeyEntry{Since: since, Key: key})
	return nil
}

func (k *MemoryKeyring) History(ctx context.Context, did string) ([]KeyEntry, error) {
	k.l.Lock()
	defer k.l.Unlock()
	return append([]KeyEntry(nil), k.keys[did]...), nil
}
