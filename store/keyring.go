package store

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/jrhy/pds/signing"
)

// Keyring is the signing.Keyring of the database. Private keys are stored
// unencrypted.
type Keyring struct {
	db *DB
}

var _ signing.Keyring = (*Keyring)(nil)

func (d *DB) Keyring() *Keyring {
	return &Keyring{db: d}
}

func keyPrefix(did string) []byte {
	return []byte("key/" + did + "/")
}

func (k *Keyring) history(txn *badger.Txn, did string) ([]signing.KeyEntry, error) {
	prefix := keyPrefix(did)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	var history []signing.KeyEntry
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		since := string(item.Key()[len(prefix):])
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		key, err := signing.ParsePrivateKey(string(v))
		if err != nil {
			return nil, fmt.Errorf("key %s since %q: %w", did, since, err)
		}
		history = append(history, signing.KeyEntry{Since: since, Key: key})
	}
	return history, nil
}

func (k *Keyring) History(ctx context.Context, did string) ([]signing.KeyEntry, error) {
	var history []signing.KeyEntry
	err := k.db.db.View(func(txn *badger.Txn) error {
		var err error
		history, err = k.history(txn, did)
		return err
	})
	return history, err
}

func (k *Keyring) Signer(ctx context.Context, did string) (signing.Signer, error) {
	history, err := k.History(ctx, did)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%s: %w", did, signing.ErrNoKey)
	}
	return history[len(history)-1].Key, nil
}

func (k *Keyring) VerifierAt(ctx context.Context, did string, rev string) (signing.Verifier, error) {
	history, err := k.History(ctx, did)
	if err != nil {
		return nil, err
	}
	entry, ok := signing.Find(history, rev)
	if !ok {
		return nil, fmt.Errorf("%s at %s: %w", did, rev, signing.ErrNoKey)
	}
	return entry.Key.Public(), nil
}

func (k *Keyring) Rotate(ctx context.Context, did string, since string, key *signing.PrivateKey) error {
	return k.db.update(func(txn *badger.Txn) error {
		history, err := k.history(txn, did)
		if err != nil {
			return err
		}
		if n := len(history); n > 0 && history[n-1].Since >= since {
			return fmt.Errorf("key since %s does not follow %s", since, history[n-1].Since)
		}
		return txn.Set(append(keyPrefix(did), since...), []byte(key.String()))
	})
}
