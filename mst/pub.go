package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// DefaultFanout is the number of possible base-fanout digit values used to
// derive key layers, when Config.Fanout is zero. Nodes average roughly this
// many entries.
const DefaultFanout = 16

// EmptyRoot is the root CID of every tree with no entries: the CID of a node
// with no keys and no link.
var EmptyRoot cid.Cid

func init() {
	encoded, err := marshalNode(emptyNode())
	if err != nil {
		panic(err)
	}
	EmptyRoot, err = CIDFor(cid.Raw, encoded)
	if err != nil {
		panic(err)
	}
}

// Blockstore is the content store trees and everything else live in. Blocks
// are immutable and addressed by the CID of their bytes.
type Blockstore interface {
	// Put stores data under c. Storing an existing block is not an error. The
	// block must be durable when Put returns.
	Put(ctx context.Context, c cid.Cid, data []byte) error
	// Get retrieves the block, or an error matching ErrBlockNotFound.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	// Has reports whether the block is stored.
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

// Reclaimer is implemented by blockstores whose unreachable blocks can be
// garbage-collected.
type Reclaimer interface {
	ForEach(ctx context.Context, f func(cid.Cid) error) error
	Delete(ctx context.Context, c cid.Cid) error
}

// Config sets the parameters of a tree. Fanout and KeyHash determine every
// node's contents, so trees can only be compared or diffed when they agree.
type Config struct {
	// Store holds the tree's nodes.
	Store Blockstore
	// Fanout is a power of two in [2, 256]. 0 means DefaultFanout.
	Fanout uint
	// KeyHash determines key layers.
	KeyHash KeyHash
	// NodeCache, optional, caches decoded nodes.
	NodeCache NodeCache
}

// Tree is a versioned map from string keys to CIDs. Mutations build new,
// unflushed nodes in memory; Flush writes them to the Store.
type Tree struct {
	root      interface{}
	height    int
	fanout    uint
	digitBits int
	keyHash   KeyHash
	store     Blockstore
	nodeCache NodeCache
}

// Mutation is one change in a batch passed to Apply. A Delete mutation
// ignores Value.
type Mutation struct {
	Key    string
	Value  cid.Cid
	Delete bool
	// Update requires the key to exist already.
	Update bool
}

// New creates an empty tree.
func New(cfg Config) (*Tree, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("no store")
	}
	if cfg.Fanout == 0 {
		cfg.Fanout = DefaultFanout
	}
	digitBits, err := checkFanout(cfg.Fanout)
	if err != nil {
		return nil, err
	}
	switch cfg.KeyHash {
	case SHA256, Blake2b:
	default:
		return nil, fmt.Errorf("unknown key hash %v", cfg.KeyHash)
	}
	return &Tree{
		fanout:    cfg.Fanout,
		digitBits: digitBits,
		keyHash:   cfg.KeyHash,
		store:     cfg.Store,
		nodeCache: cfg.NodeCache,
	}, nil
}

// NewInMemory returns an empty tree with default parameters over a new
// MemoryBlockstore.
func NewInMemory() *Tree {
	t, err := New(Config{Store: NewMemoryBlockstore()})
	if err != nil {
		panic(err)
	}
	return t
}

// Load opens the tree whose root node has the given CID. The root is read
// and validated; deeper nodes are read as they are needed.
func Load(ctx context.Context, root cid.Cid, cfg Config) (*Tree, error) {
	t, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if !root.Defined() {
		return nil, fmt.Errorf("undefined root")
	}
	height, nonEmpty, err := t.rootHeight(ctx, root)
	if err != nil {
		return nil, err
	}
	if !nonEmpty {
		return t, nil
	}
	n, err := t.loadPersisted(ctx, root, height, span{})
	if err != nil {
		return nil, err
	}
	if len(n.Key) == 0 {
		return nil, corrupt(root, "untrimmed root")
	}
	t.root = root
	t.height = height
	return t, nil
}

// Insert adds or replaces the value for key.
func (t *Tree) Insert(ctx context.Context, key string, value cid.Cid) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !value.Defined() {
		return fmt.Errorf("undefined value for %q", key)
	}
	keyLayer := t.keyLayer(key)
	oldRoot, oldHeight := t.root, t.height
	if t.root == nil {
		t.height = keyLayer
	} else {
		t.grow(keyLayer)
	}
	root, err := t.insert(ctx, t.root, t.height, span{}, key, value, keyLayer)
	if err != nil {
		t.root, t.height = oldRoot, oldHeight
		return fmt.Errorf("insert: %w", err)
	}
	t.root = root
	return nil
}

// Update replaces the value of an existing key.
func (t *Tree) Update(ctx context.Context, key string, value cid.Cid) error {
	_, found, err := t.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return &NotFoundError{Key: key}
	}
	return t.Insert(ctx, key, value)
}

// Delete removes key from the tree.
func (t *Tree) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	keyLayer := t.keyLayer(key)
	if t.root == nil || keyLayer > t.height {
		return &NotFoundError{Key: key}
	}
	root, err := t.remove(ctx, t.root, t.height, span{}, key, keyLayer)
	if err != nil {
		return err
	}
	oldRoot, oldHeight := t.root, t.height
	t.root = root
	if err := t.trim(ctx); err != nil {
		t.root, t.height = oldRoot, oldHeight
		return err
	}
	return nil
}

// Apply performs a batch of mutations. If any of them fails, the tree is left
// as it was.
func (t *Tree) Apply(ctx context.Context, mutations []Mutation) error {
	oldRoot, oldHeight := t.root, t.height
	for i, m := range mutations {
		var err error
		switch {
		case m.Delete:
			err = t.Delete(ctx, m.Key)
		case m.Update:
			err = t.Update(ctx, m.Key, m.Value)
		default:
			err = t.Insert(ctx, m.Key, m.Value)
		}
		if err != nil {
			t.root, t.height = oldRoot, oldHeight
			return fmt.Errorf("mutation %d: %w", i, err)
		}
	}
	return nil
}

// Get returns the value for key, if present.
func (t *Tree) Get(ctx context.Context, key string) (cid.Cid, bool, error) {
	if err := validateKey(key); err != nil {
		return cid.Undef, false, err
	}
	return t.find(ctx, key)
}

// Iter calls f for every entry in key order. An error from f stops the
// iteration and is returned.
func (t *Tree) Iter(ctx context.Context, f func(key string, value cid.Cid) error) error {
	return t.iter(ctx, t.root, t.height, span{}, "", f)
}

// IterFrom calls f for the entries whose keys are not less than from, in key
// order.
func (t *Tree) IterFrom(ctx context.Context, from string, f func(key string, value cid.Cid) error) error {
	return t.iter(ctx, t.root, t.height, span{}, from, f)
}

// Walk calls f for every persisted node reachable from the root, parents
// before children. Unflushed nodes are descended into but not reported.
func (t *Tree) Walk(ctx context.Context, f func(node cid.Cid, values []cid.Cid) error) error {
	return t.walkLinks(ctx, t.root, t.height, span{}, func(c cid.Cid, n *node) error {
		return f(c, n.Value)
	})
}

// Flush stores every unflushed node and returns the root CID.
func (t *Tree) Flush(ctx context.Context) (cid.Cid, error) {
	if t.root == nil {
		if _, err := t.storeNode(ctx, emptyNode()); err != nil {
			return cid.Undef, fmt.Errorf("store empty root: %w", err)
		}
		return EmptyRoot, nil
	}
	root, err := t.storeLink(ctx, t.root)
	if err != nil {
		return cid.Undef, fmt.Errorf("flush: %w", err)
	}
	t.root = root
	return root.(cid.Cid), nil
}

// IsDirty reports whether the tree has unflushed changes.
func (t *Tree) IsDirty() bool {
	_, ok := t.root.(*node)
	return ok
}

// Clone returns an independent version of the tree sharing all existing
// nodes.
func (t *Tree) Clone() *Tree {
	c := *t
	return &c
}

// WithStore returns a clone of the tree that reads and writes nodes in store.
func (t *Tree) WithStore(store Blockstore) *Tree {
	c := t.Clone()
	c.store = store
	return c
}

// Height is the layer of the tree's highest key, or 0 when empty.
func (t *Tree) Height() uint8 {
	return uint8(t.height)
}

// Fanout is the tree's configured fanout.
func (t *Tree) Fanout() uint {
	return t.fanout
}

// Size counts the tree's entries.
func (t *Tree) Size(ctx context.Context) (uint64, error) {
	var n uint64
	err := t.Iter(ctx, func(string, cid.Cid) error {
		n++
		return nil
	})
	return n, err
}

// String renders the tree's structure, for debugging.
func (t *Tree) String(ctx context.Context) (string, error) {
	return t.string(ctx, t.root, t.height, span{}, "")
}
