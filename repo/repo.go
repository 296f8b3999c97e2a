// Package repo keeps each account's records in a Merkle Search Tree, chains
// the tree's roots into signed commits and moves the account's head from one
// commit to the next.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/internal/dagcbor"
	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/signing"
	"github.com/sirupsen/logrus"
)

// Config wires an Engine to its storage.
type Config struct {
	// Blocks returns the account's block namespace.
	Blocks func(did string) mst.Blockstore
	Heads  HeadStore
	Keys   signing.Keyring
	// Tree parameters, shared by every account.
	Fanout    uint
	KeyHash   mst.KeyHash
	NodeCache mst.NodeCache
	// MaxBlobSize, if positive, bounds the size of referenced blobs.
	MaxBlobSize int64
	// Clock issues revisions. Nil means NewClock(0).
	Clock  *Clock
	Logger *logrus.Logger
}

// Engine applies batches of record writes to repositories. It does not lock
// accounts: concurrent writers to one account are serialized by the head
// compare-and-swap, and the loser gets a *StaleHeadError.
type Engine struct {
	cfg Config
	log *logrus.Logger
}

// WriteOptions describe who is writing and against which head.
type WriteOptions struct {
	// Actor is the authenticated account making the request.
	Actor string
	// SwapCommit, if defined, must be the current head commit.
	SwapCommit cid.Cid
	// BeforeSwap, if set, is called with the commit once its blocks are
	// stored and before the head moves to it. An error abandons the commit.
	BeforeSwap func(ctx context.Context, res *CommitResult) error
}

// CommitResult describes a successful commit for hand-off to the firehose.
type CommitResult struct {
	DID    string
	Commit *Commit
	Cid    cid.Cid
	Rev    string
	// Since is the previous commit's rev, empty for genesis.
	Since string
	// Prev is the previous commit, undefined for genesis.
	Prev cid.Cid
	// PrevData is the previous tree root, undefined for genesis.
	PrevData cid.Cid
	Ops      []RepoOp
	Blobs    []BlobRef
	// Blocks are the blocks the commit added: records, tree nodes and the
	// commit itself.
	Blocks []mst.Block
}

// Record is one entry of ListRecords.
type Record struct {
	Path string
	Cid  cid.Cid
	Data []byte
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Blocks == nil || cfg.Heads == nil || cfg.Keys == nil {
		return nil, errors.New("engine needs blocks, heads and keys")
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock(0)
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{cfg: cfg, log: log}
	// reject bad tree parameters now rather than on first write
	if _, err := e.tree(mst.NewMemoryBlockstore(), nil); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) treeConfig(store mst.Blockstore, cache mst.NodeCache) mst.Config {
	return mst.Config{
		Store:     store,
		Fanout:    e.cfg.Fanout,
		KeyHash:   e.cfg.KeyHash,
		NodeCache: cache,
	}
}

// nodeCache is the account's part of the shared node cache, or nil.
func (e *Engine) nodeCache(did string) mst.NodeCache {
	if e.cfg.NodeCache == nil {
		return nil
	}
	return mst.Namespace(e.cfg.NodeCache, did)
}

func (e *Engine) tree(store mst.Blockstore, cache mst.NodeCache) (*mst.Tree, error) {
	return mst.New(e.treeConfig(store, cache))
}

func (e *Engine) loadTree(ctx context.Context, store mst.Blockstore, cache mst.NodeCache, root cid.Cid) (*mst.Tree, error) {
	return mst.Load(ctx, root, e.treeConfig(store, cache))
}

// CreateRepo makes the genesis commit of an empty repository, signed with
// the account's current key from the keyring.
func (e *Engine) CreateRepo(ctx context.Context, did string) (*CommitResult, error) {
	if did == "" {
		return nil, invalid(nil, "empty did")
	}
	if _, err := e.cfg.Heads.Get(ctx, did); err == nil {
		return nil, invalid(ErrRepoExists, "%s", did)
	} else if !errors.Is(err, ErrRepoNotFound) {
		return nil, &StorageError{Op: "get head", Err: err}
	}
	signer, err := e.cfg.Keys.Signer(ctx, did)
	if err != nil {
		return nil, invalid(err, "no key for %s", did)
	}
	overlay := mst.NewOverlay(e.cfg.Blocks(did))
	staged := mst.NewStagedCache(e.nodeCache(did))
	t, err := e.tree(overlay, staged)
	if err != nil {
		return nil, err
	}
	root, err := t.Flush(ctx)
	if err != nil {
		return nil, err
	}
	res, err := e.commit(ctx, did, overlay, root, Head{}, signer)
	if err != nil {
		return nil, err
	}
	staged.Commit()
	err = e.cfg.Heads.Create(ctx, did, Head{Commit: res.Cid, Rev: res.Rev, Root: root, Status: StatusActive})
	if errors.Is(err, ErrRepoExists) {
		return nil, invalid(err, "%s", did)
	} else if err != nil {
		return nil, &StorageError{Op: "create head", Err: err}
	}
	e.log.WithFields(logrus.Fields{"did": did, "commit": res.Cid, "rev": res.Rev}).Info("repo created")
	return res, nil
}

// ApplyWrites applies writes to did's repository as one commit. Either the
// whole batch is committed and the head advanced, or nothing is.
func (e *Engine) ApplyWrites(ctx context.Context, did string, writes []WriteOp, opts WriteOptions) (*CommitResult, error) {
	if opts.Actor == "" || opts.Actor != did {
		return nil, invalid(nil, "%q may not write to %s", opts.Actor, did)
	}
	if len(writes) == 0 {
		return nil, invalid(nil, "no writes")
	}
	seen := map[string]bool{}
	var blobs []BlobRef
	for i, op := range writes {
		if err := op.validate(e.cfg.MaxBlobSize); err != nil {
			return nil, invalid(err, "write %d", i)
		}
		if seen[op.Path()] {
			return nil, invalid(nil, "write %d: %s written twice", i, op.Path())
		}
		seen[op.Path()] = true
		blobs = append(blobs, op.Blobs...)
	}

	head, err := e.activeHead(ctx, did)
	if err != nil {
		return nil, err
	}
	if opts.SwapCommit.Defined() && !opts.SwapCommit.Equals(head.Commit) {
		return nil, &StaleHeadError{DID: did, Expected: opts.SwapCommit, Actual: head.Commit}
	}
	signer, err := e.cfg.Keys.Signer(ctx, did)
	if err != nil {
		return nil, invalid(err, "no key for %s", did)
	}

	overlay := mst.NewOverlay(e.cfg.Blocks(did))
	staged := mst.NewStagedCache(e.nodeCache(did))
	before, err := e.loadTree(ctx, overlay, staged, head.Root)
	if err != nil {
		return nil, err
	}
	after := before.Clone()
	mutations := make([]mst.Mutation, 0, len(writes))
	for i, op := range writes {
		m := mst.Mutation{Key: op.Path()}
		switch op.Action {
		case ActionCreate:
			_, found, err := before.Get(ctx, m.Key)
			if err != nil {
				return nil, err
			}
			if found {
				return nil, invalid(nil, "write %d: %s already exists", i, m.Key)
			}
		case ActionUpdate:
			m.Update = true
		case ActionDelete:
			m.Delete = true
		}
		if op.Record != nil {
			b, err := dagcbor.Block(op.Record)
			if err != nil {
				return nil, invalid(err, "write %d: record", i)
			}
			if err := overlay.Put(ctx, b.Cid, b.Data); err != nil {
				return nil, err
			}
			m.Value = b.Cid
		}
		mutations = append(mutations, m)
	}
	if err := after.Apply(ctx, mutations); err != nil {
		if errors.Is(err, mst.ErrNotFound) {
			return nil, invalid(err, "record")
		}
		return nil, err
	}
	root, err := after.Flush(ctx)
	if err != nil {
		return nil, err
	}
	changes, err := mst.Diff(ctx, before, after)
	if err != nil {
		return nil, err
	}

	res, err := e.commit(ctx, did, overlay, root, head, signer)
	if err != nil {
		return nil, err
	}
	staged.Commit()
	res.Ops = repoOps(changes)
	res.Blobs = blobs
	if opts.BeforeSwap != nil {
		if err := opts.BeforeSwap(ctx, res); err != nil {
			return nil, err
		}
	}
	next := Head{Commit: res.Cid, Rev: res.Rev, Root: root, Status: head.Status}
	if err := e.cfg.Heads.CompareAndSwap(ctx, did, head.Commit, next); err != nil {
		var stale *StaleHeadError
		if errors.As(err, &stale) {
			return nil, err
		}
		return nil, &StorageError{Op: "swap head", Err: err}
	}
	e.log.WithFields(logrus.Fields{
		"did":    did,
		"commit": res.Cid,
		"rev":    res.Rev,
		"ops":    len(res.Ops),
		"blocks": len(res.Blocks),
	}).Debug("commit")
	return res, nil
}

// commit signs a commit for root on top of head, stages it and writes every
// staged block to the account's store. The head is not moved.
func (e *Engine) commit(ctx context.Context, did string, overlay *mst.Overlay, root cid.Cid, head Head, signer signing.Signer) (*CommitResult, error) {
	rev := e.cfg.Clock.NextAfter(head.Rev)
	c, err := SignCommit(did, root, head.Commit, rev, signer)
	if err != nil {
		return nil, err
	}
	b, err := c.Block()
	if err != nil {
		return nil, err
	}
	if err := overlay.Put(ctx, b.Cid, b.Data); err != nil {
		return nil, err
	}
	if err := overlay.Commit(ctx); err != nil {
		return nil, &StorageError{Op: "put blocks", Err: err}
	}
	res := &CommitResult{
		DID:    did,
		Commit: c,
		Cid:    b.Cid,
		Rev:    rev,
		Since:  head.Rev,
		Prev:   head.Commit,
		Blocks: overlay.Blocks(),
	}
	if head.Commit.Defined() {
		res.PrevData = head.Root
	}
	return res, nil
}

func repoOps(changes []mst.Change) []RepoOp {
	ops := make([]RepoOp, len(changes))
	for i, c := range changes {
		op := RepoOp{Path: c.Key, Cid: c.To, Prev: c.From}
		switch {
		case c.IsCreate():
			op.Action = ActionCreate
		case c.IsDelete():
			op.Action = ActionDelete
		default:
			op.Action = ActionUpdate
		}
		ops[i] = op
	}
	return ops
}

func (e *Engine) activeHead(ctx context.Context, did string) (Head, error) {
	head, err := e.head(ctx, did)
	if err != nil {
		return Head{}, err
	}
	if head.Status != StatusActive {
		return Head{}, invalid(ErrRepoInactive, "%s is %s", did, head.Status)
	}
	return head, nil
}

func (e *Engine) head(ctx context.Context, did string) (Head, error) {
	head, err := e.cfg.Heads.Get(ctx, did)
	if errors.Is(err, ErrRepoNotFound) {
		return Head{}, invalid(err, "%s", did)
	} else if err != nil {
		return Head{}, &StorageError{Op: "get head", Err: err}
	}
	return head, nil
}

// Head returns the account's current head, whatever its status.
func (e *Engine) Head(ctx context.Context, did string) (Head, error) {
	return e.head(ctx, did)
}

// GetRecord reads one record at the current head.
func (e *Engine) GetRecord(ctx context.Context, did, collection, rkey string) (Record, error) {
	head, err := e.readableHead(ctx, did)
	if err != nil {
		return Record{}, err
	}
	store := e.cfg.Blocks(did)
	t, err := e.loadTree(ctx, store, e.nodeCache(did), head.Root)
	if err != nil {
		return Record{}, err
	}
	path := collection + "/" + rkey
	c, found, err := t.Get(ctx, path)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, &mst.NotFoundError{Key: path}
	}
	data, err := store.Get(ctx, c)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", path, err)
	}
	return Record{Path: path, Cid: c, Data: data}, nil
}

var errStop = errors.New("stop")

// ListRecords lists up to limit records of a collection in key order,
// starting after the record key cursor. The returned cursor is empty when
// there are no more records.
func (e *Engine) ListRecords(ctx context.Context, did, collection string, limit int, cursor string) ([]Record, string, error) {
	if err := ValidateNSID(collection); err != nil {
		return nil, "", invalid(err, "list")
	}
	if limit <= 0 {
		limit = 50
	}
	head, err := e.readableHead(ctx, did)
	if err != nil {
		return nil, "", err
	}
	store := e.cfg.Blocks(did)
	t, err := e.loadTree(ctx, store, e.nodeCache(did), head.Root)
	if err != nil {
		return nil, "", err
	}
	prefix := collection + "/"
	from := prefix
	if cursor != "" {
		// the smallest key after prefix+cursor
		from = prefix + cursor + "\x00"
	}
	var records []Record
	more := false
	err = t.IterFrom(ctx, from, func(key string, value cid.Cid) error {
		if !strings.HasPrefix(key, prefix) {
			return errStop
		}
		if len(records) == limit {
			more = true
			return errStop
		}
		data, err := store.Get(ctx, value)
		if err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		records = append(records, Record{Path: key, Cid: value, Data: data})
		return nil
	})
	if err != nil && err != errStop {
		return nil, "", err
	}
	next := ""
	if more {
		next = strings.TrimPrefix(records[len(records)-1].Path, prefix)
	}
	return records, next, nil
}

func (e *Engine) readableHead(ctx context.Context, did string) (Head, error) {
	head, err := e.head(ctx, did)
	if err != nil {
		return Head{}, err
	}
	if head.Status == StatusDeleted {
		return Head{}, invalid(ErrRepoDeleted, "%s", did)
	}
	return head, nil
}

// SetStatus changes an account's hosting status. Use Tombstone to delete.
func (e *Engine) SetStatus(ctx context.Context, did string, status Status) (Head, error) {
	if status == StatusDeleted {
		return Head{}, invalid(nil, "use Tombstone to delete %s", did)
	}
	if _, err := ParseStatus(string(status)); err != nil {
		return Head{}, invalid(err, "status")
	}
	return e.swapStatus(ctx, did, status)
}

// Tombstone marks the repository deleted. It can't be undone.
func (e *Engine) Tombstone(ctx context.Context, did string) (Head, error) {
	return e.swapStatus(ctx, did, StatusDeleted)
}

func (e *Engine) swapStatus(ctx context.Context, did string, status Status) (Head, error) {
	head, err := e.head(ctx, did)
	if err != nil {
		return Head{}, err
	}
	if head.Status == StatusDeleted {
		return Head{}, invalid(ErrRepoDeleted, "%s", did)
	}
	next := head
	next.Status = status
	if err := e.cfg.Heads.CompareAndSwap(ctx, did, head.Commit, next); err != nil {
		var stale *StaleHeadError
		if errors.As(err, &stale) {
			return Head{}, err
		}
		return Head{}, &StorageError{Op: "swap head", Err: err}
	}
	e.log.WithFields(logrus.Fields{"did": did, "status": status}).Info("status changed")
	return next, nil
}

// Export returns every block reachable from the head: the commit chain, then
// the current tree's nodes and records.
func (e *Engine) Export(ctx context.Context, did string) ([]mst.Block, error) {
	head, err := e.readableHead(ctx, did)
	if err != nil {
		return nil, err
	}
	store := e.cfg.Blocks(did)
	var blocks []mst.Block
	add := func(c cid.Cid) error {
		data, err := store.Get(ctx, c)
		if err != nil {
			return fmt.Errorf("export %s: %w", c, err)
		}
		blocks = append(blocks, mst.Block{Cid: c, Data: data})
		return nil
	}
	err = Walk(ctx, store, head.Commit, func(c cid.Cid, _ *Commit) (bool, error) {
		return true, add(c)
	})
	if err != nil {
		return nil, err
	}
	t, err := e.loadTree(ctx, store, e.nodeCache(did), head.Root)
	if err != nil {
		return nil, err
	}
	seen := map[cid.Cid]bool{}
	err = t.Walk(ctx, func(node cid.Cid, values []cid.Cid) error {
		for _, c := range append([]cid.Cid{node}, values...) {
			if seen[c] {
				continue
			}
			seen[c] = true
			if err := add(c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}

// VerifyHistory walks the account's commit chain, checking each commit's
// signature against the key that was current at its rev. It returns the
// number of commits, which is the head's depth plus one.
func (e *Engine) VerifyHistory(ctx context.Context, did string) (int, error) {
	head, err := e.head(ctx, did)
	if err != nil {
		return 0, err
	}
	n := 0
	err = Walk(ctx, e.cfg.Blocks(did), head.Commit, func(c cid.Cid, commit *Commit) (bool, error) {
		v, err := e.cfg.Keys.VerifierAt(ctx, did, commit.Rev)
		if err != nil {
			return false, fmt.Errorf("commit %s: %w", c, err)
		}
		if err := VerifyCommit(commit, v); err != nil {
			return false, fmt.Errorf("commit %s rev %s: %w", c, commit.Rev, err)
		}
		n++
		return true, nil
	})
	return n, err
}

// HasCommit reports whether c, made at rev, is the account's head commit or
// one of its ancestors.
func (e *Engine) HasCommit(ctx context.Context, did string, c cid.Cid, rev string) (bool, error) {
	head, err := e.head(ctx, did)
	if err != nil {
		return false, err
	}
	found := false
	err = Walk(ctx, e.cfg.Blocks(did), head.Commit, func(at cid.Cid, commit *Commit) (bool, error) {
		if at.Equals(c) {
			found = true
			return false, nil
		}
		return commit.Rev > rev, nil
	})
	return found, err
}
