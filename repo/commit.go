package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/internal/dagcbor"
	"github.com/jrhy/pds/mst"
	"github.com/jrhy/pds/signing"
)

// CommitVersion is the only commit format version written or accepted.
const CommitVersion = 3

// Commit is a signed pointer from an account to its tree root, chained to the
// account's previous commit. Prev is nil only for the genesis commit.
type Commit struct {
	DID     string        `cbor:"did"`
	Version int64         `cbor:"version"`
	Data    dagcbor.Link  `cbor:"data"`
	Rev     string        `cbor:"rev"`
	Prev    *dagcbor.Link `cbor:"prev"`
	Sig     []byte        `cbor:"sig,omitempty"`
}

// Root is the CID of the tree the commit points at.
func (c *Commit) Root() cid.Cid { return cid.Cid(c.Data) }

// PrevCid is the previous commit, or cid.Undef for genesis.
func (c *Commit) PrevCid() cid.Cid { return c.Prev.Cid() }

// Unsigned encodes the commit without its signature. These are the bytes
// that get signed.
func (c *Commit) Unsigned() ([]byte, error) {
	u := *c
	u.Sig = nil
	return dagcbor.Marshal(&u)
}

// Block encodes the signed commit.
func (c *Commit) Block() (mst.Block, error) {
	if len(c.Sig) == 0 {
		return mst.Block{}, errors.New("commit is unsigned")
	}
	return dagcbor.Block(c)
}

// Verify reports whether the commit's signature is good for pub.
func (c *Commit) Verify(pub signing.PublicKey) bool {
	return VerifyCommit(c, pub) == nil
}

// SignCommit builds and signs the commit for root on top of prev.
func SignCommit(did string, root, prev cid.Cid, rev string, signer signing.Signer) (*Commit, error) {
	if !root.Defined() {
		return nil, errors.New("commit needs a root")
	}
	if _, _, err := ParseTID(rev); err != nil {
		return nil, fmt.Errorf("rev: %w", err)
	}
	c := &Commit{
		DID:     did,
		Version: CommitVersion,
		Data:    dagcbor.Link(root),
		Rev:     rev,
		Prev:    dagcbor.NewLink(prev),
	}
	unsigned, err := c.Unsigned()
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	c.Sig, err = signer.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return c, nil
}

// VerifyCommit checks the commit's signature with v.
func VerifyCommit(c *Commit, v signing.Verifier) error {
	if len(c.Sig) == 0 {
		return fmt.Errorf("unsigned: %w", signing.ErrBadSignature)
	}
	unsigned, err := c.Unsigned()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return v.Verify(unsigned, c.Sig)
}

// DecodeCommit parses an encoded commit.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	if err := dagcbor.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Version != CommitVersion {
		return nil, fmt.Errorf("unsupported commit version %d", c.Version)
	}
	if !c.Root().Defined() {
		return nil, errors.New("commit has no data")
	}
	return &c, nil
}

// LoadCommit reads and decodes the commit block c.
func LoadCommit(ctx context.Context, bs mst.Blockstore, c cid.Cid) (*Commit, error) {
	data, err := bs.Get(ctx, c)
	if err != nil {
		return nil, &CorruptChainError{Cid: c, Reason: "missing", Err: err}
	}
	if err := mst.VerifyBlock(c, data); err != nil {
		return nil, &CorruptChainError{Cid: c, Reason: "hash mismatch", Err: err}
	}
	commit, err := DecodeCommit(data)
	if err != nil {
		return nil, &CorruptChainError{Cid: c, Reason: "undecodable", Err: err}
	}
	return commit, nil
}

// Walk visits the commits from from back to genesis, newest first, loading
// each only as it is reached. f returns false to stop early; the walk can be
// resumed by calling Walk again on the last CID seen. A chain whose revisions
// do not strictly decrease, which includes any cycle, is corrupt.
func Walk(ctx context.Context, bs mst.Blockstore, from cid.Cid, f func(c cid.Cid, commit *Commit) (bool, error)) error {
	next := from
	var did, laterRev string
	for next.Defined() {
		if err := ctx.Err(); err != nil {
			return err
		}
		commit, err := LoadCommit(ctx, bs, next)
		if err != nil {
			return err
		}
		if did == "" {
			did = commit.DID
		} else if commit.DID != did {
			return &CorruptChainError{Cid: next, Reason: fmt.Sprintf("belongs to %s, not %s", commit.DID, did)}
		}
		if laterRev != "" && commit.Rev >= laterRev {
			return &CorruptChainError{Cid: next, Reason: fmt.Sprintf("rev %s does not precede %s", commit.Rev, laterRev)}
		}
		laterRev = commit.Rev
		more, err := f(next, commit)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		next = commit.PrevCid()
	}
	return nil
}
