package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Block is an immutable chunk of bytes and the CID computed from them.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// CIDFor computes the CIDv1 of data under the given multicodec, using a
// sha2-256 multihash.
func CIDFor(codec uint64, data []byte) (cid.Cid, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("multihash: %w", err)
	}
	return cid.NewCidV1(codec, hash), nil
}

// NewBlock computes the CID for data and wraps both as a Block.
func NewBlock(codec uint64, data []byte) (Block, error) {
	c, err := CIDFor(codec, data)
	if err != nil {
		return Block{}, err
	}
	return Block{Cid: c, Data: data}, nil
}

// PutBlock stores data under its computed CID and returns the CID.
func PutBlock(ctx context.Context, bs Blockstore, codec uint64, data []byte) (cid.Cid, error) {
	c, err := CIDFor(codec, data)
	if err != nil {
		return cid.Undef, err
	}
	if err := bs.Put(ctx, c, data); err != nil {
		return cid.Undef, fmt.Errorf("put %s: %w", c, err)
	}
	return c, nil
}

// VerifyBlock checks that data hashes to c.
func VerifyBlock(c cid.Cid, data []byte) error {
	computed, err := c.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("sum %s: %w", c, err)
	}
	if !computed.Equals(c) {
		return fmt.Errorf("block %s hashes to %s", c, computed)
	}
	return nil
}
