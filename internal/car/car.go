// Package car reads and writes CAR v1 archives: a dag-cbor header naming
// the root CIDs, then each block as a varint length, the CID and the data.
package car

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/internal/dagcbor"
	"github.com/jrhy/pds/mst"
	"github.com/multiformats/go-varint"
)

type header struct {
	Roots   []dagcbor.Link `cbor:"roots"`
	Version int64          `cbor:"version"`
}

// Encode writes roots and blocks, in the given order.
func Encode(roots []cid.Cid, blocks []mst.Block) ([]byte, error) {
	h, err := dagcbor.Marshal(header{Roots: dagcbor.Links(roots), Version: 1})
	if err != nil {
		return nil, fmt.Errorf("car header: %w", err)
	}
	size := varint.UvarintSize(uint64(len(h))) + len(h)
	for _, b := range blocks {
		n := b.Cid.ByteLen() + len(b.Data)
		size += varint.UvarintSize(uint64(n)) + n
	}
	buf := make([]byte, 0, size)
	buf = append(buf, varint.ToUvarint(uint64(len(h)))...)
	buf = append(buf, h...)
	for _, b := range blocks {
		cb := b.Cid.Bytes()
		buf = append(buf, varint.ToUvarint(uint64(len(cb)+len(b.Data)))...)
		buf = append(buf, cb...)
		buf = append(buf, b.Data...)
	}
	return buf, nil
}

// Decode parses an archive, verifying every block against its CID.
func Decode(data []byte) ([]cid.Cid, []mst.Block, error) {
	section := func() ([]byte, error) {
		n, l, err := varint.FromUvarint(data)
		if err != nil {
			return nil, err
		}
		data = data[l:]
		if n > uint64(len(data)) {
			return nil, errors.New("section overruns archive")
		}
		s := data[:n]
		data = data[n:]
		return s, nil
	}
	hb, err := section()
	if err != nil {
		return nil, nil, fmt.Errorf("car header: %w", err)
	}
	var h header
	if err := dagcbor.Unmarshal(hb, &h); err != nil {
		return nil, nil, fmt.Errorf("car header: %w", err)
	}
	if h.Version != 1 {
		return nil, nil, fmt.Errorf("car version %d", h.Version)
	}
	var blocks []mst.Block
	for len(data) > 0 {
		s, err := section()
		if err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", len(blocks), err)
		}
		n, c, err := cid.CidFromBytes(s)
		if err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", len(blocks), err)
		}
		if err := mst.VerifyBlock(c, s[n:]); err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", len(blocks), err)
		}
		blocks = append(blocks, mst.Block{Cid: c, Data: s[n:]})
	}
	return dagcbor.Cids(h.Roots), blocks, nil
}
