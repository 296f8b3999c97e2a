package mst

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// nodeInfo is a decoded node plus the layer all of its keys share, or -1
// when it holds no keys. It is immutable once cached.
type nodeInfo struct {
	*node
	layer int
}

// span is the open interval of keys a subtree may hold, between the keys of
// its parents on either side. An empty bound is open; keys are never empty.
type span struct {
	lo, hi string
}

// child is the span of n's link i, where n's own span is s.
func (s span) child(n *node, i int) span {
	c := s
	if i > 0 {
		c.lo = n.Key[i-1]
	}
	if i < len(n.Key) {
		c.hi = n.Key[i]
	}
	return c
}

func (t *Tree) load(ctx context.Context, link interface{}, height int, s span) (*node, error) {
	switch l := link.(type) {
	case *node:
		return l, nil
	case cid.Cid:
		return t.loadPersisted(ctx, l, height, s)
	default:
		return nil, fmt.Errorf("unknown link type %T", l)
	}
}

// loadPersisted fetches, decodes and validates the node with the given CID,
// which is expected to sit at the given height with its keys inside s.
func (t *Tree) loadPersisted(ctx context.Context, c cid.Cid, height int, s span) (*node, error) {
	info, err := t.decodePersisted(ctx, c)
	if err != nil {
		return nil, err
	}
	if info.layer >= 0 && info.layer != height {
		return nil, corrupt(c, "keys at layer %d in node at height %d", info.layer, height)
	}
	if info.layer < 0 && info.Link[0] == nil {
		return nil, corrupt(c, "empty node below root")
	}
	if height == 0 {
		for _, l := range info.Link {
			if l != nil {
				return nil, corrupt(c, "leaf node has a link")
			}
		}
	}
	if k := len(info.Key); k > 0 {
		if s.lo != "" && info.Key[0] <= s.lo {
			return nil, corrupt(c, "key %q belongs left of %q", info.Key[0], s.lo)
		}
		if s.hi != "" && info.Key[k-1] >= s.hi {
			return nil, corrupt(c, "key %q belongs right of %q", info.Key[k-1], s.hi)
		}
	}
	return info.node, nil
}

func (t *Tree) decodePersisted(ctx context.Context, c cid.Cid) (*nodeInfo, error) {
	if t.nodeCache != nil {
		if cached, ok := t.nodeCache.Get(c); ok {
			return cached.(*nodeInfo), nil
		}
	}
	data, err := t.store.Get(ctx, c)
	if err != nil {
		if errors.Is(err, ErrBlockNotFound) {
			return nil, &CorruptTreeError{Cid: c, Reason: "missing node", Err: err}
		}
		return nil, fmt.Errorf("load %s: %w", c, err)
	}
	var n node
	if err := unmarshalNode(data, &n); err != nil {
		return nil, &CorruptTreeError{Cid: c, Reason: "undecodable", Err: err}
	}
	info := &nodeInfo{node: &n, layer: -1}
	for i, key := range n.Key {
		if err := validateKey(key); err != nil {
			return nil, &CorruptTreeError{Cid: c, Reason: fmt.Sprintf("key %d", i), Err: err}
		}
		if i > 0 && n.Key[i-1] >= key {
			return nil, corrupt(c, "keys out of order at %d", i)
		}
		layer := int(layerOf(t.keyHash.sum(key), t.digitBits))
		if i == 0 {
			info.layer = layer
		} else if layer != info.layer {
			return nil, corrupt(c, "key %q at layer %d, others at %d", key, layer, info.layer)
		}
	}
	if t.nodeCache != nil {
		t.nodeCache.Add(c, info)
	}
	return info, nil
}

// rootHeight finds the height of a persisted root by descending through
// keyless nodes to the first one holding a key.
func (t *Tree) rootHeight(ctx context.Context, c cid.Cid) (int, bool, error) {
	info, err := t.decodePersisted(ctx, c)
	if err != nil {
		return 0, false, err
	}
	if info.layer >= 0 {
		return info.layer, true, nil
	}
	if info.Link[0] == nil {
		return 0, false, nil
	}
	child, ok := info.Link[0].(cid.Cid)
	if !ok {
		return 0, false, corrupt(c, "bad link")
	}
	h, nonEmpty, err := t.rootHeight(ctx, child)
	if err != nil {
		return 0, false, err
	}
	if !nonEmpty {
		return 0, false, corrupt(child, "empty node below root")
	}
	if h >= 255 {
		return 0, false, corrupt(c, "tree too tall")
	}
	return h + 1, true, nil
}

// storeLink writes out every dirty node reachable from link and returns the
// link's CID.
func (t *Tree) storeLink(ctx context.Context, link interface{}) (interface{}, error) {
	n, ok := link.(*node)
	if !ok {
		return link, nil
	}
	persisted := &node{
		Key:   n.Key,
		Value: n.Value,
		Link:  make([]interface{}, len(n.Link)),
	}
	for i, l := range n.Link {
		stored, err := t.storeLink(ctx, l)
		if err != nil {
			return nil, err
		}
		persisted.Link[i] = stored
	}
	return t.storeNode(ctx, persisted)
}

func (t *Tree) storeNode(ctx context.Context, n *node) (cid.Cid, error) {
	encoded, err := marshalNode(n)
	if err != nil {
		return cid.Undef, fmt.Errorf("marshal: %w", err)
	}
	c, err := PutBlock(ctx, t.store, cid.Raw, encoded)
	if err != nil {
		return cid.Undef, err
	}
	if t.nodeCache != nil {
		layer := -1
		if len(n.Key) > 0 {
			layer = int(layerOf(t.keyHash.sum(n.Key[0]), t.digitBits))
		}
		t.nodeCache.Add(c, &nodeInfo{node: n, layer: layer})
	}
	return c, nil
}
