package mst

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
)

// node is a tree node. Link[i] leads to the keys between Key[i-1] and Key[i];
// each link is nil, a cid.Cid, or an unflushed *node. Nodes are never
// modified once they are reachable from a tree.
type node struct {
	Key   []string
	Value []cid.Cid
	Link  []interface{}
}

func emptyNode() *node {
	return &node{Link: []interface{}{nil}}
}

func (n *node) isEmpty() bool {
	return len(n.Key) == 0 && n.Link[0] == nil
}

// xcopy copies the node's slices so the copy can be modified.
func (n *node) xcopy() *node {
	return &node{
		Key:   append([]string(nil), n.Key...),
		Value: append([]cid.Cid(nil), n.Value...),
		Link:  append([]interface{}(nil), n.Link...),
	}
}

// search finds the index of the first key not less than key.
func (n *node) search(key string) (int, bool) {
	i := sort.SearchStrings(n.Key, key)
	return i, i < len(n.Key) && n.Key[i] == key
}

// extract returns the node made of entries [from, to) and their links.
func (n *node) extract(from, to int) *node {
	return &node{
		Key:   append([]string(nil), n.Key[from:to]...),
		Value: append([]cid.Cid(nil), n.Value[from:to]...),
		Link:  append([]interface{}(nil), n.Link[from:to+1]...),
	}
}

// normalized turns an empty node into an absent link.
func normalized(n *node) interface{} {
	if n.isEmpty() {
		return nil
	}
	return n
}

func sameLink(a, b interface{}) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case cid.Cid:
		y, ok := b.(cid.Cid)
		return ok && x.Equals(y)
	case *node:
		y, ok := b.(*node)
		return ok && x == y
	}
	return false
}

func (t *Tree) keyLayer(key string) int {
	return int(layerOf(t.keyHash.sum(key), t.digitBits))
}

// insert puts key at layer keyLayer into the subtree at link, which sits at
// the given height, creating any missing nodes on the way down.
func (t *Tree) insert(ctx context.Context, link interface{}, height int, s span, key string, value cid.Cid, keyLayer int) (*node, error) {
	n := emptyNode()
	if link != nil {
		var err error
		n, err = t.load(ctx, link, height, s)
		if err != nil {
			return nil, err
		}
	}
	i, found := n.search(key)
	if height == keyLayer {
		n = n.xcopy()
		if found {
			n.Value[i] = value
			return n, nil
		}
		left, right, err := t.split(ctx, n.Link[i], height-1, s.child(n, i), key)
		if err != nil {
			return nil, fmt.Errorf("split: %w", err)
		}
		n.Key = append(n.Key[:i], append([]string{key}, n.Key[i:]...)...)
		n.Value = append(n.Value[:i], append([]cid.Cid{value}, n.Value[i:]...)...)
		n.Link = append(n.Link[:i], append([]interface{}{left, right}, n.Link[i+1:]...)...)
		return n, nil
	}
	child, err := t.insert(ctx, n.Link[i], height-1, s.child(n, i), key, value, keyLayer)
	if err != nil {
		return nil, err
	}
	n = n.xcopy()
	n.Link[i] = child
	return n, nil
}

// split divides the subtree at link into the parts below and above key.
func (t *Tree) split(ctx context.Context, link interface{}, height int, s span, key string) (leftLink, rightLink interface{}, err error) {
	if link == nil {
		return nil, nil, nil
	}
	n, err := t.load(ctx, link, height, s)
	if err != nil {
		return nil, nil, err
	}
	i, _ := n.search(key)
	subLeft, subRight, err := t.split(ctx, n.Link[i], height-1, s.child(n, i), key)
	if err != nil {
		return nil, nil, err
	}
	left := n.extract(0, i)
	left.Link[i] = subLeft
	right := n.extract(i, len(n.Key))
	right.Link[0] = subRight
	return normalized(left), normalized(right), nil
}

// remove deletes key, found at layer keyLayer, from the subtree at link.
func (t *Tree) remove(ctx context.Context, link interface{}, height int, s span, key string, keyLayer int) (interface{}, error) {
	if link == nil {
		return nil, &NotFoundError{Key: key}
	}
	n, err := t.load(ctx, link, height, s)
	if err != nil {
		return nil, err
	}
	i, found := n.search(key)
	if height == keyLayer {
		if !found {
			return nil, &NotFoundError{Key: key}
		}
		merged, err := t.mergeNodes(ctx, n.Link[i], n.Link[i+1], height-1, s.child(n, i), s.child(n, i+1))
		if err != nil {
			return nil, fmt.Errorf("merge: %w", err)
		}
		n = n.xcopy()
		n.Key = append(n.Key[:i], n.Key[i+1:]...)
		n.Value = append(n.Value[:i], n.Value[i+1:]...)
		n.Link = append(n.Link[:i], n.Link[i+1:]...)
		n.Link[i] = merged
		return normalized(n), nil
	}
	if height < keyLayer {
		return nil, &NotFoundError{Key: key}
	}
	child, err := t.remove(ctx, n.Link[i], height-1, s.child(n, i), key, keyLayer)
	if err != nil {
		return nil, err
	}
	n = n.xcopy()
	n.Link[i] = child
	return normalized(n), nil
}

// mergeNodes joins two adjacent subtrees at the same height whose keys don't
// interleave.
func (t *Tree) mergeNodes(ctx context.Context, leftLink, rightLink interface{}, height int, ls, rs span) (interface{}, error) {
	if leftLink == nil {
		return rightLink, nil
	}
	if rightLink == nil {
		return leftLink, nil
	}
	left, err := t.load(ctx, leftLink, height, ls)
	if err != nil {
		return nil, fmt.Errorf("load left: %w", err)
	}
	right, err := t.load(ctx, rightLink, height, rs)
	if err != nil {
		return nil, fmt.Errorf("load right: %w", err)
	}
	middle, err := t.mergeNodes(ctx, left.Link[len(left.Key)], right.Link[0], height-1,
		ls.child(left, len(left.Key)), rs.child(right, 0))
	if err != nil {
		return nil, err
	}
	merged := &node{
		Key:   append(append([]string(nil), left.Key...), right.Key...),
		Value: append(append([]cid.Cid(nil), left.Value...), right.Value...),
		Link:  make([]interface{}, 0, len(left.Link)+len(right.Link)-1),
	}
	merged.Link = append(merged.Link, left.Link[:len(left.Key)]...)
	merged.Link = append(merged.Link, middle)
	merged.Link = append(merged.Link, right.Link[1:]...)
	return merged, nil
}

// grow wraps the root in keyless nodes until it reaches the given height.
func (t *Tree) grow(height int) {
	for t.height < height {
		t.root = &node{Link: []interface{}{t.root}}
		t.height++
	}
}

// trim drops keyless nodes from the top of the tree.
func (t *Tree) trim(ctx context.Context) error {
	for t.root != nil {
		n, err := t.load(ctx, t.root, t.height, span{})
		if err != nil {
			return fmt.Errorf("load root: %w", err)
		}
		if len(n.Key) > 0 {
			return nil
		}
		t.root = n.Link[0]
		if t.root == nil || t.height == 0 {
			t.root = nil
			t.height = 0
			return nil
		}
		t.height--
	}
	t.height = 0
	return nil
}

func (t *Tree) find(ctx context.Context, key string) (cid.Cid, bool, error) {
	link := t.root
	height := t.height
	var s span
	for link != nil {
		n, err := t.load(ctx, link, height, s)
		if err != nil {
			return cid.Undef, false, err
		}
		i, found := n.search(key)
		if found {
			return n.Value[i], true, nil
		}
		if height == 0 {
			break
		}
		link, s = n.Link[i], s.child(n, i)
		height--
	}
	return cid.Undef, false, nil
}

func (t *Tree) iter(ctx context.Context, link interface{}, height int, s span, from string, f func(string, cid.Cid) error) error {
	if link == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := t.load(ctx, link, height, s)
	if err != nil {
		return err
	}
	i := 0
	if from != "" {
		i, _ = n.search(from)
	}
	for ; i <= len(n.Key); i++ {
		if err := t.iter(ctx, n.Link[i], height-1, s.child(n, i), from, f); err != nil {
			return err
		}
		if i < len(n.Key) {
			if err := f(n.Key[i], n.Value[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tree) walkLinks(ctx context.Context, link interface{}, height int, s span, f func(cid.Cid, *node) error) error {
	if link == nil {
		return nil
	}
	n, err := t.load(ctx, link, height, s)
	if err != nil {
		return err
	}
	if c, ok := link.(cid.Cid); ok {
		if err := f(c, n); err != nil {
			return err
		}
	}
	for i, l := range n.Link {
		if err := t.walkLinks(ctx, l, height-1, s.child(n, i), f); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) string(ctx context.Context, link interface{}, height int, s span, indent string) (string, error) {
	if link == nil {
		return indent + "nil\n", nil
	}
	n, err := t.load(ctx, link, height, s)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%sheight %d %v\n", indent, height, linkName(link))
	for i := 0; i <= len(n.Key); i++ {
		if n.Link[i] != nil {
			sub, err := t.string(ctx, n.Link[i], height-1, s.child(n, i), indent+"  ")
			if err != nil {
				return "", err
			}
			sb.WriteString(sub)
		}
		if i < len(n.Key) {
			fmt.Fprintf(&sb, "%s- %s -> %s\n", indent, n.Key[i], n.Value[i])
		}
	}
	return sb.String(), nil
}

func linkName(link interface{}) string {
	if c, ok := link.(cid.Cid); ok {
		return c.String()
	}
	return "(dirty)"
}
