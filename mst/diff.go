package mst

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Change is a difference between two trees. From is undefined for a key
// that was created, To for a key that was deleted.
type Change struct {
	Key  string
	From cid.Cid
	To   cid.Cid
}

// IsCreate reports whether the key is new.
func (c Change) IsCreate() bool { return !c.From.Defined() }

// IsDelete reports whether the key was removed.
func (c Change) IsDelete() bool { return !c.To.Defined() }

type iterItem struct {
	considerLink interface{}
	height       int
	span         span
	key          string
	value        cid.Cid
}

type iterItemStack struct {
	tree  *Tree
	items []iterItem
}

func newIterItemStack(t *Tree) iterItemStack {
	stack := iterItemStack{tree: t}
	if t != nil && t.root != nil {
		stack.items = []iterItem{{considerLink: t.root, height: t.height}}
	}
	return stack
}

func (stack *iterItemStack) peek() *iterItem {
	if len(stack.items) == 0 {
		return nil
	}
	return &stack.items[len(stack.items)-1]
}

func (stack *iterItemStack) pop() iterItem {
	item := stack.items[len(stack.items)-1]
	stack.items = stack.items[:len(stack.items)-1]
	return item
}

// expand replaces the link on top of the stack with its node's contents.
func (stack *iterItemStack) expand(ctx context.Context) error {
	item := stack.pop()
	n, err := stack.tree.load(ctx, item.considerLink, item.height, item.span)
	if err != nil {
		return err
	}
	for i := len(n.Key); i >= 0; i-- {
		if n.Link[i] != nil {
			stack.items = append(stack.items, iterItem{considerLink: n.Link[i], height: item.height - 1, span: item.span.child(n, i)})
		}
		if i > 0 {
			stack.items = append(stack.items, iterItem{key: n.Key[i-1], value: n.Value[i-1]})
		}
	}
	return nil
}

// DiffIter reports the changes that turn oldTree into newTree, in key order,
// until f returns false. Subtrees with the same CID in both trees are
// skipped without being loaded. A nil oldTree is empty.
func DiffIter(ctx context.Context, oldTree, newTree *Tree, f func(Change) (bool, error)) error {
	if oldTree != nil && newTree != nil &&
		(oldTree.fanout != newTree.fanout || oldTree.keyHash != newTree.keyHash) {
		return fmt.Errorf("can't diff trees with different fanout or key hash")
	}
	oldStack := newIterItemStack(oldTree)
	newStack := newIterItemStack(newTree)
	emit := func(c Change) (bool, error) {
		keepGoing, err := f(c)
		if err != nil {
			return false, fmt.Errorf("callback: %w", err)
		}
		return keepGoing, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o := oldStack.peek()
		n := newStack.peek()
		var change *Change
		switch {
		case o == nil && n == nil:
			return nil
		case o == nil:
			if n.considerLink != nil {
				if err := newStack.expand(ctx); err != nil {
					return fmt.Errorf("new: %w", err)
				}
				continue
			}
			change = &Change{Key: n.key, To: n.value}
			newStack.pop()
		case n == nil:
			if o.considerLink != nil {
				if err := oldStack.expand(ctx); err != nil {
					return fmt.Errorf("old: %w", err)
				}
				continue
			}
			change = &Change{Key: o.key, From: o.value}
			oldStack.pop()
		case o.considerLink != nil && n.considerLink != nil:
			if sameLink(o.considerLink, n.considerLink) {
				oldStack.pop()
				newStack.pop()
				continue
			}
			oldHeight, newHeight := o.height, n.height
			if oldHeight >= newHeight {
				if err := oldStack.expand(ctx); err != nil {
					return fmt.Errorf("old: %w", err)
				}
			}
			if newHeight >= oldHeight {
				if err := newStack.expand(ctx); err != nil {
					return fmt.Errorf("new: %w", err)
				}
			}
			continue
		case o.considerLink != nil:
			if err := oldStack.expand(ctx); err != nil {
				return fmt.Errorf("old: %w", err)
			}
			continue
		case n.considerLink != nil:
			if err := newStack.expand(ctx); err != nil {
				return fmt.Errorf("new: %w", err)
			}
			continue
		case o.key < n.key:
			change = &Change{Key: o.key, From: o.value}
			oldStack.pop()
		case n.key < o.key:
			change = &Change{Key: n.key, To: n.value}
			newStack.pop()
		default:
			if !o.value.Equals(n.value) {
				change = &Change{Key: o.key, From: o.value, To: n.value}
			}
			oldStack.pop()
			newStack.pop()
		}
		if change == nil {
			continue
		}
		keepGoing, err := emit(*change)
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
}

// Diff collects the changes that turn oldTree into newTree.
func Diff(ctx context.Context, oldTree, newTree *Tree) ([]Change, error) {
	var changes []Change
	err := DiffIter(ctx, oldTree, newTree, func(c Change) (bool, error) {
		changes = append(changes, c)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
