package mst

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

var (
	// ErrNotFound is matched by NotFoundError.
	ErrNotFound = errors.New("mst: key not found")
	// ErrBlockNotFound is returned by a Blockstore for an absent CID.
	ErrBlockNotFound = errors.New("mst: block not found")
	// ErrCorrupt is matched by CorruptTreeError.
	ErrCorrupt = errors.New("mst: corrupt tree")
	// ErrInvalidKey is returned for keys that can't be stored in a tree.
	ErrInvalidKey = errors.New("mst: invalid key")
)

// NotFoundError reports a key that is absent from the tree.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("mst: key %q not present in tree", e.Key)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// CorruptTreeError reports a structural violation found while loading a node.
// It is never repaired; the enclosing operation is aborted.
type CorruptTreeError struct {
	Cid    cid.Cid
	Reason string
	Err    error
}

func (e *CorruptTreeError) Error() string {
	s := fmt.Sprintf("mst: corrupt node %s: %s", e.Cid, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CorruptTreeError) Is(target error) bool {
	return target == ErrCorrupt
}

func (e *CorruptTreeError) Unwrap() error {
	return e.Err
}

func corrupt(c cid.Cid, format string, args ...interface{}) *CorruptTreeError {
	return &CorruptTreeError{Cid: c, Reason: fmt.Sprintf(format, args...)}
}
