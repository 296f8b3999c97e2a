package repo

import (
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// Action is what a write does to a record.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

const (
	maxNSIDLength = 317
	maxRKeyLength = 512
)

// BlobRef points from a record at a separately stored blob. Only its size
// is checked here.
type BlobRef struct {
	Cid      cid.Cid
	MimeType string
	Size     int64
}

// WriteOp is one record change in an ApplyWrites batch. Record is encoded as
// dag-cbor; it is required for create and update and must be nil for
// delete.
type WriteOp struct {
	Action     Action
	Collection string
	RKey       string
	Record     interface{}
	Blobs      []BlobRef
}

// Path is the record's key in the tree.
func (op WriteOp) Path() string {
	return op.Collection + "/" + op.RKey
}

// RepoOp is one change a commit made, as reported to the firehose. Cid is
// undefined for deletes and Prev for creates.
type RepoOp struct {
	Action Action
	Path   string
	Cid    cid.Cid
	Prev   cid.Cid
}

func (op WriteOp) validate(maxBlobSize int64) error {
	switch op.Action {
	case ActionCreate, ActionUpdate:
		if op.Record == nil {
			return fmt.Errorf("%s %s without a record", op.Action, op.Path())
		}
	case ActionDelete:
		if op.Record != nil {
			return fmt.Errorf("delete %s with a record", op.Path())
		}
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
	if err := ValidateNSID(op.Collection); err != nil {
		return err
	}
	if err := ValidateRKey(op.RKey); err != nil {
		return err
	}
	for _, b := range op.Blobs {
		if !b.Cid.Defined() {
			return fmt.Errorf("%s: blob without a cid", op.Path())
		}
		if b.Size < 0 || (maxBlobSize > 0 && b.Size > maxBlobSize) {
			return fmt.Errorf("%s: blob %s is %d bytes, limit %d", op.Path(), b.Cid, b.Size, maxBlobSize)
		}
	}
	return nil
}

// ValidateNSID checks a collection name: at least three dot-separated
// segments of letters, digits and hyphens, the last starting with a letter.
func ValidateNSID(nsid string) error {
	if len(nsid) > maxNSIDLength {
		return fmt.Errorf("collection %q too long", nsid)
	}
	segments := strings.Split(nsid, ".")
	if len(segments) < 3 {
		return fmt.Errorf("collection %q needs at least three segments", nsid)
	}
	for i, s := range segments {
		if s == "" || len(s) > 63 || s[0] == '-' || s[len(s)-1] == '-' {
			return fmt.Errorf("collection %q: bad segment %q", nsid, s)
		}
		for _, r := range s {
			if !isAlnum(r) && r != '-' {
				return fmt.Errorf("collection %q: bad character %q", nsid, r)
			}
		}
		if i == len(segments)-1 && !isAlpha(rune(s[0])) {
			return fmt.Errorf("collection %q: name must start with a letter", nsid)
		}
	}
	return nil
}

// ValidateRKey checks a record key.
func ValidateRKey(rkey string) error {
	if rkey == "" || len(rkey) > maxRKeyLength {
		return fmt.Errorf("record key %q: bad length", rkey)
	}
	if rkey == "." || rkey == ".." {
		return fmt.Errorf("record key %q not allowed", rkey)
	}
	for _, r := range rkey {
		switch {
		case isAlnum(r):
		case strings.ContainsRune(".-_:~", r):
		default:
			return fmt.Errorf("record key %q: bad character %q", rkey, r)
		}
	}
	return nil
}

func isAlpha(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z'
}

func isAlnum(r rune) bool {
	return isAlpha(r) || r >= '0' && r <= '9'
}
