// Package dagcbor encodes records, commits and firehose frames as
// deterministic CBOR, with CIDs as tag-42 links.
package dagcbor

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/jrhy/pds/mst"
)

// tag number of a CID link
const linkTag = 42

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// length-first map key order
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		// map keys are always strings
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v deterministically.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v, rejecting duplicate map keys and
// indefinite lengths.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalFirst decodes the first item of data into v and returns what
// follows it.
func UnmarshalFirst(data []byte, v interface{}) ([]byte, error) {
	return decMode.UnmarshalFirst(data, v)
}

// Block encodes v and computes its dag-cbor CID.
func Block(v interface{}) (mst.Block, error) {
	data, err := Marshal(v)
	if err != nil {
		return mst.Block{}, fmt.Errorf("marshal: %w", err)
	}
	return mst.NewBlock(cid.DagCBOR, data)
}

// Link is a CID that encodes as a CBOR tag-42 byte string.
type Link cid.Cid

// NewLink wraps c, returning nil for an undefined CID.
func NewLink(c cid.Cid) *Link {
	if !c.Defined() {
		return nil
	}
	l := Link(c)
	return &l
}

// Cid unwraps the link; a nil link is cid.Undef.
func (l *Link) Cid() cid.Cid {
	if l == nil {
		return cid.Undef
	}
	return cid.Cid(*l)
}

func (l Link) MarshalCBOR() ([]byte, error) {
	c := cid.Cid(l)
	if !c.Defined() {
		return nil, errors.New("undefined link")
	}
	return encMode.Marshal(cbor.Tag{
		Number:  linkTag,
		Content: append([]byte{0}, c.Bytes()...),
	})
}

func (l *Link) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != linkTag {
		return fmt.Errorf("tag %d is not a link", tag.Number)
	}
	var b []byte
	if err := decMode.Unmarshal(tag.Content, &b); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if len(b) < 2 || b[0] != 0 {
		return errors.New("link: missing multibase prefix")
	}
	c, err := cid.Cast(b[1:])
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	*l = Link(c)
	return nil
}

// Links converts CIDs to links.
func Links(cids []cid.Cid) []Link {
	links := make([]Link, len(cids))
	for i, c := range cids {
		links[i] = Link(c)
	}
	return links
}

// Cids converts links to CIDs.
func Cids(links []Link) []cid.Cid {
	if len(links) == 0 {
		return nil
	}
	cids := make([]cid.Cid, len(links))
	for i, l := range links {
		cids[i] = cid.Cid(l)
	}
	return cids
}
