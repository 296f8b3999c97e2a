package mst

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Nodes are encoded as
//
//	count, left link, then per entry: prefixLen, keySuffix, value, right link
//
// with uvarint lengths. A link of length zero is absent. Keys share the prefix
// of the previous key in the same node.

func appendLength(buf []byte, n int) []byte {
	var tmpbuf [binary.MaxVarintLen64]byte
	len := binary.PutUvarint(tmpbuf[:], uint64(n))
	return append(buf, tmpbuf[:len]...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendLength(buf, len(b))
	return append(buf, b...)
}

func appendLink(buf []byte, link interface{}) ([]byte, error) {
	switch l := link.(type) {
	case nil:
		return appendLength(buf, 0), nil
	case cid.Cid:
		return appendBytes(buf, l.Bytes()), nil
	default:
		return nil, fmt.Errorf("can't encode unflushed link of type %T", l)
	}
}

func decodeLength(buf []byte, n *int) ([]byte, error) {
	k, len := binary.Uvarint(buf)
	if len <= 0 {
		return nil, errors.New("bad length")
	}
	if k > uint64(^uint(0)>>1) {
		return nil, errors.New("length overflows int")
	}
	*n = int(k)
	return buf[len:], nil
}

func decodeBytes(buf []byte, body *[]byte) ([]byte, error) {
	var err error
	var n int
	buf, err = decodeLength(buf, &n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		*body = nil
		return buf, nil
	}
	if len(buf) < n {
		return nil, errors.New("bad body length")
	}
	*body = buf[:n]
	return buf[n:], nil
}

func decodeLink(buf []byte, link *interface{}) ([]byte, error) {
	var body []byte
	buf, err := decodeBytes(buf, &body)
	if err != nil {
		return nil, err
	}
	if body == nil {
		*link = nil
		return buf, nil
	}
	c, err := cid.Cast(body)
	if err != nil {
		return nil, fmt.Errorf("link: %w", err)
	}
	*link = c
	return buf, nil
}

func marshalNode(node *node) ([]byte, error) {
	var buf []byte
	var err error
	buf = appendLength(buf, len(node.Key))
	buf, err = appendLink(buf, node.Link[0])
	if err != nil {
		return nil, err
	}
	prev := ""
	for i, key := range node.Key {
		p := commonPrefixLen(prev, key)
		buf = appendLength(buf, p)
		buf = appendBytes(buf, []byte(key[p:]))
		buf = appendBytes(buf, node.Value[i].Bytes())
		buf, err = appendLink(buf, node.Link[i+1])
		if err != nil {
			return nil, err
		}
		prev = key
	}
	return buf, nil
}

func unmarshalNode(buf []byte, node *node) error {
	var err error
	var count int
	buf, err = decodeLength(buf, &count)
	if err != nil {
		return fmt.Errorf("entry count: %w", err)
	}
	// every entry takes at least four bytes
	if count > len(buf)/4 {
		return fmt.Errorf("entry count %d exceeds node size", count)
	}
	node.Key = make([]string, count)
	node.Value = make([]cid.Cid, count)
	node.Link = make([]interface{}, count+1)
	buf, err = decodeLink(buf, &node.Link[0])
	if err != nil {
		return fmt.Errorf("left link: %w", err)
	}
	prev := ""
	for i := 0; i < count; i++ {
		var p int
		buf, err = decodeLength(buf, &p)
		if err != nil {
			return fmt.Errorf("entry %d prefix: %w", i, err)
		}
		if p > len(prev) {
			return fmt.Errorf("entry %d prefix %d longer than previous key", i, p)
		}
		var suffix []byte
		buf, err = decodeBytes(buf, &suffix)
		if err != nil {
			return fmt.Errorf("entry %d key: %w", i, err)
		}
		key := prev[:p] + string(suffix)
		var value []byte
		buf, err = decodeBytes(buf, &value)
		if err != nil {
			return fmt.Errorf("entry %d value: %w", i, err)
		}
		node.Value[i], err = cid.Cast(value)
		if err != nil {
			return fmt.Errorf("entry %d value: %w", i, err)
		}
		buf, err = decodeLink(buf, &node.Link[i+1])
		if err != nil {
			return fmt.Errorf("entry %d link: %w", i, err)
		}
		node.Key[i] = key
		prev = key
	}
	if len(buf) != 0 {
		return fmt.Errorf("%d trailing bytes", len(buf))
	}
	return nil
}
