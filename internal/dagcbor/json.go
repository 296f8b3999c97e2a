package dagcbor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// ToJSON decodes a block into its JSON form: links become {"$link": cid}
// and byte strings {"$bytes": base64}.
func ToJSON(data []byte) (interface{}, error) {
	var v interface{}
	if err := Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return toJSON(v)
}

func toJSON(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			j, err := toJSON(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = j
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			j, err := toJSON(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = j
		}
		return out, nil
	case []byte:
		return map[string]interface{}{"$bytes": base64.RawStdEncoding.EncodeToString(v)}, nil
	case cbor.Tag:
		if v.Number != linkTag {
			return nil, fmt.Errorf("unsupported tag %d", v.Number)
		}
		b, ok := v.Content.([]byte)
		if !ok || len(b) < 2 || b[0] != 0 {
			return nil, errors.New("link: missing multibase prefix")
		}
		c, err := cid.Cast(b[1:])
		if err != nil {
			return nil, fmt.Errorf("link: %w", err)
		}
		return map[string]interface{}{"$link": c.String()}, nil
	}
	return v, nil
}

// FromJSON converts a value decoded from JSON, preferably with UseNumber,
// into one that Marshal encodes in the data model: {"$link"} and
// {"$bytes"} objects become links and byte strings, and numbers must be
// integers.
func FromJSON(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case map[string]interface{}:
		if len(v) == 1 {
			if s, ok := v["$link"].(string); ok {
				c, err := cid.Decode(s)
				if err != nil {
					return nil, fmt.Errorf("$link: %w", err)
				}
				return Link(c), nil
			}
			if s, ok := v["$bytes"].(string); ok {
				b, err := base64.RawStdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("$bytes: %w", err)
				}
				return b, nil
			}
		}
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			c, err := FromJSON(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = c
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			c, err := FromJSON(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("number %s is not an integer", v)
		}
		return n, nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return nil, fmt.Errorf("number %v is not an integer", v)
		}
		return int64(v), nil
	}
	return v, nil
}
