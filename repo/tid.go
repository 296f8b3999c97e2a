package repo

import (
	"fmt"
	"sync"
	"time"
)

// Revisions are TIDs: 13 characters of base32-sortable encoding of a 64-bit
// value whose top bit is zero, followed by 53 bits of microseconds since the
// epoch and 10 bits of clock id. Later TIDs sort later as strings.
const (
	tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"
	tidLength   = 13
	clockIDBits = 10
	// MaxClockID is the largest clock id a Clock can carry.
	MaxClockID = 1<<clockIDBits - 1
)

var tidDecode [256]int8

func init() {
	for i := range tidDecode {
		tidDecode[i] = -1
	}
	for i := 0; i < len(tidAlphabet); i++ {
		tidDecode[tidAlphabet[i]] = int8(i)
	}
}

func encodeTID(v uint64) string {
	var b [tidLength]byte
	for i := tidLength - 1; i >= 0; i-- {
		b[i] = tidAlphabet[v&31]
		v >>= 5
	}
	return string(b[:])
}

func decodeTID(s string) (uint64, error) {
	if len(s) != tidLength {
		return 0, fmt.Errorf("tid %q: length %d", s, len(s))
	}
	// the first character holds only the top four bits, the highest of
	// which must be zero
	if d := tidDecode[s[0]]; d < 0 || d > 7 {
		return 0, fmt.Errorf("tid %q: bad leading character", s)
	}
	var v uint64
	for i := 0; i < tidLength; i++ {
		d := tidDecode[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("tid %q: bad character %q", s, s[i])
		}
		v = v<<5 | uint64(d)
	}
	return v, nil
}

// ParseTID splits a TID into its timestamp and clock id.
func ParseTID(s string) (time.Time, uint16, error) {
	v, err := decodeTID(s)
	if err != nil {
		return time.Time{}, 0, err
	}
	micros := int64(v >> clockIDBits)
	return time.UnixMicro(micros).UTC(), uint16(v & MaxClockID), nil
}

// Clock issues strictly increasing TIDs.
type Clock struct {
	l       sync.Mutex
	last    uint64
	clockID uint64
	now     func() time.Time
}

// NewClock makes a clock whose TIDs end in clockID, which must not exceed
// MaxClockID.
func NewClock(clockID uint16) *Clock {
	if clockID > MaxClockID {
		panic(fmt.Sprintf("clock id %d exceeds %d", clockID, MaxClockID))
	}
	return &Clock{clockID: uint64(clockID), now: time.Now}
}

// Next returns a TID later than every TID the clock issued before.
func (c *Clock) Next() string {
	return c.next(0)
}

// NextAfter returns a TID later than both prev and every TID the clock
// issued before. An unparseable prev is ignored.
func (c *Clock) NextAfter(prev string) string {
	v, err := decodeTID(prev)
	if err != nil {
		v = 0
	}
	return c.next(v)
}

func (c *Clock) next(floor uint64) string {
	c.l.Lock()
	defer c.l.Unlock()
	v := uint64(c.now().UnixMicro())<<clockIDBits | c.clockID
	if c.last > floor {
		floor = c.last
	}
	if v <= floor {
		// keep our clock id in the low bits if we can
		v = (floor>>clockIDBits+1)<<clockIDBits | c.clockID
	}
	v &^= 1 << 63
	c.last = v
	return encodeTID(v)
}
