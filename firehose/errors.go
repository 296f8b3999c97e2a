package firehose

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by a closed Subscription or Sequencer.
	ErrClosed = errors.New("firehose closed")
)

// FutureCursorError is a subscription cursor beyond the next sequence
// number.
type FutureCursorError struct {
	Cursor, Next uint64
}

func (e *FutureCursorError) Error() string {
	return fmt.Sprintf("cursor %d is greater than the next sequence number %d", e.Cursor, e.Next)
}

// CursorTooOldError is a subscription cursor whose events have been trimmed
// from the log. The subscriber has to resynchronize some other way.
type CursorTooOldError struct {
	Cursor, Oldest uint64
}

func (e *CursorTooOldError) Error() string {
	return fmt.Sprintf("cursor %d is older than the oldest retained event %d", e.Cursor, e.Oldest)
}

// SlowConsumerError means a subscriber fell more than its buffer behind and
// was disconnected. Seq is the first event it missed.
type SlowConsumerError struct {
	Seq uint64
}

func (e *SlowConsumerError) Error() string {
	return fmt.Sprintf("subscriber too slow, dropped at event %d", e.Seq)
}
