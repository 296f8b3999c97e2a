package firehose

import (
	"context"
	"fmt"
	"sync"
)

// frames read from the log at a time while catching up
const replayBatch = 256

// Subscription is one subscriber's position in the event stream. It is not
// safe for concurrent use, except Close.
type Subscription struct {
	s       *Sequencer
	cursor  uint64
	pending []Frame
	// live is set, under s.l, once the subscription has caught up.
	live chan Frame

	once sync.Once
	done chan struct{}
	err  error
}

// Next returns the next frame, waiting for one to be sequenced if
// necessary. Errors other than ctx's end the subscription.
func (sub *Subscription) Next(ctx context.Context) (Frame, error) {
	if err := sub.failed(); err != nil {
		return Frame{}, err
	}
	if len(sub.pending) == 0 {
		live, err := sub.catchUp(ctx)
		if err != nil {
			return Frame{}, err
		}
		if live {
			return sub.nextLive(ctx)
		}
	}
	f := sub.pending[0]
	sub.pending = sub.pending[1:]
	sub.cursor = f.Seq + 1
	return f, nil
}

// catchUp either switches to live delivery or refills pending from the
// log.
func (sub *Subscription) catchUp(ctx context.Context) (bool, error) {
	s := sub.s
	s.l.Lock()
	if sub.live != nil {
		s.l.Unlock()
		return true, nil
	}
	if sub.cursor == s.next {
		s.goLive(sub)
		s.l.Unlock()
		return true, nil
	}
	to := s.next
	oldest := s.first
	s.l.Unlock()
	if sub.cursor < oldest {
		return false, sub.end(&CursorTooOldError{Cursor: sub.cursor, Oldest: oldest})
	}
	if to > sub.cursor+replayBatch {
		to = sub.cursor + replayBatch
	}
	expect := sub.cursor
	err := s.cfg.Log.Range(ctx, sub.cursor, to, func(seq uint64, data []byte) error {
		if seq != expect {
			return &CursorTooOldError{Cursor: expect, Oldest: seq}
		}
		expect++
		sub.pending = append(sub.pending, Frame{Seq: seq, Data: data})
		return nil
	})
	if err == nil && expect != to {
		err = fmt.Errorf("log ends at %d, expected events up to %d", expect, to)
	}
	if err != nil {
		sub.pending = nil
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, sub.end(err)
	}
	return false, nil
}

func (sub *Subscription) nextLive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-sub.live:
		if !ok {
			return Frame{}, sub.failed()
		}
		if f.Seq != sub.cursor {
			return Frame{}, sub.end(fmt.Errorf("live event %d, expected %d", f.Seq, sub.cursor))
		}
		sub.cursor++
		return f, nil
	case <-sub.done:
		return Frame{}, sub.failed()
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Cursor is the sequence number of the next frame Next will return.
func (sub *Subscription) Cursor() uint64 {
	return sub.cursor
}

// Close ends the subscription. The sequencer stops buffering frames for it
// at once.
func (sub *Subscription) Close() {
	s := sub.s
	s.l.Lock()
	defer s.l.Unlock()
	if _, ok := s.subs[sub]; ok {
		s.drop(sub, ErrClosed)
	} else {
		sub.fail(ErrClosed)
	}
}

// end fails the subscription from its own goroutine.
func (sub *Subscription) end(err error) error {
	s := sub.s
	s.l.Lock()
	if _, ok := s.subs[sub]; ok {
		s.drop(sub, err)
	} else {
		sub.fail(err)
	}
	s.l.Unlock()
	return sub.failed()
}

// fail records the first error and wakes Next. s.l must be held.
func (sub *Subscription) fail(err error) {
	sub.once.Do(func() {
		sub.err = err
		close(sub.done)
	})
}

func (sub *Subscription) failed() error {
	select {
	case <-sub.done:
		return sub.err
	default:
		return nil
	}
}
