// Package firehose assigns every repository event a global sequence number,
// keeps the resulting frames in a durable log and streams them to
// subscribers, replaying from any retained cursor.
package firehose

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is where the Sequencer is in handling one event.
type State int32

const (
	Idle State = iota
	Sequencing
	Persisted
	Broadcast
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sequencing:
		return "sequencing"
	case Persisted:
		return "persisted"
	case Broadcast:
		return "broadcast"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// DefaultSubscriberBuffer is the number of frames a live subscriber may fall
// behind before it is dropped.
const DefaultSubscriberBuffer = 1024

// Config sets up a Sequencer.
type Config struct {
	Log Log
	// RetainEvents, if positive, trims the log to that many events.
	RetainEvents uint64
	// SubscriberBuffer defaults to DefaultSubscriberBuffer.
	SubscriberBuffer int
	Logger           *logrus.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// OnTransition, if set, is called with each state entered, with the
	// sequencer locked.
	OnTransition func(State)
}

// Frame is an encoded event.
type Frame struct {
	Seq  uint64
	Data []byte
}

// Sequencer is the only source of sequence numbers. Enqueue is serialized:
// an event is persisted and handed to every live subscriber before the next
// one gets a number.
type Sequencer struct {
	cfg Config
	log *logrus.Logger

	state atomic.Int32

	l      sync.Mutex
	next   uint64
	first  uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewSequencer continues numbering after the last event in cfg.Log.
func NewSequencer(ctx context.Context, cfg Config) (*Sequencer, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("no log")
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	last, err := cfg.Log.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("last event: %w", err)
	}
	first, err := cfg.Log.First(ctx)
	if err != nil {
		return nil, fmt.Errorf("first event: %w", err)
	}
	s := &Sequencer{
		cfg:   cfg,
		log:   log,
		next:  last + 1,
		first: first,
		subs:  map[*Subscription]struct{}{},
	}
	if first == 0 {
		s.first = s.next
	}
	log.WithFields(logrus.Fields{"next": s.next, "first": s.first}).Info("sequencer started")
	return s, nil
}

func (s *Sequencer) enter(state State) {
	s.state.Store(int32(state))
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(state)
	}
}

// State is the sequencer's current state.
func (s *Sequencer) State() State {
	return State(s.state.Load())
}

// Next is the sequence number the next event will get.
func (s *Sequencer) Next() uint64 {
	s.l.Lock()
	defer s.l.Unlock()
	return s.next
}

// Listeners counts live subscribers.
func (s *Sequencer) Listeners() int {
	s.l.Lock()
	defer s.l.Unlock()
	return len(s.subs)
}

// Enqueue numbers ev, persists it and publishes it to live subscribers,
// returning its sequence number once it is durable. When persisting fails
// the number is not used up.
func (s *Sequencer) Enqueue(ctx context.Context, ev *Event) (uint64, error) {
	s.l.Lock()
	defer s.l.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.enter(Sequencing)
	defer s.enter(Idle)

	ev.Seq = s.next
	if ev.Time.IsZero() {
		ev.Time = s.cfg.Now()
	}
	data, err := Encode(ev)
	if err != nil {
		ev.Seq = 0
		return 0, fmt.Errorf("encode: %w", err)
	}
	if err := s.cfg.Log.Append(ctx, ev.Seq, data); err != nil {
		ev.Seq = 0
		return 0, fmt.Errorf("persist event %d: %w", s.next, err)
	}
	s.next++
	s.enter(Persisted)

	f := Frame{Seq: ev.Seq, Data: data}
	for sub := range s.subs {
		select {
		case sub.live <- f:
		default:
			s.drop(sub, &SlowConsumerError{Seq: f.Seq})
			s.log.WithFields(logrus.Fields{"seq": f.Seq, "buffer": s.cfg.SubscriberBuffer}).Warn("dropped slow subscriber")
		}
	}
	s.enter(Broadcast)

	if r := s.cfg.RetainEvents; r > 0 && s.next-s.first > r {
		before := s.next - r
		if err := s.cfg.Log.Trim(ctx, before); err != nil {
			s.log.WithError(err).WithField("before", before).Error("trim event log")
		} else {
			s.first = before
		}
	}
	s.log.WithFields(logrus.Fields{"seq": ev.Seq, "kind": ev.Kind, "did": ev.DID, "listeners": len(s.subs)}).Debug("sequenced")
	return ev.Seq, nil
}

// drop disconnects sub. s.l must be held.
func (s *Sequencer) drop(sub *Subscription, err error) {
	delete(s.subs, sub)
	sub.fail(err)
}

// Close disconnects every subscriber and refuses further events.
func (s *Sequencer) Close() {
	s.l.Lock()
	defer s.l.Unlock()
	s.closed = true
	for sub := range s.subs {
		s.drop(sub, ErrClosed)
	}
}

// Subscribe starts a stream at from: retained events from from onwards are
// replayed, then live events follow without gaps or duplicates. A from of 0
// starts at the oldest retained event, if nothing has been trimmed yet.
func (s *Sequencer) Subscribe(ctx context.Context, from uint64) (*Subscription, error) {
	if from == 0 {
		from = 1
	}
	s.l.Lock()
	defer s.l.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if from > s.next {
		return nil, &FutureCursorError{Cursor: from, Next: s.next}
	}
	if from < s.first {
		return nil, &CursorTooOldError{Cursor: from, Oldest: s.first}
	}
	sub := &Subscription{s: s, cursor: from, done: make(chan struct{})}
	if from == s.next {
		s.goLive(sub)
	}
	return sub, nil
}

// goLive registers sub for live frames. s.l must be held and sub must have
// seen everything before s.next.
func (s *Sequencer) goLive(sub *Subscription) {
	sub.live = make(chan Frame, s.cfg.SubscriberBuffer)
	s.subs[sub] = struct{}{}
}
