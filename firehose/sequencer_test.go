package firehose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newSequencer(t testing.TB, cfg Config) *Sequencer {
	if cfg.Log == nil {
		cfg.Log = NewMemoryLog()
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return when }
	}
	s, err := NewSequencer(ctx, cfg)
	require.NoError(t, err)
	return s
}

func tombstone(did string) *Event {
	return &Event{Kind: KindTombstone, DID: did}
}

func enqueue(t testing.TB, s *Sequencer, n int) {
	for i := 0; i < n; i++ {
		_, err := s.Enqueue(ctx, tombstone(fmt.Sprintf("did:example:%d", i)))
		require.NoError(t, err)
	}
}

func next(t testing.TB, sub *Subscription) *Event {
	nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f, err := sub.Next(nctx)
	require.NoError(t, err)
	ev, err := Decode(f.Data)
	require.NoError(t, err)
	require.Equal(t, f.Seq, ev.Seq)
	return ev
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()
	var states []State
	s := newSequencer(t, Config{OnTransition: func(st State) { states = append(states, st) }})
	require.Equal(t, Idle, s.State())

	seq, err := s.Enqueue(ctx, tombstone("did:example:a"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)
	require.Equal(t, []State{Sequencing, Persisted, Broadcast, Idle}, states)
	require.Equal(t, Idle, s.State())
	require.Equal(t, "persisted", Persisted.String())
}

type failingLog struct {
	*MemoryLog
	fail bool
}

func (l *failingLog) Append(ctx context.Context, seq uint64, frame []byte) error {
	if l.fail {
		return errors.New("log unavailable")
	}
	return l.MemoryLog.Append(ctx, seq, frame)
}

func TestPersistFailureKeepsSeq(t *testing.T) {
	t.Parallel()
	var states []State
	log := &failingLog{MemoryLog: NewMemoryLog()}
	s := newSequencer(t, Config{Log: log, OnTransition: func(st State) { states = append(states, st) }})
	enqueue(t, s, 1)

	log.fail = true
	states = nil
	ev := tombstone("did:example:a")
	_, err := s.Enqueue(ctx, ev)
	require.Error(t, err)
	require.Zero(t, ev.Seq)
	require.Equal(t, []State{Sequencing, Idle}, states)
	require.Equal(t, uint64(2), s.Next())

	log.fail = false
	seq, err := s.Enqueue(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, uint64(2), seq)
}

func TestReplayThenLive(t *testing.T) {
	t.Parallel()
	s := newSequencer(t, Config{})
	enqueue(t, s, 5)

	sub, err := s.Subscribe(ctx, 0)
	require.NoError(t, err)
	defer sub.Close()
	for seq := uint64(1); seq <= 5; seq++ {
		require.Equal(t, seq, next(t, sub).Seq)
	}
	require.Equal(t, 0, s.Listeners())

	done := make(chan *Event)
	go func() { done <- next(t, sub) }()
	require.Eventually(t, func() bool { return s.Listeners() == 1 }, 5*time.Second, time.Millisecond)
	enqueue(t, s, 1)
	require.Equal(t, uint64(6), (<-done).Seq)
	require.Equal(t, uint64(7), sub.Cursor())
}

func TestSubscribeAtNextIsLive(t *testing.T) {
	t.Parallel()
	s := newSequencer(t, Config{})
	enqueue(t, s, 3)
	sub, err := s.Subscribe(ctx, s.Next())
	require.NoError(t, err)
	require.Equal(t, 1, s.Listeners())
	enqueue(t, s, 1)
	require.Equal(t, uint64(4), next(t, sub).Seq)
	sub.Close()
	require.Equal(t, 0, s.Listeners())
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCursorErrors(t *testing.T) {
	t.Parallel()
	s := newSequencer(t, Config{RetainEvents: 3})
	enqueue(t, s, 10)

	_, err := s.Subscribe(ctx, 12)
	var future *FutureCursorError
	require.ErrorAs(t, err, &future)
	require.Equal(t, FutureCursorError{Cursor: 12, Next: 11}, *future)

	_, err = s.Subscribe(ctx, 2)
	var tooOld *CursorTooOldError
	require.ErrorAs(t, err, &tooOld)
	require.Equal(t, uint64(8), tooOld.Oldest)

	_, err = s.Subscribe(ctx, 0)
	require.ErrorAs(t, err, &tooOld)

	sub, err := s.Subscribe(ctx, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(8), next(t, sub).Seq)
}

func TestTrimmedWhileCatchingUp(t *testing.T) {
	t.Parallel()
	s := newSequencer(t, Config{RetainEvents: 3})
	enqueue(t, s, 3)
	sub, err := s.Subscribe(ctx, 1)
	require.NoError(t, err)
	enqueue(t, s, 5)
	_, err = sub.Next(ctx)
	var tooOld *CursorTooOldError
	require.ErrorAs(t, err, &tooOld)
	_, err = sub.Next(ctx)
	require.ErrorAs(t, err, &tooOld)
}

func TestSlowConsumerDropped(t *testing.T) {
	t.Parallel()
	s := newSequencer(t, Config{SubscriberBuffer: 2})
	slow, err := s.Subscribe(ctx, 1)
	require.NoError(t, err)
	fast, err := s.Subscribe(ctx, 1)
	require.NoError(t, err)

	got := make(chan uint64, 10)
	go func() {
		for i := 0; i < 5; i++ {
			got <- next(t, fast).Seq
		}
	}()
	for i := 0; i < 5; i++ {
		enqueue(t, s, 1)
		require.Equal(t, uint64(i+1), <-got)
	}

	// slow buffered 1 and 2, then missed 3; what it buffered is discarded
	_, err = slow.Next(ctx)
	var tooSlow *SlowConsumerError
	require.ErrorAs(t, err, &tooSlow)
	require.Equal(t, uint64(3), tooSlow.Seq)
	require.Equal(t, 1, s.Listeners())
}

func TestClose(t *testing.T) {
	t.Parallel()
	s := newSequencer(t, Config{})
	sub, err := s.Subscribe(ctx, 1)
	require.NoError(t, err)
	waiting := make(chan error)
	go func() {
		_, err := sub.Next(ctx)
		waiting <- err
	}()
	s.Close()
	require.ErrorIs(t, <-waiting, ErrClosed)
	_, err = s.Enqueue(ctx, tombstone("did:example:a"))
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Subscribe(ctx, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestRestartContinuesNumbering(t *testing.T) {
	t.Parallel()
	log := NewMemoryLog()
	s := newSequencer(t, Config{Log: log})
	enqueue(t, s, 4)
	s.Close()

	s = newSequencer(t, Config{Log: log})
	require.Equal(t, uint64(5), s.Next())
	sub, err := s.Subscribe(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next(t, sub).Seq)
}

func TestNextHonoursContext(t *testing.T) {
	t.Parallel()
	s := newSequencer(t, Config{})
	sub, err := s.Subscribe(ctx, 1)
	require.NoError(t, err)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = sub.Next(cctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// still usable
	enqueue(t, s, 1)
	require.Equal(t, uint64(1), next(t, sub).Seq)
}

func TestConcurrentTotalOrder(t *testing.T) {
	t.Parallel()
	const writers, each = 8, 50
	s := newSequencer(t, Config{SubscriberBuffer: writers * each})
	live, err := s.Subscribe(ctx, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := s.Enqueue(ctx, tombstone(fmt.Sprintf("did:example:%d", w)))
				assert.NoError(t, err)
			}
		}()
	}

	lateStart := make(chan *Subscription)
	go func() {
		sub, err := s.Subscribe(ctx, 1)
		assert.NoError(t, err)
		lateStart <- sub
	}()
	late := <-lateStart
	wg.Wait()

	var liveFrames [][]byte
	for seq := uint64(1); seq <= writers*each; seq++ {
		f, err := live.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, seq, f.Seq)
		liveFrames = append(liveFrames, f.Data)
	}
	for seq := uint64(1); seq <= writers*each; seq++ {
		f, err := late.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, seq, f.Seq)
		require.Equal(t, liveFrames[seq-1], f.Data)
	}
}

func TestMemoryLog(t *testing.T) {
	t.Parallel()
	log := NewMemoryLog()
	first, err := log.First(ctx)
	require.NoError(t, err)
	require.Zero(t, first)
	require.NoError(t, log.Append(ctx, 3, []byte("c")))
	require.NoError(t, log.Append(ctx, 4, []byte("d")))
	require.Error(t, log.Append(ctx, 6, []byte("f")))
	require.NoError(t, log.Append(ctx, 5, []byte("e")))

	var got []string
	require.NoError(t, log.Range(ctx, 0, 5, func(seq uint64, frame []byte) error {
		got = append(got, fmt.Sprintf("%d%s", seq, frame))
		return nil
	}))
	require.Equal(t, []string{"3c", "4d"}, got)

	require.NoError(t, log.Trim(ctx, 5))
	first, err = log.First(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), first)
	last, err := log.Last(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}
