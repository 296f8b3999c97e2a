package firehose

import (
	"context"
	"fmt"
	"sync"
)

// Log durably stores encoded frames by sequence number.
type Log interface {
	// Append stores seq, which is greater than every stored seq.
	Append(ctx context.Context, seq uint64, frame []byte) error
	// Range calls f for each stored seq in [from, to), in order.
	Range(ctx context.Context, from, to uint64, f func(seq uint64, frame []byte) error) error
	// First and Last are the lowest and highest stored seq, 0 when empty.
	First(ctx context.Context) (uint64, error)
	Last(ctx context.Context) (uint64, error)
	// Trim deletes every seq below before.
	Trim(ctx context.Context, before uint64) error
}

// MemoryLog is a Log kept in a slice, for testing.
type MemoryLog struct {
	l      sync.Mutex
	first  uint64
	frames [][]byte
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{first: 1}
}

func (m *MemoryLog) last() uint64 {
	if len(m.frames) == 0 {
		return 0
	}
	return m.first + uint64(len(m.frames)) - 1
}

func (m *MemoryLog) Append(ctx context.Context, seq uint64, frame []byte) error {
	m.l.Lock()
	defer m.l.Unlock()
	if len(m.frames) == 0 {
		m.first = seq
	} else if seq != m.last()+1 {
		return fmt.Errorf("event %d does not follow %d", seq, m.last())
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	return nil
}

func (m *MemoryLog) Range(ctx context.Context, from, to uint64, f func(seq uint64, frame []byte) error) error {
	m.l.Lock()
	if from < m.first {
		from = m.first
	}
	var frames [][]byte
	for seq := from; seq < to && seq <= m.last(); seq++ {
		frames = append(frames, m.frames[seq-m.first])
	}
	m.l.Unlock()
	for i, frame := range frames {
		if err := f(from+uint64(i), frame); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryLog) First(ctx context.Context) (uint64, error) {
	m.l.Lock()
	defer m.l.Unlock()
	if len(m.frames) == 0 {
		return 0, nil
	}
	return m.first, nil
}

func (m *MemoryLog) Last(ctx context.Context) (uint64, error) {
	m.l.Lock()
	defer m.l.Unlock()
	return m.last(), nil
}

func (m *MemoryLog) Trim(ctx context.Context, before uint64) error {
	m.l.Lock()
	defer m.l.Unlock()
	if before <= m.first {
		return nil
	}
	n := before - m.first
	if n > uint64(len(m.frames)) {
		n = uint64(len(m.frames))
	}
	m.frames = append([][]byte(nil), m.frames[n:]...)
	m.first += n
	return nil
}
