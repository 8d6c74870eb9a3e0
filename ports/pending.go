package ports

import (
	"fmt"
	"slices"

	"go.uber.org/zap"
)

type changeOp int

const (
	opConnect changeOp = iota
	opDisconnect
	opUnregister
)

type change struct {
	op       changeOp
	src, dst Handle
}

type note struct {
	src, dst  string
	connected bool
}

// Connect queues a connection from an output to an input of the same kind.
func (m *Manager) Connect(src, dst string) error {
	a, b, err := m.pair(src, dst)
	if err != nil {
		return err
	}
	return m.enqueue(change{op: opConnect, src: a, dst: b})
}

// Disconnect queues the removal of a connection.
func (m *Manager) Disconnect(src, dst string) error {
	a, b, err := m.pair(src, dst)
	if err != nil {
		return err
	}
	return m.enqueue(change{op: opDisconnect, src: a, dst: b})
}

// Unregister queues the removal of a port and all its connections.
func (m *Manager) Unregister(h Handle) error {
	if m.get(h) == nil {
		return ErrNotFound
	}
	return m.enqueue(change{op: opUnregister, src: h})
}

func (m *Manager) pair(src, dst string) (Handle, Handle, error) {
	a, ok := m.Lookup(src)
	if !ok {
		return Handle{}, Handle{}, fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	b, ok := m.Lookup(dst)
	if !ok {
		return Handle{}, Handle{}, fmt.Errorf("%w: %s", ErrNotFound, dst)
	}
	if m.Flags(a)&IsOutput == 0 || m.Flags(b)&IsInput == 0 || m.Kind(a) != m.Kind(b) {
		return Handle{}, Handle{}, fmt.Errorf("%w: %s -> %s", ErrIncompatible, src, dst)
	}
	return a, b, nil
}

func (m *Manager) enqueue(c change) error {
	select {
	case m.pending <- c:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports how many changes wait to be applied.
func (m *Manager) Pending() int { return len(m.pending) }

// ApplyPending applies queued changes if the arena lock is free and
// reports whether it ran. Contention defers the changes to the next call.
func (m *Manager) ApplyPending() bool {
	if len(m.pending) == 0 {
		return true
	}
	if !m.mu.TryLock() {
		return false
	}
	m.notes = m.notes[:0]
	for n := len(m.pending); n > 0; n-- {
		m.applyLocked(<-m.pending)
	}
	notes := m.notes
	m.mu.Unlock()

	if fn := m.onConnect.Load(); fn != nil {
		for _, n := range notes {
			(*fn)(n.src, n.dst, n.connected)
		}
	}
	return true
}

func (m *Manager) applyLocked(c change) {
	switch c.op {
	case opUnregister:
		if m.get(c.src) != nil {
			m.removeLocked(c.src.index)
		}
		return
	}

	src, dst := m.get(c.src), m.get(c.dst)
	if src == nil || dst == nil {
		return
	}
	i := slices.Index(dst.conns, c.src.index)
	switch c.op {
	case opConnect:
		if i >= 0 {
			return
		}
		dst.conns = append(dst.conns, c.src.index)
		m.notes = append(m.notes, note{src: src.name, dst: dst.name, connected: true})
		m.log.Debug("connected", zap.String("src", src.name), zap.String("dst", dst.name))
	case opDisconnect:
		if i < 0 {
			return
		}
		dst.conns = slices.Delete(dst.conns, i, i+1)
		m.notes = append(m.notes, note{src: src.name, dst: dst.name, connected: false})
		m.log.Debug("disconnected", zap.String("src", src.name), zap.String("dst", dst.name))
	}
}
