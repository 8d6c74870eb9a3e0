package midiqueue

import "sync/atomic"

// ring is a lock-free single-producer, single-consumer byte ring.
//
// Two monotonically increasing counters track the write and read
// positions; the buffer size is a power of two so positions map to
// indices with a mask. The producer publishes writePos only after the
// bytes are in place, and the consumer publishes readPos only after it
// has copied them out.
//
// Thread assignment:
//   - put, free: producer only
//   - peek, get, skip, used: consumer only
type ring struct {
	writePos atomic.Uint64
	_pad1    [56]byte
	readPos  atomic.Uint64
	_pad2    [56]byte

	buf  []byte
	mask uint64
}

func newRing(minSize int) *ring {
	size := 1
	for size < minSize {
		size <<= 1
	}
	return &ring{
		buf:  make([]byte, size),
		mask: uint64(size - 1),
	}
}

func (r *ring) size() int { return len(r.buf) }

func (r *ring) free() int {
	return len(r.buf) - int(r.writePos.Load()-r.readPos.Load())
}

func (r *ring) used() int {
	return int(r.writePos.Load() - r.readPos.Load())
}

// put stores all of the given segments contiguously and publishes them
// with a single position update, or stores nothing at all.
func (r *ring) put(segments ...[]byte) bool {
	w := r.writePos.Load()
	rd := r.readPos.Load()

	total := 0
	for _, s := range segments {
		total += len(s)
	}
	if uint64(total) > uint64(len(r.buf))-(w-rd) {
		return false
	}

	pos := w
	for _, s := range segments {
		r.copyIn(pos, s)
		pos += uint64(len(s))
	}
	r.writePos.Store(pos)
	return true
}

func (r *ring) copyIn(at uint64, p []byte) {
	n := uint64(len(p))
	idx := at & r.mask
	first := uint64(len(r.buf)) - idx
	if first >= n {
		copy(r.buf[idx:idx+n], p)
		return
	}
	copy(r.buf[idx:], p[:first])
	copy(r.buf[:n-first], p[first:])
}

// peek copies up to len(p) bytes from offset bytes past the read position
// without consuming them. It returns the number of bytes copied.
func (r *ring) peek(offset int, p []byte) int {
	rd := r.readPos.Load()
	avail := r.writePos.Load() - rd
	if uint64(offset) >= avail {
		return 0
	}
	n := uint64(len(p))
	if n > avail-uint64(offset) {
		n = avail - uint64(offset)
	}

	idx := (rd + uint64(offset)) & r.mask
	first := uint64(len(r.buf)) - idx
	if first >= n {
		copy(p[:n], r.buf[idx:idx+n])
	} else {
		copy(p[:first], r.buf[idx:])
		copy(p[first:n], r.buf[:n-first])
	}
	return int(n)
}

// skip consumes up to n bytes and returns how many were consumed.
func (r *ring) skip(n int) int {
	rd := r.readPos.Load()
	avail := r.writePos.Load() - rd
	if uint64(n) > avail {
		n = int(avail)
	}
	r.readPos.Store(rd + uint64(n))
	return n
}

// reset discards everything. Only safe while neither side is active.
func (r *ring) reset() {
	r.readPos.Store(r.writePos.Load())
}
