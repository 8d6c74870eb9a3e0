// Package midiqueue carries timestamped MIDI messages between exactly one
// producer and one consumer without locks or allocation.
//
// Each record is a fixed 12-byte header (little-endian uint64 timestamp in
// microseconds, uint32 payload size) followed by the payload. A record is
// published atomically: the consumer either sees all of it or none of it.
package midiqueue

import (
	"encoding/binary"
	"errors"
)

const (
	// MaxEventSize bounds one MIDI message, sysex included.
	MaxEventSize = 1024

	// HeaderSize is the encoded size of a record header.
	HeaderSize = 12

	// DefaultSize is the ring capacity used per device.
	DefaultSize = 32 * 1024
)

var (
	// ErrInvalidSize is returned for empty or oversized payloads.
	ErrInvalidSize = errors.New("midiqueue: invalid event size")
	// ErrOverflow is returned when a record does not fit; nothing is written.
	ErrOverflow = errors.New("midiqueue: buffer overflow")
	// ErrEmpty is returned by Read and Peek when no record is queued.
	ErrEmpty = errors.New("midiqueue: empty")
	// ErrShortBuffer is returned when the destination could not hold the
	// whole payload. The record is consumed anyway.
	ErrShortBuffer = errors.New("midiqueue: short buffer")
	// ErrCorrupt is returned when a header declares an impossible size. The
	// declared length is skipped so the reader stays in sync.
	ErrCorrupt = errors.New("midiqueue: corrupt record")
)

// Header describes a queued record without its payload.
type Header struct {
	Timestamp uint64
	Size      uint32
}

// Queue is a single-producer, single-consumer record queue.
type Queue struct {
	r      *ring
	hdrIn  [HeaderSize]byte // producer scratch
	hdrOut [HeaderSize]byte // consumer scratch
}

// New returns a queue whose ring holds at least size bytes.
func New(size int) *Queue {
	if size < HeaderSize+MaxEventSize {
		size = HeaderSize + MaxEventSize
	}
	return &Queue{r: newRing(size)}
}

// Capacity returns the ring size in bytes.
func (q *Queue) Capacity() int { return q.r.size() }

// Len returns the number of queued bytes, headers included.
func (q *Queue) Len() int { return q.r.used() }

// Free returns the number of bytes the producer may still write.
func (q *Queue) Free() int { return q.r.free() }

// Write enqueues one record. Producer only.
func (q *Queue) Write(timestamp uint64, payload []byte) error {
	if len(payload) == 0 || len(payload) > MaxEventSize {
		return ErrInvalidSize
	}
	binary.LittleEndian.PutUint64(q.hdrIn[0:8], timestamp)
	binary.LittleEndian.PutUint32(q.hdrIn[8:12], uint32(len(payload)))
	if !q.r.put(q.hdrIn[:], payload) {
		return ErrOverflow
	}
	return nil
}

// Peek returns the header of the oldest record without consuming it.
// Consumer only.
func (q *Queue) Peek() (Header, error) {
	if q.r.peek(0, q.hdrOut[:]) < HeaderSize {
		return Header{}, ErrEmpty
	}
	return Header{
		Timestamp: binary.LittleEndian.Uint64(q.hdrOut[0:8]),
		Size:      binary.LittleEndian.Uint32(q.hdrOut[8:12]),
	}, nil
}

// Read consumes the oldest record and copies its payload into dst.
// It returns the header and the number of payload bytes copied. The reader
// always advances past the declared record length. Consumer only.
func (q *Queue) Read(dst []byte) (Header, int, error) {
	h, err := q.Peek()
	if err != nil {
		return Header{}, 0, err
	}
	if h.Size == 0 || h.Size > MaxEventSize {
		q.r.skip(HeaderSize + int(h.Size))
		return h, 0, ErrCorrupt
	}

	want := int(h.Size)
	if want > len(dst) {
		want = len(dst)
	}
	n := q.r.peek(HeaderSize, dst[:want])
	q.r.skip(HeaderSize + int(h.Size))

	if n < int(h.Size) {
		return h, n, ErrShortBuffer
	}
	return h, n, nil
}

// Skip discards the oldest record. Consumer only.
func (q *Queue) Skip() error {
	h, err := q.Peek()
	if err != nil {
		return err
	}
	q.r.skip(HeaderSize + int(h.Size))
	return nil
}

// Reset drops all records. Only call while producer and consumer are idle.
func (q *Queue) Reset() { q.r.reset() }
