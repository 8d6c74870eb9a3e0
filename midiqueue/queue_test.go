package midiqueue

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestNewRingRoundsUp(t *testing.T) {
	tests := []struct {
		input    int
		expected int
	}{
		{1, 1},
		{3, 4},
		{100, 128},
		{1024, 1024},
		{1025, 2048},
	}

	for _, tt := range tests {
		r := newRing(tt.input)
		if r.size() != tt.expected {
			t.Errorf("newRing(%d): expected size %d, got %d", tt.input, tt.expected, r.size())
		}
		if r.mask != uint64(tt.expected-1) {
			t.Errorf("newRing(%d): expected mask %d, got %d", tt.input, tt.expected-1, r.mask)
		}
	}
}

func TestQueueMinimumCapacity(t *testing.T) {
	q := New(16)
	if q.Capacity() < HeaderSize+MaxEventSize {
		t.Errorf("capacity %d cannot hold one maximal record", q.Capacity())
	}
}

func TestWriteRead(t *testing.T) {
	q := New(DefaultSize)

	msg := []byte{0x90, 60, 100}
	if err := q.Write(1234, msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if q.Len() != HeaderSize+len(msg) {
		t.Errorf("Len: expected %d, got %d", HeaderSize+len(msg), q.Len())
	}

	h, err := q.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if h.Timestamp != 1234 || h.Size != 3 {
		t.Errorf("Peek: got %+v", h)
	}

	buf := make([]byte, MaxEventSize)
	h, n, err := q.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.Timestamp != 1234 || n != 3 || !bytes.Equal(buf[:n], msg) {
		t.Errorf("Read: got ts=%d n=%d data=%x", h.Timestamp, n, buf[:n])
	}

	if _, _, err := q.Read(buf); err != ErrEmpty {
		t.Errorf("Read on empty queue: expected ErrEmpty, got %v", err)
	}
}

func TestInvalidSizes(t *testing.T) {
	q := New(DefaultSize)

	if err := q.Write(1, nil); err != ErrInvalidSize {
		t.Errorf("empty payload: expected ErrInvalidSize, got %v", err)
	}
	if err := q.Write(1, make([]byte, MaxEventSize+1)); err != ErrInvalidSize {
		t.Errorf("oversized payload: expected ErrInvalidSize, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("rejected writes must not touch the ring, Len=%d", q.Len())
	}
	if err := q.Write(1, make([]byte, MaxEventSize)); err != nil {
		t.Errorf("maximal payload rejected: %v", err)
	}
}

func TestOverflowLeavesContentsUnchanged(t *testing.T) {
	q := New(2048)
	payload := bytes.Repeat([]byte{0xF0}, 100)

	written := 0
	for {
		if err := q.Write(uint64(written), payload); err != nil {
			if err != ErrOverflow {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		written++
	}
	if written == 0 {
		t.Fatal("nothing fit in the queue")
	}

	before := q.Len()
	if err := q.Write(99999, payload); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if q.Len() != before {
		t.Errorf("overflowing write changed Len from %d to %d", before, q.Len())
	}

	buf := make([]byte, MaxEventSize)
	for i := 0; i < written; i++ {
		h, n, err := q.Read(buf)
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if h.Timestamp != uint64(i) || !bytes.Equal(buf[:n], payload) {
			t.Fatalf("record %d corrupted: ts=%d n=%d", i, h.Timestamp, n)
		}
	}
	if _, _, err := q.Read(buf); err != ErrEmpty {
		t.Errorf("expected empty queue after draining, got %v", err)
	}
}

func TestShortBufferStillAdvances(t *testing.T) {
	q := New(DefaultSize)
	_ = q.Write(1, []byte{0xF0, 1, 2, 3, 4, 0xF7})
	_ = q.Write(2, []byte{0x80, 60, 0})

	small := make([]byte, 2)
	h, n, err := q.Read(small)
	if err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	if h.Size != 6 || n != 2 {
		t.Errorf("got size=%d n=%d", h.Size, n)
	}

	buf := make([]byte, MaxEventSize)
	h, n, err = q.Read(buf)
	if err != nil || h.Timestamp != 2 || n != 3 {
		t.Errorf("reader desynchronised: ts=%d n=%d err=%v", h.Timestamp, n, err)
	}
}

func TestWrapAround(t *testing.T) {
	q := New(2048)
	buf := make([]byte, MaxEventSize)
	payload := make([]byte, 300)

	for i := 0; i < 100; i++ {
		for j := range payload {
			payload[j] = byte(i + j)
		}
		if err := q.Write(uint64(i), payload); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
		h, n, err := q.Read(buf)
		if err != nil || h.Timestamp != uint64(i) || !bytes.Equal(buf[:n], payload) {
			t.Fatalf("iteration %d: ts=%d n=%d err=%v", i, h.Timestamp, n, err)
		}
	}
}

func TestSkip(t *testing.T) {
	q := New(DefaultSize)
	_ = q.Write(1, []byte{0xF8})
	_ = q.Write(2, []byte{0xFA})

	if err := q.Skip(); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	h, err := q.Peek()
	if err != nil || h.Timestamp != 2 {
		t.Errorf("after Skip: %+v %v", h, err)
	}
	q.Reset()
	if err := q.Skip(); err != ErrEmpty {
		t.Errorf("Skip on empty: %v", err)
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	q := New(4096)
	const total = 20000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		msg := make([]byte, 3)
		for i := 0; i < total; {
			msg[0], msg[1], msg[2] = 0x90, byte(i), byte(i>>8)
			if err := q.Write(uint64(i), msg); err == ErrOverflow {
				time.Sleep(10 * time.Microsecond)
				continue
			}
			i++
		}
	}()

	errs := make(chan string, 1)
	go func() {
		defer wg.Done()
		buf := make([]byte, MaxEventSize)
		deadline := time.Now().Add(10 * time.Second)
		for i := 0; i < total; {
			h, n, err := q.Read(buf)
			if err == ErrEmpty {
				if time.Now().After(deadline) {
					errs <- "timed out"
					return
				}
				time.Sleep(10 * time.Microsecond)
				continue
			}
			if err != nil || h.Timestamp != uint64(i) || n != 3 || buf[1] != byte(i) || buf[2] != byte(i>>8) {
				errs <- "record mismatch"
				return
			}
			i++
		}
	}()

	wg.Wait()
	select {
	case e := <-errs:
		t.Fatal(e)
	default:
	}
}
