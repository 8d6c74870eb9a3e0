package ports

import (
	"cmp"
	"errors"
	"slices"
)

const (
	// MaxMidiEvents bounds the events one port holds per period.
	MaxMidiEvents = 1024
	// MidiDataSize bounds the payload bytes one port holds per period.
	MidiDataSize = 32 * 1024
)

var ErrMidiBufferFull = errors.New("ports: midi buffer full")

// MidiEvent is a message at a sample offset within the period. Data points
// into the owning buffer and is valid until the buffer is cleared.
type MidiEvent struct {
	Time uint32
	Data []byte
}

// MidiBuffer holds one period of events in preallocated storage.
type MidiBuffer struct {
	events []MidiEvent
	data   []byte
}

func NewMidiBuffer() *MidiBuffer {
	return &MidiBuffer{
		events: make([]MidiEvent, 0, MaxMidiEvents),
		data:   make([]byte, 0, MidiDataSize),
	}
}

func (b *MidiBuffer) Clear() {
	b.events = b.events[:0]
	b.data = b.data[:0]
}

func (b *MidiBuffer) Len() int { return len(b.events) }

// Events returns the buffered events. The slice is owned by the buffer.
func (b *MidiBuffer) Events() []MidiEvent { return b.events }

// Put appends a copy of msg at the given sample offset.
func (b *MidiBuffer) Put(time uint32, msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	if len(b.events) == cap(b.events) || len(b.data)+len(msg) > cap(b.data) {
		return ErrMidiBufferFull
	}
	start := len(b.data)
	b.data = append(b.data, msg...)
	b.events = append(b.events, MidiEvent{Time: time, Data: b.data[start:len(b.data):len(b.data)]})
	return nil
}

// Merge appends every event of src. Events that do not fit are dropped and
// counted.
func (b *MidiBuffer) Merge(src *MidiBuffer) (dropped int) {
	for _, ev := range src.events {
		if b.Put(ev.Time, ev.Data) != nil {
			dropped++
		}
	}
	return dropped
}

func byTime(a, b MidiEvent) int { return cmp.Compare(a.Time, b.Time) }

// Sort orders events by time, keeping insertion order for equal times.
func (b *MidiBuffer) Sort() {
	slices.SortStableFunc(b.events, byTime)
}
