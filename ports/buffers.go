package ports

// AudioBuffer returns the port's samples for the current cycle. For an
// input the buffer is first rebuilt from its upstream outputs: silence with
// none, a copy with one, the sample-wise sum with several.
func (m *Manager) AudioBuffer(h Handle) []float32 {
	s := m.get(h)
	if s == nil || s.kind != Audio {
		return nil
	}
	if s.flags&IsInput == 0 {
		return s.audio
	}
	if len(s.conns) == 0 {
		clear(s.audio)
		return s.audio
	}
	copy(s.audio, m.slots[s.conns[0]].audio)
	for _, c := range s.conns[1:] {
		src := m.slots[c].audio
		for i := range s.audio {
			s.audio[i] += src[i]
		}
	}
	return s.audio
}

// ClearAudio zeroes the port's own buffer.
func (m *Manager) ClearAudio(h Handle) {
	if s := m.get(h); s != nil && s.kind == Audio {
		clear(s.audio)
	}
}

// MidiBuffer returns the port's current-period events. For an input it is
// rebuilt from its upstream outputs and, with several sources, stably
// sorted by time so equal times keep per-source order.
func (m *Manager) MidiBuffer(h Handle) *MidiBuffer {
	s := m.get(h)
	if s == nil || s.kind != Midi {
		return nil
	}
	buf := s.midi[s.cur]
	if s.flags&IsInput == 0 {
		return buf
	}
	buf.Clear()
	for _, c := range s.conns {
		up := &m.slots[c]
		if n := buf.Merge(up.midi[up.cur]); n > 0 {
			m.midiDropped.Add(uint64(n))
		}
	}
	if len(s.conns) > 1 {
		buf.Sort()
	}
	return buf
}

// ClearMidi empties the port's current-period events.
func (m *Manager) ClearMidi(h Handle) {
	if s := m.get(h); s != nil && s.kind == Midi {
		s.midi[s.cur].Clear()
	}
}

// SetMidiPeriods sets how many periods a MIDI port keeps before its events
// are flushed, clamped to 1..3. Call only while no cycle runs.
func (m *Manager) SetMidiPeriods(h Handle, n int) {
	s := m.get(h)
	if s == nil || s.kind != Midi {
		return
	}
	s.periods = min(max(n, 1), len(s.midi))
	s.cur = 0
	for _, b := range s.midi {
		b.Clear()
	}
}

func (m *Manager) MidiPeriods(h Handle) int {
	if s := m.get(h); s != nil && s.kind == Midi {
		return s.periods
	}
	return 0
}

// DelayedMidiBuffer returns the oldest retained period: the events due for
// flushing now. With one period it is the current buffer.
func (m *Manager) DelayedMidiBuffer(h Handle) *MidiBuffer {
	s := m.get(h)
	if s == nil || s.kind != Midi {
		return nil
	}
	return s.midi[(s.cur+1)%s.periods]
}

// NextPeriod rotates to the oldest buffer and clears it for reuse.
func (m *Manager) NextPeriod(h Handle) {
	s := m.get(h)
	if s == nil || s.kind != Midi || s.periods < 2 {
		return
	}
	s.cur = (s.cur + 1) % s.periods
	s.midi[s.cur].Clear()
}

// MidiDropped counts events lost to full buffers while merging.
func (m *Manager) MidiDropped() uint64 { return m.midiDropped.Load() }
