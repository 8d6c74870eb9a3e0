package mididevice

import (
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/drgolem/paengine/cycleclock"
	"github.com/drgolem/paengine/midiqueue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestInput() *InputDevice {
	enabled := &atomic.Bool{}
	enabled.Store(true)
	return newInputDevice(&fakeIn{name: "in"}, DeviceConfig{Enabled: true},
		Options{QueueSize: midiqueue.DefaultSize}, enabled, zap.NewNop())
}

func drain(d *InputDevice) [][]byte {
	var out [][]byte
	for {
		_, msg, ok := d.Dequeue(0, math.MaxInt64)
		if !ok {
			return out
		}
		out = append(out, slices.Clone(msg))
	}
}

func TestInputParse(t *testing.T) {
	long := append([]byte{0xF0}, make([]byte, midiqueue.MaxEventSize+10)...)
	long = append(long, 0xF7)

	tests := []struct {
		name    string
		chunks  [][]byte
		want    [][]byte
		dropped uint64
	}{
		{
			name:   "short messages",
			chunks: [][]byte{{0x90, 60, 100, 0x80, 60, 0}},
			want:   [][]byte{{0x90, 60, 100}, {0x80, 60, 0}},
		},
		{
			name:   "two byte message",
			chunks: [][]byte{{0xC0, 5}},
			want:   [][]byte{{0xC0, 5}},
		},
		{
			name:   "running status",
			chunks: [][]byte{{0x90, 60, 100, 62, 90}},
			want:   [][]byte{{0x90, 60, 100}, {0x90, 62, 90}},
		},
		{
			name:   "realtime inside sysex",
			chunks: [][]byte{{0xF0, 1, 2, 0xF8, 3, 0xF7}},
			want:   [][]byte{{0xF8}, {0xF0, 1, 2, 3, 0xF7}},
		},
		{
			name:   "sysex split across callbacks",
			chunks: [][]byte{{0xF0, 0x7E, 1}, {2, 0xF7}},
			want:   [][]byte{{0xF0, 0x7E, 1, 2, 0xF7}},
		},
		{
			name:    "unterminated sysex",
			chunks:  [][]byte{{0xF0, 1, 2, 0x90, 60, 100}},
			want:    [][]byte{{0x90, 60, 100}},
			dropped: 1,
		},
		{
			name:    "empty sysex",
			chunks:  [][]byte{{0xF0, 0xF7}},
			dropped: 1,
		},
		{
			name:    "oversized sysex",
			chunks:  [][]byte{long},
			dropped: 1,
		},
		{
			name:   "stray data byte",
			chunks: [][]byte{{0x3C, 0x40}},
		},
		{
			name:    "stray terminator",
			chunks:  [][]byte{{0xF7, 0xFE}},
			want:    [][]byte{{0xFE}},
			dropped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestInput()
			for _, c := range tt.chunks {
				d.parse(c)
			}
			assert.Equal(t, tt.want, drain(d))
			assert.Equal(t, tt.dropped, d.Stats().Dropped)
		})
	}
}

func TestInputDecodingDisabled(t *testing.T) {
	d := newTestInput()
	d.enabled.Store(false)
	d.parse([]byte{0x90, 60, 100})
	assert.Empty(t, drain(d))

	d.enabled.Store(true)
	d.parse([]byte{0x90, 60, 100})
	assert.Len(t, drain(d), 1)
}

func TestInputDequeueWindow(t *testing.T) {
	d := newTestInput()
	before := cycleclock.Now()
	d.parse([]byte{0x90, 60, 100})
	h, err := d.queue.Peek()
	require.NoError(t, err)
	ts := int64(h.Timestamp)
	assert.GreaterOrEqual(t, ts, before)

	// at the window end the record is not yet due
	_, _, ok := d.Dequeue(ts-100, ts)
	assert.False(t, ok)

	// before the window start it is late but still delivered
	got, msg, ok := d.Dequeue(ts+1, ts+1000)
	require.True(t, ok)
	assert.Equal(t, ts, got)
	assert.Equal(t, []byte{0x90, 60, 100}, msg)
	assert.Equal(t, uint64(1), d.Stats().Late)

	_, _, ok = d.Dequeue(0, math.MaxInt64)
	assert.False(t, ok)
}

func newTestOutput(port *fakeOut, opts Options) *OutputDevice {
	if opts.QueueSize == 0 {
		opts.QueueSize = midiqueue.DefaultSize
	}
	return newOutputDevice(port, DeviceConfig{Enabled: true}, opts, zap.NewNop())
}

func waitSent(t *testing.T, p *fakeOut) {
	t.Helper()
	select {
	case <-p.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("message not sent")
	}
}

func TestOutputScheduling(t *testing.T) {
	port := newFakeOut("out")
	d := newTestOutput(port, Options{})
	require.NoError(t, d.open())
	defer func() { require.NoError(t, d.close()) }()

	require.NoError(t, d.Enqueue(cycleclock.Now()-5000, []byte{0x90, 60, 100}))
	waitSent(t, port)
	assert.Equal(t, uint64(1), d.Stats().Late)

	start := time.Now()
	require.NoError(t, d.Enqueue(cycleclock.Now()+20000, []byte{0x80, 60, 0}))
	waitSent(t, port)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	assert.Equal(t, [][]byte{{0x90, 60, 100}, {0x80, 60, 0}}, port.messages())
	assert.Equal(t, uint64(2), d.Stats().Messages)
}

func TestOutputStopCancelsWait(t *testing.T) {
	port := newFakeOut("out")
	d := newTestOutput(port, Options{})
	require.NoError(t, d.open())

	require.NoError(t, d.Enqueue(cycleclock.Now()+int64(10*time.Second/time.Microsecond), []byte{0xFE}))
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	require.NoError(t, d.close())
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, port.messages())
}

func TestOutputOverflowDrops(t *testing.T) {
	var reasons []string
	d := newTestOutput(newFakeOut("out"), Options{
		QueueSize: 1,
		OnDrop:    func(_, reason string) { reasons = append(reasons, reason) },
	})

	var err error
	for i := 0; i < 10000 && err == nil; i++ {
		err = d.Enqueue(0, []byte{0x90, 60, 100})
	}
	require.ErrorIs(t, err, midiqueue.ErrOverflow)
	assert.Equal(t, uint64(1), d.Stats().Dropped)
	assert.Equal(t, []string{DropOverflow}, reasons)

	assert.ErrorIs(t, d.Enqueue(0, nil), midiqueue.ErrInvalidSize)
	assert.Equal(t, []string{DropOverflow, DropInvalid}, reasons)
}

func TestManagerStartSkipsDisabledAndBroken(t *testing.T) {
	good := &fakeIn{name: "keys"}
	off := &fakeIn{name: "pads"}
	broken := &fakeIn{name: "broken", openErr: errors.New("busy")}
	out := newFakeOut("synth")
	badOut := newFakeOut("bad")
	badOut.openErr = errors.New("gone")

	m := NewManager(&fakeDriver{
		ins:  []InPort{good, off, broken},
		outs: []OutPort{badOut, out},
	}, Options{
		Devices: map[string]DeviceConfig{"pads": {Enabled: false}},
	}, zap.NewNop())

	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrRunning)

	ins := m.Inputs()
	require.Len(t, ins, 1)
	assert.Equal(t, "keys", ins[0].Name())
	outs := m.Outputs()
	require.Len(t, outs, 1)
	assert.Equal(t, "synth", outs[0].Name())

	good.feed(0x90, 60, 100)
	ts, msg, ok := m.DequeueInput(0, 0, math.MaxInt64)
	require.True(t, ok)
	assert.Positive(t, ts)
	assert.Equal(t, []byte{0x90, 60, 100}, msg)

	_, _, ok = m.DequeueInput(3, 0, math.MaxInt64)
	assert.False(t, ok)

	require.NoError(t, m.EnqueueOutput(0, 0, []byte{0xB0, 7, 100}))
	waitSent(t, out)
	assert.ErrorIs(t, m.EnqueueOutput(1, 0, []byte{0xFE}), ErrNoSuchPort)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.True(t, good.closed)
	assert.Empty(t, m.Inputs())
}

func TestManagerInputDecodingToggle(t *testing.T) {
	in := &fakeIn{name: "keys"}
	m := NewManager(&fakeDriver{ins: []InPort{in}}, Options{}, nil)
	require.NoError(t, m.Start())
	defer func() { require.NoError(t, m.Stop()) }()

	m.SetInputDecoding(false)
	assert.False(t, m.InputDecoding())
	in.feed(0x90, 60, 100)
	_, _, ok := m.DequeueInput(0, 0, math.MaxInt64)
	assert.False(t, ok)

	m.SetInputDecoding(true)
	in.feed(0x90, 60, 100)
	_, _, ok = m.DequeueInput(0, 0, math.MaxInt64)
	assert.True(t, ok)
}

func TestManagerDiscoverDoesNotBlock(t *testing.T) {
	m := NewManager(&fakeDriver{
		ins:  []InPort{&fakeIn{name: "a"}},
		outs: []OutPort{newFakeOut("b")},
	}, Options{}, nil)

	m.listMu.Lock()
	assert.False(t, m.Discover())
	m.listMu.Unlock()

	assert.True(t, m.Discover())
	assert.Equal(t, []string{"a"}, m.InputNames())
	assert.Equal(t, []string{"b"}, m.OutputNames())
}

func TestManagerDeviceConfig(t *testing.T) {
	m := NewManager(&fakeDriver{}, Options{}, nil)
	assert.Equal(t, DeviceConfig{Enabled: true}, m.DeviceConfig("x"))

	m.SetDeviceConfig("x", DeviceConfig{Enabled: true, InputLatency: 32, OutputLatency: 64})
	assert.Equal(t, uint32(64), m.DeviceConfig("x").OutputLatency)
}
