package engine_test

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drgolem/paengine/deviceio"
	"github.com/drgolem/paengine/deviceio/deviceiotest"
	"github.com/drgolem/paengine/engine"
	"github.com/drgolem/paengine/mididevice"
	"github.com/drgolem/paengine/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a session engine that records what the backend tells it.
type recorder struct {
	engine.NopEngine

	mu          sync.Mutex
	events      []string
	rates       []float64
	periods     []int
	connections []string

	processes      atomic.Int64
	inProcess      atomic.Bool
	overlapped     atomic.Bool
	xruns          atomic.Int32
	threadInits    atomic.Int32
	midCycle       atomic.Bool
	freewheelDelay time.Duration
	halted         chan string

	// process, if set, runs inside Process.
	process func(n int64) error
}

func newRecorder() *recorder {
	return &recorder{halted: make(chan string, 1)}
}

func (r *recorder) log(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) history() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) SampleRateChange(rate float64) error {
	r.mu.Lock()
	r.rates = append(r.rates, rate)
	r.mu.Unlock()
	return nil
}

func (r *recorder) BufferSizeChange(frames int) error {
	r.mu.Lock()
	r.periods = append(r.periods, frames)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Process(int) error {
	if !r.inProcess.CompareAndSwap(false, true) {
		r.overlapped.Store(true)
	}
	defer r.inProcess.Store(false)
	n := r.processes.Add(1)
	if r.process != nil {
		return r.process(n)
	}
	return nil
}

func (r *recorder) Freewheel(on bool) {
	time.Sleep(r.freewheelDelay)
	r.log(fmt.Sprintf("freewheel:%v", on))
}

func (r *recorder) XRun() { r.xruns.Add(1) }

func (r *recorder) Halted(reason string) { r.halted <- reason }

func (r *recorder) ThreadInit() {
	r.threadInits.Add(1)
	r.log("thread_init")
}

func (r *recorder) ConnectionChanged(src, dst string, connected bool) {
	if r.inProcess.Load() {
		r.midCycle.Store(true)
	}
	r.mu.Lock()
	r.connections = append(r.connections, fmt.Sprintf("%s>%s:%v", src, dst, connected))
	r.mu.Unlock()
}

type fixture struct {
	host *deviceiotest.Host
	dev  *deviceio.DeviceIO
	rec  *recorder
	b    *engine.Backend
}

func newFixture(t *testing.T, midi *mididevice.Manager) *fixture {
	t.Helper()
	f := &fixture{host: deviceiotest.New(), rec: newRecorder()}
	f.dev = deviceio.New(f.host, nil)
	b, err := engine.New(engine.Options{Engine: f.rec, Device: f.dev, Midi: midi})
	require.NoError(t, err)
	f.b = b
	t.Cleanup(func() {
		assert.NoError(t, b.Stop())
		assert.NoError(t, f.dev.Deinit())
	})
	return f
}

func (f *fixture) waitProcesses(t *testing.T, n int64) {
	t.Helper()
	target := f.rec.processes.Load() + n
	require.Eventually(t, func() bool { return f.rec.processes.Load() >= target },
		2*time.Second, time.Millisecond)
}

var modes = []engine.Mode{engine.ModeCallback, engine.ModeBlocking}

func TestStartStop(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64, Mode: mode}))
			assert.Equal(t, engine.Running, f.b.State())
			assert.ErrorIs(t, f.b.Start(engine.Config{}), engine.ErrAlreadyRunning)

			assert.Equal(t, []string{"system:capture_1", "system:capture_2"},
				f.b.Ports().Ports(ports.Audio, ports.IsOutput))
			assert.Len(t, f.b.CapturePorts(), 2)
			assert.Len(t, f.b.PlaybackPorts(), 2)
			assert.Equal(t, 48000.0, f.b.SampleRate())
			assert.Equal(t, 64, f.b.Period())

			f.waitProcesses(t, 5)
			assert.Positive(t, f.b.Stats().Cycles)
			assert.EqualValues(t, 1, f.rec.threadInits.Load())

			require.NoError(t, f.b.Stop())
			require.NoError(t, f.b.Stop())
			assert.Equal(t, engine.Stopped, f.b.State())
			assert.True(t, f.host.LastStream().Closed())
			assert.Zero(t, f.b.Ports().Len())
			assert.Equal(t, []float64{48000}, f.rec.rates)
			assert.Equal(t, []int{64}, f.rec.periods)

			// a restart with the same shape sends no change notifications
			require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64, Mode: mode}))
			require.NoError(t, f.b.Stop())
			assert.Len(t, f.rec.rates, 1)
			assert.False(t, f.rec.overlapped.Load())
		})
	}
}

func TestNegotiationDowngrade(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.b.Start(engine.Config{
		SampleRate: 48000, Period: 64, InputChannels: 8, OutputChannels: 8,
	}))

	assert.Equal(t, 2, f.dev.CaptureChannels())
	assert.Len(t, f.b.CapturePorts(), 2, "ports follow the hardware, not the request")
	assert.Len(t, f.b.PlaybackPorts(), 2)
	_, ok := f.b.Ports().Lookup("system:capture_3")
	assert.False(t, ok)
}

func TestActualRateWins(t *testing.T) {
	f := newFixture(t, nil)
	f.host.ActualRate = 44100
	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64}))

	assert.Equal(t, 44100.0, f.b.SampleRate())
	assert.Equal(t, []float64{44100}, f.rec.rates)
}

func TestPortLatency(t *testing.T) {
	f := newFixture(t, nil)
	f.host.InputLatency = 0.01    // 480 samples
	f.host.OutputLatency = 0.0005 // 24 samples, less than a period
	require.NoError(t, f.b.Start(engine.Config{
		SampleRate: 48000, Period: 64, SystemicInputLatency: 10,
	}))

	p := f.b.Ports()
	in := p.Latency(f.b.CapturePorts()[0], false)
	assert.EqualValues(t, 64+416+10, in.Min)
	assert.Equal(t, in.Min, in.Max)
	out := p.Latency(f.b.PlaybackPorts()[0], true)
	assert.EqualValues(t, 64, out.Max)

	f.b.SetSystemicLatency(0, 32)
	assert.EqualValues(t, 64+416, p.Latency(f.b.CapturePorts()[0], false).Max)
	assert.EqualValues(t, 96, p.Latency(f.b.PlaybackPorts()[1], true).Max)
}

func TestStartErrors(t *testing.T) {
	t.Run("open failure", func(t *testing.T) {
		f := newFixture(t, nil)
		f.host.OpenErr = errors.New("format not supported")
		err := f.b.Start(engine.Config{})
		var se *engine.StartError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, engine.ReasonFormat, se.Reason)
		assert.Equal(t, engine.Stopped, f.b.State())
	})

	t.Run("unknown device", func(t *testing.T) {
		f := newFixture(t, nil)
		err := f.b.Start(engine.Config{InputDevice: "Nope"})
		var se *engine.StartError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, engine.ReasonDevice, se.Reason)
		assert.ErrorIs(t, err, deviceio.ErrDeviceNotFound)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, nil)
		f.host.Interval = time.Hour
		err := f.b.Start(engine.Config{StartTimeout: 50 * time.Millisecond})
		var se *engine.StartError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, engine.ReasonTimeout, se.Reason)
		assert.ErrorIs(t, err, engine.ErrStartTimeout)
		assert.Equal(t, engine.Stopped, f.b.State())
		assert.True(t, f.host.LastStream().Closed())
		assert.Zero(t, f.b.Ports().Len())
	})
}

func TestXRunDoesNotHalt(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64, Mode: mode}))
			f.waitProcesses(t, 3)

			f.host.LastStream().InjectXRuns(3)
			require.Eventually(t, func() bool { return f.rec.xruns.Load() == 3 },
				2*time.Second, time.Millisecond)
			f.waitProcesses(t, 5)

			assert.EqualValues(t, 3, f.rec.xruns.Load())
			assert.EqualValues(t, 3, f.b.Stats().XRuns)
			assert.Equal(t, engine.Running, f.b.State())
			assert.Empty(t, f.rec.halted)
		})
	}
}

func TestFreewheelHandshake(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			f.rec.freewheelDelay = 20 * time.Millisecond
			require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64, Mode: mode}))
			f.waitProcesses(t, 2)

			require.NoError(t, f.b.Freewheel(true))
			require.NoError(t, f.b.WaitFreewheel(true, 2*time.Second))
			assert.True(t, f.b.Freewheeling())
			f.waitProcesses(t, 10)

			require.NoError(t, f.b.Freewheel(false))
			require.NoError(t, f.b.WaitFreewheel(false, 2*time.Second))
			require.Eventually(t, func() bool { return f.rec.threadInits.Load() == 2 },
				2*time.Second, time.Millisecond)
			f.waitProcesses(t, 3)

			assert.Equal(t, []string{"thread_init", "freewheel:true", "freewheel:false", "thread_init"},
				f.rec.history())
			assert.False(t, f.rec.overlapped.Load(), "real-time and freewheel cycles overlapped")
			assert.Equal(t, engine.Running, f.b.State())
		})
	}
}

func TestFreewheelRequiresRunning(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.b.Freewheel(true), engine.ErrNotRunning)
	assert.ErrorIs(t, f.b.WaitFreewheel(true, 10*time.Millisecond), engine.ErrFreewheelTimeout)
}

func TestStopWhileFreewheeling(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64}))
	f.waitProcesses(t, 1)
	require.NoError(t, f.b.Freewheel(true))
	require.NoError(t, f.b.WaitFreewheel(true, 2*time.Second))

	require.NoError(t, f.b.Stop())
	assert.Equal(t, engine.Stopped, f.b.State())
	assert.False(t, f.b.Freewheeling())
	assert.NoError(t, f.b.WaitFreewheel(false, 10*time.Millisecond))
	assert.Equal(t, []string{"thread_init", "freewheel:true", "freewheel:false"}, f.rec.history())
}

func TestProcessFailureHalts(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.process = func(n int64) error {
		if n == 3 {
			return errors.New("dsp exploded")
		}
		return nil
	}
	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64}))

	select {
	case reason := <-f.rec.halted:
		assert.Contains(t, reason, "dsp exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("halted callback not called")
	}
	assert.Equal(t, engine.Stopped, f.b.State())
	assert.True(t, f.host.LastStream().Closed())
}

func TestBlockingIOErrorHalts(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64, Mode: engine.ModeBlocking}))
	f.waitProcesses(t, 2)

	f.host.LastStream().Fail(errors.New("device unplugged"))
	select {
	case reason := <-f.rec.halted:
		assert.Contains(t, reason, "device unplugged")
	case <-time.After(2 * time.Second):
		t.Fatal("halted callback not called")
	}
	assert.Equal(t, engine.Stopped, f.b.State())
}

func TestConnectionsAppliedBetweenCycles(t *testing.T) {
	f := newFixture(t, nil)
	f.host.Signal = func(_, ch int) float32 {
		if ch == 0 {
			return 0.5
		}
		return 0.25
	}
	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64}))

	require.NoError(t, f.b.Connect("system:capture_1", "system:playback_2"))
	require.NoError(t, f.b.Connect("system:capture_2", "system:playback_2"))
	require.Eventually(t, func() bool {
		out := f.host.LastStream().LastOutput()
		return len(out) == 128 && out[0] == 0 && out[1] == 0.75
	}, 2*time.Second, time.Millisecond)

	f.rec.mu.Lock()
	assert.Equal(t, []string{
		"system:capture_1>system:playback_2:true",
		"system:capture_2>system:playback_2:true",
	}, f.rec.connections)
	f.rec.mu.Unlock()

	assert.ErrorIs(t, f.b.Connect("system:playback_1", "system:capture_1"), ports.ErrIncompatible)
}

func TestSetPeriodRestarts(t *testing.T) {
	f := newFixture(t, nil)
	assert.ErrorIs(t, f.b.SetPeriod(128), engine.ErrNotRunning)

	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64}))
	f.waitProcesses(t, 2)

	require.NoError(t, f.b.SetPeriod(128))
	assert.Equal(t, engine.Running, f.b.State())
	assert.Equal(t, 128, f.b.Period())
	assert.Len(t, f.b.CapturePorts(), 2)
	f.waitProcesses(t, 2)

	require.NoError(t, f.b.SetSampleRate(44100))
	assert.Equal(t, 44100.0, f.b.SampleRate())

	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, []int{64, 128}, f.rec.periods)
	assert.Equal(t, []float64{48000, 44100}, f.rec.rates)
}

func TestConnectionsWaitForFreewheelCycle(t *testing.T) {
	f := newFixture(t, nil)
	var (
		watch   atomic.Bool
		changed atomic.Bool
		watched atomic.Int32
		dst     ports.Handle
	)
	f.rec.process = func(int64) error {
		if !watch.Load() {
			return nil
		}
		before := f.b.Ports().Connections(dst)
		time.Sleep(200 * time.Microsecond)
		if !slices.Equal(before, f.b.Ports().Connections(dst)) {
			changed.Store(true)
		}
		watched.Add(1)
		return nil
	}
	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64}))
	f.waitProcesses(t, 1)
	require.NoError(t, f.b.Freewheel(true))
	require.NoError(t, f.b.WaitFreewheel(true, 2*time.Second))

	dst = f.b.PlaybackPorts()[0]
	watch.Store(true)
	applied := func() bool { return f.b.Ports().Pending() == 0 }
	for range 25 {
		require.NoError(t, f.b.Connect("system:capture_1", "system:playback_1"))
		require.Eventually(t, applied, 2*time.Second, 100*time.Microsecond)
		require.NoError(t, f.b.Disconnect("system:capture_1", "system:playback_1"))
		require.Eventually(t, applied, 2*time.Second, 100*time.Microsecond)
	}
	watch.Store(false)

	require.NoError(t, f.b.Freewheel(false))
	require.NoError(t, f.b.WaitFreewheel(false, 2*time.Second))

	assert.Positive(t, watched.Load())
	assert.False(t, changed.Load(), "connections changed inside a freewheel cycle")
	assert.False(t, f.rec.midCycle.Load(), "connection callback ran inside a cycle")
	f.rec.mu.Lock()
	assert.Len(t, f.rec.connections, 50)
	f.rec.mu.Unlock()
}

func TestFailureDuringRestartSparesNewSession(t *testing.T) {
	f := newFixture(t, nil)
	var fail atomic.Bool
	entered := make(chan struct{})
	gate := make(chan struct{})
	f.rec.process = func(int64) error {
		if !fail.CompareAndSwap(true, false) {
			return nil
		}
		close(entered)
		<-gate
		return errors.New("dsp exploded")
	}
	require.NoError(t, f.b.Start(engine.Config{SampleRate: 48000, Period: 64}))
	f.waitProcesses(t, 2)

	fail.Store(true)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("failing cycle never ran")
	}
	done := make(chan error, 1)
	go func() { done <- f.b.SetPeriod(128) }()
	// SetPeriod holds the lifecycle lock and waits for the stuck cycle
	time.Sleep(50 * time.Millisecond)
	close(gate)

	require.NoError(t, <-done)
	f.waitProcesses(t, 5)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, engine.Running, f.b.State())
	assert.Equal(t, 128, f.b.Period())
	assert.False(t, f.host.LastStream().Closed())
	assert.Empty(t, f.rec.halted)
}
