package mididevice

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drgolem/paengine/cycleclock"
	"github.com/drgolem/paengine/internal/hrtimer"
	"github.com/drgolem/paengine/internal/rtprio"
	"github.com/drgolem/paengine/midiqueue"
)

// OutputDevice sends queued records to one hardware port at their
// scheduled time. The audio thread is the only producer; the device's
// worker goroutine is the only consumer.
type OutputDevice struct {
	name     string
	log      *zap.Logger
	port     OutPort
	queue    *midiqueue.Queue
	latency  uint32
	priority int
	onDrop   func(device, reason string)
	warn     *rate.Limiter
	stats    counters

	wake  chan struct{}
	done  chan struct{}
	timer *hrtimer.Timer
	wg    sync.WaitGroup

	buf [midiqueue.MaxEventSize]byte
}

func newOutputDevice(port OutPort, cfg DeviceConfig, opts Options, log *zap.Logger) *OutputDevice {
	return &OutputDevice{
		name:     port.Name(),
		log:      log,
		port:     port,
		queue:    midiqueue.New(opts.QueueSize),
		latency:  cfg.OutputLatency,
		priority: opts.OutputPriority,
		onDrop:   opts.OnDrop,
		warn:     rate.NewLimiter(rate.Every(time.Second), 4),
		wake:     make(chan struct{}, 1),
	}
}

// Name returns the hardware port name.
func (d *OutputDevice) Name() string { return d.name }

// Latency returns the configured systemic output latency in samples.
func (d *OutputDevice) Latency() uint32 { return d.latency }

// Stats returns traffic counters.
func (d *OutputDevice) Stats() Stats { return d.stats.snapshot() }

func (d *OutputDevice) open() error {
	if err := d.port.Open(); err != nil {
		return fmt.Errorf("mididevice: open %q: %w", d.name, err)
	}
	timer, err := hrtimer.New()
	if err != nil {
		_ = d.port.Close()
		return err
	}
	d.timer = timer
	d.done = make(chan struct{})
	d.wg.Add(1)
	go d.run()
	return nil
}

func (d *OutputDevice) close() error {
	if d.done == nil {
		return nil
	}
	close(d.done)
	d.timer.Cancel()
	d.wg.Wait()
	d.timer.Release()
	d.done = nil
	d.queue.Reset()
	return d.port.Close()
}

// Enqueue schedules msg for transmission at timestamp (cycleclock.Now
// microseconds). It never blocks; when the queue is full the message is
// dropped and the error returned.
func (d *OutputDevice) Enqueue(timestamp int64, msg []byte) error {
	if err := d.queue.Write(uint64(timestamp), msg); err != nil {
		reason := DropOverflow
		if errors.Is(err, midiqueue.ErrInvalidSize) {
			reason = DropInvalid
		}
		d.stats.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop(d.name, reason)
		}
		if d.warn.Allow() {
			d.log.Warn("output message dropped",
				zap.String("device", d.name), zap.Int("size", len(msg)), zap.Error(err))
		}
		return err
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *OutputDevice) run() {
	defer d.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if restore, err := rtprio.Promote(d.priority); err != nil {
		d.log.Warn("midi output running without real-time priority",
			zap.String("device", d.name), zap.Error(err))
	} else {
		defer restore()
	}

	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for d.sendNext() {
		}
	}
}

// sendNext transmits the oldest record, waiting until it is due. It
// returns false when the queue is empty or the device is stopping.
func (d *OutputDevice) sendNext() bool {
	h, n, err := d.queue.Read(d.buf[:])
	switch {
	case errors.Is(err, midiqueue.ErrEmpty):
		return false
	case err != nil:
		d.stats.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop(d.name, DropCorrupt)
		}
		return true
	}

	wait := time.Duration(int64(h.Timestamp)-cycleclock.Now()) * time.Microsecond
	if wait > 0 {
		if !d.timer.Sleep(wait) {
			return false
		}
	} else if wait < 0 {
		d.stats.late.Add(1)
		d.log.Debug("late output message", zap.String("device", d.name), zap.Duration("late", -wait))
	}

	if err := d.port.Send(d.buf[:n]); err != nil {
		d.log.Warn("send failed", zap.String("device", d.name), zap.Error(err))
		return true
	}
	d.stats.messages.Add(1)
	return true
}
