package mididevice

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drgolem/paengine/cycleclock"
	"github.com/drgolem/paengine/midiqueue"
)

// Drop reasons reported through Options.OnDrop.
const (
	DropOverflow = "overflow"
	DropSysEx    = "sysex"
	DropCorrupt  = "corrupt"
	DropInvalid  = "invalid"
)

const (
	statusSysEx = 0xF0
	statusEOX   = 0xF7
)

// Stats counts traffic through one device.
type Stats struct {
	Messages uint64
	Dropped  uint64
	Late     uint64
}

type counters struct {
	messages atomic.Uint64
	dropped  atomic.Uint64
	late     atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Messages: c.messages.Load(),
		Dropped:  c.dropped.Load(),
		Late:     c.late.Load(),
	}
}

// InputDevice turns bytes from one hardware port into queued records.
// The driver context is the only producer; the audio thread is the only
// consumer.
type InputDevice struct {
	name    string
	log     *zap.Logger
	port    InPort
	queue   *midiqueue.Queue
	latency uint32
	enabled *atomic.Bool
	onDrop  func(device, reason string)
	warn    *rate.Limiter
	stop    func() error
	stats   counters

	// producer state
	sysex    *ringbuffer.RingBuffer
	inSysEx  bool
	overrun  bool
	running  byte
	short    [3]byte
	complete [midiqueue.MaxEventSize]byte

	// consumer scratch
	out [midiqueue.MaxEventSize]byte
}

func newInputDevice(port InPort, cfg DeviceConfig, opts Options, enabled *atomic.Bool, log *zap.Logger) *InputDevice {
	return &InputDevice{
		name:    port.Name(),
		log:     log,
		port:    port,
		queue:   midiqueue.New(opts.QueueSize),
		latency: cfg.InputLatency,
		enabled: enabled,
		onDrop:  opts.OnDrop,
		warn:    rate.NewLimiter(rate.Every(time.Second), 4),
		sysex:   ringbuffer.New(midiqueue.MaxEventSize),
	}
}

// Name returns the hardware port name.
func (d *InputDevice) Name() string { return d.name }

// Latency returns the configured systemic input latency in samples.
func (d *InputDevice) Latency() uint32 { return d.latency }

// Stats returns traffic counters.
func (d *InputDevice) Stats() Stats { return d.stats.snapshot() }

func (d *InputDevice) open() error {
	stop, err := d.port.Listen(d.parse)
	if err != nil {
		return err
	}
	d.stop = stop
	return nil
}

func (d *InputDevice) close() error {
	if d.stop == nil {
		return nil
	}
	err := d.stop()
	d.stop = nil
	d.queue.Reset()
	return err
}

// statusLength returns the encoded length of a message starting with
// status, or 0 for bytes that never start a message on their own.
func statusLength(status byte) int {
	switch {
	case status < 0x80:
		return 0
	case status < 0xC0, status >= 0xE0 && status < 0xF0:
		return 3
	case status < 0xE0:
		return 2
	}
	switch status {
	case 0xF1, 0xF3:
		return 2
	case 0xF2:
		return 3
	case 0xF6, 0xF8, 0xFA, 0xFB, 0xFC, 0xFE, 0xFF:
		return 1
	}
	return 0
}

// parse runs in the driver's context. A sysex message may arrive split
// across calls and real-time bytes may appear inside it.
func (d *InputDevice) parse(data []byte) {
	now := cycleclock.Now()
	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b >= 0xF8:
			if statusLength(b) == 1 {
				d.enqueue(now, data[i:i+1])
			}
			i++

		case d.inSysEx:
			if b == statusEOX {
				d.appendSysEx(b)
				d.flushSysEx(now)
				i++
				continue
			}
			if b&0x80 != 0 {
				// new status before the terminator; reprocess it below
				d.discardSysEx("unterminated")
				continue
			}
			d.appendSysEx(b)
			i++

		case b == statusSysEx:
			d.inSysEx = true
			d.overrun = false
			d.running = 0
			d.sysex.Reset()
			d.appendSysEx(b)
			i++

		case b&0x80 != 0:
			n := statusLength(b)
			if b < 0xF0 {
				d.running = b
			} else {
				d.running = 0
			}
			if n == 0 {
				d.drop(DropInvalid)
				i++
				continue
			}
			if i+n > len(data) {
				d.drop(DropInvalid)
				return
			}
			d.enqueue(now, data[i:i+n])
			i += n

		default:
			if d.running == 0 {
				i++
				continue
			}
			n := statusLength(d.running) - 1
			if i+n > len(data) {
				d.drop(DropInvalid)
				return
			}
			d.short[0] = d.running
			copy(d.short[1:], data[i:i+n])
			d.enqueue(now, d.short[:n+1])
			i += n
		}
	}
}

func (d *InputDevice) appendSysEx(b byte) {
	if d.overrun {
		return
	}
	d.short[0] = b
	if _, err := d.sysex.Write(d.short[:1]); err != nil {
		d.overrun = true
	}
}

func (d *InputDevice) flushSysEx(now int64) {
	d.inSysEx = false
	if d.overrun {
		d.discardSysEx("too long")
		return
	}
	n, _ := d.sysex.Read(d.complete[:])
	d.sysex.Reset()
	if n <= 2 {
		d.discardSysEx("empty")
		return
	}
	d.enqueue(now, d.complete[:n])
}

func (d *InputDevice) discardSysEx(why string) {
	d.inSysEx = false
	d.overrun = false
	d.sysex.Reset()
	d.drop(DropSysEx)
	if d.warn.Allow() {
		d.log.Warn("discarding sysex", zap.String("device", d.name), zap.String("reason", why))
	}
}

func (d *InputDevice) enqueue(now int64, msg []byte) {
	if !d.enabled.Load() {
		return
	}
	if err := d.queue.Write(uint64(now), msg); err != nil {
		reason := DropOverflow
		if errors.Is(err, midiqueue.ErrInvalidSize) {
			reason = DropInvalid
		}
		d.drop(reason)
		if d.warn.Allow() {
			d.log.Warn("input message dropped",
				zap.String("device", d.name), zap.Int("size", len(msg)), zap.Error(err))
		}
		return
	}
	d.stats.messages.Add(1)
}

func (d *InputDevice) drop(reason string) {
	d.stats.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop(d.name, reason)
	}
}

// Dequeue returns the oldest record timestamped before end. A record at
// or after end stays queued and ok is false. Records older than start are
// still returned; the caller places them at the start of the cycle. msg
// is valid until the next call. Audio thread only.
func (d *InputDevice) Dequeue(start, end int64) (timestamp int64, msg []byte, ok bool) {
	for {
		h, err := d.queue.Peek()
		if err != nil {
			return 0, nil, false
		}
		if int64(h.Timestamp) >= end {
			return 0, nil, false
		}
		h, n, err := d.queue.Read(d.out[:])
		if err != nil {
			d.drop(DropCorrupt)
			continue
		}
		ts := int64(h.Timestamp)
		if ts < start {
			d.stats.late.Add(1)
			if d.warn.Allow() {
				d.log.Warn("late input message",
					zap.String("device", d.name), zap.Int64("late_us", start-ts))
			}
		}
		return ts, d.out[:n], true
	}
}
