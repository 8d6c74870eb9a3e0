package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drgolem/paengine/deviceio"
	"github.com/drgolem/paengine/internal/rtprio"
)

// cycleSource delivers cycles to the backend. The cycle body is the same
// whichever source drives it.
type cycleSource interface {
	open(cfg deviceio.StreamConfig) error
	start() error
	// stop returns once no cycle is running and none will start.
	stop() error
}

// driven lets the audio host call the cycle from its own thread.
type driven struct {
	b *Backend
}

func (s *driven) open(cfg deviceio.StreamConfig) error {
	return s.b.dev.OpenCallback(cfg, s.b.cycle)
}

func (s *driven) start() error { return s.b.dev.Start() }

func (s *driven) stop() error {
	err := s.b.dev.Stop()
	if errors.Is(err, deviceio.ErrNoStream) {
		return nil
	}
	return err
}

// polled runs the cycle on a dedicated goroutine locked to an OS thread,
// blocking in the host's read and write calls once per period.
type polled struct {
	b        *Backend
	quit     atomic.Bool
	wg       sync.WaitGroup
	priority int
}

func (s *polled) open(cfg deviceio.StreamConfig) error {
	return s.b.dev.OpenBlocking(cfg)
}

func (s *polled) start() error {
	if err := s.b.dev.Start(); err != nil {
		return err
	}
	s.quit.Store(false)
	s.wg.Add(1)
	go s.loop(s.b.period)
	return nil
}

func (s *polled) stop() error {
	s.quit.Store(true)
	// unblocks a read or write in progress
	err := s.b.dev.Stop()
	s.wg.Wait()
	if errors.Is(err, deviceio.ErrNoStream) {
		return nil
	}
	return err
}

func (s *polled) loop(frames int) {
	defer s.wg.Done()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := s.b.log
	if restore, err := rtprio.Promote(s.priority); err != nil {
		log.Warn("audio thread running without real-time priority", zap.Error(err))
	} else {
		defer restore()
	}

	for !s.quit.Load() {
		status, err := s.b.dev.NextCycle(frames)
		if err != nil {
			if s.quit.Load() {
				return
			}
			if s.b.fw.isActive() {
				// the hardware is only serviced for silence while freewheeling
				if s.b.warn.Allow() {
					log.Warn("audio I/O error while freewheeling", zap.Error(err))
				}
				time.Sleep(s.b.cycleDuration())
				continue
			}
			s.b.failAsync(fmt.Sprintf("audio I/O error: %v", err))
			return
		}
		if !s.b.cycle(status) {
			return
		}
	}
}
