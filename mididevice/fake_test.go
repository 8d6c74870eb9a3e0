package mididevice

import (
	"errors"
	"slices"
	"sync"
)

type fakeIn struct {
	name    string
	openErr error

	mu     sync.Mutex
	recv   func([]byte)
	closed bool
}

func (p *fakeIn) Name() string { return p.name }

func (p *fakeIn) Listen(recv func([]byte)) (func() error, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.mu.Lock()
	p.recv = recv
	p.mu.Unlock()
	return func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.recv = nil
		p.closed = true
		return nil
	}, nil
}

// feed delivers data as the driver would.
func (p *fakeIn) feed(data ...byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.recv != nil {
		p.recv(data)
	}
}

type fakeOut struct {
	name    string
	openErr error

	mu     sync.Mutex
	sent   [][]byte
	open   bool
	notify chan struct{}
}

func newFakeOut(name string) *fakeOut {
	return &fakeOut{name: name, notify: make(chan struct{}, 64)}
}

func (p *fakeOut) Name() string { return p.name }

func (p *fakeOut) Open() error {
	if p.openErr != nil {
		return p.openErr
	}
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
	return nil
}

func (p *fakeOut) Send(msg []byte) error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return errors.New("port closed")
	}
	p.sent = append(p.sent, slices.Clone(msg))
	p.mu.Unlock()
	p.notify <- struct{}{}
	return nil
}

func (p *fakeOut) Close() error {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return nil
}

func (p *fakeOut) messages() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.sent)
}

type fakeDriver struct {
	ins  []InPort
	outs []OutPort
}

func (d *fakeDriver) Inputs() ([]InPort, error)   { return d.ins, nil }
func (d *fakeDriver) Outputs() ([]OutPort, error) { return d.outs, nil }
