package transport

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

// MockPort implements Port in memory. Reads block until data is fed, the read
// timeout elapses (returning 0, nil like a real port) or the port is closed.
type MockPort struct {
	mu sync.Mutex

	name        string
	baud        int
	readTimeout time.Duration
	buf         bytes.Buffer
	closed      bool
	notify      chan struct{}
	done        chan struct{}

	// ReadError, when set, is returned by every subsequent Read.
	ReadError error
	// WriteError, when set, is returned by every subsequent Write.
	WriteError error
	// BaudError, when set, is returned by SetBaudRate.
	BaudError error
	// OnWrite is called with a copy of every successful write.
	OnWrite func(p []byte)

	written    bytes.Buffer
	baudCalls  []int
	resetCalls int
}

// NewMockPort returns an open mock port.
func NewMockPort(name string, baud int) *MockPort {
	return &MockPort{
		name:        name,
		baud:        baud,
		readTimeout: 100 * time.Millisecond,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Feed makes data available to Read.
func (m *MockPort) Feed(data []byte) {
	m.mu.Lock()
	if !m.closed {
		m.buf.Write(data)
	}
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// SetReadError makes subsequent reads fail and wakes a blocked reader.
func (m *MockPort) SetReadError(err error) {
	m.mu.Lock()
	m.ReadError = err
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *MockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	timeout := m.readTimeout
	m.mu.Unlock()
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		done := m.done
		switch {
		case m.closed:
			m.mu.Unlock()
			return 0, ErrPortClosed
		case m.ReadError != nil:
			err := m.ReadError
			m.mu.Unlock()
			return 0, err
		case m.buf.Len() > 0:
			n, _ := m.buf.Read(p)
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-m.notify:
		case <-done:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrPortClosed
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.mu.Unlock()
		return 0, err
	}
	m.written.Write(p)
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return len(p), nil
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}

func (m *MockPort) Name() string { return m.name }

func (m *MockPort) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readTimeout = t
	return nil
}

func (m *MockPort) SetBaudRate(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BaudError != nil {
		return m.BaudError
	}
	m.baud = baud
	m.baudCalls = append(m.baudCalls, baud)
	return nil
}

func (m *MockPort) BaudRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baud
}

func (m *MockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Reset()
	m.resetCalls++
	return nil
}

// reopen brings a closed port back for another Open call. Pending input is
// discarded and writes are kept.
func (m *MockPort) reopen(baud int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.closed = false
		m.done = make(chan struct{})
		m.buf.Reset()
	}
	m.baud = baud
}

// Done is closed when the port is closed.
func (m *MockPort) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// ResetCalls returns how many times ResetInputBuffer was called.
func (m *MockPort) ResetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetCalls
}

// Closed reports whether Close was called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Written returns everything written to the port so far.
func (m *MockPort) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written.Bytes()...)
}

// BaudChanges returns the rates passed to SetBaudRate, in order.
func (m *MockPort) BaudChanges() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.baudCalls...)
}

// MockTransport hands out preconfigured ports by name.
type MockTransport struct {
	mu sync.Mutex

	Ports    []PortInfo
	ListErr  error
	Devices  map[string]Port
	OpenErrs map[string]error

	opened []string
}

// NewMockTransport returns a transport listing the given ports.
func NewMockTransport(ports ...PortInfo) *MockTransport {
	return &MockTransport{
		Ports:    ports,
		Devices:  make(map[string]Port),
		OpenErrs: make(map[string]error),
	}
}

func (t *MockTransport) ListPorts() ([]PortInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ListErr != nil {
		return nil, t.ListErr
	}
	return append([]PortInfo(nil), t.Ports...), nil
}

func (t *MockTransport) Open(name string, baud int) (Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened = append(t.opened, name)
	if err := t.OpenErrs[name]; err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", name, err)
	}
	p, ok := t.Devices[name]
	if !ok {
		// Nothing attached: a port that never answers.
		p = NewMockPort(name, baud)
		t.Devices[name] = p
	}
	if r, ok := p.(reopener); ok {
		r.reopen(baud)
	}
	return p, nil
}

type reopener interface {
	reopen(baud int)
}

// Opened returns the port names passed to Open, in order.
func (t *MockTransport) Opened() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.opened...)
}
