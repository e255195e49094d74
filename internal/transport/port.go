// Package transport is the serial link the acquisition driver talks through.
// The real implementation sits on go.bug.st/serial; mock.go provides in-memory
// ports so the driver can be exercised without hardware.
package transport

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrTimeout is returned when a bounded read does not complete in time.
	ErrTimeout = errors.New("transport: read timeout")
	// ErrPortClosed is returned by operations on a closed port.
	ErrPortClosed = errors.New("transport: port closed")
)

// Port is an open serial connection.
//
// Read follows go.bug.st/serial semantics: once the read timeout elapses
// with no data it returns (0, nil). A non-nil error means the link is gone.
type Port interface {
	io.ReadWriteCloser
	// Name returns the OS path of the port.
	Name() string
	// SetReadTimeout bounds every subsequent Read.
	SetReadTimeout(t time.Duration) error
	// SetBaudRate reconfigures the line speed of the open port.
	SetBaudRate(baud int) error
	// BaudRate returns the current line speed.
	BaudRate() int
	// ResetInputBuffer discards bytes received but not yet read.
	ResetInputBuffer() error
}

// PortInfo describes a candidate port reported by the host.
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"` // hex, e.g. "10C4"
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	Product      string `json:"product,omitempty"`
}

// Transport enumerates and opens serial ports.
type Transport interface {
	ListPorts() ([]PortInfo, error)
	Open(name string, baud int) (Port, error)
}
