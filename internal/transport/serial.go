package transport

import (
	"errors"
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Serial opens real serial ports through go.bug.st/serial.
type Serial struct {
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
	// ReadTimeout is applied right after open. Zero keeps the driver default.
	ReadTimeout time.Duration
}

// NewSerial returns a Serial transport using 8N1 framing.
func NewSerial() *Serial {
	return &Serial{
		DataBits:    8,
		Parity:      serial.NoParity,
		StopBits:    serial.OneStopBit,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// ListPorts returns the ports known to the host, with USB details when the
// enumerator can provide them.
func (s *Serial) ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return ports, nil
	}

	log.Printf("[transport] detailed enumeration failed (%v), falling back to port names", err)
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: enumerate ports: %w", err)
	}
	ports := make([]PortInfo, 0, len(names))
	for _, n := range names {
		ports = append(ports, PortInfo{Name: n})
	}
	return ports, nil
}

// Open opens name at the given baud rate.
func (s *Serial) Open(name string, baud int) (Port, error) {
	mode := serial.Mode{
		BaudRate: baud,
		DataBits: s.DataBits,
		Parity:   s.Parity,
		StopBits: s.StopBits,
	}
	p, err := serial.Open(name, &mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", name, err)
	}
	if s.ReadTimeout > 0 {
		if err := p.SetReadTimeout(s.ReadTimeout); err != nil {
			p.Close()
			return nil, fmt.Errorf("transport: set timeout on %s: %w", name, err)
		}
	}
	return &serialPort{Port: p, name: name, mode: mode}, nil
}

// IsAccessError reports whether err means the port exists but could not be
// used (busy or permission denied).
func IsAccessError(err error) bool {
	var pe *serial.PortError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code() {
	case serial.PortBusy, serial.PermissionDenied:
		return true
	}
	return false
}

type serialPort struct {
	serial.Port
	name string
	mode serial.Mode
}

func (p *serialPort) Name() string  { return p.name }
func (p *serialPort) BaudRate() int { return p.mode.BaudRate }

func (p *serialPort) SetBaudRate(baud int) error {
	mode := p.mode
	mode.BaudRate = baud
	if err := p.Port.SetMode(&mode); err != nil {
		return fmt.Errorf("transport: set %d baud on %s: %w", baud, p.name, err)
	}
	p.mode = mode
	return nil
}
