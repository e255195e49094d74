// Package cerelog drives the Cerelog X8, an ESP32 + ADS1299 eight channel
// biosignal board on a USB serial link.
//
// A session finds the board's port, runs a timestamp handshake that also
// settles the line speed, and then reads 37-byte frames on a background
// goroutine. Each frame carries a free-running sample counter; the driver
// turns that counter into wall-clock time by extrapolating from the most
// recent sync frame.
package cerelog

import (
	"fmt"
	"time"
)

// BoardID is the board identifier used by BrainFlow style front-ends.
const BoardID = 65

// DeviceConfig holds the board constants: frame geometry, wire markers,
// counter width, baud table and timing. It is passed by value and never
// mutated after construction.
type DeviceConfig struct {
	NumChannels int

	// Device -> host frame layout (byte offsets).
	FrameSize      int
	StartMarker    [2]byte
	EndMarker      [2]byte
	TagOffset      int
	CounterOffset  int
	StatusOffset   int
	ChannelOffset  int
	SampleWidth    int // bytes per channel sample, signed big-endian
	ChecksumOffset int

	DataTag byte
	SyncTag byte
	AckTag  byte

	// CounterBits is the width of the on-device packet counter.
	CounterBits uint

	// Host -> device command frames.
	CommandSize   int
	CommandMarker [2]byte
	CommandEnd    [2]byte
	HandshakeType byte
	BaudRegister  byte

	// BaudRates maps a device baud config byte (the index) to a line speed.
	BaudRates [8]int
	ProbeBaud int

	IdentQuery   []byte
	StartCommand string
	StopCommand  string

	SamplingRate int     // Hz
	VRef         float64 // volts
	Gain         float64

	// MinSyncCount is the number of anchors (handshake included) needed
	// before data frames are timestamped and emitted.
	MinSyncCount int
	// DriftWindow is the number of re-anchor residuals kept for diagnostics.
	DriftWindow int

	ProbeTimeout     time.Duration
	DiscoveryTimeout time.Duration
	HandshakeTimeout time.Duration
	FrameReadTimeout time.Duration
	ConfigTimeout    time.Duration
	StopTimeout      time.Duration
}

// DefaultDeviceConfig returns the X8 firmware constants.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		NumChannels: 8,

		FrameSize:      37,
		StartMarker:    [2]byte{0xAB, 0xCD},
		EndMarker:      [2]byte{0xDC, 0xBA},
		TagOffset:      2,
		CounterOffset:  3,
		StatusOffset:   7,
		ChannelOffset:  10,
		SampleWidth:    3,
		ChecksumOffset: 34,

		DataTag: 0x1F, // the firmware's payload length byte for data frames
		SyncTag: 0x20,
		AckTag:  0x21,

		CounterBits: 32,

		CommandSize:   12,
		CommandMarker: [2]byte{0xAA, 0xBB},
		CommandEnd:    [2]byte{0xCC, 0xDD},
		HandshakeType: 0x02,
		BaudRegister:  0x00,

		BaudRates: [8]int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600},
		ProbeBaud: 9600,

		IdentQuery:   []byte("?\n"),
		StartCommand: "b",
		StopCommand:  "s",

		SamplingRate: 500,
		VRef:         4.5,
		Gain:         24,

		MinSyncCount: 2,
		DriftWindow:  64,

		ProbeTimeout:     1 * time.Second,
		DiscoveryTimeout: 15 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		FrameReadTimeout: 100 * time.Millisecond,
		ConfigTimeout:    1 * time.Second,
		StopTimeout:      1100 * time.Millisecond,
	}
}

// Validate checks that the layout is self-consistent.
func (c DeviceConfig) Validate() error {
	switch {
	case c.NumChannels <= 0:
		return fmt.Errorf("cerelog: invalid channel count %d", c.NumChannels)
	case c.SampleWidth < 1 || c.SampleWidth > 4:
		return fmt.Errorf("cerelog: invalid sample width %d", c.SampleWidth)
	case c.ChannelOffset+c.NumChannels*c.SampleWidth > c.ChecksumOffset:
		return fmt.Errorf("cerelog: channels overrun checksum at %d", c.ChecksumOffset)
	case c.ChecksumOffset+1+len(c.EndMarker) != c.FrameSize:
		return fmt.Errorf("cerelog: frame size %d does not match checksum offset %d", c.FrameSize, c.ChecksumOffset)
	case c.CounterOffset+4 > c.StatusOffset || c.StatusOffset+3 > c.ChannelOffset:
		return fmt.Errorf("cerelog: counter/status fields overlap")
	case c.CounterBits == 0 || c.CounterBits > 32:
		return fmt.Errorf("cerelog: invalid counter width %d", c.CounterBits)
	case c.SamplingRate <= 0:
		return fmt.Errorf("cerelog: invalid sampling rate %d", c.SamplingRate)
	case c.MinSyncCount < 1:
		return fmt.Errorf("cerelog: min sync count must be at least 1")
	case c.FrameReadTimeout <= 0:
		return fmt.Errorf("cerelog: frame read timeout must be positive")
	case c.DataTag == c.SyncTag || c.DataTag == c.AckTag || c.SyncTag == c.AckTag:
		return fmt.Errorf("cerelog: frame tags must be distinct")
	}
	return nil
}

// NegotiateBaud maps a device-reported baud config byte to a line speed.
func (c DeviceConfig) NegotiateBaud(configVal byte) (int, error) {
	if int(configVal) >= len(c.BaudRates) || c.BaudRates[configVal] == 0 {
		return 0, fmt.Errorf("cerelog: baud config 0x%02X: %w", configVal, ErrUnsupportedBaudConfig)
	}
	return c.BaudRates[configVal], nil
}

// channelScale converts a raw ADC count to volts.
func (c DeviceConfig) channelScale() float64 {
	return (2 * c.VRef / c.Gain) / float64(uint64(1)<<24)
}
