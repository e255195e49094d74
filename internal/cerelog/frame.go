package cerelog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

// FrameType is the decoded tag of a device frame.
type FrameType int

const (
	FrameUnknown FrameType = iota
	FrameData
	FrameSync
	FrameAck
)

func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "data"
	case FrameSync:
		return "sync"
	case FrameAck:
		return "ack"
	}
	return "unknown"
}

// Frame is one validated device frame.
type Frame struct {
	Type    FrameType
	Tag     byte
	Counter uint32
	Status  [3]byte
	Samples []int32 // raw signed ADC counts, one per channel
}

// ParseFrame validates and decodes a full frame.
//
// Layout: [start marker][tag][counter BE][status x3][channels][checksum][end marker].
// The checksum covers tag through the last channel byte.
func (c DeviceConfig) ParseFrame(b []byte) (Frame, error) {
	if len(b) < c.FrameSize {
		return Frame{}, fmt.Errorf("cerelog: %d/%d bytes: %w", len(b), c.FrameSize, ErrFrameLength)
	}
	b = b[:c.FrameSize]
	if !bytes.HasPrefix(b, c.StartMarker[:]) || !bytes.HasSuffix(b, c.EndMarker[:]) {
		return Frame{}, fmt.Errorf("cerelog: % X...% X: %w", b[:2], b[len(b)-2:], ErrBadMarker)
	}
	want := b[c.ChecksumOffset]
	if got := Checksum(b[c.TagOffset:c.ChecksumOffset]); got != want {
		return Frame{}, fmt.Errorf("cerelog: got 0x%02X, want 0x%02X: %w", got, want, ErrFrameChecksum)
	}

	f := Frame{
		Tag:     b[c.TagOffset],
		Counter: binary.BigEndian.Uint32(b[c.CounterOffset:]) & c.counterMask(),
		Samples: make([]int32, c.NumChannels),
	}
	copy(f.Status[:], b[c.StatusOffset:c.StatusOffset+3])
	switch f.Tag {
	case c.DataTag:
		f.Type = FrameData
	case c.SyncTag:
		f.Type = FrameSync
	case c.AckTag:
		f.Type = FrameAck
	}
	for ch := 0; ch < c.NumChannels; ch++ {
		off := c.ChannelOffset + ch*c.SampleWidth
		f.Samples[ch] = decodeSigned(b[off : off+c.SampleWidth])
	}
	return f, nil
}

// EncodeFrame builds the wire form of f, checksum included.
func (c DeviceConfig) EncodeFrame(f Frame) []byte {
	b := make([]byte, c.FrameSize)
	copy(b, c.StartMarker[:])
	copy(b[c.FrameSize-len(c.EndMarker):], c.EndMarker[:])
	b[c.TagOffset] = f.Tag
	if f.Tag == 0 {
		b[c.TagOffset] = c.tagFor(f.Type)
	}
	binary.BigEndian.PutUint32(b[c.CounterOffset:], f.Counter&c.counterMask())
	copy(b[c.StatusOffset:], f.Status[:])
	for ch := 0; ch < c.NumChannels && ch < len(f.Samples); ch++ {
		off := c.ChannelOffset + ch*c.SampleWidth
		encodeSigned(b[off:off+c.SampleWidth], f.Samples[ch])
	}
	b[c.ChecksumOffset] = Checksum(b[c.TagOffset:c.ChecksumOffset])
	return b
}

// EncodeCommand builds a host -> device command frame:
//
//	[marker x2][type][host unix seconds BE x4][reg addr][reg val][checksum][end x2]
func (c DeviceConfig) EncodeCommand(typ, regAddr, regVal byte, host time.Time) []byte {
	b := make([]byte, c.CommandSize)
	copy(b, c.CommandMarker[:])
	b[2] = typ
	binary.BigEndian.PutUint32(b[3:7], uint32(host.Unix()))
	b[7] = regAddr
	b[8] = regVal
	b[9] = Checksum(b[2:9])
	copy(b[10:], c.CommandEnd[:])
	return b
}

// Volts converts decoded samples to volts.
func (c DeviceConfig) Volts(samples []int32) []float64 {
	scale := c.channelScale()
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) * scale
	}
	return out
}

func (c DeviceConfig) tagFor(t FrameType) byte {
	switch t {
	case FrameSync:
		return c.SyncTag
	case FrameAck:
		return c.AckTag
	}
	return c.DataTag
}

func (c DeviceConfig) counterMask() uint32 {
	if c.CounterBits >= 32 {
		return 0xFFFFFFFF
	}
	return uint32(1)<<c.CounterBits - 1
}

func decodeSigned(b []byte) int32 {
	var v uint32
	for _, x := range b {
		v = v<<8 | uint32(x)
	}
	shift := 32 - 8*uint(len(b))
	return int32(v<<shift) >> shift
}

func encodeSigned(b []byte, v int32) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// frameReader pulls marker-aligned frames off a port. Bytes that do not
// start a frame, and candidates whose end marker is wrong, are skipped one
// byte at a time until the stream realigns.
type frameReader struct {
	port    transport.Port
	cfg     DeviceConfig
	pending []byte
	chunk   []byte
	skipped int // misaligned candidates since the last takeSkipped
}

func newFrameReader(port transport.Port, cfg DeviceConfig) *frameReader {
	return &frameReader{
		port:  port,
		cfg:   cfg,
		chunk: make([]byte, 4*cfg.FrameSize),
	}
}

// next returns the raw bytes of the next aligned frame. It gives up with
// transport.ErrTimeout once timeout elapses; any other error comes from the
// port and means the link is gone.
func (r *frameReader) next(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if raw, ok := r.extract(); ok {
			return raw, nil
		}
		if !time.Now().Before(deadline) {
			return nil, transport.ErrTimeout
		}
		n, err := r.port.Read(r.chunk)
		if n > 0 {
			r.pending = append(r.pending, r.chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *frameReader) extract() ([]byte, bool) {
	size := r.cfg.FrameSize
	start := r.cfg.StartMarker[:]
	end := r.cfg.EndMarker[:]
	for {
		i := bytes.Index(r.pending, start)
		if i < 0 {
			// Keep a trailing first marker byte; its partner may be in flight.
			if n := len(r.pending); n > 0 && r.pending[n-1] == start[0] {
				r.pending = append(r.pending[:0], start[0])
			} else {
				r.pending = r.pending[:0]
			}
			return nil, false
		}
		if i > 0 {
			r.pending = append(r.pending[:0], r.pending[i:]...)
		}
		if len(r.pending) < size {
			return nil, false
		}
		if !bytes.Equal(r.pending[size-len(end):size], end) {
			r.skipped++
			r.pending = r.pending[1:]
			continue
		}
		raw := append([]byte(nil), r.pending[:size]...)
		r.pending = r.pending[size:]
		return raw, true
	}
}

func (r *frameReader) takeSkipped() int {
	n := r.skipped
	r.skipped = 0
	return n
}

