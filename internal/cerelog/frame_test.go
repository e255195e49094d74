package cerelog

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

func TestParseFrameDecodesFields(t *testing.T) {
	cfg := DefaultDeviceConfig()
	want := Frame{
		Type:    FrameData,
		Tag:     cfg.DataTag,
		Counter: 0x01020304,
		Status:  [3]byte{0xC0, 0x00, 0x01},
		Samples: []int32{0, 1, -1, 8388607, -8388608, 1234, -1234, 42},
	}
	raw := cfg.EncodeFrame(want)
	require.Len(t, raw, 37)
	assert.Equal(t, []byte{0xAB, 0xCD, 0x1F, 0x01, 0x02, 0x03, 0x04}, raw[:7])
	assert.Equal(t, []byte{0xDC, 0xBA}, raw[35:])
	assert.Equal(t, Checksum(raw[2:34]), raw[34])

	got, err := cfg.ParseFrame(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFrameTags(t *testing.T) {
	cfg := DefaultDeviceConfig()
	for _, tc := range []struct {
		typ FrameType
		tag byte
	}{
		{FrameData, 0x1F},
		{FrameSync, 0x20},
		{FrameAck, 0x21},
	} {
		f, err := cfg.ParseFrame(cfg.EncodeFrame(Frame{Type: tc.typ}))
		require.NoError(t, err)
		assert.Equal(t, tc.typ, f.Type, tc.typ.String())
		assert.Equal(t, tc.tag, f.Tag)
	}

	f, err := cfg.ParseFrame(cfg.EncodeFrame(Frame{Tag: 0x42}))
	require.NoError(t, err)
	assert.Equal(t, FrameUnknown, f.Type)
}

func TestParseFrameRejects(t *testing.T) {
	cfg := DefaultDeviceConfig()
	good := dataFrame(cfg, 10, 100, -100)

	_, err := cfg.ParseFrame(good[:20])
	assert.ErrorIs(t, err, ErrFrameLength)

	badStart := append([]byte(nil), good...)
	badStart[0] = 0x00
	_, err = cfg.ParseFrame(badStart)
	assert.ErrorIs(t, err, ErrBadMarker)

	badEnd := append([]byte(nil), good...)
	badEnd[36] = 0x00
	_, err = cfg.ParseFrame(badEnd)
	assert.ErrorIs(t, err, ErrBadMarker)

	for _, i := range []int{2, 5, 12, 33, 34} {
		flipped := append([]byte(nil), good...)
		flipped[i] ^= 0x10
		_, err = cfg.ParseFrame(flipped)
		assert.ErrorIs(t, err, ErrFrameChecksum, "flip at byte %d", i)
		assert.ErrorIs(t, err, ErrIntegrity)
	}
}

func TestEncodeCommand(t *testing.T) {
	cfg := DefaultDeviceConfig()
	host := time.Unix(0x65000000, 0)
	cmd := cfg.EncodeCommand(cfg.HandshakeType, cfg.BaudRegister, 0x06, host)

	want := []byte{0xAA, 0xBB, 0x02, 0x65, 0x00, 0x00, 0x00, 0x00, 0x06, 0x00, 0xCC, 0xDD}
	want[9] = Checksum(want[2:9])
	assert.Equal(t, want, cmd)
}

func TestVolts(t *testing.T) {
	cfg := DefaultDeviceConfig()
	v := cfg.Volts([]int32{0, 1 << 23, -(1 << 23)})
	require.Len(t, v, 3)
	assert.Zero(t, v[0])
	// Full scale is +-Vref/Gain.
	assert.InDelta(t, 4.5/24, v[1], 1e-12)
	assert.InDelta(t, -4.5/24, v[2], 1e-12)
}

func TestFrameReaderResyncs(t *testing.T) {
	cfg := DefaultDeviceConfig()
	port := transport.NewMockPort("/dev/ttyT0", 9600)
	require.NoError(t, port.SetReadTimeout(10*time.Millisecond))

	var stream []byte
	stream = append(stream, 0x00, 0x13, 0xAB)       // noise
	stream = append(stream, 0xAB, 0xCD, 0x1F, 0x00) // truncated frame start
	stream = append(stream, dataFrame(cfg, 1)...)
	stream = append(stream, dataFrame(cfg, 2)...)
	port.Feed(stream)

	r := newFrameReader(port, cfg)
	for _, want := range []uint32{1, 2} {
		raw, err := r.next(time.Second)
		require.NoError(t, err)
		f, err := cfg.ParseFrame(raw)
		require.NoError(t, err)
		assert.Equal(t, want, f.Counter)
	}
	assert.Equal(t, 1, r.takeSkipped())
	assert.Zero(t, r.takeSkipped())

	_, err := r.next(30 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestFrameReaderSplitDelivery(t *testing.T) {
	cfg := DefaultDeviceConfig()
	port := transport.NewMockPort("/dev/ttyT0", 9600)
	require.NoError(t, port.SetReadTimeout(10*time.Millisecond))

	raw := dataFrame(cfg, 99, 5)
	go func() {
		for _, part := range [][]byte{raw[:1], raw[1:20], raw[20:]} {
			port.Feed(part)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	got, err := newFrameReader(port, cfg).next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestFrameReaderPortError(t *testing.T) {
	cfg := DefaultDeviceConfig()
	port := transport.NewMockPort("/dev/ttyT0", 9600)
	boom := errors.New("device reports readiness to read but returned no data")
	port.SetReadError(boom)

	_, err := newFrameReader(port, cfg).next(time.Second)
	assert.ErrorIs(t, err, boom)
}

func TestDecodeSigned(t *testing.T) {
	for _, tc := range []struct {
		in   []byte
		want int32
	}{
		{[]byte{0x00, 0x00, 0x00}, 0},
		{[]byte{0x7F, 0xFF, 0xFF}, 8388607},
		{[]byte{0x80, 0x00, 0x00}, -8388608},
		{[]byte{0xFF, 0xFF, 0xFF}, -1},
		{[]byte{0x00, 0x04, 0xD2}, 1234},
	} {
		assert.Equal(t, tc.want, decodeSigned(tc.in), "% X", tc.in)
		b := make([]byte, 3)
		encodeSigned(b, tc.want)
		assert.Equal(t, tc.in, b)
	}
}
