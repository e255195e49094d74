package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockPortReadTimesOutWithoutError(t *testing.T) {
	p := NewMockPort("/dev/ttyT0", 9600)
	require.NoError(t, p.SetReadTimeout(20*time.Millisecond))

	start := time.Now()
	n, err := p.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestMockPortFeedWakesReader(t *testing.T) {
	p := NewMockPort("/dev/ttyT0", 9600)
	require.NoError(t, p.SetReadTimeout(time.Second))

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Feed([]byte{1, 2, 3})
	}()
	buf := make([]byte, 8)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])
}

func TestMockPortCloseUnblocksReader(t *testing.T) {
	p := NewMockPort("/dev/ttyT0", 9600)
	require.NoError(t, p.SetReadTimeout(5*time.Second))

	errc := make(chan error, 1)
	go func() {
		_, err := p.Read(make([]byte, 1))
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrPortClosed)
	case <-time.After(time.Second):
		t.Fatal("reader still blocked after close")
	}
	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestMockPortReadError(t *testing.T) {
	p := NewMockPort("/dev/ttyT0", 9600)
	boom := errors.New("unplugged")
	p.SetReadError(boom)
	_, err := p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, boom)
}

func TestMockPortRecordsWritesAndBaud(t *testing.T) {
	p := NewMockPort("/dev/ttyT0", 9600)
	var hooked []byte
	p.OnWrite = func(b []byte) { hooked = append(hooked, b...) }

	_, err := p.Write([]byte("b\n"))
	require.NoError(t, err)
	require.NoError(t, p.SetBaudRate(460800))
	require.NoError(t, p.ResetInputBuffer())

	assert.Equal(t, []byte("b\n"), p.Written())
	assert.Equal(t, []byte("b\n"), hooked)
	assert.Equal(t, 460800, p.BaudRate())
	assert.Equal(t, []int{460800}, p.BaudChanges())
	assert.Equal(t, 1, p.ResetCalls())
}

func TestMockTransportOpen(t *testing.T) {
	tr := NewMockTransport(PortInfo{Name: "/dev/ttyA"}, PortInfo{Name: "/dev/ttyB"})
	tr.OpenErrs["/dev/ttyB"] = errors.New("busy")

	ports, err := tr.ListPorts()
	require.NoError(t, err)
	assert.Len(t, ports, 2)

	a, err := tr.Open("/dev/ttyA", 9600)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyA", a.Name())

	_, err = tr.Open("/dev/ttyB", 9600)
	assert.Error(t, err)

	// A closed port can be opened again at a new rate.
	require.NoError(t, a.Close())
	again, err := tr.Open("/dev/ttyA", 115200)
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, 115200, again.BaudRate())
	assert.False(t, again.(*MockPort).Closed())
	assert.Empty(t, again.(*MockPort).BaudChanges())

	assert.Equal(t, []string{"/dev/ttyA", "/dev/ttyB", "/dev/ttyA"}, tr.Opened())
}
