package cerelog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

func newDemoBoard(t *testing.T) (*Board, *DemoDevice) {
	t.Helper()
	cfg := testConfig()
	tr, dev := NewDemoTransport(cfg)
	dev.SyncEvery = 50
	b, err := NewBoard(tr, cfg, DefaultInputParams())
	require.NoError(t, err)
	t.Cleanup(func() { b.ReleaseSession() })
	return b, dev
}

func TestNewBoardValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FrameSize = 40
	_, err := NewBoard(transport.NewMockTransport(), cfg, DefaultInputParams())
	assert.Error(t, err)
}

func TestBoardStreamsDemoData(t *testing.T) {
	b, dev := newDemoBoard(t)

	require.NoError(t, b.PrepareSession())
	st := b.Status()
	assert.Equal(t, "prepared", st.State)
	assert.Equal(t, DemoPort, st.Port)
	assert.Equal(t, 460800, st.BaudRate)
	assert.NotEmpty(t, st.Session)
	require.NotNil(t, st.Sync)
	assert.Equal(t, 1, st.Sync.SyncCount)

	require.NoError(t, b.StartStream(1000, ""))
	require.Eventually(t, func() bool { return b.GetBoardDataCount() >= 100 }, 3*time.Second, 10*time.Millisecond)

	latest := b.GetCurrentBoardData(10)
	require.Len(t, latest, 10)
	assert.GreaterOrEqual(t, b.GetBoardDataCount(), 100, "peeking leaves data buffered")

	data := b.GetBoardData(50)
	require.Len(t, data, 50)
	for i := 1; i < len(data); i++ {
		assert.Equal(t, data[i-1].Counter+1, data[i].Counter)
		assert.WithinDuration(t, time.Now(), data[i].Timestamp, 5*time.Second)
		assert.Len(t, data[i].Channels, 8)
	}

	require.NoError(t, b.StopStream())
	assert.False(t, dev.Streaming())
	assert.Equal(t, "stopped", b.Status().State)
	assert.True(t, strings.HasSuffix(string(dev.Written()), "b\ns\n"))

	require.NoError(t, b.ReleaseSession())
	assert.True(t, dev.Closed())
	assert.Equal(t, "released", b.Status().State)
	assert.Nil(t, b.Status().Sync)
}

func TestBoardLifecycleMisuse(t *testing.T) {
	b, _ := newDemoBoard(t)

	assert.ErrorIs(t, b.StartStream(10, ""), ErrNotPrepared)
	assert.ErrorIs(t, b.StopStream(), ErrNotStreaming)
	_, err := b.ConfigBoard("v")
	assert.ErrorIs(t, err, ErrNotPrepared)

	require.NoError(t, b.PrepareSession())
	require.NoError(t, b.PrepareSession(), "prepare is idempotent")
	assert.ErrorIs(t, b.StopStream(), ErrNotStreaming)

	require.NoError(t, b.StartStream(10, ""))
	err = b.StartStream(10, "")
	assert.ErrorIs(t, err, ErrAlreadyStreaming)
	assert.ErrorIs(t, err, ErrLifecycle)

	_, err = b.ConfigBoard("v")
	assert.ErrorIs(t, err, ErrStreamActive)

	require.NoError(t, b.StopStream())
	assert.ErrorIs(t, b.StopStream(), ErrNotStreaming)
}

func TestBoardConfig(t *testing.T) {
	b, dev := newDemoBoard(t)
	require.NoError(t, b.PrepareSession())

	resp, err := b.ConfigBoard("v")
	require.NoError(t, err)
	assert.Equal(t, "CERELOG_X8 v1.0", resp)

	resp, err = b.ConfigBoard("x1060110X")
	require.NoError(t, err)
	assert.Equal(t, "OK", resp)

	resp, err = b.ConfigBoard("zz")
	require.NoError(t, err)
	assert.Equal(t, "ERR unknown command", resp)

	dev.mu.Lock()
	dev.Silent = true
	dev.mu.Unlock()
	_, err = b.ConfigBoard("v")
	assert.ErrorIs(t, err, ErrNoResponse)
}

func TestBoardRestartReanchors(t *testing.T) {
	b, dev := newDemoBoard(t)
	require.NoError(t, b.PrepareSession())
	require.NoError(t, b.StartStream(100, ""))
	require.Eventually(t, func() bool { return b.GetBoardDataCount() > 0 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.StopStream())

	before := strings.Count(string(dev.Written()), "\xAA\xBB")
	require.NoError(t, b.StartStream(100, ""))
	assert.Equal(t, before+1, strings.Count(string(dev.Written()), "\xAA\xBB"), "restart re-runs the handshake")

	require.Eventually(t, func() bool { return b.GetBoardDataCount() > 0 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.StopStream())
}

func TestBoardStopIsBounded(t *testing.T) {
	b, _ := newDemoBoard(t)
	require.NoError(t, b.PrepareSession())
	require.NoError(t, b.StartStream(100, ""))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, b.StopStream())
	assert.Less(t, time.Since(start), b.cfg.FrameReadTimeout+200*time.Millisecond)
}

func TestBoardSurfacesTransportFailure(t *testing.T) {
	b, dev := newDemoBoard(t)
	require.NoError(t, b.PrepareSession())
	require.NoError(t, b.StartStream(100, ""))

	dev.SetReadError(errors.New("device disconnected"))
	require.Eventually(t, func() bool { return b.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, b.Status().StreamError)

	err := b.StopStream()
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "stopped", b.Status().State)
	assert.NotEmpty(t, b.Status().StreamError)
}

func TestBoardCountsCorruptFrames(t *testing.T) {
	b, dev := newDemoBoard(t)
	dev.CorruptEvery = 10
	require.NoError(t, b.PrepareSession())
	require.NoError(t, b.StartStream(1000, ""))

	require.Eventually(t, func() bool {
		st := b.Status().Stats
		return st.ChecksumErrors >= 5 && st.Samples >= 45
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.StopStream())

	data := b.GetBoardData(-1)
	require.NotEmpty(t, data)
	for i := 1; i < len(data); i++ {
		assert.Greater(t, data[i].Counter, data[i-1].Counter)
	}
	assert.Zero(t, b.GetBoardDataCount())
}

func TestBoardWritesCSVStreamer(t *testing.T) {
	b, _ := newDemoBoard(t)
	path := filepath.Join(t.TempDir(), "eeg.csv")
	require.NoError(t, b.PrepareSession())
	require.NoError(t, b.StartStream(100, "file://"+path+":w"))
	require.Eventually(t, func() bool { return b.GetBoardDataCount() >= 20 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, b.StopStream())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, "timestamp,counter,ch1_v,ch2_v,ch3_v,ch4_v,ch5_v,ch6_v,ch7_v,ch8_v", lines[0])
	assert.GreaterOrEqual(t, len(lines), 21)
}

func TestBoardBadStreamerParams(t *testing.T) {
	b, dev := newDemoBoard(t)
	require.NoError(t, b.PrepareSession())
	assert.Error(t, b.StartStream(100, "carrier-pigeon://coop"))
	assert.Equal(t, "prepared", b.Status().State)
	assert.False(t, dev.Streaming())
}

func TestPrepareFailsWithoutBoard(t *testing.T) {
	cfg := testConfig()
	tr := transport.NewMockTransport(transport.PortInfo{Name: "/dev/ttyUSB0", IsUSB: true})
	b, err := NewBoard(tr, cfg, DefaultInputParams())
	require.NoError(t, err)

	err = b.PrepareSession()
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, "uninitialized", b.Status().State)
}

func TestPrepareClosesPortOnHandshakeFailure(t *testing.T) {
	cfg := testConfig()
	port := transport.NewMockPort("/dev/ttyUSB0", cfg.ProbeBaud)
	answerIdent(cfg, port)
	tr := transport.NewMockTransport(transport.PortInfo{Name: "/dev/ttyUSB0", IsUSB: true})
	tr.Devices["/dev/ttyUSB0"] = port

	b, err := NewBoard(tr, cfg, InputParams{SerialPort: "/dev/ttyUSB0", BaudConfig: 0x06})
	require.NoError(t, err)

	err = b.PrepareSession()
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.True(t, port.Closed())
	st := b.Status()
	assert.Equal(t, "uninitialized", st.State)
	assert.Nil(t, st.Sync)
}

func TestPrepareRejectsBadBaudConfig(t *testing.T) {
	cfg := testConfig()
	tr, dev := NewDemoTransport(cfg)
	b, err := NewBoard(tr, cfg, InputParams{BaudConfig: 0x0C})
	require.NoError(t, err)

	err = b.PrepareSession()
	assert.ErrorIs(t, err, ErrUnsupportedBaudConfig)
	assert.True(t, dev.Closed())
	assert.Empty(t, dev.BaudChanges())
}
