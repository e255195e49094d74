package cerelog

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/cerelog-x8/internal/sink"
	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StatePrepared
	StateStreaming
	StateStopped
	StateReleased
)

func (s State) String() string {
	switch s {
	case StatePrepared:
		return "prepared"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	}
	return "uninitialized"
}

// InputParams are the per-session connection choices.
type InputParams struct {
	// SerialPort skips discovery when set.
	SerialPort string `yaml:"serial_port" json:"serialPort"`
	// BaudConfig is the line speed requested during the handshake, as an
	// index into DeviceConfig.BaudRates.
	BaudConfig byte `yaml:"baud_config" json:"baudConfig"`
}

// DefaultInputParams requests 460800 baud, enough headroom for 500 Hz frames.
func DefaultInputParams() InputParams {
	return InputParams{BaudConfig: 0x06}
}

// Status is a snapshot of the board for diagnostics.
type Status struct {
	Session     string      `json:"session"`
	State       string      `json:"state"`
	Port        string      `json:"port"`
	BaudRate    int         `json:"baudRate"`
	Stats       Stats       `json:"stats"`
	Sync        *SyncStatus `json:"sync,omitempty"`
	Buffered    int         `json:"buffered"`
	StreamError string      `json:"streamError,omitempty"`
}

// Board is the Cerelog X8 session controller. Its methods are safe for use
// from multiple goroutines; the stream itself runs on one goroutine it owns.
type Board struct {
	cfg    DeviceConfig
	params InputParams
	tr     transport.Transport
	now    func() time.Time

	mu        sync.Mutex
	state     State
	port      transport.Port
	session   string
	sync      *Synchronizer
	buffer    *sink.RingBuffer
	streamers []sink.Streamer
	loop      *streamLoop
	streamErr error

	keepAlive  atomic.Bool
	counters   Counters
	syncStatus atomic.Pointer[SyncStatus]
}

// NewBoard creates an unprepared board.
func NewBoard(tr transport.Transport, cfg DeviceConfig, params InputParams) (*Board, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Board{
		cfg:    cfg,
		params: params,
		tr:     tr,
		now:    time.Now,
		sync:   NewSynchronizer(cfg.CounterBits, cfg.SamplingRate, cfg.MinSyncCount, cfg.DriftWindow),
	}, nil
}

// PrepareSession finds the board, opens its port and runs the timestamp
// handshake. On failure the board stays unprepared and no port is held.
func (b *Board) PrepareSession() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StatePrepared, StateStreaming, StateStopped:
		log.Printf("[cerelog] session already prepared on %s", b.port.Name())
		return nil
	}

	name, err := DiscoverPort(b.tr, b.cfg, b.params.SerialPort)
	if err != nil {
		return err
	}
	port, err := b.tr.Open(name, b.cfg.ProbeBaud)
	if err != nil {
		return fmt.Errorf("cerelog: open %s: %w: %w", name, ErrPortAccess, err)
	}
	if err := port.SetReadTimeout(b.cfg.FrameReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("cerelog: set timeout on %s: %w: %w", name, ErrTransport, err)
	}

	b.sync.Reset()
	if err := b.handshake(port); err != nil {
		port.Close()
		b.sync.Reset()
		b.syncStatus.Store(nil)
		return err
	}

	b.port = port
	b.session = uuid.NewString()
	b.streamErr = nil
	b.state = StatePrepared
	log.Printf("[cerelog] session %s prepared on %s at %d baud", b.session, name, port.BaudRate())
	return nil
}

// handshake anchors the synchronizer. Only called while no stream runs.
func (b *Board) handshake(port transport.Port) error {
	hs, err := SendTimestampHandshake(port, b.cfg, b.cfg.BaudRegister, b.params.BaudConfig, b.now)
	if err != nil {
		return err
	}
	b.sync.Anchor(hs.Anchor.Counter, hs.Anchor.Time)
	st := b.sync.Status()
	b.syncStatus.Store(&st)
	return nil
}

// StartStream starts the acquisition goroutine. Samples go to a ring buffer
// of bufferSize rows and to any streamers named in streamerParams.
//
// Starting again after StopStream re-runs the handshake so timestamps are
// re-anchored from a fresh counter.
func (b *Board) StartStream(bufferSize int, streamerParams string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateStreaming:
		return fmt.Errorf("cerelog: start: %w", ErrAlreadyStreaming)
	case StatePrepared:
	case StateStopped:
		b.sync.Reset()
		if err := b.handshake(b.port); err != nil {
			return fmt.Errorf("cerelog: restart: %w", err)
		}
	default:
		return fmt.Errorf("cerelog: start in state %s: %w", b.state, ErrNotPrepared)
	}

	streamers, err := sink.OpenStreamers(streamerParams, sink.Options{
		Channels: b.cfg.NumChannels,
		Session:  b.session,
		Status:   func() any { return b.Status() },
	})
	if err != nil {
		return fmt.Errorf("cerelog: streamers: %w", err)
	}

	buffer := sink.NewRingBuffer(bufferSize)
	fan := sink.Fanout{buffer}
	for _, s := range streamers {
		fan = append(fan, s)
	}

	b.port.ResetInputBuffer()
	if err := b.writeCommand(b.cfg.StartCommand); err != nil {
		closeStreamers(streamers)
		return fmt.Errorf("cerelog: start command: %w: %w", ErrTransport, err)
	}

	b.buffer = buffer
	b.streamers = streamers
	b.streamErr = nil
	b.keepAlive.Store(true)
	b.loop = &streamLoop{
		cfg:       b.cfg,
		reader:    newFrameReader(b.port, b.cfg),
		sync:      b.sync,
		sink:      fan,
		counters:  &b.counters,
		status:    &b.syncStatus,
		keepAlive: &b.keepAlive,
		now:       b.now,
		done:      make(chan struct{}),
	}
	go b.loop.run()

	b.state = StateStreaming
	log.Printf("[cerelog] streaming (buffer=%d, streamers=%q)", bufferSize, streamerParams)
	return nil
}

// StopStream clears the liveness flag and waits, bounded by StopTimeout,
// for the stream goroutine to exit. If the stream had already died on a
// transport error, that error is returned after the session is stopped.
func (b *Board) StopStream() error {
	b.mu.Lock()
	streamers, err := b.stopLocked()
	b.mu.Unlock()

	// Streamers may call back into Status while shutting down.
	closeStreamers(streamers)
	return err
}

func (b *Board) stopLocked() ([]sink.Streamer, error) {
	if b.state != StateStreaming {
		return nil, fmt.Errorf("cerelog: stop in state %s: %w", b.state, ErrNotStreaming)
	}

	b.keepAlive.Store(false)
	select {
	case <-b.loop.done:
	case <-time.After(b.cfg.StopTimeout):
		return nil, fmt.Errorf("cerelog: stream still running after %v: %w", b.cfg.StopTimeout, ErrStopTimeout)
	}

	streamers := b.streamers
	b.streamers = nil
	b.streamErr = b.loop.err
	b.state = StateStopped

	if b.streamErr != nil {
		return streamers, b.streamErr
	}
	if err := b.writeCommand(b.cfg.StopCommand); err != nil {
		log.Printf("[cerelog] stop command: %v", err)
	}
	st := b.counters.Snapshot()
	log.Printf("[cerelog] stream stopped: %d samples, %d sync, %d dropped", st.Samples, st.SyncFrames, st.Dropped())
	return streamers, nil
}

// ReleaseSession stops any stream, closes the port and clears all
// synchronization state.
func (b *Board) ReleaseSession() error {
	b.mu.Lock()
	var streamers []sink.Streamer
	if b.state == StateStreaming {
		var err error
		if streamers, err = b.stopLocked(); err != nil {
			log.Printf("[cerelog] release: %v", err)
		}
	}
	if b.state == StateStreaming {
		// Stop timed out. The goroutine exits once the port is closed.
		streamers = b.streamers
		b.streamers = nil
	}

	var err error
	if b.port != nil {
		err = b.port.Close()
		b.port = nil
	}
	b.sync = NewSynchronizer(b.cfg.CounterBits, b.cfg.SamplingRate, b.cfg.MinSyncCount, b.cfg.DriftWindow)
	b.syncStatus.Store(nil)
	b.loop = nil
	b.state = StateReleased
	log.Printf("[cerelog] session %s released", b.session)
	b.mu.Unlock()

	closeStreamers(streamers)
	return err
}

// ConfigBoard sends a text command and returns the board's reply line.
// The board answers "$<text>\n"; the text is returned without framing.
func (b *Board) ConfigBoard(command string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateStreaming:
		return "", fmt.Errorf("cerelog: config %q: %w", command, ErrStreamActive)
	case StatePrepared, StateStopped:
	default:
		return "", fmt.Errorf("cerelog: config %q in state %s: %w", command, b.state, ErrNotPrepared)
	}

	b.port.ResetInputBuffer()
	if err := b.writeCommand(command); err != nil {
		return "", fmt.Errorf("cerelog: config %q: %w: %w", command, ErrTransport, err)
	}

	var resp []byte
	buf := make([]byte, 128)
	deadline := time.Now().Add(b.cfg.ConfigTimeout)
	for time.Now().Before(deadline) {
		n, err := b.port.Read(buf)
		resp = append(resp, buf[:n]...)
		if line, ok := replyLine(resp); ok {
			log.Printf("[cerelog] config %q -> %q", command, line)
			return line, nil
		}
		if err != nil {
			return "", fmt.Errorf("cerelog: config %q: %w: %w", command, ErrTransport, err)
		}
	}
	return "", fmt.Errorf("cerelog: config %q (%d bytes read): %w", command, len(resp), ErrNoResponse)
}

// Status returns a diagnostic snapshot.
func (b *Board) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Session: b.session,
		State:   b.state.String(),
		Stats:   b.counters.Snapshot(),
		Sync:    b.syncStatus.Load(),
	}
	if b.port != nil {
		st.Port = b.port.Name()
		st.BaudRate = b.port.BaudRate()
	}
	if b.buffer != nil {
		st.Buffered = b.buffer.Count()
	}
	switch {
	case b.streamErr != nil:
		st.StreamError = b.streamErr.Error()
	case b.loop != nil && b.state == StateStreaming:
		select {
		case <-b.loop.done:
			if b.loop.err != nil {
				st.StreamError = b.loop.err.Error()
			}
		default:
		}
	}
	return st
}

// Err returns the transport error that ended the stream, if any.
func (b *Board) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streamErr != nil {
		return b.streamErr
	}
	if b.loop != nil {
		select {
		case <-b.loop.done:
			return b.loop.err
		default:
		}
	}
	return nil
}

// GetBoardData removes and returns up to n of the oldest buffered samples;
// n < 0 drains the buffer.
func (b *Board) GetBoardData(n int) []sink.Sample {
	b.mu.Lock()
	buffer := b.buffer
	b.mu.Unlock()
	if buffer == nil {
		return nil
	}
	return buffer.Drain(n)
}

// GetCurrentBoardData returns up to n of the newest samples without
// removing them.
func (b *Board) GetCurrentBoardData(n int) []sink.Sample {
	b.mu.Lock()
	buffer := b.buffer
	b.mu.Unlock()
	if buffer == nil {
		return nil
	}
	return buffer.Latest(n)
}

// GetBoardDataCount returns the number of buffered samples.
func (b *Board) GetBoardDataCount() int {
	b.mu.Lock()
	buffer := b.buffer
	b.mu.Unlock()
	if buffer == nil {
		return 0
	}
	return buffer.Count()
}

func (b *Board) writeCommand(cmd string) error {
	if cmd == "" {
		return nil
	}
	_, err := b.port.Write([]byte(cmd + "\n"))
	return err
}

// replyLine finds a complete "$...\n" reply of printable ASCII in buf.
func replyLine(buf []byte) (string, bool) {
	for {
		i := bytes.IndexByte(buf, '$')
		if i < 0 {
			return "", false
		}
		buf = buf[i+1:]
		end := bytes.IndexByte(buf, '\n')
		if end < 0 {
			return "", false
		}
		line := bytes.TrimRight(buf[:end], "\r")
		if isPrintable(line) {
			return string(line), true
		}
	}
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}

func closeStreamers(streamers []sink.Streamer) {
	for _, s := range streamers {
		if err := s.Close(); err != nil {
			log.Printf("[cerelog] close streamer: %v", err)
		}
	}
}
