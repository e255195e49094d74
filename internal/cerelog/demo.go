package cerelog

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

// DemoPort is the port name the simulated board appears on.
const DemoPort = "/dev/ttyDEMO0"

// DemoDevice simulates an X8 behind a mock port, for development and tests.
//
// It answers the identification query with one frame, acks handshakes and
// restarts its counter there, and streams 500 Hz frames with a sync frame
// every SyncEvery samples between "b" and "s". The counter follows real
// elapsed time since the handshake, so the handshake anchor stays valid
// while the board idles.
type DemoDevice struct {
	*transport.MockPort

	cfg DeviceConfig

	mu        sync.Mutex
	baudCfg   byte
	epoch     time.Time
	next      uint32
	streaming chan struct{} // closed to stop the generator
	emitted   int

	// SyncEvery is the number of samples between sync frames.
	SyncEvery uint32
	// CorruptEvery, when positive, flips a payload bit in every Nth data frame.
	CorruptEvery int
	// Silent makes the board ignore everything written to it.
	Silent bool
}

// NewDemoDevice returns a simulated board on a fresh mock port.
func NewDemoDevice(cfg DeviceConfig) *DemoDevice {
	d := &DemoDevice{
		MockPort:  transport.NewMockPort(DemoPort, cfg.ProbeBaud),
		cfg:       cfg,
		baudCfg:   0x06,
		epoch:     time.Now(),
		SyncEvery: 250,
	}
	d.OnWrite = d.handleWrite
	return d
}

// NewDemoTransport returns a transport with one simulated board attached to
// a CP210x-looking USB port.
func NewDemoTransport(cfg DeviceConfig) (*transport.MockTransport, *DemoDevice) {
	dev := NewDemoDevice(cfg)
	tr := transport.NewMockTransport(transport.PortInfo{
		Name:    DemoPort,
		IsUSB:   true,
		VID:     "10C4",
		PID:     "EA60",
		Product: "CP2102N USB to UART Bridge Controller",
	})
	tr.Devices[DemoPort] = dev
	return tr, dev
}

// Streaming reports whether the generator is running.
func (d *DemoDevice) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming != nil
}

func (d *DemoDevice) handleWrite(p []byte) {
	d.mu.Lock()
	silent := d.Silent
	d.mu.Unlock()
	if silent {
		return
	}

	marker := d.cfg.CommandMarker[:]
	for len(p) > 0 {
		if bytes.HasPrefix(p, marker) && len(p) >= d.cfg.CommandSize {
			d.handleCommandFrame(p[:d.cfg.CommandSize])
			p = p[d.cfg.CommandSize:]
			continue
		}
		line, rest, _ := bytes.Cut(p, []byte("\n"))
		p = rest
		d.handleText(strings.TrimSpace(string(line)))
	}
}

func (d *DemoDevice) handleCommandFrame(cmd []byte) {
	if cmd[2] != d.cfg.HandshakeType || Checksum(cmd[2:9]) != cmd[9] {
		return
	}
	regAddr, regVal := cmd[7], cmd[8]

	d.mu.Lock()
	if regAddr == d.cfg.BaudRegister {
		d.baudCfg = regVal
	}
	d.epoch = time.Now()
	d.next = 0
	ack := d.cfg.EncodeFrame(Frame{
		Type:   FrameAck,
		Status: [3]byte{regAddr, d.baudCfg, 0},
	})
	d.mu.Unlock()

	d.Feed(ack)
}

func (d *DemoDevice) handleText(cmd string) {
	switch {
	case cmd == "":
	case cmd+"\n" == string(d.cfg.IdentQuery):
		d.mu.Lock()
		f := d.cfg.EncodeFrame(Frame{Type: FrameData, Counter: d.counterNow(), Samples: d.signal(0)})
		d.mu.Unlock()
		d.Feed(f)
	case cmd == d.cfg.StartCommand:
		d.start()
	case cmd == d.cfg.StopCommand:
		d.stop()
	case cmd == "v":
		d.Feed([]byte("$CERELOG_X8 v1.0\n"))
	case strings.HasPrefix(cmd, "x"), strings.HasPrefix(cmd, "~"), cmd == "d":
		d.Feed([]byte("$OK\n"))
	default:
		d.Feed([]byte("$ERR unknown command\n"))
	}
}

func (d *DemoDevice) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming != nil {
		return
	}
	d.next = d.counterNow()
	stop := make(chan struct{})
	d.streaming = stop
	go d.generate(stop, d.Done())
}

func (d *DemoDevice) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streaming != nil {
		close(d.streaming)
		d.streaming = nil
	}
}

func (d *DemoDevice) generate(stop chan struct{}, closed <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-closed:
			d.mu.Lock()
			if d.streaming == stop {
				d.streaming = nil
			}
			d.mu.Unlock()
			return
		case <-ticker.C:
			d.Feed(d.pending())
		}
	}
}

// pending encodes every frame due since the last tick.
func (d *DemoDevice) pending() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []byte
	target := d.counterNow()
	for ; d.next != target; d.next = (d.next + 1) & d.cfg.counterMask() {
		if d.SyncEvery > 0 && d.next%d.SyncEvery == 0 {
			out = append(out, d.cfg.EncodeFrame(Frame{Type: FrameSync, Counter: d.next})...)
		}
		f := d.cfg.EncodeFrame(Frame{
			Type:    FrameData,
			Counter: d.next,
			Status:  demoStatus(d.next),
			Samples: d.signal(d.next),
		})
		d.emitted++
		if d.CorruptEvery > 0 && d.emitted%d.CorruptEvery == 0 {
			f[d.cfg.ChannelOffset] ^= 0x01
		}
		out = append(out, f...)
	}
	return out
}

// counterNow is the sample count since the last handshake. Caller holds mu.
func (d *DemoDevice) counterNow() uint32 {
	n := uint64(time.Since(d.epoch)) * uint64(d.cfg.SamplingRate) / uint64(time.Second)
	return uint32(n) & d.cfg.counterMask()
}

// signal synthesizes channel i as a (i+1)*2 Hz sine of 50 uV plus a little
// noise, in raw ADC counts.
func (d *DemoDevice) signal(counter uint32) []int32 {
	t := float64(counter) / float64(d.cfg.SamplingRate)
	scale := d.cfg.channelScale()
	out := make([]int32, d.cfg.NumChannels)
	for i := range out {
		v := 50e-6*math.Sin(2*math.Pi*float64(i+1)*2*t) + rand.NormFloat64()*2e-6
		out[i] = int32(v / scale)
	}
	return out
}

// demoStatus mimics the ADS1299 status word: 0xC0 lead-off header, then the
// low counter bytes so hex dumps are easy to follow.
func demoStatus(counter uint32) [3]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], counter)
	return [3]byte{0xC0, b[2], b[3]}
}
