package cerelog

import (
	"time"

	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

// testConfig shortens every timeout so failure paths run quickly.
func testConfig() DeviceConfig {
	cfg := DefaultDeviceConfig()
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.DiscoveryTimeout = 2 * time.Second
	cfg.HandshakeTimeout = 200 * time.Millisecond
	cfg.FrameReadTimeout = 20 * time.Millisecond
	cfg.ConfigTimeout = 200 * time.Millisecond
	cfg.StopTimeout = 500 * time.Millisecond
	return cfg
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// answerIdent makes p reply to the identification query like a board that
// never acks a handshake.
func answerIdent(cfg DeviceConfig, p *transport.MockPort) {
	p.OnWrite = func(b []byte) {
		if string(b) == string(cfg.IdentQuery) {
			p.Feed(cfg.EncodeFrame(Frame{Type: FrameData, Counter: 7}))
		}
	}
}

func dataFrame(cfg DeviceConfig, counter uint32, samples ...int32) []byte {
	return cfg.EncodeFrame(Frame{Type: FrameData, Counter: counter, Samples: samples})
}

func syncFrame(cfg DeviceConfig, counter uint32) []byte {
	return cfg.EncodeFrame(Frame{Type: FrameSync, Counter: counter})
}
