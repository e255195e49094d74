package cerelog

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/shaunagostinho/cerelog-x8/internal/sink"
	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

// Counters tracks per-frame outcomes of a session. Frame-level problems
// never stop the stream; they only show up here.
type Counters struct {
	Frames         atomic.Uint64
	ChecksumErrors atomic.Uint64
	Misaligned     atomic.Uint64
	UnknownFrames  atomic.Uint64
	SyncFrames     atomic.Uint64
	UnsyncedDrops  atomic.Uint64
	Samples        atomic.Uint64
}

// Stats is a plain copy of Counters.
type Stats struct {
	Frames         uint64 `json:"frames"`
	ChecksumErrors uint64 `json:"checksumErrors"`
	Misaligned     uint64 `json:"misaligned"`
	UnknownFrames  uint64 `json:"unknownFrames"`
	SyncFrames     uint64 `json:"syncFrames"`
	UnsyncedDrops  uint64 `json:"unsyncedDrops"`
	Samples        uint64 `json:"samples"`
}

// Snapshot reads all counters.
func (c *Counters) Snapshot() Stats {
	return Stats{
		Frames:         c.Frames.Load(),
		ChecksumErrors: c.ChecksumErrors.Load(),
		Misaligned:     c.Misaligned.Load(),
		UnknownFrames:  c.UnknownFrames.Load(),
		SyncFrames:     c.SyncFrames.Load(),
		UnsyncedDrops:  c.UnsyncedDrops.Load(),
		Samples:        c.Samples.Load(),
	}
}

// Dropped is the number of frames that did not reach the sink.
func (s Stats) Dropped() uint64 {
	return s.ChecksumErrors + s.Misaligned + s.UnknownFrames + s.UnsyncedDrops
}

// streamLoop reads frames until keepAlive is cleared or the port fails.
// It is the only writer of sync while it runs.
type streamLoop struct {
	cfg       DeviceConfig
	reader    *frameReader
	sync      *Synchronizer
	sink      sink.Sink
	counters  *Counters
	status    *atomic.Pointer[SyncStatus]
	keepAlive *atomic.Bool
	now       func() time.Time

	done chan struct{}
	err  error // valid once done is closed
}

func (l *streamLoop) run() {
	defer close(l.done)
	log.Printf("[stream] started on %s", l.reader.port.Name())

	for l.keepAlive.Load() {
		raw, err := l.reader.next(l.cfg.FrameReadTimeout)
		if n := l.reader.takeSkipped(); n > 0 {
			l.counters.Misaligned.Add(uint64(n))
		}
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			l.err = fmt.Errorf("cerelog: stream read on %s: %w: %w", l.reader.port.Name(), ErrTransport, err)
			l.keepAlive.Store(false)
			log.Printf("[stream] %v", l.err)
			return
		}
		l.handle(raw)
	}
	log.Printf("[stream] stopped")
}

func (l *streamLoop) handle(raw []byte) {
	f, err := l.cfg.ParseFrame(raw)
	if err != nil {
		l.counters.ChecksumErrors.Add(1)
		return
	}
	received := l.now()
	l.counters.Frames.Add(1)

	switch f.Type {
	case FrameSync:
		l.sync.Anchor(f.Counter, received)
		l.counters.SyncFrames.Add(1)
		st := l.sync.Status()
		l.status.Store(&st)

	case FrameData:
		if !l.sync.IsEstablished() {
			l.counters.UnsyncedDrops.Add(1)
			return
		}
		ts, err := l.sync.Estimate(f.Counter)
		if err != nil {
			l.counters.UnsyncedDrops.Add(1)
			return
		}
		l.sink.Accept(sink.Sample{
			Timestamp: ts,
			Counter:   f.Counter,
			Status:    f.Status,
			Channels:  l.cfg.Volts(f.Samples),
		})
		l.counters.Samples.Add(1)

	default:
		l.counters.UnknownFrames.Add(1)
	}
}
