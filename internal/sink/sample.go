// Package sink receives timestamped sample rows from the acquisition loop:
// an in-memory ring buffer plus optional streamers (CSV file, websocket).
package sink

import (
	"io"
	"time"
)

// Sample is one timestamped multi-channel row.
type Sample struct {
	Timestamp time.Time `json:"-"`
	Counter   uint32    `json:"counter"`
	Status    [3]byte   `json:"-"`
	Channels  []float64 `json:"channels"` // volts
}

// Sink accepts sample rows. Accept is called from the stream goroutine and
// must not block for long.
type Sink interface {
	Accept(s Sample)
}

// Streamer is a sink that holds a resource.
type Streamer interface {
	Sink
	io.Closer
}

// Func adapts a function to Sink.
type Func func(Sample)

func (f Func) Accept(s Sample) { f(s) }

// Fanout forwards every sample to each sink in order.
type Fanout []Sink

func (f Fanout) Accept(s Sample) {
	for _, k := range f {
		k.Accept(s)
	}
}
