package cerelog

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Anchor ties a device packet counter to the host time it was observed.
type Anchor struct {
	Counter uint32    `json:"counter"`
	Time    time.Time `json:"time"`
}

// SyncStatus is a point-in-time copy of the synchronizer, safe to hand to
// other goroutines.
type SyncStatus struct {
	Anchored    bool    `json:"anchored"`
	Established bool    `json:"established"`
	SyncCount   int     `json:"syncCount"`
	Anchor      Anchor  `json:"anchor"`
	DriftMean   float64 `json:"driftMeanSec"`   // mean re-anchor residual
	DriftStdDev float64 `json:"driftStdDevSec"` // spread of re-anchor residuals
	Residuals   int     `json:"residuals"`
}

// Synchronizer maps packet counters to wall-clock time by linear
// extrapolation from the current anchor:
//
//	t = anchor.Time + ((counter - anchor.Counter) mod 2^bits) / rate
//
// It has no locking. After the handshake it is owned by the stream
// goroutine; the controller only touches it while no stream is running.
type Synchronizer struct {
	bits     uint
	rate     int
	minCount int

	anchor    Anchor
	hasAnchor bool
	count     int

	// Residual = observed sync time - time predicted by the previous anchor.
	residuals []float64
	next      int
	window    int
}

// NewSynchronizer creates an empty synchronizer.
func NewSynchronizer(counterBits uint, samplingRate, minSyncCount, driftWindow int) *Synchronizer {
	if driftWindow <= 0 {
		driftWindow = 1
	}
	return &Synchronizer{
		bits:     counterBits,
		rate:     samplingRate,
		minCount: minSyncCount,
		window:   driftWindow,
	}
}

// Anchor installs a new anchor and bumps the sync count.
func (s *Synchronizer) Anchor(counter uint32, t time.Time) {
	if s.hasAnchor {
		predicted := s.extrapolate(counter)
		s.pushResidual(t.Sub(predicted).Seconds())
	}
	s.anchor = Anchor{Counter: counter, Time: t}
	s.hasAnchor = true
	s.count++
}

// Estimate returns the wall-clock time of counter.
func (s *Synchronizer) Estimate(counter uint32) (time.Time, error) {
	if !s.hasAnchor {
		return time.Time{}, fmt.Errorf("cerelog: estimate counter %d: %w", counter, ErrNotSynchronized)
	}
	return s.extrapolate(counter), nil
}

// IsEstablished reports whether enough anchors have been seen to trust
// Estimate.
func (s *Synchronizer) IsEstablished() bool {
	return s.hasAnchor && s.count >= s.minCount
}

// Reset forgets the anchor, the sync count and the drift history.
func (s *Synchronizer) Reset() {
	s.anchor = Anchor{}
	s.hasAnchor = false
	s.count = 0
	s.residuals = s.residuals[:0]
	s.next = 0
}

// Status returns a snapshot including drift statistics.
func (s *Synchronizer) Status() SyncStatus {
	st := SyncStatus{
		Anchored:    s.hasAnchor,
		Established: s.IsEstablished(),
		SyncCount:   s.count,
		Anchor:      s.anchor,
		Residuals:   len(s.residuals),
	}
	switch len(s.residuals) {
	case 0:
	case 1:
		st.DriftMean = s.residuals[0]
	default:
		st.DriftMean, st.DriftStdDev = stat.MeanStdDev(s.residuals, nil)
	}
	return st
}

func (s *Synchronizer) extrapolate(counter uint32) time.Time {
	steps := s.forwardSteps(counter)
	return s.anchor.Time.Add(time.Duration(steps) * time.Second / time.Duration(s.rate))
}

// forwardSteps is the modular distance from the anchor to counter, so a
// counter that wrapped past zero still counts as ahead of the anchor.
func (s *Synchronizer) forwardSteps(counter uint32) int64 {
	mask := uint64(1)<<s.bits - 1
	return int64((uint64(counter) - uint64(s.anchor.Counter)) & mask)
}

func (s *Synchronizer) pushResidual(r float64) {
	if len(s.residuals) < s.window {
		s.residuals = append(s.residuals, r)
		return
	}
	s.residuals[s.next] = r
	s.next = (s.next + 1) % s.window
}
