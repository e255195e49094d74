package sink

import "sync"

// DefaultBufferSize is used when a stream is started with a non-positive size.
const DefaultBufferSize = 450000

// RingBuffer keeps the most recent samples, dropping the oldest when full.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []Sample
	head  int // index of the oldest sample
	count int
	total uint64
}

// NewRingBuffer returns a buffer holding up to size samples.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RingBuffer{buf: make([]Sample, size)}
}

func (r *RingBuffer) Accept(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total++
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

// Count returns the number of buffered samples.
func (r *RingBuffer) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Total returns the number of samples ever accepted.
func (r *RingBuffer) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Latest returns up to n of the newest samples, oldest first, leaving them
// buffered.
func (r *RingBuffer) Latest(n int) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count || n < 0 {
		n = r.count
	}
	out := make([]Sample, n)
	start := r.head + r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Drain removes and returns up to n of the oldest samples. A negative n
// drains everything.
func (r *RingBuffer) Drain(n int) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count || n < 0 {
		n = r.count
	}
	out := make([]Sample, n)
	for i := 0; i < n; i++ {
		idx := (r.head + i) % len(r.buf)
		out[i] = r.buf[idx]
		r.buf[idx] = Sample{}
	}
	r.head = (r.head + n) % len(r.buf)
	r.count -= n
	return out
}
