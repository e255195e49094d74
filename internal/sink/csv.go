package sink

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows (~3.3 min at 500 Hz)
	flushEvery     = 250     // Flush every half second of data at 500 Hz
)

// Recorder writes samples to CSV files with automatic rotation.
type Recorder struct {
	mu       sync.Mutex
	path     string
	appendTo bool
	channels int

	file   *os.File
	writer *csv.Writer
	rows   int
	part   int
	header []string
}

// NewRecorder opens path for writing. With appendTo set an existing file is
// extended instead of truncated and no header is written to it.
func NewRecorder(path string, appendTo bool, channels int) (*Recorder, error) {
	r := &Recorder{
		path:     path,
		appendTo: appendTo,
		channels: channels,
		header:   csvHeader(channels),
	}
	if err := r.open(path, appendTo); err != nil {
		return nil, err
	}
	return r, nil
}

func csvHeader(channels int) []string {
	h := []string{"timestamp", "counter"}
	for i := 1; i <= channels; i++ {
		h = append(h, fmt.Sprintf("ch%d_v", i))
	}
	return h
}

// Accept writes one row.
func (r *Recorder) Accept(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writer == nil {
		return
	}
	if r.rows >= maxRowsPerFile {
		if err := r.rotate(); err != nil {
			log.Printf("[sink] csv rotate failed: %v", err)
			return
		}
	}

	if err := r.writer.Write(r.buildRow(s)); err != nil {
		log.Printf("[sink] csv write failed: %v", err)
		return
	}
	r.rows++
	if r.rows%flushEvery == 0 {
		r.writer.Flush()
	}
}

// Close flushes and closes the current file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeFile()
}

func (r *Recorder) open(path string, appendTo bool) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if info.Size() == 0 {
		if err := r.writer.Write(r.header); err != nil {
			return err
		}
		r.writer.Flush()
	}

	log.Printf("[sink] recording to %s", path)
	return nil
}

// rotate continues in <name>.<n><ext> next to the original file.
func (r *Recorder) rotate() error {
	if err := r.closeFile(); err != nil {
		return err
	}
	r.part++
	ext := filepath.Ext(r.path)
	next := fmt.Sprintf("%s.%d%s", strings.TrimSuffix(r.path, ext), r.part, ext)
	return r.open(next, false)
}

func (r *Recorder) closeFile() error {
	var err error
	if r.writer != nil {
		r.writer.Flush()
		err = r.writer.Error()
		r.writer = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	return err
}

func (r *Recorder) buildRow(s Sample) []string {
	row := make([]string, len(r.header))
	row[0] = strconv.FormatFloat(float64(s.Timestamp.UnixNano())/float64(time.Second), 'f', 6, 64)
	row[1] = strconv.FormatUint(uint64(s.Counter), 10)
	for i := 0; i < r.channels && i < len(s.Channels); i++ {
		row[2+i] = strconv.FormatFloat(s.Channels[i], 'e', 9, 64)
	}
	return row
}
