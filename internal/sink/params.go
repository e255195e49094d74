package sink

import (
	"fmt"
	"strings"
)

// Options carries what streamers may need from the session.
type Options struct {
	Channels int
	Session  string
	Status   func() any
}

// OpenStreamers parses a streamer_params string and opens each streamer.
//
// Entries are separated by ';':
//
//	file://<path>:w   CSV file, truncated
//	file://<path>:a   CSV file, appended
//	ws://<host:port>  websocket broadcast
//
// An empty string opens nothing. On error, streamers already opened are closed.
func OpenStreamers(params string, opts Options) ([]Streamer, error) {
	var out []Streamer
	fail := func(err error) ([]Streamer, error) {
		for _, s := range out {
			s.Close()
		}
		return nil, err
	}

	for _, entry := range strings.Split(params, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scheme, rest, ok := strings.Cut(entry, "://")
		if !ok || rest == "" {
			return fail(fmt.Errorf("sink: malformed streamer %q", entry))
		}

		switch scheme {
		case "file":
			path, mode := splitFileMode(rest)
			if path == "" {
				return fail(fmt.Errorf("sink: streamer %q has no path", entry))
			}
			rec, err := NewRecorder(path, mode == "a", opts.Channels)
			if err != nil {
				return fail(fmt.Errorf("sink: %w", err))
			}
			out = append(out, rec)
		case "ws":
			b, err := NewBroadcaster(rest, opts.Session, opts.Status)
			if err != nil {
				return fail(fmt.Errorf("sink: websocket %s: %w", rest, err))
			}
			out = append(out, b)
		default:
			return fail(fmt.Errorf("sink: unsupported streamer scheme %q", scheme))
		}
	}
	return out, nil
}

// splitFileMode splits "<path>:<mode>"; a missing or unknown mode means "w"
// and leaves the path whole.
func splitFileMode(s string) (path, mode string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return s, "w"
	}
	switch m := s[i+1:]; m {
	case "w", "a":
		return s[:i], m
	}
	return s, "w"
}
