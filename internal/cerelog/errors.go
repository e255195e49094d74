package cerelog

import "errors"

// Error classes. Every error returned by this package wraps exactly one of
// these so callers can branch with errors.Is.
var (
	ErrDiscovery    = errors.New("discovery failure")
	ErrNegotiation  = errors.New("negotiation failure")
	ErrIntegrity    = errors.New("frame integrity failure")
	ErrSyncNotReady = errors.New("synchronization not ready")
	ErrTransport    = errors.New("transport failure")
	ErrLifecycle    = errors.New("lifecycle misuse")
)

var (
	ErrDeviceNotFound = &classError{ErrDiscovery, "device not found"}
	ErrPortAccess     = &classError{ErrDiscovery, "port not accessible"}

	ErrUnsupportedBaudConfig = &classError{ErrNegotiation, "unsupported baud config"}
	ErrHandshakeTimeout      = &classError{ErrNegotiation, "handshake timeout"}
	ErrChecksumMismatch      = &classError{ErrNegotiation, "checksum mismatch"}

	ErrBadMarker     = &classError{ErrIntegrity, "bad frame marker"}
	ErrFrameChecksum = &classError{ErrIntegrity, "frame checksum mismatch"}
	ErrFrameLength   = &classError{ErrIntegrity, "short frame"}

	ErrNotSynchronized = &classError{ErrSyncNotReady, "not synchronized"}

	ErrAlreadyStreaming = &classError{ErrLifecycle, "already streaming"}
	ErrNotStreaming     = &classError{ErrLifecycle, "not streaming"}
	ErrStreamActive     = &classError{ErrLifecycle, "stream active"}
	ErrNotPrepared      = &classError{ErrLifecycle, "session not prepared"}

	ErrStopTimeout = &classError{ErrTransport, "stream did not stop in time"}
	ErrNoResponse  = &classError{ErrTransport, "no response from device"}
)

// classError is a sentinel that also matches its class.
type classError struct {
	class error
	msg   string
}

func (e *classError) Error() string { return e.msg }
func (e *classError) Unwrap() error { return e.class }
