package outq

import "errors"

var (
	// ErrConnectionClosed is delivered to suspended producers and returned
	// by Enqueue once the connection has been torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrExiting is returned by Enqueue after MarkExit.
	ErrExiting = errors.New("connection exiting")

	// ErrBufferCorrupt is the panic value raised when a buffer guard does
	// not hold the expected pattern on release.
	ErrBufferCorrupt = errors.New("outbound buffer corrupted or released twice")

	// ErrInvalidLimits is returned by SetLimits for inconsistent marks.
	ErrInvalidLimits = errors.New("invalid queue limits")
)
