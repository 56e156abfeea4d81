package nodetab

import "errors"

var (
	// ErrRefcountUnderflow is the panic value raised when a record is
	// released more often than it was acquired.
	ErrRefcountUnderflow = errors.New("reference count underflow")

	// ErrRefcountOverflow is the panic value raised when a reference count
	// would exceed its range.
	ErrRefcountOverflow = errors.New("reference count overflow")

	// ErrInvariant is the panic value raised by failed internal assertions in
	// debug builds.
	ErrInvariant = errors.New("node table invariant violated")
)

// ErrNotConnected is returned when sending on an entry whose connection is
// gone or was replaced.
var ErrNotConnected = errors.New("not connected")
