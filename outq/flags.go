package outq

import "strings"

// Flags are the queue flags of a connection.
type Flags uint32

const (
	// FlagBusy is set while queued bytes are above the low-water mark
	// after having reached the high-water mark.
	FlagBusy Flags = 1 << iota

	// FlagExit makes the send path discard instead of transmit.
	FlagExit

	// FlagRequestInfo marks a pending info request from the transport.
	FlagRequestInfo

	// FlagPortControl marks a connection controlled by a port.
	FlagPortControl

	// FlagProcessControl marks a connection controlled by a process.
	FlagProcessControl
)

// FlagsAll is the union of every defined flag.
const FlagsAll = FlagBusy | FlagExit | FlagRequestInfo | FlagPortControl | FlagProcessControl

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagBusy, "busy"},
	{FlagExit, "exit"},
	{FlagRequestInfo, "req_info"},
	{FlagPortControl, "port_ctrl"},
	{FlagProcessControl, "proc_ctrl"},
}

// Has reports whether all bits of o are set.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// String returns the set flag names joined by "|".
func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.f != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
