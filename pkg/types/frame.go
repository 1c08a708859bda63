package types

import (
	"strings"
	"time"
)

// Frame is one encoded (JPEG) image. A Frame is never mutated after it has
// been published; a newer Frame replaces it instead.
type Frame struct {
	Data      []byte    // Encoded JPEG bytes
	Timestamp time.Time // Publish timestamp
	Seq       uint64    // Sequence number assigned by the frame cache
}

// Len returns the encoded size in bytes.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}

// Device selects which camera the frame source should open.
type Device int

const (
	DeviceBack Device = iota
	DeviceFront
)

// String returns "back" or "front".
func (d Device) String() string {
	if d == DeviceFront {
		return "front"
	}
	return "back"
}

// ParseDevice parses "front"/"back" (case-insensitive).
func ParseDevice(s string) (Device, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "front", "user":
		return DeviceFront, true
	case "back", "rear", "environment":
		return DeviceBack, true
	default:
		return DeviceBack, false
	}
}
