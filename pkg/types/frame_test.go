package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseDevice(t *testing.T) {
	cases := []struct {
		in   string
		want Device
		ok   bool
	}{
		{"front", DeviceFront, true},
		{" FRONT ", DeviceFront, true},
		{"back", DeviceBack, true},
		{"rear", DeviceBack, true},
		{"side", DeviceBack, false},
		{"", DeviceBack, false},
	}
	for _, tc := range cases {
		got, ok := ParseDevice(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestFrameLenNil(t *testing.T) {
	var f *Frame
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, 3, (&Frame{Data: []byte{1, 2, 3}}).Len())
}
