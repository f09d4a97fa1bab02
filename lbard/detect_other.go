//go:build !linux

package lbard

import "errors"

// DetectSerialDevices requires udev; on non-Linux platforms the serial
// device must be configured explicitly.
func DetectSerialDevices() ([]string, error) {
	return nil, errors.New("lbard: serial device discovery requires linux (udev)")
}
