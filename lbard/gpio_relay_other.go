//go:build !linux

package lbard

import "errors"

// GPIORelay is only available on Linux, where GPIO lines are exposed
// as character devices.
type GPIORelay struct{}

func NewGPIORelay(chipName string, offset int) (*GPIORelay, error) {
	return nil, errors.New("lbard: gpio relay keying requires linux")
}

func (r *GPIORelay) Key(on bool) error { return nil }

func (r *GPIORelay) Close() error { return nil }
