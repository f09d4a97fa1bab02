//go:build linux

package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Optional antenna-relay keying over a GPIO line, for
 *		stations where the Barrett modem's own PTT output isn't
 *		wired to the relay directly. The scheduler keys it
 *		around each SendPacket call.
 *		Linux-only: GPIO character-device access is a Linux
 *		kernel feature.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIORelay drives a single GPIO output line high while keyed.
type GPIORelay struct {
	line *gpiocdev.Line
}

// NewGPIORelay requests offset on chipName as an output, initially
// de-asserted.
func NewGPIORelay(chipName string, offset int) (*GPIORelay, error) {
	line, err := gpiocdev.RequestLine(chipName, offset,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("lbard-antenna-relay"))
	if err != nil {
		return nil, fmt.Errorf("lbard: requesting gpio line: %w", err)
	}
	return &GPIORelay{line: line}, nil
}

// Key asserts (keyed) or de-asserts (idle) the relay line.
func (r *GPIORelay) Key(on bool) error {
	v := 0
	if on {
		v = 1
	}
	return r.line.SetValue(v)
}

// Close releases the GPIO line, leaving it de-asserted.
func (r *GPIORelay) Close() error {
	_ = r.line.SetValue(0)
	return r.line.Close()
}
