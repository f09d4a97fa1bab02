//go:build linux

package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Find a plausible serial device for the radio by asking
 *		udev for USB-serial adapters, instead of requiring the
 *		device path to be hand-configured. Linux-only since udev
 *		is a Linux subsystem.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"

	"github.com/jochenvg/go-udev"
)

// DetectSerialDevices returns the device node paths (e.g.
// "/dev/ttyUSB0") of every USB-serial adapter currently attached.
func DetectSerialDevices() ([]string, error) {
	u := udev.Udev{}
	enum := u.NewEnumerate()

	if err := enum.AddMatchSubsystem("tty"); err != nil {
		return nil, fmt.Errorf("lbard: udev match subsystem: %w", err)
	}
	if err := enum.AddMatchProperty("ID_BUS", "usb"); err != nil {
		return nil, fmt.Errorf("lbard: udev match property: %w", err)
	}

	devices, err := enum.Devices()
	if err != nil {
		return nil, fmt.Errorf("lbard: udev enumerate: %w", err)
	}

	var paths []string
	for _, dev := range devices {
		if node := dev.Devnode(); node != "" {
			paths = append(paths, node)
		}
	}
	return paths, nil
}
