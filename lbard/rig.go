package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Optional rig diagnostics via Hamlib: report the radio's
 *		current frequency and PTT state alongside the log stream,
 *		purely informational - never gates the ALE state machine,
 *		since not every deployment has a Hamlib-supported rig
 *		wired up alongside the Barrett modem's own control port.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"

	hamlib "github.com/xylo04/goHamlib"
)

// RigMonitor polls a Hamlib-supported rig for diagnostics.
type RigMonitor struct {
	rig    hamlib.Rig
	Logger Logger
}

// NewRigMonitor opens the rig identified by its Hamlib model number on
// the given serial port path. A failure here is never fatal to LBARD:
// the caller should log it and continue without rig diagnostics.
func NewRigMonitor(model int, device string, baud int, logger Logger) (*RigMonitor, error) {
	if baud == 0 {
		baud = 38400
	}

	m := &RigMonitor{Logger: logger}
	if err := m.rig.Init(model); err != nil {
		return nil, fmt.Errorf("lbard: initialising hamlib rig model %d: %w", model, err)
	}

	p := hamlib.Port{
		RigPortType: hamlib.RigPortSerial,
		Portname:    device,
		Baudrate:    baud,
		Databits:    8,
		Stopbits:    1,
		Parity:      hamlib.ParityNone,
		Handshake:   hamlib.HandshakeNone,
	}
	m.rig.SetPort(p)

	if err := m.rig.Open(); err != nil {
		m.rig.Cleanup()
		return nil, fmt.Errorf("lbard: opening rig: %w", err)
	}
	return m, nil
}

// Poll reads the rig's current frequency and PTT state and logs them.
// Any Hamlib error is swallowed after logging, since this channel is
// diagnostic-only.
func (m *RigMonitor) Poll() {
	freq, err := m.rig.GetFreq(hamlib.VfoCurr)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debugf("rig: get frequency failed: %v", err)
		}
		return
	}
	ptt, err := m.rig.GetPtt(hamlib.VfoCurr)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Debugf("rig: get ptt failed: %v", err)
		}
		return
	}
	if m.Logger != nil {
		m.Logger.Debugf("rig: frequency=%.0fHz ptt=%v", freq, ptt)
	}
}

// Close releases the rig handle.
func (m *RigMonitor) Close() error {
	m.rig.Close()
	m.rig.Cleanup()
	return nil
}
