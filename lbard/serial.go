package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Interface to the radio's serial port, hiding operating
 *		system differences behind a small SerialPort interface
 *		so the radio framework can be driven by a fake in tests.
 *
 *------------------------------------------------------------------*/

import (
	"time"

	"github.com/pkg/term"
)

// SerialPort is the minimal surface the radio framework needs: a
// writer, plus a bounded-wait drain that never suspends the scheduler
// on a quiet radio.
type SerialPort interface {
	Write(data []byte) (int, error)
	// Drain reads whatever is immediately available, waiting at most
	// pollTimeout for the first byte. Returns 0, nil if nothing
	// arrived within that window.
	Drain(pollTimeout time.Duration) ([]byte, error)
	Close() error
}

// TermSerialPort is a SerialPort backed by github.com/pkg/term. The
// read timeout is set per Drain call, so the single-threaded
// scheduler loop is never stalled by a quiet radio.
type TermSerialPort struct {
	t *term.Term
}

// OpenSerial opens devicename at baud; 0 leaves the current speed
// alone, and an unsupported rate falls back to 4800.
func OpenSerial(devicename string, baud int) (*TermSerialPort, error) {
	t, err := term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, err
	}

	switch baud {
	case 0:
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		if serr := t.SetSpeed(baud); serr != nil {
			t.Close()
			return nil, serr
		}
	default:
		if serr := t.SetSpeed(4800); serr != nil {
			t.Close()
			return nil, serr
		}
	}

	return &TermSerialPort{t: t}, nil
}

func (s *TermSerialPort) Write(data []byte) (int, error) {
	return s.t.Write(data)
}

func (s *TermSerialPort) Close() error {
	return s.t.Close()
}

// Drain waits at most pollTimeout for input, then returns whatever one
// read delivers. The termios VTIME clock ticks in tenths of a second,
// so sub-100ms timeouts degrade to a non-blocking read.
func (s *TermSerialPort) Drain(pollTimeout time.Duration) ([]byte, error) {
	if err := s.t.SetReadTimeout(pollTimeout); err != nil {
		return nil, err
	}

	buf := make([]byte, 4096)
	n, _ := s.t.Read(buf)
	if n <= 0 {
		// A timed-out read is indistinguishable from a quiet line at
		// this layer; either way there is nothing to hand back.
		return nil, nil
	}
	return buf[:n], nil
}

// NullSerialPort is a SerialPort for drivers that don't use the serial
// line at all (the DNS-SD network transport); writes are swallowed and
// drains never return data.
type NullSerialPort struct{}

func (NullSerialPort) Write(data []byte) (int, error)      { return len(data), nil }
func (NullSerialPort) Drain(time.Duration) ([]byte, error) { return nil, nil }
func (NullSerialPort) Close() error                        { return nil }
