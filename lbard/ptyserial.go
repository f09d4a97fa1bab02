package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	A pseudo-terminal in place of a real modem: LBARD holds
 *		the master side as its SerialPort, and a modem simulator
 *		(or a human with a terminal program) attaches to the
 *		slave device and plays the Barrett radio. Used for bench
 *		testing the protocol stack with no HF hardware at all.
 *
 *------------------------------------------------------------------*/

import (
	"os"
	"time"

	"github.com/creack/pty"
)

// PTYSerialPort is a SerialPort backed by the master side of a
// pseudo-terminal pair.
type PTYSerialPort struct {
	ptmx *os.File
	pts  *os.File
	name string
}

// OpenPTYSerialPort allocates a pty pair. The slave side is kept open
// so reads on the master don't return EIO before a simulator attaches.
func OpenPTYSerialPort() (*PTYSerialPort, error) {
	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &PTYSerialPort{ptmx: ptmx, pts: pts, name: pts.Name()}, nil
}

// Name returns the slave device path (e.g. /dev/pts/3) for the modem
// simulator to open.
func (p *PTYSerialPort) Name() string { return p.name }

func (p *PTYSerialPort) Write(data []byte) (int, error) {
	return p.ptmx.Write(data)
}

// Drain reads whatever is available on the master side, waiting at
// most pollTimeout.
func (p *PTYSerialPort) Drain(pollTimeout time.Duration) ([]byte, error) {
	if pollTimeout <= 0 {
		pollTimeout = time.Millisecond
	}
	if err := p.ptmx.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
		return nil, err
	}

	buf := make([]byte, 4096)
	n, err := p.ptmx.Read(buf)
	if n <= 0 {
		if err != nil && !os.IsTimeout(err) {
			return nil, err
		}
		return nil, nil
	}
	return buf[:n], nil
}

func (p *PTYSerialPort) Close() error {
	p.pts.Close()
	return p.ptmx.Close()
}
