package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	A second radio driver: instead of a physical modem,
 *		peers discover each other over the local network via
 *		DNS-SD/mDNS and exchange frames over a TCP connection per
 *		peer - useful for bench-testing the bundle-sync logic
 *		without HF hardware, and for LAN deployments that don't
 *		need the ALE layer at all.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/brutella/dnssd"
)

const (
	dnssdServiceType = "_lbard._tcp"
	// LookupType wants the fully-qualified form.
	dnssdBrowseType = "_lbard._tcp.local."
)

// peerFrame is one whole received frame, tagged with the peer it came
// from.
type peerFrame struct {
	peer  string
	frame []byte
}

// DNSSDDriver implements Driver over mDNS peer discovery plus
// length-prefixed TCP frames, as an alternative to the HF/ALE modem
// path.
type DNSSDDriver struct {
	Name string // this instance's service instance name
	Port int    // TCP listen port, also advertised via mDNS

	Logger Logger

	// OnFrame receives each whole frame as ServiceTick drains the
	// inbound queue - the network transport's counterpart to the HF
	// driver's fragment reassembly callback.
	OnFrame func(peer string, frame []byte)

	mu        sync.Mutex
	peers     map[string]net.Conn // instance name -> open connection
	responder dnssd.Responder
	listener  net.Listener
	inbox     chan peerFrame
}

// NewDNSSDDriver constructs a driver; call Detect once to start
// advertising and browsing.
func NewDNSSDDriver(name string, port int, logger Logger) *DNSSDDriver {
	return &DNSSDDriver{
		Name:   name,
		Port:   port,
		Logger: logger,
		peers:  make(map[string]net.Conn),
		inbox:  make(chan peerFrame, 64),
	}
}

// ID implements Driver.
func (d *DNSSDDriver) ID() string { return "dnssd" }

// LongName implements Driver.
func (d *DNSSDDriver) LongName() string { return "DNS-SD/mDNS local network transport" }

// EncodedBitsPerByte implements Driver: a TCP byte stream is fully
// 8-bit clean, unlike the HF line protocol.
func (d *DNSSDDriver) EncodedBitsPerByte() int { return 8 }

// Detect ignores dev, since transport happens over the network rather
// than a serial port. It starts the TCP listener and the mDNS
// responder/browser, and succeeds unless one of those fails to start.
func (d *DNSSDDriver) Detect(ctx context.Context, _ SerialPort) (bool, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", d.Port))
	if err != nil {
		return false, err
	}
	d.listener = ln
	go d.acceptLoop()

	cfg := dnssd.Config{
		Name: d.Name,
		Type: dnssdServiceType,
		Port: d.Port,
	}
	service, err := dnssd.NewService(cfg)
	if err != nil {
		ln.Close()
		return false, err
	}

	responder, err := dnssd.NewResponder()
	if err != nil {
		ln.Close()
		return false, err
	}
	if _, err := responder.Add(service); err != nil {
		ln.Close()
		return false, err
	}
	d.responder = responder

	go func() {
		if err := responder.Respond(ctx); err != nil && d.Logger != nil {
			d.Logger.Warnf("dnssd responder stopped: %v", err)
		}
	}()

	go d.browse(ctx)

	return true, nil
}

func (d *DNSSDDriver) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}
		go d.readLoop(conn, conn.RemoteAddr().String())
	}
}

func (d *DNSSDDriver) browse(ctx context.Context) {
	addFn := func(e dnssd.BrowseEntry) {
		d.connectToPeer(e)
	}
	rmvFn := func(e dnssd.BrowseEntry) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if conn, ok := d.peers[e.Name]; ok {
			conn.Close()
			delete(d.peers, e.Name)
		}
	}
	if err := dnssd.LookupType(ctx, dnssdBrowseType, addFn, rmvFn); err != nil {
		if d.Logger != nil {
			d.Logger.Warnf("dnssd browse stopped: %v", err)
		}
	}
}

func (d *DNSSDDriver) connectToPeer(e dnssd.BrowseEntry) {
	if e.Name == d.Name {
		return
	}
	for _, ip := range e.IPs {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", e.Port))
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			continue
		}
		d.mu.Lock()
		d.peers[e.Name] = conn
		d.mu.Unlock()
		go d.readLoop(conn, e.Name)
		return
	}
}

func (d *DNSSDDriver) readLoop(conn net.Conn, peer string) {
	defer conn.Close()
	var lenBuf [4]byte
	for {
		if _, err := fullRead(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 || n > 1<<20 {
			return
		}
		frame := make([]byte, n)
		if _, err := fullRead(conn, frame); err != nil {
			return
		}
		select {
		case d.inbox <- peerFrame{peer: peer, frame: frame}:
		default:
		}
	}
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ServiceTick implements Driver: delivers frames that arrived on the
// background connection readers since the last tick, so all partial
// bundle bookkeeping still happens on the scheduler's own thread.
func (d *DNSSDDriver) ServiceTick(_ context.Context, _ SerialPort) {
	for {
		select {
		case pf := <-d.inbox:
			if d.OnFrame != nil {
				d.OnFrame(pf.peer, pf.frame)
			}
		default:
			return
		}
	}
}

// ReceiveBytes implements Driver. The network transport delivers whole
// frames rather than a byte stream to reassemble; this exists to
// satisfy the Driver interface uniformly and treats the bytes as one
// frame from an unnamed peer.
func (d *DNSSDDriver) ReceiveBytes(data []byte) {
	select {
	case d.inbox <- peerFrame{peer: "serial", frame: append([]byte(nil), data...)}:
	default:
	}
}

// SendPacket implements Driver: broadcast frame to every connected
// peer, length-prefixed.
func (d *DNSSDDriver) SendPacket(_ context.Context, _ SerialPort, frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))

	var firstErr error
	for name, conn := range d.peers {
		if _, err := conn.Write(lenBuf[:]); err == nil {
			_, err = conn.Write(frame)
			if err == nil {
				continue
			}
		}
		conn.Close()
		delete(d.peers, name)
		if firstErr == nil {
			firstErr = fmt.Errorf("lbard: dnssd send to %s failed", name)
		}
	}
	return firstErr
}

// ReadyTest implements Driver: ready whenever at least one peer
// connection is open.
func (d *DNSSDDriver) ReadyTest() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers) > 0
}
