package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Radio driver for a Barrett-family HF/ALE modem.
 *		Line-oriented RS-232 protocol, ALE link lifecycle,
 *		fragmented send with flow control.
 *
 * Description:	The modem is half-duplex and slow, and the ALE layer
 *		decides who may talk; everything here is built around
 *		deferring to an incoming call, backing off with jitter,
 *		and never leaving the modem mid-message.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// HFState is the ALE link state.
type HFState int

const (
	HFDisconnected HFState = iota
	HFCallRequested
	HFConnecting
	HFALELink
	HFDisconnecting
	HFALESending
)

func (s HFState) String() string {
	switch s {
	case HFDisconnected:
		return "DISCONNECTED"
	case HFCallRequested:
		return "CALL_REQUESTED"
	case HFConnecting:
		return "CONNECTING"
	case HFALELink:
		return "ALE_LINK"
	case HFDisconnecting:
		return "DISCONNECTING"
	case HFALESending:
		return "ALE_SENDING"
	default:
		return "UNKNOWN"
	}
}

// AleInProgress mirrors the modem's AISTAT first digit.
type AleInProgress int

const (
	AleIdle AleInProgress = 0
	AleTx   AleInProgress = 1
	AleRx   AleInProgress = 2
)

const (
	xon  byte = 0x11
	xoff byte = 0x13
)

// Station is one row of the ALE address table.
type Station struct {
	Name                          string
	Index                         string // 2-character ALE address
	ConsecutiveConnectionFailures int
}

// HFBarrettDriver implements Driver for a Barrett HF/ALE modem.
type HFBarrettDriver struct {
	// Configuration
	LinkEstablishmentTimeout time.Duration // default 60s
	TurnaroundPause          time.Duration // default 10s
	MessageFailureLimit      int           // default 10

	TimeAccount *TimeAccount
	Logger      Logger

	// Hooks to make time deterministic in tests.
	Now   func() time.Time
	Sleep func(time.Duration)
	Rand  *rand.Rand

	// OnFrame receives a reassembled logical frame once all of its
	// physical-layer fragments have arrived from one peer.
	OnFrame func(peer string, frame []byte)

	reassembly map[string]*fragAccum

	// state
	state         HFState
	havePrevious  bool // false until the first ServiceTick completes
	previousState HFState

	aleInProgress    AleInProgress
	aleTransmission  int
	pauseTx          byte
	linkPartner      string // 4-char address pair, empty if none
	hfLinkPartner    int    // index into Stations, -1 if none
	hfNextCallTime   time.Time
	lastLinkProbe    time.Time
	messageFailure   int
	sequenceNumber   int // mod 8
	selfIndex        string

	Stations []Station

	lineBuf strings.Builder
}

// NewHFBarrettDriver constructs a driver with the stock timeouts.
func NewHFBarrettDriver(selfIndex string, stations []Station, logger Logger) *HFBarrettDriver {
	return &HFBarrettDriver{
		LinkEstablishmentTimeout: 60 * time.Second,
		TurnaroundPause:          10 * time.Second,
		MessageFailureLimit:      10,
		TimeAccount:              &TimeAccount{},
		Logger:                   logger,
		Now:                      time.Now,
		Sleep:                    time.Sleep,
		selfIndex:                selfIndex,
		Stations:                 stations,
		hfLinkPartner:            -1,
		reassembly:               make(map[string]*fragAccum),
	}
}

// fragAccum reassembles one logical frame from its physical-layer
// fragments, keyed by peer and the low 3-bit sequence number that
// identifies this fragment run.
type fragAccum struct {
	total  int
	pieces [][]byte
	got    int
}

func (d *HFBarrettDriver) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *HFBarrettDriver) sleep(dur time.Duration) {
	if d.TimeAccount != nil {
		d.TimeAccount.Pause()
		defer d.TimeAccount.Resume()
	}
	if d.Sleep != nil {
		d.Sleep(dur)
		return
	}
	time.Sleep(dur)
}

func (d *HFBarrettDriver) jitter(maxSeconds int) time.Duration {
	var n int
	if d.Rand != nil {
		n = d.Rand.Intn(maxSeconds + 1)
	} else {
		n = rand.Intn(maxSeconds + 1) //nolint:gosec
	}
	return time.Duration(n) * time.Second
}

func (d *HFBarrettDriver) logf(format string, args ...any) {
	if d.Logger != nil {
		d.Logger.Infof(format, args...)
	}
}

// ID implements Driver.
func (d *HFBarrettDriver) ID() string { return "hfbarrett" }

// LongName implements Driver.
func (d *HFBarrettDriver) LongName() string { return "Barrett HF with ALE" }

// EncodedBitsPerByte implements Driver. The line protocol is nominally
// 6-bit clean, but in practice only hex encoding - 4 bits per byte -
// is reliable Barrett-to-Barrett.
func (d *HFBarrettDriver) EncodedBitsPerByte() int { return 4 }

// registrationCommands is the fixed startup handshake, sent at 200ms
// intervals; the modem's line-input buffer can't always keep up with
// a single burst write.
var registrationCommands = []string{
	"AIATBL\r\n",
	"ARAMDM1\r\n",
	"ARAMDP1\r\n",
	"ARCALL1\r\n",
	"ARLINK1\r\n",
	"ARLTBL1\r\n",
	"ARMESS1\r\n",
	"ARSTAT1\r\n",
	"AXALRM0\r\n",
	"AILTBL\r\n",
}

// Detect sends the registration handshake and reports success if the
// writes succeed; the Barrett modem doesn't have a clean
// identification string, so "we could talk to it" is the available
// detection signal.
func (d *HFBarrettDriver) Detect(_ context.Context, dev SerialPort) (bool, error) {
	for _, cmd := range registrationCommands {
		if _, err := dev.Write([]byte(cmd)); err != nil {
			return false, err
		}
		d.sleep(200 * time.Millisecond)
	}
	return true, nil
}

// ReadyTest implements Driver.
func (d *HFBarrettDriver) ReadyTest() bool {
	return d.state == HFALELink && d.aleInProgress == AleIdle && d.linkPartner != ""
}

// ReceiveBytes implements Driver: assembles a CR/LF-terminated line
// protocol, tracking XON/XOFF as it goes.
func (d *HFBarrettDriver) ReceiveBytes(data []byte) {
	for _, b := range data {
		switch b {
		case xon, xoff:
			d.pauseTx = b
			continue
		case '\r', '\n':
			line := d.lineBuf.String()
			d.lineBuf.Reset()
			if line != "" {
				d.processLine(line)
			}
			continue
		}
		if b < ' ' {
			// Leading control character before any printable text.
			if d.lineBuf.Len() == 0 {
				continue
			}
		}
		d.lineBuf.WriteByte(b)
	}
}

func (d *HFBarrettDriver) setState(s HFState) {
	if s == d.state {
		return
	}
	d.state = s
	d.logf("Barrett radio changed to state %s", s)
}

// ServiceTick implements Driver: advances the ALE state machine.
func (d *HFBarrettDriver) ServiceTick(_ context.Context, dev SerialPort) {
	now := d.now()

	switch d.state {
	case HFDisconnected:
		d.tickDisconnected(now, dev)
	case HFCallRequested:
		d.tickCallRequested(now, dev)
	case HFALELink:
		d.tickALELink(now, dev)
	case HFConnecting, HFDisconnecting, HFALESending:
		// Reserved; no active transitions in this variant.
	}

	d.previousState = d.state
	d.havePrevious = true
}

func (d *HFBarrettDriver) probeLinkTable(now time.Time, dev SerialPort) {
	if now.Equal(d.lastLinkProbe) {
		return
	}
	if d.lastLinkProbe.IsZero() || now.Sub(d.lastLinkProbe) >= time.Second {
		_, _ = dev.Write([]byte("AILTBL\r\n"))
		d.lastLinkProbe = now
	}
}

func (d *HFBarrettDriver) tickDisconnected(now time.Time, dev SerialPort) {
	d.probeLinkTable(now, dev)

	if d.aleInProgress == AleRx {
		// Another party is calling us; don't contend for the channel.
		return
	}

	if d.hfLinkPartner != -1 || len(d.Stations) == 0 {
		return
	}
	if now.Before(d.hfNextCallTime) {
		return
	}

	idx := d.nextStationToCall()
	if idx < 0 {
		return
	}

	d.sleep(d.jitter(3))

	msg := fmt.Sprintf("AXNMSG%s%sCONNECTING\r\n", d.Stations[idx].Index, d.selfIndex)
	_, _ = dev.Write([]byte(msg))

	d.setState(HFCallRequested)
	d.logf("HF: Attempting to call station #%d '%s'", idx, d.Stations[idx].Name)
	d.hfNextCallTime = now.Add(d.LinkEstablishmentTimeout)
}

// nextStationToCall picks the station with the fewest consecutive
// connection failures, ties broken by table index - a weighted
// round-robin.
func (d *HFBarrettDriver) nextStationToCall() int {
	if len(d.Stations) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(d.Stations); i++ {
		if d.Stations[i].ConsecutiveConnectionFailures < d.Stations[best].ConsecutiveConnectionFailures {
			best = i
		}
	}
	return best
}

func (d *HFBarrettDriver) tickCallRequested(now time.Time, dev SerialPort) {
	d.probeLinkTable(now, dev)

	if d.aleInProgress == AleRx {
		d.setState(HFDisconnected)
		return
	}
	if !now.Before(d.hfNextCallTime) {
		d.setState(HFDisconnected)
	}
}

func (d *HFBarrettDriver) tickALELink(now time.Time, dev SerialPort) {
	if d.havePrevious && d.previousState == HFDisconnected {
		d.sleep(d.TurnaroundPause)
	}

	if d.messageFailure > d.MessageFailureLimit {
		d.logf("Receiving message failed more than %d times; resetting modem", d.MessageFailureLimit)
		_, _ = dev.Write([]byte("*"))
		d.messageFailure = 0
		d.sleep(10 * time.Second)
	}

	if !d.havePrevious {
		// An ALE link existed before LBARD started; distrust it.
		d.setState(HFDisconnected)
	}
}

func splitAddrPair(tmp string) (linkPartner string, ok bool) {
	// Barrett wire layout swaps byte pairs: the decoded token's bytes
	// [4],[5],[2],[3] become the 4-char link partner string.
	if len(tmp) < 6 {
		return "", false
	}
	return string([]byte{tmp[4], tmp[5], tmp[2], tmp[3]}), true
}

// findStationByPair matches the decoded 4-character address token
// against each station's index concatenated with our own - the wire
// genuinely carries them as one token, so they are compared as one.
func (d *HFBarrettDriver) findStationByPair(pair string) int {
	for i, st := range d.Stations {
		if strings.EqualFold(st.Index+d.selfIndex, pair) {
			return i
		}
	}
	return -1
}

func (d *HFBarrettDriver) processLine(line string) {
	d.logf("Barrett radio says (in state %s): %s", d.state, line)

	switch line {
	case "E0", "EV00", "EV08":
		// Call syntax rejected by the modem.
		if d.state == HFCallRequested {
			d.hfNextCallTime = d.now()
			d.setState(HFDisconnected)
			return
		}
	}

	switch {
	case strings.HasPrefix(line, "AIATBL"):
		d.parseStationTable(line)
		return
	case strings.HasPrefix(line, "AIAMDM"):
		if len(line) < 12 {
			return
		}
		payload := line[12:]
		d.messageFailure = 0
		d.handleFragmentPayload(payload)
		return
	case strings.HasPrefix(line, "AISTAT"):
		d.processStatusLine(line)
		return
	case line == "AILTBL" && d.state == HFALELink:
		if d.hfLinkPartner != -1 {
			d.Stations[d.hfLinkPartner].ConsecutiveConnectionFailures++
			d.logf("Failed to connect to station #%d '%s' (%d times in a row)",
				d.hfLinkPartner, d.Stations[d.hfLinkPartner].Name,
				d.Stations[d.hfLinkPartner].ConsecutiveConnectionFailures)
		}
		d.hfLinkPartner = -1
		d.aleInProgress = AleIdle
		d.setState(HFDisconnected)
		return
	case strings.HasPrefix(line, "AILTBL") && d.state != HFALELink:
		d.processLinkUp(line)
		return
	case line == "AIMESS3" && d.state == HFCallRequested:
		d.setState(HFDisconnected)
		return
	}
}

// handleFragmentPayload decodes one physical-layer fragment (3-byte
// header plus hex-encoded chunk, as produced by SendPacket) and, once
// every piece of its run has arrived, reassembles and delivers the
// logical frame via OnFrame.
func (d *HFBarrettDriver) handleFragmentPayload(payload string) {
	if len(payload) < 3 {
		return
	}

	seq := int(payload[0] - 0x41)
	fragIndex := int(payload[1] - 0x30)
	fragCount := int(payload[2] - 0x30)
	if seq < 0 || seq > 7 || fragIndex < 0 || fragCount <= 0 || fragIndex >= fragCount {
		return
	}

	chunk, err := hex.DecodeString(payload[3:])
	if err != nil {
		return
	}

	key := fmt.Sprintf("%s/%d", d.linkPartner, seq)
	acc, ok := d.reassembly[key]
	if !ok {
		acc = &fragAccum{total: fragCount, pieces: make([][]byte, fragCount)}
		d.reassembly[key] = acc
	}
	if acc.pieces[fragIndex] == nil {
		acc.pieces[fragIndex] = chunk
		acc.got++
	}
	if acc.got < acc.total {
		return
	}

	delete(d.reassembly, key)

	frame := make([]byte, 0, len(chunk)*fragCount)
	for _, p := range acc.pieces {
		frame = append(frame, p...)
	}
	if d.OnFrame != nil {
		d.OnFrame(d.linkPartner, frame)
	}
}

// parseStationTable parses the modem's AIATBL address-table dump into
// the station table and self-index. Entries are comma-separated
// "name:index" pairs, the first of which is this radio's own entry;
// everything after that refreshes the peer table. Existing
// consecutive-failure counts are preserved across a refresh, matched
// by index, so a dump doesn't erase in-progress back-off state.
func (d *HFBarrettDriver) parseStationTable(line string) {
	payload := strings.TrimPrefix(line, "AIATBL")

	failures := make(map[string]int, len(d.Stations))
	for _, st := range d.Stations {
		failures[st.Index] = st.ConsecutiveConnectionFailures
	}

	var stations []Station
	selfIndex := d.selfIndex
	for i, entry := range strings.Split(payload, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name, index := parts[0], parts[1]
		if i == 0 {
			selfIndex = index
			continue
		}
		stations = append(stations, Station{
			Name:                          name,
			Index:                         index,
			ConsecutiveConnectionFailures: failures[index],
		})
	}

	if len(stations) > 0 {
		d.Stations = stations
	}
	d.selfIndex = selfIndex

	d.logf("Barrett radio reports %d known stations (self index %s)", len(d.Stations), d.selfIndex)
}

func (d *HFBarrettDriver) processStatusLine(line string) {
	tmp := line[6:]
	if len(tmp) < 2 {
		return
	}
	switch tmp[1] {
	case '0':
		d.aleInProgress = AleIdle
	case '1':
		d.aleInProgress = AleTx
	case '2':
		d.aleInProgress = AleRx
	}
	if len(tmp) < 3 {
		return
	}
	switch tmp[2] {
	case '0':
		d.aleTransmission = 0
	case '1':
		d.aleTransmission = 1
	}
	if tmp[1] == '2' && tmp[2] == '0' && d.state == HFALELink {
		d.logf("Turned idle after receiving")
		d.messageFailure++
	}
}

func (d *HFBarrettDriver) processLinkUp(line string) {
	tmp := line[6:]
	pair, ok := splitAddrPair(tmp)
	if !ok {
		return
	}
	d.linkPartner = pair

	if idx := d.findStationByPair(pair); idx != -1 {
		d.hfLinkPartner = idx
		d.Stations[idx].ConsecutiveConnectionFailures = 0
	}

	// The turnaround pause on a link we didn't dial ourselves happens
	// at the top of tickALELink on the next tick, gated on
	// previousState == Disconnected.
	d.logf("ALE Link established with %s (station #%d)", d.linkPartner, d.hfLinkPartner)
	d.setState(HFALELink)
}

// --- Fragmented send ---

const (
	maxFragmentPayload = 43
	maxFragments       = 6
	sendAbsoluteBudget = 90 * time.Second
	perFragmentPause   = 3 * time.Second
)

// ErrSendAbandoned is returned when a packet send is abandoned, either
// by budget exhaustion or because the modem reported it turned idle
// or started receiving another message mid-send.
var ErrSendAbandoned = fmt.Errorf("lbard: packet send abandoned")

// SendPacket implements Driver: split frame into <=6 fragments of 43
// bytes, hex-encode, and push each through AXNMSG with flow control
// and acceptance polling.
func (d *HFBarrettDriver) SendPacket(ctx context.Context, dev SerialPort, frame []byte) error {
	if !d.ReadyTest() {
		return fmt.Errorf("lbard: %w: not ready", ErrSendAbandoned)
	}
	if len(frame) > 256 {
		return fmt.Errorf("lbard: packet too long (%d > 256)", len(frame))
	}

	pieces := (len(frame) + maxFragmentPayload - 1) / maxFragmentPayload
	if pieces > maxFragments {
		return fmt.Errorf("lbard: packet needs %d fragments, max %d", pieces, maxFragments)
	}

	deadline := d.now().Add(sendAbsoluteBudget)

	for i := 0; i < len(frame); i += maxFragmentPayload {
		end := i + maxFragmentPayload
		if end > len(frame) {
			end = len(frame)
		}
		chunk := frame[i:end]

		fragIndex := i / maxFragmentPayload
		header := []byte{
			0x41 + byte(d.sequenceNumber&0x07),
			0x30 + byte(fragIndex),
			0x30 + byte(pieces),
		}
		encoded := make([]byte, len(header)+hex.EncodedLen(len(chunk)))
		copy(encoded, header)
		hex.Encode(encoded[len(header):], chunk)

		if err := d.sendOneFragment(ctx, dev, encoded, deadline); err != nil {
			d.sequenceNumber = (d.sequenceNumber + 1) % 8
			return err
		}

		d.sleep(perFragmentPause)
	}

	d.sleep(d.TurnaroundPause)
	d.sequenceNumber = (d.sequenceNumber + 1) % 8
	return nil
}

func (d *HFBarrettDriver) sendOneFragment(ctx context.Context, dev SerialPort, payload []byte, deadline time.Time) error {
	message := fmt.Sprintf("AXNMSG%s%02d%s\r\n", d.linkPartner, len(payload), payload)

	for {
		if d.now().After(deadline) {
			return fmt.Errorf("lbard: %w: 90s budget exceeded", ErrSendAbandoned)
		}

		if in, err := dev.Drain(100 * time.Millisecond); err == nil && len(in) > 0 {
			d.ReceiveBytes(in)
		}

		if d.pauseTx == xoff {
			d.sleep(time.Second)
			continue
		}

		d.sleep(d.jitter(3))
		if _, err := dev.Write([]byte(message)); err != nil {
			return err
		}

		accepted, abort, err := d.pollFragmentResponse(ctx, dev, deadline)
		if err != nil {
			return err
		}
		if abort {
			_, _ = dev.Write([]byte("AXABORT\r\n"))
			d.sleep(d.TurnaroundPause)
			return fmt.Errorf("lbard: %w: another message incoming", ErrSendAbandoned)
		}
		if accepted {
			return nil
		}

		// Modem went idle before accepting - abandon this fragment.
		return fmt.Errorf("lbard: %w: modem went idle", ErrSendAbandoned)
	}
}

// pollFragmentResponse polls the modem's response stream once a
// second until AIMESS1 (accepted), AISTATx0 (idle - fail), or
// AISTATx2 (another message incoming - abort) is seen, or the packet's
// 90-second absolute budget runs out - a modem that never answers must
// not hang the scheduler forever.
func (d *HFBarrettDriver) pollFragmentResponse(_ context.Context, dev SerialPort, deadline time.Time) (accepted, abort bool, err error) {
	for {
		if d.now().After(deadline) {
			return false, false, fmt.Errorf("lbard: %w: 90s budget exceeded", ErrSendAbandoned)
		}

		d.sleep(time.Second)

		in, derr := dev.Drain(0)
		if derr != nil {
			return false, false, derr
		}
		if len(in) == 0 {
			continue
		}
		d.ReceiveBytes(in)
		text := string(in)

		switch {
		case strings.Contains(text, "AIMESS1"):
			return true, false, nil
		case containsAny(text, "AISTAT10", "AISTAT20", "AISTAT30"):
			_, _ = dev.Write([]byte("AXABORT\r\n"))
			return false, false, nil
		case containsAny(text, "AISTAT12", "AISTAT22", "AISTAT32"):
			return false, true, nil
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
