package lbard

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver() *HFBarrettDriver {
	d := NewHFBarrettDriver("AA", []Station{{Name: "base", Index: "BB"}}, nil)
	d.Sleep = func(time.Duration) {}
	return d
}

func TestHFBarrettDriver_DetectSendsRegistrationSequence(t *testing.T) {
	dev := &fakeSerialPort{}
	d := newTestDriver()

	ok, err := d.Detect(context.Background(), dev)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, dev.outbox, len(registrationCommands))
	assert.Equal(t, []byte(registrationCommands[0]), dev.outbox[0])
}

func TestHFBarrettDriver_ReceiveBytesParsesStatusLine(t *testing.T) {
	d := newTestDriver()
	// "AISTAT" + a leading digit (ignored) + <a><b> status digits.
	d.ReceiveBytes([]byte("AISTAT000\r\n"))

	assert.Equal(t, AleIdle, d.aleInProgress)
}

func TestHFBarrettDriver_ReceiveBytesHandlesSplitLines(t *testing.T) {
	d := newTestDriver()
	d.ReceiveBytes([]byte("AIST"))
	d.ReceiveBytes([]byte("AT000\r\n"))

	assert.Equal(t, AleIdle, d.aleInProgress)
}

func TestHFBarrettDriver_ReceiveBytesStatusLineSkipsLeadingDigit(t *testing.T) {
	d := newTestDriver()
	// Leading digit varies but must not be mistaken for <a>; only the
	// second and third digits (here: rx / idle) are significant.
	d.state = HFALELink
	d.ReceiveBytes([]byte("AISTAT120\r\n"))

	assert.Equal(t, AleRx, d.aleInProgress)
	assert.Equal(t, 0, d.aleTransmission)
	assert.Equal(t, 1, d.messageFailure)
}

func TestHFBarrettDriver_ProcessLinkUpEntersALELink(t *testing.T) {
	d := newTestDriver()
	// AILTBL + 6-byte token; swapped-pair decode yields linkPartner
	// "2211" per splitAddrPair's [4],[5],[2],[3] rule.
	d.ReceiveBytes([]byte("AILTBL001122\r\n"))

	assert.Equal(t, HFALELink, d.state)
	assert.NotEmpty(t, d.linkPartner)
}

func TestHFBarrettDriver_AILTBLWhileLinkedMeansLinkDropped(t *testing.T) {
	d := newTestDriver()
	d.state = HFALELink
	d.hfLinkPartner = 0

	d.ReceiveBytes([]byte("AILTBL\r\n"))

	assert.Equal(t, HFDisconnected, d.state)
	assert.Equal(t, 1, d.Stations[0].ConsecutiveConnectionFailures)
}

func TestHFBarrettDriver_ReadyTestRequiresIdleLinkedState(t *testing.T) {
	d := newTestDriver()
	assert.False(t, d.ReadyTest())

	d.state = HFALELink
	d.linkPartner = "BBAA"
	assert.True(t, d.ReadyTest())

	d.aleInProgress = AleTx
	assert.False(t, d.ReadyTest())
}

func TestHFBarrettDriver_FragmentReassemblyDeliversOnLastPiece(t *testing.T) {
	d := newTestDriver()
	d.linkPartner = "BBAA"

	var got []byte
	d.OnFrame = func(peer string, frame []byte) {
		got = frame
	}

	full := []byte("hello world")
	part1, part2 := full[:6], full[6:]

	p1 := string([]byte{0x41, 0x30, 0x32}) + hex.EncodeToString(part1)
	p2 := string([]byte{0x41, 0x31, 0x32}) + hex.EncodeToString(part2)

	d.handleFragmentPayload(p1)
	assert.Nil(t, got)

	d.handleFragmentPayload(p2)
	require.NotNil(t, got)
	assert.Equal(t, full, got)
}

func TestHFBarrettDriver_FragmentReassemblyOutOfOrder(t *testing.T) {
	d := newTestDriver()
	d.linkPartner = "BBAA"

	var got []byte
	d.OnFrame = func(peer string, frame []byte) { got = frame }

	full := []byte("abcdef")
	p1 := string([]byte{0x42, 0x30, 0x32}) + hex.EncodeToString(full[:3])
	p2 := string([]byte{0x42, 0x31, 0x32}) + hex.EncodeToString(full[3:])

	d.handleFragmentPayload(p2)
	d.handleFragmentPayload(p1)

	require.NotNil(t, got)
	assert.Equal(t, full, got)
}

func TestHFBarrettDriver_SendPacketAcceptedFlow(t *testing.T) {
	dev := &fakeSerialPort{}
	dev.queue(nil)
	dev.queue([]byte("AIMESS1\r\n"))

	d := newTestDriver()
	d.state = HFALELink
	d.linkPartner = "BBAA"

	err := d.SendPacket(context.Background(), dev, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, dev.outbox, 1)
	assert.Contains(t, string(dev.outbox[0]), "AXNMSGBBAA")
}

func TestHFBarrettDriver_SendPacketAbandonedOnIdle(t *testing.T) {
	dev := &fakeSerialPort{}
	dev.queue(nil)
	dev.queue([]byte("AISTAT10\r\n"))

	d := newTestDriver()
	d.state = HFALELink
	d.linkPartner = "BBAA"

	err := d.SendPacket(context.Background(), dev, []byte("hello"))
	assert.ErrorIs(t, err, ErrSendAbandoned)
}

func TestHFBarrettDriver_SendPacketRejectsOversizeFrame(t *testing.T) {
	dev := &fakeSerialPort{}
	d := newTestDriver()
	d.state = HFALELink
	d.linkPartner = "BBAA"

	big := make([]byte, 300)
	err := d.SendPacket(context.Background(), dev, big)
	assert.Error(t, err)
}

func TestHFBarrettDriver_TickALELinkWritesSoftResetAfterRepeatedFailures(t *testing.T) {
	dev := &fakeSerialPort{}
	d := newTestDriver()
	d.state = HFALELink
	d.havePrevious = true
	d.previousState = HFALELink
	d.messageFailure = d.MessageFailureLimit + 1

	d.tickALELink(d.now(), dev)

	require.Len(t, dev.outbox, 1)
	assert.Equal(t, []byte("*"), dev.outbox[0])
	assert.Equal(t, 0, d.messageFailure)
}

func TestHFBarrettDriver_AIAMDMSkipsFullTwelveByteHeader(t *testing.T) {
	d := newTestDriver()
	d.linkPartner = "BBAA"

	var got []byte
	d.OnFrame = func(peer string, frame []byte) { got = frame }

	payload := string([]byte{0x41, 0x30, 0x31}) + hex.EncodeToString([]byte("hi"))
	// "AIAMDM" (6) + 6 more header bytes before the fragment payload
	// starts.
	line := "AIAMDM" + "junk12" + payload

	d.ReceiveBytes([]byte(line + "\r\n"))

	require.NotNil(t, got)
	assert.Equal(t, []byte("hi"), got)
}

func TestHFBarrettDriver_ParseStationTablePopulatesStationsAndSelfIndex(t *testing.T) {
	d := newTestDriver()
	d.Stations[0].ConsecutiveConnectionFailures = 4

	d.ReceiveBytes([]byte("AIATBLself:AA,base:BB,other:CC\r\n"))

	assert.Equal(t, "AA", d.selfIndex)
	require.Len(t, d.Stations, 2)
	assert.Equal(t, Station{Name: "base", Index: "BB", ConsecutiveConnectionFailures: 4}, d.Stations[0])
	assert.Equal(t, Station{Name: "other", Index: "CC", ConsecutiveConnectionFailures: 0}, d.Stations[1])
}

func TestHFBarrettDriver_DisconnectedDefersToIncomingCall(t *testing.T) {
	dev := &fakeSerialPort{}
	d := newTestDriver()
	// The radio is receiving; it will not try to do a call request.
	d.aleInProgress = AleRx

	d.tickDisconnected(d.now(), dev)

	assert.Equal(t, HFDisconnected, d.state)
	for _, out := range dev.outbox {
		assert.NotContains(t, string(out), "AXNMSG")
	}
}

func TestHFBarrettDriver_CallRequestedAbandonsWhenCallArrives(t *testing.T) {
	d := newTestDriver()
	d.state = HFCallRequested
	d.hfNextCallTime = d.now().Add(time.Minute)
	d.aleInProgress = AleRx

	d.tickCallRequested(d.now(), &fakeSerialPort{})

	assert.Equal(t, HFDisconnected, d.state)
}

func TestHFBarrettDriver_CallRequestedTimesOutWithoutBlamingStation(t *testing.T) {
	d := newTestDriver()
	d.state = HFCallRequested
	d.hfNextCallTime = d.now().Add(-time.Second)

	d.tickCallRequested(d.now(), &fakeSerialPort{})

	assert.Equal(t, HFDisconnected, d.state)
	assert.Equal(t, 0, d.Stations[0].ConsecutiveConnectionFailures)
}

func TestHFBarrettDriver_NextStationToCallPrefersFewestFailures(t *testing.T) {
	d := newTestDriver()
	d.Stations = []Station{
		{Name: "a", Index: "11", ConsecutiveConnectionFailures: 3},
		{Name: "b", Index: "22", ConsecutiveConnectionFailures: 1},
		{Name: "c", Index: "33", ConsecutiveConnectionFailures: 2},
	}
	assert.Equal(t, 1, d.nextStationToCall())
}
