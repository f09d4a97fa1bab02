package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	The outer single-threaded cooperative loop - drain the
 *		radio's serial port, service the driver's state machine,
 *		periodically pull from Rhizome, and offer an outbound
 *		fragment when the driver says it's ready to send. Every
 *		phase is bracketed in the time-accounting ledger so a
 *		slow phase shows up in diagnostics rather than silently
 *		eating the tick budget.
 *
 *------------------------------------------------------------------*/

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

const defaultDrainTimeout = 50 * time.Millisecond

// BundleSource fetches a bundle's manifest and body bytes so they can
// be announced to a peer. Backed by RhizomeClient in production.
type BundleSource interface {
	Fetch(ctx context.Context, bid string, version int64) (manifest, body []byte, err error)
}

// rhizomeBundleSource adapts RhizomeClient's REST surface to
// BundleSource.
type rhizomeBundleSource struct {
	rc *RhizomeClient
}

func (s *rhizomeBundleSource) Fetch(ctx context.Context, bid string, version int64) ([]byte, []byte, error) {
	manifest, err := s.get(ctx, fmt.Sprintf("/restful/rhizome/bundle/%s.rhm", bid))
	if err != nil {
		return nil, nil, err
	}
	body, err := s.get(ctx, fmt.Sprintf("/restful/rhizome/bundle/%s/raw.bin", bid))
	if err != nil {
		return nil, nil, err
	}
	return manifest, body, nil
}

func (s *rhizomeBundleSource) get(ctx context.Context, path string) ([]byte, error) {
	status, body, truncated, _, err := s.rc.httpGetSimple(ctx, path, s.rc.pushTimeout())
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, fmt.Errorf("lbard: fetch %s: read cut short by time budget", path)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("lbard: fetch %s: http status %d", path, status)
	}
	return body, nil
}

const maxFragmentDataLen = 200

// Scheduler runs one LBARD instance's cooperative tick loop against a
// single detected radio driver.
type Scheduler struct {
	Driver    Driver
	Serial    SerialPort
	Rhizome   *RhizomeClient
	Catalogue *Catalogue
	Partials  *PartialTable
	Finaliser *Finaliser
	Source    BundleSource
	Time      *TimeAccount
	Logger    Logger

	// Relay, when set, keys an antenna changeover relay around each
	// transmission.
	Relay RelayKeyer

	PullInterval time.Duration

	peerName    string // identifies the currently linked peer to the partial table
	lastPull    time.Time
	announcePos int
}

// RelayKeyer keys an antenna changeover relay on around transmissions
// and off again afterwards. Implemented by GPIORelay.
type RelayKeyer interface {
	Key(on bool) error
}

// NewScheduler wires up a Scheduler from its components, defaulting
// Source to fetching from rc over the same Rhizome connection used for
// pull/push.
func NewScheduler(driver Driver, dev SerialPort, rc *RhizomeClient, cat *Catalogue, partials *PartialTable, logger Logger) *Scheduler {
	s := &Scheduler{
		Driver:       driver,
		Serial:       dev,
		Rhizome:      rc,
		Catalogue:    cat,
		Partials:     partials,
		Finaliser:    &Finaliser{Rhizome: rc},
		Time:         &TimeAccount{},
		Logger:       logger,
		PullInterval: 5 * time.Second,
	}
	s.Source = &rhizomeBundleSource{rc: rc}

	switch dr := driver.(type) {
	case *HFBarrettDriver:
		dr.OnFrame = s.handleFrame
		dr.TimeAccount = s.Time
		dr.Logger = logger
	case *DNSSDDriver:
		dr.OnFrame = s.handleFrame
	}

	return s
}

func (s *Scheduler) handleFrame(peer string, frame []byte) {
	s.peerName = peer

	frag, err := DecodeFragment(frame)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warnf("scheduler: dropping malformed frame from %s: %v", peer, err)
		}
		return
	}

	pp := s.Partials.Peer(peer)
	slot, complete := pp.NoteFragment(frag.BIDPrefix, frag.Version, frag.ManifestLength, frag.BodyLength, frag.Kind, frag.Offset, frag.Data)
	if !complete {
		return
	}

	if err := s.Finaliser.Finalise(context.Background(), pp, slot); err != nil {
		if s.Logger != nil {
			s.Logger.Warnf("scheduler: finalising bundle from %s: %v", peer, err)
		}
	}
}

// Tick runs one iteration of the cooperative loop.
func (s *Scheduler) Tick(ctx context.Context) {
	s.Time.AccountTime("drain")
	if data, err := s.Serial.Drain(defaultDrainTimeout); err == nil && len(data) > 0 {
		s.Driver.ReceiveBytes(data)
	}

	s.Time.AccountTime("service")
	s.Driver.ServiceTick(ctx, s.Serial)

	s.Time.AccountTime("pull")
	now := time.Now()
	if s.lastPull.IsZero() || now.Sub(s.lastPull) >= s.PullInterval {
		s.lastPull = now
		if _, err := s.Rhizome.Pull(ctx, s.Catalogue); err != nil && s.Logger != nil {
			s.Logger.Warnf("scheduler: rhizome pull failed: %v", err)
		}
	}

	s.Time.AccountTime("send")
	if s.Driver.ReadyTest() {
		s.sendNextAnnouncement(ctx)
	}

	s.Time.AccountTime("idle")
}

// sendNextAnnouncement offers one chunk of the next bundle in the
// catalogue to the driver, round-robining across the catalogue so no
// single large bundle starves the others. When the bundle it lands on
// is already fully announced at its current version, nothing is sent
// this tick; it does not search on for one with bytes left to send.
func (s *Scheduler) sendNextAnnouncement(ctx context.Context) {
	all := s.Catalogue.All()
	if len(all) == 0 {
		return
	}

	s.announcePos %= len(all)
	b := all[s.announcePos]
	s.announcePos++

	manifest, body, err := s.Source.Fetch(ctx, b.BID, b.Version)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debugf("scheduler: fetching %s: %v", b.BID, err)
		}
		return
	}

	// The manifest is announced first, in full, before any body bytes
	// go out; LastManifestVersionAnnounced gates that phase so the
	// shared offset counter is never asked to mean two different
	// things in the same tick.
	manifestDone := b.LastManifestVersionAnnounced == b.Version

	kind := FragmentManifest
	source := manifest
	totalLen := uint32(len(manifest))
	if manifestDone {
		kind = FragmentBody
		source = body
		totalLen = uint32(len(body))
	}
	offset := b.LastOffsetAnnounced

	if offset >= totalLen {
		if manifestDone {
			// Body fully announced too; nothing left to send until
			// the version changes.
			return
		}
		// Manifest fully sent; flip to body immediately so this tick
		// still makes progress instead of idling a full cycle.
		if err := s.Catalogue.MarkManifestAnnounced(b.BID, b.Version, time.Now()); err != nil {
			if s.Logger != nil {
				s.Logger.Warnf("scheduler: marking manifest announced for %s: %v", b.BID, err)
			}
			return
		}
		manifestDone = true
		kind = FragmentBody
		source = body
		totalLen = uint32(len(body))
		offset = 0
		if offset >= totalLen {
			return
		}
	}

	end := offset + maxFragmentDataLen
	if end > totalLen {
		end = totalLen
	}
	chunk := bytes.Clone(source[offset:end])

	prefix := b.BID
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}

	frag := Fragment{
		Kind:           kind,
		BIDPrefix:      prefix,
		Version:        b.Version,
		ManifestLength: uint32(len(manifest)),
		BodyLength:     uint32(len(body)),
		Offset:         offset,
		Data:           chunk,
	}

	if s.Relay != nil {
		if err := s.Relay.Key(true); err != nil && s.Logger != nil {
			s.Logger.Warnf("scheduler: keying antenna relay: %v", err)
		}
	}
	err = s.Driver.SendPacket(ctx, s.Serial, EncodeFragment(frag))
	if s.Relay != nil {
		if kerr := s.Relay.Key(false); kerr != nil && s.Logger != nil {
			s.Logger.Warnf("scheduler: unkeying antenna relay: %v", kerr)
		}
	}
	if err != nil {
		if s.Logger != nil {
			s.Logger.Debugf("scheduler: send to driver failed: %v", err)
		}
		return
	}

	// LastOffsetAnnounced tracks progress within the current phase;
	// when this chunk completes the manifest, the phase gate flips in
	// the same tick so the manifest is never re-sent before body bytes
	// start going out.
	if kind == FragmentManifest && end >= totalLen {
		_ = s.Catalogue.MarkManifestAnnounced(b.BID, b.Version, time.Now())
	} else {
		_ = s.Catalogue.MarkAnnounced(b.BID, end, time.Now())
	}
}
