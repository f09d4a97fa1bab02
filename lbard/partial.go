package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Track in-flight inbound bundle transfers per peer: a
 *		fixed-capacity set of slots, each accumulating a
 *		manifest segment list and a body segment list until
 *		both are complete, at which point the bundle is handed
 *		to the Rhizome client for import.
 *
 *------------------------------------------------------------------*/

import (
	"strings"
)

// MaxBundlesInFlight bounds the number of simultaneous partial
// transfers tracked per peer.
const MaxBundlesInFlight = 32

// FragmentKind distinguishes manifest fragments from body fragments.
type FragmentKind int

const (
	FragmentManifest FragmentKind = iota
	FragmentBody
)

// Partial is one in-flight inbound bundle transfer.
type Partial struct {
	occupied       bool
	BIDPrefix      string
	BundleVersion  int64
	ManifestLength uint32
	BodyLength     uint32
	Manifest       SegmentList
	Body           SegmentList

	lastUpdated int64 // monotonically increasing touch counter, for LRU eviction
}

// PeerPartials is the fixed-capacity slot table for one peer.
type PeerPartials struct {
	Peer   string
	Slots  [MaxBundlesInFlight]Partial
	touchN int64
}

func (pp *PeerPartials) touch(p *Partial) {
	pp.touchN++
	p.lastUpdated = pp.touchN
}

// findSlot returns the index of the slot tracking (bidPrefix, version),
// or -1 if none matches.
func (pp *PeerPartials) findSlot(bidPrefix string, version int64) int {
	for i := range pp.Slots {
		s := &pp.Slots[i]
		if s.occupied && s.BIDPrefix == bidPrefix && s.BundleVersion == version {
			return i
		}
	}
	return -1
}

// allocSlot returns the index of an empty slot, or the index of the
// least-recently-updated occupied slot if the table is full.
func (pp *PeerPartials) allocSlot() int {
	for i := range pp.Slots {
		if !pp.Slots[i].occupied {
			return i
		}
	}

	lru := 0
	for i := 1; i < len(pp.Slots); i++ {
		if pp.Slots[i].lastUpdated < pp.Slots[lru].lastUpdated {
			lru = i
		}
	}
	return lru
}

// Clear frees a slot's segment buffers and zeroes it.
func (pp *PeerPartials) Clear(i int) {
	pp.Slots[i] = Partial{}
}

// NoteFragment locates or allocates the slot for (bid, version),
// inserts the fragment, merges, and returns true if the bundle is now
// fully received (both lists complete).
func (pp *PeerPartials) NoteFragment(bidPrefix string, version int64, manifestLen, bodyLen uint32, kind FragmentKind, offset uint32, data []byte) (slot int, complete bool) {
	i := pp.findSlot(bidPrefix, version)
	if i < 0 {
		i = pp.allocSlot()
		pp.Slots[i] = Partial{
			occupied:       true,
			BIDPrefix:      bidPrefix,
			BundleVersion:  version,
			ManifestLength: manifestLen,
			BodyLength:     bodyLen,
		}
	}

	p := &pp.Slots[i]
	// A returning peer may tell us the lengths again with the same
	// bid/version; keep the first values we learned, they should agree.
	if p.ManifestLength == 0 {
		p.ManifestLength = manifestLen
	}
	if p.BodyLength == 0 {
		p.BodyLength = bodyLen
	}

	switch kind {
	case FragmentManifest:
		p.Manifest.Insert(offset, data)
		p.Manifest.Merge()
	case FragmentBody:
		p.Body.Insert(offset, data)
		p.Body.Merge()
	}
	pp.touch(p)

	// A zero-length body has no fragments to receive, so it is complete
	// as soon as the manifest is.
	bodyDone := p.BodyLength == 0 || p.Body.IsComplete(p.BodyLength)
	complete = p.Manifest.IsComplete(p.ManifestLength) && bodyDone
	return i, complete
}

// Cull clears any slot whose BIDPrefix is a case-insensitive prefix of
// bid and whose BundleVersion is at or below version - called whenever
// the catalogue learns that Rhizome already holds bid at version (or
// newer), so receiving it again would be wasted effort.
func (pp *PeerPartials) Cull(bid string, version int64) {
	for i := range pp.Slots {
		s := &pp.Slots[i]
		if !s.occupied {
			continue
		}
		if s.BundleVersion <= version && isPrefixFold(s.BIDPrefix, bid) {
			pp.Clear(i)
		}
	}
}

func isPrefixFold(prefix, s string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return strings.EqualFold(prefix, s[:len(prefix)])
}

// PartialTable is the whole-process table, keyed by peer identifier.
type PartialTable struct {
	peers map[string]*PeerPartials
}

// NewPartialTable constructs an empty table.
func NewPartialTable() *PartialTable {
	return &PartialTable{peers: make(map[string]*PeerPartials)}
}

// Peer returns (creating if necessary) the slot set for a peer.
func (t *PartialTable) Peer(peer string) *PeerPartials {
	pp, ok := t.peers[peer]
	if !ok {
		pp = &PeerPartials{Peer: peer}
		t.peers[peer] = pp
	}
	return pp
}

// Cull applies PeerPartials.Cull across every known peer; the
// catalogue calls this on every registration that passes its filter
// and age gate.
func (t *PartialTable) Cull(bid string, version int64) {
	for _, pp := range t.peers {
		pp.Cull(bid, version)
	}
}

// Peers returns the known peer identifiers, for diagnostics.
func (t *PartialTable) Peers() []string {
	out := make([]string, 0, len(t.peers))
	for k := range t.peers {
		out = append(out, k)
	}
	return out
}
