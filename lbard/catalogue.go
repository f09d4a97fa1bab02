package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Fixed-capacity table of locally known bundles, with
 *		versioned update semantics.
 *
 * Description:	Registration runs filter -> age gate -> cross-peer
 *		cull -> upsert, in that order; an update only lands if
 *		it is strictly newer than what the table already holds.
 *
 *------------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxBundles bounds the catalogue's size.
const MaxBundles = 4096

var (
	// ErrTableFull is returned when the catalogue is at capacity and a
	// brand new BID is offered.
	ErrTableFull = errors.New("lbard: bundle table full")
	// ErrFiltered is returned when meshms-only mode is enabled and the
	// bundle's service is not a meshms service.
	ErrFiltered = errors.New("lbard: non-meshms while meshms_only")
	// ErrTooOld is returned when the bundle's version is below
	// MinVersion and it isn't exempt (meshms2).
	ErrTooOld = errors.New("lbard: bundle too old")
	// ErrStaleVersion is returned when an update carries a version no
	// newer than what the catalogue already holds - not an error
	// condition so much as a no-op, but callers may want to know.
	ErrStaleVersion = errors.New("lbard: stale version, no-op")
)

// Bundle is one catalogued bundle record.
type Bundle struct {
	Service        string
	BID            string
	Version        int64
	Author         string
	OriginatedHere bool
	Length         int64
	FileHash       string
	Sender         string
	Recipient      string

	// Announcement bookkeeping, reset to zero whenever Version changes.
	LastOffsetAnnounced          uint32
	LastManifestVersionAnnounced int64
	LastAnnouncedTime            time.Time
}

// isMeshMS reports whether service names a MeshMS service,
// case-insensitively on the first six characters.
func isMeshMS(service string) bool {
	return len(service) >= 6 && strings.EqualFold(service[:6], "meshms")
}

func isMeshMS2(service string) bool {
	return len(service) >= 7 && strings.EqualFold(service[:7], "meshms2")
}

// MirrorFunc receives every Register attempt, accepted or rejected,
// for the debug side channel.
type MirrorFunc func(b Bundle, outcome error)

// Catalogue is the fixed-capacity bundle table.
type Catalogue struct {
	MeshMSOnly bool
	MinVersion int64
	Mirror     MirrorFunc

	partials *PartialTable

	byBID map[string]int
	order []string // preserves insertion order for iteration/tests
	rows  map[string]Bundle
}

// NewCatalogue constructs an empty catalogue bound to a partial table
// so Register can cull in-flight transfers that Rhizome has already
// caught up with.
func NewCatalogue(partials *PartialTable) *Catalogue {
	return &Catalogue{
		partials: partials,
		byBID:    make(map[string]int),
		rows:     make(map[string]Bundle),
	}
}

// Len returns the number of catalogued bundles.
func (c *Catalogue) Len() int { return len(c.rows) }

// Get looks up a bundle by BID.
func (c *Catalogue) Get(bid string) (Bundle, bool) {
	b, ok := c.rows[bid]
	return b, ok
}

// Register records a bundle listing row, subject to the configured
// filters and the table's version rules.
func (c *Catalogue) Register(service, bid string, version int64, author string, originatedHere bool, length int64, filehash, sender, recipient string) error {
	b := Bundle{
		Service:        service,
		BID:            bid,
		Version:        version,
		Author:         author,
		OriginatedHere: originatedHere,
		Length:         length,
		FileHash:       filehash,
		Sender:         sender,
		Recipient:      recipient,
	}

	err := c.register(b)
	if c.Mirror != nil {
		c.Mirror(b, err)
	}
	return err
}

func (c *Catalogue) register(b Bundle) error {
	// 1. Filter.
	if c.MeshMSOnly && !isMeshMS(b.Service) {
		return ErrFiltered
	}

	// 2. Age gate. meshms2 journal bundles use version as an append
	// offset, not a timestamp, so they're exempt.
	if b.Version < c.MinVersion && !isMeshMS2(b.Service) {
		return ErrTooOld
	}

	// 3. Cross-peer cull, regardless of whether this turns out to be
	// a new bundle or an update - any in-flight transfer this new or
	// older is now wasted effort.
	if c.partials != nil {
		c.partials.Cull(b.BID, b.Version)
	}

	// 4. Upsert.
	if idx, ok := c.byBID[b.BID]; ok {
		existing := c.rows[c.order[idx]]
		if existing.Version >= b.Version {
			return ErrStaleVersion
		}
		// Overwrite; announcement bookkeeping resets because the
		// version changed.
		b.LastOffsetAnnounced = 0
		b.LastManifestVersionAnnounced = 0
		b.LastAnnouncedTime = time.Time{}
		c.rows[b.BID] = b
		return nil
	}

	if len(c.rows) >= MaxBundles {
		return ErrTableFull
	}

	c.byBID[b.BID] = len(c.order)
	c.order = append(c.order, b.BID)
	c.rows[b.BID] = b
	return nil
}

// All returns every catalogued bundle in registration order, for
// diagnostics and for the scheduler's announcement selection.
func (c *Catalogue) All() []Bundle {
	out := make([]Bundle, 0, len(c.order))
	for _, bid := range c.order {
		out = append(out, c.rows[bid])
	}
	return out
}

// MarkAnnounced records that bid's body has been announced up to
// offset, used by the scheduler to avoid re-sending already-announced
// body bytes on every tick. It does not touch manifest bookkeeping -
// that is MarkManifestAnnounced's job, kept as a separate gate so the
// two phases of announcement (manifest, then body) don't share a
// single offset counter and step on each other.
func (c *Catalogue) MarkAnnounced(bid string, offset uint32, when time.Time) error {
	b, ok := c.rows[bid]
	if !ok {
		return fmt.Errorf("lbard: mark-announced: unknown bid %s", bid)
	}
	b.LastOffsetAnnounced = offset
	b.LastAnnouncedTime = when
	c.rows[bid] = b
	return nil
}

// MarkManifestAnnounced records that bid's manifest has been fully
// announced at version - the gate sendNextAnnouncement checks before
// ever considering body offsets for this version.
func (c *Catalogue) MarkManifestAnnounced(bid string, version int64, when time.Time) error {
	b, ok := c.rows[bid]
	if !ok {
		return fmt.Errorf("lbard: mark-manifest-announced: unknown bid %s", bid)
	}
	b.LastManifestVersionAnnounced = version
	b.LastOffsetAnnounced = 0
	b.LastAnnouncedTime = when
	c.rows[bid] = b
	return nil
}
