package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	Once a partial bundle's manifest and body segment lists
 *		are both complete, extract its BID, check it against the
 *		peer's announced prefix, and hand the pair to Rhizome
 *		for import.
 *
 * The BID extraction requires "ID=" (compared case-insensitively) at
 * the very start of the manifest. Manifests are newline-delimited and "id=" can in
 * principle appear on any line; peers are expected to place it first,
 * and a manifest that doesn't is discarded.
 *
 *------------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrMalformedManifest is returned when a completed manifest doesn't
// start with the expected "ID=<64 hex chars>" header.
var ErrMalformedManifest = errors.New("lbard: malformed manifest header")

// ErrBIDMismatch is returned when the extracted BID doesn't match the
// peer's announced prefix for this slot.
var ErrBIDMismatch = errors.New("lbard: extracted bid does not match announced prefix")

// ExtractManifestBID extracts the 64-hex-character BID from a
// manifest buffer's leading "ID=" prefix, compared case-insensitively.
func ExtractManifestBID(manifest []byte) (string, error) {
	const prefix = "ID="
	const bidHexLen = 64

	if len(manifest) < len(prefix)+bidHexLen {
		return "", ErrMalformedManifest
	}
	if !strings.EqualFold(string(manifest[:len(prefix)]), prefix) {
		return "", ErrMalformedManifest
	}

	bid := string(manifest[len(prefix) : len(prefix)+bidHexLen])
	for _, r := range bid {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return "", ErrMalformedManifest
		}
	}
	return bid, nil
}

// Finaliser drives the finalise step whenever NoteFragment reports a
// slot complete.
type Finaliser struct {
	Rhizome *RhizomeClient

	// DumpDir, when set, receives the manifest/body/result of every
	// rejected import so a field failure can be replayed offline.
	DumpDir string
}

func (f *Finaliser) dumpRejected(manifest, body []byte, result string) {
	if f.DumpDir == "" {
		return
	}
	_ = os.MkdirAll(f.DumpDir, 0o755)
	_ = os.WriteFile(filepath.Join(f.DumpDir, "lbard.rejected.manifest"), manifest, 0o644)
	_ = os.WriteFile(filepath.Join(f.DumpDir, "lbard.rejected.body"), body, 0o644)
	_ = os.WriteFile(filepath.Join(f.DumpDir, "lbard.rejected.result"), []byte(result), 0o644)
}

// Finalise extracts the BID, checks it against the slot's announced
// prefix, and pushes the pair to Rhizome. On success the slot is
// cleared; on any failure short of a bad manifest/BID mismatch, the
// slot is left intact so the partial table's own eviction policy can
// retry it later.
func (f *Finaliser) Finalise(ctx context.Context, pp *PeerPartials, slot int) error {
	p := &pp.Slots[slot]
	if !p.occupied {
		return nil
	}

	manifest := p.Manifest.Bytes()
	body := p.Body.Bytes()

	bid, err := ExtractManifestBID(manifest)
	if err != nil {
		f.dumpRejected(manifest, body, err.Error())
		pp.Clear(slot)
		return err
	}
	if !isPrefixFold(p.BIDPrefix, bid) {
		f.dumpRejected(manifest, body, ErrBIDMismatch.Error())
		pp.Clear(slot)
		return ErrBIDMismatch
	}

	status, err := f.Rhizome.Push(ctx, manifest, body)
	if err != nil {
		// Transport failure: leave the slot for a later retry.
		return err
	}
	if !PushSucceeded(status) {
		f.dumpRejected(manifest, body, fmt.Sprintf("http status %d", status))
		return nil
	}

	pp.Clear(slot)
	return nil
}
