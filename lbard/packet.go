package lbard

/*------------------------------------------------------------------
 *
 * Purpose:	The wire format for one LBARD fragment frame: which
 *		bundle (by BID prefix and version), which half (manifest
 *		or body), and which byte range, wrapping the raw segment
 *		bytes that travel inside a single radio-driver SendPacket
 *		call.
 *
 * This sits above the Barrett driver's own 43-byte/hex physical
 * fragmentation (hfbarrett.go): a single EncodeFragment result is one
 * logical LBARD fragment, which the driver may itself need to split
 * further to fit the modem's per-message size limit.
 *
 *------------------------------------------------------------------*/

import (
	"encoding/binary"
	"errors"
)

// ErrShortFrame is returned when a received frame is too small to
// contain a valid fragment header.
var ErrShortFrame = errors.New("lbard: frame too short for fragment header")

// Fragment is the decoded form of one LBARD wire frame.
type Fragment struct {
	Kind           FragmentKind
	BIDPrefix      string
	Version        int64
	ManifestLength uint32
	BodyLength     uint32
	Offset         uint32
	Data           []byte
}

// EncodeFragment packs f into its wire representation.
func EncodeFragment(f Fragment) []byte {
	prefix := f.BIDPrefix
	if len(prefix) > 255 {
		prefix = prefix[:255]
	}

	buf := make([]byte, 1+1+len(prefix)+8+4+4+4+len(f.Data))
	pos := 0

	buf[pos] = byte(f.Kind)
	pos++
	buf[pos] = byte(len(prefix))
	pos++
	pos += copy(buf[pos:], prefix)

	binary.BigEndian.PutUint64(buf[pos:], uint64(f.Version))
	pos += 8
	binary.BigEndian.PutUint32(buf[pos:], f.ManifestLength)
	pos += 4
	binary.BigEndian.PutUint32(buf[pos:], f.BodyLength)
	pos += 4
	binary.BigEndian.PutUint32(buf[pos:], f.Offset)
	pos += 4

	copy(buf[pos:], f.Data)
	return buf
}

// DecodeFragment unpacks a wire frame produced by EncodeFragment.
func DecodeFragment(raw []byte) (Fragment, error) {
	if len(raw) < 2 {
		return Fragment{}, ErrShortFrame
	}
	kind := FragmentKind(raw[0])
	prefixLen := int(raw[1])
	pos := 2

	if len(raw) < pos+prefixLen+20 {
		return Fragment{}, ErrShortFrame
	}

	prefix := string(raw[pos : pos+prefixLen])
	pos += prefixLen

	version := int64(binary.BigEndian.Uint64(raw[pos:]))
	pos += 8
	manifestLen := binary.BigEndian.Uint32(raw[pos:])
	pos += 4
	bodyLen := binary.BigEndian.Uint32(raw[pos:])
	pos += 4
	offset := binary.BigEndian.Uint32(raw[pos:])
	pos += 4

	data := make([]byte, len(raw)-pos)
	copy(data, raw[pos:])

	return Fragment{
		Kind:           kind,
		BIDPrefix:      prefix,
		Version:        version,
		ManifestLength: manifestLen,
		BodyLength:     bodyLen,
		Offset:         offset,
		Data:           data,
	}, nil
}
