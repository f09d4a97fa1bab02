package lbard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerPartials_NoteFragmentCompletesWhenBothListsFull(t *testing.T) {
	pp := &PeerPartials{Peer: "AABB"}

	slot, complete := pp.NoteFragment("deadbeef", 1, 4, 4, FragmentManifest, 0, []byte("MANI"))
	assert.False(t, complete)

	slot2, complete := pp.NoteFragment("deadbeef", 1, 4, 4, FragmentBody, 0, []byte("BODY"))
	assert.Equal(t, slot, slot2)
	assert.True(t, complete)
	assert.Equal(t, []byte("MANI"), pp.Slots[slot].Manifest.Bytes())
	assert.Equal(t, []byte("BODY"), pp.Slots[slot].Body.Bytes())
}

func TestPeerPartials_NoteFragmentOutOfOrder(t *testing.T) {
	pp := &PeerPartials{}

	_, complete := pp.NoteFragment("bid", 1, 6, 0, FragmentManifest, 3, []byte("def"))
	assert.False(t, complete)

	slot, complete := pp.NoteFragment("bid", 1, 6, 0, FragmentManifest, 0, []byte("abc"))
	assert.True(t, complete)
	assert.Equal(t, []byte("abcdef"), pp.Slots[slot].Manifest.Bytes())
}

func TestPeerPartials_AllocSlotEvictsLRUWhenFull(t *testing.T) {
	pp := &PeerPartials{}

	for i := 0; i < MaxBundlesInFlight; i++ {
		pp.NoteFragment(string(rune('a'+i)), 1, 100, 100, FragmentManifest, 0, []byte("x"))
	}
	require.Equal(t, MaxBundlesInFlight, countOccupied(pp))

	// One more distinct bundle must evict the least-recently-touched slot (index 0).
	pp.NoteFragment("new-bundle", 1, 100, 100, FragmentManifest, 0, []byte("y"))
	assert.Equal(t, MaxBundlesInFlight, countOccupied(pp))

	found := false
	for _, s := range pp.Slots {
		if s.BIDPrefix == "new-bundle" {
			found = true
		}
	}
	assert.True(t, found)

	for _, s := range pp.Slots {
		assert.NotEqual(t, "a", s.BIDPrefix)
	}
}

func countOccupied(pp *PeerPartials) int {
	n := 0
	for _, s := range pp.Slots {
		if s.occupied {
			n++
		}
	}
	return n
}

func TestPeerPartials_CullClearsMatchingPrefixAtOrBelowVersion(t *testing.T) {
	pp := &PeerPartials{}
	pp.NoteFragment("DEADBEEF", 3, 10, 10, FragmentManifest, 0, []byte("x"))

	// Lower-case full BID, case-insensitive prefix match.
	pp.Cull("deadbeefcafe0000000000000000000000000000000000000000000000000000", 5)

	assert.Equal(t, 0, countOccupied(pp))
}

func TestPeerPartials_CullLeavesNewerVersionsAlone(t *testing.T) {
	pp := &PeerPartials{}
	pp.NoteFragment("DEADBEEF", 9, 10, 10, FragmentManifest, 0, []byte("x"))

	pp.Cull("deadbeefcafe0000000000000000000000000000000000000000000000000000", 5)

	assert.Equal(t, 1, countOccupied(pp))
}

func TestPartialTable_CullAppliesAcrossAllPeers(t *testing.T) {
	table := NewPartialTable()
	table.Peer("A").NoteFragment("BEEF", 1, 10, 10, FragmentManifest, 0, []byte("x"))
	table.Peer("B").NoteFragment("BEEF", 1, 10, 10, FragmentManifest, 0, []byte("x"))

	table.Cull("beefface", 1)

	assert.Equal(t, 0, countOccupied(table.Peer("A")))
	assert.Equal(t, 0, countOccupied(table.Peer("B")))
}

func TestPeerPartials_ClearResetsSlot(t *testing.T) {
	pp := &PeerPartials{}
	slot, _ := pp.NoteFragment("bid", 1, 10, 10, FragmentManifest, 0, []byte("x"))
	pp.Clear(slot)

	assert.False(t, pp.Slots[slot].occupied)
	assert.Empty(t, pp.Slots[slot].BIDPrefix)
}
