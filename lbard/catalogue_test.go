package lbard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogue_RegisterNewBundle(t *testing.T) {
	cat := NewCatalogue(nil)

	err := cat.Register("file", "bid1", 1, "author", true, 100, "hash", "", "")
	require.NoError(t, err)

	b, ok := cat.Get("bid1")
	require.True(t, ok)
	assert.Equal(t, int64(1), b.Version)
}

func TestCatalogue_RegisterStaleVersionIsNoOp(t *testing.T) {
	cat := NewCatalogue(nil)
	require.NoError(t, cat.Register("file", "bid1", 5, "a", true, 1, "h", "", ""))

	err := cat.Register("file", "bid1", 3, "a", true, 1, "h", "", "")
	assert.ErrorIs(t, err, ErrStaleVersion)

	b, _ := cat.Get("bid1")
	assert.Equal(t, int64(5), b.Version)
}

func TestCatalogue_RegisterNewerVersionResetsAnnouncementBookkeeping(t *testing.T) {
	cat := NewCatalogue(nil)
	require.NoError(t, cat.Register("file", "bid1", 1, "a", true, 1, "h", "", ""))
	require.NoError(t, cat.MarkAnnounced("bid1", 50, time.Now()))

	require.NoError(t, cat.Register("file", "bid1", 2, "a", true, 1, "h", "", ""))
	b, _ := cat.Get("bid1")
	assert.Equal(t, uint32(0), b.LastOffsetAnnounced)
}

func TestCatalogue_MeshMSOnlyFiltersNonMeshMS(t *testing.T) {
	cat := NewCatalogue(nil)
	cat.MeshMSOnly = true

	err := cat.Register("file", "bid1", 1, "a", true, 1, "h", "", "")
	assert.ErrorIs(t, err, ErrFiltered)

	err = cat.Register("MeshMS1", "bid2", 1, "a", true, 1, "h", "", "")
	assert.NoError(t, err)
}

func TestCatalogue_MinVersionAgeGateExemptsMeshMS2(t *testing.T) {
	cat := NewCatalogue(nil)
	cat.MinVersion = 1000

	err := cat.Register("file", "bid1", 5, "a", true, 1, "h", "", "")
	assert.ErrorIs(t, err, ErrTooOld)

	err = cat.Register("MeshMS2", "bid2", 5, "a", true, 1, "h", "", "")
	assert.NoError(t, err)
}

func TestCatalogue_RegisterCullsMatchingPartials(t *testing.T) {
	table := NewPartialTable()
	table.Peer("X").NoteFragment("BID1", 1, 10, 10, FragmentManifest, 0, []byte("x"))

	cat := NewCatalogue(table)
	require.NoError(t, cat.Register("file", "bid1cafe0000000000000000000000000000000000000000000000000000000", 3, "a", true, 1, "h", "", ""))

	assert.Equal(t, 0, countOccupied(table.Peer("X")))
}

func TestCatalogue_TableFullRejectsNewBID(t *testing.T) {
	cat := NewCatalogue(nil)
	for i := 0; i < MaxBundles; i++ {
		require.NoError(t, cat.Register("file", fmt.Sprintf("%064x", i), 1, "a", true, 1, "h", "", ""))
	}

	err := cat.Register("file", "one-too-many", 1, "a", true, 1, "h", "", "")
	assert.ErrorIs(t, err, ErrTableFull)
}

func TestCatalogue_MirrorReceivesEveryOutcome(t *testing.T) {
	cat := NewCatalogue(nil)
	var outcomes []error
	cat.Mirror = func(b Bundle, outcome error) {
		outcomes = append(outcomes, outcome)
	}

	_ = cat.Register("file", "bid1", 1, "a", true, 1, "h", "", "")
	_ = cat.Register("file", "bid1", 0, "a", true, 1, "h", "", "")

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0])
	assert.ErrorIs(t, outcomes[1], ErrStaleVersion)
}

