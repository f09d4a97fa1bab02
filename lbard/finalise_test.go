package lbard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest(bid string) []byte {
	return []byte("ID=" + bid + "\nversion=1\n")
}

func TestExtractManifestBID(t *testing.T) {
	bid := strings.Repeat("ab", 32)
	got, err := ExtractManifestBID(validManifest(bid))
	require.NoError(t, err)
	assert.Equal(t, bid, got)
}

func TestExtractManifestBID_MissingPrefix(t *testing.T) {
	_, err := ExtractManifestBID([]byte("not a manifest"))
	assert.ErrorIs(t, err, ErrMalformedManifest)
}

func TestExtractManifestBID_NonHexRejected(t *testing.T) {
	bad := "ID=" + strings.Repeat("z", 64)
	_, err := ExtractManifestBID([]byte(bad))
	assert.ErrorIs(t, err, ErrMalformedManifest)
}

func TestFinaliser_FinaliseClearsSlotOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bid := strings.Repeat("cd", 32)
	pp := &PeerPartials{}
	slot, complete := pp.NoteFragment(bid[:8], 1, uint32(len(validManifest(bid))), 4, FragmentManifest, 0, validManifest(bid))
	require.False(t, complete)
	slot, complete = pp.NoteFragment(bid[:8], 1, uint32(len(validManifest(bid))), 4, FragmentBody, 0, []byte("body"))
	require.True(t, complete)

	f := &Finaliser{Rhizome: &RhizomeClient{Server: srv.URL}}
	err := f.Finalise(context.Background(), pp, slot)
	require.NoError(t, err)
	assert.False(t, pp.Slots[slot].occupied)
}

func TestFinaliser_FinaliseClearsSlotOnBIDMismatch(t *testing.T) {
	bid := strings.Repeat("ef", 32)
	pp := &PeerPartials{}
	slot, _ := pp.NoteFragment("wrongprefix", 1, uint32(len(validManifest(bid))), 4, FragmentManifest, 0, validManifest(bid))
	pp.NoteFragment("wrongprefix", 1, uint32(len(validManifest(bid))), 4, FragmentBody, 0, []byte("body"))

	f := &Finaliser{Rhizome: &RhizomeClient{Server: "http://unused.invalid"}}
	err := f.Finalise(context.Background(), pp, slot)
	assert.ErrorIs(t, err, ErrBIDMismatch)
	assert.False(t, pp.Slots[slot].occupied)
}

func TestFinaliser_RejectedImportDumpsArtifacts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	bid := strings.Repeat("22", 32)
	pp := &PeerPartials{}
	slot, _ := pp.NoteFragment(bid[:8], 1, uint32(len(validManifest(bid))), 4, FragmentManifest, 0, validManifest(bid))
	pp.NoteFragment(bid[:8], 1, uint32(len(validManifest(bid))), 4, FragmentBody, 0, []byte("body"))

	dir := t.TempDir()
	f := &Finaliser{Rhizome: &RhizomeClient{Server: srv.URL}, DumpDir: dir}
	require.NoError(t, f.Finalise(context.Background(), pp, slot))

	// Slot stays for a retry; the rejected pair is on disk for
	// post-mortem.
	assert.True(t, pp.Slots[slot].occupied)
	dumped, err := os.ReadFile(filepath.Join(dir, "lbard.rejected.manifest"))
	require.NoError(t, err)
	assert.Equal(t, validManifest(bid), dumped)
}

func TestFinaliser_FinaliseLeavesSlotOnTransportFailure(t *testing.T) {
	bid := strings.Repeat("11", 32)
	pp := &PeerPartials{}
	slot, _ := pp.NoteFragment(bid[:8], 1, uint32(len(validManifest(bid))), 4, FragmentManifest, 0, validManifest(bid))
	pp.NoteFragment(bid[:8], 1, uint32(len(validManifest(bid))), 4, FragmentBody, 0, []byte("body"))

	f := &Finaliser{Rhizome: &RhizomeClient{Server: "http://127.0.0.1:1"}}
	err := f.Finalise(context.Background(), pp, slot)
	assert.Error(t, err)
	assert.True(t, pp.Slots[slot].occupied)
}
