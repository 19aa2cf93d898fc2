package hierarchy

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/persistence"
	"github.com/atelierhq/atelier/pkg/persistence/sqlite"
)

func newTestGraph(t *testing.T) (*Graph, persistence.AssetRepository) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := sqlite.NewPersistence(t.Context(), logger, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(t.Context())
	})

	return NewGraph(store.Assets()), store.Assets()
}

// saveChain creates a parent chain asset[0] <- asset[1] <- ... and returns
// the assets root-first.
func saveChain(t *testing.T, assets persistence.AssetRepository, names ...string) []*models.Asset {
	t.Helper()

	chain := make([]*models.Asset, len(names))

	for i, name := range names {
		asset := &models.Asset{Name: name, Kind: "scene"}
		if i > 0 {
			asset.ParentID = &chain[i-1].ID
		}

		require.NoError(t, assets.Save(t.Context(), asset))
		chain[i] = asset
	}

	return chain
}

func TestGraph_WouldCreateCycle_SelfParent(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a")

	cycles, err := graph.WouldCreateCycle(t.Context(), chain[0].ID, &chain[0].ID)
	require.NoError(t, err)
	assert.True(t, cycles)
}

func TestGraph_WouldCreateCycle_Descendant(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b", "c")

	// Moving a under its grandchild c would close a cycle.
	cycles, err := graph.WouldCreateCycle(t.Context(), chain[0].ID, &chain[2].ID)
	require.NoError(t, err)
	assert.True(t, cycles)

	// Moving c under a is just a shortcut, not a cycle.
	cycles, err = graph.WouldCreateCycle(t.Context(), chain[2].ID, &chain[0].ID)
	require.NoError(t, err)
	assert.False(t, cycles)
}

func TestGraph_WouldCreateCycle_RootAssignmentAlwaysSafe(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b")

	cycles, err := graph.WouldCreateCycle(t.Context(), chain[1].ID, nil)
	require.NoError(t, err)
	assert.False(t, cycles)

	empty := ""
	cycles, err = graph.WouldCreateCycle(t.Context(), chain[1].ID, &empty)
	require.NoError(t, err)
	assert.False(t, cycles)
}

func TestGraph_WouldCreateCycle_UnrelatedParent(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b")
	other := saveChain(t, assets, "x")

	cycles, err := graph.WouldCreateCycle(t.Context(), chain[1].ID, &other[0].ID)
	require.NoError(t, err)
	assert.False(t, cycles)
}

func TestGraph_AncestorChain_RootFirstExcludingSelf(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b", "c", "d")

	ancestors, err := graph.AncestorChain(t.Context(), chain[3].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{chain[0].ID, chain[1].ID, chain[2].ID}, ancestors)

	ancestors, err = graph.AncestorChain(t.Context(), chain[0].ID)
	require.NoError(t, err)
	assert.Empty(t, ancestors)
}

func TestGraph_AncestorChain_MissingStartFails(t *testing.T) {
	graph, _ := newTestGraph(t)

	_, err := graph.AncestorChain(t.Context(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, persistence.ErrAssetNotFound))
}

func TestGraph_AncestorChain_BrokenChainTruncates(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b", "c")

	// Point the middle asset at a parent that no longer exists.
	dangling := "deleted-asset"
	require.NoError(t, assets.SetParent(t.Context(), chain[1].ID, &dangling))

	ancestors, err := graph.AncestorChain(t.Context(), chain[2].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{chain[1].ID}, ancestors)
}

func TestGraph_AncestorChain_CorruptedCycleTerminates(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b", "c")

	// Corrupt the stored data into a cycle a -> c -> b -> a.
	require.NoError(t, assets.SetParent(t.Context(), chain[0].ID, &chain[2].ID))

	ancestors, err := graph.AncestorChain(t.Context(), chain[2].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{chain[0].ID, chain[1].ID}, ancestors)
}

func TestGraph_DescendantIDs(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b", "c", "d")

	descendants, err := graph.DescendantIDs(t.Context(), chain[0].ID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{chain[1].ID, chain[2].ID, chain[3].ID}, descendants)
}

func TestGraph_DescendantIDs_DepthCap(t *testing.T) {
	graph, assets := newTestGraph(t)
	chain := saveChain(t, assets, "a", "b", "c", "d")

	descendants, err := graph.DescendantIDs(t.Context(), chain[0].ID, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{chain[1].ID, chain[2].ID}, descendants)
}
