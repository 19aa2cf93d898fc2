// Package hierarchy provides cycle detection and ancestor/descendant
// traversal over the asset parent-child tree.
package hierarchy

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/pkg/persistence"
)

// DefaultMaxDepth caps descendant traversal against pathological trees.
const DefaultMaxDepth = 10

// Graph walks the asset parent-pointer forest. All traversals carry a
// visited set so they terminate even over already-corrupted cyclic data; an
// unbounded walk would stall the space's single writer.
type Graph struct {
	assets persistence.AssetRepository
}

// NewGraph creates a hierarchy graph over the asset repository.
func NewGraph(assets persistence.AssetRepository) *Graph {
	return &Graph{assets: assets}
}

// WouldCreateCycle reports whether re-parenting assetID under
// proposedParentID would create a cycle. A nil proposed parent (root
// assignment) is always safe; a self-parent always cycles. Otherwise the
// ancestor chain of the proposed parent is walked upward: reaching assetID
// means a cycle, reaching a root means safety. Must be called before any
// re-parent write commits.
func (g *Graph) WouldCreateCycle(ctx context.Context, assetID string, proposedParentID *string) (bool, error) {
	if proposedParentID == nil || *proposedParentID == "" {
		return false, nil
	}

	if *proposedParentID == assetID {
		return true, nil
	}

	visited := make(map[string]struct{})
	current := *proposedParentID

	for {
		if current == assetID {
			return true, nil
		}

		if _, seen := visited[current]; seen {
			// Pre-existing cycle in stored data; adding this edge cannot
			// reach assetID beyond what was already walked.
			return false, nil
		}

		visited[current] = struct{}{}

		asset, err := g.assets.GetByID(ctx, current)
		if err != nil {
			return false, fmt.Errorf("failed to load ancestor %s: %w", current, err)
		}

		if asset == nil || asset.IsRoot() {
			return false, nil
		}

		current = *asset.ParentID
	}
}

// AncestorChain returns the ancestors of an asset in root-first order,
// excluding the asset itself. A broken chain (missing parent) or a
// pre-existing cycle terminates the walk early and yields a possibly
// incomplete, non-failing result.
func (g *Graph) AncestorChain(ctx context.Context, assetID string) ([]string, error) {
	asset, err := g.assets.GetByID(ctx, assetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load asset %s: %w", assetID, err)
	}

	if asset == nil {
		return nil, persistence.NewStoreError("AncestorChain", "asset", assetID, persistence.ErrAssetNotFound)
	}

	visited := map[string]struct{}{assetID: {}}
	chain := make([]string, 0)
	current := asset

	for !current.IsRoot() {
		parentID := *current.ParentID

		if _, seen := visited[parentID]; seen {
			break
		}

		visited[parentID] = struct{}{}

		parent, err := g.assets.GetByID(ctx, parentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load ancestor %s: %w", parentID, err)
		}

		if parent == nil {
			break
		}

		chain = append(chain, parentID)
		current = parent
	}

	// Traversal order is leaf-to-root; reverse for breadcrumb display.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	return chain, nil
}

// DescendantIDs returns the ids of all descendants of an asset via
// breadth-first traversal over child pointers, excluding the asset itself
// and capped at maxDepth levels. A maxDepth of zero or less uses
// DefaultMaxDepth.
func (g *Graph) DescendantIDs(ctx context.Context, assetID string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	visited := map[string]struct{}{assetID: {}}
	descendants := make([]string, 0)
	frontier := []string{assetID}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		next := make([]string, 0)

		for _, parentID := range frontier {
			children, err := g.assets.GetChildren(ctx, parentID)
			if err != nil {
				return nil, fmt.Errorf("failed to load children of %s: %w", parentID, err)
			}

			for _, child := range children {
				if _, seen := visited[child.ID]; seen {
					continue
				}

				visited[child.ID] = struct{}{}
				descendants = append(descendants, child.ID)
				next = append(next, child.ID)
			}
		}

		frontier = next
	}

	return descendants, nil
}
