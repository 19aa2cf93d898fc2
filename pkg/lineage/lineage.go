// Package lineage provides traversal and aggregation over the variant
// provenance graph.
package lineage

import (
	"context"
	"fmt"

	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/persistence"
)

// Graph aggregates the connected provenance component around a variant.
type Graph struct {
	edges    persistence.LineageRepository
	variants persistence.VariantRepository
}

// NewGraph creates a lineage graph over the given repositories.
func NewGraph(edges persistence.LineageRepository, variants persistence.VariantRepository) *Graph {
	return &Graph{edges: edges, variants: variants}
}

// Result is the full connected provenance component of one variant: every
// transitively connected variant (with denormalized asset name and kind for
// display) and the deduplicated edge list, severed edges included.
type Result struct {
	Variants []*models.VariantDisplay `json:"variants"`
	Edges    []*models.LineageEdge    `json:"edges"`
}

// BuildGraph walks edges breadth-first from startVariantID, treating each
// edge as undirected, and collects the connected variant set and edge list.
// Visited-variant and visited-edge sets bound the walk on cyclic or
// redundant data and deduplicate edges discovered from both endpoints.
// Variant records are fetched in one batch after the walk completes.
func (g *Graph) BuildGraph(ctx context.Context, startVariantID string) (*Result, error) {
	visitedVariants := map[string]struct{}{startVariantID: {}}
	visitedEdges := make(map[string]struct{})

	variantIDs := []string{startVariantID}
	edges := make([]*models.LineageEdge, 0)
	frontier := []string{startVariantID}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		touching, err := g.edges.GetByVariant(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("failed to load edges for variant %s: %w", current, err)
		}

		for _, edge := range touching {
			if _, seen := visitedEdges[edge.ID]; !seen {
				visitedEdges[edge.ID] = struct{}{}
				edges = append(edges, edge)
			}

			for _, neighbor := range []string{edge.ParentVariantID, edge.ChildVariantID} {
				if _, seen := visitedVariants[neighbor]; seen {
					continue
				}

				visitedVariants[neighbor] = struct{}{}
				variantIDs = append(variantIDs, neighbor)
				frontier = append(frontier, neighbor)
			}
		}
	}

	displays, err := g.variants.GetDisplayByIDs(ctx, variantIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants for lineage graph: %w", err)
	}

	return &Result{
		Variants: displays,
		Edges:    edges,
	}, nil
}
