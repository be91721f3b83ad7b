package graph

import (
	"context"

	"github.com/google/uuid"

	"aerogate/pkg/models"
)

// TraversalHop is one visited edge with its depth from the root.
type TraversalHop struct {
	Edge  models.Edge `json:"edge"`
	Depth int         `json:"depth"`
}

// Traverse walks outward from root following the given edge types, breadth
// first, bounded by maxDepth. Cycle-safe: a node is expanded once.
func (s *Store) Traverse(ctx context.Context, root uuid.UUID, edgeTypes []string, maxDepth int) ([]TraversalHop, error) {
	if maxDepth <= 0 {
		return nil, nil
	}
	typeSet := map[string]bool{}
	for _, t := range edgeTypes {
		typeSet[t] = true
	}

	visited := map[uuid.UUID]bool{root: true}
	frontier := []uuid.UUID{root}
	hops := []TraversalHop{}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		next := []uuid.UUID{}
		for _, nodeID := range frontier {
			edges, err := s.Neighbors(ctx, nodeID, "", DirOut)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if len(typeSet) > 0 && !typeSet[e.Type] {
					continue
				}
				hops = append(hops, TraversalHop{Edge: e, Depth: depth})
				if !visited[e.Dst] {
					visited[e.Dst] = true
					next = append(next, e.Dst)
				}
			}
		}
		frontier = next
	}
	return hops, nil
}
