package tree

import (
	"context"
	"fmt"
	"sync"

	"omninotify/internal/model"
)

// Index is an in-memory parent-pointer view of the tree. Ancestor paths are
// memoized per node and dropped whenever the shape changes.
type Index struct {
	mu     sync.RWMutex
	parent map[string]string
	text   map[string]string
	paths  map[string][]string
}

func NewIndex() *Index {
	return &Index{
		parent: map[string]string{},
		text:   map[string]string{},
		paths:  map[string][]string{},
	}
}

// SetParent inserts or moves a node. An empty parent makes it a root.
func (x *Index) SetParent(nodeID, parentID string) error {
	if nodeID == "" {
		return model.Invalid("node_id", "empty")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for p := parentID; p != ""; p = x.parent[p] {
		if p == nodeID {
			return fmt.Errorf("tree: moving %s under %s creates a cycle", nodeID, parentID)
		}
	}
	x.parent[nodeID] = parentID
	clear(x.paths)
	return nil
}

func (x *Index) SetText(nodeID, text string) {
	x.mu.Lock()
	x.text[nodeID] = text
	x.mu.Unlock()
}

// Remove drops a node. Children keep pointing at it and become detached
// until re-parented.
func (x *Index) Remove(nodeID string) {
	x.mu.Lock()
	delete(x.parent, nodeID)
	delete(x.text, nodeID)
	clear(x.paths)
	x.mu.Unlock()
}

func (x *Index) AncestorsOf(ctx context.Context, nodeID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	p, cached := x.paths[nodeID]
	_, known := x.parent[nodeID]
	x.mu.RUnlock()
	if cached {
		return append([]string(nil), p...), nil
	}
	if !known {
		return nil, fmt.Errorf("tree: node %s: %w", nodeID, model.ErrNotFound)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	var out []string
	for cur := x.parent[nodeID]; cur != ""; {
		out = append(out, cur)
		next, ok := x.parent[cur]
		if !ok {
			break
		}
		cur = next
	}
	x.paths[nodeID] = out
	return append([]string(nil), out...), nil
}

// Depth is the number of ancestors of nodeID.
func (x *Index) Depth(ctx context.Context, nodeID string) (int, error) {
	anc, err := x.AncestorsOf(ctx, nodeID)
	return len(anc), err
}

func (x *Index) NodeText(_ context.Context, nodeID string) (string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.text[nodeID]
	if !ok {
		if _, known := x.parent[nodeID]; !known {
			return "", fmt.Errorf("tree: node %s: %w", nodeID, model.ErrNotFound)
		}
	}
	return t, nil
}
