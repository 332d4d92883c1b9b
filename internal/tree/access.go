package tree

import "context"

// AccessChecker answers whether a user may view a node. Permission storage
// lives with the tree owner.
type AccessChecker interface {
	CanView(ctx context.Context, userID, nodeID string) (bool, error)
}

// AllowAll grants every request.
type AllowAll struct{}

func (AllowAll) CanView(context.Context, string, string) (bool, error) { return true, nil }

// AccessFunc adapts a function to AccessChecker.
type AccessFunc func(ctx context.Context, userID, nodeID string) (bool, error)

func (f AccessFunc) CanView(ctx context.Context, userID, nodeID string) (bool, error) {
	return f(ctx, userID, nodeID)
}
