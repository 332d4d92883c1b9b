// Package subscription finds the subscriptions a node change concerns and
// manages subscription CRUD.
package subscription

import (
	"context"
	"errors"
	"fmt"

	"omninotify/internal/model"
	"omninotify/internal/tree"
	logx "omninotify/pkg/logx"
)

// Source is the storage the matcher scans.
type Source interface {
	SubscriptionsForNodes(ctx context.Context, nodeIDs []string) ([]model.Subscription, error)
}

// Matcher resolves a change to the subscriptions that should hear about it.
// The candidate scan only touches subscriptions on the changed node and its
// ancestors.
type Matcher struct {
	src  Source
	tree tree.Resolver
	log  logx.Logger
}

func NewMatcher(src Source, r tree.Resolver, log logx.Logger) *Matcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Matcher{src: src, tree: r, log: log.With(logx.String("comp", "subscription.match"))}
}

// Match returns the subscriptions covering a change of kind on nodeID made by
// actorID. The actor never matches their own change. Order is unspecified.
func (m *Matcher) Match(ctx context.Context, nodeID string, kind model.ChangeKind, actorID string) ([]model.Subscription, error) {
	if !kind.Valid() {
		return nil, model.Invalid("change_kind", "unknown change kind %q", kind)
	}
	chain, err := tree.Chain(ctx, m.tree, nodeID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		// A node unknown to the resolver still matches its own subscriptions.
		m.log.Debug("node not in tree, matching node only", logx.String("node", nodeID))
		chain = []string{nodeID}
	case err != nil:
		return nil, fmt.Errorf("subscription: ancestors of %s: %w", nodeID, err)
	}

	steps := make(map[string]int, len(chain))
	for i, id := range chain {
		if _, ok := steps[id]; !ok {
			steps[id] = i
		}
	}

	cands, err := m.src.SubscriptionsForNodes(ctx, chain)
	if err != nil {
		return nil, fmt.Errorf("subscription: candidates for %s: %w", nodeID, err)
	}
	seen := make(map[string]struct{}, len(cands))
	out := make([]model.Subscription, 0, len(cands))
	for _, s := range cands {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		n, ok := steps[s.NodeID]
		if !ok || !s.CoversSteps(n) || !s.Covers(kind) {
			continue
		}
		if actorID != "" && s.UserID == actorID {
			continue
		}
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}
