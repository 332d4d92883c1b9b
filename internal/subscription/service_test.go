package subscription_test

import (
	"context"
	"errors"
	"testing"

	"omninotify/internal/dispatch/dispatchtest"
	"omninotify/internal/model"
	"omninotify/internal/subscription"
	"omninotify/internal/tree"
)

func ptr[T any](v T) *T { return &v }

func TestServiceCreateDefaultsAndValidation(t *testing.T) {
	t.Parallel()
	st := newTree(t)
	svc := subscription.NewService(subscription.Config{MaxDepth: 10}, st, nil, dispatchtest.Logger(t))
	ctx := context.Background()

	s, err := svc.Create(ctx, subscription.Input{NodeID: "a", UserID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Depth != 1 || !s.OnText || !s.OnData || s.OnMove || s.ID == "" {
		t.Fatalf("defaults: %+v", s)
	}
	if _, err := svc.Create(ctx, subscription.Input{NodeID: "a", UserID: "u1"}); !errors.Is(err, model.ErrConflict) {
		t.Fatalf("duplicate: %v", err)
	}

	off := ptr(false)
	bad := []subscription.Input{
		{UserID: "u1"},
		{NodeID: "b"},
		{NodeID: "b", UserID: "u1", Depth: ptr(-2)},
		{NodeID: "b", UserID: "u1", Depth: ptr(11)},
		{NodeID: "b", UserID: "u1", Flags: subscription.Flags{OnText: off, OnData: off}},
	}
	for i, in := range bad {
		if _, err := svc.Create(ctx, in); !model.IsValidation(err) {
			t.Fatalf("case %d: %v", i, err)
		}
	}
	if _, err := svc.Create(ctx, subscription.Input{NodeID: "b", UserID: "u1", Depth: ptr(model.DepthUnbounded)}); err != nil {
		t.Fatalf("unbounded: %v", err)
	}
}

func TestServiceLimitAndAccess(t *testing.T) {
	t.Parallel()
	st := newTree(t)
	deny := tree.AccessFunc(func(_ context.Context, _, nodeID string) (bool, error) { return nodeID != "secret", nil })
	svc := subscription.NewService(subscription.Config{MaxPerUser: 2}, st, deny, dispatchtest.Logger(t))
	ctx := context.Background()

	if _, err := svc.Create(ctx, subscription.Input{NodeID: "secret", UserID: "u1"}); !model.IsValidation(err) {
		t.Fatalf("access: %v", err)
	}
	for _, n := range []string{"a", "b"} {
		if _, err := svc.Create(ctx, subscription.Input{NodeID: n, UserID: "u1"}); err != nil {
			t.Fatalf("create %s: %v", n, err)
		}
	}
	if _, err := svc.Create(ctx, subscription.Input{NodeID: "c", UserID: "u1"}); !model.IsValidation(err) {
		t.Fatalf("limit: %v", err)
	}
	if _, err := svc.Create(ctx, subscription.Input{NodeID: "c", UserID: "u2"}); err != nil {
		t.Fatalf("other user: %v", err)
	}
}

func TestServiceOwnershipUpdateDelete(t *testing.T) {
	t.Parallel()
	st := newTree(t)
	svc := subscription.NewService(subscription.Config{}, st, nil, dispatchtest.Logger(t))
	ctx := context.Background()

	s, err := svc.Create(ctx, subscription.Input{NodeID: "a", UserID: "u1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Get(ctx, "u2", s.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("foreign get: %v", err)
	}
	if err := svc.Delete(ctx, "u2", s.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("foreign delete: %v", err)
	}

	up, err := svc.Update(ctx, "u1", s.ID, subscription.Patch{Depth: ptr(3), Flags: subscription.Flags{OnMove: ptr(true)}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if up.Depth != 3 || !up.OnMove || !up.OnText {
		t.Fatalf("update: %+v", up)
	}
	off := ptr(false)
	if _, err := svc.Update(ctx, "u1", s.ID, subscription.Patch{Flags: subscription.Flags{OnText: off, OnData: off, OnMove: off}}); !model.IsValidation(err) {
		t.Fatalf("no flags: %v", err)
	}

	got, err := svc.GetByNode(ctx, "u1", "a")
	if err != nil || got.Depth != 3 {
		t.Fatalf("by node: %+v %v", got, err)
	}

	if err := svc.Delete(ctx, "u1", s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetByNode(ctx, "u1", "a"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
}
