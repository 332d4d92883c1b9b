package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"omninotify/internal/model"
	"omninotify/internal/storage"
	"omninotify/internal/tree"
	logx "omninotify/pkg/logx"
)

type Config struct {
	// MaxPerUser caps subscriptions per user; 0 selects the default of 100.
	MaxPerUser int
	// MaxDepth caps finite depths; 0 means no cap. Unbounded (-1) is always
	// allowed.
	MaxDepth int
}

// Flags selects change kinds. A nil field takes the default.
type Flags struct {
	OnText        *bool
	OnData        *bool
	OnMove        *bool
	OnChildAdd    *bool
	OnChildDelete *bool
}

type Input struct {
	NodeID string
	UserID string
	// Depth nil defaults to 1 (node and direct children).
	Depth *int
	Flags
}

type Patch struct {
	Depth *int
	Flags
}

// Service validates and stores subscriptions. Reads and writes are scoped to
// the owning user.
type Service struct {
	store  storage.Subscriptions
	access tree.AccessChecker
	log    logx.Logger
	cfg    atomic.Pointer[Config]
	now    func() time.Time
}

func NewService(cfg Config, store storage.Subscriptions, access tree.AccessChecker, log logx.Logger) *Service {
	if access == nil {
		access = tree.AllowAll{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, access: access, log: log.With(logx.String("comp", "subscription.service")), now: time.Now}
	s.Apply(cfg)
	return s
}

// Apply swaps the limits. Existing subscriptions are not re-checked.
func (s *Service) Apply(cfg Config) {
	if cfg.MaxPerUser <= 0 {
		cfg.MaxPerUser = 100
	}
	s.cfg.Store(&cfg)
}

func apply(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func (f Flags) applyTo(s *model.Subscription) {
	apply(&s.OnText, f.OnText)
	apply(&s.OnData, f.OnData)
	apply(&s.OnMove, f.OnMove)
	apply(&s.OnChildAdd, f.OnChildAdd)
	apply(&s.OnChildDelete, f.OnChildDelete)
}

func (s *Service) validate(sub model.Subscription) error {
	if sub.Depth < model.DepthUnbounded {
		return model.Invalid("depth", "must be -1 (unbounded) or >= 0")
	}
	if lim := s.cfg.Load().MaxDepth; lim > 0 && sub.Depth > lim {
		return model.Invalid("depth", "must be at most %d", lim)
	}
	if !sub.AnyKind() {
		return model.Invalid("flags", "at least one change kind must be enabled")
	}
	return nil
}

// Create subscribes a user to a node.
func (s *Service) Create(ctx context.Context, in Input) (model.Subscription, error) {
	if strings.TrimSpace(in.NodeID) == "" {
		return model.Subscription{}, model.Invalid("node_id", "required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return model.Subscription{}, model.Invalid("user_id", "required")
	}
	sub := model.Subscription{
		ID:        model.NewID(),
		NodeID:    in.NodeID,
		UserID:    in.UserID,
		Depth:     1,
		OnText:    true,
		OnData:    true,
		CreatedAt: s.now().UTC(),
	}
	if in.Depth != nil {
		sub.Depth = *in.Depth
	}
	in.Flags.applyTo(&sub)
	if err := s.validate(sub); err != nil {
		return model.Subscription{}, err
	}

	ok, err := s.access.CanView(ctx, in.UserID, in.NodeID)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("subscription: access check: %w", err)
	}
	if !ok {
		return model.Subscription{}, model.Invalid("node_id", "access denied")
	}

	n, err := s.store.CountSubscriptions(ctx, in.UserID)
	if err != nil {
		return model.Subscription{}, err
	}
	if lim := s.cfg.Load().MaxPerUser; n >= lim {
		return model.Subscription{}, model.Invalid("user_id", "subscription limit of %d reached", lim)
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return model.Subscription{}, err
	}
	s.log.Info("subscription created",
		logx.String("subscription", sub.ID), logx.String("node", sub.NodeID),
		logx.String("user", sub.UserID), logx.Int("depth", sub.Depth))
	return sub, nil
}

// Update changes depth and flags.
func (s *Service) Update(ctx context.Context, userID, id string, p Patch) (model.Subscription, error) {
	sub, err := s.Get(ctx, userID, id)
	if err != nil {
		return model.Subscription{}, err
	}
	if p.Depth != nil {
		sub.Depth = *p.Depth
	}
	p.Flags.applyTo(&sub)
	if err := s.validate(sub); err != nil {
		return model.Subscription{}, err
	}
	if err := s.store.UpdateSubscription(ctx, sub); err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (model.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return model.Subscription{}, err
	}
	if sub.UserID != userID {
		return model.Subscription{}, fmt.Errorf("subscription %s: %w", id, model.ErrNotFound)
	}
	return sub, nil
}

// GetByNode returns the user's own subscription on a node they can view.
func (s *Service) GetByNode(ctx context.Context, userID, nodeID string) (model.Subscription, error) {
	ok, err := s.access.CanView(ctx, userID, nodeID)
	if err != nil {
		return model.Subscription{}, fmt.Errorf("subscription: access check: %w", err)
	}
	if !ok {
		return model.Subscription{}, model.Invalid("node_id", "access denied")
	}
	return s.store.GetSubscriptionByNodeUser(ctx, nodeID, userID)
}

// List returns the user's subscriptions, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]model.Subscription, error) {
	subs, err := s.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(subs)-1; i < j; i, j = i+1, j-1 {
		subs[i], subs[j] = subs[j], subs[i]
	}
	return subs, nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.store.DeleteSubscription(ctx, id)
}
