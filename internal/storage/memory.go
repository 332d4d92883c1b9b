package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"omninotify/internal/model"
	"omninotify/internal/tree"
)

type memReminder struct {
	r            model.Reminder
	claimedUntil time.Time
}

// memoryStore keeps everything behind one mutex. Values are copied in and out
// so callers never alias stored state.
type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	rem      map[string]*memReminder
	remNode  map[string]string // node id -> reminder id
	subs     map[string]model.Subscription
	settings map[string]model.ChannelSettings
	pending  map[string]model.PendingChangeEvent
	seq      map[string]int64 // pending id -> insertion order
	nextSeq  int64

	*tree.Index
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		rem:      map[string]*memReminder{},
		remNode:  map[string]string{},
		subs:     map[string]model.Subscription{},
		settings: map[string]model.ChannelSettings{},
		pending:  map[string]model.PendingChangeEvent{},
		seq:      map[string]int64{},
		Index:    tree.NewIndex(),
	}
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneReminder(r model.Reminder) model.Reminder {
	r.SentAt = cloneTime(r.SentAt)
	r.SnoozedUntil = cloneTime(r.SnoozedUntil)
	return r
}

func cloneSubscription(s model.Subscription) model.Subscription {
	s.LastNotificationAt = cloneTime(s.LastNotificationAt)
	return s
}

func cloneSettings(s model.ChannelSettings) model.ChannelSettings {
	s.ChatLinkedAt = cloneTime(s.ChatLinkedAt)
	if s.Push != nil {
		p := *s.Push
		s.Push = &p
	}
	return s
}

// ---- nodes ----

func (m *memoryStore) PutNode(_ context.Context, id, parentID, text string) error {
	if err := m.Index.SetParent(id, parentID); err != nil {
		return err
	}
	m.Index.SetText(id, text)
	return nil
}

// ---- reminders ----

func (m *memoryStore) CreateReminder(ctx context.Context, r model.Reminder) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.rem[r.ID]; ok {
		return fmt.Errorf("reminder %s: %w", r.ID, model.ErrConflict)
	}
	if _, ok := m.remNode[r.NodeID]; ok {
		return fmt.Errorf("reminder for node %s: %w", r.NodeID, model.ErrConflict)
	}
	m.rem[r.ID] = &memReminder{r: cloneReminder(r)}
	m.remNode[r.NodeID] = r.ID
	return nil
}

func (m *memoryStore) GetReminder(ctx context.Context, id string) (model.Reminder, error) {
	if err := m.lock(ctx); err != nil {
		return model.Reminder{}, err
	}
	defer m.mu.Unlock()
	row, ok := m.rem[id]
	if !ok {
		return model.Reminder{}, notFound("reminder", id)
	}
	return cloneReminder(row.r), nil
}

func (m *memoryStore) GetReminderByNode(ctx context.Context, nodeID string) (model.Reminder, error) {
	if err := m.lock(ctx); err != nil {
		return model.Reminder{}, err
	}
	defer m.mu.Unlock()
	id, ok := m.remNode[nodeID]
	if !ok {
		return model.Reminder{}, notFound("reminder for node", nodeID)
	}
	return cloneReminder(m.rem[id].r), nil
}

func (m *memoryStore) UpdateReminder(ctx context.Context, r model.Reminder) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	row, ok := m.rem[r.ID]
	if !ok {
		return notFound("reminder", r.ID)
	}
	r.NodeID = row.r.NodeID
	r.UserID = row.r.UserID
	r.CreatedAt = row.r.CreatedAt
	row.r = cloneReminder(r)
	return nil
}

func (m *memoryStore) DeleteReminder(ctx context.Context, id string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	row, ok := m.rem[id]
	if !ok {
		return notFound("reminder", id)
	}
	delete(m.remNode, row.r.NodeID)
	delete(m.rem, id)
	return nil
}

func (m *memoryStore) ListReminders(ctx context.Context, f ReminderFilter) ([]model.Reminder, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.Reminder, 0)
	for _, row := range m.rem {
		r := row.r
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		switch f.Status {
		case model.StatusPending:
			if r.Sent {
				continue
			}
		case model.StatusSent:
			if !r.Sent {
				continue
			}
		}
		out = append(out, cloneReminder(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RemindAt.Equal(out[j].RemindAt) {
			return out[i].RemindAt.Before(out[j].RemindAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memoryStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.Reminder, 0)
	for _, row := range m.rem {
		if row.r.IsDue(now) && !row.claimedUntil.After(now) {
			out = append(out, cloneReminder(row.r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DueAt(), out[j].DueAt()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) ClaimReminder(ctx context.Context, id string, now time.Time, lease time.Duration) (model.Reminder, bool, error) {
	if err := m.lock(ctx); err != nil {
		return model.Reminder{}, false, err
	}
	defer m.mu.Unlock()
	row, ok := m.rem[id]
	if !ok {
		return model.Reminder{}, false, notFound("reminder", id)
	}
	if !row.r.IsDue(now) || row.claimedUntil.After(now) {
		return model.Reminder{}, false, nil
	}
	row.claimedUntil = now.Add(lease)
	return cloneReminder(row.r), true, nil
}

func (m *memoryStore) ReleaseReminder(ctx context.Context, id string) error {
	return m.mutateReminder(ctx, id, func(row *memReminder) {
		row.claimedUntil = time.Time{}
	})
}

func (m *memoryStore) DeferReminder(ctx context.Context, id string, remindAt time.Time) error {
	return m.mutateReminder(ctx, id, func(row *memReminder) {
		row.r.RemindAt = remindAt
		row.r.SnoozedUntil = nil
		row.claimedUntil = time.Time{}
	})
}

func (m *memoryStore) CompleteReminder(ctx context.Context, id string, sentAt time.Time, next *time.Time) error {
	return m.mutateReminder(ctx, id, func(row *memReminder) {
		row.r.SentAt = model.TimePtr(sentAt)
		row.r.SnoozedUntil = nil
		row.claimedUntil = time.Time{}
		if next == nil {
			row.r.Sent = true
			return
		}
		row.r.Sent = false
		row.r.RemindAt = *next
	})
}

func (m *memoryStore) SnoozeReminder(ctx context.Context, id string, until time.Time) error {
	return m.mutateReminder(ctx, id, func(row *memReminder) {
		row.r.SnoozedUntil = model.TimePtr(until)
		row.r.Sent = false
	})
}

func (m *memoryStore) mutateReminder(ctx context.Context, id string, fn func(*memReminder)) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	row, ok := m.rem[id]
	if !ok {
		return notFound("reminder", id)
	}
	fn(row)
	return nil
}

// ---- subscriptions ----

func (m *memoryStore) CreateSubscription(ctx context.Context, s model.Subscription) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.subs[s.ID]; ok {
		return fmt.Errorf("subscription %s: %w", s.ID, model.ErrConflict)
	}
	for _, cur := range m.subs {
		if cur.NodeID == s.NodeID && cur.UserID == s.UserID {
			return fmt.Errorf("subscription for node %s: %w", s.NodeID, model.ErrConflict)
		}
	}
	m.subs[s.ID] = cloneSubscription(s)
	return nil
}

func (m *memoryStore) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	if err := m.lock(ctx); err != nil {
		return model.Subscription{}, err
	}
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return model.Subscription{}, notFound("subscription", id)
	}
	return cloneSubscription(s), nil
}

func (m *memoryStore) GetSubscriptionByNodeUser(ctx context.Context, nodeID, userID string) (model.Subscription, error) {
	if err := m.lock(ctx); err != nil {
		return model.Subscription{}, err
	}
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.NodeID == nodeID && s.UserID == userID {
			return cloneSubscription(s), nil
		}
	}
	return model.Subscription{}, notFound("subscription for node", nodeID)
}

func (m *memoryStore) UpdateSubscription(ctx context.Context, s model.Subscription) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	cur, ok := m.subs[s.ID]
	if !ok {
		return notFound("subscription", s.ID)
	}
	cur.Depth = s.Depth
	cur.OnText, cur.OnData, cur.OnMove = s.OnText, s.OnData, s.OnMove
	cur.OnChildAdd, cur.OnChildDelete = s.OnChildAdd, s.OnChildDelete
	m.subs[s.ID] = cur
	return nil
}

func (m *memoryStore) DeleteSubscription(ctx context.Context, id string) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return notFound("subscription", id)
	}
	delete(m.subs, id)
	return nil
}

func (m *memoryStore) ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0)
	for _, s := range m.subs {
		if userID == "" || s.UserID == userID {
			out = append(out, cloneSubscription(s))
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (m *memoryStore) CountSubscriptions(ctx context.Context, userID string) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) SubscriptionsForNodes(ctx context.Context, nodeIDs []string) ([]model.Subscription, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		want[id] = struct{}{}
	}
	out := make([]model.Subscription, 0)
	for _, s := range m.subs {
		if _, ok := want[s.NodeID]; ok {
			out = append(out, cloneSubscription(s))
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (m *memoryStore) TouchLastNotification(ctx context.Context, id string, version int64, at time.Time) (bool, error) {
	if err := m.lock(ctx); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return false, notFound("subscription", id)
	}
	if s.Version != version {
		return false, nil
	}
	s.LastNotificationAt = model.TimePtr(at)
	s.Version++
	m.subs[id] = s
	return true, nil
}

func sortSubscriptions(out []model.Subscription) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// ---- settings ----

func (m *memoryStore) GetSettings(ctx context.Context, userID string) (model.ChannelSettings, error) {
	if err := m.lock(ctx); err != nil {
		return model.ChannelSettings{}, err
	}
	defer m.mu.Unlock()
	s, ok := m.settings[userID]
	if !ok {
		return model.ChannelSettings{}, notFound("settings for user", userID)
	}
	return cloneSettings(s), nil
}

func (m *memoryStore) PutSettings(ctx context.Context, s model.ChannelSettings) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.settings[s.UserID] = cloneSettings(s)
	return nil
}

// ---- pending ----

func (m *memoryStore) EnqueuePending(ctx context.Context, e model.PendingChangeEvent) error {
	if err := m.lock(ctx); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.pending[e.ID]; ok {
		return fmt.Errorf("pending %s: %w", e.ID, model.ErrConflict)
	}
	m.nextSeq++
	m.pending[e.ID] = e
	m.seq[e.ID] = m.nextSeq
	return nil
}

func (m *memoryStore) PendingGroups(ctx context.Context) ([]model.PendingGroup, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	idx := map[[2]string]int{}
	out := make([]model.PendingGroup, 0)
	for _, e := range m.pending {
		k := [2]string{e.UserID, e.SubscriptionID}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, model.PendingGroup{UserID: e.UserID, SubscriptionID: e.SubscriptionID})
		}
		out[i].Count++
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].SubscriptionID < out[j].SubscriptionID
	})
	return out, nil
}

func (m *memoryStore) PendingEvents(ctx context.Context, userID, subscriptionID string) ([]model.PendingChangeEvent, error) {
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.PendingChangeEvent, 0)
	for _, e := range m.pending {
		if e.UserID == userID && e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out, nil
}

func (m *memoryStore) DeletePending(ctx context.Context, ids []string) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := m.pending[id]; ok {
			delete(m.pending, id)
			delete(m.seq, id)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) PrunePending(ctx context.Context, before time.Time) (int, error) {
	if err := m.lock(ctx); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.pending {
		if e.CreatedAt.Before(before) {
			delete(m.pending, id)
			delete(m.seq, id)
			n++
		}
	}
	return n, nil
}
