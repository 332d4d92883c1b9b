package reminder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	"omninotify/internal/storage"
	"omninotify/internal/tree"
	logx "omninotify/pkg/logx"
)

// MaxMessageLen bounds reminder messages, in runes.
const MaxMessageLen = 1000

// Input creates a reminder.
type Input struct {
	NodeID   string
	UserID   string
	RemindAt time.Time
	Timezone string
	Message  string
	Repeat   string
}

// Patch updates a reminder. Nil fields are left alone.
type Patch struct {
	RemindAt *time.Time
	Timezone *string
	Message  *string
	Repeat   *string
}

// Service is the reminder CRUD boundary. Reads and writes are scoped to the
// owning user; a reminder of another user looks like it does not exist.
type Service struct {
	store    storage.Reminders
	access   tree.AccessChecker
	settings dispatch.SettingsSource
	nodes    tree.Describer
	chat     dispatch.ChatSender
	log      logx.Logger
	now      func() time.Time
}

type ServiceOption func(*Service)

// WithConfirmation sends a chat confirmation for every created reminder
// when the owner has chat linked.
func WithConfirmation(chat dispatch.ChatSender, settings dispatch.SettingsSource, nodes tree.Describer) ServiceOption {
	return func(s *Service) {
		s.chat, s.settings, s.nodes = chat, settings, nodes
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

func NewService(store storage.Reminders, access tree.AccessChecker, log logx.Logger, opts ...ServiceOption) *Service {
	if access == nil {
		access = tree.AllowAll{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{store: store, access: access, log: log.With(logx.String("comp", "reminder.service")), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func normalizeTZ(tz string) (string, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return "UTC", nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", model.Invalid("timezone", "unknown timezone %q", tz)
	}
	return tz, nil
}

func validMessage(msg string) error {
	if len([]rune(msg)) > MaxMessageLen {
		return model.Invalid("message", "longer than %d characters", MaxMessageLen)
	}
	return nil
}

func (s *Service) checkAccess(ctx context.Context, userID, nodeID string) error {
	ok, err := s.access.CanView(ctx, userID, nodeID)
	if err != nil {
		return fmt.Errorf("reminder: access check: %w", err)
	}
	if !ok {
		return model.Invalid("node_id", "access denied")
	}
	return nil
}

// Create stores a new reminder. A node holds at most one reminder.
func (s *Service) Create(ctx context.Context, in Input) (model.Reminder, error) {
	if strings.TrimSpace(in.NodeID) == "" {
		return model.Reminder{}, model.Invalid("node_id", "required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return model.Reminder{}, model.Invalid("user_id", "required")
	}
	if in.RemindAt.IsZero() {
		return model.Reminder{}, model.Invalid("remind_at", "required")
	}
	tz, err := normalizeTZ(in.Timezone)
	if err != nil {
		return model.Reminder{}, err
	}
	repeat, err := model.ParseRepeatKind(in.Repeat)
	if err != nil {
		return model.Reminder{}, err
	}
	if err := validMessage(in.Message); err != nil {
		return model.Reminder{}, err
	}
	if err := s.checkAccess(ctx, in.UserID, in.NodeID); err != nil {
		return model.Reminder{}, err
	}

	r := model.Reminder{
		ID:        model.NewID(),
		NodeID:    in.NodeID,
		UserID:    in.UserID,
		RemindAt:  in.RemindAt.UTC(),
		Timezone:  tz,
		Message:   in.Message,
		Repeat:    repeat,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateReminder(ctx, r); err != nil {
		return model.Reminder{}, err
	}
	s.log.Info("reminder created", logx.String("reminder", r.ID), logx.String("node", r.NodeID), logx.Time("at", r.RemindAt))
	s.confirm(ctx, r)
	return r, nil
}

// confirm is best effort; failures never fail Create.
func (s *Service) confirm(ctx context.Context, r model.Reminder) {
	if s.chat == nil || s.settings == nil {
		return
	}
	cs, err := s.settings.GetSettings(ctx, r.UserID)
	if err != nil || !cs.ChatReady() {
		return
	}
	info := tree.NodeInfo{ID: r.NodeID}
	if s.nodes != nil {
		if got, err := s.nodes.Describe(ctx, r.NodeID); err == nil {
			info = got
		}
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err = s.chat.SendChat(cctx, cs.ChatID, dispatch.Payload{
		Kind:       dispatch.KindReminderScheduled,
		UserID:     r.UserID,
		ReminderID: r.ID,
		Node:       info,
		RemindAt:   r.RemindAt.In(r.Location()),
		Repeat:     r.Repeat,
	})
	if err != nil {
		s.log.Debug("reminder confirmation failed", logx.String("reminder", r.ID), logx.Err(err))
	}
}

// Update applies p. Any change rearms the reminder: Sent and the snooze are
// cleared.
func (s *Service) Update(ctx context.Context, userID, id string, p Patch) (model.Reminder, error) {
	r, err := s.Get(ctx, userID, id)
	if err != nil {
		return model.Reminder{}, err
	}
	if p.RemindAt != nil {
		if p.RemindAt.IsZero() {
			return model.Reminder{}, model.Invalid("remind_at", "required")
		}
		r.RemindAt = p.RemindAt.UTC()
	}
	if p.Timezone != nil {
		tz, err := normalizeTZ(*p.Timezone)
		if err != nil {
			return model.Reminder{}, err
		}
		r.Timezone = tz
	}
	if p.Message != nil {
		if err := validMessage(*p.Message); err != nil {
			return model.Reminder{}, err
		}
		r.Message = *p.Message
	}
	if p.Repeat != nil {
		rk, err := model.ParseRepeatKind(*p.Repeat)
		if err != nil {
			return model.Reminder{}, err
		}
		r.Repeat = rk
	}
	r.Sent = false
	r.SnoozedUntil = nil
	if err := s.store.UpdateReminder(ctx, r); err != nil {
		return model.Reminder{}, err
	}
	return r, nil
}

// Get returns the user's reminder by id.
func (s *Service) Get(ctx context.Context, userID, id string) (model.Reminder, error) {
	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		return model.Reminder{}, err
	}
	if r.UserID != userID {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", id, model.ErrNotFound)
	}
	return r, nil
}

// GetByNode returns the reminder attached to a node the user can view.
func (s *Service) GetByNode(ctx context.Context, userID, nodeID string) (model.Reminder, error) {
	if err := s.checkAccess(ctx, userID, nodeID); err != nil {
		return model.Reminder{}, err
	}
	return s.store.GetReminderByNode(ctx, nodeID)
}

// List returns the user's reminders ordered by remindAt.
func (s *Service) List(ctx context.Context, userID string, status model.ReminderStatus) ([]model.Reminder, error) {
	switch status {
	case model.StatusAll, model.StatusPending, model.StatusSent:
	default:
		return nil, model.Invalid("status", "unknown status %q", status)
	}
	return s.store.ListReminders(ctx, storage.ReminderFilter{UserID: userID, Status: status})
}

// Delete removes the user's reminder.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	return s.store.DeleteReminder(ctx, id)
}
