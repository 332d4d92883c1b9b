package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"omninotify/internal/model"
	logx "omninotify/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers, which is what the conditional
	// updates below rely on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- encoding helpers ----

func ms(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUnique(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

func affected(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

type scanner interface{ Scan(dest ...any) error }

// ---- nodes ----

func (s *sqliteStore) PutNode(ctx context.Context, id, parentID, text string) error {
	var parent any
	if parentID != "" {
		parent = parentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes(id, parent_id, text) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET parent_id=excluded.parent_id, text=excluded.text`,
		id, parent, text)
	return err
}

// AncestorsOf walks parent links with a recursive CTE. The depth guard stops
// runaway recursion on corrupted data.
func (s *sqliteStore) AncestorsOf(ctx context.Context, nodeID string) ([]string, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM nodes WHERE id = ?`, nodeID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("node", nodeID)
	}
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE up(id, parent_id, lvl) AS (
			SELECT id, parent_id, 0 FROM nodes WHERE id = ?
			UNION ALL
			SELECT n.id, n.parent_id, up.lvl + 1
			FROM nodes n JOIN up ON n.id = up.parent_id
			WHERE up.lvl < 10000
		)
		SELECT id FROM up WHERE lvl > 0 ORDER BY lvl`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) NodeText(ctx context.Context, nodeID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM nodes WHERE id = ?`, nodeID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("node", nodeID)
	}
	return text, err
}

// ---- reminders ----

const reminderCols = `id, node_id, user_id, remind_at, timezone, message, repeat_kind, sent, sent_at, snoozed_until, created_at`

// due predicate shared by DueReminders and ClaimReminder; binds now twice.
const reminderDue = `sent = 0 AND (
		(snoozed_until IS NULL AND remind_at <= ?) OR
		(snoozed_until IS NOT NULL AND snoozed_until <= ?))`

func scanReminder(sc scanner) (model.Reminder, error) {
	var (
		r                 model.Reminder
		remindAt, created int64
		sent              int
		repeat            string
		sentAt, snoozed   sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.NodeID, &r.UserID, &remindAt, &r.Timezone, &r.Message, &repeat, &sent, &sentAt, &snoozed, &created); err != nil {
		return model.Reminder{}, err
	}
	r.RemindAt = fromMS(remindAt)
	r.CreatedAt = fromMS(created)
	r.Repeat = model.RepeatKind(repeat)
	r.Sent = sent != 0
	r.SentAt = fromNullMS(sentAt)
	r.SnoozedUntil = fromNullMS(snoozed)
	return r, nil
}

func (s *sqliteStore) CreateReminder(ctx context.Context, r model.Reminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.NodeID, r.UserID, ms(r.RemindAt), r.Timezone, r.Message, string(r.Repeat),
		b2i(r.Sent), msPtr(r.SentAt), msPtr(r.SnoozedUntil), ms(r.CreatedAt))
	if isUnique(err) {
		return fmt.Errorf("reminder for node %s: %w", r.NodeID, model.ErrConflict)
	}
	return err
}

func (s *sqliteStore) getReminder(ctx context.Context, where string, arg any) (model.Reminder, error) {
	r, err := scanReminder(s.db.QueryRowContext(ctx, `SELECT `+reminderCols+` FROM reminders WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Reminder{}, notFound("reminder", fmt.Sprint(arg))
	}
	return r, err
}

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (model.Reminder, error) {
	return s.getReminder(ctx, `id = ?`, id)
}

func (s *sqliteStore) GetReminderByNode(ctx context.Context, nodeID string) (model.Reminder, error) {
	return s.getReminder(ctx, `node_id = ?`, nodeID)
}

func (s *sqliteStore) UpdateReminder(ctx context.Context, r model.Reminder) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET remind_at=?, timezone=?, message=?, repeat_kind=?, sent=?, sent_at=?, snoozed_until=?
		 WHERE id=?`,
		ms(r.RemindAt), r.Timezone, r.Message, string(r.Repeat), b2i(r.Sent), msPtr(r.SentAt), msPtr(r.SnoozedUntil), r.ID)
	return affected(res, err, "reminder", r.ID)
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id=?`, id)
	return affected(res, err, "reminder", id)
}

func (s *sqliteStore) queryReminders(ctx context.Context, q string, args ...any) ([]model.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListReminders(ctx context.Context, f ReminderFilter) ([]model.Reminder, error) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	switch f.Status {
	case model.StatusPending:
		conds = append(conds, "sent = 0")
	case model.StatusSent:
		conds = append(conds, "sent = 1")
	}
	q := `SELECT ` + reminderCols + ` FROM reminders`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY remind_at, id`
	return s.queryReminders(ctx, q, args...)
}

func (s *sqliteStore) DueReminders(ctx context.Context, now time.Time, limit int) ([]model.Reminder, error) {
	if limit <= 0 {
		limit = -1
	}
	n := ms(now)
	return s.queryReminders(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE claimed_until <= ? AND `+reminderDue+`
		 ORDER BY COALESCE(snoozed_until, remind_at), id LIMIT ?`,
		n, n, n, limit)
}

func (s *sqliteStore) ClaimReminder(ctx context.Context, id string, now time.Time, lease time.Duration) (model.Reminder, bool, error) {
	n := ms(now)
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET claimed_until = ?
		 WHERE id = ? AND claimed_until <= ? AND `+reminderDue,
		ms(now.Add(lease)), id, n, n, n)
	if err != nil {
		return model.Reminder{}, false, err
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return model.Reminder{}, false, err
	}
	r, err := s.GetReminder(ctx, id)
	if err != nil {
		return model.Reminder{}, false, err
	}
	if cnt == 0 {
		return model.Reminder{}, false, nil
	}
	return r, true, nil
}

func (s *sqliteStore) ReleaseReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE reminders SET claimed_until = 0 WHERE id = ?`, id)
	return affected(res, err, "reminder", id)
}

func (s *sqliteStore) DeferReminder(ctx context.Context, id string, remindAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET remind_at = ?, snoozed_until = NULL, claimed_until = 0 WHERE id = ?`,
		ms(remindAt), id)
	return affected(res, err, "reminder", id)
}

func (s *sqliteStore) CompleteReminder(ctx context.Context, id string, sentAt time.Time, next *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if next == nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET sent = 1, sent_at = ?, snoozed_until = NULL, claimed_until = 0 WHERE id = ?`,
			ms(sentAt), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reminders SET sent = 0, sent_at = ?, remind_at = ?, snoozed_until = NULL, claimed_until = 0 WHERE id = ?`,
			ms(sentAt), ms(*next), id)
	}
	return affected(res, err, "reminder", id)
}

func (s *sqliteStore) SnoozeReminder(ctx context.Context, id string, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET snoozed_until = ?, sent = 0 WHERE id = ?`, ms(until), id)
	return affected(res, err, "reminder", id)
}

// ---- subscriptions ----

const subscriptionCols = `id, node_id, user_id, depth, on_text, on_data, on_move, on_child_add, on_child_delete, last_notification_at, version, created_at`

func scanSubscription(sc scanner) (model.Subscription, error) {
	var (
		sub                                  model.Subscription
		text, data, move, childAdd, childDel int
		last                                 sql.NullInt64
		created                              int64
	)
	if err := sc.Scan(&sub.ID, &sub.NodeID, &sub.UserID, &sub.Depth, &text, &data, &move, &childAdd, &childDel, &last, &sub.Version, &created); err != nil {
		return model.Subscription{}, err
	}
	sub.OnText, sub.OnData, sub.OnMove = text != 0, data != 0, move != 0
	sub.OnChildAdd, sub.OnChildDelete = childAdd != 0, childDel != 0
	sub.LastNotificationAt = fromNullMS(last)
	sub.CreatedAt = fromMS(created)
	return sub, nil
}

func (s *sqliteStore) CreateSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(`+subscriptionCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		sub.ID, sub.NodeID, sub.UserID, sub.Depth,
		b2i(sub.OnText), b2i(sub.OnData), b2i(sub.OnMove), b2i(sub.OnChildAdd), b2i(sub.OnChildDelete),
		msPtr(sub.LastNotificationAt), sub.Version, ms(sub.CreatedAt))
	if isUnique(err) {
		return fmt.Errorf("subscription for node %s: %w", sub.NodeID, model.ErrConflict)
	}
	return err
}

func (s *sqliteStore) GetSubscription(ctx context.Context, id string) (model.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, notFound("subscription", id)
	}
	return sub, err
}

func (s *sqliteStore) GetSubscriptionByNodeUser(ctx context.Context, nodeID, userID string) (model.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE node_id = ? AND user_id = ?`, nodeID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subscription{}, notFound("subscription for node", nodeID)
	}
	return sub, err
}

func (s *sqliteStore) UpdateSubscription(ctx context.Context, sub model.Subscription) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET depth=?, on_text=?, on_data=?, on_move=?, on_child_add=?, on_child_delete=? WHERE id=?`,
		sub.Depth, b2i(sub.OnText), b2i(sub.OnData), b2i(sub.OnMove), b2i(sub.OnChildAdd), b2i(sub.OnChildDelete), sub.ID)
	return affected(res, err, "subscription", sub.ID)
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	return affected(res, err, "subscription", id)
}

func (s *sqliteStore) querySubscriptions(ctx context.Context, q string, args ...any) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context, userID string) ([]model.Subscription, error) {
	if userID == "" {
		return s.querySubscriptions(ctx, `SELECT `+subscriptionCols+` FROM subscriptions ORDER BY created_at, id`)
	}
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY created_at, id`, userID)
}

func (s *sqliteStore) CountSubscriptions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func (s *sqliteStore) SubscriptionsForNodes(ctx context.Context, nodeIDs []string) ([]model.Subscription, error) {
	if len(nodeIDs) == 0 {
		return []model.Subscription{}, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(nodeIDs)), ",")
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE node_id IN (`+ph+`) ORDER BY created_at, id`, args...)
}

func (s *sqliteStore) TouchLastNotification(ctx context.Context, id string, version int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_notification_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
		ms(at), id, version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetSubscription(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ---- settings ----

func (s *sqliteStore) GetSettings(ctx context.Context, userID string) (model.ChannelSettings, error) {
	var (
		cs                               model.ChannelSettings
		chatOn, pushOn, emailOn, quietOn int
		linked                           sql.NullInt64
		push                             sql.NullString
		mode                             string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, chat_enabled, chat_id, chat_username, chat_linked_at, push_enabled, push_target,
		        email_enabled, email_address, email_mode, quiet_enabled, quiet_start, quiet_end, quiet_timezone
		 FROM channel_settings WHERE user_id = ?`, userID).
		Scan(&cs.UserID, &chatOn, &cs.ChatID, &cs.ChatUsername, &linked, &pushOn, &push,
			&emailOn, &cs.EmailAddress, &mode, &quietOn, &cs.QuietStart, &cs.QuietEnd, &cs.QuietTimezone)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ChannelSettings{}, notFound("settings for user", userID)
	}
	if err != nil {
		return model.ChannelSettings{}, err
	}
	cs.ChatEnabled, cs.PushEnabled, cs.EmailEnabled, cs.QuietEnabled = chatOn != 0, pushOn != 0, emailOn != 0, quietOn != 0
	cs.ChatLinkedAt = fromNullMS(linked)
	cs.EmailMode = model.EmailMode(mode)
	if push.Valid && push.String != "" {
		var pt model.PushTarget
		if err := json.Unmarshal([]byte(push.String), &pt); err != nil {
			s.log.Warn("bad push target, ignoring", logx.String("user", userID), logx.Err(err))
		} else {
			cs.Push = &pt
		}
	}
	return cs, nil
}

func (s *sqliteStore) PutSettings(ctx context.Context, cs model.ChannelSettings) error {
	var push any
	if cs.Push != nil {
		b, err := json.Marshal(cs.Push)
		if err != nil {
			return err
		}
		push = string(b)
	}
	mode := string(cs.EmailMode)
	if mode == "" {
		mode = string(model.EmailOff)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_settings(user_id, chat_enabled, chat_id, chat_username, chat_linked_at, push_enabled, push_target,
		        email_enabled, email_address, email_mode, quiet_enabled, quiet_start, quiet_end, quiet_timezone)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   chat_enabled=excluded.chat_enabled, chat_id=excluded.chat_id, chat_username=excluded.chat_username,
		   chat_linked_at=excluded.chat_linked_at, push_enabled=excluded.push_enabled, push_target=excluded.push_target,
		   email_enabled=excluded.email_enabled, email_address=excluded.email_address, email_mode=excluded.email_mode,
		   quiet_enabled=excluded.quiet_enabled, quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   quiet_timezone=excluded.quiet_timezone`,
		cs.UserID, b2i(cs.ChatEnabled), cs.ChatID, cs.ChatUsername, msPtr(cs.ChatLinkedAt), b2i(cs.PushEnabled), push,
		b2i(cs.EmailEnabled), cs.EmailAddress, mode, b2i(cs.QuietEnabled), cs.QuietStart, cs.QuietEnd, cs.QuietTimezone)
	return err
}

// ---- pending ----

func (s *sqliteStore) EnqueuePending(ctx context.Context, e model.PendingChangeEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_changes(id, subscription_id, user_id, node_id, kind, actor_id, created_at) VALUES(?,?,?,?,?,?,?)`,
		e.ID, e.SubscriptionID, e.UserID, e.NodeID, string(e.Kind), e.ActorID, ms(e.CreatedAt))
	if isUnique(err) {
		return fmt.Errorf("pending %s: %w", e.ID, model.ErrConflict)
	}
	return err
}

func (s *sqliteStore) PendingGroups(ctx context.Context) ([]model.PendingGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, subscription_id, COUNT(*) FROM pending_changes
		 GROUP BY user_id, subscription_id ORDER BY user_id, subscription_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.PendingGroup, 0)
	for rows.Next() {
		var g model.PendingGroup
		if err := rows.Scan(&g.UserID, &g.SubscriptionID, &g.Count); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PendingEvents(ctx context.Context, userID, subscriptionID string) ([]model.PendingChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subscription_id, user_id, node_id, kind, actor_id, created_at FROM pending_changes
		 WHERE user_id = ? AND subscription_id = ? ORDER BY created_at, seq`, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.PendingChangeEvent, 0)
	for rows.Next() {
		var (
			e       model.PendingChangeEvent
			kind    string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.UserID, &e.NodeID, &kind, &e.ActorID, &created); err != nil {
			return nil, err
		}
		e.Kind = model.ChangeKind(kind)
		e.CreatedAt = fromMS(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeletePending(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ph := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE id IN (`+ph+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) PrunePending(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_changes WHERE created_at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
