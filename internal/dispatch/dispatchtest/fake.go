// Package dispatchtest provides recording fake transports for tests.
package dispatchtest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	logx "omninotify/pkg/logx"
)

// Behavior controls how a fake transport answers.
type Behavior struct {
	Err   error
	Delay time.Duration
	Panic bool
	// IgnoreContext makes Delay a plain sleep.
	IgnoreContext bool
}

// Sent is one recorded call.
type Sent struct {
	To      string
	Payload dispatch.Payload
	At      time.Time
}

type recorder struct {
	mu   sync.Mutex
	b    Behavior
	sent []Sent
	hits int
}

func (r *recorder) Set(b Behavior) {
	r.mu.Lock()
	r.b = b
	r.mu.Unlock()
}

func (r *recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Calls counts every attempt, including failed ones.
func (r *recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

func (r *recorder) do(ctx context.Context, to string, p dispatch.Payload) error {
	r.mu.Lock()
	b := r.b
	r.hits++
	r.mu.Unlock()

	if b.Delay > 0 {
		if b.IgnoreContext {
			time.Sleep(b.Delay)
		} else {
			t := time.NewTimer(b.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	if b.Panic {
		panic("dispatchtest: transport panic")
	}
	if b.Err != nil {
		return b.Err
	}
	r.mu.Lock()
	r.sent = append(r.sent, Sent{To: to, Payload: p, At: time.Now()})
	r.mu.Unlock()
	return nil
}

type Chat struct{ recorder }

func (c *Chat) SendChat(ctx context.Context, chatID string, p dispatch.Payload) error {
	return c.do(ctx, chatID, p)
}

type Push struct{ recorder }

func (c *Push) SendPush(ctx context.Context, t model.PushTarget, p dispatch.Payload) error {
	to := t.Endpoint
	if to == "" {
		to = t.FCMToken
	}
	return c.do(ctx, to, p)
}

type Email struct{ recorder }

func (c *Email) SendEmail(ctx context.Context, address string, p dispatch.Payload) error {
	return c.do(ctx, address, p)
}

// Set is a full set of fake transports.
type Set struct {
	Chat  *Chat
	Push  *Push
	Email *Email
}

func NewSet() *Set { return &Set{Chat: &Chat{}, Push: &Push{}, Email: &Email{}} }

func (s *Set) Transports() dispatch.Transports {
	return dispatch.Transports{Chat: s.Chat, Push: s.Push, Email: s.Email}
}

// Total is the number of successful sends across all channels.
func (s *Set) Total() int {
	return len(s.Chat.Sent()) + len(s.Push.Sent()) + len(s.Email.Sent())
}

// AllSettings enables every channel for userID.
func AllSettings(userID string, mode model.EmailMode) model.ChannelSettings {
	return model.ChannelSettings{
		UserID:       userID,
		ChatEnabled:  true,
		ChatID:       "chat-" + userID,
		PushEnabled:  true,
		Push:         &model.PushTarget{Endpoint: "https://push.example/" + userID},
		EmailEnabled: true,
		EmailAddress: userID + "@example.com",
		EmailMode:    mode,
	}
}

// Logger returns a logger writing JSON lines to the test log.
func Logger(t testing.TB) logx.Logger {
	return logx.NewWriter(testWriter{t}, "debug")
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
