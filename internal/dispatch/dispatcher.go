package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"omninotify/internal/eventbus"
	"omninotify/internal/model"
	logx "omninotify/pkg/logx"

	"golang.org/x/time/rate"
)

// Channel names, in dispatch order.
const (
	ChannelChat  = "chat"
	ChannelPush  = "push"
	ChannelEmail = "email"
)

// ErrAllChannelsFailed is returned when at least one channel was attempted
// and none succeeded.
var ErrAllChannelsFailed = errors.New("dispatch: all channels failed")

type ChatSender interface {
	SendChat(ctx context.Context, chatID string, p Payload) error
}

type PushSender interface {
	SendPush(ctx context.Context, target model.PushTarget, p Payload) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, address string, p Payload) error
}

// Transports bundles the channel adapters. A nil member disables its channel.
type Transports struct {
	Chat  ChatSender
	Push  PushSender
	Email EmailSender
}

// SettingsSource loads per-user channel settings.
type SettingsSource interface {
	GetSettings(ctx context.Context, userID string) (model.ChannelSettings, error)
}

// ChannelConfig bounds one channel.
type ChannelConfig struct {
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

type Config struct {
	Chat  ChannelConfig
	Push  ChannelConfig
	Email ChannelConfig
}

func (c ChannelConfig) withDefaults(timeout time.Duration, rps float64) ChannelConfig {
	if c.Timeout <= 0 {
		c.Timeout = timeout
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = rps
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	return c
}

// Normalize fills zero fields with defaults.
func (c Config) Normalize() Config {
	c.Chat = c.Chat.withDefaults(10*time.Second, 25)
	c.Push = c.Push.withDefaults(10*time.Second, 50)
	c.Email = c.Email.withDefaults(15*time.Second, 5)
	return c
}

// Result lists the channels attempted and those that succeeded, in order.
type Result struct {
	Attempted []string
	Succeeded []string
}

func (r Result) Delivered() bool { return len(r.Succeeded) > 0 }

type channelState struct {
	cfg     ChannelConfig
	limiter *rate.Limiter
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	tr       Transports
	settings SettingsSource
	log      logx.Logger
	bus      eventbus.Bus

	mu       sync.RWMutex
	channels map[string]*channelState
}

func New(cfg Config, tr Transports, settings SettingsSource, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{
		tr:       tr,
		settings: settings,
		log:      log.With(logx.String("comp", "dispatch")),
		bus:      bus,
	}
	d.Apply(cfg)
	return d
}

// Apply swaps timeouts and rate limits. In-flight sends keep the old values.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.Normalize()
	ch := map[string]*channelState{}
	for name, c := range map[string]ChannelConfig{ChannelChat: cfg.Chat, ChannelPush: cfg.Push, ChannelEmail: cfg.Email} {
		ch[name] = &channelState{cfg: c, limiter: rate.NewLimiter(rate.Limit(c.RatePerSec), c.Burst)}
	}
	d.mu.Lock()
	d.channels = ch
	d.mu.Unlock()
}

func (d *Dispatcher) channel(name string) *channelState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.channels[name]
}

func (d *Dispatcher) loadSettings(ctx context.Context, userID string) (model.ChannelSettings, error) {
	if d.settings == nil {
		return model.ChannelSettings{UserID: userID}, nil
	}
	s, err := d.settings.GetSettings(ctx, userID)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, model.ErrNotFound):
		return model.ChannelSettings{UserID: userID}, nil
	default:
		return model.ChannelSettings{}, fmt.Errorf("dispatch: load settings for %s: %w", userID, err)
	}
}

// Deliver loads the user's settings and dispatches. Missing settings mean no
// channel is enabled.
func (d *Dispatcher) Deliver(ctx context.Context, userID string, p Payload) (Result, error) {
	s, err := d.loadSettings(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	return d.Dispatch(ctx, s, p)
}

// Dispatch sends p over every enabled channel of s.
func (d *Dispatcher) Dispatch(ctx context.Context, s model.ChannelSettings, p Payload) (Result, error) {
	var res Result
	if p.UserID == "" {
		p.UserID = s.UserID
	}

	primaryOK := false
	if s.ChatReady() && d.tr.Chat != nil {
		if d.send(ctx, ChannelChat, p, &res, func(c context.Context) error {
			return d.tr.Chat.SendChat(c, s.ChatID, p)
		}) {
			primaryOK = true
		}
	}
	if s.PushReady() && d.tr.Push != nil {
		target := *s.Push
		if d.send(ctx, ChannelPush, p, &res, func(c context.Context) error {
			return d.tr.Push.SendPush(c, target, p)
		}) {
			primaryOK = true
		}
	}
	if s.EmailReady() && d.tr.Email != nil {
		if s.EmailMode == model.EmailAlways || (s.EmailMode == model.EmailFallback && !primaryOK) {
			d.send(ctx, ChannelEmail, p, &res, func(c context.Context) error {
				return d.tr.Email.SendEmail(c, s.EmailAddress, p)
			})
		}
	}

	if len(res.Attempted) > 0 && len(res.Succeeded) == 0 {
		return res, ErrAllChannelsFailed
	}
	return res, nil
}

// Test sends a KindTest payload over one channel of userID.
// The channel only needs a linked target; its enabled flag is ignored.
func (d *Dispatcher) Test(ctx context.Context, userID, channel string) (Result, error) {
	s, err := d.loadSettings(ctx, userID)
	if err != nil {
		return Result{}, err
	}

	var fn func(context.Context, Payload) error
	switch channel {
	case ChannelChat:
		if s.ChatID != "" && d.tr.Chat != nil {
			fn = func(c context.Context, p Payload) error { return d.tr.Chat.SendChat(c, s.ChatID, p) }
		}
	case ChannelPush:
		if !s.Push.Empty() && d.tr.Push != nil {
			target := *s.Push
			fn = func(c context.Context, p Payload) error { return d.tr.Push.SendPush(c, target, p) }
		}
	case ChannelEmail:
		if s.EmailAddress != "" && d.tr.Email != nil {
			fn = func(c context.Context, p Payload) error { return d.tr.Email.SendEmail(c, s.EmailAddress, p) }
		}
	default:
		return Result{}, model.Invalid("channel", "unknown channel %q", channel)
	}
	if fn == nil {
		return Result{}, model.Invalid("channel", "%s is not configured", channel)
	}

	p := Payload{Kind: KindTest, UserID: userID, Channel: channel}
	var res Result
	if !d.send(ctx, channel, p, &res, func(c context.Context) error { return fn(c, p) }) {
		return res, ErrAllChannelsFailed
	}
	return res, nil
}

// send runs one channel call under its timeout and rate limit.
func (d *Dispatcher) send(ctx context.Context, name string, p Payload, res *Result, fn func(context.Context) error) bool {
	res.Attempted = append(res.Attempted, name)
	st := d.channel(name)

	// The timeout is the only bound; caller cancellation does not abort a send.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), st.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := st.limiter.Wait(cctx)
	if err == nil {
		err = boundedCall(cctx, fn)
	}
	took := time.Since(start)

	ev := eventbus.Delivery{Channel: name, UserID: p.UserID, Kind: string(p.Kind), Took: took}
	if err != nil {
		ev.Err = err.Error()
		d.log.Warn("channel send failed",
			logx.String("channel", name), logx.String("user", p.UserID),
			logx.String("kind", string(p.Kind)), logx.Duration("took", took), logx.Err(err))
		d.bus.Publish(eventbus.Event{Type: eventbus.TopicDispatchFailed, Data: ev})
		return false
	}
	d.log.Debug("channel send ok",
		logx.String("channel", name), logx.String("user", p.UserID), logx.Duration("took", took))
	res.Succeeded = append(res.Succeeded, name)
	d.bus.Publish(eventbus.Event{Type: eventbus.TopicDispatchSent, Data: ev})
	return true
}

// boundedCall returns when fn does or ctx expires, whichever is first. A
// transport that ignores ctx is left to finish in the background.
func boundedCall(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- safeCall(ctx, fn) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func safeCall(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return fn(ctx)
}
