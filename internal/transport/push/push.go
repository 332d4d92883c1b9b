// Package push delivers browser and mobile push: Web Push (VAPID) for
// browser subscriptions and Firebase Cloud Messaging for registration tokens.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	webpush "github.com/SherClockHolmes/webpush-go"
	"google.golang.org/api/option"

	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	logx "omninotify/pkg/logx"
)

// ErrGone means the push service no longer accepts the target. Retrying the
// same target is pointless.
var ErrGone = errors.New("push target gone")

// ErrNoRoute means the target needs a backend that is not configured.
var ErrNoRoute = errors.New("no push backend for target")

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	TTL        time.Duration
	// HTTPClient overrides the client used to reach push services.
	HTTPClient webpush.HTTPClient
}

type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
}

// Config enables each backend by presence.
type Config struct {
	VAPID *VAPIDConfig
	FCM   *FCMConfig
}

// FCMClient is the slice of *messaging.Client the sender uses.
type FCMClient interface {
	Send(ctx context.Context, m *messaging.Message) (string, error)
}

// GoneFunc is told about targets the push service rejected permanently.
type GoneFunc func(ctx context.Context, userID string, target model.PushTarget)

type Sender struct {
	log   logx.Logger
	vapid *VAPIDConfig
	fcm   FCMClient
	gone  GoneFunc
}

// New builds the enabled backends. The Firebase app is created eagerly so
// bad credentials fail at startup.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{log: log.With(logx.String("comp", "push")), vapid: cfg.VAPID}
	if cfg.FCM != nil {
		var opts []option.ClientOption
		if f := strings.TrimSpace(cfg.FCM.CredentialsFile); f != "" {
			opts = append(opts, option.WithCredentialsFile(f))
		}
		var fbCfg *firebase.Config
		if cfg.FCM.ProjectID != "" {
			fbCfg = &firebase.Config{ProjectID: cfg.FCM.ProjectID}
		}
		app, err := firebase.NewApp(ctx, fbCfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("push: firebase app: %w", err)
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("push: firebase messaging: %w", err)
		}
		s.fcm = client
	}
	return s, nil
}

// NewWithFCM wires an explicit FCM client, mainly for tests.
func NewWithFCM(vapid *VAPIDConfig, fcm FCMClient, log logx.Logger) *Sender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{log: log.With(logx.String("comp", "push")), vapid: vapid, fcm: fcm}
}

// OnGone registers fn; it runs synchronously before SendPush returns ErrGone.
func (s *Sender) OnGone(fn GoneFunc) { s.gone = fn }

// Message is the JSON body delivered to the service worker.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

func NewMessage(p dispatch.Payload) Message {
	data := map[string]string{"kind": string(p.Kind)}
	if p.Node.URL != "" {
		data["url"] = p.Node.URL
	}
	if p.Node.ID != "" {
		data["node_id"] = p.Node.ID
	}
	if p.ReminderID != "" {
		data["reminder_id"] = p.ReminderID
	}
	return Message{Title: p.Title(), Body: p.Body(), Tag: p.Tag(), Data: data}
}

// SendPush implements dispatch.PushSender. An FCM token wins over a VAPID
// endpoint when both are present and FCM is configured.
func (s *Sender) SendPush(ctx context.Context, target model.PushTarget, p dispatch.Payload) error {
	msg := NewMessage(p)
	var err error
	switch {
	case target.FCMToken != "" && s.fcm != nil:
		err = s.sendFCM(ctx, target.FCMToken, msg)
	case target.Endpoint != "" && s.vapid != nil:
		err = s.sendVAPID(ctx, target, msg)
	default:
		return ErrNoRoute
	}
	if errors.Is(err, ErrGone) {
		s.log.Warn("push target gone", logx.String("user", p.UserID))
		if s.gone != nil {
			s.gone(ctx, p.UserID, target)
		}
	}
	return err
}

func (s *Sender) sendVAPID(ctx context.Context, target model.PushTarget, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ttl := int(s.vapid.TTL / time.Second)
	if ttl <= 0 {
		ttl = 86400
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: target.Endpoint,
		Keys:     webpush.Keys{P256dh: target.P256dh, Auth: target.Auth},
	}, &webpush.Options{
		HTTPClient:      s.vapid.HTTPClient,
		Subscriber:      s.vapid.Subscriber,
		VAPIDPublicKey:  s.vapid.PublicKey,
		VAPIDPrivateKey: s.vapid.PrivateKey,
		TTL:             ttl,
		Urgency:         webpush.UrgencyNormal,
		Topic:           topic(msg.Tag),
	})
	if err != nil {
		return fmt.Errorf("webpush: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("webpush: http %d: %w", resp.StatusCode, ErrGone)
	case resp.StatusCode/100 != 2:
		return fmt.Errorf("webpush: http %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) sendFCM(ctx context.Context, token string, msg Message) error {
	_, err := s.fcm.Send(ctx, &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         msg.Data,
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{Tag: msg.Tag},
		},
		Android: &messaging.AndroidConfig{
			Priority:     "high",
			Notification: &messaging.AndroidNotification{Tag: msg.Tag},
		},
	})
	if err == nil {
		return nil
	}
	if messaging.IsUnregistered(err) || messaging.IsSenderIDMismatch(err) {
		return fmt.Errorf("fcm: %v: %w", err, ErrGone)
	}
	return fmt.Errorf("fcm: %w", err)
}

// topic shapes tag into a Web Push Topic header: at most 32 URL-safe
// characters.
func topic(tag string) string {
	var b strings.Builder
	for _, r := range tag {
		if b.Len() == 32 {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
