package model

import "time"

// PushTarget is a registered browser push destination. VAPID subscriptions
// carry Endpoint/P256dh/Auth; Firebase registrations carry FCMToken.
type PushTarget struct {
	Endpoint string `json:"endpoint,omitempty"`
	P256dh   string `json:"p256dh,omitempty"`
	Auth     string `json:"auth,omitempty"`
	FCMToken string `json:"fcm_token,omitempty"`
}

func (p *PushTarget) Empty() bool {
	return p == nil || (p.Endpoint == "" && p.FCMToken == "")
}

// ChannelSettings is the per-user channel configuration. The zero value means
// "no channel enabled, no quiet hours".
type ChannelSettings struct {
	UserID string

	ChatEnabled  bool
	ChatID       string
	ChatUsername string
	ChatLinkedAt *time.Time

	PushEnabled bool
	Push        *PushTarget

	EmailEnabled bool
	EmailAddress string
	EmailMode    EmailMode

	QuietEnabled  bool
	QuietStart    string // "HH:MM" or "HH:MM:SS"
	QuietEnd      string
	QuietTimezone string
}

func (s ChannelSettings) ChatReady() bool { return s.ChatEnabled && s.ChatID != "" }

func (s ChannelSettings) PushReady() bool { return s.PushEnabled && !s.Push.Empty() }

func (s ChannelSettings) EmailReady() bool {
	return s.EmailEnabled && s.EmailAddress != "" && s.EmailMode != EmailOff && s.EmailMode != ""
}
