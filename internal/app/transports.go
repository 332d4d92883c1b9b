package app

import (
	"context"
	"fmt"
	"time"

	"omninotify/internal/config"
	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	"omninotify/internal/storage"
	"omninotify/internal/transport/email"
	"omninotify/internal/transport/push"
	"omninotify/internal/transport/telegram"
	logx "omninotify/pkg/logx"
)

type transports struct {
	dispatch.Transports
	bot *telegram.Bot
}

// buildTransports creates every enabled channel adapter. A disabled channel
// stays nil and the dispatcher skips it.
func buildTransports(ctx context.Context, cfg *config.Config, settings storage.Settings, log logx.Logger) (transports, error) {
	var out transports

	if cfg.Telegram.Enabled {
		bot, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: config.MustDuration(cfg.Telegram.PollTimeout, 10*time.Second),
			APIURL:      cfg.Telegram.APIURL,
		}, log)
		if err != nil {
			return out, err
		}
		out.bot = bot
		out.Chat = bot
	}

	pc := push.Config{}
	if v := cfg.Push.VAPID; v.Enabled {
		pc.VAPID = &push.VAPIDConfig{
			PublicKey:  v.PublicKey,
			PrivateKey: v.PrivateKey,
			Subscriber: v.Subscriber,
			TTL:        config.MustDuration(v.TTL, 24*time.Hour),
		}
	}
	if f := cfg.Push.FCM; f.Enabled {
		pc.FCM = &push.FCMConfig{ProjectID: f.ProjectID, CredentialsFile: f.CredentialsFile}
	}
	if pc.VAPID != nil || pc.FCM != nil {
		ps, err := push.New(ctx, pc, log)
		if err != nil {
			return out, err
		}
		ps.OnGone(disableGonePush(settings, log))
		out.Push = ps
	}

	if e := cfg.Email; e.Enabled {
		es, err := email.New(email.Config{
			Host:     e.Host,
			Port:     e.Port,
			Username: e.Username,
			Password: e.Password,
			From:     e.From,
			TLS:      e.TLS,
			Timeout:  config.MustDuration(e.Timeout, 15*time.Second),
		}, log)
		if err != nil {
			return out, err
		}
		out.Email = es
	}
	return out, nil
}

// disableGonePush turns push off for a user whose stored target the push
// service rejected permanently. A target replaced in the meantime is kept.
func disableGonePush(settings storage.Settings, log logx.Logger) push.GoneFunc {
	return func(ctx context.Context, userID string, target model.PushTarget) {
		if err := clearPushTarget(ctx, settings, userID, target); err != nil {
			log.Warn("push target cleanup failed", logx.String("user", userID), logx.Err(err))
			return
		}
		log.Info("push disabled for user: target gone", logx.String("user", userID))
	}
}

func clearPushTarget(ctx context.Context, settings storage.Settings, userID string, target model.PushTarget) error {
	s, err := settings.GetSettings(ctx, userID)
	if err != nil {
		return fmt.Errorf("get settings: %w", err)
	}
	if s.Push == nil || *s.Push != target {
		return nil
	}
	s.PushEnabled = false
	s.Push = nil
	return settings.PutSettings(ctx, s)
}
