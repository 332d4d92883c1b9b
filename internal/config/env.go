package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NOTIFYD"

// envOverrides are the values that may come from the environment instead of
// the file. Secrets belong here rather than in a checked-in config.
type envOverrides struct {
	LogLevel    string `envconfig:"LOG_LEVEL"`
	StoragePath string `envconfig:"STORAGE_PATH"`

	TelegramToken string `envconfig:"TELEGRAM_TOKEN"`

	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	FCMCredentials  string `envconfig:"FCM_CREDENTIALS_FILE"`

	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`

	ObservabilityToken string `envconfig:"OBSERVABILITY_TOKEN"`
	FrontendHost       string `envconfig:"FRONTEND_HOST"`
}

// ApplyEnv overlays NOTIFYD_* variables onto cfg. Unset variables leave the
// file value alone.
func ApplyEnv(cfg *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Storage.Path, env.StoragePath)
	set(&cfg.Telegram.Token, env.TelegramToken)
	set(&cfg.Push.VAPID.PublicKey, env.VAPIDPublicKey)
	set(&cfg.Push.VAPID.PrivateKey, env.VAPIDPrivateKey)
	set(&cfg.Push.FCM.CredentialsFile, env.FCMCredentials)
	set(&cfg.Email.Username, env.SMTPUsername)
	set(&cfg.Email.Password, env.SMTPPassword)
	set(&cfg.Observability.Token, env.ObservabilityToken)
	set(&cfg.FrontendHost, env.FrontendHost)
	return nil
}
