// Package telegram is the chat channel: it sends rendered notifications with
// inline buttons and turns button presses into reminder actions.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"omninotify/internal/dispatch"
	"omninotify/internal/model"
	"omninotify/internal/pipeline"
	rtsup "omninotify/internal/runtime/supervisor"
	logx "omninotify/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides https://api.telegram.org.
	APIURL string
}

// Actions executes button presses. *pipeline.Pipeline implements it.
type Actions interface {
	SnoozeFromChat(ctx context.Context, chatID, reminderID string, minutes int) (time.Time, error)
	CancelFromChat(ctx context.Context, chatID, reminderID string) error
}

type Bot struct {
	log logx.Logger
	bot *tele.Bot
	now func() time.Time

	actions atomic.Pointer[Actions]

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    strings.TrimSpace(cfg.APIURL),
		Poller: &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"callback_query"}},
		Client: &http.Client{Timeout: timeout + 10*time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Bot{log: log.With(logx.String("comp", "telegram")), bot: b, now: time.Now}
	b.Handle(tele.OnCallback, t.onCallback)
	return t, nil
}

// SetActions binds the button handler. Presses before binding are answered
// with an error toast.
func (t *Bot) SetActions(a Actions) { t.actions.Store(&a) }

// SendChat implements dispatch.ChatSender.
func (t *Bot) SendChat(ctx context.Context, chatID string, p dispatch.Payload) error {
	id, err := strconv.ParseInt(strings.TrimSpace(chatID), 10, 64)
	if err != nil {
		return model.Invalid("chat_id", "not numeric: %q", chatID)
	}
	text, markup := Render(p, t.now())
	chunks := splitText(text, textLimit)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
		// buttons go under the last chunk
		if i == len(chunks)-1 && markup != nil {
			opt.ReplyMarkup = markup
		}
		if _, err := t.bot.Send(tele.ChatID(id), chunk, opt); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// Start runs the long-poll loop for button callbacks until Stop.
func (t *Bot) Start(ctx context.Context) {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.sup = rtsup.New(ctx, rtsup.WithLogger(t.log), rtsup.WithCancelOnError(false))

	t.sup.Go("telebot.stop_on_cancel", func(c context.Context) error {
		<-c.Done()
		t.bot.Stop()
		return nil
	})
	t.sup.GoRestart("telebot.poll", func(c context.Context) error {
		t.log.Info("polling started")
		t.bot.Start()
		t.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("telebot poller exited")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
}

// Stop never blocks shutdown longer than two seconds on a pending long poll.
func (t *Bot) Stop(ctx context.Context) {
	t.runMu.Lock()
	sup := t.sup
	t.sup, t.running = nil, false
	t.runMu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		t.log.Warn("telegram stop error", logx.Err(err))
	}
}

func (t *Bot) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Message == nil || cb.Message.Chat == nil {
		return nil
	}
	chatID := strconv.FormatInt(cb.Message.Chat.ID, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, done := t.handle(ctx, chatID, cb.Data)

	if done {
		if _, err := t.bot.EditReplyMarkup(cb.Message, nil); err != nil {
			t.log.Debug("keyboard removal failed", logx.Err(err))
		}
	}
	return c.Respond(&tele.CallbackResponse{Text: reply})
}

// handle executes one button press and returns the toast text. done reports
// whether the buttons should be removed.
func (t *Bot) handle(ctx context.Context, chatID, data string) (reply string, done bool) {
	act, err := ParseAction(data)
	if err != nil {
		t.log.Debug("unknown callback", logx.String("chat", chatID), logx.String("data", data))
		return "Unknown action", false
	}
	ap := t.actions.Load()
	if ap == nil {
		return "Not ready yet, try again later", false
	}
	log := t.log.With(logx.String("chat", chatID), logx.String("reminder", act.ReminderID), logx.String("action", string(act.Kind)))

	switch act.Kind {
	case ActionSnooze:
		var until time.Time
		until, err = (*ap).SnoozeFromChat(ctx, chatID, act.ReminderID, act.Minutes)
		if err == nil {
			log.Info("reminder snoozed from chat", logx.Int("minutes", act.Minutes), logx.Time("until", until))
			return "Snoozed until " + until.Format("02.01 15:04 MST"), true
		}
	case ActionCancel:
		err = (*ap).CancelFromChat(ctx, chatID, act.ReminderID)
		if err == nil {
			log.Info("reminder cancelled from chat")
			return "Reminder cancelled", true
		}
	}

	var verr *model.ValidationError
	switch {
	case errors.Is(err, pipeline.ErrNotOwner):
		log.Warn("chat action rejected: not owner")
		return "This reminder is not yours", false
	case errors.Is(err, model.ErrNotFound):
		return "Reminder not found", true
	case errors.As(err, &verr):
		return verr.Reason, false
	default:
		log.Error("chat action failed", logx.Err(err))
		return "Something went wrong, try again", false
	}
}
