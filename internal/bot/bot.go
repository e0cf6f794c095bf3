// Package bot is the Telegram side of account issuance: community
// members register through it and receive generated passwords. It is
// just another mutator of the credential store; the store's mutex makes
// it safe next to the login path.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"krug/server/internal/auth"
)

// api is the slice of the Telegram client the flows need; tests inject
// a recorder here.
type api interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot drives the /register, /reset and /change conversations.
type Bot struct {
	api   api
	tg    *tgbotapi.BotAPI // nil in tests
	store *auth.Store
	log   *slog.Logger

	// pending marks chats waiting for free-form input: a desired
	// username during registration, or a new password after /change.
	pending map[int64]int64 // chat id → telegram user id
}

// New connects to the Bot API with the given token.
func New(token string, store *auth.Store) (*Bot, error) {
	tg, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	b := newWithAPI(tg, store)
	b.tg = tg
	b.log.Info("telegram bot connected", "user", tg.Self.UserName)
	return b, nil
}

func newWithAPI(a api, store *auth.Store) *Bot {
	return &Bot{
		api:     a,
		store:   store,
		log:     slog.Default().With("component", "bot"),
		pending: make(map[int64]int64),
	}
}

// Run long-polls for updates until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 60
	updates := b.tg.GetUpdatesChan(cfg)

	for {
		select {
		case <-ctx.Done():
			b.tg.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.Message == nil || upd.Message.From == nil {
				continue
			}
			b.handleMessage(upd.Message.Chat.ID, upd.Message.From.ID, upd.Message.Text)
		}
	}
}

func (b *Bot) handleMessage(chatID, tgID int64, text string) {
	switch text {
	case "/start":
		b.reply(chatID, "Команды: /register, /reset, /change")
		return

	case "/register":
		if uname, ok := b.store.LinkedUsername(tgID); ok {
			b.reply(chatID, fmt.Sprintf("У вас уже есть аккаунт: %s. Для смены пароля используйте /reset.", uname))
			return
		}
		b.pending[chatID] = tgID
		b.reply(chatID, "Введите желаемый логин (латиницей, без пробелов):")
		return

	case "/reset":
		uname, ok := b.store.LinkedUsername(tgID)
		if !ok {
			b.reply(chatID, "Сначала используйте /register.")
			return
		}
		pwd, err := b.store.ResetPassword(uname)
		if err != nil {
			b.log.Error("reset password", "user", uname, "err", err)
			b.reply(chatID, "Ошибка сброса.")
			return
		}
		b.reply(chatID, fmt.Sprintf("Новый пароль для %s: %s", uname, pwd))
		return

	case "/change":
		b.pending[chatID] = tgID
		b.reply(chatID, "Введите новый пароль:")
		return
	}

	pendingID, ok := b.pending[chatID]
	if !ok {
		return
	}
	input := strings.TrimSpace(text)

	// A linked account waiting for input is changing its password;
	// an unlinked one is picking a username.
	if uname, linked := b.store.LinkedUsername(pendingID); linked {
		if err := b.store.ChangePassword(uname, input); err != nil {
			if errors.Is(err, auth.ErrEmptyPassword) {
				b.reply(chatID, "Пароль не может быть пустым. Введите пароль:")
			} else {
				b.log.Error("change password", "user", uname, "err", err)
				b.reply(chatID, "Ошибка смены пароля.")
			}
			return
		}
		delete(b.pending, chatID)
		b.reply(chatID, fmt.Sprintf("Пароль для %s обновлён.", uname))
		return
	}
	b.processUsername(chatID, pendingID, input)
}

func (b *Bot) processUsername(chatID, tgID int64, username string) {
	if username == "" {
		b.reply(chatID, "Логин не может быть пустым. Введите логин:")
		return
	}
	if b.store.Exists(username) {
		b.reply(chatID, "Логин уже существует, введите другой:")
		return
	}

	pwd, err := b.store.CreateWithRandomPassword(username)
	if err != nil {
		b.log.Error("create account", "user", username, "err", err)
		b.reply(chatID, "Ошибка регистрации.")
		delete(b.pending, chatID)
		return
	}
	if err := b.store.LinkTelegram(tgID, username); err != nil {
		b.log.Error("link telegram", "user", username, "err", err)
		b.reply(chatID, err.Error())
	}
	delete(b.pending, chatID)
	b.log.Info("account issued", "user", username)
	b.reply(chatID, fmt.Sprintf("Готово! Логин: %s Пароль: %s", username, pwd))
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Warn("send telegram reply", "chat", chatID, "err", err)
	}
}
