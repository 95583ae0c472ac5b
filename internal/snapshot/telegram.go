package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/doorbell/internal/debug"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
)

// Environment variables holding the bot credentials.
const (
	EnvToken  = "TELEGRAM_BOT_TOKEN"
	EnvChatID = "TELEGRAM_CHATID"
)

// ErrNoCredentials is returned when the bot token or chat ID is missing.
var ErrNoCredentials = errors.New("snapshot: telegram credentials not configured")

// Credentials identify the bot and the chat it posts to.
type Credentials struct {
	Token  string
	ChatID string // numeric ID or "@channel"
}

// LoadCredentials reads the credentials from the environment. When
// envFile is set and exists it is loaded first; variables already present
// in the environment win over the file.
func LoadCredentials(envFile string) Credentials {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			debug.Warn("could not read %s: %v", envFile, err)
		}
	}
	return Credentials{
		Token:  strings.TrimSpace(os.Getenv(EnvToken)),
		ChatID: strings.TrimSpace(os.Getenv(EnvChatID)),
	}
}

// Valid reports whether both fields are set.
func (c Credentials) Valid() bool {
	return c.Token != "" && c.ChatID != ""
}

// TelegramUploader posts photos with the Telegram Bot API. The bot client
// is created on first use so a missing network at boot does not matter.
type TelegramUploader struct {
	creds    Credentials
	timeout  time.Duration
	endpoint string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegramUploader returns an uploader whose HTTP calls are bounded by
// timeout.
func NewTelegramUploader(creds Credentials, timeout time.Duration) *TelegramUploader {
	return &TelegramUploader{creds: creds, timeout: timeout, endpoint: tgbotapi.APIEndpoint}
}

func (u *TelegramUploader) client() (*tgbotapi.BotAPI, error) {
	if !u.creds.Valid() {
		return nil, ErrNoCredentials
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.bot != nil {
		return u.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithClient(u.creds.Token, u.endpoint, &http.Client{Timeout: u.timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	debug.Verbose("telegram bot authorised as %s", bot.Self.UserName)
	u.bot = bot
	return bot, nil
}

// Upload sends the image at path with caption.
func (u *TelegramUploader) Upload(ctx context.Context, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := u.client()
	if err != nil {
		return err
	}

	file := tgbotapi.FilePath(path)
	var photo tgbotapi.PhotoConfig
	if id, convErr := strconv.ParseInt(u.creds.ChatID, 10, 64); convErr == nil {
		photo = tgbotapi.NewPhoto(id, file)
	} else {
		photo = tgbotapi.NewPhotoToChannel(u.creds.ChatID, file)
	}
	photo.Caption = caption

	return u.send(ctx, bot, photo)
}

// SendMessage posts a text-only message.
func (u *TelegramUploader) SendMessage(ctx context.Context, text string) error {
	bot, err := u.client()
	if err != nil {
		return err
	}
	var msg tgbotapi.MessageConfig
	if id, convErr := strconv.ParseInt(u.creds.ChatID, 10, 64); convErr == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(u.creds.ChatID, text)
	}
	return u.send(ctx, bot, msg)
}

// send runs the blocking call on its own goroutine so ctx can abandon it;
// the HTTP client timeout bounds the abandoned call.
func (u *TelegramUploader) send(ctx context.Context, bot *tgbotapi.BotAPI, c tgbotapi.Chattable) error {
	done := make(chan error, 1)
	go func() {
		_, err := bot.Send(c)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
