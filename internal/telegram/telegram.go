// Package telegram adapts the chat transport: inbound updates become
// command variants, replies go back out with bounded retry. No queue or
// registration logic lives here.
package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/stemsi/regbot/internal/command"
)

// sendMaxElapsed bounds reply retries; after this the reply is dropped and
// logged. Transport failures never reach the engine.
const sendMaxElapsed = 30 * time.Second

// Transport runs the long-poll loop against the Telegram Bot API.
type Transport struct {
	bot        *bot.Bot
	dispatcher *command.Dispatcher
	log        zerolog.Logger
}

// New builds the transport. The token comes from the environment, never
// from the course document.
func New(token string, dispatcher *command.Dispatcher, log zerolog.Logger) (*Transport, error) {
	t := &Transport{
		dispatcher: dispatcher,
		log:        log.With().Str("component", "telegram").Logger(),
	}

	b, err := bot.New(token, bot.WithDefaultHandler(t.handleUpdate))
	if err != nil {
		return nil, err
	}
	t.bot = b
	return t, nil
}

// Start blocks polling for updates until ctx is cancelled.
func (t *Transport) Start(ctx context.Context) {
	t.log.Info().Msg("Long polling started")
	t.bot.Start(ctx)
	t.log.Info().Msg("Long polling stopped")
}

func (t *Transport) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil {
		return
	}

	// Being added to a chat initializes the group's configuration entry.
	if len(msg.NewChatMembers) > 0 &&
		(msg.Chat.Type == models.ChatTypeGroup || msg.Chat.Type == models.ChatTypeSupergroup) {
		t.dispatcher.EnsureGroup(msg.Chat.ID, msg.Chat.Title)
	}

	if msg.From == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}

	meta := command.Meta{
		UserID:   msg.From.ID,
		Username: msg.From.Username,
	}
	if msg.Chat.Type == models.ChatTypeGroup || msg.Chat.Type == models.ChatTypeSupergroup {
		meta.GroupID = msg.Chat.ID
	}

	cmd, err := command.Parse(meta, msg.Text)
	if err != nil {
		switch e := err.(type) {
		case *command.UsageError:
			t.reply(ctx, msg.Chat.ID, "Usage: "+e.Usage)
		case *command.ErrUnknownCommand:
			// Stay quiet in groups; other bots' commands land here too.
			if meta.GroupID == 0 {
				t.reply(ctx, msg.Chat.ID, "Unknown command. Try /help.")
			}
		default:
			t.log.Error().Err(err).Msg("Parse failed")
		}
		return
	}

	t.reply(ctx, msg.Chat.ID, t.dispatcher.Execute(ctx, cmd))
}

// reply sends with exponential backoff so transient API errors do not lose
// responses. Gives up after sendMaxElapsed.
func (t *Transport) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}

	send := func() error {
		_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = sendMaxElapsed
	if err := backoff.Retry(send, backoff.WithContext(bo, ctx)); err != nil {
		t.log.Error().Err(err).Int64("chat_id", chatID).Msg("Reply dropped")
	}
}
