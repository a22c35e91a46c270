package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/channel"
)

const (
	channelName         = "telegram"
	messageLimit        = 4096
	messagePreviewLimit = 240
	defaultRate         = rate.Limit(25)
	startCommand        = "/start"
)

// Options tune how the bot talks to the Bot API.
type Options struct {
	APIServer  string
	HTTPClient *http.Client
	Rate       rate.Limit
}

// Adapter broadcasts to Telegram chats and reads membership updates for
// one bot token.
type Adapter struct {
	bot     *telego.Bot
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewAdapter validates the token and constructs a bot client.
func NewAdapter(token string, opts Options, log *slog.Logger) (*Adapter, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	botOptions := []telego.BotOption{telego.WithDiscardLogger()}
	if opts.APIServer != "" {
		botOptions = append(botOptions, telego.WithAPIServer(opts.APIServer))
	}
	if opts.HTTPClient != nil {
		botOptions = append(botOptions, telego.WithHTTPClient(opts.HTTPClient))
	}

	bot, err := telego.NewBot(token, botOptions...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	limit := opts.Rate
	if limit <= 0 {
		limit = defaultRate
	}

	return &Adapter{
		bot:     bot,
		limiter: rate.NewLimiter(limit, 1),
		log:     log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in reports and logs.
func (a *Adapter) Name() string {
	return channelName
}

// BroadcastText sends subject and body as one message to every chat.
func (a *Adapter) BroadcastText(ctx context.Context, subject string, body string, recipients []string) bool {
	text := truncate(channel.Text(subject, body), messageLimit)
	a.log.Debug("Broadcasting text", "chats", len(recipients), "content", previewText(text))

	return a.broadcast(ctx, "sendMessage", recipients, func(ctx context.Context, chat telego.ChatID) error {
		_, err := a.bot.SendMessage(ctx, tu.Message(chat, text))
		return err
	})
}

// BroadcastFile sends the file by URL with the method matching its media
// kind. Unsupported kinds fail without contacting the API.
func (a *Adapter) BroadcastFile(ctx context.Context, file attachments.File, recipients []string) bool {
	input := tu.FileFromURL(file.URL)

	var method string
	var send func(context.Context, telego.ChatID) error
	switch channel.KindOf(file.Name) {
	case channel.MediaImage:
		method = "sendPhoto"
		send = func(ctx context.Context, chat telego.ChatID) error {
			_, err := a.bot.SendPhoto(ctx, tu.Photo(chat, input))
			return err
		}
	case channel.MediaVideo:
		method = "sendVideo"
		send = func(ctx context.Context, chat telego.ChatID) error {
			_, err := a.bot.SendVideo(ctx, tu.Video(chat, input))
			return err
		}
	case channel.MediaAudio:
		method = "sendAudio"
		send = func(ctx context.Context, chat telego.ChatID) error {
			_, err := a.bot.SendAudio(ctx, tu.Audio(chat, input))
			return err
		}
	case channel.MediaDocument:
		method = "sendDocument"
		send = func(ctx context.Context, chat telego.ChatID) error {
			_, err := a.bot.SendDocument(ctx, tu.Document(chat, input))
			return err
		}
	default:
		a.log.Debug("Unsupported file type", "name", file.Name)
		return false
	}

	return a.broadcast(ctx, method, recipients, send)
}

func (a *Adapter) broadcast(ctx context.Context, method string, recipients []string, send func(context.Context, telego.ChatID) error) bool {
	if len(recipients) == 0 {
		return true
	}

	ok := false
	for _, recipient := range recipients {
		if err := a.limiter.Wait(ctx); err != nil {
			a.log.Warn("Broadcast interrupted", "method", method, "error", err)
			return ok
		}

		if err := send(ctx, chatID(recipient)); err != nil {
			a.log.Warn("Telegram call failed", "method", method, "chat_id", recipient, "error", err)
			continue
		}
		ok = true
	}

	return ok
}

// Change is the effect of one update on the subscriber list.
type Change int

const (
	NoChange Change = iota
	Subscribe
	Unsubscribe
)

// Update is one Bot API update reduced to what the subscriber list needs.
type Update struct {
	ID     int
	ChatID int64
	Change Change
}

// Updates fetches pending updates starting at offset. Membership updates
// with status left or kicked unsubscribe the chat, any other membership
// update subscribes it, and /start in a private chat subscribes it too.
func (a *Adapter) Updates(ctx context.Context, offset int, allowed []string) ([]Update, error) {
	if allowed == nil {
		allowed = []string{}
	}

	raw, err := a.bot.GetUpdates(ctx, &telego.GetUpdatesParams{
		Offset:         offset,
		AllowedUpdates: allowed,
	})
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}

	updates := make([]Update, 0, len(raw))
	for _, update := range raw {
		updates = append(updates, reduce(update))
	}

	return updates, nil
}

func reduce(update telego.Update) Update {
	out := Update{ID: update.UpdateID}

	switch {
	case update.MyChatMember != nil:
		out.ChatID = update.MyChatMember.Chat.ID
		out.Change = Subscribe
		if member := update.MyChatMember.NewChatMember; member != nil {
			switch member.MemberStatus() {
			case telego.MemberStatusLeft, telego.MemberStatusBanned:
				out.Change = Unsubscribe
			}
		}
	case update.Message != nil:
		message := update.Message
		if message.Chat.Type == telego.ChatTypePrivate && strings.TrimSpace(message.Text) == startCommand {
			out.ChatID = message.Chat.ID
			out.Change = Subscribe
		}
	}

	return out
}

// chatID accepts numeric ids and @channel usernames.
func chatID(recipient string) telego.ChatID {
	recipient = strings.TrimSpace(recipient)
	if id, err := strconv.ParseInt(recipient, 10, 64); err == nil {
		return tu.ID(id)
	}

	return tu.Username(recipient)
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}

	return string(runes[:limit])
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) <= messagePreviewLimit {
		return trimmed
	}

	return truncate(trimmed, messagePreviewLimit) + "..."
}
