package viber

import (
	"context"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/channel"
)

// broadcastLimit is the most ids broadcast_message accepts per call.
const broadcastLimit = 300

// Bot broadcasts through the bot API on behalf of one dispatcher.
type Bot struct {
	client *Client
	token  string
	sender Sender
}

// Bot binds a bot token; sender is the name shown on every message.
func (c *Client) Bot(token string, sender string) *Bot {
	return &Bot{client: c, token: token, sender: Sender{Name: sender}}
}

func (b *Bot) Name() string {
	return "viber-bot"
}

func (b *Bot) BroadcastText(ctx context.Context, subject string, body string, recipients []string) bool {
	return b.broadcast(ctx, Message{Type: "text", Text: channel.Text(subject, body)}, recipients)
}

// BroadcastFile fails for audio, which the bot API cannot show.
func (b *Bot) BroadcastFile(ctx context.Context, file attachments.File, recipients []string) bool {
	msg, ok := fileMessage(file)
	if !ok {
		b.client.log.Debug("Unsupported file type", "channel", b.Name(), "name", file.Name)
		return false
	}

	return b.broadcast(ctx, msg, recipients)
}

func (b *Bot) broadcast(ctx context.Context, msg Message, recipients []string) bool {
	if b.token == "" || len(recipients) == 0 {
		return true
	}

	msg.Sender = &b.sender
	ok := false
	for start := 0; start < len(recipients); start += broadcastLimit {
		end := min(start+broadcastLimit, len(recipients))
		msg.BroadcastList = recipients[start:end]

		resp, err := b.client.call(ctx, "broadcast_message", b.token, msg)
		if err != nil {
			b.client.log.Warn("Viber broadcast failed", "type", msg.Type, "error", err)
			continue
		}
		if !resp.OK() {
			b.client.log.Warn("Viber broadcast rejected", "type", msg.Type, "status", resp.Status, "status_message", resp.StatusMessage)
			continue
		}
		ok = true
	}

	return ok
}

// SetWebhook registers url for bot callbacks and returns the API status.
func (b *Bot) SetWebhook(ctx context.Context, url string) (int, error) {
	resp, err := b.client.call(ctx, "set_webhook", b.token, webhookRequest{URL: url})
	return resp.Status, err
}

func fileMessage(file attachments.File) (Message, bool) {
	switch channel.KindOf(file.Name) {
	case channel.MediaImage:
		return Message{Type: "picture", Media: file.URL}, true
	case channel.MediaVideo:
		return Message{Type: "video", Media: file.URL, Size: file.Size}, true
	case channel.MediaDocument:
		return Message{Type: "file", Media: file.URL, FileName: file.Name, Size: file.Size}, true
	default:
		return Message{}, false
	}
}
