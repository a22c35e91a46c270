package viber

import (
	"context"
	"errors"
	"sync"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/channel"
)

const superAdminRole = "superadmin"

// ErrNoSuperAdmin is returned when the account lists no super admin.
var ErrNoSuperAdmin = errors.New("viber channel has no superadmin member")

// Chat posts to a Viber channel as its super admin.
type Chat struct {
	client     *Client
	token      string
	admin      string
	webhookURL string

	once sync.Once
	from string
	err  error
}

// Chat binds a channel token. admin, when set, skips the account lookup.
// webhookURL is registered when the first lookup fails.
func (c *Client) Chat(token string, admin string, webhookURL string) *Chat {
	return &Chat{client: c, token: token, admin: admin, webhookURL: webhookURL}
}

func (ch *Chat) Name() string {
	return "viber-chat"
}

// ResolveSender finds the member id posts are sent from. The result is
// cached for the lifetime of the Chat.
func (ch *Chat) ResolveSender(ctx context.Context) (string, error) {
	ch.once.Do(func() {
		ch.from, ch.err = ch.resolve(ctx)
	})

	return ch.from, ch.err
}

func (ch *Chat) resolve(ctx context.Context) (string, error) {
	if ch.admin != "" {
		return ch.admin, nil
	}

	resp, err := ch.client.call(ctx, "get_account_info", "", accountRequest{AuthToken: ch.token})
	if err != nil || !resp.OK() {
		ch.client.log.Info("Account lookup failed, registering webhook", "status", resp.Status, "error", err)
		if _, err := ch.SetWebhook(ctx, ch.webhookURL); err != nil {
			ch.client.log.Warn("Viber channel webhook registration failed", "error", err)
		}
		resp, err = ch.client.call(ctx, "get_account_info", "", accountRequest{AuthToken: ch.token})
		if err != nil {
			return "", err
		}
		if err := resp.Err("get_account_info"); err != nil {
			return "", err
		}
	}

	id := ""
	for _, member := range resp.Members {
		if member.Role == superAdminRole {
			id = member.ID
		}
	}
	if id == "" {
		return "", ErrNoSuperAdmin
	}

	ch.client.log.Info("Viber superadmin found", "id", id)
	return id, nil
}

// BroadcastText posts to the channel. recipients is ignored.
func (ch *Chat) BroadcastText(ctx context.Context, subject string, body string, _ []string) bool {
	return ch.post(ctx, Message{Type: "text", Text: channel.Text(subject, body)})
}

// BroadcastFile posts a picture, video or file. recipients is ignored.
func (ch *Chat) BroadcastFile(ctx context.Context, file attachments.File, _ []string) bool {
	msg, ok := fileMessage(file)
	if !ok {
		ch.client.log.Debug("Unsupported file type", "channel", ch.Name(), "name", file.Name)
		return false
	}

	return ch.post(ctx, msg)
}

func (ch *Chat) post(ctx context.Context, msg Message) bool {
	if ch.token == "" {
		return true
	}

	from, err := ch.ResolveSender(ctx)
	if err != nil {
		ch.client.log.Warn("Cannot post to viber channel", "error", err)
		return false
	}

	msg.AuthToken = ch.token
	msg.From = from
	resp, err := ch.client.call(ctx, "post", "", msg)
	if err != nil {
		ch.client.log.Warn("Viber post failed", "type", msg.Type, "error", err)
		return false
	}
	if !resp.OK() {
		ch.client.log.Warn("Viber post rejected", "type", msg.Type, "status", resp.Status, "status_message", resp.StatusMessage)
		return false
	}

	return true
}

// SetWebhook registers url for channel callbacks and returns the API status.
func (ch *Chat) SetWebhook(ctx context.Context, url string) (int, error) {
	resp, err := ch.client.call(ctx, "set_webhook", "", webhookRequest{AuthToken: ch.token, URL: url})
	return resp.Status, err
}
