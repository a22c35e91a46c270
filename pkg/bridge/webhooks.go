package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"mailbridge/pkg/bus"
	"mailbridge/pkg/channel/viber"
	"mailbridge/pkg/state"
)

// CheckWebhooks registers the Viber bot and channel webhooks of every
// enabled dispatcher that is not registered yet, or of all of them when
// force is set. It returns a human-readable report and whether the
// outcomes were persisted.
func (b *Bridge) CheckWebhooks(ctx context.Context, force bool) (report string, ok bool) {
	ok = true
	defer b.recoverStep("webhooks", &ok)

	doc, _ := b.readState(ctx)
	client := b.viberClient()
	dispatchers := b.Dispatchers()

	var out strings.Builder
	var cs state.ChangeSet
	for _, name := range dispatchers.Names() {
		d := dispatchers[name]
		fmt.Fprintf(&out, "Checking Viber setup for <%s>\n", name)
		if !d.Enabled() {
			out.WriteString("    dispatcher is disabled\n")
			continue
		}
		current := doc.Dispatcher(name)

		switch {
		case d.ViberBot == "":
			out.WriteString("    bot token not set\n")
		case force || !current.ViberBotWebhooked:
			status, err := client.Bot(d.ViberBot, name).SetWebhook(ctx, d.WebhookURL())
			cs = append(cs, state.Assign(name, state.KeyViberBotWebhooked, err == nil && status == viber.StatusOK))
			b.publishWebhook(ctx, name, "viber-bot", status, err)
			fmt.Fprintf(&out, "    bot API webhook result: %d\n", status)
		default:
			out.WriteString("    bot API webhook already set\n")
		}

		switch {
		case d.ViberChat == "":
			out.WriteString("    chat post token not set\n")
		case force || !current.ViberChannelWebhooked:
			status, err := client.Chat(d.ViberChat, d.ViberChatAdmin, d.WebhookURL()).SetWebhook(ctx, d.WebhookURL())
			cs = append(cs, state.Assign(name, state.KeyViberChannelWebhooked, err == nil && status == viber.StatusOK))
			b.publishWebhook(ctx, name, "viber-chat", status, err)
			fmt.Fprintf(&out, "    chat post API webhook result: %d\n", status)
		default:
			out.WriteString("    chat post API webhook already set\n")
		}
	}

	if !b.updateState(ctx, cs) {
		ok = false
	}

	return out.String(), ok
}

func (b *Bridge) publishWebhook(ctx context.Context, dispatcher, channelName string, status int, err error) {
	event := bus.Event{
		Type:       bus.EventWebhookRegistered,
		CycleID:    cycleFrom(ctx),
		Dispatcher: dispatcher,
		Channel:    channelName,
		Payload:    map[string]string{"status": strconv.Itoa(status)},
	}
	if err != nil {
		event.Error = err.Error()
		b.log.Warn("Webhook registration failed", "dispatcher", dispatcher, "channel", channelName, "error", err)
	}

	b.events.PublishEvent(ctx, event)
}

// HandleViberWebhook applies a Viber bot callback to every enabled
// dispatcher whose bot token signs body to signature. It returns the
// applied change set and, for a conversation start by a non-subscriber,
// the welcome message to send back as the HTTP reply. Unsigned or
// malformed callbacks change nothing.
func (b *Bridge) HandleViberWebhook(ctx context.Context, signature string, body []byte) (cs state.ChangeSet, reply *viber.Message) {
	ok := true
	defer b.recoverStep("viber_webhook", &ok)

	callback, err := viber.ParseCallback(body)
	if err != nil {
		b.log.Warn("Ignoring malformed viber callback", "error", err)
		return nil, nil
	}

	doc, _ := b.readState(ctx)
	dispatchers := b.Dispatchers()
	for _, name := range dispatchers.Names() {
		d := dispatchers[name]
		if !d.Enabled() || d.ViberBot == "" || !viber.VerifySignature(body, d.ViberBot, signature) {
			continue
		}
		log := b.log.With("dispatcher", name, "event", callback.Event)
		log.Debug("Viber callback signature matched")

		current := doc.Dispatcher(name)
		user := callback.Subject()
		switch callback.Event {
		case viber.EventSubscribed:
			if user != "" && !current.HasViberBotSubscriber(user) {
				log.Info("Adding viber subscriber", "user", user)
				cs = append(cs, state.Insert(name, state.KeyViberBotSubscribers, user))
				b.publishSubscription(ctx, name, "viber-bot", "subscribe", user)
			}
		case viber.EventUnsubscribed:
			if current.HasViberBotSubscriber(user) {
				log.Info("Removing viber subscriber", "user", user)
				cs = append(cs, state.Remove(name, state.KeyViberBotSubscribers, user))
				b.publishSubscription(ctx, name, "viber-bot", "unsubscribe", user)
			}
		case viber.EventConversationStarted:
			if d.ViberBotWelcomeMessage != "" && !current.HasViberBotSubscriber(user) {
				reply = &viber.Message{
					Type:   "text",
					Sender: &viber.Sender{Name: name},
					Text:   d.ViberBotWelcomeMessage,
				}
			}
		}
	}

	b.updateState(ctx, cs)
	return cs, reply
}
