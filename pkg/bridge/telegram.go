package bridge

import (
	"context"

	"mailbridge/pkg/channel/telegram"
	"mailbridge/pkg/state"
)

// CheckTelegramUpdates pulls pending bot updates for every enabled
// dispatcher with a Telegram token, applies membership changes and advances
// the cursor to the highest update id seen.
func (b *Bridge) CheckTelegramUpdates(ctx context.Context) (ok bool) {
	ok = true
	defer b.recoverStep("telegram", &ok)

	doc, _ := b.readState(ctx)
	dispatchers := b.Dispatchers()

	var cs state.ChangeSet
	for _, name := range dispatchers.Names() {
		d := dispatchers[name]
		if !d.Enabled() || d.TelegramBot == "" {
			continue
		}
		log := b.log.With("dispatcher", name)

		client, err := b.newTelegram(d.TelegramBot)
		if err != nil {
			log.Error("Cannot create telegram client", "error", err)
			ok = false
			continue
		}

		cursor := doc.Dispatcher(name).TelegramLastUpdateID
		updates, err := client.Updates(ctx, int(cursor+1), d.TelegramAllowedUpdates)
		if err != nil {
			log.Error("Failed to fetch telegram updates", "error", err)
			ok = false
			continue
		}
		if len(updates) == 0 {
			continue
		}
		log.Info("New telegram updates", "count", len(updates))

		latest := cursor
		for _, update := range updates {
			latest = max(latest, int64(update.ID))

			switch update.Change {
			case telegram.Subscribe:
				log.Info("Subscribing telegram chat", "chat_id", update.ChatID)
				cs = append(cs, state.Insert(name, state.KeyTelegramSubscribers, update.ChatID))
				b.publishSubscription(ctx, name, "telegram", "subscribe", formatInt(update.ChatID))
			case telegram.Unsubscribe:
				log.Info("Unsubscribing telegram chat", "chat_id", update.ChatID)
				cs = append(cs, state.Remove(name, state.KeyTelegramSubscribers, update.ChatID))
				b.publishSubscription(ctx, name, "telegram", "unsubscribe", formatInt(update.ChatID))
			}
		}
		if latest > cursor {
			cs = append(cs, state.Assign(name, state.KeyTelegramLastUpdateID, latest))
		}
	}

	if !b.updateState(ctx, cs) {
		ok = false
	}

	return ok
}
