package bridge

import (
	"context"
	"strconv"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/channel/email"
	"mailbridge/pkg/config"
	"mailbridge/pkg/dispatch"
	"mailbridge/pkg/mailbox"
	"mailbridge/pkg/mailer"
	"mailbridge/pkg/state"
)

// dispatch fans content out to the Viber bot, the Viber channel and
// Telegram in that order, then mails the subscribers.
func (b *Bridge) dispatch(ctx context.Context, name string, d config.Dispatcher, current state.DispatcherState, content dispatch.Content, sender *mailer.Sender) dispatch.Report {
	log := b.log.With("dispatcher", name)
	client := b.viberClient()

	var targets []dispatch.Target
	if d.ViberBot != "" {
		targets = append(targets, dispatch.Target{Adapter: client.Bot(d.ViberBot, name), Recipients: current.ViberBotSubscribers})
	}
	if d.ViberChat != "" {
		targets = append(targets, dispatch.Target{Adapter: client.Chat(d.ViberChat, d.ViberChatAdmin, d.WebhookURL())})
	}
	if d.TelegramBot != "" {
		tg, err := b.newTelegram(d.TelegramBot)
		if err != nil {
			log.Error("Cannot create telegram client", "error", err)
		} else {
			chats := make([]string, 0, len(current.TelegramSubscribers))
			for _, id := range current.TelegramSubscribers {
				chats = append(chats, formatInt(id))
			}
			targets = append(targets, dispatch.Target{Adapter: tg, Recipients: chats})
		}
	}

	var mail *dispatch.MailTarget
	if sender != nil {
		mail = &dispatch.MailTarget{Composer: email.NewAdapter(sender, log), Recipients: current.MailSubscribers}
	}

	return b.dispatcher.Dispatch(ctx, name, content, targets, mail)
}

// Dispatch sends a message with local files through every channel of one
// dispatcher, outside the poll cycle. The mailbox is opened only to submit
// mail when the dispatcher has one.
func (b *Bridge) Dispatch(ctx context.Context, identity string, subject string, text string, paths []string) (dispatch.Report, error) {
	d, found := b.Dispatchers()[identity]
	if !found {
		return dispatch.Report{}, ErrUnknownDispatcher(identity)
	}

	log := b.log.With("dispatcher", identity)
	doc, err := b.store.Read(ctx)
	if err != nil {
		return dispatch.Report{}, err
	}

	var server mailbox.Server
	var box mailbox.Mailbox
	if d.IMAP != "" {
		server, err = mailbox.ParseServer(d.IMAP)
		if err != nil {
			return dispatch.Report{}, err
		}
		box, err = b.dialMailbox(ctx, server, d.Email, d.Password, log)
		if err != nil {
			log.Warn("Cannot open mailbox, mail goes through smtp only", "error", err)
			box = nil
		} else {
			defer box.Close()
		}
	}

	var files []attachments.File
	if len(paths) > 0 {
		stager, err := attachments.NewStager(b.baseDir, d.AttachmentsDir, d.URLPrefix, log)
		if err != nil {
			return dispatch.Report{}, err
		}
		files, err = stager.StageFiles(paths)
		if err != nil {
			return dispatch.Report{}, err
		}
	}

	var sender *mailer.Sender
	if transports := b.newTransports(d, server, box); len(transports) > 0 {
		sender = mailer.NewSender(d.Email, log, transports...)
	}

	content := dispatch.Content{Subject: subject, Text: text, Files: files}
	return b.dispatch(ctx, identity, d, doc.Dispatcher(identity), content, sender), nil
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
