package bridge

import (
	"context"
	"log/slog"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/classify"
	"mailbridge/pkg/config"
	"mailbridge/pkg/dispatch"
	"mailbridge/pkg/mailbox"
	"mailbridge/pkg/mailer"
	"mailbridge/pkg/metrics"
	"mailbridge/pkg/state"
)

// Confirmation replies, completed with the dispatcher address and a footer.
const (
	replyAlreadySubscribed = "Вы уже подписаны на рассылку от "
	replySubscribed        = "Вы подписались на рассылку от "
	replyUnsubscribed      = "Вы отписались от рассылки от "
	replyNotSubscribed     = "Вы не подписаны на рассылку от "
)

type subscription struct {
	address   string
	subscribe bool
}

// CheckMailboxes processes the mailboxes of every enabled dispatcher with an
// IMAP server: subscription requests are applied and confirmed, trusted
// mail is dispatched, and everything is moved out of the inbox. One
// dispatcher failing does not stop the others.
func (b *Bridge) CheckMailboxes(ctx context.Context) bool {
	dispatchers := b.Dispatchers()

	ok := true
	for _, name := range dispatchers.Names() {
		d := dispatchers[name]
		if !d.Enabled() || d.IMAP == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false
		}
		if !b.checkMailbox(ctx, name, d) {
			ok = false
		}
	}

	return ok
}

func (b *Bridge) checkMailbox(ctx context.Context, name string, d config.Dispatcher) (ok bool) {
	ok = true
	defer b.recoverStep("mailbox."+name, &ok)

	log := b.log.With("dispatcher", name)
	log.Debug("Checking dispatcher")

	server, err := mailbox.ParseServer(d.IMAP)
	if err != nil {
		log.Error("Invalid imap server", "imap", d.IMAP, "error", err)
		return false
	}

	control, err := b.dialMailbox(ctx, server, d.Email, d.Password, log)
	if err != nil {
		log.Error("Cannot open mailbox", "email", d.Email, "error", err)
		return false
	}
	defer control.Close()

	sender := mailer.NewSender(d.Email, log, b.newTransports(d, server, control)...)

	var subs []subscription
	var dispatches []*mailbox.Message
	srcEmail, srcPassword, separate := d.SourceMailbox()
	if !separate {
		log.Debug("Fetching mail from single address", "email", d.Email)
		subs, dispatches, ok = b.triage(ctx, log, name, control, classify.New(d.Sources))
	} else {
		log.Debug("Fetching subscription mail", "email", d.Email)
		subs, _, ok = b.triage(ctx, log, name, control, classify.New(nil))

		source, err := b.dialMailbox(ctx, server, srcEmail, srcPassword, log)
		if err != nil {
			log.Error("Cannot open source mailbox", "email", srcEmail, "error", err)
			ok = false
		} else {
			defer source.Close()
			log.Debug("Fetching source mail", "email", srcEmail)
			var sourceOK bool
			_, dispatches, sourceOK = b.triage(ctx, log, name, source, classify.New(d.Sources))
			ok = ok && sourceOK
		}
	}

	if !b.applySubscriptions(ctx, log, name, d, sender, subs) {
		ok = false
	}

	if len(dispatches) == 0 {
		return ok
	}

	doc, readOK := b.readState(ctx)
	ok = ok && readOK
	current := doc.Dispatcher(name)

	stager, err := attachments.NewStager(b.baseDir, d.AttachmentsDir, d.URLPrefix, log)
	if err != nil {
		log.Error("Cannot prepare attachments directory", "dir", d.AttachmentsDir, "error", err)
		return false
	}

	var mirror Mirror
	defer func() {
		if mirror != nil {
			_ = mirror.Close()
		}
	}()

	for _, msg := range dispatches {
		files, err := stager.Stage(msg.Attachments)
		if err != nil {
			log.Error("Failed to store attachments", "subject", msg.Subject, "error", err)
			ok = false
			files = nil
		}

		if len(files) > 0 && d.FTP != nil {
			if mirror == nil {
				mirror, err = b.newMirror(ctx, *d.FTP)
				if err != nil {
					log.Error("Cannot connect to ftp mirror", "host", d.FTP.Host, "error", err)
					mirror = nil
					ok = false
				}
			}
			if mirror != nil {
				if err := mirror.Upload(ctx, files); err != nil {
					log.Error("Failed to mirror attachments", "error", err)
					ok = false
				}
			}
		}

		content := dispatch.Content{
			Subject: "(" + d.Subject + ") " + msg.Subject,
			Text:    msg.Text,
			Files:   files,
		}
		if content.Text == "" {
			content.Text = msg.HTML
		}
		b.dispatch(ctx, name, d, current, content, sender)
	}

	return ok
}

// triage fetches the inbox, classifies every message, moves it to its folder
// and expunges.
func (b *Bridge) triage(ctx context.Context, log *slog.Logger, name string, box mailbox.Mailbox, classifier *classify.Classifier) ([]subscription, []*mailbox.Message, bool) {
	messages, err := box.Fetch(ctx)
	if err != nil {
		log.Error("Failed to fetch mail", "error", err)
		return nil, nil, false
	}

	ok := true
	var subs []subscription
	var dispatches []*mailbox.Message
	for _, msg := range messages {
		result := classifier.Classify(msg.From, classify.Body(msg.Text, msg.HTML))
		metrics.RecordMail(name, result.Disposition.String())
		log.Debug("Classified mail", "from", result.Sender, "subject", msg.Subject, "disposition", result.Disposition)

		switch result.Disposition {
		case classify.Subscribe, classify.Unsubscribe:
			if result.Sender != "" {
				subs = append(subs, subscription{address: result.Sender, subscribe: result.Disposition == classify.Subscribe})
			}
		case classify.Dispatch:
			dispatches = append(dispatches, msg)
		}

		if err := box.Move(ctx, msg.UID, result.Disposition.Folder()); err != nil {
			log.Warn("Failed to move mail", "uid", msg.UID, "folder", result.Disposition.Folder(), "error", err)
			ok = false
		}
	}

	if len(messages) > 0 {
		if err := box.Expunge(ctx); err != nil {
			log.Warn("Failed to expunge mailbox", "error", err)
			ok = false
		}
	}

	return subs, dispatches, ok
}

// applySubscriptions records the requests and confirms each one by mail.
// The confirmation text depends on the membership before this batch.
func (b *Bridge) applySubscriptions(ctx context.Context, log *slog.Logger, name string, d config.Dispatcher, sender *mailer.Sender, subs []subscription) bool {
	if len(subs) == 0 {
		return true
	}

	doc, ok := b.readState(ctx)
	before := doc.Dispatcher(name)

	var cs state.ChangeSet
	for _, sub := range subs {
		member := before.HasMailSubscriber(sub.address)

		var reply string
		if sub.subscribe {
			log.Info("Subscribing address", "address", sub.address)
			cs = append(cs, state.Insert(name, state.KeyMailSubscribers, sub.address))
			b.publishSubscription(ctx, name, "email", "subscribe", sub.address)
			reply = replySubscribed
			if member {
				reply = replyAlreadySubscribed
			}
			reply += d.Email + dispatch.UnsubscribeFooter
		} else {
			log.Info("Unsubscribing address", "address", sub.address)
			cs = append(cs, state.Remove(name, state.KeyMailSubscribers, sub.address))
			b.publishSubscription(ctx, name, "email", "unsubscribe", sub.address)
			reply = replyNotSubscribed
			if member {
				reply = replyUnsubscribed
			}
			reply += d.Email + dispatch.SubscribeFooter
		}

		if err := sender.Send(ctx, sub.address, d.Subject, reply, nil); err != nil {
			log.Error("Failed to send confirmation", "to", sub.address, "error", err)
			ok = false
		}
	}

	if !b.updateState(ctx, cs) {
		ok = false
	}

	return ok
}
