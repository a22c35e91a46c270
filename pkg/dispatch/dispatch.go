// Package dispatch fans one message out to every configured channel of a
// dispatcher, isolating channels from each other's failures.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/bus"
	"mailbridge/pkg/channel"
	"mailbridge/pkg/metrics"
)

const separator = "\n------------------------\n"

// Footers appended to mail so readers know how to change their subscription.
const (
	UnsubscribeFooter = separator + "Для отписки от рассылки отправьте в ответном сообщении слово \"unsubscribe\" или \"отписаться\""
	SubscribeFooter   = separator + "Для подписки на рассылку отправьте в ответном сообщении слово \"subscribe\" или \"подписаться\""
)

// Content is one message to dispatch. Files may end with an archive of the
// other files.
type Content struct {
	Subject string
	Text    string
	Files   []attachments.File
}

// split separates loose files from the archive.
func (c Content) split() ([]attachments.File, *attachments.File) {
	loose := make([]attachments.File, 0, len(c.Files))
	var archive *attachments.File
	for i := range c.Files {
		if c.Files[i].Archive {
			archive = &c.Files[i]
			continue
		}
		loose = append(loose, c.Files[i])
	}

	return loose, archive
}

// Target is a messenger adapter with its audience.
type Target struct {
	Adapter    channel.Adapter
	Recipients []string
}

// MailTarget is the mail composer with the subscriber addresses.
type MailTarget struct {
	Composer   channel.Composer
	Recipients []string
}

// ChannelReport is the delivery outcome of one broadcast channel.
type ChannelReport struct {
	Channel     string
	TextSent    bool
	FilesSent   int
	FilesTotal  int
	ArchiveUsed bool
	ArchiveSent bool
	Err         string
}

// OK reports whether everything reached at least one recipient.
func (r ChannelReport) OK() bool {
	return r.Err == "" && r.TextSent && (r.FilesSent == r.FilesTotal || r.ArchiveSent)
}

// MailReport counts subscriber mails handed to the composer.
type MailReport struct {
	Recipients int
	Delivered  int
	Err        string
}

// Report collects the outcome of one dispatch across all targets.
type Report struct {
	Dispatcher string
	Subject    string
	Channels   []ChannelReport
	Mail       *MailReport
}

// Failed lists the channels that did not fully deliver.
func (r Report) Failed() []string {
	var failed []string
	for _, ch := range r.Channels {
		if !ch.OK() {
			failed = append(failed, ch.Channel)
		}
	}
	if r.Mail != nil && (r.Mail.Err != "" || r.Mail.Delivered < r.Mail.Recipients) {
		failed = append(failed, "email")
	}

	return failed
}

// Dispatcher fans one dispatch out to channels and mail subscribers.
type Dispatcher struct {
	events bus.Publisher
	log    *slog.Logger
}

// New returns a Dispatcher. Nil events and log fall back to bus.Discard and
// slog.Default.
func New(events bus.Publisher, log *slog.Logger) *Dispatcher {
	if events == nil {
		events = bus.Discard
	}
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{events: events, log: log.With("component", "dispatch")}
}

// Dispatch sends content to each broadcast target in order, then mails it
// with the unsubscribe footer. It never fails as a whole; per-channel
// outcomes are in the report.
func (d *Dispatcher) Dispatch(ctx context.Context, identity string, content Content, broadcast []Target, mail *MailTarget) Report {
	log := d.log.With("dispatcher", identity)
	log.Info("Dispatching message", "subject", content.Subject, "files", len(content.Files))

	report := Report{Dispatcher: identity, Subject: content.Subject}
	for _, target := range broadcast {
		if target.Adapter == nil {
			continue
		}
		ch := d.toChannel(ctx, log, identity, content, target)
		report.Channels = append(report.Channels, ch)
		d.publishChannel(ctx, identity, ch)
	}

	if mail != nil && mail.Composer != nil {
		report.Mail = d.toMail(ctx, log, identity, content, *mail)
	}

	d.events.PublishEvent(ctx, bus.Event{
		Type:       bus.EventDispatchCompleted,
		Dispatcher: identity,
		Payload: map[string]string{
			"subject":  content.Subject,
			"channels": strconv.Itoa(len(report.Channels)),
			"failed":   strconv.Itoa(len(report.Failed())),
		},
	})

	return report
}

func (d *Dispatcher) toChannel(ctx context.Context, log *slog.Logger, identity string, content Content, target Target) (report ChannelReport) {
	name := target.Adapter.Name()
	report.Channel = name
	log = log.With("channel", name)

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordPanic("dispatch." + name)
			report.Err = fmt.Sprintf("panic: %v", r)
			log.Error("Channel panicked", "panic", r)
		}
	}()

	report.TextSent = target.Adapter.BroadcastText(ctx, content.Subject, content.Text, target.Recipients)
	metrics.RecordDelivery(identity, name, "text", report.TextSent)
	if !report.TextSent {
		log.Warn("Text broadcast failed")
	}

	loose, archive := content.split()
	report.FilesTotal = len(loose)
	for _, file := range loose {
		ok := target.Adapter.BroadcastFile(ctx, file, target.Recipients)
		metrics.RecordDelivery(identity, name, channel.KindOf(file.Name).String(), ok)
		if ok {
			report.FilesSent++
		}
	}
	if report.FilesTotal > 0 {
		log.Info("Files sent", "sent", report.FilesSent, "total", report.FilesTotal)
	}

	if report.FilesSent < report.FilesTotal && archive != nil {
		report.ArchiveUsed = true
		report.ArchiveSent = target.Adapter.BroadcastFile(ctx, *archive, target.Recipients)
		metrics.RecordArchiveFallback(identity, name)
		metrics.RecordDelivery(identity, name, "archive", report.ArchiveSent)
		log.Info("Sent archive instead of missing files", "archive", archive.Name, "ok", report.ArchiveSent)
	}

	return report
}

func (d *Dispatcher) toMail(ctx context.Context, log *slog.Logger, identity string, content Content, target MailTarget) (report *MailReport) {
	report = &MailReport{Recipients: len(target.Recipients)}

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordPanic("dispatch.email")
			report.Err = fmt.Sprintf("panic: %v", r)
			log.Error("Mail dispatch panicked", "panic", r)
		}
	}()

	report.Delivered = target.Composer.BroadcastMessage(ctx, content.Subject, content.Text+UnsubscribeFooter, content.Files, target.Recipients)
	for i := 0; i < report.Recipients; i++ {
		metrics.RecordDelivery(identity, "email", "mail", i < report.Delivered)
	}
	log.Info("Mailed subscribers", "delivered", report.Delivered, "recipients", report.Recipients)

	return report
}

func (d *Dispatcher) publishChannel(ctx context.Context, identity string, report ChannelReport) {
	event := bus.Event{
		Type:       bus.EventChannelDelivered,
		Dispatcher: identity,
		Channel:    report.Channel,
		Payload: map[string]string{
			"files_sent":  strconv.Itoa(report.FilesSent),
			"files_total": strconv.Itoa(report.FilesTotal),
			"archive":     strconv.FormatBool(report.ArchiveUsed),
		},
	}
	if !report.OK() {
		event.Type = bus.EventChannelFailed
		event.Error = report.Err
	}

	d.events.PublishEvent(ctx, event)
}
