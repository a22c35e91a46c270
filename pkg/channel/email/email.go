// Package email delivers dispatches to mail subscribers, one message each.
package email

import (
	"context"
	"log/slog"

	"mailbridge/pkg/attachments"
)

// Sender delivers one message to one address.
type Sender interface {
	Send(ctx context.Context, to string, subject string, body string, files []attachments.File) error
}

type Adapter struct {
	sender Sender
	log    *slog.Logger
}

func NewAdapter(sender Sender, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{sender: sender, log: log.With("component", "channel.email")}
}

func (a *Adapter) Name() string {
	return "email"
}

// BroadcastMessage mails every recipient the body and the loose files. The
// archive is left out since every file is attached already.
func (a *Adapter) BroadcastMessage(ctx context.Context, subject string, body string, files []attachments.File, recipients []string) int {
	loose := make([]attachments.File, 0, len(files))
	for _, file := range files {
		if !file.Archive {
			loose = append(loose, file)
		}
	}

	a.log.Debug("Dispatching to mail subscribers", "recipients", len(recipients), "files", len(loose))

	sent := 0
	for _, recipient := range recipients {
		if err := ctx.Err(); err != nil {
			a.log.Warn("Mail dispatch interrupted", "sent", sent, "error", err)
			return sent
		}
		if err := a.sender.Send(ctx, recipient, subject, body, loose); err != nil {
			a.log.Error("Failed to mail subscriber", "to", recipient, "error", err)
			continue
		}
		sent++
	}

	return sent
}
