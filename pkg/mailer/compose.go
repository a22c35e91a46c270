// Package mailer composes outbound mail and delivers it through an ordered
// list of transports.
package mailer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/gabriel-vasile/mimetype"

	"mailbridge/pkg/attachments"
)

// Message is an outbound mail before encoding.
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
	Files   []attachments.File
}

// Compose encodes msg as a MIME message with a UTF-8 text part and one
// attachment part per file.
func Compose(msg Message, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: msg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: msg.To}})
	h.SetSubject(msg.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("create text part: %w", err)
	}
	if _, err := io.WriteString(w, msg.Body); err != nil {
		return nil, fmt.Errorf("write text part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close text part: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close text part: %w", err)
	}

	for _, file := range msg.Files {
		if err := attach(mw, file); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}

	return buf.Bytes(), nil
}

func attach(mw *mail.Writer, file attachments.File) error {
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return fmt.Errorf("read attachment %s: %w", file.Name, err)
	}

	var ah mail.AttachmentHeader
	ah.Set("Content-Type", mimetype.Detect(data).String())
	ah.Set("Content-Transfer-Encoding", "base64")
	ah.SetFilename(file.Name)

	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", file.Name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write attachment %s: %w", file.Name, err)
	}

	return w.Close()
}
