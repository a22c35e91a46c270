package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/config"
	"mailbridge/pkg/mailbox"
)

const submissionPort = 587

// ErrNoTransport is returned when a sender has nothing to deliver through.
var ErrNoTransport = errors.New("no mail transport configured")

// Transport delivers an encoded message.
type Transport interface {
	Name() string
	Send(ctx context.Context, from string, to []string, raw []byte) error
}

// SMTPTransport submits through an SMTP server with implicit TLS, STARTTLS
// or plain text, depending on the configuration.
type SMTPTransport struct {
	cfg config.SMTPConfig
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	return &SMTPTransport{cfg: cfg}
}

func (t *SMTPTransport) Name() string {
	return "smtp"
}

func (t *SMTPTransport) addr() string {
	port := t.cfg.Port
	if port <= 0 {
		switch {
		case t.cfg.SSL.Enabled:
			port = 465
		case t.cfg.TLS.Enabled:
			port = submissionPort
		default:
			port = 25
		}
	}

	return net.JoinHostPort(t.cfg.Host, strconv.Itoa(port))
}

func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	addr := t.addr()

	var client *smtp.Client
	var err error
	switch {
	case t.cfg.SSL.Enabled:
		client, err = smtp.DialTLS(addr, &tls.Config{ServerName: t.cfg.Host, InsecureSkipVerify: !t.cfg.SSL.VerifyPeer})
	case t.cfg.TLS.Enabled:
		client, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: t.cfg.Host, InsecureSkipVerify: !t.cfg.TLS.VerifyPeer})
	default:
		client, err = smtp.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if t.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return fmt.Errorf("authenticate as %s: %w", t.cfg.Username, err)
		}
	}

	if err := client.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}

	return client.Quit()
}

// MailboxTransport submits with the mailbox account's own credentials through
// the submission port of the mailbox host and files a copy in Sent.
type MailboxTransport struct {
	submit *SMTPTransport
	box    mailbox.Mailbox
	log    *slog.Logger
}

func NewMailboxTransport(server mailbox.Server, username, password string, box mailbox.Mailbox, log *slog.Logger) *MailboxTransport {
	if log == nil {
		log = slog.Default()
	}

	return &MailboxTransport{
		submit: NewSMTPTransport(config.SMTPConfig{
			Host:     server.Host,
			Port:     submissionPort,
			Username: username,
			Password: password,
			TLS:      config.TLSOptions{Enabled: true, VerifyPeer: !server.SkipTLSVerify},
		}),
		box: box,
		log: log.With("component", "mailer.mailbox"),
	}
}

func (t *MailboxTransport) Name() string {
	return "mailbox"
}

func (t *MailboxTransport) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if err := t.submit.Send(ctx, from, to, raw); err != nil {
		return err
	}

	if t.box != nil {
		if err := t.box.Append(ctx, mailbox.SentFolder, raw); err != nil {
			t.log.Warn("Failed to file sent copy", "error", err)
		}
	}

	return nil
}

// Sender composes messages and tries each transport in order until one
// accepts the message.
type Sender struct {
	from       string
	transports []Transport
	now        func() time.Time
	log        *slog.Logger
}

func NewSender(from string, log *slog.Logger, transports ...Transport) *Sender {
	if log == nil {
		log = slog.Default()
	}

	return &Sender{
		from:       from,
		transports: transports,
		now:        time.Now,
		log:        log.With("component", "mailer"),
	}
}

// Send delivers one message to one recipient.
func (s *Sender) Send(ctx context.Context, to string, subject string, body string, files []attachments.File) error {
	if len(s.transports) == 0 {
		return ErrNoTransport
	}

	raw, err := Compose(Message{From: s.from, To: to, Subject: subject, Body: body, Files: files}, s.now())
	if err != nil {
		return err
	}

	var errs []error
	for _, transport := range s.transports {
		err := transport.Send(ctx, s.from, []string{to}, raw)
		if err == nil {
			s.log.Debug("Mail sent", "to", to, "transport", transport.Name())
			return nil
		}
		s.log.Warn("Mail transport failed", "to", to, "transport", transport.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", transport.Name(), err))
	}

	return errors.Join(errs...)
}
