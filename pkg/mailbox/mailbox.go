// Package mailbox reads and triages inbound mail over IMAP.
package mailbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/jhillyerd/enmime/v2"
)

const inboxFolder = "INBOX"

// SentFolder is where copies of outbound mail are filed.
const SentFolder = "Sent"

// Message is one parsed inbound mail.
type Message struct {
	UID         imap.UID
	From        string
	Subject     string
	Text        string
	HTML        string
	Date        time.Time
	Attachments []Attachment
}

// Attachment is a file part of a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Mailbox is an open session on one account's INBOX.
type Mailbox interface {
	// Fetch returns all INBOX messages ordered by date, oldest first.
	Fetch(ctx context.Context) ([]*Message, error)
	Move(ctx context.Context, uid imap.UID, folder string) error
	Expunge(ctx context.Context) error
	// Append files a raw message into folder, marked as seen.
	Append(ctx context.Context, folder string, raw []byte) error
	Close() error
}

// Dialer opens a mailbox session.
type Dialer func(ctx context.Context, server Server, username, password string, log *slog.Logger) (Mailbox, error)

// Server is a parsed "host:port/flag/flag" IMAP address.
type Server struct {
	Host          string
	Port          int
	TLS           bool
	StartTLS      bool
	SkipTLSVerify bool
}

// Addr returns host:port.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ParseServer parses addresses such as "imap.example.com:993/imap/ssl" or
// "{mail.example.com:143/notls}INBOX". Without flags, port 993 implies TLS and
// any other port uses STARTTLS.
func ParseServer(raw string) (Server, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "{")
	if idx := strings.Index(value, "}"); idx >= 0 {
		value = value[:idx]
	}
	if value == "" {
		return Server{}, errors.New("imap address is empty")
	}

	parts := strings.Split(value, "/")
	server := Server{Host: parts[0], Port: 993}
	if host, port, err := net.SplitHostPort(parts[0]); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Server{}, fmt.Errorf("invalid imap port %q", port)
		}
		server.Host, server.Port = host, p
	}
	if server.Host == "" {
		return Server{}, fmt.Errorf("imap address %q has no host", raw)
	}

	flags := parts[1:]
	switch {
	case slices.Contains(flags, "ssl"):
		server.TLS = true
	case slices.Contains(flags, "notls"):
	case slices.Contains(flags, "tls"):
		server.StartTLS = true
	default:
		server.TLS = server.Port == 993
		server.StartTLS = !server.TLS
	}
	server.SkipTLSVerify = slices.Contains(flags, "novalidate-cert")

	return server, nil
}

type session struct {
	client *imapclient.Client
	log    *slog.Logger
}

// Dial connects, logs in and selects INBOX.
func Dial(ctx context.Context, server Server, username, password string, log *slog.Logger) (Mailbox, error) {
	if log == nil {
		log = slog.Default()
	}

	options := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: server.Host, InsecureSkipVerify: server.SkipTLSVerify},
	}

	var client *imapclient.Client
	var err error
	switch {
	case server.TLS:
		client, err = imapclient.DialTLS(server.Addr(), options)
	case server.StartTLS:
		client, err = imapclient.DialStartTLS(server.Addr(), options)
	default:
		client, err = imapclient.DialInsecure(server.Addr(), options)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", server.Addr(), err)
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(username, password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("login as %s: %w", username, err)
	}

	if _, err := client.Select(inboxFolder, nil).Wait(); err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return nil, fmt.Errorf("select %s: %w", inboxFolder, err)
	}

	return &session{client: client, log: log.With("component", "mailbox", "account", username)}, nil
}

func (s *session) Fetch(ctx context.Context) ([]*Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	messages := make([]*Message, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			s.log.Warn("Failed to collect message", "error", err)
			continue
		}

		parsed, err := Parse(buf.FindBodySection(bodySection))
		if err != nil {
			s.log.Warn("Failed to parse message", "uid", buf.UID, "error", err)
			parsed = &Message{}
		}
		parsed.UID = buf.UID
		if parsed.Date.IsZero() {
			parsed.Date = buf.InternalDate
		}
		messages = append(messages, parsed)
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, fmt.Errorf("fetch messages: %w", err)
	}

	slices.SortStableFunc(messages, func(a, b *Message) int {
		return a.Date.Compare(b.Date)
	})

	return messages, nil
}

func (s *session) Move(ctx context.Context, uid imap.UID, folder string) error {
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	if _, err := s.client.Move(imap.UIDSetNum(uid), folder).Wait(); err != nil {
		return fmt.Errorf("move message %d to %s: %w", uid, folder, err)
	}

	return nil
}

func (s *session) Expunge(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}

	return nil
}

func (s *session) Append(ctx context.Context, folder string, raw []byte) error {
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	appendCmd := s.client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagSeen},
		Time:  time.Now(),
	})
	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return fmt.Errorf("append to %s: %w", folder, err)
	}
	if err := appendCmd.Close(); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}

	return nil
}

func (s *session) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		s.log.Debug("Logout failed", "error", err)
	}

	return s.client.Close()
}

// Parse decodes a raw RFC 5322 message.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty message body")
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	msg := &Message{
		From:    env.GetHeader("From"),
		Subject: env.GetHeader("Subject"),
		Text:    env.Text,
		HTML:    env.HTML,
	}
	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = date
	}

	for _, part := range slices.Concat(env.Attachments, env.Inlines) {
		if part.FileName == "" && part.Disposition != "attachment" {
			continue
		}
		msg.Attachments = append(msg.Attachments, Attachment{
			Name:        part.FileName,
			ContentType: part.ContentType,
			Data:        part.Content,
		})
	}

	return msg, nil
}
