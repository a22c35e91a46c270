// Package bridge wires configuration, state, mailboxes and channels into the
// entry points run by the poll cycle, the webhook endpoint and the CLI.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"mailbridge/pkg/attachments"
	"mailbridge/pkg/bus"
	"mailbridge/pkg/channel"
	"mailbridge/pkg/channel/telegram"
	"mailbridge/pkg/channel/viber"
	"mailbridge/pkg/config"
	"mailbridge/pkg/dispatch"
	"mailbridge/pkg/mailbox"
	"mailbridge/pkg/mailer"
	"mailbridge/pkg/metrics"
	"mailbridge/pkg/state"
)

// TelegramClient is a Telegram adapter that can also read updates.
type TelegramClient interface {
	channel.Adapter
	Updates(ctx context.Context, offset int, allowed []string) ([]telegram.Update, error)
}

// Mirror copies staged attachments somewhere public.
type Mirror interface {
	Upload(ctx context.Context, files []attachments.File) error
	Close() error
}

// Options configure a Bridge. Zero-valued factories use the real clients.
type Options struct {
	Dispatchers config.Dispatchers
	Store       *state.Store
	// BaseDir resolves relative attachment directories.
	BaseDir    string
	HTTPClient *http.Client
	Events     bus.Publisher
	Log        *slog.Logger

	ViberBaseURL      string
	TelegramAPIServer string

	DialMailbox   mailbox.Dialer
	NewTelegram   func(token string) (TelegramClient, error)
	NewMirror     func(ctx context.Context, cfg config.FTPConfig) (Mirror, error)
	NewTransports func(d config.Dispatcher, server mailbox.Server, box mailbox.Mailbox) []mailer.Transport
}

type Bridge struct {
	mu          sync.RWMutex
	dispatchers config.Dispatchers

	store      *state.Store
	baseDir    string
	httpClient *http.Client
	events     bus.Publisher
	dispatcher *dispatch.Dispatcher
	log        *slog.Logger

	viberBaseURL  string
	dialMailbox   mailbox.Dialer
	newTelegram   func(token string) (TelegramClient, error)
	newMirror     func(ctx context.Context, cfg config.FTPConfig) (Mirror, error)
	newTransports func(d config.Dispatcher, server mailbox.Server, box mailbox.Mailbox) []mailer.Transport
}

func New(opts Options) *Bridge {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	events := opts.Events
	if events == nil {
		events = bus.Discard
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	b := &Bridge{
		dispatchers:   opts.Dispatchers,
		store:         opts.Store,
		baseDir:       opts.BaseDir,
		httpClient:    httpClient,
		events:        events,
		dispatcher:    dispatch.New(events, log),
		log:           log.With("component", "bridge"),
		viberBaseURL:  opts.ViberBaseURL,
		dialMailbox:   opts.DialMailbox,
		newTelegram:   opts.NewTelegram,
		newMirror:     opts.NewMirror,
		newTransports: opts.NewTransports,
	}

	if b.dialMailbox == nil {
		b.dialMailbox = mailbox.Dial
	}
	if b.newTelegram == nil {
		apiServer := opts.TelegramAPIServer
		b.newTelegram = func(token string) (TelegramClient, error) {
			adapter, err := telegram.NewAdapter(token, telegram.Options{APIServer: apiServer, HTTPClient: httpClient}, log)
			if err != nil {
				return nil, err
			}
			return adapter, nil
		}
	}
	if b.newMirror == nil {
		b.newMirror = func(ctx context.Context, cfg config.FTPConfig) (Mirror, error) {
			mirror, err := attachments.DialMirror(ctx, cfg, log)
			if err != nil {
				return nil, err
			}
			return mirror, nil
		}
	}
	if b.newTransports == nil {
		b.newTransports = func(d config.Dispatcher, server mailbox.Server, box mailbox.Mailbox) []mailer.Transport {
			return defaultTransports(d, server, box, log)
		}
	}

	return b
}

// defaultTransports prefers the configured SMTP relay and falls back to
// submitting through the mailbox account.
func defaultTransports(d config.Dispatcher, server mailbox.Server, box mailbox.Mailbox, log *slog.Logger) []mailer.Transport {
	var transports []mailer.Transport
	if d.SMTP != nil {
		transports = append(transports, mailer.NewSMTPTransport(*d.SMTP))
	}
	if server.Host != "" {
		transports = append(transports, mailer.NewMailboxTransport(server, d.Email, d.Password, box, log))
	}

	return transports
}

// SetDispatchers swaps the configuration used by subsequent entry points.
func (b *Bridge) SetDispatchers(d config.Dispatchers) {
	b.mu.Lock()
	b.dispatchers = d
	b.mu.Unlock()
}

func (b *Bridge) Dispatchers() config.Dispatchers {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dispatchers
}

// RunCycle runs the webhook check, the Telegram update check and the mailbox
// check in that order. A failing step never prevents the next one.
func (b *Bridge) RunCycle(ctx context.Context) bool {
	cycleID := uuid.NewString()
	ctx = withCycle(ctx, cycleID)
	log := b.log.With("cycle_id", cycleID)
	log.Debug("Cycle started")
	b.events.PublishEvent(ctx, bus.Event{Type: bus.EventCycleStarted, CycleID: cycleID})

	start := time.Now()
	ok := true
	steps := []struct {
		name string
		run  func(context.Context) bool
	}{
		{name: "webhooks", run: func(ctx context.Context) bool {
			report, ok := b.CheckWebhooks(ctx, false)
			log.Debug("Webhook check", "report", report)
			return ok
		}},
		{name: "telegram", run: b.CheckTelegramUpdates},
		{name: "mailboxes", run: b.CheckMailboxes},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			log.Warn("Cycle interrupted", "error", err)
			return false
		}

		stepStart := time.Now()
		stepOK := step.run(ctx)
		metrics.RecordStep(step.name, stepOK, time.Since(stepStart))
		if !stepOK {
			ok = false
			b.events.PublishEvent(ctx, bus.Event{Type: bus.EventStepFailed, CycleID: cycleID, Payload: map[string]string{"step": step.name}})
		}
	}

	b.events.PublishEvent(ctx, bus.Event{
		Type:    bus.EventCycleCompleted,
		CycleID: cycleID,
		Payload: map[string]string{
			"ok":          strconv.FormatBool(ok),
			"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
		},
	})
	log.Debug("Cycle completed", "ok", ok, "elapsed", time.Since(start))

	return ok
}

// recoverStep turns a panic in an entry point into a failed result.
func (b *Bridge) recoverStep(scope string, ok *bool) {
	if r := recover(); r != nil {
		metrics.RecordPanic(scope)
		b.log.Error("Recovered from panic", "scope", scope, "panic", r)
		*ok = false
	}
}

func (b *Bridge) readState(ctx context.Context) (state.Document, bool) {
	doc, err := b.store.Read(ctx)
	if err != nil {
		b.log.Error("Failed to read state", "path", b.store.Path(), "error", err)
		return doc, false
	}

	return doc, true
}

func (b *Bridge) updateState(ctx context.Context, cs state.ChangeSet) bool {
	if _, err := b.store.Update(ctx, cs); err != nil {
		b.log.Error("Failed to update state", "path", b.store.Path(), "error", err)
		return false
	}

	return true
}

func (b *Bridge) viberClient() *viber.Client {
	return viber.NewClient(b.viberBaseURL, b.httpClient, b.log)
}

func (b *Bridge) publishSubscription(ctx context.Context, dispatcher, channelName, action, subscriber string) {
	metrics.RecordSubscription(dispatcher, channelName, action)
	b.events.PublishEvent(ctx, bus.Event{
		Type:       bus.EventSubscriptionChanged,
		CycleID:    cycleFrom(ctx),
		Dispatcher: dispatcher,
		Channel:    channelName,
		Payload:    map[string]string{"action": action, "subscriber": subscriber},
	})
}

type cycleKey struct{}

func withCycle(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey{}, id)
}

func cycleFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey{}).(string)
	return id
}

// ErrUnknownDispatcher is returned for identities missing from the config.
type ErrUnknownDispatcher string

func (e ErrUnknownDispatcher) Error() string {
	return fmt.Sprintf("unknown dispatcher %q", string(e))
}
