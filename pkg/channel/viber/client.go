// Package viber talks to the Viber REST bot API and the channel post API,
// which share one host and differ in how the token is passed.
package viber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://chatapi.viber.com/pa"
	// WebhookPath is appended to a dispatcher's url-prefix.
	WebhookPath = "/viber_webhook"

	authHeader      = "X-Viber-Auth-Token"
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 1 << 20

	defaultRate  = rate.Limit(20)
	defaultBurst = 5
)

// StatusOK is the API status for a successful call.
const StatusOK = 0

// Sender is the author shown for bot messages.
type Sender struct {
	Name string `json:"name"`
}

// Message is a bot broadcast, a channel post or a webhook reply.
type Message struct {
	AuthToken     string   `json:"auth_token,omitempty"`
	BroadcastList []string `json:"broadcast_list,omitempty"`
	From          string   `json:"from,omitempty"`
	Type          string   `json:"type"`
	Sender        *Sender  `json:"sender,omitempty"`
	Text          string   `json:"text,omitempty"`
	Media         string   `json:"media,omitempty"`
	Size          int64    `json:"size,omitempty"`
	FileName      string   `json:"file_name,omitempty"`
}

// Member is one channel member as listed by get_account_info.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Response carries the fields of API replies the bridge reads.
type Response struct {
	Status        int      `json:"status"`
	StatusMessage string   `json:"status_message"`
	Members       []Member `json:"members,omitempty"`
}

// OK reports whether the API accepted the call.
func (r Response) OK() bool {
	return r.Status == StatusOK
}

// ErrStatus matches every StatusError.
var ErrStatus = errors.New("viber api rejected the call")

// StatusError is a reply with a non-zero status.
type StatusError struct {
	Method  string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("viber %s: status %d (%s)", e.Method, e.Status, e.Message)
}

func (e *StatusError) Unwrap() error {
	return ErrStatus
}

// Err returns nil for an accepted call, otherwise a *StatusError.
func (r Response) Err(method string) error {
	if r.OK() {
		return nil
	}

	return &StatusError{Method: method, Status: r.Status, Message: r.StatusMessage}
}

type webhookRequest struct {
	AuthToken string `json:"auth_token,omitempty"`
	URL       string `json:"url"`
}

type accountRequest struct {
	AuthToken string `json:"auth_token"`
}

// Client posts JSON to the Viber API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewClient uses DefaultBaseURL when baseURL is empty.
func NewClient(baseURL string, httpClient *http.Client, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(defaultRate, defaultBurst),
		log:     log.With("component", "channel.viber"),
	}
}

// call posts payload to method. token, when set, goes into the bot API
// header; channel calls carry it in the payload instead.
func (c *Client) call(ctx context.Context, method string, token string, payload any) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{Status: -1}, fmt.Errorf("encode %s request: %w", method, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return Response{Status: -1}, fmt.Errorf("call %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return Response{Status: -1}, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(authHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{Status: -1}, fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Response{Status: -1}, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{Status: -1}, fmt.Errorf("call %s: unexpected HTTP status %d", method, resp.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{Status: -1}, fmt.Errorf("decode %s response: %w", method, err)
	}

	c.log.Debug("Viber call", "method", method, "status", out.Status, "status_message", out.StatusMessage)
	return out, nil
}
