package viber

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the callback body.
const SignatureHeader = "X-Viber-Content-Signature"

const (
	EventSubscribed          = "subscribed"
	EventUnsubscribed        = "unsubscribed"
	EventConversationStarted = "conversation_started"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Callback is the part of a webhook event the bridge acts on.
type Callback struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	UserID    string `json:"user_id"`
	User      *User  `json:"user,omitempty"`
}

// Subject returns the user an event refers to. subscribed and
// conversation_started carry a user object, unsubscribed only user_id.
func (c Callback) Subject() string {
	if c.User != nil && c.User.ID != "" {
		return c.User.ID
	}

	return c.UserID
}

func ParseCallback(body []byte) (Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Callback{}, fmt.Errorf("decode viber callback: %w", err)
	}

	return cb, nil
}

// Sign returns the signature Viber sends for body under token.
func Sign(body []byte, token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(body []byte, token string, signature string) bool {
	if token == "" || signature == "" {
		return false
	}

	return hmac.Equal([]byte(Sign(body, token)), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
