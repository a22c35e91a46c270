package state

import "strings"

// Keys of a dispatcher's entry in the state document.
const (
	KeyMailSubscribers       = "mailSubscribers"
	KeyTelegramSubscribers   = "telegramSubscribers"
	KeyViberBotSubscribers   = "viberBotSubscribers"
	KeyTelegramLastUpdateID  = "telegramLastUpdateId"
	KeyViberBotWebhooked     = "viberBotWebhooked"
	KeyViberChannelWebhooked = "viberChannelWebhooked"
)

// NoUpdateSeen is the Telegram cursor before any update was processed.
const NoUpdateSeen int64 = -1

// DispatcherSchema describes one dispatcher's entry.
var DispatcherSchema = &Schema{
	Kind: KindDocument,
	Fields: map[string]*Schema{
		KeyMailSubscribers:       {Kind: KindSet},
		KeyTelegramSubscribers:   {Kind: KindSet},
		KeyViberBotSubscribers:   {Kind: KindSet},
		KeyTelegramLastUpdateID:  {Kind: KindScalar},
		KeyViberBotWebhooked:     {Kind: KindScalar},
		KeyViberChannelWebhooked: {Kind: KindScalar},
	},
}

// DocumentSchema describes the whole state document keyed by dispatcher identity.
var DocumentSchema = &Schema{Kind: KindDocument, Elem: DispatcherSchema}

// DispatcherState is a typed read-only view of one dispatcher's entry.
type DispatcherState struct {
	MailSubscribers       []string
	TelegramSubscribers   []int64
	ViberBotSubscribers   []string
	TelegramLastUpdateID  int64
	ViberBotWebhooked     bool
	ViberChannelWebhooked bool
}

// Dispatcher extracts the typed view for name. Missing or malformed entries
// yield defaults.
func (d Document) Dispatcher(name string) DispatcherState {
	view := DispatcherState{TelegramLastUpdateID: NoUpdateSeen}

	entry, ok := d[name]
	if !ok || entry.kind != KindDocument {
		return view
	}
	fields := entry.doc

	for _, member := range fields[KeyMailSubscribers].asMembers() {
		if email, ok := member.(string); ok && email != "" {
			view.MailSubscribers = append(view.MailSubscribers, email)
		}
	}
	for _, member := range fields[KeyTelegramSubscribers].asMembers() {
		if id, ok := asInt64(member); ok {
			view.TelegramSubscribers = append(view.TelegramSubscribers, id)
		}
	}
	for _, member := range fields[KeyViberBotSubscribers].asMembers() {
		if id, ok := member.(string); ok && id != "" {
			view.ViberBotSubscribers = append(view.ViberBotSubscribers, id)
		}
	}

	if cursor, ok := fields[KeyTelegramLastUpdateID]; ok && cursor.kind == KindScalar {
		if id, ok := asInt64(cursor.scalar); ok {
			view.TelegramLastUpdateID = id
		}
	}
	view.ViberBotWebhooked = truthy(fields[KeyViberBotWebhooked])
	view.ViberChannelWebhooked = truthy(fields[KeyViberChannelWebhooked])

	return view
}

// HasMailSubscriber reports membership, ignoring case.
func (s DispatcherState) HasMailSubscriber(email string) bool {
	for _, existing := range s.MailSubscribers {
		if strings.EqualFold(existing, email) {
			return true
		}
	}

	return false
}

// HasViberBotSubscriber reports membership.
func (s DispatcherState) HasViberBotSubscriber(id string) bool {
	for _, existing := range s.ViberBotSubscribers {
		if existing == id {
			return true
		}
	}

	return false
}

func truthy(v Value) bool {
	if v.kind != KindScalar {
		return false
	}

	switch typed := v.scalar.(type) {
	case bool:
		return typed
	case int64:
		return typed != 0
	case float64:
		return typed != 0
	case string:
		return typed != "" && typed != "0"
	default:
		return false
	}
}

// Insert adds member to the set stored under key for dispatcher.
func Insert(dispatcher, key string, member any) Operation {
	return Operation{Set: Document{dispatcher: Doc(Document{key: Set(member)})}}
}

// Remove deletes member from the set stored under key for dispatcher.
func Remove(dispatcher, key string, member any) Operation {
	return Operation{Unset: Document{dispatcher: Doc(Document{key: Set(member)})}}
}

// Assign replaces the scalar stored under key for dispatcher.
func Assign(dispatcher, key string, value any) Operation {
	return Operation{Set: Document{dispatcher: Doc(Document{key: Scalar(value)})}}
}
