package domain

import (
	"encoding/json"
	"strings"
)

// BroadcastJID is the status feed pseudo-conversation. Events addressed to it
// are never routed.
const BroadcastJID = "status@broadcast"

// Upsert types reported by the protocol library.
const (
	UpsertNotify = "notify" // freshly delivered, should be routed
	UpsertAppend = "append" // history sync, record only
)

// MessageKey identifies a message within a conversation.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	ID          string `json:"id"`
	FromMe      bool   `json:"fromMe,omitempty"`
	Participant string `json:"participant,omitempty"`
}

// ContextInfo carries the quoted-message reference of a reply.
type ContextInfo struct {
	StanzaID     string   `json:"stanzaId,omitempty"`
	Participant  string   `json:"participant,omitempty"`
	MentionedJID []string `json:"mentionedJid,omitempty"`
}

type ExtendedText struct {
	Text        string       `json:"text"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

type MediaMessage struct {
	Caption     string       `json:"caption,omitempty"`
	URL         string       `json:"url,omitempty"`
	Mimetype    string       `json:"mimetype,omitempty"`
	ContextInfo *ContextInfo `json:"contextInfo,omitempty"`
}

// Reaction is an emoji reaction to the message identified by Key.
// An empty Text removes a previous reaction.
type Reaction struct {
	Key  MessageKey `json:"key"`
	Text string     `json:"text"`
}

// MessageContent mirrors the subset of the protocol message union the
// gateway understands. Unknown parts are ignored.
type MessageContent struct {
	Conversation string        `json:"conversation,omitempty"`
	ExtendedText *ExtendedText `json:"extendedTextMessage,omitempty"`
	Image        *MediaMessage `json:"imageMessage,omitempty"`
	Video        *MediaMessage `json:"videoMessage,omitempty"`
	Reaction     *Reaction     `json:"reactionMessage,omitempty"`
}

// Text returns the textual body: plain conversation, extended text, or a
// media caption, in that order.
func (c *MessageContent) Text() string {
	if c == nil {
		return ""
	}
	switch {
	case c.Conversation != "":
		return c.Conversation
	case c.ExtendedText != nil && c.ExtendedText.Text != "":
		return c.ExtendedText.Text
	case c.Image != nil && c.Image.Caption != "":
		return c.Image.Caption
	case c.Video != nil && c.Video.Caption != "":
		return c.Video.Caption
	}
	return ""
}

// Context returns the reply context from whichever part carries one.
func (c *MessageContent) Context() *ContextInfo {
	if c == nil {
		return nil
	}
	switch {
	case c.ExtendedText != nil && c.ExtendedText.ContextInfo != nil:
		return c.ExtendedText.ContextInfo
	case c.Image != nil && c.Image.ContextInfo != nil:
		return c.Image.ContextInfo
	case c.Video != nil && c.Video.ContextInfo != nil:
		return c.Video.ContextInfo
	}
	return nil
}

// Message is one inbound protocol message.
type Message struct {
	Key       MessageKey      `json:"key"`
	PushName  string          `json:"pushName,omitempty"`
	Timestamp int64           `json:"messageTimestamp,omitempty"`
	Content   *MessageContent `json:"message,omitempty"`

	// Raw is the message exactly as the protocol library delivered it,
	// including parts the gateway does not model.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the modelled fields and keeps the original bytes in Raw.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = Message(p)
	m.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// SenderID is the participant for group messages. Direct messages carry no
// participant, so the id is synthesized from the conversation's user part.
func (m *Message) SenderID() string {
	if m.Key.Participant != "" {
		return m.Key.Participant
	}
	user, _, _ := strings.Cut(m.Key.RemoteJID, "@")
	return user + "@lid"
}

// IsGroupJID reports whether jid names a group conversation.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// UserNumber strips the server part and any device suffix from a JID
// ("1234:5@s.whatsapp.net" -> "1234").
func UserNumber(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	if i := strings.IndexByte(jid, ':'); i >= 0 {
		jid = jid[:i]
	}
	return jid
}

// MessagesUpsert is a batch of messages delivered together.
type MessagesUpsert struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
}

// StoredMessage is the message store's row: the raw payload keyed by
// conversation and message id.
type StoredMessage struct {
	ConversationID string          `json:"conversationId"`
	MessageID      string          `json:"messageId"`
	SenderID       string          `json:"senderId,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      int64           `json:"timestamp"`
}
