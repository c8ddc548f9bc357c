package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"laughingfox/internal/config"
	"laughingfox/internal/correlation"
	"laughingfox/internal/domain"
)

// Context is everything a command invocation can see and do. The
// dispatcher builds one per invocation.
type Context struct {
	Message     *domain.Message // nil for membership events
	ThreadID    string
	SenderID    string
	SenderName  string
	IsGroup     bool
	Body        string
	Prefix      string
	CommandName string
	Args        []string
	Role        Role   // the sender's role in this thread
	Self        string // the bot's own JID, empty before the first login

	Msg      *Messenger
	Bot      *Bot
	Records  domain.RecordStore
	Tables   *correlation.Tables
	Registry *Registry
	Config   *config.Config
	Logger   *slog.Logger
	Started  time.Time
}

// TrackReply registers receipt's message so quoting it reaches the
// command's OnReply with state.
func (c *Context) TrackReply(receipt domain.SendReceipt, state any) {
	c.track(correlation.Reply, receipt, state)
}

// TrackReaction registers receipt's message so reacting to it reaches the
// command's OnReaction with state.
func (c *Context) TrackReaction(receipt domain.SendReceipt, state any) {
	c.track(correlation.Reaction, receipt, state)
}

func (c *Context) track(kind correlation.Kind, receipt domain.SendReceipt, state any) {
	c.Tables.Track(kind, receipt.Key.ID, correlation.Entry{
		CommandName: c.CommandName,
		AuthorID:    c.SenderID,
		State:       state,
	})
}

// IsBotAdmin reports whether id is listed in general.admins.
func (c *Context) IsBotAdmin(id string) bool {
	return IsBotAdmin(c.Config, id)
}

// IsBotAdmin compares by user number so device suffixes and servers do
// not matter.
func IsBotAdmin(cfg *config.Config, id string) bool {
	if cfg == nil {
		return false
	}
	num := domain.UserNumber(id)
	for _, a := range cfg.General.Admins {
		if domain.UserNumber(a) == num {
			return true
		}
	}
	return false
}

// Messenger sends into the invocation's thread.
type Messenger struct {
	client  domain.Client
	thread  string
	trigger *domain.Message
}

func NewMessenger(client domain.Client, threadID string, trigger *domain.Message) *Messenger {
	return &Messenger{client: client, thread: threadID, trigger: trigger}
}

// Send posts text to the thread.
func (m *Messenger) Send(ctx context.Context, text string) (domain.SendReceipt, error) {
	return m.client.Send(ctx, m.thread, domain.OutboundContent{Text: text})
}

// SendTo posts arbitrary content to any conversation.
func (m *Messenger) SendTo(ctx context.Context, jid string, content domain.OutboundContent) (domain.SendReceipt, error) {
	return m.client.Send(ctx, jid, content)
}

// Reply posts text quoting the triggering message.
func (m *Messenger) Reply(ctx context.Context, text string) (domain.SendReceipt, error) {
	return m.client.Send(ctx, m.thread, domain.OutboundContent{Text: text, Quoted: m.trigger})
}

// Mention posts text that tags the given users.
func (m *Messenger) Mention(ctx context.Context, text string, users []string) (domain.SendReceipt, error) {
	return m.client.Send(ctx, m.thread, domain.OutboundContent{Text: text, Mentions: users})
}

// React reacts to the triggering message. An empty emoji removes the
// reaction.
func (m *Messenger) React(ctx context.Context, emoji string) error {
	if m.trigger == nil {
		return fmt.Errorf("command: react: no triggering message")
	}
	return m.ReactTo(ctx, m.trigger.Key, emoji)
}

func (m *Messenger) ReactTo(ctx context.Context, key domain.MessageKey, emoji string) error {
	_, err := m.client.Send(ctx, key.RemoteJID, domain.OutboundContent{React: &domain.Reaction{Key: key, Text: emoji}})
	return err
}

// Edit replaces the text of a message the bot sent.
func (m *Messenger) Edit(ctx context.Context, key domain.MessageKey, text string) error {
	_, err := m.client.Send(ctx, key.RemoteJID, domain.OutboundContent{Text: text, Edit: &key})
	return err
}

// Unsend deletes a message for everyone.
func (m *Messenger) Unsend(ctx context.Context, key domain.MessageKey) error {
	_, err := m.client.Send(ctx, key.RemoteJID, domain.OutboundContent{Delete: &key})
	return err
}

func (m *Messenger) sendMedia(ctx context.Context, kind, url, caption, mimetype string) (domain.SendReceipt, error) {
	return m.client.Send(ctx, m.thread, domain.OutboundContent{
		Media:  &domain.Media{Kind: kind, URL: url, Caption: caption, Mimetype: mimetype},
		Quoted: m.trigger,
	})
}

func (m *Messenger) SendImage(ctx context.Context, url, caption string) (domain.SendReceipt, error) {
	return m.sendMedia(ctx, "image", url, caption, "")
}

func (m *Messenger) SendVideo(ctx context.Context, url, caption string) (domain.SendReceipt, error) {
	return m.sendMedia(ctx, "video", url, caption, "")
}

// SendGif sends a video that plays inline as a looping gif.
func (m *Messenger) SendGif(ctx context.Context, url, caption string) (domain.SendReceipt, error) {
	return m.sendMedia(ctx, "gif", url, caption, "video/mp4")
}

func (m *Messenger) SendAudio(ctx context.Context, url string) (domain.SendReceipt, error) {
	return m.sendMedia(ctx, "audio", url, "", "audio/mpeg")
}

// Bot exposes account and group management.
type Bot struct {
	client domain.Client
}

func NewBot(client domain.Client) *Bot { return &Bot{client: client} }

func (b *Bot) SetStatus(ctx context.Context, status string) error {
	return b.client.UpdateProfileStatus(ctx, status)
}

func (b *Bot) SetName(ctx context.Context, name string) error {
	return b.client.UpdateProfileName(ctx, name)
}

func (b *Bot) SetProfilePicture(ctx context.Context, jid, url string) error {
	return b.client.UpdateProfilePicture(ctx, jid, url)
}

func (b *Bot) RemoveProfilePicture(ctx context.Context, jid string) error {
	return b.client.RemoveProfilePicture(ctx, jid)
}

func (b *Bot) GroupMetadata(ctx context.Context, jid string) (*domain.GroupMetadata, error) {
	return b.client.GroupMetadata(ctx, jid)
}

func (b *Bot) CreateGroup(ctx context.Context, subject string, participants []string) (*domain.GroupMetadata, error) {
	return b.client.GroupCreate(ctx, subject, participants)
}

// UpdateParticipants applies a domain.Group* action to users of a group.
func (b *Bot) UpdateParticipants(ctx context.Context, groupJID string, users []string, action string) error {
	return b.client.GroupParticipantsUpdate(ctx, groupJID, users, action)
}

func (b *Bot) Leave(ctx context.Context, groupJID string) error {
	return b.client.GroupLeave(ctx, groupJID)
}

func (b *Bot) Block(ctx context.Context, jid string) error {
	return b.client.UpdateBlockStatus(ctx, jid, "block")
}

func (b *Bot) Unblock(ctx context.Context, jid string) error {
	return b.client.UpdateBlockStatus(ctx, jid, "unblock")
}

// SetUserBan marks a user banned or unbanned, creating the record if needed.
func SetUserBan(ctx context.Context, store domain.RecordStore, id string, banned bool, reason string) error {
	return store.UpdateUser(ctx, id, func(u *domain.UserRecord) {
		u.Banned = banned
		u.BanReason = ""
		if banned {
			u.BanReason = reason
		}
	})
}

// SetGroupBan marks a group banned or unbanned, creating the record if needed.
func SetGroupBan(ctx context.Context, store domain.RecordStore, id string, banned bool) error {
	return store.UpdateGroup(ctx, id, func(g *domain.GroupRecord) {
		g.Banned = banned
	})
}
