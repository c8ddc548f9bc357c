package domain

import "context"

// Media is an attachment sent by URL.
type Media struct {
	Kind     string `json:"kind"` // image | video | audio | document
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
}

// OutboundContent describes one outgoing message. Set Text or Media for a
// new message, React for a reaction, Edit (with Text) to edit, Delete to
// unsend.
type OutboundContent struct {
	Text     string      `json:"text,omitempty"`
	Mentions []string    `json:"mentions,omitempty"`
	Media    *Media      `json:"media,omitempty"`
	React    *Reaction   `json:"react,omitempty"`
	Edit     *MessageKey `json:"edit,omitempty"`
	Delete   *MessageKey `json:"delete,omitempty"`
	Quoted   *Message    `json:"quoted,omitempty"`
}

// SendReceipt is what the network returned for a sent message.
type SendReceipt struct {
	Key       MessageKey `json:"key"`
	Timestamp int64      `json:"messageTimestamp,omitempty"`
}

type GroupParticipant struct {
	ID    string `json:"id"`
	Admin string `json:"admin,omitempty"` // "", "admin" or "superadmin"
}

type GroupMetadata struct {
	ID           string             `json:"id"`
	Subject      string             `json:"subject"`
	Owner        string             `json:"owner,omitempty"`
	Participants []GroupParticipant `json:"participants"`
}

// IsAdmin reports whether id is an admin of the group.
func (g *GroupMetadata) IsAdmin(id string) bool {
	if g == nil {
		return false
	}
	for _, p := range g.Participants {
		if p.ID == id {
			return p.Admin != ""
		}
	}
	return false
}

// Client is the outbound capability of a live session.
type Client interface {
	Send(ctx context.Context, jid string, content OutboundContent) (SendReceipt, error)
	GroupMetadata(ctx context.Context, jid string) (*GroupMetadata, error)
	UpdateProfileStatus(ctx context.Context, status string) error
	UpdateProfileName(ctx context.Context, name string) error
	UpdateProfilePicture(ctx context.Context, jid, url string) error
	RemoveProfilePicture(ctx context.Context, jid string) error
	GroupParticipantsUpdate(ctx context.Context, groupJID string, participants []string, action string) error
	GroupCreate(ctx context.Context, subject string, participants []string) (*GroupMetadata, error)
	GroupLeave(ctx context.Context, groupJID string) error
	UpdateBlockStatus(ctx context.Context, jid, action string) error
}

// Session is one live connection. Events is closed when the session ends;
// Err then reports why.
type Session interface {
	Client
	Events() <-chan Event
	Err() error
	Logout(ctx context.Context) error
	Close() error
}

// MessageResolver answers the protocol library's retry lookups with the
// payload previously recorded for key.
type MessageResolver interface {
	Resolve(key MessageKey) ([]byte, bool)
}

// Protocol opens sessions against the network.
type Protocol interface {
	Connect(ctx context.Context, creds Credentials, resolver MessageResolver) (Session, error)
}
