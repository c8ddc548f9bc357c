package domain

// EventKind names the protocol events the gateway subscribes to.
type EventKind string

const (
	EventMessage         EventKind = "message-received"
	EventConnection      EventKind = "connection-state-changed"
	EventCredentials     EventKind = "credentials-rotated"
	EventGroupMembership EventKind = "group-membership-changed"
)

// Connection values carried by ConnectionUpdate.
const (
	ConnectionConnecting = "connecting"
	ConnectionOpen       = "open"
	ConnectionClose      = "close"
)

type ConnectionUpdate struct {
	Connection string `json:"connection,omitempty"`
	QR         string `json:"qr,omitempty"`
}

// Group membership actions.
const (
	GroupAdd     = "add"
	GroupRemove  = "remove"
	GroupPromote = "promote"
	GroupDemote  = "demote"
	// GroupSettings marks a change of subject, description or group
	// settings. Only the changed fields are set and Participants is empty.
	GroupSettings = "settings"
)

type GroupMembershipUpdate struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Action       string   `json:"action"`
	Author       string   `json:"author,omitempty"`

	Subject     *string `json:"subject,omitempty"`
	Description *string `json:"desc,omitempty"`
	Announce    *bool   `json:"announce,omitempty"`
	Restrict    *bool   `json:"restrict,omitempty"`
}

// Event is one protocol event. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind        EventKind
	Upsert      *MessagesUpsert
	Connection  *ConnectionUpdate
	Credentials Credentials
	Group       *GroupMembershipUpdate
}
