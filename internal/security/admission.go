// Package security decides whether an inbound message may reach commands.
package security

import (
	"context"
	"log/slog"
	"sync"

	"laughingfox/internal/config"
	"laughingfox/internal/domain"
	"laughingfox/internal/metrics"
)

// Action is the outcome of an admission check.
type Action int

const (
	// ActionAllow lets the message through.
	ActionAllow Action = iota
	// ActionDrop stops the message silently.
	ActionDrop
	// ActionNotify stops the message and sends Decision.Reply to the thread.
	ActionNotify
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionNotify:
		return "notify"
	}
	return "allow"
}

// Gate names, in the order they are checked.
const (
	GateWhitelist = "whitelist"
	GatePrivate   = "private"
	GateUserBan   = "user_ban"
	GateGroupBan  = "group_ban"
)

// Replies sent when a gate notifies.
const (
	ReplyPrivate  = "❌ | Only bot admins can use the bot"
	ReplyUserBan  = "❌ | You are banned from using this bot"
	ReplyGroupBan = "❌ | This group is banned"
)

// Request describes the message being admitted.
type Request struct {
	SenderID string
	ThreadID string
	IsGroup  bool
	// Prefixed is true when the body starts with the thread's prefix,
	// meaning the sender is trying to use a command.
	Prefixed bool
}

type Decision struct {
	Action Action
	Gate   string // the gate that stopped the message, empty when allowed
	Reply  string
}

var allow = Decision{Action: ActionAllow}

type AdmissionConfig struct {
	Config  config.AdmissionConfig
	Admins  []string
	Records domain.RecordStore
	Logger  *slog.Logger
}

// Admission runs the whitelist, private-mode, user-ban and group-ban gates.
// Bot admins pass every gate except the whitelist.
type Admission struct {
	cfg       config.AdmissionConfig
	admins    map[string]bool
	whitelist map[string]bool
	records   domain.RecordStore
	logger    *slog.Logger

	mu            sync.Mutex
	groupNotified map[string]bool
}

func NewAdmission(cfg AdmissionConfig) *Admission {
	return &Admission{
		cfg:           cfg.Config,
		admins:        numberSet(cfg.Admins),
		whitelist:     numberSet(cfg.Config.Whitelist.IDs),
		records:       cfg.Records,
		logger:        cfg.Logger,
		groupNotified: make(map[string]bool),
	}
}

func numberSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[domain.UserNumber(id)] = true
	}
	return set
}

// IsAdmin reports whether id belongs to a bot admin.
func (a *Admission) IsAdmin(id string) bool {
	return a.admins[domain.UserNumber(id)]
}

// Check runs the gates in order and returns the first rejection. Record
// lookups that fail are logged and treated as "not banned" so a storage
// outage does not silence the bot.
func (a *Admission) Check(ctx context.Context, req Request) Decision {
	d := a.check(ctx, req)
	if d.Action != ActionAllow {
		metrics.AdmissionRejected(d.Gate).Inc()
		a.logger.Debug("message not admitted",
			"gate", d.Gate,
			"action", d.Action,
			"sender", req.SenderID,
			"thread", req.ThreadID,
		)
	}
	return d
}

func (a *Admission) check(ctx context.Context, req Request) Decision {
	sender := domain.UserNumber(req.SenderID)

	if a.cfg.Whitelist.Enabled && !a.whitelist[sender] {
		return Decision{Action: ActionDrop, Gate: GateWhitelist}
	}

	admin := a.admins[sender]
	if a.cfg.Private && !admin {
		if req.Prefixed {
			return Decision{Action: ActionNotify, Gate: GatePrivate, Reply: ReplyPrivate}
		}
		return Decision{Action: ActionDrop, Gate: GatePrivate}
	}
	if admin {
		return allow
	}

	user, err := a.records.GetUser(ctx, sender)
	if err != nil {
		a.logger.Warn("user ban lookup failed", "user", sender, "err", err)
	} else if user != nil && user.Banned {
		if a.cfg.NotifyBannedUsers && req.Prefixed {
			return Decision{Action: ActionNotify, Gate: GateUserBan, Reply: ReplyUserBan}
		}
		return Decision{Action: ActionDrop, Gate: GateUserBan}
	}

	if !req.IsGroup {
		return allow
	}
	group, err := a.records.GetGroup(ctx, req.ThreadID)
	if err != nil {
		a.logger.Warn("group ban lookup failed", "group", req.ThreadID, "err", err)
		return allow
	}
	if group == nil || !group.Banned {
		a.forgetGroup(req.ThreadID)
		return allow
	}
	if req.Prefixed && a.firstNotice(req.ThreadID) {
		return Decision{Action: ActionNotify, Gate: GateGroupBan, Reply: ReplyGroupBan}
	}
	return Decision{Action: ActionDrop, Gate: GateGroupBan}
}

// firstNotice reports whether the group has not been told about its ban
// yet, and marks it told.
func (a *Admission) firstNotice(groupID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.groupNotified[groupID] {
		return false
	}
	a.groupNotified[groupID] = true
	return true
}

// forgetGroup lets a group that was unbanned be notified again if it is
// banned later.
func (a *Admission) forgetGroup(groupID string) {
	a.mu.Lock()
	delete(a.groupNotified, groupID)
	a.mu.Unlock()
}
