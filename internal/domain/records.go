package domain

import (
	"context"
	"time"
)

type UserRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Banned    bool           `json:"banned"`
	BanReason string         `json:"banReason,omitempty"`
	Exp       int64          `json:"exp"`
	Money     int64          `json:"money"`
	MsgCount  int64          `json:"msgCount"`
	Data      map[string]any `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type GroupRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Banned    bool           `json:"banned"`
	MsgCount  int64          `json:"msgCount"`
	Settings  map[string]any `json:"settings,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RecordStore persists user, group, prefix and settings tables.
// Get methods return nil (or "") without error when the row is absent.
// Update methods apply fn to the current row, or to a zero row carrying the
// id when absent, and store the result atomically with respect to every
// other update of that row. fn may run more than once and must not block.
type RecordStore interface {
	GetUser(ctx context.Context, id string) (*UserRecord, error)
	UpdateUser(ctx context.Context, id string, fn func(*UserRecord)) error
	ListUsers(ctx context.Context) ([]UserRecord, error)

	GetGroup(ctx context.Context, id string) (*GroupRecord, error)
	UpdateGroup(ctx context.Context, id string, fn func(*GroupRecord)) error
	ListGroups(ctx context.Context) ([]GroupRecord, error)

	GetPrefix(ctx context.Context, threadID string) (string, error)
	SetPrefix(ctx context.Context, threadID, prefix string) error

	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}
