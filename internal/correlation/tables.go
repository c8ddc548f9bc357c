// Package correlation tracks messages the bot sent that expect a follow-up
// (a quoted reply or an emoji reaction) and per-user command cooldowns.
package correlation

import (
	"sync"
	"time"

	"laughingfox/internal/metrics"
)

// Kind selects the table an entry lives in.
type Kind int

const (
	Reply Kind = iota
	Reaction
)

func (k Kind) String() string {
	switch k {
	case Reply:
		return "reply"
	case Reaction:
		return "reaction"
	}
	return "unknown"
}

// Entry links an outbound message to the command that is waiting on it.
// State is owned by the command; the tables never inspect it.
type Entry struct {
	AnchorID    string
	CommandName string
	AuthorID    string
	State       any
	CreatedAt   time.Time
}

type Config struct {
	// EntryTTL bounds how long an unanswered entry is kept. Zero keeps
	// entries until a handler deletes them.
	EntryTTL time.Duration
	Now      func() time.Time
}

// Tables is safe for concurrent use.
type Tables struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   [2]map[string]Entry
	cooldowns map[string]time.Time
	maxWindow time.Duration
}

func New(cfg Config) *Tables {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tables{
		ttl:       cfg.EntryTTL,
		now:       cfg.Now,
		entries:   [2]map[string]Entry{make(map[string]Entry), make(map[string]Entry)},
		cooldowns: make(map[string]time.Time),
	}
}

// Track stores entry under messageID, replacing any previous entry of the
// same kind.
func (t *Tables) Track(kind Kind, messageID string, entry Entry) {
	if messageID == "" {
		return
	}
	if entry.AnchorID == "" {
		entry.AnchorID = messageID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.mu.Lock()
	t.entries[kind][messageID] = entry
	t.mu.Unlock()
	t.updateGauge()
}

// Take returns the entry without removing it. The handler decides whether
// to Delete or re-Track.
func (t *Tables) Take(kind Kind, messageID string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[kind][messageID]
	return e, ok
}

func (t *Tables) Delete(kind Kind, messageID string) {
	t.mu.Lock()
	delete(t.entries[kind], messageID)
	t.mu.Unlock()
	t.updateGauge()
}

// Len returns the number of entries of kind.
func (t *Tables) Len(kind Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[kind])
}

// ExpireCooldown reports whether userID may invoke a command with the given
// cooldown window. An allowed call stamps the current time; a rejected call
// returns the remaining wait and leaves the stamp untouched. Exactly at the
// boundary the call is allowed.
func (t *Tables) ExpireCooldown(userID string, window time.Duration) (bool, time.Duration) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if window > t.maxWindow {
		t.maxWindow = window
	}
	if last, ok := t.cooldowns[userID]; ok && window > 0 {
		if elapsed := now.Sub(last); elapsed < window {
			return false, window - elapsed
		}
	}
	t.cooldowns[userID] = now
	return true, 0
}

// HasCooldown reports whether a cooldown stamp exists for userID.
func (t *Tables) HasCooldown(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.cooldowns[userID]
	return ok
}

// Sweep drops entries older than the entry TTL and cooldown stamps older
// than the largest window seen. It returns how many items were removed.
func (t *Tables) Sweep(now time.Time) int {
	removed := 0
	t.mu.Lock()
	if t.ttl > 0 {
		for _, table := range t.entries {
			for id, e := range table {
				if now.Sub(e.CreatedAt) > t.ttl {
					delete(table, id)
					removed++
				}
			}
		}
	}
	for user, last := range t.cooldowns {
		if now.Sub(last) >= t.maxWindow {
			delete(t.cooldowns, user)
			removed++
		}
	}
	t.mu.Unlock()
	t.updateGauge()
	return removed
}

func (t *Tables) updateGauge() {
	t.mu.Lock()
	n := len(t.entries[Reply]) + len(t.entries[Reaction])
	t.mu.Unlock()
	metrics.CorrelationEntries.Set(int64(n))
}
