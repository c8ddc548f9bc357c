// Package msgstore records every inbound message so the protocol library
// can resolve retry requests. Recent messages live in a TTL cache; the full
// table is kept in memory and snapshotted to disk on an interval.
package msgstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"laughingfox/internal/domain"
	"laughingfox/internal/fsutil"
	"laughingfox/internal/metrics"
)

const (
	DefaultCacheTTL = 5 * time.Minute
	snapshotVersion = 1
)

type Config struct {
	SnapshotPath  string
	CacheTTL      time.Duration
	CacheCapacity uint64 // 0 = unbounded
	Logger        *slog.Logger
}

type cacheKey struct {
	conv string
	id   string
}

// Store is safe for concurrent use. The first record for a key wins; later
// records for the same key are ignored, so a lookup returns the same
// payload for the life of the process.
type Store struct {
	path   string
	logger *slog.Logger
	cache  *ttlcache.Cache[cacheKey, domain.StoredMessage]

	mu    sync.RWMutex
	table map[string]map[string]domain.StoredMessage
	size  int
	dirty bool

	started atomic.Bool
}

func New(cfg Config) *Store {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	opts := []ttlcache.Option[cacheKey, domain.StoredMessage]{
		ttlcache.WithTTL[cacheKey, domain.StoredMessage](cfg.CacheTTL),
		ttlcache.WithDisableTouchOnHit[cacheKey, domain.StoredMessage](),
	}
	if cfg.CacheCapacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[cacheKey, domain.StoredMessage](cfg.CacheCapacity))
	}
	return &Store{
		path:   cfg.SnapshotPath,
		logger: cfg.Logger,
		cache:  ttlcache.New(opts...),
		table:  make(map[string]map[string]domain.StoredMessage),
	}
}

// Start runs the cache's expiry loop until Stop is called.
func (s *Store) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.cache.Start()
	}
}

func (s *Store) Stop() {
	if s.started.CompareAndSwap(true, false) {
		s.cache.Stop()
	}
}

// Record inserts msg into the cache and the full table. It reports whether
// the message was new.
func (s *Store) Record(msg domain.Message) bool {
	if msg.Key.RemoteJID == "" || msg.Key.ID == "" {
		return false
	}
	payload := msg.Raw
	if len(payload) == 0 {
		var err error
		if payload, err = json.Marshal(msg); err != nil {
			s.logger.Warn("cannot encode message for store", "id", msg.Key.ID, "err", err)
			return false
		}
	}
	return s.insert(domain.StoredMessage{
		ConversationID: msg.Key.RemoteJID,
		MessageID:      msg.Key.ID,
		SenderID:       msg.SenderID(),
		Payload:        payload,
		Timestamp:      msg.Timestamp,
	})
}

func (s *Store) insert(sm domain.StoredMessage) bool {
	s.mu.Lock()
	conv, ok := s.table[sm.ConversationID]
	if !ok {
		conv = make(map[string]domain.StoredMessage)
		s.table[sm.ConversationID] = conv
	}
	if _, exists := conv[sm.MessageID]; exists {
		s.mu.Unlock()
		return false
	}
	conv[sm.MessageID] = sm
	s.size++
	s.dirty = true
	s.mu.Unlock()

	s.cache.Set(cacheKey{sm.ConversationID, sm.MessageID}, sm, ttlcache.DefaultTTL)
	metrics.StoredMessages.Inc()
	return true
}

// Lookup returns the recorded message. The cache is consulted first; a hit
// in the full table re-primes the cache.
func (s *Store) Lookup(conversationID, messageID string) (domain.StoredMessage, bool) {
	key := cacheKey{conversationID, messageID}
	if item := s.cache.Get(key); item != nil {
		metrics.StoreLookup("cache").Inc()
		return item.Value(), true
	}

	s.mu.RLock()
	sm, ok := s.table[conversationID][messageID]
	s.mu.RUnlock()
	if !ok {
		metrics.StoreLookup("miss").Inc()
		return domain.StoredMessage{}, false
	}
	metrics.StoreLookup("table").Inc()
	s.cache.Set(key, sm, ttlcache.DefaultTTL)
	return sm, true
}

// Resolve answers the protocol library's retry lookup with the message
// content part of the recorded payload.
func (s *Store) Resolve(key domain.MessageKey) ([]byte, bool) {
	sm, ok := s.Lookup(key.RemoteJID, key.ID)
	if !ok {
		return nil, false
	}
	var envelope struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(sm.Payload, &envelope); err != nil || len(envelope.Message) == 0 {
		return nil, false
	}
	return envelope.Message, true
}

// Len returns the number of messages in the full table.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

type snapshot struct {
	Version  int                                         `json:"version"`
	SavedAt  time.Time                                   `json:"savedAt"`
	Messages map[string]map[string]domain.StoredMessage `json:"messages"`
}

// Flush writes the full table to the snapshot file. It is a no-op when
// nothing changed since the last successful flush.
func (s *Store) Flush() error {
	s.mu.RLock()
	if !s.dirty {
		s.mu.RUnlock()
		return nil
	}
	snap := snapshot{
		Version:  snapshotVersion,
		SavedAt:  time.Now().UTC(),
		Messages: make(map[string]map[string]domain.StoredMessage, len(s.table)),
	}
	for conv, msgs := range s.table {
		cp := make(map[string]domain.StoredMessage, len(msgs))
		for id, sm := range msgs {
			cp[id] = sm
		}
		snap.Messages[conv] = cp
	}
	size := s.size
	s.mu.RUnlock()

	if err := fsutil.WriteJSONAtomic(s.path, snap, 0o600); err != nil {
		metrics.StoreFlushFailures.Inc()
		return fmt.Errorf("msgstore: flush: %w", err)
	}

	s.mu.Lock()
	if s.size == size {
		s.dirty = false
	}
	s.mu.Unlock()
	s.logger.Debug("message store flushed", "messages", size, "path", s.path)
	return nil
}

// Restore loads the snapshot into the full table and primes the cache. A
// missing or unreadable snapshot leaves the store empty; the error is
// logged, never returned.
func (s *Store) Restore() int {
	var snap snapshot
	if err := fsutil.ReadJSON(s.path, &snap); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("message snapshot unreadable, starting empty", "path", s.path, "err", err)
		}
		return 0
	}

	n := 0
	for _, msgs := range snap.Messages {
		for _, sm := range msgs {
			if sm.ConversationID == "" || sm.MessageID == "" {
				continue
			}
			if s.insert(sm) {
				n++
			}
		}
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	s.logger.Info("message store restored", "messages", n, "path", s.path)
	return n
}
