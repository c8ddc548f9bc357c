package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"laughingfox/internal/domain"
)

// Envelope types of the sidecar protocol.
const (
	TypeHello    = "hello"
	TypeEvent    = "event"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeResolve  = "resolve"
	TypeResolved = "resolved"
)

// Event names pushed by the sidecar.
const (
	EventMessagesUpsert    = "messages.upsert"
	EventConnectionUpdate  = "connection.update"
	EventCredsUpdate       = "creds.update"
	EventGroupParticipants = "group-participants.update"
	EventGroupsUpdate      = "groups.update"
)

// CloseCodeBase is added to the protocol disconnect status to form the
// WebSocket close code.
const CloseCodeBase = 4000

// Envelope is the JSON frame exchanged with the sidecar.
type Envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Method string          `json:"method,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// DisconnectError carries the protocol's disconnect status.
type DisconnectError struct {
	Status int
	Reason string
}

func (e *DisconnectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("sidecar: disconnected (status %d)", e.Status)
	}
	return fmt.Sprintf("sidecar: disconnected (status %d): %s", e.Status, e.Reason)
}

var ErrSessionClosed = errors.New("sidecar: session closed")

// SidecarConfig configures the sidecar transport.
type SidecarConfig struct {
	URL            string
	Token          string
	BotName        string
	PingInterval   time.Duration
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Sidecar dials the protocol daemon. It implements domain.Protocol.
type Sidecar struct {
	cfg SidecarConfig
}

func NewSidecar(cfg SidecarConfig) *Sidecar {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	return &Sidecar{cfg: cfg}
}

type helloData struct {
	Credentials domain.Credentials `json:"credentials"`
	Options     map[string]any     `json:"options,omitempty"`
}

// Connect dials the sidecar and hands it the credential snapshot. The
// returned session is not yet open; callers wait for a connection.update
// event with connection "open".
func (s *Sidecar) Connect(ctx context.Context, creds domain.Credentials, resolver domain.MessageResolver) (domain.Session, error) {
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("sidecar: dial %s: %w", s.cfg.URL, err)
	}

	sess := &sidecarSession{
		conn:     conn,
		resolver: resolver,
		logger:   s.cfg.Logger,
		timeout:  s.cfg.RequestTimeout,
		events:   make(chan domain.Event, 256),
		pending:  make(map[string]chan Envelope),
		done:     make(chan struct{}),
	}

	hello, err := json.Marshal(helloData{
		Credentials: creds,
		Options:     map[string]any{"browser": s.cfg.BotName, "syncFullHistory": false},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := sess.write(Envelope{Type: TypeHello, Data: hello}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sidecar: hello: %w", err)
	}

	go sess.readLoop()
	go sess.pingLoop(s.cfg.PingInterval)

	s.cfg.Logger.Info("sidecar connected", "url", s.cfg.URL)
	return sess, nil
}

type sidecarSession struct {
	conn     *websocket.Conn
	resolver domain.MessageResolver
	logger   *slog.Logger
	timeout  time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope
	err     error

	events    chan domain.Event
	done      chan struct{}
	closeOnce sync.Once
}

func (ss *sidecarSession) Events() <-chan domain.Event { return ss.events }

func (ss *sidecarSession) Err() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.err
}

func (ss *sidecarSession) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	ss.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ss.conn.WriteMessage(websocket.TextMessage, data)
}

func (ss *sidecarSession) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ss.done:
			return
		case <-ticker.C:
			ss.writeMu.Lock()
			err := ss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			ss.writeMu.Unlock()
			if err != nil {
				ss.logger.Debug("sidecar ping failed", "err", err)
			}
		}
	}
}

func (ss *sidecarSession) readLoop() {
	defer close(ss.events)
	for {
		_, data, err := ss.conn.ReadMessage()
		if err != nil {
			ss.shutdown(readError(err))
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ss.logger.Warn("invalid sidecar frame", "err", err)
			continue
		}

		switch env.Type {
		case TypeEvent:
			for _, ev := range ss.decodeEvent(env) {
				select {
				case ss.events <- ev:
				case <-ss.done:
					return
				}
			}
		case TypeResponse:
			ss.mu.Lock()
			ch, ok := ss.pending[env.ID]
			delete(ss.pending, env.ID)
			ss.mu.Unlock()
			if ok {
				ch <- env
			}
		case TypeResolve:
			go ss.answerResolve(env)
		default:
			ss.logger.Debug("unhandled sidecar frame", "type", env.Type)
		}
	}
}

// readError maps a close frame with a 4xxx code to a DisconnectError.
func readError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= CloseCodeBase {
		return &DisconnectError{Status: ce.Code - CloseCodeBase, Reason: ce.Text}
	}
	return fmt.Errorf("sidecar: read: %w", err)
}

// decodeEvent maps one sidecar event to protocol events. "groups.update"
// carries a list and yields one event per group.
func (ss *sidecarSession) decodeEvent(env Envelope) []domain.Event {
	var (
		evs []domain.Event
		err error
	)
	switch env.Event {
	case EventMessagesUpsert:
		var u domain.MessagesUpsert
		err = json.Unmarshal(env.Data, &u)
		evs = []domain.Event{{Kind: domain.EventMessage, Upsert: &u}}
	case EventConnectionUpdate:
		var u domain.ConnectionUpdate
		err = json.Unmarshal(env.Data, &u)
		evs = []domain.Event{{Kind: domain.EventConnection, Connection: &u}}
	case EventCredsUpdate:
		var c domain.Credentials
		err = json.Unmarshal(env.Data, &c)
		evs = []domain.Event{{Kind: domain.EventCredentials, Credentials: c}}
	case EventGroupParticipants:
		var g domain.GroupMembershipUpdate
		err = json.Unmarshal(env.Data, &g)
		evs = []domain.Event{{Kind: domain.EventGroupMembership, Group: &g}}
	case EventGroupsUpdate:
		var updates []domain.GroupMembershipUpdate
		err = json.Unmarshal(env.Data, &updates)
		for i := range updates {
			if updates[i].ID == "" {
				continue
			}
			updates[i].Action = domain.GroupSettings
			updates[i].Participants = nil
			evs = append(evs, domain.Event{Kind: domain.EventGroupMembership, Group: &updates[i]})
		}
	default:
		ss.logger.Debug("ignoring sidecar event", "event", env.Event)
		return nil
	}
	if err != nil {
		ss.logger.Warn("cannot decode sidecar event", "event", env.Event, "err", err)
		return nil
	}
	return evs
}

func (ss *sidecarSession) answerResolve(env Envelope) {
	var req struct {
		Key domain.MessageKey `json:"key"`
	}
	var msg json.RawMessage
	if err := json.Unmarshal(env.Data, &req); err == nil && ss.resolver != nil {
		if payload, ok := ss.resolver.Resolve(req.Key); ok {
			msg = payload
		}
	}
	if msg == nil {
		msg = json.RawMessage("null")
	}
	data, _ := json.Marshal(map[string]json.RawMessage{"message": msg})
	if err := ss.write(Envelope{Type: TypeResolved, ID: env.ID, Data: data}); err != nil {
		ss.logger.Debug("resolve answer failed", "id", env.ID, "err", err)
	}
}

func (ss *sidecarSession) shutdown(err error) {
	ss.closeOnce.Do(func() {
		ss.mu.Lock()
		ss.err = err
		pending := ss.pending
		ss.pending = make(map[string]chan Envelope)
		ss.mu.Unlock()
		for _, ch := range pending {
			close(ch)
		}
		close(ss.done)
		ss.conn.Close()
	})
}

// call issues one request and decodes the response data into out.
func (ss *sidecarSession) call(ctx context.Context, method string, params, out any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	ch := make(chan Envelope, 1)

	ss.mu.Lock()
	if ss.err != nil {
		ss.mu.Unlock()
		return ErrSessionClosed
	}
	ss.pending[id] = ch
	ss.mu.Unlock()

	if err := ss.write(Envelope{Type: TypeRequest, ID: id, Method: method, Data: data}); err != nil {
		ss.mu.Lock()
		delete(ss.pending, id)
		ss.mu.Unlock()
		return fmt.Errorf("sidecar: %s: %w", method, err)
	}

	timer := time.NewTimer(ss.timeout)
	defer timer.Stop()
	select {
	case env, ok := <-ch:
		if !ok {
			return ErrSessionClosed
		}
		if env.Error != "" {
			return &RequestError{Method: method, Message: env.Error}
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("sidecar: %s: decode: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	ss.mu.Lock()
	delete(ss.pending, id)
	ss.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("sidecar: %s: timed out after %s", method, ss.timeout)
}

// RequestError is an error reported by the sidecar for one request.
type RequestError struct {
	Method  string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("sidecar: %s: %s", e.Method, e.Message)
}

// RateLimited reports whether the network throttled the request.
func (e *RequestError) RateLimited() bool {
	return strings.Contains(strings.ToLower(e.Message), "rate-overlimit")
}

// Send delivers content. Rate-limit rejections are retried with a growing
// pause; other failures are returned immediately.
func (ss *sidecarSession) Send(ctx context.Context, jid string, content domain.OutboundContent) (domain.SendReceipt, error) {
	params := struct {
		JID     string                 `json:"jid"`
		Content domain.OutboundContent `json:"content"`
	}{jid, content}

	var receipt domain.SendReceipt
	const maxRetries = 3
	for attempt := 0; ; attempt++ {
		err := ss.call(ctx, "sendMessage", params, &receipt)
		if err == nil {
			return receipt, nil
		}
		var reqErr *RequestError
		if attempt+1 >= maxRetries || !errors.As(err, &reqErr) || !reqErr.RateLimited() {
			return receipt, err
		}
		retryAfter := time.Duration(attempt+1) * 3 * time.Second
		ss.logger.Warn("send rate limited, retrying", "jid", jid, "retry_after", retryAfter, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return receipt, ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

func (ss *sidecarSession) GroupMetadata(ctx context.Context, jid string) (*domain.GroupMetadata, error) {
	var meta domain.GroupMetadata
	if err := ss.call(ctx, "groupMetadata", map[string]string{"jid": jid}, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (ss *sidecarSession) UpdateProfileStatus(ctx context.Context, status string) error {
	return ss.call(ctx, "updateProfileStatus", map[string]string{"status": status}, nil)
}

func (ss *sidecarSession) UpdateProfileName(ctx context.Context, name string) error {
	return ss.call(ctx, "updateProfileName", map[string]string{"name": name}, nil)
}

func (ss *sidecarSession) UpdateProfilePicture(ctx context.Context, jid, url string) error {
	return ss.call(ctx, "updateProfilePicture", map[string]string{"jid": jid, "url": url}, nil)
}

func (ss *sidecarSession) RemoveProfilePicture(ctx context.Context, jid string) error {
	return ss.call(ctx, "removeProfilePicture", map[string]string{"jid": jid}, nil)
}

func (ss *sidecarSession) GroupParticipantsUpdate(ctx context.Context, groupJID string, participants []string, action string) error {
	return ss.call(ctx, "groupParticipantsUpdate", map[string]any{
		"jid": groupJID, "participants": participants, "action": action,
	}, nil)
}

func (ss *sidecarSession) GroupCreate(ctx context.Context, subject string, participants []string) (*domain.GroupMetadata, error) {
	var meta domain.GroupMetadata
	err := ss.call(ctx, "groupCreate", map[string]any{"subject": subject, "participants": participants}, &meta)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (ss *sidecarSession) GroupLeave(ctx context.Context, groupJID string) error {
	return ss.call(ctx, "groupLeave", map[string]string{"jid": groupJID}, nil)
}

func (ss *sidecarSession) UpdateBlockStatus(ctx context.Context, jid, action string) error {
	return ss.call(ctx, "updateBlockStatus", map[string]string{"jid": jid, "action": action}, nil)
}

// Logout asks the sidecar to unlink the device. The sidecar then closes
// the socket with the logged-out status.
func (ss *sidecarSession) Logout(ctx context.Context) error {
	return ss.call(ctx, "logout", struct{}{}, nil)
}

// Close ends the session from our side.
func (ss *sidecarSession) Close() error {
	ss.writeMu.Lock()
	_ = ss.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	ss.writeMu.Unlock()
	ss.shutdown(ErrSessionClosed)
	return nil
}
