// Package connection keeps one live protocol session open: it bootstraps
// credentials, connects, classifies disconnects, reconnects with backoff
// and persists every credential rotation.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"laughingfox/internal/bus"
	"laughingfox/internal/credential"
	"laughingfox/internal/domain"
	"laughingfox/internal/metrics"
)

// CredentialStore is the part of credential.Store the manager needs.
type CredentialStore interface {
	Current() domain.Credentials
	Empty() bool
	Replace(domain.Credentials) error
	Apply(patch domain.Credentials) error
	Clear() error
}

type Config struct {
	Protocol    domain.Protocol
	Credentials CredentialStore
	Bootstrap   credential.Bootstrapper
	Resolver    domain.MessageResolver
	Inbound     domain.EventQueue
	Events      *bus.EventBus
	Limiter     *RateLimiter // nil disables send throttling

	ConnectTimeout time.Duration
	MaxAttempts    int
	BackoffUnit    time.Duration
	RestartDelay   time.Duration

	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Manager implements domain.Client on top of whatever session is live.
type Manager struct {
	cfg Config

	mu      sync.RWMutex
	state   State
	session domain.Session

	persists sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = 5 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 10 * time.Second
	}
	if cfg.Bootstrap == nil {
		cfg.Bootstrap = credential.None{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Manager{cfg: cfg}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev == s {
		return
	}
	metrics.ConnectionState.Set(int64(s))
	m.cfg.Logger.Info("connection state changed", "from", prev, "to", s)
	if m.cfg.Events != nil {
		m.cfg.Events.Emit(bus.Event{
			Type:    bus.EventStateChanged,
			Source:  "connection",
			Payload: s,
		})
	}
}

func (m *Manager) current() domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

func (m *Manager) setSession(s domain.Session) {
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
}

// On subscribes handler to protocol events of kind. Handlers run on the
// manager's event goroutine and must not block.
func (m *Manager) On(kind domain.EventKind, handler func(domain.Event)) string {
	return m.cfg.Events.On(bus.ProtocolTopic(string(kind)), func(e bus.Event) {
		if ev, ok := e.Payload.(domain.Event); ok {
			handler(ev)
		}
	})
}

// Run opens a session and keeps it open until ctx is cancelled (nil), the
// session is logged out (ErrLoggedOut) or reconnect attempts run out
// (ErrReconnectExhausted).
func (m *Manager) Run(ctx context.Context) error {
	defer m.persists.Wait()

	if m.cfg.Credentials.Empty() {
		if err := m.bootstrap(ctx); err != nil {
			m.setState(Fatal)
			return err
		}
	}

	attempt := 0
	for {
		sess, err := m.open(ctx)
		if err == nil {
			attempt = 0
			metrics.SessionsOpened.Inc()
			err = m.serve(ctx, sess)
		}
		if ctx.Err() != nil {
			m.setState(Disconnected)
			return nil
		}

		class := Classify(err)
		m.cfg.Logger.Warn("session ended", "class", class, "err", err)

		switch class {
		case Terminal:
			m.clearCredentials()
			m.setState(Fatal)
			return fmt.Errorf("%w: %v", ErrLoggedOut, err)
		case Corrupted:
			if rerr := m.resetSession(ctx); rerr != nil {
				m.setState(Fatal)
				return rerr
			}
		}

		// A session that was open reconnects after the restart delay with a
		// fresh attempt budget. Failed opens back off linearly.
		delay := m.cfg.RestartDelay
		if sess == nil {
			attempt++
			if attempt >= m.cfg.MaxAttempts {
				m.setState(Fatal)
				return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
			}
			delay = time.Duration(attempt) * m.cfg.BackoffUnit
		}
		metrics.ReconnectAttempts.Inc()
		m.setState(Reconnecting)
		m.cfg.Logger.Info("reconnecting", "attempt", attempt, "delay", delay)
		if err := m.cfg.Sleep(ctx, delay); err != nil {
			m.setState(Disconnected)
			return nil
		}
	}
}

// bootstrap fetches fresh credentials from the configured source.
func (m *Manager) bootstrap(ctx context.Context) error {
	creds, err := m.cfg.Bootstrap.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("connection: bootstrap: %w", err)
	}
	if len(creds) == 0 {
		m.cfg.Logger.Info("no stored credentials, pairing through the sidecar")
		return nil
	}
	if err := m.cfg.Credentials.Replace(creds); err != nil {
		return fmt.Errorf("connection: bootstrap: %w", err)
	}
	m.cfg.Logger.Info("credentials bootstrapped", "fields", len(creds))
	return nil
}

// resetSession discards the corrupted session material and bootstraps
// again before the next attempt.
func (m *Manager) resetSession(ctx context.Context) error {
	m.cfg.Logger.Warn("session corrupted, discarding credentials")
	m.clearCredentials()
	return m.bootstrap(ctx)
}

// clearCredentials waits for rotations of the ended session to land, so
// none of them is applied after the clear.
func (m *Manager) clearCredentials() {
	m.persists.Wait()
	if err := m.cfg.Credentials.Clear(); err != nil {
		m.cfg.Logger.Error("cannot clear credentials", "err", err)
	}
}

// open connects and waits for the connection to report open within the
// connect timeout. Events that arrive before that are handled normally.
func (m *Manager) open(ctx context.Context) (domain.Session, error) {
	m.setState(Authenticating)

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	sess, err := m.cfg.Protocol.Connect(cctx, m.cfg.Credentials.Current(), m.cfg.Resolver)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}

	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				if err := sess.Err(); err != nil {
					return nil, err
				}
				return nil, errors.New("connection: session closed before open")
			}
			m.handle(ev)
			if ev.Kind == domain.EventConnection && ev.Connection != nil &&
				ev.Connection.Connection == domain.ConnectionOpen {
				m.setSession(sess)
				m.setState(Connected)
				return sess, nil
			}
		case <-cctx.Done():
			sess.Close()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrConnectTimeout
		}
	}
}

// serve consumes events until the session ends and returns its error.
func (m *Manager) serve(ctx context.Context, sess domain.Session) error {
	defer m.setSession(nil)
	for {
		select {
		case ev, ok := <-sess.Events():
			if !ok {
				return sess.Err()
			}
			m.handle(ev)
		case <-ctx.Done():
			m.setState(Closing)
			sess.Close()
			return ctx.Err()
		}
	}
}

func (m *Manager) handle(ev domain.Event) {
	metrics.EventsReceived.Inc()

	switch ev.Kind {
	case domain.EventCredentials:
		m.persist(ev.Credentials)
	case domain.EventMessage, domain.EventGroupMembership:
		if m.cfg.Inbound != nil {
			m.cfg.Inbound.Publish(ev)
		}
	case domain.EventConnection:
		if ev.Connection != nil && ev.Connection.QR != "" {
			m.cfg.Logger.Info("pairing code received, scan it with the phone", "qr", ev.Connection.QR)
		}
	}

	if m.cfg.Events != nil {
		m.cfg.Events.Emit(bus.Event{
			Type:    bus.ProtocolTopic(string(ev.Kind)),
			Source:  "connection",
			Payload: ev,
		})
	}
}

// persist merges a rotation patch in the background. Failures are logged
// and counted; they never stop the session.
func (m *Manager) persist(patch domain.Credentials) {
	if len(patch) == 0 {
		return
	}
	m.persists.Add(1)
	go func() {
		defer m.persists.Done()
		topic := bus.EventCredsPersisted
		var payload any
		if err := m.cfg.Credentials.Apply(patch); err != nil {
			m.cfg.Logger.Error("credential persist failed", "err", err)
			metrics.CredsPersistFails.Inc()
			topic, payload = bus.EventCredsPersistFail, err
		}
		if m.cfg.Events != nil {
			m.cfg.Events.Emit(bus.Event{Type: topic, Source: "connection", Payload: payload})
		}
	}()
}

// Send delivers content through the live session.
func (m *Manager) Send(ctx context.Context, jid string, content domain.OutboundContent) (domain.SendReceipt, error) {
	if m.cfg.Limiter != nil {
		if err := m.cfg.Limiter.Wait(ctx); err != nil {
			return domain.SendReceipt{}, err
		}
	}
	sess := m.current()
	if sess == nil {
		return domain.SendReceipt{}, ErrNotConnected
	}
	receipt, err := sess.Send(ctx, jid, content)
	if err != nil {
		metrics.SendFailures.Inc()
		return receipt, fmt.Errorf("connection: send to %s: %w", jid, err)
	}
	metrics.MessagesSent.Inc()
	return receipt, nil
}

func (m *Manager) GroupMetadata(ctx context.Context, jid string) (*domain.GroupMetadata, error) {
	sess := m.current()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.GroupMetadata(ctx, jid)
}

func (m *Manager) UpdateProfileStatus(ctx context.Context, status string) error {
	return m.with(func(s domain.Session) error { return s.UpdateProfileStatus(ctx, status) })
}

func (m *Manager) UpdateProfileName(ctx context.Context, name string) error {
	return m.with(func(s domain.Session) error { return s.UpdateProfileName(ctx, name) })
}

func (m *Manager) UpdateProfilePicture(ctx context.Context, jid, url string) error {
	return m.with(func(s domain.Session) error { return s.UpdateProfilePicture(ctx, jid, url) })
}

func (m *Manager) RemoveProfilePicture(ctx context.Context, jid string) error {
	return m.with(func(s domain.Session) error { return s.RemoveProfilePicture(ctx, jid) })
}

func (m *Manager) GroupParticipantsUpdate(ctx context.Context, groupJID string, participants []string, action string) error {
	return m.with(func(s domain.Session) error {
		return s.GroupParticipantsUpdate(ctx, groupJID, participants, action)
	})
}

func (m *Manager) GroupCreate(ctx context.Context, subject string, participants []string) (*domain.GroupMetadata, error) {
	sess := m.current()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.GroupCreate(ctx, subject, participants)
}

func (m *Manager) GroupLeave(ctx context.Context, groupJID string) error {
	return m.with(func(s domain.Session) error { return s.GroupLeave(ctx, groupJID) })
}

func (m *Manager) UpdateBlockStatus(ctx context.Context, jid, action string) error {
	return m.with(func(s domain.Session) error { return s.UpdateBlockStatus(ctx, jid, action) })
}

// Logout unlinks the device. The session then closes with a terminal
// status and Run returns ErrLoggedOut.
func (m *Manager) Logout(ctx context.Context) error {
	return m.with(func(s domain.Session) error { return s.Logout(ctx) })
}

func (m *Manager) with(fn func(domain.Session) error) error {
	sess := m.current()
	if sess == nil {
		return ErrNotConnected
	}
	return fn(sess)
}
