package connection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laughingfox/internal/bus"
	"laughingfox/internal/channel"
	"laughingfox/internal/credential"
	"laughingfox/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSession struct {
	events chan domain.Event
	once   sync.Once

	mu   sync.Mutex
	err  error
	sent []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan domain.Event, 16)}
}

func (f *fakeSession) open() {
	f.events <- domain.Event{Kind: domain.EventConnection, Connection: &domain.ConnectionUpdate{Connection: domain.ConnectionOpen}}
}

func (f *fakeSession) end(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.events)
	})
}

func (f *fakeSession) Events() <-chan domain.Event { return f.events }
func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
func (f *fakeSession) Close() error { f.end(nil); return nil }
func (f *fakeSession) Logout(context.Context) error { return nil }
func (f *fakeSession) Send(_ context.Context, jid string, c domain.OutboundContent) (domain.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, jid+":"+c.Text)
	return domain.SendReceipt{Key: domain.MessageKey{RemoteJID: jid, ID: "OUT", FromMe: true}}, nil
}
func (f *fakeSession) GroupMetadata(_ context.Context, jid string) (*domain.GroupMetadata, error) {
	return &domain.GroupMetadata{ID: jid}, nil
}
func (f *fakeSession) UpdateProfileStatus(context.Context, string) error { return nil }
func (f *fakeSession) UpdateProfileName(context.Context, string) error { return nil }
func (f *fakeSession) UpdateProfilePicture(context.Context, string, string) error { return nil }
func (f *fakeSession) RemoveProfilePicture(context.Context, string) error { return nil }
func (f *fakeSession) GroupParticipantsUpdate(context.Context, string, []string, string) error {
	return nil
}
func (f *fakeSession) GroupCreate(_ context.Context, subject string, _ []string) (*domain.GroupMetadata, error) {
	return &domain.GroupMetadata{Subject: subject}, nil
}
func (f *fakeSession) GroupLeave(context.Context, string) error { return nil }
func (f *fakeSession) UpdateBlockStatus(context.Context, string, string) error { return nil }

type fakeProtocol struct {
	mu      sync.Mutex
	creds   []domain.Credentials
	connect func(call int) (domain.Session, error)
}

func (p *fakeProtocol) Connect(_ context.Context, creds domain.Credentials, _ domain.MessageResolver) (domain.Session, error) {
	p.mu.Lock()
	p.creds = append(p.creds, creds)
	call := len(p.creds)
	p.mu.Unlock()
	return p.connect(call)
}

func (p *fakeProtocol) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

type fakeBootstrap struct {
	mu    sync.Mutex
	n     int
	creds domain.Credentials
}

func (b *fakeBootstrap) Fetch(context.Context) (domain.Credentials, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return b.creds.Clone(), nil
}

type harness struct {
	mgr    *Manager
	proto  *fakeProtocol
	store  *credential.Store
	events *bus.EventBus
	queue  *bus.InMemoryBus

	mu     sync.Mutex
	delays []time.Duration
}

func newHarness(t *testing.T, proto *fakeProtocol, boot credential.Bootstrapper, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		proto:  proto,
		store:  credential.NewStore(credential.StoreConfig{Path: filepath.Join(t.TempDir(), "creds.json"), Logger: discardLogger()}),
		events: bus.NewEventBus(discardLogger()),
		queue:  bus.New(16, discardLogger()),
	}
	cfg := Config{
		Protocol:       proto,
		Credentials:    h.store,
		Bootstrap:      boot,
		Inbound:        h.queue,
		Events:         h.events,
		ConnectTimeout: time.Second,
		BackoffUnit:    time.Second,
		RestartDelay:   10 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.delays = append(h.delays, d)
			h.mu.Unlock()
			return ctx.Err()
		},
		Logger: discardLogger(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h.mgr = NewManager(cfg)
	return h
}

func TestRun_ExhaustsAfterMaxAttempts(t *testing.T) {
	proto := &fakeProtocol{connect: func(int) (domain.Session, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	h := newHarness(t, proto, nil, nil)

	err := h.mgr.Run(context.Background())

	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, 5, proto.calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}, h.delays)
	assert.Equal(t, Fatal, h.mgr.State())
}

func TestRun_ConnectTimeoutCountsAsAttempt(t *testing.T) {
	proto := &fakeProtocol{connect: func(int) (domain.Session, error) {
		return newFakeSession(), nil
	}}
	h := newHarness(t, proto, nil, func(c *Config) {
		c.ConnectTimeout = 20 * time.Millisecond
		c.MaxAttempts = 2
	})

	err := h.mgr.Run(context.Background())

	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Contains(t, err.Error(), ErrConnectTimeout.Error())
	assert.Equal(t, 2, proto.calls())
}

func TestRun_CorruptedSessionRebootstraps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proto := &fakeProtocol{}
	proto.connect = func(call int) (domain.Session, error) {
		if call == 1 {
			s := newFakeSession()
			s.open()
			s.end(&channel.DisconnectError{Status: StatusBadSession, Reason: "bad session"})
			return s, nil
		}
		cancel()
		return nil, context.Canceled
	}
	boot := &fakeBootstrap{creds: domain.Credentials{"me": json.RawMessage(`"fresh"`)}}
	h := newHarness(t, proto, boot, nil)
	require.NoError(t, h.store.Replace(domain.Credentials{"me": json.RawMessage(`"stale"`)}))

	require.NoError(t, h.mgr.Run(ctx))

	assert.Equal(t, 1, boot.n, "bootstrap re-run once after corruption")
	require.Equal(t, 2, proto.calls())
	assert.JSONEq(t, `"stale"`, string(proto.creds[0]["me"]))
	assert.JSONEq(t, `"fresh"`, string(proto.creds[1]["me"]))
	assert.Equal(t, []time.Duration{10 * time.Second}, h.delays)
}

func TestRun_BadMacTextIsCorrupted(t *testing.T) {
	assert.Equal(t, Corrupted, Classify(errors.New("decrypt: Bad MAC")))
}

func TestRun_LoggedOutIsTerminal(t *testing.T) {
	proto := &fakeProtocol{connect: func(int) (domain.Session, error) {
		s := newFakeSession()
		s.open()
		s.end(&channel.DisconnectError{Status: StatusLoggedOut})
		return s, nil
	}}
	h := newHarness(t, proto, nil, nil)
	require.NoError(t, h.store.Replace(domain.Credentials{"me": json.RawMessage(`"x"`)}))

	err := h.mgr.Run(context.Background())

	require.ErrorIs(t, err, ErrLoggedOut)
	assert.Equal(t, 1, proto.calls(), "no reconnect after logout")
	assert.True(t, h.store.Empty())
	assert.Equal(t, Fatal, h.mgr.State())
}

// slowApply delays every rotation write.
type slowApply struct {
	*credential.Store
}

func (s slowApply) Apply(patch domain.Credentials) error {
	time.Sleep(50 * time.Millisecond)
	return s.Store.Apply(patch)
}

func TestRun_LogoutClearsAfterPendingRotations(t *testing.T) {
	proto := &fakeProtocol{connect: func(int) (domain.Session, error) {
		s := newFakeSession()
		s.open()
		s.events <- domain.Event{Kind: domain.EventCredentials, Credentials: domain.Credentials{"keys": json.RawMessage(`{"late":1}`)}}
		s.end(&channel.DisconnectError{Status: StatusLoggedOut})
		return s, nil
	}}
	h := newHarness(t, proto, nil, func(c *Config) {
		c.Credentials = slowApply{c.Credentials.(*credential.Store)}
	})
	require.NoError(t, h.store.Replace(domain.Credentials{"me": json.RawMessage(`"x"`)}))

	require.ErrorIs(t, h.mgr.Run(context.Background()), ErrLoggedOut)
	assert.True(t, h.store.Empty(), "a rotation landing after the clear must not revive the session")
}

func TestRun_BenignCloseReconnectsWithFreshBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proto := &fakeProtocol{}
	proto.connect = func(call int) (domain.Session, error) {
		switch call {
		case 1, 2:
			s := newFakeSession()
			s.open()
			s.end(&channel.DisconnectError{Status: StatusRestartRequired})
			return s, nil
		}
		cancel()
		return nil, context.Canceled
	}
	h := newHarness(t, proto, nil, func(c *Config) { c.MaxAttempts = 1 })

	require.NoError(t, h.mgr.Run(ctx))
	assert.Equal(t, 3, proto.calls())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, h.delays)
	assert.Equal(t, Disconnected, h.mgr.State())
}

func TestRun_PersistsRotationsAndPublishesMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := newFakeSession()
	proto := &fakeProtocol{connect: func(int) (domain.Session, error) {
		sess.open()
		sess.events <- domain.Event{Kind: domain.EventCredentials, Credentials: domain.Credentials{"keys": json.RawMessage(`{"a":1}`)}}
		sess.events <- domain.Event{Kind: domain.EventMessage, Upsert: &domain.MessagesUpsert{Type: domain.UpsertNotify}}
		return sess, nil
	}}
	h := newHarness(t, proto, nil, nil)

	var rotations sync.WaitGroup
	rotations.Add(1)
	h.mgr.On(domain.EventCredentials, func(ev domain.Event) { rotations.Done() })

	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	select {
	case ev := <-h.queue.Subscribe():
		assert.Equal(t, domain.EventMessage, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("message not published")
	}
	rotations.Wait()
	assert.Equal(t, Connected, h.mgr.State())

	receipt, err := h.mgr.Send(ctx, "1@s.whatsapp.net", domain.OutboundContent{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "OUT", receipt.Key.ID)

	cancel()
	require.NoError(t, <-done)

	assert.JSONEq(t, `{"a":1}`, string(h.store.Current()["keys"]))
	reloaded := credential.NewStore(credential.StoreConfig{Path: filepath.Join(filepath.Dir(h.store.Path()), "creds.json"), Logger: discardLogger()})
	require.NoError(t, reloaded.Load())
	assert.JSONEq(t, `{"a":1}`, string(reloaded.Current()["keys"]))
	assert.Equal(t, []string{"1@s.whatsapp.net:hi"}, sess.sent)
}

func TestManager_NotConnected(t *testing.T) {
	h := newHarness(t, &fakeProtocol{}, nil, nil)
	_, err := h.mgr.Send(context.Background(), "x", domain.OutboundContent{Text: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.mgr.GroupMetadata(context.Background(), "g@g.us")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, h.mgr.GroupLeave(context.Background(), "g@g.us"), ErrNotConnected)
}

func TestManager_StateEvents(t *testing.T) {
	proto := &fakeProtocol{connect: func(int) (domain.Session, error) {
		return nil, errors.New("refused")
	}}
	h := newHarness(t, proto, nil, func(c *Config) { c.MaxAttempts = 1 })

	var mu sync.Mutex
	var states []State
	h.events.On(bus.EventStateChanged, func(e bus.Event) {
		mu.Lock()
		states = append(states, e.Payload.(State))
		mu.Unlock()
	})

	require.Error(t, h.mgr.Run(context.Background()))
	assert.Equal(t, []State{Authenticating, Fatal}, states)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{nil, Benign},
		{errors.New("read: EOF"), Benign},
		{&channel.DisconnectError{Status: StatusLoggedOut}, Terminal},
		{&channel.DisconnectError{Status: StatusConnectionReplaced}, Terminal},
		{&channel.DisconnectError{Status: StatusBadSession}, Corrupted},
		{&channel.DisconnectError{Status: StatusMultideviceMismatch}, Corrupted},
		{&channel.DisconnectError{Status: StatusRestartRequired}, Benign},
		{&channel.DisconnectError{Status: StatusTimedOut}, Benign},
		{ErrConnectTimeout, Benign},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}
}
