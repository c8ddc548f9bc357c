package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"laughingfox/internal/bus"
	"laughingfox/internal/command"
	"laughingfox/internal/config"
	"laughingfox/internal/correlation"
	"laughingfox/internal/domain"
	"laughingfox/internal/security"
)

// --- fakes ---

type fakeClient struct {
	mu   sync.Mutex
	sent []domain.OutboundContent
	to   []string
	seq  int
	meta map[string]*domain.GroupMetadata
}

func (f *fakeClient) Send(_ context.Context, jid string, content domain.OutboundContent) (domain.SendReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.sent = append(f.sent, content)
	f.to = append(f.to, jid)
	return domain.SendReceipt{Key: domain.MessageKey{RemoteJID: jid, ID: fmt.Sprintf("OUT%d", f.seq), FromMe: true}}, nil
}

func (f *fakeClient) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, c := range f.sent {
		out = append(out, c.Text)
	}
	return out
}

func (f *fakeClient) GroupMetadata(_ context.Context, jid string) (*domain.GroupMetadata, error) {
	if m, ok := f.meta[jid]; ok {
		return m, nil
	}
	return nil, errors.New("item-not-found")
}
func (f *fakeClient) UpdateProfileStatus(context.Context, string) error          { return nil }
func (f *fakeClient) UpdateProfileName(context.Context, string) error            { return nil }
func (f *fakeClient) UpdateProfilePicture(context.Context, string, string) error { return nil }
func (f *fakeClient) RemoveProfilePicture(context.Context, string) error         { return nil }
func (f *fakeClient) GroupParticipantsUpdate(context.Context, string, []string, string) error {
	return nil
}
func (f *fakeClient) GroupCreate(context.Context, string, []string) (*domain.GroupMetadata, error) {
	return nil, nil
}
func (f *fakeClient) GroupLeave(context.Context, string) error                { return nil }
func (f *fakeClient) UpdateBlockStatus(context.Context, string, string) error { return nil }

type memRecords struct {
	mu       sync.Mutex
	users    map[string]domain.UserRecord
	groups   map[string]domain.GroupRecord
	prefixes map[string]string
}

func (m *memRecords) GetUser(_ context.Context, id string) (*domain.UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}
func (m *memRecords) UpdateUser(_ context.Context, id string, fn func(*domain.UserRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		u = domain.UserRecord{ID: id}
	}
	fn(&u)
	m.users[id] = u
	return nil
}
func (m *memRecords) ListUsers(context.Context) ([]domain.UserRecord, error) { return nil, nil }
func (m *memRecords) GetGroup(_ context.Context, id string) (*domain.GroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.groups[id]; ok {
		return &g, nil
	}
	return nil, nil
}
func (m *memRecords) UpdateGroup(_ context.Context, id string, fn func(*domain.GroupRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		g = domain.GroupRecord{ID: id}
	}
	fn(&g)
	m.groups[id] = g
	return nil
}
func (m *memRecords) ListGroups(context.Context) ([]domain.GroupRecord, error) { return nil, nil }
func (m *memRecords) GetPrefix(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefixes[id], nil
}
func (m *memRecords) SetPrefix(_ context.Context, id, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixes[id] = p
	return nil
}
func (m *memRecords) GetSetting(context.Context, string) (string, error) { return "", nil }
func (m *memRecords) SetSetting(context.Context, string, string) error   { return nil }
func (m *memRecords) Close() error                                      { return nil }

type recorder struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (r *recorder) Record(msg domain.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

// calls counts invocations per entry point.
type calls struct {
	mu     sync.Mutex
	counts map[string]int
	state  any
	emoji  string
}

func (c *calls) hit(kind string) {
	c.mu.Lock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[kind]++
	c.mu.Unlock()
}

func (c *calls) n(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

// game runs, continues replies and continues reactions.
type game struct {
	calls
	meta command.Meta
	run  func(ctx context.Context, c *command.Context) error
}

func (g *game) Meta() command.Meta { return g.meta }

func (g *game) Run(ctx context.Context, c *command.Context) error {
	g.hit("run")
	if g.run != nil {
		return g.run(ctx, c)
	}
	return nil
}

func (g *game) OnReply(_ context.Context, c *command.Context, entry correlation.Entry) error {
	g.hit("reply")
	g.mu.Lock()
	g.state = entry.State
	g.mu.Unlock()
	c.Tables.Delete(correlation.Reply, entry.AnchorID)
	return nil
}

func (g *game) OnReaction(_ context.Context, _ *command.Context, entry correlation.Entry, emoji string) error {
	g.hit("reaction")
	g.mu.Lock()
	g.state, g.emoji = entry.State, emoji
	g.mu.Unlock()
	return nil
}

type observer struct{ calls }

func (*observer) Meta() command.Meta { return command.Meta{Name: "observer"} }

func (o *observer) OnChat(context.Context, *command.Context) error {
	o.hit("chat")
	return nil
}

type greeter struct {
	calls
	update domain.GroupMembershipUpdate
}

func (*greeter) Meta() command.Meta { return command.Meta{Name: "greeter"} }

func (g *greeter) OnEvent(_ context.Context, c *command.Context, update domain.GroupMembershipUpdate) error {
	g.hit("event")
	g.mu.Lock()
	g.update = update
	g.mu.Unlock()
	return nil
}

// --- harness ---

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine   *Engine
	client   *fakeClient
	records  *memRecords
	tables   *correlation.Tables
	store    *recorder
	clock    *clock
	game     *game
	admin    *game
	observer *observer
	greeter  *greeter
	events   *bus.EventBus
}

// newHarness builds an engine. opts run before the commands are
// registered, so they may adjust command metadata.
func newHarness(t *testing.T, adm config.AdmissionConfig, opts ...func(*harness)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		client:   &fakeClient{meta: map[string]*domain.GroupMetadata{}},
		records:  &memRecords{users: map[string]domain.UserRecord{}, groups: map[string]domain.GroupRecord{}, prefixes: map[string]string{}},
		store:    &recorder{},
		clock:    &clock{now: time.Unix(1_700_000_000, 0)},
		game:     &game{meta: command.Meta{Name: "game", Aliases: []string{"g"}, Cooldown: 10 * time.Second}},
		admin:    &game{meta: command.Meta{Name: "shutdown", Role: command.RoleBotAdmin}},
		observer: &observer{},
		greeter:  &greeter{},
		events:   bus.NewEventBus(logger),
	}
	h.tables = correlation.New(correlation.Config{Now: h.clock.Now})
	for _, opt := range opts {
		opt(h)
	}

	reg := command.NewRegistry(logger)
	reg.MustRegister(h.game, h.admin, h.observer, h.greeter)
	reg.Freeze()

	cfg := config.Defaults()
	cfg.General.Prefix = "!"
	cfg.General.Admins = config.FlexStringList{"100"}
	cfg.Admission = adm

	admission := security.NewAdmission(security.AdmissionConfig{
		Config:  adm,
		Admins:  cfg.General.Admins,
		Records: h.records,
		Logger:  logger,
	})
	h.engine = New(Config{
		Client:    h.client,
		Store:     h.store,
		Registry:  reg,
		Tables:    h.tables,
		Records:   h.records,
		Admission: admission,
		Config:    cfg,
		Events:    h.events,
		Self:      func() string { return "999@s.whatsapp.net" },
		Logger:    logger,
	})
	return h
}

func textMsg(thread, participant, id, text string) *domain.Message {
	return &domain.Message{
		Key:      domain.MessageKey{RemoteJID: thread, ID: id, Participant: participant},
		PushName: "Tester",
		Content:  &domain.MessageContent{Conversation: text},
	}
}

func noCooldown(h *harness) { h.game.meta.Cooldown = 0 }

const (
	dm     = "5@s.whatsapp.net"
	sender = "5@lid"
)

// --- routing ---

func TestRoute_BroadcastIsDropped(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.engine.Route(context.Background(), textMsg(domain.BroadcastJID, "5@s.whatsapp.net", "M1", "!game"))

	assert.Zero(t, h.game.n("run"))
	assert.Zero(t, h.observer.n("chat"))
	assert.Empty(t, h.client.texts())
	assert.Empty(t, h.records.users, "no record keeping either")
}

func TestRoute_InvokesByNameAndAlias(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{}, noCooldown)
	var got *command.Context
	h.game.run = func(_ context.Context, c *command.Context) error {
		got = c
		return nil
	}
	ctx := context.Background()

	h.engine.Route(ctx, textMsg(dm, "", "M1", "!GAME start now"))
	h.engine.Route(ctx, textMsg(dm, "", "M2", "!g"))

	assert.Equal(t, 2, h.game.n("run"))
	require.NotNil(t, got)
	assert.Equal(t, "game", got.CommandName)
	assert.Equal(t, sender, got.SenderID, "direct messages synthesize the sender from the thread")
	assert.Equal(t, "999@s.whatsapp.net", got.Self)
	assert.NotNil(t, got.Msg)
	assert.NotNil(t, got.Records)
}

func TestRoute_UnknownCommand(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.engine.Route(context.Background(), textMsg(dm, "", "M1", "!nope"))
	require.Len(t, h.client.texts(), 1)
	assert.Contains(t, h.client.texts()[0], "Command 'nope' does not exist")

	h = newHarness(t, config.AdmissionConfig{})
	h.engine.Route(context.Background(), textMsg(dm, "", "M1", "!greeter"))
	assert.Contains(t, h.client.texts()[0], "does not exist", "commands without a primary entry cannot be typed")
}

func TestRoute_BarePrefixIsUnknownCommand(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.engine.Route(context.Background(), textMsg(dm, "", "M1", " ! "))
	require.Len(t, h.client.texts(), 1)
	assert.Equal(t, "❌ | Command '' does not exist. Type !help to view all commands.", h.client.texts()[0])
	assert.Equal(t, 1, h.observer.n("chat"), "observers still see the text")
}

func TestRoute_PlainChatGoesToObserversOnly(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.engine.Route(context.Background(), textMsg(dm, "", "M1", "hello there"))
	assert.Zero(t, h.game.n("run"))
	assert.Equal(t, 1, h.observer.n("chat"))
	assert.Empty(t, h.client.texts())
}

func TestRoute_ThreadPrefixOverride(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.records.prefixes[dm] = "?"
	h.engine.Route(context.Background(), textMsg(dm, "", "M1", "!game"))
	assert.Zero(t, h.game.n("run"))
	h.engine.Route(context.Background(), textMsg(dm, "", "M2", "?game"))
	assert.Equal(t, 1, h.game.n("run"))
}

func TestRoute_OwnMessagesIgnoredUnlessSelfListen(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	msg := textMsg(dm, "", "M1", "!game")
	msg.Key.FromMe = true
	h.engine.Route(context.Background(), msg)
	assert.Zero(t, h.game.n("run"))

	h.engine.cfg.Config.General.SelfListen = true
	h.engine.Route(context.Background(), msg)
	assert.Equal(t, 1, h.game.n("run"))
}

// --- cooldown ---

func TestRoute_Cooldown(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	ctx := context.Background()

	h.engine.Route(ctx, textMsg(dm, "", "M1", "!game"))
	require.Equal(t, 1, h.game.n("run"))

	h.clock.Advance(4 * time.Second)
	h.engine.Route(ctx, textMsg(dm, "", "M2", "!game"))
	assert.Equal(t, 1, h.game.n("run"), "inside the window the command is not invoked")
	require.Len(t, h.client.texts(), 1)
	assert.Contains(t, h.client.texts()[0], "Please wait 6.0s")

	h.clock.Advance(6 * time.Second)
	h.engine.Route(ctx, textMsg(dm, "", "M3", "!game"))
	assert.Equal(t, 2, h.game.n("run"), "exactly at the boundary the command runs")
}

// --- admission ---

func TestRoute_BannedUserIsIgnored(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.records.users["5"] = domain.UserRecord{ID: "5", Banned: true}

	h.engine.Route(context.Background(), textMsg(dm, "", "M1", "!game"))

	assert.Zero(t, h.game.n("run"))
	assert.Zero(t, h.observer.n("chat"))
	assert.Empty(t, h.client.texts())
	assert.False(t, h.tables.HasCooldown(sender))
	assert.Equal(t, int64(0), h.records.users["5"].MsgCount)
}

func TestRoute_BannedUserNotified(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{NotifyBannedUsers: true})
	h.records.users["5"] = domain.UserRecord{ID: "5", Banned: true}

	h.engine.Route(context.Background(), textMsg(dm, "", "M1", "!game"))

	assert.Zero(t, h.game.n("run"))
	assert.Equal(t, []string{security.ReplyUserBan}, h.client.texts())
	assert.False(t, h.tables.HasCooldown(sender))
}

func TestRoute_PrivateMode(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{Private: true})
	ctx := context.Background()

	h.engine.Route(ctx, textMsg(dm, "", "M1", "!game"))
	h.engine.Route(ctx, textMsg(dm, "", "M2", "just chatting"))
	assert.Equal(t, []string{security.ReplyPrivate}, h.client.texts())

	h.engine.Route(ctx, textMsg("100@s.whatsapp.net", "", "M3", "!game"))
	assert.Equal(t, 1, h.game.n("run"))
}

func TestRoute_RoleCheck(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	ctx := context.Background()

	h.engine.Route(ctx, textMsg(dm, "", "M1", "!shutdown"))
	assert.Zero(t, h.admin.n("run"))
	assert.Contains(t, h.client.texts()[0], "Only bot admins")

	h.engine.Route(ctx, textMsg("100@s.whatsapp.net", "", "M2", "!shutdown"))
	assert.Equal(t, 1, h.admin.n("run"))
}

func TestRoute_GroupAdminRole(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{}, func(h *harness) {
		h.admin.meta.Role = command.RoleGroupAdmin
	})
	h.client.meta["g@g.us"] = &domain.GroupMetadata{ID: "g@g.us", Participants: []domain.GroupParticipant{
		{ID: "7@s.whatsapp.net", Admin: "admin"},
		{ID: "8@s.whatsapp.net"},
	}}
	ctx := context.Background()

	h.engine.Route(ctx, textMsg("g@g.us", "8@s.whatsapp.net", "M1", "!shutdown"))
	assert.Zero(t, h.admin.n("run"))
	h.engine.Route(ctx, textMsg("g@g.us", "7@s.whatsapp.net", "M2", "!shutdown"))
	assert.Equal(t, 1, h.admin.n("run"))
}

// --- correlation ---

func replyTo(thread, quotedID, text string) *domain.Message {
	return &domain.Message{
		Key: domain.MessageKey{RemoteJID: thread, ID: "R-" + quotedID + text},
		Content: &domain.MessageContent{ExtendedText: &domain.ExtendedText{
			Text:        text,
			ContextInfo: &domain.ContextInfo{StanzaID: quotedID},
		}},
	}
}

func TestRoute_ReplyContinuation(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.tables.Track(correlation.Reply, "OUT9", correlation.Entry{CommandName: "game", State: 42})

	h.engine.Route(context.Background(), replyTo(dm, "OUT9", "17"))

	assert.Equal(t, 1, h.game.n("reply"))
	assert.Zero(t, h.game.n("run"), "the primary entry is not invoked")
	assert.Equal(t, 42, h.game.state)

	_, ok := h.tables.Take(correlation.Reply, "OUT9")
	assert.False(t, ok, "the handler deleted its entry")
	h.engine.Route(context.Background(), replyTo(dm, "OUT9", "18"))
	assert.Equal(t, 1, h.game.n("reply"))
}

func TestRoute_ReplyToUntrackedMessage(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.engine.Route(context.Background(), replyTo(dm, "UNKNOWN", "hi"))
	assert.Zero(t, h.game.n("reply"))
	assert.Equal(t, 1, h.observer.n("chat"))
}

func TestRoute_ReactionContinuation(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.tables.Track(correlation.Reaction, "OUT3", correlation.Entry{CommandName: "game", State: "poll"})

	msg := &domain.Message{
		Key: domain.MessageKey{RemoteJID: dm, ID: "X1"},
		Content: &domain.MessageContent{Reaction: &domain.Reaction{
			Key:  domain.MessageKey{RemoteJID: dm, ID: "OUT3", FromMe: true},
			Text: "👍",
		}},
	}
	h.engine.Route(context.Background(), msg)

	assert.Equal(t, 1, h.game.n("reaction"))
	assert.Equal(t, "👍", h.game.emoji)
	assert.Equal(t, "poll", h.game.state)
	assert.Zero(t, h.observer.n("chat"), "reactions carry no text")
}

// --- faults ---

func TestRoute_HandlerPanicIsRecovered(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.game.run = func(context.Context, *command.Context) error { panic("boom") }

	require.NotPanics(t, func() {
		h.engine.Route(context.Background(), textMsg(dm, "", "M1", "!game"))
	})
	assert.Equal(t, 1, h.observer.n("chat"), "siblings still run")
	require.Len(t, h.client.texts(), 1)
	assert.Contains(t, h.client.texts()[0], "An error occurred while running game")
}

func TestRoute_HandlerErrorIsReported(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.game.run = func(context.Context, *command.Context) error { return errors.New("api down") }
	h.engine.Route(context.Background(), textMsg(dm, "", "M1", "!game"))
	assert.Contains(t, h.client.texts()[0], "An error occurred")

	faults := h.events.Recent(bus.EventHandlerFault)
	require.Len(t, faults, 1)
	assert.EqualError(t, faults[0].Payload.(error), "api down")
}

// --- records ---

func TestRoute_KeepsRecords(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.client.meta["g@g.us"] = &domain.GroupMetadata{ID: "g@g.us", Subject: "Foxes"}
	ctx := context.Background()

	h.engine.Route(ctx, textMsg("g@g.us", "7@s.whatsapp.net", "M1", "hi"))
	h.engine.Route(ctx, textMsg("g@g.us", "7@s.whatsapp.net", "M2", "again"))

	u := h.records.users["7"]
	assert.Equal(t, "Tester", u.Name)
	assert.Equal(t, int64(2), u.MsgCount)
	g := h.records.groups["g@g.us"]
	assert.Equal(t, "Foxes", g.Name)
	assert.Equal(t, int64(2), g.MsgCount)
}

// --- events ---

func TestHandle_RecordsAllRoutesNotify(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	ctx := context.Background()

	h.engine.Handle(ctx, domain.Event{Kind: domain.EventMessage, Upsert: &domain.MessagesUpsert{
		Type:     domain.UpsertAppend,
		Messages: []domain.Message{*textMsg(dm, "", "H1", "!game")},
	}})
	assert.Zero(t, h.game.n("run"), "history is not routed")

	h.engine.Handle(ctx, domain.Event{Kind: domain.EventMessage, Upsert: &domain.MessagesUpsert{
		Type:     domain.UpsertNotify,
		Messages: []domain.Message{*textMsg(dm, "", "N1", "!game")},
	}})
	assert.Equal(t, 1, h.game.n("run"))
	assert.Len(t, h.store.msgs, 2)
}

func TestRouteGroupUpdate(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	update := domain.GroupMembershipUpdate{ID: "g@g.us", Participants: []string{"3@lid"}, Action: domain.GroupAdd}
	h.engine.Handle(context.Background(), domain.Event{Kind: domain.EventGroupMembership, Group: &update})

	assert.Equal(t, 1, h.greeter.n("event"))
	assert.Equal(t, update, h.greeter.update)
}

func TestRouteGroupUpdate_SettingsRenameRecord(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	h.records.groups["g@g.us"] = domain.GroupRecord{ID: "g@g.us", Name: "Foxes", Banned: true, MsgCount: 9}

	subject := "Den"
	update := domain.GroupMembershipUpdate{ID: "g@g.us", Action: domain.GroupSettings, Subject: &subject}
	h.engine.Handle(context.Background(), domain.Event{Kind: domain.EventGroupMembership, Group: &update})

	assert.Equal(t, 1, h.greeter.n("event"), "settings changes reach event handlers")
	g := h.records.groups["g@g.us"]
	assert.Equal(t, "Den", g.Name)
	assert.True(t, g.Banned)
	assert.Equal(t, int64(9), g.MsgCount)
}

func TestRun_ConsumesUntilClosed(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{}, noCooldown)
	events := make(chan domain.Event, 3)
	for i := range 3 {
		events <- domain.Event{Kind: domain.EventMessage, Upsert: &domain.MessagesUpsert{
			Type:     domain.UpsertNotify,
			Messages: []domain.Message{*textMsg(dm, "", fmt.Sprintf("M%d", i), "!game")},
		}}
	}
	close(events)

	done := make(chan error, 1)
	go func() { done <- h.engine.Run(context.Background(), events) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the queue closed")
	}
	assert.Equal(t, 3, h.game.n("run"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, config.AdmissionConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, make(chan domain.Event)) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
