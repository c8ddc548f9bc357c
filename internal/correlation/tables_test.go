package correlation

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTables(ttl time.Duration) (*Tables, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(Config{EntryTTL: ttl, Now: clk.Now}), clk
}

func TestTrackTakeDelete(t *testing.T) {
	tb, _ := newTables(time.Hour)
	tb.Track(Reply, "M1", Entry{CommandName: "guess", AuthorID: "u1", State: 42})

	e, ok := tb.Take(Reply, "M1")
	require.True(t, ok)
	assert.Equal(t, "guess", e.CommandName)
	assert.Equal(t, "M1", e.AnchorID)
	assert.Equal(t, 42, e.State)

	_, ok = tb.Take(Reply, "M1")
	assert.True(t, ok, "take does not consume")

	_, ok = tb.Take(Reaction, "M1")
	assert.False(t, ok, "kinds are separate tables")

	tb.Delete(Reply, "M1")
	_, ok = tb.Take(Reply, "M1")
	assert.False(t, ok)
}

func TestTrackOverwrites(t *testing.T) {
	tb, _ := newTables(0)
	tb.Track(Reaction, "M1", Entry{CommandName: "vote", State: "first"})
	tb.Track(Reaction, "M1", Entry{CommandName: "vote", State: "second"})

	e, _ := tb.Take(Reaction, "M1")
	assert.Equal(t, "second", e.State)
	assert.Equal(t, 1, tb.Len(Reaction))
}

func TestTrackIgnoresEmptyID(t *testing.T) {
	tb, _ := newTables(0)
	tb.Track(Reply, "", Entry{CommandName: "x"})
	assert.Equal(t, 0, tb.Len(Reply))
}

func TestExpireCooldown(t *testing.T) {
	tb, clk := newTables(0)
	window := 5 * time.Second

	ok, _ := tb.ExpireCooldown("u1", window)
	require.True(t, ok, "first call is always allowed")

	clk.Advance(3 * time.Second)
	ok, wait := tb.ExpireCooldown("u1", window)
	assert.False(t, ok)
	assert.Equal(t, 2*time.Second, wait)

	clk.Advance(2 * time.Second)
	ok, _ = tb.ExpireCooldown("u1", window)
	assert.True(t, ok, "exactly at the boundary is allowed")

	clk.Advance(time.Second)
	ok, _ = tb.ExpireCooldown("u1", window)
	assert.False(t, ok, "allowed call restamped the cooldown")

	ok, _ = tb.ExpireCooldown("u2", window)
	assert.True(t, ok, "cooldowns are per user")
}

func TestExpireCooldownZeroWindow(t *testing.T) {
	tb, _ := newTables(0)
	for range 3 {
		ok, _ := tb.ExpireCooldown("u1", 0)
		assert.True(t, ok)
	}
}

func TestSweep(t *testing.T) {
	tb, clk := newTables(time.Hour)
	tb.Track(Reply, "old", Entry{CommandName: "guess"})
	tb.ExpireCooldown("u1", 10*time.Second)

	clk.Advance(30 * time.Minute)
	tb.Track(Reaction, "new", Entry{CommandName: "vote"})

	clk.Advance(45 * time.Minute)
	removed := tb.Sweep(clk.Now())

	assert.Equal(t, 2, removed, "old reply entry and stale cooldown")
	_, ok := tb.Take(Reply, "old")
	assert.False(t, ok)
	_, ok = tb.Take(Reaction, "new")
	assert.True(t, ok)
	assert.False(t, tb.HasCooldown("u1"))
}

func TestSweepWithoutTTLKeepsEntries(t *testing.T) {
	tb, clk := newTables(0)
	tb.Track(Reply, "M1", Entry{})
	clk.Advance(48 * time.Hour)
	tb.Sweep(clk.Now())
	assert.Equal(t, 1, tb.Len(Reply))
}

func TestConcurrentAccess(t *testing.T) {
	tb := New(Config{EntryTTL: time.Minute})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i%26))
			tb.Track(Reply, id, Entry{CommandName: "c"})
			tb.Take(Reply, id)
			tb.ExpireCooldown(id, time.Second)
			tb.Sweep(time.Now())
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, tb.Len(Reply), 26)
}
