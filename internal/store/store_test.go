package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bazaarlab/notisync/internal/notify"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func record(id string, minutesAgo int, read bool) notify.Record {
	return notify.Record{
		ID:            id,
		RecipientType: notify.RecipientBuyer,
		Category:      notify.CategoryOrder,
		Title:         "Order update",
		Message:       "Your order " + id + " changed state",
		Read:          read,
		CreatedAt:     baseTime.Add(-time.Duration(minutesAgo) * time.Minute),
		Channel:       notify.ChannelInApp,
	}
}

func ids(records []notify.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// requireCounterInvariant asserts the one guarantee every operation must
// uphold: the unread counter equals the number of unread records.
func requireCounterInvariant(t *testing.T, s *Store) {
	t.Helper()

	derived := 0
	for _, r := range s.Snapshot() {
		if !r.Read {
			derived++
		}
	}
	require.Equal(t, derived, s.UnreadCount())
}

func TestSeedReplacesWholesale(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("a", 10, false), record("b", 20, true)}, 1)

	require.Equal(t, 2, s.Len())
	require.Equal(t, 1, s.UnreadCount())

	s.Seed([]notify.Record{record("c", 5, false)}, 1)
	require.Equal(t, []string{"c"}, ids(s.Snapshot()))
	require.Equal(t, 1, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestSeedDerivesCounterWhenServerDisagrees(t *testing.T) {
	s := New()
	// Server claims 5 unread; records say 2. Derived value wins.
	s.Seed([]notify.Record{
		record("a", 1, false),
		record("b", 2, false),
		record("c", 3, true),
	}, 5)

	require.Equal(t, 2, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestPrependOrderingAndCounter(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("1", 30, false)}, 1)

	require.True(t, s.Prepend(record("2", 0, false)))
	require.Equal(t, []string{"2", "1"}, ids(s.Snapshot()))
	require.Equal(t, 2, s.UnreadCount())

	added := s.AppendPage([]notify.Record{record("3", 60, false)})
	require.Equal(t, 1, added)
	require.Equal(t, []string{"2", "1", "3"}, ids(s.Snapshot()))
	require.Equal(t, 3, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestPrependDuplicateIsNoOp(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("a", 10, false)}, 1)

	before := s.Snapshot()
	require.False(t, s.Prepend(record("a", 0, false)))
	require.Equal(t, ids(before), ids(s.Snapshot()))
	require.Equal(t, 1, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestPrependReadRecordDoesNotIncrementCounter(t *testing.T) {
	s := New()
	require.True(t, s.Prepend(record("a", 0, true)))
	require.Equal(t, 0, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestAppendPageSkipsDuplicates(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("a", 10, false), record("b", 20, false)}, 2)

	added := s.AppendPage([]notify.Record{record("b", 20, false), record("c", 30, true)})
	require.Equal(t, 1, added)
	require.Equal(t, []string{"a", "b", "c"}, ids(s.Snapshot()))
	require.Equal(t, 2, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestMarkReadIdempotent(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("a", 10, false), record("b", 20, false)}, 2)

	_, ok := s.MarkRead("a")
	require.True(t, ok)
	require.Equal(t, 1, s.UnreadCount())

	got, _ := s.Get("a")
	require.True(t, got.Read)
	require.NotNil(t, got.ReadAt)

	// Second call must not decrement again.
	_, ok = s.MarkRead("a")
	require.False(t, ok)
	require.Equal(t, 1, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestMarkReadUnknownID(t *testing.T) {
	s := New()
	_, ok := s.MarkRead("ghost")
	require.False(t, ok)
	require.Equal(t, 0, s.UnreadCount())
}

func TestMarkReadRevertRestoresPriorState(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("a", 10, false)}, 1)

	revert, ok := s.MarkRead("a")
	require.True(t, ok)
	require.Equal(t, 0, s.UnreadCount())

	revert()
	got, _ := s.Get("a")
	require.False(t, got.Read)
	require.Nil(t, got.ReadAt)
	require.Equal(t, 1, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestMarkAllReadScenario(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{
		record("a", 1, false),
		record("b", 2, false),
		record("c", 3, false),
		record("d", 4, true),
		record("e", 5, true),
	}, 3)
	require.Equal(t, 3, s.UnreadCount())

	_, flipped := s.MarkAllRead()
	require.Equal(t, 3, flipped)
	require.Equal(t, 0, s.UnreadCount())
	for _, r := range s.Snapshot() {
		require.True(t, r.Read)
	}
	requireCounterInvariant(t, s)
}

func TestMarkAllReadRevertFlipsOnlyAffected(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{
		record("a", 1, false),
		record("b", 2, true),
	}, 1)

	revert, flipped := s.MarkAllRead()
	require.Equal(t, 1, flipped)

	revert()
	a, _ := s.Get("a")
	b, _ := s.Get("b")
	require.False(t, a.Read)
	require.True(t, b.Read) // was read before, untouched by revert
	require.Equal(t, 1, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestRemoveAdjustsCounterOnlyForUnread(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("a", 1, false), record("b", 2, true)}, 1)

	_, ok := s.Remove("b")
	require.True(t, ok)
	require.Equal(t, 1, s.UnreadCount())

	_, ok = s.Remove("a")
	require.True(t, ok)
	require.Equal(t, 0, s.UnreadCount())
	require.Equal(t, 0, s.Len())
	requireCounterInvariant(t, s)
}

func TestRemoveRevertReinsertsAtPosition(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{
		record("a", 1, false),
		record("b", 2, false),
		record("c", 3, false),
	}, 3)

	revert, ok := s.Remove("b")
	require.True(t, ok)
	require.Equal(t, []string{"a", "c"}, ids(s.Snapshot()))

	revert()
	require.Equal(t, []string{"a", "b", "c"}, ids(s.Snapshot()))
	require.Equal(t, 3, s.UnreadCount())
	requireCounterInvariant(t, s)
}

func TestClearEmptiesAndBumpsGeneration(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("a", 1, false)}, 1)
	gen := s.Generation()

	s.Clear()
	require.Equal(t, 0, s.Len())
	require.Equal(t, 0, s.UnreadCount())
	require.Greater(t, s.Generation(), gen)
}

func TestGenerationBumpsOnSeed(t *testing.T) {
	s := New()
	gen := s.Generation()
	s.Seed(nil, 0)
	require.Equal(t, gen+1, s.Generation())
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Prepend(record("a", 0, false))

	select {
	case change := <-ch:
		require.Equal(t, OpPrepend, change.Op)
		require.Equal(t, "a", change.RecordID)
		require.Equal(t, 1, change.UnreadCount)
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Mutations after unsubscribe must not panic.
	s.Prepend(record("a", 0, false))
}

func TestCounterInvariantUnderMixedSequences(t *testing.T) {
	s := New()
	s.Seed([]notify.Record{record("s1", 50, false), record("s2", 60, true)}, 1)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("push-%d", i)
		s.Prepend(record(id, 0, i%3 == 0))
		if i%4 == 0 {
			s.MarkRead(id)
			s.MarkRead(id)
		}
		if i%5 == 0 {
			s.Remove(id)
		}
		requireCounterInvariant(t, s)
	}

	s.MarkAllRead()
	requireCounterInvariant(t, s)
	require.Equal(t, 0, s.UnreadCount())
}
