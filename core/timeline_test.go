package core

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireConsistent(t *testing.T, tl *Timeline) {
	t.Helper()
	entries := tl.Messages()
	seen := make(map[string]bool)
	for i, m := range entries {
		if i > 0 {
			require.False(t, m.CreatedAt.Before(entries[i-1].CreatedAt), "timeline out of order: %s", describe(entries))
		}
		if m.Pending {
			require.Empty(t, m.ID)
			continue
		}
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
		require.True(t, tl.Seen(m.ID))
	}
	require.Equal(t, len(seen), len(tl.seen), "seen set and timeline ids differ")
}

func TestTimelineMergeIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	tl := NewTimeline(DirectKey("bob"), 0)

	pool := make([]Message, 20)
	for i := range pool {
		pool[i] = msg(string(rune('a'+i)), "bob", "alice", "hi", time.Duration(rng.Intn(100))*time.Second)
	}
	for i := 0; i < 200; i++ {
		tl.Merge(pool[rng.Intn(len(pool))])
		requireConsistent(t, tl)
	}
}

func TestTimelinePushAndAckCountedOnce(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	m := msg("m1", "bob", "alice", "hello", 0)

	assert.Equal(t, MergeInserted, tl.Merge(m))
	assert.Equal(t, MergeDuplicate, tl.Merge(m))
	assert.Equal(t, 1, tl.Len())
}

func TestTimelineMergeRejectsMissingID(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	assert.Equal(t, MergeInvalid, tl.Merge(msg("", "bob", "alice", "hello", 0)))
	assert.Equal(t, 0, tl.Len())
}

func TestTimelineInsertsInTimeOrder(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	tl.Merge(msg("m3", "bob", "alice", "3", 3*time.Second))
	tl.Merge(msg("m1", "bob", "alice", "1", time.Second))
	tl.Merge(msg("m2", "bob", "alice", "2", 2*time.Second))

	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(tl.Messages()))
	requireConsistent(t, tl)
}

func TestTimelineAckReplacesPendingByClientID(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	tl.Merge(msg("m0", "bob", "alice", "before", 0))

	pending := msg("", "alice", "bob", "hello", time.Second)
	pending.ClientID = "tmp-1"
	tl.AddPending(pending)
	require.Len(t, tl.Pending(), 1)

	ack := msg("m1", "alice", "bob", "hello", 2*time.Second)
	ack.ClientID = "tmp-1"
	assert.Equal(t, MergeReplaced, tl.Merge(ack))

	entries := tl.Messages()
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[1].ID)
	assert.Equal(t, "hello", entries[1].Content)
	assert.False(t, entries[1].Pending)
	assert.Empty(t, tl.Pending())
	requireConsistent(t, tl)
}

func TestTimelineAckReplacesPendingByContentWithinWindow(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 10*time.Second)
	pending := msg("", "alice", "bob", "hello", 0)
	pending.ClientID = "tmp-1"
	tl.AddPending(pending)

	// the backend did not echo the client id
	assert.Equal(t, MergeReplaced, tl.Merge(msg("m1", "alice", "bob", "hello", 3*time.Second)))
	assert.Equal(t, []string{"m1"}, ids(tl.Messages()))
}

func TestTimelineNoCorrelationOutsideWindow(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 10*time.Second)
	tl.AddPending(msg("", "alice", "bob", "hello", 0))

	assert.Equal(t, MergeInserted, tl.Merge(msg("m1", "alice", "bob", "hello", 11*time.Second)))
	assert.Equal(t, 2, tl.Len())
	assert.Len(t, tl.Pending(), 1)
}

func TestTimelineNoCorrelationWithOtherSender(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	tl.AddPending(msg("", "alice", "bob", "hello", 0))

	assert.Equal(t, MergeInserted, tl.Merge(msg("m1", "bob", "alice", "hello", time.Second)))
	assert.Len(t, tl.Pending(), 1)
}

func TestTimelineDifferentClientIDsNeverCorrelate(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	first := msg("", "alice", "bob", "hello", 0)
	first.ClientID = "tmp-1"
	second := msg("", "alice", "bob", "hello", time.Second)
	second.ClientID = "tmp-2"
	tl.AddPending(first)
	tl.AddPending(second)

	ack := msg("m2", "alice", "bob", "hello", 2*time.Second)
	ack.ClientID = "tmp-2"
	assert.Equal(t, MergeReplaced, tl.Merge(ack))

	pending := tl.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "tmp-1", pending[0].ClientID)
}

func TestTimelineReplacementKeepsOrder(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	pending := msg("", "alice", "bob", "hello", 5*time.Second)
	pending.ClientID = "tmp-1"
	tl.AddPending(pending)
	tl.Merge(msg("m2", "bob", "alice", "yo", 6*time.Second))

	// the server clock is ahead of the local one
	ack := msg("m1", "alice", "bob", "hello", 8*time.Second)
	ack.ClientID = "tmp-1"
	require.Equal(t, MergeReplaced, tl.Merge(ack))

	assert.Equal(t, []string{"m2", "m1"}, ids(tl.Messages()))
	requireConsistent(t, tl)
}

func TestTimelineResetReplacesSeenSet(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	tl.Merge(msg("old", "bob", "alice", "old", 0))

	tl.Reset([]Message{
		msg("m2", "bob", "alice", "2", 2*time.Second),
		msg("m1", "bob", "alice", "1", time.Second),
		msg("m1", "bob", "alice", "1", time.Second),
	})

	assert.Equal(t, []string{"m1", "m2"}, ids(tl.Messages()))
	assert.False(t, tl.Seen("old"))
	assert.Equal(t, MergeInserted, tl.Merge(msg("old", "bob", "alice", "old", 0)))
	requireConsistent(t, tl)
}

func TestTimelineResetKeepsUnacknowledgedPending(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	acked := msg("", "alice", "bob", "first", 10*time.Second)
	acked.ClientID = "tmp-1"
	waiting := msg("", "alice", "bob", "second", 11*time.Second)
	waiting.ClientID = "tmp-2"
	tl.AddPending(acked)
	tl.AddPending(waiting)

	page := msg("m1", "alice", "bob", "first", 10*time.Second)
	page.ClientID = "tmp-1"
	tl.Reset([]Message{msg("m0", "bob", "alice", "hey", 0), page})

	entries := tl.Messages()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"m0", "m1", ""}, ids(entries))
	assert.Equal(t, "tmp-2", entries[2].ClientID)
	assert.True(t, entries[2].Pending)
	requireConsistent(t, tl)
}

func TestTimelineUnsent(t *testing.T) {
	tl := NewTimeline(DirectKey("bob"), 0)
	pending := msg("", "alice", "bob", "hello", 0)
	pending.ClientID = "tmp-1"
	tl.AddPending(pending)

	require.True(t, tl.MarkUnsent("tmp-1", true))
	require.Len(t, tl.Unsent(), 1)
	assert.False(t, tl.MarkUnsent("missing", true))

	require.True(t, tl.MarkUnsent("tmp-1", false))
	assert.Empty(t, tl.Unsent())
	assert.Len(t, tl.Pending(), 1)
}
