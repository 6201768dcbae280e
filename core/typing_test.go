package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingExpires(t *testing.T) {
	s := newFakeScheduler()
	a := NewTypingAggregator(s, "alice", WithTypingLogger(testLogger()))
	key := DirectKey("bob")

	a.OnTypingStart("bob", key)
	assert.Equal(t, []string{"bob"}, a.ActiveTypers(key))

	s.Advance(TypingTimeout)
	assert.Empty(t, a.ActiveTypers(key))
}

func TestTypingRestartRearms(t *testing.T) {
	s := newFakeScheduler()
	a := NewTypingAggregator(s, "alice", WithTypingLogger(testLogger()))
	key := ChannelKey("general")
	var changes int
	a.OnChange(func(ConversationKey) { changes++ })

	a.OnTypingStart("bob", key)
	s.Advance(2 * time.Second)
	a.OnTypingStart("bob", key)
	require.Equal(t, 1, s.pending())

	s.Advance(2 * time.Second)
	assert.Equal(t, []string{"bob"}, a.ActiveTypers(key), "expiry was not rearmed")

	s.Advance(time.Second)
	assert.Empty(t, a.ActiveTypers(key))
	assert.Equal(t, 2, changes, "expected one start and one removal")
}

func TestTypingStop(t *testing.T) {
	s := newFakeScheduler()
	a := NewTypingAggregator(s, "alice", WithTypingLogger(testLogger()))
	key := ChannelKey("general")

	a.OnTypingStart("carol", key)
	a.OnTypingStart("bob", key)
	assert.Equal(t, []string{"bob", "carol"}, a.ActiveTypers(key))

	a.OnTypingStop("carol", key)
	assert.Equal(t, []string{"bob"}, a.ActiveTypers(key))
	assert.Equal(t, 1, s.pending())

	a.Clear(key)
	assert.Empty(t, a.ActiveTypers(key))
	assert.Equal(t, 0, s.pending())
}

func TestTypingIgnoresSelf(t *testing.T) {
	s := newFakeScheduler()
	a := NewTypingAggregator(s, "alice", WithTypingLogger(testLogger()))

	e, err := NewEvent(ChannelTypingEvent, ChannelTypingPayload{ChannelID: "general", UserID: "alice"})
	require.NoError(t, err)
	a.HandleEvent(e)
	assert.Empty(t, a.ActiveTypers(ChannelKey("general")))
}

func TestTypingEventsKeyDirectByTypist(t *testing.T) {
	s := newFakeScheduler()
	a := NewTypingAggregator(s, "alice", WithTypingLogger(testLogger()))

	start, err := NewEvent(TypingEvent, TypingPayload{ReceiverID: "alice", UserID: "bob"})
	require.NoError(t, err)
	a.HandleEvent(start)
	assert.Equal(t, []string{"bob"}, a.ActiveTypers(DirectKey("bob")))

	stop, err := NewEvent(StopTypingEvent, TypingPayload{ReceiverID: "alice", UserID: "bob"})
	require.NoError(t, err)
	a.HandleEvent(stop)
	assert.Empty(t, a.ActiveTypers(DirectKey("bob")))
}

func TestTypingNotifier(t *testing.T) {
	s := newFakeScheduler()
	pub := newFakePublisher(Connected)
	n := NewTypingNotifier(s, pub, "alice", "ws1", WithTypingLogger(testLogger()))
	key := DirectKey("bob")

	n.Keystroke(key, "h")
	n.Keystroke(key, "he")
	s.Advance(2 * time.Second)
	n.Keystroke(key, "hel")
	assert.Len(t, pub.Events(TypingEvent), 1)
	assert.Empty(t, pub.Events(StopTypingEvent))

	s.Advance(2 * time.Second)
	assert.Empty(t, pub.Events(StopTypingEvent), "stop timer was not rearmed")

	s.Advance(time.Second)
	stops := pub.Events(StopTypingEvent)
	require.Len(t, stops, 1)
	assert.Equal(t, TypingPayload{ReceiverID: "bob", UserID: "alice"}, stops[0].Payload)
	assert.False(t, n.Typing(key))
}

func TestTypingNotifierStopAndCancel(t *testing.T) {
	s := newFakeScheduler()
	pub := newFakePublisher(Connected)
	n := NewTypingNotifier(s, pub, "alice", "ws1", WithTypingLogger(testLogger()))
	key := ChannelKey("general")

	n.Keystroke(key, "hi")
	n.Keystroke(key, "")
	assert.Len(t, pub.Events(ChannelTypingEvent), 1)
	assert.Len(t, pub.Events(ChannelStopTypingEvent), 1)

	// stopping while idle publishes nothing
	n.Stop(key)
	assert.Len(t, pub.Events(ChannelStopTypingEvent), 1)

	n.Keystroke(key, "again")
	n.Cancel(key)
	s.Advance(TypingTimeout)
	assert.Len(t, pub.Events(ChannelTypingEvent), 2)
	assert.Len(t, pub.Events(ChannelStopTypingEvent), 1)
	assert.Equal(t, 0, s.pending())
}
