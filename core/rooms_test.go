package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclareInterestJoinsWhenConnected(t *testing.T) {
	pub := newFakePublisher(Connected)
	rooms := NewRoomTracker(pub, WithRoomLogger(testLogger()))

	rooms.DeclareInterest(PersonalRoomOf("alice"))
	rooms.DeclareInterest(ChannelRoomOf("general", "ws1"))

	events := pub.Events()
	require.Len(t, events, 2)
	assert.Equal(t, publishedEvent{Name: JoinEvent, Payload: JoinPayload{UserID: "alice"}}, events[0])
	assert.Equal(t, publishedEvent{Name: JoinChannelEvent, Payload: JoinChannelPayload{ChannelID: "general", WorkspaceID: "ws1"}}, events[1])
}

func TestDeclareInterestDeferredUntilConnected(t *testing.T) {
	pub := newFakePublisher(Connecting)
	rooms := NewRoomTracker(pub, WithRoomLogger(testLogger()))

	rooms.DeclareInterest(PersonalRoomOf("alice"))
	assert.Empty(t, pub.Events())

	pub.setState(Connected)
	rooms.HandleStateChange(StateChange{From: Connecting, To: Connected})
	assert.Len(t, pub.Events(JoinEvent), 1)
}

func TestReassertOncePerRoomPerConnected(t *testing.T) {
	pub := newFakePublisher(Disconnected)
	rooms := NewRoomTracker(pub, WithRoomLogger(testLogger()))
	rooms.DeclareInterest(PersonalRoomOf("alice"))
	rooms.DeclareInterest(ChannelRoomOf("general", "ws1"))
	// declaring twice keeps a single membership
	rooms.DeclareInterest(ChannelRoomOf("general", "ws1"))

	pub.setState(Connected)
	rooms.HandleStateChange(StateChange{From: Connecting, To: Connected})
	pub.setState(Reconnecting)
	rooms.HandleStateChange(StateChange{From: Connected, To: Reconnecting})
	pub.setState(Connected)
	rooms.HandleStateChange(StateChange{From: Reconnecting, To: Connected})

	assert.Len(t, pub.Events(JoinEvent), 2)
	assert.Len(t, pub.Events(JoinChannelEvent), 2)
}

func TestRevokeInterest(t *testing.T) {
	pub := newFakePublisher(Disconnected)
	rooms := NewRoomTracker(pub, WithRoomLogger(testLogger()))
	rooms.DeclareInterest(ChannelRoomOf("general", "ws1"))
	rooms.DeclareInterest(ChannelRoomOf("random", "ws1"))
	rooms.RevokeInterest(ChannelRoomOf("general", "ws1"))

	assert.Equal(t, []Room{ChannelRoomOf("random", "ws1")}, rooms.Rooms())

	pub.setState(Connected)
	rooms.Reassert()
	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "random", events[0].Payload.(JoinChannelPayload).ChannelID)

	rooms.Reset()
	assert.Empty(t, rooms.Rooms())
}
