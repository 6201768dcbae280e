package core

import (
	"log/slog"
	"os"
	"sort"
)

type RoomKind string

const (
	PersonalRoom RoomKind = "personal"
	ChannelRoom  RoomKind = "channel"
)

// Room is a server-side delivery group the client asks to be a member of.
type Room struct {
	Kind        RoomKind
	UserID      string
	ChannelID   string
	WorkspaceID string
}

func PersonalRoomOf(userID string) Room {
	return Room{Kind: PersonalRoom, UserID: userID}
}

func ChannelRoomOf(channelID, workspaceID string) Room {
	return Room{Kind: ChannelRoom, ChannelID: channelID, WorkspaceID: workspaceID}
}

func (r Room) Key() string {
	if r.Kind == ChannelRoom {
		return "channel:" + r.ChannelID
	}
	return "personal:" + r.UserID
}

func (r Room) joinEvent() (string, interface{}) {
	if r.Kind == ChannelRoom {
		return JoinChannelEvent, JoinChannelPayload{ChannelID: r.ChannelID, WorkspaceID: r.WorkspaceID}
	}
	return JoinEvent, JoinPayload{UserID: r.UserID}
}

// StatePublisher is a Publisher that knows whether it is connected.
type StatePublisher interface {
	Publisher
	State() State
}

// RoomTracker remembers the rooms of interest and asserts membership on
// every Connected transition. It must be used from the loop.
type RoomTracker struct {
	publisher StatePublisher
	rooms     map[string]Room
	logger    *slog.Logger
}

type RoomTrackerOption func(*RoomTracker)

func WithRoomLogger(logger *slog.Logger) RoomTrackerOption {
	return func(t *RoomTracker) {
		t.logger = logger
	}
}

func NewRoomTracker(publisher StatePublisher, opts ...RoomTrackerOption) *RoomTracker {
	t := &RoomTracker{
		publisher: publisher,
		rooms:     make(map[string]Room),
		logger:    slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// DeclareInterest adds room and joins it right away when connected.
// Otherwise the join waits for the next Connected transition.
func (t *RoomTracker) DeclareInterest(room Room) {
	t.rooms[room.Key()] = room
	if t.publisher.State() == Connected {
		t.assert(room)
	}
}

// RevokeInterest forgets room locally. No leave event exists on the wire.
func (t *RoomTracker) RevokeInterest(room Room) {
	delete(t.rooms, room.Key())
}

// Reassert joins every room of interest once.
func (t *RoomTracker) Reassert() {
	for _, room := range t.Rooms() {
		t.assert(room)
	}
}

func (t *RoomTracker) assert(room Room) {
	event, payload := room.joinEvent()
	if err := t.publisher.Publish(event, payload); err != nil {
		t.logger.Warn("join failed", slog.String("room", room.Key()), slog.String("error", err.Error()))
		return
	}
	t.logger.Debug("joined room", slog.String("room", room.Key()))
}

// Rooms returns the rooms of interest sorted by key.
func (t *RoomTracker) Rooms() []Room {
	rooms := make([]Room, 0, len(t.rooms))
	for _, r := range t.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Key() < rooms[j].Key()
	})
	return rooms
}

func (t *RoomTracker) Reset() {
	t.rooms = make(map[string]Room)
}

// HandleStateChange reasserts the rooms when the connection comes up.
func (t *RoomTracker) HandleStateChange(change StateChange) {
	if change.To == Connected {
		t.Reassert()
	}
}
