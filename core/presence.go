package core

import (
	"log/slog"
	"os"
	"sort"
)

type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Presence tracks which users are online from a snapshot plus deltas. It
// must be used from the loop.
type Presence struct {
	users     map[string]Status
	listeners []*presenceListener
	logger    *slog.Logger
}

type presenceListener struct {
	f func(userID string, status Status)
}

type PresenceOption func(*Presence)

func WithPresenceLogger(logger *slog.Logger) PresenceOption {
	return func(p *Presence) {
		p.logger = logger
	}
}

func NewPresence(opts ...PresenceOption) *Presence {
	p := &Presence{
		users:  make(map[string]Status),
		logger: slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ApplySnapshot replaces the whole set: listed users are online, every
// other known user is offline.
func (p *Presence) ApplySnapshot(online []string) {
	next := make(map[string]Status, len(online))
	for _, id := range online {
		next[id] = Online
	}
	for id, status := range p.users {
		if _, ok := next[id]; !ok && status == Online {
			next[id] = Offline
			p.notify(id, Offline)
		}
	}
	for id := range next {
		if p.users[id] != Online && next[id] == Online {
			p.notify(id, Online)
		}
	}
	p.users = next
}

// ApplyDelta updates one user, adding them if unknown.
func (p *Presence) ApplyDelta(userID string, status Status) {
	if userID == "" {
		return
	}
	if p.users[userID] == status {
		return
	}
	p.users[userID] = status
	p.notify(userID, status)
}

func (p *Presence) IsOnline(userID string) bool {
	return p.users[userID] == Online
}

// Online returns the online user ids sorted.
func (p *Presence) Online() []string {
	ids := make([]string, 0, len(p.users))
	for id, status := range p.users {
		if status == Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (p *Presence) Reset() {
	p.users = make(map[string]Status)
}

func (p *Presence) OnChange(f func(userID string, status Status)) (cancel func()) {
	l := &presenceListener{f: f}
	p.listeners = append(p.listeners, l)
	return func() {
		for i, other := range p.listeners {
			if other == l {
				p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
				return
			}
		}
	}
}

func (p *Presence) notify(userID string, status Status) {
	for _, l := range append([]*presenceListener(nil), p.listeners...) {
		l.f(userID, status)
	}
}

// HandleEvent applies online-users, user-online and user-offline events.
func (p *Presence) HandleEvent(e *Event) {
	switch e.Name {
	case OnlineUsersEvent:
		var payload OnlineUsersPayload
		if err := e.Decode(&payload); err != nil {
			p.logger.Error(err.Error())
			return
		}
		p.ApplySnapshot(payload.Users)
	case UserOnlineEvent, UserOfflineEvent:
		var payload PresencePayload
		if err := e.Decode(&payload); err != nil {
			p.logger.Error(err.Error())
			return
		}
		status := Online
		if e.Name == UserOfflineEvent {
			status = Offline
		}
		p.ApplyDelta(payload.UserID, status)
	default:
		p.logger.Debug("unexpected presence event", slog.String("event", e.Name))
	}
}
