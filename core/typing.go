package core

import (
	"log/slog"
	"os"
	"sort"
	"time"
)

// TypingTimeout is how long a typing indicator lives without a refresh, and
// how long the local user may pause before a stop is published.
const TypingTimeout = 3 * time.Second

type typingEntry struct {
	timer     Timer
	expiresAt time.Time
}

// TypingAggregator tracks who is typing in each conversation. Entries expire
// on their own unless refreshed. It must be used from the loop that runs the
// scheduler callbacks.
type TypingAggregator struct {
	scheduler Scheduler
	self      string
	timeout   time.Duration
	entries   map[ConversationKey]map[string]*typingEntry
	listeners []*changeListener
	logger    *slog.Logger
}

type TypingOption func(*typingOptions)

type typingOptions struct {
	timeout time.Duration
	logger  *slog.Logger
}

func WithTypingTimeout(d time.Duration) TypingOption {
	return func(o *typingOptions) {
		o.timeout = d
	}
}

func WithTypingLogger(logger *slog.Logger) TypingOption {
	return func(o *typingOptions) {
		o.logger = logger
	}
}

func newTypingOptions(opts []TypingOption) typingOptions {
	o := typingOptions{
		timeout: TypingTimeout,
		logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewTypingAggregator(scheduler Scheduler, self string, opts ...TypingOption) *TypingAggregator {
	o := newTypingOptions(opts)
	return &TypingAggregator{
		scheduler: scheduler,
		self:      self,
		timeout:   o.timeout,
		entries:   make(map[ConversationKey]map[string]*typingEntry),
		logger:    o.logger,
	}
}

// OnTypingStart records userID as typing in key and rearms its expiry.
func (a *TypingAggregator) OnTypingStart(userID string, key ConversationKey) {
	if userID == "" || userID == a.self {
		return
	}
	users, ok := a.entries[key]
	if !ok {
		users = make(map[string]*typingEntry)
		a.entries[key] = users
	}
	prev, existed := users[userID]
	if existed {
		prev.timer.Stop()
	}
	entry := &typingEntry{expiresAt: a.scheduler.Now().Add(a.timeout)}
	entry.timer = a.scheduler.AfterFunc(a.timeout, func() {
		a.expire(userID, key, entry)
	})
	users[userID] = entry
	if !existed {
		a.changed(key)
	}
}

// OnTypingStop removes userID from key.
func (a *TypingAggregator) OnTypingStop(userID string, key ConversationKey) {
	users := a.entries[key]
	entry, ok := users[userID]
	if !ok {
		return
	}
	entry.timer.Stop()
	a.delete(key, userID)
	a.changed(key)
}

func (a *TypingAggregator) expire(userID string, key ConversationKey, entry *typingEntry) {
	if a.entries[key][userID] != entry {
		return
	}
	a.logger.Debug("typing expired", slog.String("user", userID), slog.String("conversation", key.String()))
	a.delete(key, userID)
	a.changed(key)
}

func (a *TypingAggregator) delete(key ConversationKey, userID string) {
	delete(a.entries[key], userID)
	if len(a.entries[key]) == 0 {
		delete(a.entries, key)
	}
}

// ActiveTypers returns the users typing in key, sorted.
func (a *TypingAggregator) ActiveTypers(key ConversationKey) []string {
	users := make([]string, 0, len(a.entries[key]))
	for id := range a.entries[key] {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Clear drops the entries of key and cancels their expiry.
func (a *TypingAggregator) Clear(key ConversationKey) {
	users, ok := a.entries[key]
	if !ok {
		return
	}
	for _, entry := range users {
		entry.timer.Stop()
	}
	delete(a.entries, key)
	a.changed(key)
}

func (a *TypingAggregator) Reset() {
	for key := range a.entries {
		a.Clear(key)
	}
}

func (a *TypingAggregator) OnChange(f func(ConversationKey)) (cancel func()) {
	l := &changeListener{f: f}
	a.listeners = append(a.listeners, l)
	return func() {
		for i, other := range a.listeners {
			if other == l {
				a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
				return
			}
		}
	}
}

func (a *TypingAggregator) changed(key ConversationKey) {
	for _, l := range append([]*changeListener(nil), a.listeners...) {
		l.f(key)
	}
}

// HandleEvent applies inbound typing events. A direct typing event keys the
// conversation by the typist, who is the peer.
func (a *TypingAggregator) HandleEvent(e *Event) {
	switch e.Name {
	case TypingEvent, StopTypingEvent:
		var payload TypingPayload
		if err := e.Decode(&payload); err != nil {
			a.logger.Error(err.Error())
			return
		}
		key := DirectKey(payload.UserID)
		if e.Name == TypingEvent {
			a.OnTypingStart(payload.UserID, key)
		} else {
			a.OnTypingStop(payload.UserID, key)
		}
	case ChannelTypingEvent, ChannelStopTypingEvent:
		var payload ChannelTypingPayload
		if err := e.Decode(&payload); err != nil {
			a.logger.Error(err.Error())
			return
		}
		key := ChannelKey(payload.ChannelID)
		if e.Name == ChannelTypingEvent {
			a.OnTypingStart(payload.UserID, key)
		} else {
			a.OnTypingStop(payload.UserID, key)
		}
	default:
		a.logger.Debug("unexpected typing event", slog.String("event", e.Name))
	}
}

// TypingNotifier publishes the local user's typing state. A start is
// published when the user begins typing and a stop after they pause.
type TypingNotifier struct {
	scheduler Scheduler
	publisher Publisher
	self      string
	workspace string
	timeout   time.Duration
	active    map[ConversationKey]Timer
	logger    *slog.Logger
}

func NewTypingNotifier(scheduler Scheduler, publisher Publisher, self, workspace string, opts ...TypingOption) *TypingNotifier {
	o := newTypingOptions(opts)
	return &TypingNotifier{
		scheduler: scheduler,
		publisher: publisher,
		self:      self,
		workspace: workspace,
		timeout:   o.timeout,
		active:    make(map[ConversationKey]Timer),
		logger:    o.logger,
	}
}

// Keystroke reports the current input text of key.
func (n *TypingNotifier) Keystroke(key ConversationKey, text string) {
	if text == "" {
		n.Stop(key)
		return
	}
	timer, typing := n.active[key]
	if typing {
		timer.Stop()
	} else {
		n.publish(key, true)
	}
	var t Timer
	t = n.scheduler.AfterFunc(n.timeout, func() {
		if n.active[key] != t {
			return
		}
		delete(n.active, key)
		n.publish(key, false)
	})
	n.active[key] = t
}

// Stop publishes a stop right away if the user was typing in key.
func (n *TypingNotifier) Stop(key ConversationKey) {
	timer, ok := n.active[key]
	if !ok {
		return
	}
	timer.Stop()
	delete(n.active, key)
	n.publish(key, false)
}

// Cancel forgets the typing state of key without publishing anything.
func (n *TypingNotifier) Cancel(key ConversationKey) {
	if timer, ok := n.active[key]; ok {
		timer.Stop()
		delete(n.active, key)
	}
}

func (n *TypingNotifier) Reset() {
	for key := range n.active {
		n.Cancel(key)
	}
}

func (n *TypingNotifier) Typing(key ConversationKey) bool {
	_, ok := n.active[key]
	return ok
}

func (n *TypingNotifier) publish(key ConversationKey, start bool) {
	var (
		event   string
		payload interface{}
	)
	switch key.Kind {
	case ChannelConversation:
		event = ChannelStopTypingEvent
		if start {
			event = ChannelTypingEvent
		}
		payload = ChannelTypingPayload{ChannelID: key.ID, WorkspaceID: n.workspace, UserID: n.self}
	default:
		event = StopTypingEvent
		if start {
			event = TypingEvent
		}
		payload = TypingPayload{ReceiverID: key.ID, UserID: n.self}
	}
	if err := n.publisher.Publish(event, payload); err != nil {
		n.logger.Debug("typing not published", slog.String("event", event), slog.String("error", err.Error()))
	}
}
