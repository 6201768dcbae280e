package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Publisher sends fire-and-forget events over the connection.
type Publisher interface {
	Publish(event string, payload interface{}) error
}

// HistoryFetcher loads a page of persisted messages.
type HistoryFetcher interface {
	FetchConversation(ctx context.Context, key ConversationKey, page Page) ([]Message, error)
}

// Synchronizer keeps one timeline per conversation consistent across
// optimistic sends, acknowledgements, pushes and history reloads.
//
// Every method except LoadHistory must run on the loop.
type Synchronizer struct {
	loop      *Loop
	publisher Publisher
	fetcher   HistoryFetcher
	self      string
	workspace string

	timelines   map[ConversationKey]*Timeline
	generations map[ConversationKey]uint64
	// inflight holds the messages merged into a key since its latest load
	// began. The page of that load may predate them.
	inflight    map[ConversationKey][]Message
	listeners   []*changeListener

	window time.Duration
	newID  func() string
	logger *slog.Logger
}

type changeListener struct {
	f func(ConversationKey)
}

type SynchronizerOption func(*Synchronizer)

func WithSyncLogger(logger *slog.Logger) SynchronizerOption {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

func WithCorrelationWindow(d time.Duration) SynchronizerOption {
	return func(s *Synchronizer) {
		s.window = d
	}
}

func WithHistoryFetcher(f HistoryFetcher) SynchronizerOption {
	return func(s *Synchronizer) {
		s.fetcher = f
	}
}

// WithIDGenerator replaces the generator of temporary local ids.
func WithIDGenerator(newID func() string) SynchronizerOption {
	return func(s *Synchronizer) {
		s.newID = newID
	}
}

func NewSynchronizer(loop *Loop, publisher Publisher, self, workspace string, opts ...SynchronizerOption) *Synchronizer {
	s := &Synchronizer{
		loop:        loop,
		publisher:   publisher,
		self:        self,
		workspace:   workspace,
		timelines:   make(map[ConversationKey]*Timeline),
		generations: make(map[ConversationKey]uint64),
		inflight:    make(map[ConversationKey][]Message),
		window:      DefaultCorrelationWindow,
		newID:       uuid.NewString,
		logger:      slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnChange registers f to be called with the key of every conversation whose
// timeline changed.
func (s *Synchronizer) OnChange(f func(ConversationKey)) (cancel func()) {
	l := &changeListener{f: f}
	s.listeners = append(s.listeners, l)
	return func() {
		for i, other := range s.listeners {
			if other == l {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Synchronizer) changed(key ConversationKey) {
	for _, l := range append([]*changeListener(nil), s.listeners...) {
		l.f(key)
	}
}

func (s *Synchronizer) timeline(key ConversationKey) *Timeline {
	t, ok := s.timelines[key]
	if !ok {
		t = NewTimeline(key, s.window)
		s.timelines[key] = t
	}
	return t
}

// Messages returns the timeline of key, empty if it was never loaded.
func (s *Synchronizer) Messages(key ConversationKey) []Message {
	t, ok := s.timelines[key]
	if !ok {
		return []Message{}
	}
	return t.Messages()
}

// Close drops the timeline of key. Responses of loads in flight for it are
// discarded.
func (s *Synchronizer) Close(key ConversationKey) {
	delete(s.timelines, key)
	delete(s.inflight, key)
	s.generations[key]++
}

// Reset drops every timeline.
func (s *Synchronizer) Reset() {
	for key := range s.timelines {
		s.Close(key)
	}
	clear(s.inflight)
}

// BeginLoad starts a history load for key. Only the latest load of a key may
// apply its result.
func (s *Synchronizer) BeginLoad(key ConversationKey) uint64 {
	s.generations[key]++
	s.inflight[key] = make([]Message, 0)
	return s.generations[key]
}

// ApplyHistory replaces the timeline of key with page if gen is still the
// latest load. It reports whether the page was applied.
func (s *Synchronizer) ApplyHistory(key ConversationKey, gen uint64, page []Message) bool {
	if s.generations[key] != gen {
		s.logger.Debug("discarding stale history",
			slog.String("conversation", key.String()),
			slog.Uint64("generation", gen))
		return false
	}
	t := s.timeline(key)
	t.Reset(page)
	for _, m := range s.inflight[key] {
		t.Merge(m)
	}
	delete(s.inflight, key)
	s.changed(key)
	return true
}

// LoadHistory fetches page for key and replaces the timeline with it. It
// blocks on the fetch and must not be called from the loop.
func (s *Synchronizer) LoadHistory(ctx context.Context, key ConversationKey, page Page) ([]Message, error) {
	if !key.Valid() {
		return nil, ErrInvalidConversation
	}
	if s.fetcher == nil {
		return nil, fmt.Errorf("load history: no history fetcher")
	}

	var gen uint64
	if err := s.loop.Call(ctx, func() {
		gen = s.BeginLoad(key)
	}); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages, err := s.fetcher.FetchConversation(ctx, key, page)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	if err := s.loop.Call(ctx, func() {
		s.ApplyHistory(key, gen, messages)
	}); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return messages, nil
}

// SendOptimistic appends a pending message to the timeline of key and
// publishes it. A publish dropped for lack of connection leaves the entry
// unsent for ResendUnsent; the returned error is only about the input.
func (s *Synchronizer) SendOptimistic(key ConversationKey, content string, typ MessageType) (Message, error) {
	if !key.Valid() {
		return Message{}, ErrInvalidConversation
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if typ == "" {
		typ = TextMessage
	}
	if !typ.Valid() {
		return Message{}, ErrInvalidMessageType
	}

	m := Message{
		ClientID:    s.newID(),
		SenderID:    s.self,
		WorkspaceID: s.workspace,
		Content:     content,
		MessageType: typ,
		CreatedAt:   s.loop.Now(),
		Pending:     true,
	}
	switch key.Kind {
	case DirectConversation:
		m.ReceiverID = key.ID
	case ChannelConversation:
		m.ChannelID = key.ID
	}

	t := s.timeline(key)
	t.AddPending(m)
	if err := s.publish(key, m); err != nil {
		s.logger.Warn("message not sent",
			slog.String("conversation", key.String()),
			slog.String("client_id", m.ClientID),
			slog.String("error", err.Error()))
		t.MarkUnsent(m.ClientID, true)
		m.Unsent = true
	}
	s.changed(key)
	return m, nil
}

// ResendUnsent publishes again every entry whose publish was dropped. It runs
// once per Connected transition.
func (s *Synchronizer) ResendUnsent() int {
	sent := 0
	for key, t := range s.timelines {
		unsent := t.Unsent()
		for _, m := range unsent {
			if err := s.publish(key, m); err != nil {
				s.logger.Warn("resend failed",
					slog.String("conversation", key.String()),
					slog.String("client_id", m.ClientID),
					slog.String("error", err.Error()))
				continue
			}
			t.MarkUnsent(m.ClientID, false)
			sent++
		}
		if len(unsent) > 0 {
			s.changed(key)
		}
	}
	if sent > 0 {
		s.logger.Info("resent messages", slog.Int("count", sent))
	}
	return sent
}

func (s *Synchronizer) publish(key ConversationKey, m Message) error {
	if key.Kind == ChannelConversation {
		return s.publisher.Publish(SendChannelMessageEvent, SendChannelMessagePayload{
			SenderID:    m.SenderID,
			ChannelID:   m.ChannelID,
			WorkspaceID: m.WorkspaceID,
			Content:     m.Content,
			MessageType: m.MessageType,
			ClientID:    m.ClientID,
		})
	}
	return s.publisher.Publish(SendMessageEvent, SendMessagePayload{
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		WorkspaceID: m.WorkspaceID,
		Content:     m.Content,
		MessageType: m.MessageType,
		ClientID:    m.ClientID,
	})
}

// Merge admits m into the timeline it belongs to, creating the timeline if
// the conversation was never opened.
func (s *Synchronizer) Merge(m Message) MergeResult {
	key, ok := ConversationKeyFor(&m, s.self)
	if !ok {
		s.logger.Debug("message without conversation", slog.String("message", m.String()))
		return MergeInvalid
	}
	res := s.timeline(key).Merge(m)
	if merged, loading := s.inflight[key]; loading && res.Changed() {
		s.inflight[key] = append(merged, m)
	}
	s.logger.Debug("merged message",
		slog.String("conversation", key.String()),
		slog.String("id", m.ID),
		slog.String("result", res.String()))
	if res.Changed() {
		s.changed(key)
	}
	return res
}

// HandleEvent merges the message carried by receive and acknowledgement
// events.
func (s *Synchronizer) HandleEvent(e *Event) {
	var envelope MessageEnvelope
	if err := e.Decode(&envelope); err != nil {
		s.logger.Error(err.Error())
		return
	}
	if !envelope.Success || envelope.Message == nil {
		s.logger.Warn("unsuccessful message event",
			slog.String("event", e.Name),
			slog.String("error", envelope.Error))
		return
	}
	s.Merge(*envelope.Message)
}
