package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/history"
	"github.com/putto11262002/chatsync/pkg/logger"
)

// Session is everything a logged in client holds: the connection, the rooms
// it joined and the synchronized state of its conversations. A session is
// created by Login and destroyed by Logout. Its methods are safe to call from
// any goroutine except from callbacks the session itself invokes.
type Session struct {
	config *Config
	cred   core.Credential
	logger *slog.Logger

	loop     *core.Loop
	conn     *core.ConnManager
	rooms    *core.RoomTracker
	sync     *core.Synchronizer
	presence *core.Presence
	typing   *core.TypingAggregator
	notifier *core.TypingNotifier

	cleanupFuncs []func()
	closeOnce    sync.Once
}

type sessionOptions struct {
	logger  *slog.Logger
	dialer  core.Dialer
	fetcher core.HistoryFetcher
}

type SessionOption func(*sessionOptions)

func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) {
		o.logger = l
	}
}

// WithDialer replaces the WebSocket dialer built from the configuration.
func WithDialer(d core.Dialer) SessionOption {
	return func(o *sessionOptions) {
		o.dialer = d
	}
}

// WithHistoryFetcher replaces the history client built from the configuration.
func WithHistoryFetcher(f core.HistoryFetcher) SessionOption {
	return func(o *sessionOptions) {
		o.fetcher = f
	}
}

// Login validates config, connects with its token and joins the personal
// room of the user. It returns once connected, or the error that prevented
// it. Authentication faults wrap core.ErrUnauthorized.
func Login(ctx context.Context, config *Config, opts ...SessionOption) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %s", FormatValidationErrors(err))
	}

	o := &sessionOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.New(config.LogLevel, os.Stdout)
	}

	cred, err := core.ParseCredential(config.Token, time.Now())
	if err != nil {
		return nil, err
	}

	s := &Session{
		config: config,
		cred:   cred,
		logger: o.logger.With(slog.String("user", cred.UserID)),
	}
	if o.dialer == nil {
		o.dialer = core.NewWSDialer(config.WSURL, core.WithWSLogger(s.logger.WithGroup("transport")))
	}
	if o.fetcher == nil {
		o.fetcher = history.New(config.APIURL, history.WithToken(config.Token))
	}

	s.loop = core.NewLoop(core.WithLoopLogger(s.logger))
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	s.loop.Start(loopCtx)
	s.AddCleanupFunc(func() {
		cancelLoop()
		<-s.loop.Done()
	})

	s.conn = core.NewConnManager(o.dialer,
		core.WithLogger(s.logger.WithGroup("conn")),
		core.WithDispatcher(s.loop),
		core.WithReconnectPolicy(config.ReconnectPolicy()),
		core.WithHeartbeatInterval(config.Heartbeat))
	s.AddCleanupFunc(s.conn.Close)

	s.rooms = core.NewRoomTracker(s.conn, core.WithRoomLogger(s.logger))
	s.sync = core.NewSynchronizer(s.loop, s.conn, cred.UserID, config.WorkspaceID,
		core.WithSyncLogger(s.logger),
		core.WithCorrelationWindow(config.CorrelationWindow),
		core.WithHistoryFetcher(o.fetcher))
	s.presence = core.NewPresence(core.WithPresenceLogger(s.logger))
	s.typing = core.NewTypingAggregator(s.loop, cred.UserID,
		core.WithTypingTimeout(config.TypingTimeout),
		core.WithTypingLogger(s.logger))
	s.notifier = core.NewTypingNotifier(s.loop, s.conn, cred.UserID, config.WorkspaceID,
		core.WithTypingTimeout(config.TypingTimeout),
		core.WithTypingLogger(s.logger))

	for _, event := range []string{
		core.ReceiveMessageEvent, core.ReceiveChannelMessageEvent,
		core.AckMessageEvent, core.AckChannelMessageEvent,
	} {
		s.AddCleanupFunc(s.conn.Subscribe(event, s.sync))
	}
	for _, event := range []string{core.OnlineUsersEvent, core.UserOnlineEvent, core.UserOfflineEvent} {
		s.AddCleanupFunc(s.conn.Subscribe(event, s.presence))
	}
	for _, event := range []string{
		core.TypingEvent, core.StopTypingEvent,
		core.ChannelTypingEvent, core.ChannelStopTypingEvent,
	} {
		s.AddCleanupFunc(s.conn.Subscribe(event, s.typing))
	}
	s.AddCleanupFunc(s.conn.OnStateChange(s.onStateChange))

	if err := s.loop.Call(ctx, func() {
		s.rooms.DeclareInterest(core.PersonalRoomOf(cred.UserID))
	}); err != nil {
		s.Logout()
		return nil, err
	}

	if err := s.conn.Connect(ctx, config.Token); err != nil {
		s.Logout()
		return nil, fmt.Errorf("login: %w", err)
	}
	s.logger.Info("logged in")
	return s, nil
}

func (s *Session) onStateChange(change core.StateChange) {
	switch change.To {
	case core.Connected:
		s.rooms.HandleStateChange(change)
		s.sync.ResendUnsent()
	case core.Disconnected:
		if change.Err != nil {
			s.logger.Error("connection lost", slog.String("error", change.Err.Error()))
		}
	}
}

// AddCleanupFunc registers f to run on Logout, in reverse order of
// registration.
func (s *Session) AddCleanupFunc(f func()) {
	s.cleanupFuncs = append(s.cleanupFuncs, f)
}

// Logout disconnects and releases everything the session holds. It is
// idempotent.
func (s *Session) Logout() {
	s.closeOnce.Do(func() {
		if s.loop != nil {
			s.loop.Call(context.Background(), func() {
				s.notifier.Reset()
				s.typing.Reset()
				s.presence.Reset()
				s.rooms.Reset()
				s.sync.Reset()
			})
		}
		for i := len(s.cleanupFuncs) - 1; i >= 0; i-- {
			s.cleanupFuncs[i]()
		}
		s.cleanupFuncs = nil
		s.logger.Info("logged out")
	})
}

func (s *Session) UserID() string {
	return s.cred.UserID
}

func (s *Session) State() core.State {
	return s.conn.State()
}

// OnStateChange registers f for connection state transitions. f runs on the
// session loop.
func (s *Session) OnStateChange(f core.StateHandler) (cancel func()) {
	return s.conn.OnStateChange(f)
}

// JoinChannel declares interest in a channel room so its messages are
// delivered, now and after every reconnect.
func (s *Session) JoinChannel(ctx context.Context, channelID string) error {
	return s.loop.Call(ctx, func() {
		s.rooms.DeclareInterest(core.ChannelRoomOf(channelID, s.config.WorkspaceID))
	})
}

// LeaveChannel stops rejoining a channel room after reconnects.
func (s *Session) LeaveChannel(ctx context.Context, channelID string) error {
	return s.loop.Call(ctx, func() {
		s.rooms.RevokeInterest(core.ChannelRoomOf(channelID, s.config.WorkspaceID))
	})
}

// LoadHistory replaces the timeline of key with the page requested.
func (s *Session) LoadHistory(ctx context.Context, key core.ConversationKey, page core.Page) ([]core.Message, error) {
	return s.sync.LoadHistory(ctx, key, page)
}

// Send shows content in the timeline of key right away and publishes it. It
// does not wait for the acknowledgement.
func (s *Session) Send(ctx context.Context, key core.ConversationKey, content string, typ core.MessageType) (core.Message, error) {
	var (
		m   core.Message
		err error
	)
	if callErr := s.loop.Call(ctx, func() {
		m, err = s.sync.SendOptimistic(key, content, typ)
		if err == nil {
			s.notifier.Stop(key)
		}
	}); callErr != nil {
		return core.Message{}, callErr
	}
	return m, err
}

// Keystroke reports the input text of key to drive the local typing state.
func (s *Session) Keystroke(ctx context.Context, key core.ConversationKey, text string) error {
	return s.loop.Call(ctx, func() {
		s.notifier.Keystroke(key, text)
	})
}

func (s *Session) Messages(ctx context.Context, key core.ConversationKey) ([]core.Message, error) {
	var messages []core.Message
	err := s.loop.Call(ctx, func() {
		messages = s.sync.Messages(key)
	})
	return messages, err
}

func (s *Session) ActiveTypers(ctx context.Context, key core.ConversationKey) ([]string, error) {
	var users []string
	err := s.loop.Call(ctx, func() {
		users = s.typing.ActiveTypers(key)
	})
	return users, err
}

func (s *Session) IsOnline(ctx context.Context, userID string) (bool, error) {
	var online bool
	err := s.loop.Call(ctx, func() {
		online = s.presence.IsOnline(userID)
	})
	return online, err
}

func (s *Session) Online(ctx context.Context) ([]string, error) {
	var users []string
	err := s.loop.Call(ctx, func() {
		users = s.presence.Online()
	})
	return users, err
}

// OnPresenceChange registers f for presence changes. f runs on the session
// loop.
func (s *Session) OnPresenceChange(ctx context.Context, f func(userID string, status core.Status)) (cancel func(), err error) {
	err = s.loop.Call(ctx, func() {
		cancel = s.presence.OnChange(f)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		s.loop.Post(cancel)
	}, nil
}
