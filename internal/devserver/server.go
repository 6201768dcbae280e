// Package devserver is a development backend speaking the chat event
// protocol and the history API. It keeps messages in SQLite.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/chatsync/core"
	"github.com/putto11262002/chatsync/pkg/router"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidQuery    = errors.New("invalid query")
)

type Options struct {
	// Secret signs and verifies access tokens.
	Secret []byte
	// TokenTTL is the lifetime of issued tokens. The default is 24h.
	TokenTTL time.Duration
	// SQLiteFile is the database file. The default is a private in-memory database.
	SQLiteFile     string
	AllowedOrigins []string
	Logger         *slog.Logger
}

type Server struct {
	opts   Options
	store  *Store
	hub    *Hub
	events *eventRouter
	router *router.Router
	logger *slog.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the store and starts dispatching events. Close releases both.
func New(ctx context.Context, opts Options) (*Server, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	sqliteOpts := &SQLiteOption{Mode: "rwc", JournalMode: "WAL"}
	file := opts.SQLiteFile
	if file == "" {
		file = "chatsync"
		sqliteOpts = &SQLiteOption{Mode: "memory"}
	}
	store, err := OpenStore(ctx, file, sqliteOpts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Server{
		opts:   opts,
		store:  store,
		logger: opts.Logger,
	}
	s.hub = NewHub(WithHubLogger(s.logger))
	s.hub.OnUserConnected(s.onUserConnected)
	s.hub.OnUserDisconnected(s.onUserDisconnected)

	s.events = newEventRouter(s.hub, s.logger)
	s.events.On(core.JoinEvent, s.joinHandler)
	s.events.On(core.JoinChannelEvent, s.joinChannelHandler)
	s.events.On(core.SendMessageEvent, s.sendMessageHandler)
	s.events.On(core.SendChannelMessageEvent, s.sendChannelMessageHandler)
	s.events.On(core.TypingEvent, s.typingHandler)
	s.events.On(core.StopTypingEvent, s.typingHandler)
	s.events.On(core.ChannelTypingEvent, s.channelTypingHandler)
	s.events.On(core.ChannelStopTypingEvent, s.channelTypingHandler)
	s.events.On(core.HeartbeatEvent, s.heartbeatHandler)
	s.events.On(core.RequestOnlineUsersEvent, s.requestOnlineUsersHandler)

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.events.Listen(listenCtx, &s.wg)

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router = router.New(router.WithLogger(s.logger))
	s.router.RegisterErrorMapper(ErrUnauthenticated, func(err error) router.Error {
		return router.NewJsonError(http.StatusUnauthorized, "unauthenticated")
	})
	s.router.RegisterErrorMapper(ErrInvalidQuery, func(err error) router.Error {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	})

	s.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	s.router.Post("/auth/token", s.issueTokenHandler)
	s.router.Group(func(r *router.Router) {
		r.Use(s.authMiddleware)
		r.Get("/ws", s.wsHandler)
		r.Get("/chat/message", s.messagesHandler)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// IssueToken signs a token for userID with the configured lifetime.
func (s *Server) IssueToken(userID string) (string, error) {
	token, _, err := IssueToken(userID, s.opts.TokenTTL, s.opts.Secret)
	return token, err
}

// DropConnections cuts every open connection.
func (s *Server) DropConnections() {
	s.hub.DropConnections()
}

// Online returns the ids of the connected users.
func (s *Server) Online() []string {
	return s.hub.Online()
}

// InRoom reports whether userID has a connection in the room with key.
func (s *Server) InRoom(userID, roomKey string) bool {
	return s.hub.InRoom(userID, roomKey)
}

// Close disconnects every client, stops dispatching and closes the store.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.hub.Close()
		s.cancel()
		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}

type userKey struct{}

func userFromRequest(r *http.Request) string {
	userID, ok := r.Context().Value(userKey{}).(string)
	if !ok {
		panic("user not found in request context: call this function in handlers that are protected by authMiddleware")
	}
	return userID
}

// authMiddleware accepts the token from the token query parameter or a
// Bearer authorization header.
func (s *Server) authMiddleware(next http.Handler) router.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		token := r.URL.Query().Get("token")
		if token == "" {
			token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			return ErrUnauthenticated
		}
		claims, err := VerifyToken(token, s.opts.Secret)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		ctx := context.WithValue(r.Context(), userKey{}, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
		return nil
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) error {
	userID := userFromRequest(r)
	if err := s.hub.Connect(userID, w, r); err != nil {
		// the response has been written by the upgrader
		s.logger.Error(fmt.Sprintf("connect %s: %v", userID, err))
	}
	return nil
}

type messagesResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result  struct {
		Messages []core.Message `json:"messages"`
	} `json:"result"`
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) error {
	userID := userFromRequest(r)
	query := r.URL.Query()

	page := core.DefaultPage()
	var err error
	if v := query.Get("skip"); v != "" {
		if page.Skip, err = strconv.Atoi(v); err != nil || page.Skip < 0 {
			return fmt.Errorf("%w: skip", ErrInvalidQuery)
		}
	}
	if v := query.Get("limit"); v != "" {
		if page.Limit, err = strconv.Atoi(v); err != nil || page.Limit < 1 {
			return fmt.Errorf("%w: limit", ErrInvalidQuery)
		}
	}

	var messages []core.Message
	switch {
	case query.Get("receiverId") != "":
		messages, err = s.store.DirectMessages(r.Context(), userID, query.Get("receiverId"), page)
	case query.Get("channelId") != "":
		messages, err = s.store.ChannelMessages(r.Context(), query.Get("channelId"), page)
	default:
		return fmt.Errorf("%w: receiverId or channelId is required", ErrInvalidQuery)
	}
	if err != nil {
		return err
	}

	res := messagesResponse{Success: true, Message: "messages fetched"}
	res.Result.Messages = messages
	return router.WriteJSON(w, http.StatusOK, res)
}

type issueTokenRequest struct {
	UserID string `json:"userId"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// issueTokenHandler signs a token for any user id. It exists so clients can
// be pointed at a development backend without an identity provider.
func (s *Server) issueTokenHandler(w http.ResponseWriter, r *http.Request) error {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		return router.NewJsonError(http.StatusBadRequest, "userId is required")
	}
	token, exp, err := IssueToken(req.UserID, s.opts.TokenTTL, s.opts.Secret)
	if err != nil {
		return err
	}
	return router.WriteJSON(w, http.StatusOK, issueTokenResponse{Token: token, ExpiresAt: exp})
}
