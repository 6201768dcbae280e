package devserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/putto11262002/chatsync/core"
)

// eventHandler handles one event read from a connection.
type eventHandler func(ctx context.Context, p *peer, e *core.Event) error

// eventRouter dispatches the events received by the hub to the handler
// registered for their name. Events are handled one at a time.
type eventRouter struct {
	listeners map[string]eventHandler
	hub       *Hub
	logger    *slog.Logger
}

func newEventRouter(hub *Hub, logger *slog.Logger) *eventRouter {
	return &eventRouter{
		listeners: make(map[string]eventHandler),
		hub:       hub,
		logger:    logger,
	}
}

func (er *eventRouter) On(name string, handler eventHandler) {
	er.listeners[name] = handler
}

func (er *eventRouter) Listen(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-er.hub.done:
			return
		case in := <-er.hub.receive():
			handler, ok := er.listeners[in.event.Name]
			if !ok {
				er.logger.Warn(fmt.Sprintf("no handler for %s", in.event.Name))
				continue
			}
			if err := handler(ctx, in.peer, in.event); err != nil {
				er.logger.Error(fmt.Sprintf("%s handler: %s", in.event.Name, err))
			}
		}
	}
}

func personalRoom(userID string) string {
	return core.PersonalRoomOf(userID).Key()
}

func channelRoom(channelID, workspaceID string) string {
	return core.ChannelRoomOf(channelID, workspaceID).Key()
}

func emit(p *peer, name string, payload interface{}) error {
	e, err := core.NewEvent(name, payload)
	if err != nil {
		return err
	}
	p.send(e)
	return nil
}

func (s *Server) joinHandler(_ context.Context, p *peer, e *core.Event) error {
	var payload core.JoinPayload
	if err := e.Decode(&payload); err != nil {
		return err
	}
	if payload.UserID != p.userID {
		return fmt.Errorf("%s may not join the personal room of %s", p.userID, payload.UserID)
	}
	s.hub.Join(p, personalRoom(p.userID))
	return nil
}

func (s *Server) joinChannelHandler(_ context.Context, p *peer, e *core.Event) error {
	var payload core.JoinChannelPayload
	if err := e.Decode(&payload); err != nil {
		return err
	}
	if payload.ChannelID == "" {
		return fmt.Errorf("join-channel without channel id")
	}
	s.hub.Join(p, channelRoom(payload.ChannelID, payload.WorkspaceID))
	return nil
}

func validMessage(content string, typ core.MessageType) error {
	if content == "" {
		return core.ErrEmptyContent
	}
	if !typ.Valid() {
		return core.ErrInvalidMessageType
	}
	return nil
}

func (s *Server) sendMessageHandler(ctx context.Context, p *peer, e *core.Event) error {
	var payload core.SendMessagePayload
	if err := e.Decode(&payload); err != nil {
		return err
	}
	if err := validMessage(payload.Content, payload.MessageType); err != nil {
		return emit(p, core.AckMessageEvent, core.MessageEnvelope{Error: err.Error()})
	}

	m, err := s.store.SaveMessage(ctx, core.Message{
		ClientID:    payload.ClientID,
		SenderID:    p.userID,
		ReceiverID:  payload.ReceiverID,
		WorkspaceID: payload.WorkspaceID,
		Content:     payload.Content,
		MessageType: payload.MessageType,
	})
	if err != nil {
		emit(p, core.AckMessageEvent, core.MessageEnvelope{Error: "failed to save message"})
		return err
	}

	if err := emit(p, core.AckMessageEvent, core.MessageEnvelope{Success: true, Message: &m}); err != nil {
		return err
	}
	push, err := core.NewEvent(core.ReceiveMessageEvent, core.MessageEnvelope{Success: true, Message: &m})
	if err != nil {
		return err
	}
	if m.ReceiverID != p.userID {
		s.hub.SendToRoom(personalRoom(m.ReceiverID), push, nil)
	}
	return nil
}

func (s *Server) sendChannelMessageHandler(ctx context.Context, p *peer, e *core.Event) error {
	var payload core.SendChannelMessagePayload
	if err := e.Decode(&payload); err != nil {
		return err
	}
	if err := validMessage(payload.Content, payload.MessageType); err != nil {
		return emit(p, core.AckChannelMessageEvent, core.MessageEnvelope{Error: err.Error()})
	}

	m, err := s.store.SaveMessage(ctx, core.Message{
		ClientID:    payload.ClientID,
		SenderID:    p.userID,
		ChannelID:   payload.ChannelID,
		WorkspaceID: payload.WorkspaceID,
		Content:     payload.Content,
		MessageType: payload.MessageType,
	})
	if err != nil {
		emit(p, core.AckChannelMessageEvent, core.MessageEnvelope{Error: "failed to save message"})
		return err
	}

	if err := emit(p, core.AckChannelMessageEvent, core.MessageEnvelope{Success: true, Message: &m}); err != nil {
		return err
	}
	push, err := core.NewEvent(core.ReceiveChannelMessageEvent, core.MessageEnvelope{Success: true, Message: &m})
	if err != nil {
		return err
	}
	s.hub.SendToRoom(channelRoom(m.ChannelID, m.WorkspaceID), push, p)
	return nil
}

func (s *Server) typingHandler(_ context.Context, p *peer, e *core.Event) error {
	var payload core.TypingPayload
	if err := e.Decode(&payload); err != nil {
		return err
	}
	payload.UserID = p.userID
	forward, err := core.NewEvent(e.Name, payload)
	if err != nil {
		return err
	}
	s.hub.SendToRoom(personalRoom(payload.ReceiverID), forward, nil)
	return nil
}

func (s *Server) channelTypingHandler(_ context.Context, p *peer, e *core.Event) error {
	var payload core.ChannelTypingPayload
	if err := e.Decode(&payload); err != nil {
		return err
	}
	payload.UserID = p.userID
	forward, err := core.NewEvent(e.Name, payload)
	if err != nil {
		return err
	}
	s.hub.SendToRoom(channelRoom(payload.ChannelID, payload.WorkspaceID), forward, p)
	return nil
}

func (s *Server) heartbeatHandler(_ context.Context, p *peer, _ *core.Event) error {
	p.logger.Debug("heartbeat")
	return nil
}

func (s *Server) requestOnlineUsersHandler(_ context.Context, p *peer, _ *core.Event) error {
	return emit(p, core.OnlineUsersEvent, core.OnlineUsersPayload{Users: s.hub.Online()})
}

func (s *Server) onUserConnected(userID string) {
	s.logger.Info(fmt.Sprintf("%s is online", userID))
	e, err := core.NewEvent(core.UserOnlineEvent, core.PresencePayload{UserID: userID})
	if err != nil {
		s.logger.Error(err.Error())
		return
	}
	s.hub.Broadcast(e, userID)
}

func (s *Server) onUserDisconnected(userID string) {
	s.logger.Info(fmt.Sprintf("%s is offline", userID))
	e, err := core.NewEvent(core.UserOfflineEvent, core.PresencePayload{UserID: userID})
	if err != nil {
		s.logger.Error(err.Error())
		return
	}
	s.hub.Broadcast(e, userID)
}
