package chatsync

import (
	"context"
	"fmt"

	"github.com/putto11262002/chatsync/core"
)

// View is one open conversation. It holds the resources acquired for it
// until Close, which must be called on every exit path.
type View struct {
	session *Session
	key     core.ConversationKey
	scope   core.Scope
}

// OpenConversation activates key: channel rooms are joined, the first
// history page is loaded and onChange (if not nil) is called on the session
// loop whenever the timeline or the typing indicators of key change.
func (s *Session) OpenConversation(ctx context.Context, key core.ConversationKey, onChange func()) (*View, error) {
	if !key.Valid() {
		return nil, core.ErrInvalidConversation
	}
	v := &View{session: s, key: key}

	err := s.loop.Call(ctx, func() {
		if key.Kind == core.ChannelConversation {
			room := core.ChannelRoomOf(key.ID, s.config.WorkspaceID)
			s.rooms.DeclareInterest(room)
			v.scope.Add(func() { s.rooms.RevokeInterest(room) })
		}
		if onChange != nil {
			filter := func(changed core.ConversationKey) {
				if changed == key {
					onChange()
				}
			}
			v.scope.Add(s.sync.OnChange(filter))
			v.scope.Add(s.typing.OnChange(filter))
		}
		v.scope.Add(func() {
			s.notifier.Cancel(key)
			s.typing.Clear(key)
			s.sync.Close(key)
		})
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.sync.LoadHistory(ctx, key, core.Page{Limit: s.config.PageSize}); err != nil {
		v.Close()
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return v, nil
}

func (v *View) Key() core.ConversationKey {
	return v.key
}

// Reload replaces the timeline with the latest page.
func (v *View) Reload(ctx context.Context) ([]core.Message, error) {
	return v.session.LoadHistory(ctx, v.key, core.Page{Limit: v.session.config.PageSize})
}

func (v *View) Messages(ctx context.Context) ([]core.Message, error) {
	return v.session.Messages(ctx, v.key)
}

func (v *View) ActiveTypers(ctx context.Context) ([]string, error) {
	return v.session.ActiveTypers(ctx, v.key)
}

func (v *View) Send(ctx context.Context, content string, typ core.MessageType) (core.Message, error) {
	return v.session.Send(ctx, v.key, content, typ)
}

func (v *View) Keystroke(ctx context.Context, text string) error {
	return v.session.Keystroke(ctx, v.key, text)
}

// Close releases the view. It is idempotent and safe after Logout.
func (v *View) Close() {
	v.session.loop.Call(context.Background(), v.scope.Release)
}
