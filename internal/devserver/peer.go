package devserver

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatsync/core"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 16

	writeStreamSize = 100
)

// peer is one client connection held by the hub.
type peer struct {
	id          int
	userID      string
	conn        *websocket.Conn
	writeStream chan *core.Event
	exit        chan struct{}
	exitOnce    sync.Once
	logger      *slog.Logger

	// rooms is guarded by the hub mutex.
	rooms map[string]struct{}
}

func newPeer(id int, userID string, conn *websocket.Conn, logger *slog.Logger) *peer {
	return &peer{
		id:          id,
		userID:      userID,
		conn:        conn,
		writeStream: make(chan *core.Event, writeStreamSize),
		exit:        make(chan struct{}),
		logger:      logger.With(slog.String("connection", fmt.Sprintf("%s:%d", userID, id))),
		rooms:       make(map[string]struct{}),
	}
}

// send queues e without blocking. A peer that cannot keep up loses events.
func (p *peer) send(e *core.Event) {
	select {
	case <-p.exit:
		return
	default:
	}
	select {
	case p.writeStream <- e:
	default:
		p.logger.Warn(fmt.Sprintf("write stream full, dropping %s", e.Name))
	}
}

// close stops the write loop, which closes the socket.
func (p *peer) close() {
	p.exitOnce.Do(func() {
		close(p.exit)
	})
}

// kill closes the socket without a close handshake.
func (p *peer) kill() {
	p.close()
	p.conn.Close()
}

func (p *peer) readLoop(onEvent func(*peer, *core.Event)) {
	p.logger.Debug("read loop started")
	defer func() {
		p.close()
		p.logger.Debug("read loop stopped")
	}()

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := p.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				p.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			p.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			p.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event core.Event
		if err := core.DecodeEvent(r, &event); err != nil {
			p.logger.Error(err.Error())
			continue
		}
		p.logger.Debug(event.String())
		onEvent(p, &event)
	}
}

func (p *peer) writeLoop() {
	p.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
		p.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case <-p.exit:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			p.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-p.writeStream:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := p.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				p.logger.Debug(fmt.Sprintf("NextWriter: %v", err))
				return
			}
			if err := core.EncodeEvent(w, e); err != nil {
				p.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				p.logger.Debug(fmt.Sprintf("flush writer: %v", err))
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.logger.Debug(fmt.Sprintf("writing ping: %v", err))
				return
			}
		}
	}
}
