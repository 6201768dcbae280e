package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the peer to answer our close message.
	closeWait = time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 16
)

// Transport is one established connection to the backend.
type Transport interface {
	// Send queues e for writing without blocking.
	Send(e *Event) error
	// Receive is closed once the transport is down.
	Receive() <-chan *Event
	// Err is the reason the transport went down, valid after Receive is closed.
	Err() error
	// Close tears the transport down. It is idempotent and does not block.
	Close() error
}

// Dialer establishes transports.
type Dialer interface {
	// Dial connects and authenticates with cred. A credential rejected by the
	// backend must be reported with an error wrapping ErrUnauthorized.
	Dial(ctx context.Context, cred Credential) (Transport, error)
}

// WSDialer dials the backend over WebSocket.
type WSDialer struct {
	url             string
	dialer          *websocket.Dialer
	logger          *slog.Logger
	ReadStreamSize  int
	WriteStreamSize int
}

type WSDialerOption func(*WSDialer)

func WithWSLogger(l *slog.Logger) WSDialerOption {
	return func(d *WSDialer) {
		d.logger = l
	}
}

func WithHandshakeTimeout(timeout time.Duration) WSDialerOption {
	return func(d *WSDialer) {
		d.dialer.HandshakeTimeout = timeout
	}
}

func NewWSDialer(rawURL string, opts ...WSDialerOption) *WSDialer {
	d := &WSDialer{
		url: rawURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:          slog.New(slog.NewTextHandler(os.Stdout, nil)),
		ReadStreamSize:  100,
		WriteStreamSize: 100,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *WSDialer) Dial(ctx context.Context, cred Credential) (Transport, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	query.Set("token", cred.Token)
	u.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	conn, res, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, res.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &wsConn{
		conn:        conn,
		writeStream: make(chan *Event, d.WriteStreamSize),
		readStream:  make(chan *Event, d.ReadStreamSize),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      d.logger.With(slog.String("user", cred.UserID)),
	}
	c.start()
	return c, nil
}

type wsConn struct {
	conn        *websocket.Conn
	writeStream chan *Event
	readStream  chan *Event
	exit        chan struct{}
	exitOnce    sync.Once
	done        chan struct{}
	err         error
	logger      *slog.Logger
}

func (c *wsConn) start() {
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return c.readLoop(ctx)
	})
	g.Go(func() error {
		return c.writeLoop(ctx)
	})
	go func() {
		err := g.Wait()
		c.conn.Close()
		c.err = err
		close(c.done)
	}()
}

func (c *wsConn) Send(e *Event) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	case <-c.exit:
		return ErrTransportClosed
	default:
	}
	select {
	case c.writeStream <- e:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Receive() <-chan *Event {
	return c.readStream
}

func (c *wsConn) Err() error {
	<-c.done
	return c.err
}

func (c *wsConn) Close() error {
	c.exitOnce.Do(func() {
		close(c.exit)
	})
	return nil
}

func (c *wsConn) closing() bool {
	select {
	case <-c.exit:
		return true
	default:
		return false
	}
}

func (c *wsConn) readLoop(ctx context.Context) error {
	c.logger.Debug("read loop started")
	defer func() {
		close(c.readStream)
		c.logger.Debug("read loop stopped")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if c.closing() {
				return ErrTransportClosed
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return fmt.Errorf("closed by peer: %w", err)
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return fmt.Errorf("unexpected close: %w", err)
			}
			c.logger.Error(fmt.Sprintf("NextReader: %v", err))
			return fmt.Errorf("read: %w", err)
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		c.logger.Debug(event.String())

		select {
		case c.readStream <- &event:
		case <-c.exit:
			return ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *wsConn) writeLoop(ctx context.Context) error {
	c.logger.Debug("write loop started")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.exit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				c.conn.Close()
				return nil
			}
			// unblock the reader if the peer never answers the close message
			c.conn.SetReadDeadline(time.Now().Add(closeWait))
			return nil
		case e := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.conn.Close()
				return fmt.Errorf("getting next writer: %w", err)
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.conn.Close()
				return fmt.Errorf("flush writer: %w", err)
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}
