package core

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades requests carrying the "good" token and echoes every
// event back. Closing kick drops every connection.
type echoServer struct {
	*httptest.Server
	kick chan struct{}
}

func newEchoServer(t *testing.T) *echoServer {
	s := &echoServer{kick: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good" || r.Header.Get("Authorization") != "Bearer good" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-s.kick:
				conn.Close()
			case <-done:
			}
		}()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	return s
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWSDialerRoundTrip(t *testing.T) {
	s := newEchoServer(t)
	defer s.Close()

	d := NewWSDialer(wsURL(s.URL), WithWSLogger(testLogger()))
	tr, err := d.Dial(context.Background(), Credential{Token: "good", UserID: "alice"})
	require.NoError(t, err)
	defer tr.Close()

	e, err := NewEvent(JoinEvent, JoinPayload{UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(e))

	select {
	case got := <-tr.Receive():
		require.NotNil(t, got)
		assert.Equal(t, JoinEvent, got.Name)
		var payload JoinPayload
		require.NoError(t, got.Decode(&payload))
		assert.Equal(t, "alice", payload.UserID)
	case <-time.After(baseTimeout):
		require.Fail(t, "timeout waiting for echo")
	}
}

func TestWSDialerUnauthorized(t *testing.T) {
	s := newEchoServer(t)
	defer s.Close()

	d := NewWSDialer(wsURL(s.URL), WithWSLogger(testLogger()))
	_, err := d.Dial(context.Background(), Credential{Token: "bad", UserID: "alice"})
	assert.True(t, IsUnauthorized(err), "got %v", err)
}

func TestWSDialerNetworkError(t *testing.T) {
	s := newEchoServer(t)
	url := wsURL(s.URL)
	s.Close()

	d := NewWSDialer(url, WithWSLogger(testLogger()))
	_, err := d.Dial(context.Background(), Credential{Token: "good", UserID: "alice"})
	require.Error(t, err)
	assert.False(t, IsUnauthorized(err))
}

func TestWSTransportDrop(t *testing.T) {
	s := newEchoServer(t)
	defer s.Close()

	d := NewWSDialer(wsURL(s.URL), WithWSLogger(testLogger()))
	tr, err := d.Dial(context.Background(), Credential{Token: "good", UserID: "alice"})
	require.NoError(t, err)

	close(s.kick)
	waitOrTimeout(t, func() {
		for range tr.Receive() {
		}
	}, baseTimeout, "transport did not report the drop")
	assert.Error(t, tr.Err())
	assert.NotErrorIs(t, tr.Err(), ErrTransportClosed)
	assert.ErrorIs(t, tr.Send(&Event{Name: JoinEvent}), ErrTransportClosed)
}

func TestWSTransportClose(t *testing.T) {
	s := newEchoServer(t)
	defer s.Close()

	d := NewWSDialer(wsURL(s.URL), WithWSLogger(testLogger()))
	tr, err := d.Dial(context.Background(), Credential{Token: "good", UserID: "alice"})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	waitOrTimeout(t, func() {
		for range tr.Receive() {
		}
	}, 2*baseTimeout, "transport did not close")
	assert.ErrorIs(t, tr.Err(), ErrTransportClosed)
}

func TestWSTransportCloseWithUndrainedEvents(t *testing.T) {
	s := newEchoServer(t)
	defer s.Close()

	d := NewWSDialer(wsURL(s.URL), WithWSLogger(testLogger()))
	d.ReadStreamSize = 1
	tr, err := d.Dial(context.Background(), Credential{Token: "good", UserID: "alice"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e, err := NewEvent(JoinEvent, JoinPayload{UserID: "alice"})
		require.NoError(t, err)
		require.NoError(t, tr.Send(e))
	}
	require.Eventually(t, func() bool {
		return len(tr.Receive()) == 1
	}, baseTimeout, baseTimeout/20)

	require.NoError(t, tr.Close())
	waitOrTimeout(t, func() {
		tr.Err()
	}, 2*baseTimeout, "transport blocked on a full read stream")
	assert.ErrorIs(t, tr.Err(), ErrTransportClosed)
}
