package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var (
	baseTimeout = time.Second
	testEpoch   = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	errNetwork  = errors.New("connection refused")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestToken(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()
	claims := CredentialClaims{UserID: userID}
	if !expiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func waitOrTimeout(t *testing.T, fn func(), timeout time.Duration, s string, args ...interface{}) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return
	case <-time.After(timeout):
		require.Failf(t, "timeout", s, args...)
	}
}

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeScheduler is a manual clock. Timers fire inside Advance on the calling
// goroutine.
type fakeScheduler struct {
	now    time.Time
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{now: testEpoch}
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{at: s.now.Add(d), f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Now() time.Time {
	return s.now
}

func (s *fakeScheduler) Advance(d time.Duration) {
	target := s.now.Add(d)
	for {
		var next *fakeTimer
		for _, t := range s.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			break
		}
		s.now = next.at
		next.fired = true
		next.f()
	}
	s.now = target
}

// pending returns the number of armed timers.
func (s *fakeScheduler) pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type publishedEvent struct {
	Name    string
	Payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	state  State
	events []publishedEvent
}

func newFakePublisher(state State) *fakePublisher {
	return &fakePublisher{state: state}
}

func (p *fakePublisher) Publish(event string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Connected {
		return ErrNotConnected
	}
	p.events = append(p.events, publishedEvent{Name: event, Payload: payload})
	return nil
}

func (p *fakePublisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePublisher) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *fakePublisher) Events(names ...string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if len(names) == 0 {
			out = append(out, e)
			continue
		}
		for _, name := range names {
			if e.Name == name {
				out = append(out, e)
			}
		}
	}
	return out
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []*Event
	recv   chan *Event
	once   sync.Once
	closed chan struct{}
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recv:   make(chan *Event, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Send(e *Event) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, e)
	return nil
}

func (t *fakeTransport) Receive() <-chan *Event {
	return t.recv
}

func (t *fakeTransport) Err() error {
	<-t.closed
	return t.err
}

func (t *fakeTransport) Close() error {
	t.drop(ErrTransportClosed)
	return nil
}

// drop simulates the connection going away.
func (t *fakeTransport) drop(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.closed)
		close(t.recv)
	})
}

func (t *fakeTransport) push(tb testing.TB, name string, payload interface{}) {
	e, err := NewEvent(name, payload)
	require.NoError(tb, err)
	t.recv <- e
}

func (t *fakeTransport) Sent(name string) []*Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Event
	for _, e := range t.sent {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// fakeDialer fails the n-th dial with results[n] and succeeds once the
// scripted results run out.
type fakeDialer struct {
	mu         sync.Mutex
	results    []error
	dials      int
	dialedAt   []time.Time
	creds      []Credential
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, cred Credential) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.dials
	d.dials++
	d.dialedAt = append(d.dialedAt, time.Now())
	d.creds = append(d.creds, cred)
	if i < len(d.results) && d.results[i] != nil {
		return nil, d.results[i]
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) DialedAt(i int) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialedAt[i]
}

func (d *fakeDialer) Transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i += len(d.transports)
	}
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

func (d *fakeDialer) Transports() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

// stateRecorder collects state changes delivered by a ConnManager.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.To)
	}
	return out
}

func (r *stateRecorder) Last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return StateChange{}
	}
	return r.changes[len(r.changes)-1]
}

func fastPolicy(attempts uint64) ReconnectPolicy {
	return ReconnectPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: attempts}
}

func msg(id, sender, receiver, content string, at time.Duration) Message {
	return Message{
		ID:          id,
		SenderID:    sender,
		ReceiverID:  receiver,
		Content:     content,
		MessageType: TextMessage,
		CreatedAt:   testEpoch.Add(at),
	}
}

func ids(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.ID)
	}
	return out
}

func describe(messages []Message) string {
	s := ""
	for _, m := range messages {
		s += fmt.Sprintf("%s/%s ", m.ID, m.ClientID)
	}
	return s
}
