package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange describes one transition of the connection. Err is the cause
// of a transition out of Connected or into Disconnected, if any.
type StateChange struct {
	From State
	To   State
	Err  error
}

type StateHandler func(StateChange)

// HeartbeatInterval is the default period of heartbeat events.
const HeartbeatInterval = 30 * time.Second

// ReconnectPolicy configures the delays between connection attempts.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts uint64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		MaxAttempts: 10,
	}
}

// Backoff returns a fresh backoff for one series of attempts. The first
// attempt is not delayed, so MaxAttempts attempts use MaxAttempts-1 delays.
func (p ReconnectPolicy) Backoff() retry.Backoff {
	retries := uint64(0)
	if p.MaxAttempts > 0 {
		retries = p.MaxAttempts - 1
	}
	return p.backoff(retries)
}

// RedialBackoff returns a fresh backoff for reconnecting after a drop.
// Every attempt is delayed, the first by BaseDelay.
func (p ReconnectPolicy) RedialBackoff() retry.Backoff {
	return p.backoff(p.MaxAttempts)
}

func (p ReconnectPolicy) backoff(retries uint64) retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	return retry.WithMaxRetries(retries, b)
}

// Dispatcher runs inbound event handlers and state handlers. A Loop is the
// usual dispatcher.
type Dispatcher interface {
	Post(f func()) error
}

type DispatchFunc func(f func()) error

func (d DispatchFunc) Post(f func()) error {
	return d(f)
}

// ImmediateDispatcher runs handlers on the goroutine that produced them.
var ImmediateDispatcher = DispatchFunc(func(f func()) error {
	f()
	return nil
})

// ConnManager owns the single logical connection of a client. It
// authenticates, reconnects with backoff after drops, sends heartbeats and
// routes inbound events to subscribed handlers by name.
type ConnManager struct {
	mu        sync.Mutex
	state     State
	transport Transport
	cancel    context.CancelFunc
	attempts  int

	handlers      map[string][]Handler
	stateHandlers []*stateHandler

	dialer     Dialer
	dispatcher Dispatcher
	policy     ReconnectPolicy
	heartbeat  time.Duration
	now        func() time.Time
	logger     *slog.Logger
	wg         sync.WaitGroup
}

type stateHandler struct {
	f StateHandler
}

type ConnManagerOption func(*ConnManager)

func WithLogger(l *slog.Logger) ConnManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func WithDispatcher(d Dispatcher) ConnManagerOption {
	return func(m *ConnManager) {
		m.dispatcher = d
	}
}

func WithReconnectPolicy(p ReconnectPolicy) ConnManagerOption {
	return func(m *ConnManager) {
		m.policy = p
	}
}

func WithHeartbeatInterval(d time.Duration) ConnManagerOption {
	return func(m *ConnManager) {
		m.heartbeat = d
	}
}

func WithNow(now func() time.Time) ConnManagerOption {
	return func(m *ConnManager) {
		m.now = now
	}
}

func NewConnManager(dialer Dialer, opts ...ConnManagerOption) *ConnManager {
	m := &ConnManager{
		state:      Disconnected,
		handlers:   make(map[string][]Handler),
		dialer:     dialer,
		dispatcher: ImmediateDispatcher,
		policy:     DefaultReconnectPolicy(),
		heartbeat:  HeartbeatInterval,
		now:        time.Now,
		logger:     slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ConnManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of dials made since the manager was created.
func (m *ConnManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the connection with token and blocks until it is
// established, the credential is rejected, the attempts run out or ctx is
// done. Network failures are retried with the reconnect policy. When ctx is
// done first the connection attempt is abandoned.
func (m *ConnManager) Connect(ctx context.Context, token string) error {
	cred, err := ParseCredential(token, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	change, _ := m.setStateLocked(Connecting, nil)
	m.mu.Unlock()
	m.notify(change)

	result := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.supervise(runCtx, cred, result)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		m.Disconnect()
		return ctx.Err()
	}
}

// Disconnect tears down the transport, the heartbeat and any reconnect loop.
// It is idempotent.
func (m *ConnManager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	t := m.transport
	m.transport = nil
	change, changed := m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close()
	}
	if changed {
		m.logger.Info("disconnected")
		m.notify(change)
	}
}

// Close disconnects and waits for the connection goroutines to stop.
func (m *ConnManager) Close() {
	m.Disconnect()
	m.wg.Wait()
}

// Publish sends an event without waiting for any reply. Events published
// while not connected are dropped with ErrNotConnected.
func (m *ConnManager) Publish(event string, payload interface{}) error {
	m.mu.Lock()
	t, state := m.transport, m.state
	m.mu.Unlock()
	if state != Connected || t == nil {
		return ErrNotConnected
	}

	e, err := NewEvent(event, payload)
	if err != nil {
		return err
	}
	if err := t.Send(e); err != nil {
		if errors.Is(err, ErrTransportClosed) {
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return err
	}
	return nil
}

// Subscribe registers h for event. Subscribing the same handler twice to
// the same event is a no-op and the second unsubscribe func does nothing.
func (m *ConnManager) Subscribe(event string, h Handler) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.handlers[event], h) {
		return func() {}
	}
	m.handlers[event] = append(m.handlers[event], h)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.Unsubscribe(event, h)
		})
	}
}

func (m *ConnManager) Unsubscribe(event string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs := m.handlers[event]
	if i := slices.Index(hs, h); i >= 0 {
		hs = slices.Delete(slices.Clone(hs), i, i+1)
	}
	if len(hs) == 0 {
		delete(m.handlers, event)
		return
	}
	m.handlers[event] = hs
}

// OnStateChange registers f for every state transition. It is called
// through the dispatcher.
func (m *ConnManager) OnStateChange(f StateHandler) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh := &stateHandler{f: f}
	m.stateHandlers = append(m.stateHandlers, sh)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if i := slices.Index(m.stateHandlers, sh); i >= 0 {
			m.stateHandlers = slices.Delete(slices.Clone(m.stateHandlers), i, i+1)
		}
	}
}

func (m *ConnManager) setStateLocked(to State, err error) (StateChange, bool) {
	if m.state == to {
		return StateChange{}, false
	}
	change := StateChange{From: m.state, To: to, Err: err}
	m.state = to
	return change, true
}

func (m *ConnManager) notify(change StateChange) {
	m.logger.Debug("state changed",
		slog.String("from", change.From.String()),
		slog.String("to", change.To.String()))
	err := m.dispatcher.Post(func() {
		m.mu.Lock()
		hs := slices.Clone(m.stateHandlers)
		m.mu.Unlock()
		for _, h := range hs {
			h.f(change)
		}
	})
	if err != nil {
		m.logger.Debug("state change not dispatched", slog.String("error", err.Error()))
	}
}

func (m *ConnManager) dispatch(e *Event) {
	err := m.dispatcher.Post(func() {
		m.mu.Lock()
		hs := slices.Clone(m.handlers[e.Name])
		m.mu.Unlock()
		if len(hs) == 0 {
			m.logger.Debug("no handler", slog.String("event", e.Name))
			return
		}
		for _, h := range hs {
			m.handle(h, e)
		}
	})
	if err != nil {
		m.logger.Debug("event not dispatched", slog.String("event", e.Name), slog.String("error", err.Error()))
	}
}

func (m *ConnManager) handle(h Handler, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(fmt.Sprintf("handler panic on %s: %v", e.Name, r))
		}
	}()
	h.HandleEvent(e)
}

// supervise connects, serves the transport until it drops and reconnects,
// until ctx is cancelled or reconnecting fails. The outcome of the first
// connection is sent on result.
func (m *ConnManager) supervise(ctx context.Context, cred Credential, result chan<- error) {
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			result <- err
		}
	}

	b := m.policy.Backoff()
	for {
		t, err := m.dial(ctx, cred, b)
		if err != nil {
			if ctx.Err() != nil {
				report(ctx.Err())
				return
			}
			m.logger.Error("connection failed", slog.String("error", err.Error()))
			m.stop(ctx, err)
			report(err)
			return
		}

		if !m.attach(ctx, t) {
			t.Close()
			report(context.Canceled)
			return
		}
		report(nil)

		if !m.serve(ctx, t) {
			return
		}
		b = m.policy.RedialBackoff()
		if !m.pause(ctx, b) {
			return
		}
	}
}

// pause waits out the first delay of b. It reports false if ctx ends first.
func (m *ConnManager) pause(ctx context.Context, b retry.Backoff) bool {
	d, stop := b.Next()
	if stop {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// dial makes attempts until one succeeds, the credential is rejected or
// b is exhausted.
func (m *ConnManager) dial(ctx context.Context, cred Credential, b retry.Backoff) (Transport, error) {
	var t Transport
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if cred.Expired(m.now()) {
			return fmt.Errorf("%w: token expired", ErrUnauthorized)
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		var err error
		t, err = m.dialer.Dial(ctx, cred)
		if err == nil {
			return nil
		}
		if IsUnauthorized(err) {
			return err
		}
		m.logger.Warn("dial failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		return retry.RetryableError(err)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsUnauthorized(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrReconnectExhausted, err)
	}
	return t, nil
}

// attach makes t the live transport unless the connection was abandoned.
func (m *ConnManager) attach(ctx context.Context, t Transport) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.transport = t
	change, _ := m.setStateLocked(Connected, nil)
	m.mu.Unlock()

	m.logger.Info("connected")
	m.notify(change)
	if err := m.Publish(RequestOnlineUsersEvent, struct{}{}); err != nil {
		m.logger.Debug("online users not requested", slog.String("error", err.Error()))
	}
	return true
}

// stop moves to Disconnected after a failure unless the connection was
// abandoned meanwhile.
func (m *ConnManager) stop(ctx context.Context, cause error) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.cancel = nil
	m.transport = nil
	change, changed := m.setStateLocked(Disconnected, cause)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if changed {
		m.notify(change)
	}
}

// serve routes events from t and sends heartbeats. It reports true when the
// transport dropped and a reconnect should follow.
func (m *ConnManager) serve(ctx context.Context, t Transport) bool {
	ticker := time.NewTicker(m.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-t.Receive():
			if !ok {
				return m.dropped(ctx, t)
			}
			m.dispatch(e)
		case <-ticker.C:
			err := m.Publish(HeartbeatEvent, HeartbeatPayload{Timestamp: m.now().UnixMilli()})
			if err != nil {
				m.logger.Debug("heartbeat not sent", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *ConnManager) dropped(ctx context.Context, t Transport) bool {
	cause := t.Err()
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.transport = nil
	change, _ := m.setStateLocked(Reconnecting, cause)
	m.mu.Unlock()

	m.logger.Warn("connection dropped", slog.Any("error", cause))
	m.notify(change)
	return true
}
