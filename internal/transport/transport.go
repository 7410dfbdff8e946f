// Package transport owns the single duplex connection to the message broker.
//
// A Transport reconnects on its own with exponential backoff, but it never
// restores subscriptions: every subscription dies with the connection that
// carried it and the owner re-subscribes after a StateConnected notification.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"legalaid-chat/internal/observability"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

// State is the connection state reported to listeners.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed means the reconnect budget is exhausted.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return "disconnected"
}

// Handler receives the raw body of one inbound frame.
type Handler func(body []byte)

// Subscription is a live topic registration.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Transport is a topic-based duplex broker connection.
type Transport interface {
	// Connect starts the connection loop and waits for the first connection,
	// ctx cancellation, or exhaustion of the retry budget.
	Connect(ctx context.Context) error
	Subscribe(topic string, h Handler) (Subscription, error)
	// Publish is fire-and-forget; it returns ErrNotConnected while down.
	Publish(ctx context.Context, destination string, payload any) error
	OnStateChange(fn func(State))
	State() State
	Close() error
}

// BackoffOptions bounds the reconnect loop.
type BackoffOptions struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

func (o BackoffOptions) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if o.Initial > 0 {
		b.InitialInterval = o.Initial
	}
	if o.Max > 0 {
		b.MaxInterval = o.Max
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.MaxRetries)), ctx)
}

type stateHolder struct {
	mu        sync.Mutex
	state     State
	listeners []func(State)
}

func (h *stateHolder) get() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *stateHolder) listen(fn func(State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *stateHolder) set(s State) {
	h.mu.Lock()
	if h.state == s {
		h.mu.Unlock()
		return
	}
	h.state = s
	listeners := append([]func(State){}, h.listeners...)
	h.mu.Unlock()

	observability.SetConnected(s == StateConnected)
	for _, fn := range listeners {
		fn(s)
	}
}

// dialFunc establishes one connection. The returned channel yields once
// when that connection is lost.
type dialFunc func(ctx context.Context) (<-chan error, error)

// supervise keeps a connection up until ctx is done or the retry budget is
// spent. The first outcome is reported on ready.
func supervise(ctx context.Context, log *zap.Logger, opts BackoffOptions, states *stateHolder, dial dialFunc, ready chan<- error) {
	var once sync.Once
	report := func(err error) {
		once.Do(func() {
			ready <- err
			close(ready)
		})
	}
	defer report(ErrClosed)

	for {
		states.set(StateConnecting)
		var lost <-chan error
		attempt := 0
		op := func() error {
			attempt++
			if attempt > 1 {
				observability.IncReconnect()
			}
			l, err := dial(ctx)
			if err != nil {
				log.Warn("broker dial failed", zap.Int("attempt", attempt), zap.Error(err))
				return err
			}
			lost = l
			return nil
		}
		if err := backoff.Retry(op, opts.policy(ctx)); err != nil {
			if ctx.Err() != nil {
				states.set(StateDisconnected)
				return
			}
			log.Error("broker reconnect budget exhausted", zap.Int("attempts", attempt), zap.Error(err))
			states.set(StateFailed)
			report(err)
			return
		}

		log.Info("broker connected")
		states.set(StateConnected)
		report(nil)

		select {
		case <-ctx.Done():
			states.set(StateDisconnected)
			return
		case err := <-lost:
			log.Warn("broker connection lost", zap.Error(err))
			states.set(StateDisconnected)
		}
	}
}

// waitReady blocks until the supervisor reports the first outcome.
func waitReady(ctx context.Context, ready <-chan error) error {
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
