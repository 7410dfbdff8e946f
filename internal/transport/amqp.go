package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPOptions configures a RabbitMQ topic-exchange transport.
type AMQPOptions struct {
	URL      string
	Exchange string
	Backoff  BackoffOptions
}

// AMQP maps topics and destinations onto routing keys of one topic exchange.
// Every subscription consumes from its own exclusive auto-delete queue.
type AMQP struct {
	opts   AMQPOptions
	log    *zap.Logger
	states stateHolder

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	nextID uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAMQP constructs an unconnected AMQP transport.
func NewAMQP(opts AMQPOptions, log *zap.Logger) *AMQP {
	return &AMQP{opts: opts, log: log.With(zap.String("component", "transport.amqp"))}
}

func (a *AMQP) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.New("amqp: already connecting")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	ready := make(chan error, 1)
	go func() {
		defer close(a.done)
		supervise(loopCtx, a.log, a.opts.Backoff, &a.states, a.dial, ready)
	}()
	return waitReady(ctx, ready)
}

func (a *AMQP) dial(ctx context.Context) (<-chan error, error) {
	conn, err := amqp.Dial(a.opts.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(
		a.opts.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	a.mu.Lock()
	a.conn = conn
	a.ch = ch
	a.mu.Unlock()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	lost := make(chan error, 1)
	go func() {
		amqpErr, ok := <-closed
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
			a.ch = nil
		}
		a.mu.Unlock()
		if !ok || amqpErr == nil {
			lost <- errors.New("amqp connection closed")
			return
		}
		lost <- amqpErr
	}()
	return lost, nil
}

func (a *AMQP) Subscribe(topic string, h Handler) (Subscription, error) {
	a.mu.Lock()
	ch := a.ch
	a.nextID++
	tag := "sub-" + strconv.FormatUint(a.nextID, 10)
	a.mu.Unlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic, a.opts.Exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind %s: %w", topic, err)
	}
	deliveries, err := ch.Consume(q.Name, tag, true, true, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", topic, err)
	}

	go func() {
		for d := range deliveries {
			h(d.Body)
		}
	}()
	return &amqpSub{owner: a, ch: ch, tag: tag, topic: topic}, nil
}

func (a *AMQP) Publish(ctx context.Context, destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	ch := a.ch
	a.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(ctx, a.opts.Exchange, destination, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (a *AMQP) OnStateChange(fn func(State)) {
	a.states.listen(fn)
}

func (a *AMQP) State() State {
	return a.states.get()
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	cancel, done, conn := a.cancel, a.done, a.conn
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	<-done
	return err
}

type amqpSub struct {
	owner *AMQP
	ch    *amqp.Channel
	tag   string
	topic string
}

func (s *amqpSub) Topic() string { return s.topic }

// Unsubscribe cancels the consumer; the exclusive queue is dropped by the broker.
func (s *amqpSub) Unsubscribe() error {
	s.owner.mu.Lock()
	live := s.owner.ch == s.ch
	s.owner.mu.Unlock()
	if !live {
		return nil
	}
	return s.ch.Cancel(s.tag, false)
}
