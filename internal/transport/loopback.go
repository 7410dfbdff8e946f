package transport

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
)

// Published is one frame handed to a Loopback transport.
type Published struct {
	Destination string
	Body        []byte
}

// Loopback is an in-process broker. It backs tests and the offline gateway
// mode: published frames are recorded and optionally answered by Responder.
type Loopback struct {
	states stateHolder

	mu        sync.Mutex
	connected bool
	subs      map[string]*loopSub
	nextID    int
	published []Published

	// Responder, when set, is called for every publish after it is recorded.
	Responder func(lb *Loopback, destination string, body []byte)
}

// NewLoopback constructs a disconnected loopback transport.
func NewLoopback() *Loopback {
	return &Loopback{subs: make(map[string]*loopSub)}
}

func (l *Loopback) Connect(ctx context.Context) error {
	l.SetConnected(true)
	return nil
}

// SetConnected simulates a connection drop or recovery. A drop kills every
// live subscription.
func (l *Loopback) SetConnected(up bool) {
	l.mu.Lock()
	l.connected = up
	if !up {
		l.subs = make(map[string]*loopSub)
	}
	l.mu.Unlock()

	if up {
		l.states.set(StateConnected)
		return
	}
	l.states.set(StateDisconnected)
}

// Fail simulates an exhausted reconnect budget.
func (l *Loopback) Fail() {
	l.mu.Lock()
	l.connected = false
	l.subs = make(map[string]*loopSub)
	l.mu.Unlock()
	l.states.set(StateFailed)
}

func (l *Loopback) Subscribe(topic string, h Handler) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return nil, ErrNotConnected
	}
	l.nextID++
	sub := &loopSub{owner: l, id: "sub-" + strconv.Itoa(l.nextID), topic: topic, handler: h}
	l.subs[sub.id] = sub
	return sub, nil
}

func (l *Loopback) Publish(ctx context.Context, destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.published = append(l.published, Published{Destination: destination, Body: body})
	responder := l.Responder
	l.mu.Unlock()

	if responder != nil {
		responder(l, destination, body)
	}
	return nil
}

// Deliver hands body to every subscriber of topic and reports how many got it.
func (l *Loopback) Deliver(topic string, body []byte) int {
	l.mu.Lock()
	var handlers []Handler
	for _, s := range l.subs {
		if s.topic == topic {
			handlers = append(handlers, s.handler)
		}
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(body)
	}
	return len(handlers)
}

// DeliverJSON marshals v and delivers it to topic.
func (l *Loopback) DeliverJSON(topic string, v any) int {
	body, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return l.Deliver(topic, body)
}

// ActiveTopics lists the topics with a live subscription, sorted.
func (l *Loopback) ActiveTopics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	topics := make([]string, 0, len(l.subs))
	for _, s := range l.subs {
		topics = append(topics, s.topic)
	}
	sort.Strings(topics)
	return topics
}

// Published returns a copy of every recorded publish.
func (l *Loopback) Published() []Published {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Published(nil), l.published...)
}

func (l *Loopback) OnStateChange(fn func(State)) {
	l.states.listen(fn)
}

func (l *Loopback) State() State {
	return l.states.get()
}

func (l *Loopback) Close() error {
	l.SetConnected(false)
	return nil
}

type loopSub struct {
	owner   *Loopback
	id      string
	topic   string
	handler Handler
}

func (s *loopSub) Topic() string { return s.topic }

func (s *loopSub) Unsubscribe() error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	if s.owner.subs[s.id] == s {
		delete(s.owner.subs, s.id)
	}
	return nil
}
