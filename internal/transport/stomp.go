package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const stompWriteTimeout = 10 * time.Second

// StompOptions configures a STOMP-over-WebSocket transport.
type StompOptions struct {
	URL             string
	Token           string
	SubscribePrefix string
	SendPrefix      string
	Backoff         BackoffOptions
	HandshakeWait   time.Duration
}

// Stomp speaks STOMP 1.2 over a single gorilla websocket.
type Stomp struct {
	opts   StompOptions
	log    *zap.Logger
	dialer *websocket.Dialer
	states stateHolder

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*stompSub
	nextID uint64
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
}

// NewStomp constructs an unconnected STOMP transport.
func NewStomp(opts StompOptions, log *zap.Logger) *Stomp {
	if opts.HandshakeWait <= 0 {
		opts.HandshakeWait = 10 * time.Second
	}
	return &Stomp{
		opts:   opts,
		log:    log.With(zap.String("component", "transport.stomp")),
		dialer: websocket.DefaultDialer,
		subs:   make(map[string]*stompSub),
	}
}

func (s *Stomp) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("stomp: already connecting")
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	ready := make(chan error, 1)
	go func() {
		defer close(s.done)
		supervise(loopCtx, s.log, s.opts.Backoff, &s.states, s.dial, ready)
	}()
	return waitReady(ctx, ready)
}

func (s *Stomp) dial(ctx context.Context) (<-chan error, error) {
	header := http.Header{}
	if s.opts.Token != "" {
		header.Set("Authorization", "Bearer "+s.opts.Token)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2",
		frame.Host, hostOf(s.opts.URL),
		frame.HeartBeat, "0,0",
	)
	if s.opts.Token != "" {
		connect.Header.Add("Authorization", "Bearer "+s.opts.Token)
	}
	if err := s.write(conn, connect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeWait))
	reply, err := readFrame(conn)
	if err == nil && reply == nil {
		err = errors.New("heart-beat before CONNECTED")
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECTED: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	switch reply.Command {
	case frame.CONNECTED:
	case frame.ERROR:
		conn.Close()
		return nil, fmt.Errorf("broker refused connection: %s", reply.Header.Get(frame.Message))
	default:
		conn.Close()
		return nil, fmt.Errorf("unexpected %s frame during handshake", reply.Command)
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.subs = make(map[string]*stompSub)
	s.mu.Unlock()

	lost := make(chan error, 1)
	go s.readLoop(conn, lost)
	return lost, nil
}

func (s *Stomp) readLoop(conn *websocket.Conn, lost chan<- error) {
	var cause error
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.subs = make(map[string]*stompSub)
		}
		s.mu.Unlock()
		conn.Close()
		lost <- cause
	}()

	for {
		f, err := readFrame(conn)
		if err != nil {
			if isNetErr(err) {
				cause = err
				return
			}
			s.log.Warn("dropping unreadable frame", zap.Error(err))
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			id := f.Header.Get(frame.Subscription)
			s.mu.Lock()
			sub := s.subs[id]
			s.mu.Unlock()
			if sub == nil {
				s.log.Debug("frame for unknown subscription", zap.String("subscription", id))
				continue
			}
			sub.handler(f.Body)
		case frame.ERROR:
			cause = fmt.Errorf("broker error: %s", f.Header.Get(frame.Message))
			return
		}
	}
}

func (s *Stomp) Subscribe(topic string, h Handler) (Subscription, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextID++
	sub := &stompSub{owner: s, id: "sub-" + strconv.FormatUint(s.nextID, 10), topic: topic, conn: conn, handler: h}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	f := frame.New(frame.SUBSCRIBE,
		frame.Id, sub.id,
		frame.Destination, s.opts.SubscribePrefix+topic,
		frame.Ack, "auto",
	)
	if err := s.write(conn, f); err != nil {
		s.forget(sub)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (s *Stomp) Publish(ctx context.Context, destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f := frame.New(frame.SEND,
		frame.Destination, s.opts.SendPrefix+destination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return s.write(conn, f)
}

func (s *Stomp) OnStateChange(fn func(State)) {
	s.states.listen(fn)
}

func (s *Stomp) State() State {
	return s.states.get()
}

func (s *Stomp) Close() error {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		_ = s.write(conn, frame.New(frame.DISCONNECT))
		conn.Close()
	}
	<-done
	return nil
}

func (s *Stomp) write(conn *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(stompWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (s *Stomp) forget(sub *stompSub) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[sub.id] != sub {
		return false
	}
	delete(s.subs, sub.id)
	return s.conn == sub.conn
}

type stompSub struct {
	owner   *Stomp
	id      string
	topic   string
	conn    *websocket.Conn
	handler Handler
}

func (s *stompSub) Topic() string { return s.topic }

// Unsubscribe is a no-op for subscriptions whose connection already dropped.
func (s *stompSub) Unsubscribe() error {
	if !s.owner.forget(s) {
		return nil
	}
	return s.owner.write(s.conn, frame.New(frame.UNSUBSCRIBE, frame.Id, s.id))
}

// readFrame returns nil for heart-beats.
func readFrame(conn *websocket.Conn) (*frame.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, &netError{err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return frame.NewReader(bytes.NewReader(data)).Read()
}

type netError struct{ err error }

func (e *netError) Error() string { return e.err.Error() }
func (e *netError) Unwrap() error { return e.err }

func isNetErr(err error) bool {
	var ne *netError
	return errors.As(err, &ne)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "/"
	}
	return u.Hostname()
}
