// Package coordinator owns the broker connection and the active session.
//
// All state changes happen on one event loop (Run). Inbound frames, history
// results, transport state changes and caller commands are queued as events;
// network calls run outside the loop and come back as events.
package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"legalaid-chat/internal/api"
	"legalaid-chat/internal/composer"
	"legalaid-chat/internal/directory"
	"legalaid-chat/internal/models"
	"legalaid-chat/internal/presence"
	"legalaid-chat/internal/repositories"
	"legalaid-chat/internal/store"
	"legalaid-chat/internal/transport"
)

var (
	ErrNoActiveSession = errors.New("session is not selected")
	ErrUnknownSession  = errors.New("unknown session")
	ErrInvalidProvider = errors.New("invalid provider")
	ErrClosed          = errors.New("coordinator closed")
)

// API is the backend REST surface the coordinator consumes.
type API interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	OpenSession(ctx context.Context, req api.OpenSessionRequest) (models.Session, error)
	History(ctx context.Context, sessionID string, q api.HistoryQuery) ([]models.Message, error)
	MarkRead(ctx context.Context, sessionID string) error
	DeleteMessage(ctx context.Context, messageID string) error
	Upload(ctx context.Context, filename, contentType string, r io.Reader) (api.Upload, error)
}

// Notifier receives change notifications. Notify must not block.
type Notifier interface {
	Notify(n models.Notification)
}

// Auditor records user-visible session activity.
type Auditor interface {
	Emit(ctx context.Context, event, sessionID, messageID, requestID string)
}

// Options tunes the coordinator. Zero values take the defaults noted.
type Options struct {
	ViewerID   string
	ViewerRole string
	// PageSize is the history page size. Default 50.
	PageSize int
	// HistoryRetries bounds retries of a failed history fetch.
	HistoryRetries int
	// HistoryBackoff is the first retry delay. Default 200ms.
	HistoryBackoff time.Duration
	// TypingWindow is the typing expiry window. Default 3s.
	TypingWindow time.Duration
	// TypingThrottle spaces typing-start publishes. Default 1s.
	TypingThrottle time.Duration
	Now            func() time.Time
	NewID          func() string
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.HistoryRetries < 0 {
		o.HistoryRetries = 0
	}
	if o.HistoryBackoff <= 0 {
		o.HistoryBackoff = 200 * time.Millisecond
	}
	if o.TypingWindow <= 0 {
		o.TypingWindow = 3 * time.Second
	}
	if o.TypingThrottle <= 0 {
		o.TypingThrottle = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Status is a snapshot for the UI.
type Status struct {
	Phase        Phase  `json:"phase"`
	SessionID    string `json:"sessionId,omitempty"`
	Degraded     bool   `json:"degraded"`
	Failed       bool   `json:"transportFailed"`
	HistoryError string `json:"historyError,omitempty"`
	HasMore      bool   `json:"hasMore"`
	Transport    string `json:"transport"`
}

type frameEvent struct {
	sessionID string
	body      []byte
}

type historyEvent struct {
	sessionID string
	token     uint64
	limit     int
	older     bool
	msgs      []models.Message
	err       error
}

type connEvent struct {
	state transport.State
}

type command struct {
	fn   func()
	done chan struct{}
}

type typingSignal struct {
	sessionID string
	isTyping  bool
}

// Coordinator wires the transport, REST client and stores together.
type Coordinator struct {
	opts     Options
	log      *zap.Logger
	api      API
	tr       transport.Transport
	outbox   repositories.PendingRepository
	notifier Notifier
	audit    Auditor

	dir    *directory.Directory
	store  *store.Store
	typing *presence.Tracker
	local  *presence.LocalTyping
	comp   *composer.Composer

	events    chan any
	stopped   chan struct{}
	typingOut chan typingSignal

	mu      sync.RWMutex
	state   State
	hasMore map[string]bool

	// connEpoch counts connection losses. A send published under an older
	// epoch is not marked SENT.
	connEpoch atomic.Uint64
	flightMu  sync.Mutex
	inflight  map[string]struct{}
	replayMu  sync.Mutex

	// owned by the loop
	loopCtx   context.Context
	sub       transport.Subscription
	selCtx    context.Context
	selCancel context.CancelFunc
}

// New builds a Coordinator. notifier and audit may be nil.
func New(opts Options, client API, tr transport.Transport, outbox repositories.PendingRepository,
	notifier Notifier, audit Auditor, log *zap.Logger) *Coordinator {
	opts.defaults()
	c := &Coordinator{
		opts:     opts,
		log:      log.With(zap.String("component", "coordinator")),
		api:      client,
		tr:       tr,
		outbox:   outbox,
		notifier: notifier,
		audit:    audit,
		dir:      directory.New(),
		store:    store.New(),
		typing:   presence.NewTracker(opts.ViewerID, opts.TypingWindow, opts.Now),
		events:    make(chan any, 256),
		stopped:   make(chan struct{}),
		typingOut: make(chan typingSignal, 16),
		hasMore:   make(map[string]bool),
		inflight:  make(map[string]struct{}),
	}
	c.comp = composer.New(composer.Options{
		ViewerID:   opts.ViewerID,
		ViewerRole: opts.ViewerRole,
		Now:        opts.Now,
		NewID:      opts.NewID,
	}, tr, client, c.store, log)
	c.local = presence.NewLocalTyping(opts.TypingWindow, opts.TypingThrottle, c.emitTyping)
	tr.OnStateChange(func(s transport.State) { c.enqueue(connEvent{state: s}) })
	return c
}

// Run processes events until ctx is done. It must be called exactly once.
func (c *Coordinator) Run(ctx context.Context) error {
	c.loopCtx = ctx
	defer close(c.stopped)

	// sends marked SENT by a previous run are published again
	c.demoteSent(ctx)
	go c.publishTyping(ctx)

	prune := time.NewTicker(c.opts.TypingWindow / 2)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return ctx.Err()
		case ev := <-c.events:
			c.handle(ev)
		case <-prune.C:
			for _, id := range c.typing.Prune() {
				c.notify(models.NotifyTyping, id)
			}
		}
	}
}

func (c *Coordinator) handle(ev any) {
	switch e := ev.(type) {
	case frameEvent:
		c.onFrame(e)
	case historyEvent:
		c.onHistory(e)
	case connEvent:
		c.onConn(e.state)
	case command:
		e.fn()
		close(e.done)
	}
}

func (c *Coordinator) enqueue(ev any) {
	select {
	case c.events <- ev:
	case <-c.stopped:
	}
}

// exec runs fn on the loop and waits for it.
func (c *Coordinator) exec(ctx context.Context, fn func() error) error {
	var err error
	cmd := command{fn: func() { err = fn() }, done: make(chan struct{})}
	select {
	case c.events <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
	select {
	case <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

func (c *Coordinator) snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) setHasMore(sessionID string, more bool) {
	c.mu.Lock()
	c.hasMore[sessionID] = more
	c.mu.Unlock()
}

func (c *Coordinator) notify(kind models.NotificationKind, sessionID string) {
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(models.Notification{Kind: kind, SessionID: sessionID})
}

func (c *Coordinator) emitAudit(ctx context.Context, event, sessionID, messageID string) {
	if c.audit == nil {
		return
	}
	c.audit.Emit(ctx, event, sessionID, messageID, requestID(ctx))
}

func (c *Coordinator) saveOutbox(ctx context.Context, msg models.Message) {
	if err := c.outbox.Save(ctx, msg); err != nil {
		c.log.Warn("outbox save failed", zap.String("client_id", msg.ClientID), zap.Error(err))
	}
}

func (c *Coordinator) dropOutbox(ctx context.Context, clientID string) {
	if err := c.outbox.Delete(ctx, clientID); err != nil {
		c.log.Warn("outbox delete failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

// emitTyping queues a typing publish for publishTyping. It never blocks the
// caller; signals beyond the buffer are dropped.
func (c *Coordinator) emitTyping(sessionID string, isTyping bool) {
	select {
	case c.typingOut <- typingSignal{sessionID: sessionID, isTyping: isTyping}:
	default:
		c.log.Debug("typing publish dropped", zap.String("session_id", sessionID), zap.String("reason", "queue full"))
	}
}

func (c *Coordinator) publishTyping(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-c.typingOut:
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.comp.Typing(pctx, sig.sessionID, sig.isTyping); err != nil {
				c.log.Debug("typing publish dropped", zap.String("session_id", sig.sessionID), zap.Error(err))
			}
			cancel()
		}
	}
}

// Sessions lists the directory.
func (c *Coordinator) Sessions() []models.Session {
	return c.dir.List()
}

// Session returns one directory entry.
func (c *Coordinator) Session(sessionID string) (models.Session, bool) {
	return c.dir.FindByID(sessionID)
}

// Messages returns a session log in display order.
func (c *Coordinator) Messages(sessionID string) []models.Message {
	return c.store.Get(sessionID)
}

// Page returns part of a session log already held locally.
func (c *Coordinator) Page(sessionID, beforeID string, limit int) ([]models.Message, bool, error) {
	return c.store.Page(sessionID, beforeID, limit)
}

// TypingUsers returns the remote participants typing in a session.
func (c *Coordinator) TypingUsers(sessionID string) []string {
	return c.typing.TypingUsers(sessionID)
}

// Status snapshots the selection and connection state.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Phase:     c.state.Phase,
		SessionID: c.state.SessionID,
		Degraded:  c.state.Degraded,
		Failed:    c.state.Failed,
		HasMore:   c.hasMore[c.state.SessionID],
		Transport: c.tr.State().String(),
	}
	if c.state.HistoryErr != nil {
		st.HistoryError = c.state.HistoryErr.Error()
	}
	return st
}
