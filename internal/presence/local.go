package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// EmitFunc publishes the viewer's typing state for a session.
type EmitFunc func(sessionID string, isTyping bool)

// LocalTyping turns keystrokes into throttled typing-start signals and
// always follows them with a stop after a quiet window.
type LocalTyping struct {
	window   time.Duration
	throttle time.Duration
	emit     EmitFunc

	mu      sync.Mutex
	session string
	limiter *rate.Limiter
	timer   *time.Timer
	gen     uint64
}

// NewLocalTyping builds a LocalTyping. A start is emitted at most once per
// throttle; a stop follows window after the last keystroke.
func NewLocalTyping(window, throttle time.Duration, emit EmitFunc) *LocalTyping {
	return &LocalTyping{window: window, throttle: throttle, emit: emit}
}

// Keystroke registers viewer input in sessionID. Typing in another session
// stops the previous one first.
func (l *LocalTyping) Keystroke(sessionID string) {
	l.mu.Lock()
	var stopPrev string
	if l.session != "" && l.session != sessionID {
		stopPrev = l.session
		l.reset()
	}
	if l.session == "" {
		l.session = sessionID
		l.limiter = rate.NewLimiter(rate.Every(l.throttle), 1)
	}
	start := l.limiter.Allow()

	l.gen++
	gen := l.gen
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(l.window, func() { l.expire(gen) })
	l.mu.Unlock()

	if stopPrev != "" {
		l.emit(stopPrev, false)
	}
	if start {
		l.emit(sessionID, true)
	}
}

// Stop ends typing in sessionID immediately. It is a no-op when the viewer is
// not typing there.
func (l *LocalTyping) Stop(sessionID string) {
	l.mu.Lock()
	if l.session == "" || l.session != sessionID {
		l.mu.Unlock()
		return
	}
	l.reset()
	l.mu.Unlock()
	l.emit(sessionID, false)
}

// Active returns the session the viewer is typing in, if any.
func (l *LocalTyping) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func (l *LocalTyping) expire(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || l.session == "" {
		l.mu.Unlock()
		return
	}
	sessionID := l.session
	l.reset()
	l.mu.Unlock()
	l.emit(sessionID, false)
}

// reset must be called with mu held.
func (l *LocalTyping) reset() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	l.session = ""
	l.limiter = nil
}
