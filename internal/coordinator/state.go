package coordinator

import "errors"

// Phase is the coordinator's selection state.
type Phase int

const (
	NoSessionSelected Phase = iota
	Hydrating
	Active
)

func (p Phase) String() string {
	switch p {
	case Hydrating:
		return "hydrating"
	case Active:
		return "active"
	}
	return "no_session_selected"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

var errStale = errors.New("stale result")

// State is the pure selection state machine. Every transition returns a new
// value; the event loop is its only owner.
type State struct {
	Phase     Phase
	SessionID string
	// Token grows with every fetch started for the selection. A result is
	// applied only while its token is current.
	Token      uint64
	Degraded   bool
	Failed     bool
	HistoryErr error
}

// Select moves to Hydrating for sessionID with a fresh token.
func (s State) Select(sessionID string) State {
	s.Phase = Hydrating
	s.SessionID = sessionID
	s.Token++
	s.HistoryErr = nil
	return s
}

// Retry refetches the selected session's history under a new token.
func (s State) Retry() State {
	s.Token++
	s.HistoryErr = nil
	if s.Phase == Active {
		return s
	}
	s.Phase = Hydrating
	return s
}

// Accepts reports whether a result for sessionID and token is current.
func (s State) Accepts(sessionID string, token uint64) bool {
	return s.Phase != NoSessionSelected && s.SessionID == sessionID && s.Token == token
}

// HistoryLoaded completes hydration.
func (s State) HistoryLoaded(sessionID string, token uint64) (State, error) {
	if !s.Accepts(sessionID, token) {
		return s, errStale
	}
	s.Phase = Active
	s.HistoryErr = nil
	return s, nil
}

// HistoryFailed keeps the coordinator in Hydrating with the error visible.
func (s State) HistoryFailed(sessionID string, token uint64, err error) (State, error) {
	if !s.Accepts(sessionID, token) {
		return s, errStale
	}
	s.HistoryErr = err
	return s, nil
}

// Disconnected marks the selection degraded without changing it.
func (s State) Disconnected() State {
	s.Degraded = true
	return s
}

// TransportFailed records an exhausted reconnect budget.
func (s State) TransportFailed() State {
	s.Degraded = true
	s.Failed = true
	return s
}

// Reconnected clears the degraded flags.
func (s State) Reconnected() State {
	s.Degraded = false
	s.Failed = false
	return s
}
