package session

import (
	"sort"
	"sync"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

type room struct {
	// wire is set while a join for this room has been sent on the current
	// connection.
	wire bool
}

// Session is the live state of one authenticated user's connection. Timers
// and handlers read it through the same pointer, so they always observe the
// current values rather than a copy taken when they were registered.
type Session struct {
	mu            sync.Mutex
	state         ConnState
	authValid     bool
	everConnected bool
	rooms         map[int64]*room
	path          string
}

func New() *Session {
	return &Session{rooms: make(map[int64]*room)}
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) AuthValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authValid
}

// Path is the currently viewed location, preserved for the post-login
// redirect.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

func (s *Session) SetPath(path string) {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
}

// Rooms returns the joined task ids in ascending order.
func (s *Session) Rooms() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Session) Joined(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[taskID]
	return ok
}

func (s *Session) setState(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// setConnecting moves to connecting unless authentication already failed.
func (s *Session) setConnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthFailed {
		return false
	}
	s.state = StateConnecting
	return true
}

// markConnected records a successful connect and reports whether the
// session had been connected before.
func (s *Session) markConnected() (reconnect bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthFailed {
		return false, false
	}
	reconnect = s.everConnected
	s.everConnected = true
	s.state = StateConnected
	return reconnect, true
}

// markDisconnected forgets every wire join; rooms stay members.
func (s *Session) markDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		r.wire = false
	}
	if s.state != StateAuthFailed {
		s.state = StateConnecting
	}
}

// swapAuthValid stores the oracle's latest answer and returns the previous.
func (s *Session) swapAuthValid(valid bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.authValid
	s.authValid = valid
	return prev
}

// failAuth transitions to auth_failed. It returns false when the session is
// already there, which is what keeps the redirect to once per transition.
func (s *Session) failAuth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthFailed {
		return false
	}
	s.state = StateAuthFailed
	s.authValid = false
	for _, r := range s.rooms {
		r.wire = false
	}
	return true
}

// clearAuthFailure leaves auth_failed after a fresh login.
func (s *Session) clearAuthFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthFailed {
		return false
	}
	s.state = StateConnecting
	s.authValid = true
	return true
}

func (s *Session) addRoom(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[taskID]; ok {
		return false
	}
	s.rooms[taskID] = &room{}
	return true
}

// removeRoom drops membership and reports whether a join had been sent on
// the current connection.
func (s *Session) removeRoom(taskID int64) (existed, wire bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[taskID]
	if !ok {
		return false, false
	}
	delete(s.rooms, taskID)
	return true, r.wire
}

// claimWire marks a member room as joined on the wire. Only the caller that
// gets true may send the join.
func (s *Session) claimWire(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[taskID]
	if !ok || r.wire || s.state != StateConnected {
		return false
	}
	r.wire = true
	return true
}

func (s *Session) releaseWire(taskID int64) {
	s.mu.Lock()
	if r, ok := s.rooms[taskID]; ok {
		r.wire = false
	}
	s.mu.Unlock()
}
