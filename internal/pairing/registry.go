package pairing

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Status is the derived pairing state of a session.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusPaired  Status = "paired"
)

var ErrInvalidSession = errors.New("pairing: invalid session id")

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	SessionID   string
	Roles       map[Role]string
	Status      Status
	LastCommand string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type sessionState struct {
	roles       map[Role]string
	lastCommand string
	createdAt   time.Time
	updatedAt   time.Time
}

// Registry maps session ids to their claimed roles.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// NormalizeSessionID trims a caller supplied session id.
func NormalizeSessionID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrInvalidSession
	}
	return id, nil
}

// Register claims roleHint for clientID within sessionID. A later claim of the
// same role overwrites the earlier client. An unknown role leaves the registry
// untouched and returns ErrInvalidRole.
func (r *Registry) Register(sessionID, roleHint, clientID string) (Role, error) {
	id, err := NormalizeSessionID(sessionID)
	if err != nil {
		return "", err
	}
	role, err := ParseRole(roleHint)
	if err != nil {
		return "", err
	}
	r.Claim(id, role, clientID)
	return role, nil
}

// Claim records an already normalized role.
func (r *Registry) Claim(sessionID string, role Role, clientID string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.ensure(sessionID, now)
	state.roles[role] = clientID
	state.updatedAt = now
}

// Unregister drops role from sessionID when it is still held by clientID.
func (r *Registry) Unregister(sessionID string, role Role, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	current, ok := state.roles[role]
	if !ok || current != clientID {
		return false
	}
	delete(state.roles, role)
	state.updatedAt = r.now()
	return true
}

// Evict removes a session that holds no roles. It reports whether the session
// is gone afterwards.
func (r *Registry) Evict(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return true
	}
	if len(state.roles) > 0 {
		return false
	}
	delete(r.sessions, sessionID)
	return true
}

func (r *Registry) Paired(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return isPaired(state.roles)
}

func (r *Registry) Status(sessionID string) Status {
	if r.Paired(sessionID) {
		return StatusPaired
	}
	return StatusWaiting
}

// Roles returns a copy of the role claims of sessionID, empty when unknown.
func (r *Registry) Roles(sessionID string) map[Role]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]string)
	if state, ok := r.sessions[sessionID]; ok {
		for role, client := range state.roles {
			out[role] = client
		}
	}
	return out
}

// RecordCommand stores the last command seen for sessionID in normalized form.
// Commands for an unknown session are not recorded and do not create it.
func (r *Registry) RecordCommand(sessionID, command string) bool {
	now := r.now()
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(command), " ", ""))
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	state.lastCommand = normalized
	state.updatedAt = now
	return true
}

func (r *Registry) LastCommand(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[sessionID]
	if !ok || state.lastCommand == "" {
		return "", false
	}
	return state.lastCommand, true
}

func (r *Registry) Get(sessionID string) (SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return snapshot(sessionID, state), true
}

// Sessions returns every known session ordered by id.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for id, state := range r.sessions {
		out = append(out, snapshot(id, state))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (r *Registry) ensure(sessionID string, now time.Time) *sessionState {
	state, ok := r.sessions[sessionID]
	if !ok {
		state = &sessionState{
			roles:     make(map[Role]string, 2),
			createdAt: now,
			updatedAt: now,
		}
		r.sessions[sessionID] = state
	}
	return state
}

func snapshot(id string, state *sessionState) SessionInfo {
	roles := make(map[Role]string, len(state.roles))
	for role, client := range state.roles {
		roles[role] = client
	}
	status := StatusWaiting
	if isPaired(state.roles) {
		status = StatusPaired
	}
	return SessionInfo{
		SessionID:   id,
		Roles:       roles,
		Status:      status,
		LastCommand: state.lastCommand,
		CreatedAt:   state.createdAt,
		UpdatedAt:   state.updatedAt,
	}
}

func isPaired(roles map[Role]string) bool {
	_, reader := roles[RoleReader]
	_, tag := roles[RoleTag]
	return reader && tag
}
