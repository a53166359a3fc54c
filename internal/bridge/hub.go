package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/nfcrelay/internal/observability"
	"github.com/danmuck/nfcrelay/internal/pairing"
	"github.com/danmuck/nfcrelay/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrValidation        = errors.New("bridge: validation failed")
	ErrUnexpectedMessage = errors.New("bridge: unexpected message for role")
)

// Result is the answer to one synchronous command. PeerAbsent and TimedOut
// are carried as status words, never as errors.
type Result struct {
	ResponseAPDU string
	Paired       bool
	Outcome      Outcome
	CallID       string
}

// EventResult is the answer to a station role event. Mapped is false when the
// event type names no known role.
type EventResult struct {
	Role   pairing.Role
	Mapped bool
	Paired bool
}

// Peer is one live duplex connection bound to a (session, role).
type Peer struct {
	SessionID string
	Role      pairing.Role
	ClientID  string
	Outbox    *session.Outbox
}

// Hub owns the session registry, outboxes and correlation table, and
// serializes connect/teardown so a stale outbox or role is never observed.
type Hub struct {
	cfg session.Config

	registry *pairing.Registry
	outboxes *session.OutboxMux
	corr     *Correlator

	lifecycle sync.Mutex
	peerSeq   atomic.Uint64
}

func NewHub(cfg session.Config) *Hub {
	cfg = cfg.WithDefaults()
	return &Hub{
		cfg:      cfg,
		registry: pairing.NewRegistry(),
		outboxes: session.NewOutboxMux(cfg.OutboxCapacity),
		corr:     NewCorrelator(),
	}
}

func (h *Hub) Registry() *pairing.Registry {
	return h.registry
}

func (h *Hub) Outboxes() *session.OutboxMux {
	return h.outboxes
}

func (h *Hub) Correlator() *Correlator {
	return h.corr
}

func (h *Hub) PairingStatus(sessionID string) pairing.Status {
	return h.registry.Status(strings.TrimSpace(sessionID))
}

// SubmitEvent registers the role named by eventType for clientID.
func (h *Hub) SubmitEvent(sessionID, eventType, clientID string) (EventResult, error) {
	id, err := pairing.NormalizeSessionID(sessionID)
	if err != nil {
		return EventResult{}, fmt.Errorf("%w: session_id cannot be empty", ErrValidation)
	}
	role, err := pairing.ParseEventType(eventType)
	if err != nil {
		log.Warn().Str("session", id).Str("type", eventType).Msg("unmapped event")
		return EventResult{Paired: h.registry.Paired(id)}, nil
	}
	h.registry.Claim(id, role, clientID)
	paired := h.registry.Paired(id)
	log.Info().
		Str("session", id).
		Str("role", role.String()).
		Str("client", clientID).
		Bool("paired", paired).
		Msg("role set")
	return EventResult{Role: role, Mapped: true, Paired: paired}, nil
}

// Submit forwards command to the session's tag and waits for its answer.
func (h *Hub) Submit(ctx context.Context, sessionID, command string) (Result, error) {
	id, err := pairing.NormalizeSessionID(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: session_id cannot be empty", ErrValidation)
	}
	cmd := strings.TrimSpace(command)
	if cmd == "" {
		return Result{}, fmt.Errorf("%w: command_apdu cannot be empty", ErrValidation)
	}

	start := time.Now()
	h.registry.RecordCommand(id, cmd)

	if !h.outboxes.Has(id, pairing.RoleTag) {
		log.Warn().Str("session", id).Msg("no tag connected")
		return h.finish(id, "", Reply{Outcome: OutcomePeerAbsent}, start), nil
	}

	slot := h.corr.Open(id)
	if err := h.outboxes.Push(id, pairing.RoleTag, session.NewAPDURequest(slot.CallID, cmd)); err != nil {
		h.corr.Cancel(slot)
		outcome := OutcomePeerAbsent
		if errors.Is(err, session.ErrOutboxFull) {
			outcome = OutcomeBusy
		}
		log.Warn().Str("session", id).Str("call_id", slot.CallID).Err(err).Msg("command not delivered")
		return h.finish(id, slot.CallID, Reply{Outcome: outcome}, start), nil
	}

	reply := h.corr.Wait(ctx, slot, h.cfg.CommandTimeout)
	if reply.Outcome == OutcomeTimedOut {
		log.Error().Str("session", id).Str("call_id", slot.CallID).Msg("command timed out")
	}
	return h.finish(id, slot.CallID, reply, start), nil
}

func (h *Hub) finish(sessionID, callID string, reply Reply, start time.Time) Result {
	res := Result{CallID: callID, Outcome: reply.Outcome}
	switch reply.Outcome {
	case OutcomeAnswered:
		res.ResponseAPDU = reply.Response
		res.Paired = h.registry.Paired(sessionID)
	case OutcomePeerAbsent:
		res.ResponseAPDU = session.StatusNotFound
	default:
		res.ResponseAPDU = session.StatusNoPreciseDiagnosis
		res.Paired = h.registry.Paired(sessionID)
	}
	observability.RecordCommand(string(reply.Outcome), time.Since(start))
	log.Debug().
		Str("session", sessionID).
		Str("call_id", callID).
		Str("outcome", string(reply.Outcome)).
		Str("response", res.ResponseAPDU).
		Bool("paired", res.Paired).
		Msg("command resolved")
	return res
}

// Connect attaches an outbox and claims role for a new duplex connection.
// The connected notice is the first message the peer receives. A previous
// connection for the same (session, role) is superseded; commands still queued
// toward a superseded tag are answered as peer absent.
func (h *Hub) Connect(sessionID string, role pairing.Role, remote string) *Peer {
	clientID := fmt.Sprintf("ws:%s:%s#%d", sessionID, role, h.peerSeq.Add(1))
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	ob, prev := h.outboxes.Replace(sessionID, role, session.NewConnected(role.String()))
	h.registry.Claim(sessionID, role, clientID)
	orphaned := 0
	if prev != nil && role == pairing.RoleTag {
		orphaned = h.releaseQueued(sessionID, prev.Drain())
	}
	observability.DuplexConnected(role.String())
	log.Info().
		Str("session", sessionID).
		Str("role", role.String()).
		Str("client", clientID).
		Str("remote", remote).
		Bool("superseded", prev != nil).
		Int("released", orphaned).
		Msg("duplex connected")
	return &Peer{SessionID: sessionID, Role: role, ClientID: clientID, Outbox: ob}
}

func (h *Hub) releaseQueued(sessionID string, queued []session.Envelope) int {
	callIDs := make([]string, 0, len(queued))
	for _, env := range queued {
		if env.Type == session.TypeAPDURequest && env.CallID != "" {
			callIDs = append(callIDs, env.CallID)
		}
	}
	return h.corr.ReleaseCalls(sessionID, callIDs)
}

// Disconnect tears down p: detach its outbox, drop its role claim, release
// waiting commands that can no longer be answered, evict an empty session.
func (h *Hub) Disconnect(p *Peer) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	observability.DuplexDisconnected(p.Role.String())

	current := h.outboxes.Detach(p.Outbox)
	released := 0
	if current {
		h.registry.Unregister(p.SessionID, p.Role, p.ClientID)
		if p.Role == pairing.RoleTag {
			released = h.corr.Release(p.SessionID)
		}
	}
	evicted := false
	if !h.outboxes.Attached(p.SessionID) {
		evicted = h.registry.Evict(p.SessionID)
	}
	log.Info().
		Str("session", p.SessionID).
		Str("role", p.Role.String()).
		Str("client", p.ClientID).
		Bool("superseded", !current).
		Int("released", released).
		Bool("evicted", evicted).
		Msg("duplex disconnected")
}

// HandleMessage routes one inbound envelope from p.
func (h *Hub) HandleMessage(p *Peer, env session.Envelope) error {
	switch {
	case p.Role == pairing.RoleTag && env.Type == session.TypeAPDUResponse:
		h.HandleTagResponse(p, env)
		return nil
	case p.Role == pairing.RoleReader && env.Type == session.TypeAPDURequest:
		h.HandleReaderRequest(p, env)
		return nil
	default:
		return fmt.Errorf("%w: role=%s type=%s", ErrUnexpectedMessage, p.Role, env.Type)
	}
}

// HandleTagResponse resolves the waiting command and, independently, forwards
// the answer to a live reader.
func (h *Hub) HandleTagResponse(p *Peer, env session.Envelope) {
	if !h.corr.Fulfill(p.SessionID, env.CallID, env.ResponseAPDU) {
		observability.RecordUnmatchedResponse()
		log.Debug().Str("session", p.SessionID).Str("call_id", env.CallID).Msg("unmatched response")
	}
	err := h.outboxes.Push(p.SessionID, pairing.RoleReader, session.NewAPDUResponse(env.CallID, env.ResponseAPDU))
	if err != nil && !errors.Is(err, session.ErrNoOutbox) {
		log.Warn().Str("session", p.SessionID).Err(err).Msg("reader notify failed")
	}
}

// HandleReaderRequest forwards a live reader command to the tag, answering
// the reader itself when no tag can take it.
func (h *Hub) HandleReaderRequest(p *Peer, env session.Envelope) {
	callID := env.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	cmd := strings.TrimSpace(env.CommandAPDU)
	h.registry.RecordCommand(p.SessionID, cmd)
	err := h.outboxes.Push(p.SessionID, pairing.RoleTag, session.NewAPDURequest(callID, cmd))
	if err == nil {
		return
	}
	status := session.StatusNotFound
	if errors.Is(err, session.ErrOutboxFull) {
		status = session.StatusNoPreciseDiagnosis
	}
	if perr := p.Outbox.Push(session.NewAPDUResponse(callID, status)); perr != nil {
		log.Warn().Str("session", p.SessionID).Err(perr).Msg("reader fallback dropped")
	}
}
