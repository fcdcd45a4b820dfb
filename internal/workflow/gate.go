// Package workflow implements the HiveForge orchestrator: a per-thread state
// machine that reacts to role replies and dispatches the next request.
package workflow

import (
	"fmt"
	"slices"

	"github.com/hiveforge/hiveforge/internal/domain"
)

// Decision is the outcome of a gate evaluation.
type Decision struct {
	Allow    bool
	Blockers []string
}

// Gate evaluates whether a message type may be handled in a thread's
// current state.
type Gate interface {
	Name() string
	Evaluate(state domain.WorkflowState, msgType domain.MessageType) Decision
}

// OpenGate admits every message.
type OpenGate struct{}

// Name returns the gate name.
func (OpenGate) Name() string { return "open" }

// Evaluate always allows.
func (OpenGate) Evaluate(domain.WorkflowState, domain.MessageType) Decision {
	return Decision{Allow: true}
}

// PredecessorGate admits a message only when the thread sits in one of the
// listed states. AllowFresh also admits threads that were never transitioned.
type PredecessorGate struct {
	From       []domain.State
	AllowFresh bool
}

// Name returns the gate name.
func (g PredecessorGate) Name() string { return "predecessor" }

// Evaluate checks the thread's current state against g.From.
func (g PredecessorGate) Evaluate(state domain.WorkflowState, msgType domain.MessageType) Decision {
	if g.AllowFresh && state.Fresh() {
		return Decision{Allow: true}
	}
	if !state.Fresh() && slices.Contains(g.From, state.State) {
		return Decision{Allow: true}
	}
	current := string(state.State)
	if state.Fresh() {
		current = "new thread"
	}
	return Decision{Blockers: []string{fmt.Sprintf("%s not accepted in %s", msgType, current)}}
}

// predecessors lists, per handled message type, the states it may arrive
// in. The *_RECEIVED entries let a redelivered message finish after a crash
// between the first transition and the acknowledgement.
var predecessors = map[domain.MessageType]PredecessorGate{
	domain.TypeIssue: {
		From:       []domain.State{domain.StateIssueReceived},
		AllowFresh: true,
	},
	domain.TypePlan: {
		From: []domain.State{domain.StatePlanRequested, domain.StatePlanReceived},
	},
	domain.TypeResult: {
		From: []domain.State{domain.StateTaskDispatched, domain.StateIterating, domain.StateResultReceived},
	},
	domain.TypeReview: {
		From: []domain.State{domain.StateReviewRequested, domain.StateReviewReceived},
	},
	domain.TypeMergeConfirmed: {
		From: []domain.State{domain.StateMergeRequested},
	},
}

// GateRegistry maps each message type to its gate.
type GateRegistry struct {
	gates    map[domain.MessageType]Gate
	fallback Gate
}

// NewGateRegistry creates a registry enforcing the predecessor table, or
// admitting everything when allowOutOfOrder is set.
func NewGateRegistry(allowOutOfOrder bool) *GateRegistry {
	r := &GateRegistry{gates: map[domain.MessageType]Gate{}, fallback: OpenGate{}}
	if allowOutOfOrder {
		return r
	}
	for typ, g := range predecessors {
		r.gates[typ] = g
	}
	return r
}

// Register sets a custom gate for a message type.
func (r *GateRegistry) Register(msgType domain.MessageType, gate Gate) {
	r.gates[msgType] = gate
}

// Get returns the gate for a message type.
func (r *GateRegistry) Get(msgType domain.MessageType) Gate {
	if g, ok := r.gates[msgType]; ok {
		return g
	}
	return r.fallback
}
