package domain

import "time"

// MessageType identifies the kind of envelope exchanged between roles.
type MessageType string

const (
	TypeIssue          MessageType = "ISSUE"
	TypePlanRequest    MessageType = "PLAN_REQUEST"
	TypePlan           MessageType = "PLAN"
	TypeTaskRequest    MessageType = "TASK_REQUEST"
	TypeResult         MessageType = "RESULT"
	TypeReviewRequest  MessageType = "REVIEW_REQUEST"
	TypeReview         MessageType = "REVIEW"
	TypeMergeRequest   MessageType = "MERGE_REQUEST"
	TypeMergeConfirmed MessageType = "MERGE_CONFIRMED"
	TypeInfo           MessageType = "INFO"
)

var messageTypes = map[MessageType]bool{
	TypeIssue: true, TypePlanRequest: true, TypePlan: true,
	TypeTaskRequest: true, TypeResult: true, TypeReviewRequest: true,
	TypeReview: true, TypeMergeRequest: true, TypeMergeConfirmed: true,
	TypeInfo: true,
}

// Valid reports whether t is one of the closed set of message types.
func (t MessageType) Valid() bool {
	return messageTypes[t]
}

// NormalizeType maps unknown or empty values to INFO.
func NormalizeType(v string) MessageType {
	t := MessageType(v)
	if t.Valid() {
		return t
	}
	return TypeInfo
}

// Priority is advisory and does not affect delivery order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Known role identifiers. Recipients are free-form; these are the ones the
// orchestrator addresses.
const (
	RoleOrchestrator = "orchestrator"
	RolePlanner      = "planner"
	RoleImplementer  = "implementer"
	RoleReviewer     = "reviewer"
	RoleIntegrator   = "integrator"
)

// WorkerRoles lists the roles driven by the orchestrator, in pipeline order.
var WorkerRoles = []string{RolePlanner, RoleImplementer, RoleReviewer, RoleIntegrator}

// Default values filled in by message normalization.
const (
	UnknownThread = "unknown-thread"
	UnknownRole   = "unknown"
)

// ContextRef points at an auxiliary artifact. Opaque to the mailbox.
type ContextRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`
	Path string `json:"path,omitempty"`
	Note string `json:"note,omitempty"`
}

// Message is the wire and storage unit of the mailbox.
type Message struct {
	ThreadID           string         `json:"thread_id"`
	MsgID              string         `json:"msg_id"`
	From               string         `json:"from"`
	To                 string         `json:"to"`
	Type               MessageType    `json:"type"`
	Priority           Priority       `json:"priority,omitempty"`
	ContextRefs        []ContextRef   `json:"context_refs"`
	AcceptanceCriteria []string       `json:"acceptance_criteria"`
	Payload            map[string]any `json:"payload"`
	CreatedAt          time.Time      `json:"created_at"`
}

// State is the enumerated stage of a workflow thread.
type State string

const (
	StateIssueReceived   State = "ISSUE_RECEIVED"
	StatePlanRequested   State = "PLAN_REQUESTED"
	StatePlanReceived    State = "PLAN_RECEIVED"
	StateTaskDispatched  State = "TASK_DISPATCHED"
	StateResultReceived  State = "RESULT_RECEIVED"
	StateReviewRequested State = "REVIEW_REQUESTED"
	StateReviewReceived  State = "REVIEW_RECEIVED"
	StateMergeRequested  State = "MERGE_REQUESTED"
	StateDone            State = "DONE"
	StateIterating       State = "ITERATING"
	StateError           State = "ERROR"
)

var states = map[State]bool{
	StateIssueReceived: true, StatePlanRequested: true, StatePlanReceived: true,
	StateTaskDispatched: true, StateResultReceived: true, StateReviewRequested: true,
	StateReviewReceived: true, StateMergeRequested: true, StateDone: true,
	StateIterating: true, StateError: true,
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return states[s]
}

// Terminal reports whether no further transitions are expected from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// HistoryTimeFormat is the timestamp layout used in history and event log lines.
const HistoryTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// WorkflowState is the authoritative record of one thread.
type WorkflowState struct {
	ThreadID   string         `json:"thread_id"`
	State      State          `json:"state"`
	UpdatedAt  time.Time      `json:"updated_at"`
	History    []string       `json:"history"`
	Issue      map[string]any `json:"issue,omitempty"`
	Plan       map[string]any `json:"plan,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Review     map[string]any `json:"review,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Iterations int            `json:"iterations"`
	Version    int64          `json:"version"`
}

// Fresh reports whether the record has never been transitioned.
func (w *WorkflowState) Fresh() bool {
	return len(w.History) == 0
}

// StatePatch carries the fields a transition merges into a WorkflowState.
// Nil snapshot fields are left untouched; Data keys are merged.
type StatePatch struct {
	Issue  map[string]any
	Plan   map[string]any
	Result map[string]any
	Review map[string]any
	Data   map[string]any
}

// WorkflowEvent is one persisted transition of a thread.
type WorkflowEvent struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	SeqNo     int64     `json:"seq_no"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	EventType string    `json:"event_type"`
	MsgID     string    `json:"msg_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BeadType classifies a knowledge store record.
type BeadType string

const (
	BeadProject  BeadType = "ProjectBead"
	BeadDecision BeadType = "DecisionBead"
	BeadTask     BeadType = "TaskBead"
)

// Valid reports whether t is a known bead type.
func (t BeadType) Valid() bool {
	switch t {
	case BeadProject, BeadDecision, BeadTask:
		return true
	}
	return false
}

// Bead is a durable knowledge store record.
type Bead struct {
	ID        string         `json:"id"`
	Type      BeadType       `json:"type"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Tags      []string       `json:"tags"`
	CreatedAt time.Time      `json:"created_at"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// BeadScope narrows a recall. Zero fields do not filter.
type BeadScope struct {
	Type     BeadType
	ThreadID string
}
