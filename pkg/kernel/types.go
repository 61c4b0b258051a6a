// Package kernel defines the wire-shape data model shared by every
// component of the core: Event, Command, Outcome, Rejection, and the
// auxiliary records (Reference, Cursor, Snapshot).
//
// These types are sum types in spirit (Outcome is Accepted XOR
// Rejected) expressed as tagged Go structs, since the core targets a
// statically typed, non-ADT language. Fields carry validator and
// mapstructure tags so the same struct doubles as the inbound command
// schema and the config/viper decode target where relevant.
package kernel

import "time"

// ActorType identifies who or what issued a command or emitted an event.
type ActorType string

const (
	ActorHuman  ActorType = "HUMAN"
	ActorSystem ActorType = "SYSTEM"
	ActorDevice ActorType = "DEVICE"
	ActorAI     ActorType = "AI"
)

// EventStatus tracks the lifecycle confidence of an event.
type EventStatus string

const (
	StatusFinal           EventStatus = "FINAL"
	StatusProvisional     EventStatus = "PROVISIONAL"
	StatusReviewRequired  EventStatus = "REVIEW_REQUIRED"
)

// Genesis is the literal sentinel used as PreviousEventHash for the
// first event of a business chain.
const Genesis = "GENESIS"

// ActorRef identifies the issuer of a command or event.
type ActorRef struct {
	Type ActorType `json:"actor_type" validate:"required,oneof=HUMAN SYSTEM DEVICE AI"`
	ID   string    `json:"actor_id" validate:"required"`
}

// Reference optionally points a command or event at a business object.
type Reference struct {
	ObjectType string `json:"object_type,omitempty"`
	ObjectID   string `json:"object_id,omitempty"`
}

// Command is the unit of intent: transient, validated, never stored.
type Command struct {
	CommandID      string                 `json:"command_id" validate:"required"`
	CommandType    string                 `json:"command_type" validate:"required"`
	BusinessID     string                 `json:"business_id" validate:"required"`
	BranchID       string                 `json:"branch_id,omitempty"`
	Actor          ActorRef               `json:"actor" validate:"required"`
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	IssuedAt       time.Time              `json:"issued_at" validate:"required"`
	Payload        map[string]any         `json:"payload"`
	SourceEngine   string                 `json:"source_engine" validate:"required"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Deadline       time.Time              `json:"deadline,omitempty"`
}

// Event is the sole unit of truth. Immutable once stored.
type Event struct {
	EventID           string          `json:"event_id"`
	EventType         string          `json:"event_type"`
	EventVersion      uint32          `json:"event_version"`
	BusinessID        string          `json:"business_id"`
	BranchID          string          `json:"branch_id,omitempty"`
	SourceEngine      string          `json:"source_engine"`
	Actor             ActorRef        `json:"actor"`
	CorrelationID     string          `json:"correlation_id"`
	CausationID       string          `json:"causation_id,omitempty"`
	Payload           map[string]any  `json:"payload"`
	Reference         *Reference      `json:"reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ReceivedAt        time.Time       `json:"received_at"`
	Status            EventStatus     `json:"status"`
	CorrectionOf      string          `json:"correction_of,omitempty"`
	PreviousEventHash string          `json:"previous_event_hash"`
	EventHash         string          `json:"event_hash"`
}

// Cursor identifies a position in a business's event log.
type Cursor struct {
	ReceivedAt time.Time `json:"received_at"`
	EventID    string    `json:"event_id"`
}

// Before reports whether c precedes other in (received_at, event_id) order.
func (c Cursor) Before(other Cursor) bool {
	if !c.ReceivedAt.Equal(other.ReceivedAt) {
		return c.ReceivedAt.Before(other.ReceivedAt)
	}
	return c.EventID < other.EventID
}

// Rejection is the structured failure carried by a Rejected outcome.
type Rejection struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	PolicyName string         `json:"policy_name,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (r *Rejection) Error() string {
	if r == nil {
		return ""
	}
	return r.Code + ": " + r.Message
}

// Outcome is the tagged union returned by the bus: Accepted XOR Rejected.
type Outcome struct {
	Events    []Event    `json:"events,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

// Accepted builds an accepted outcome.
func Accepted(events []Event) Outcome {
	return Outcome{Events: events}
}

// Rejected builds a rejected outcome.
func Rejected(code, message, policyName string) Outcome {
	return Outcome{Rejection: &Rejection{Code: code, Message: message, PolicyName: policyName}}
}

// RejectedDetail builds a rejected outcome carrying structured details.
func RejectedDetail(code, message, policyName string, details map[string]any) Outcome {
	return Outcome{Rejection: &Rejection{Code: code, Message: message, PolicyName: policyName, Details: details}}
}

// Ok reports whether the outcome is Accepted.
func (o Outcome) Ok() bool {
	return o.Rejection == nil
}

// Snapshot is an append-only, per-projection point-in-time capture.
type Snapshot struct {
	ProjectionName string    `json:"projection_name"`
	BusinessID     string    `json:"business_id"`
	Cursor         Cursor    `json:"cursor"`
	Bytes          []byte    `json:"bytes"`
	TakenAt        time.Time `json:"taken_at"`
}

// BusinessContext is the read-only execution context threaded through
// a single command's guard pipeline and handler invocation.
type BusinessContext struct {
	BusinessID    string
	BranchID      string
	Actor         ActorRef
	CorrelationID string
	RequestID     string
	Locale        string
	ReplayActive  bool
}
