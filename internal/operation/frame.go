// Package operation allocates operation identifiers, holds their
// progress history, and enforces the process-wide mutual-exclusion
// lock that serializes mutating requests against the managed process.
package operation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is an Operation's current terminal/non-terminal state.
type Status string

const (
	Ack       Status = "Ack"
	Ongoing   Status = "Ongoing"
	Completed Status = "Completed"
	Failed    Status = "Failed"
)

func (s Status) Terminal() bool { return s == Completed || s == Failed }

// Frame is one entry in an Operation's append-only history, carrying
// a sequence number scoped to that operation.
type Frame struct {
	Seq  int64       `json:"seq"`
	At   time.Time   `json:"at"`
	Body interface{} `json:"body"`
}

// Operation is a live or retained mutating-request record.
type Operation struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	ConflictKey string    `json:"-"`
	Status      Status    `json:"status"`
	History     []Frame   `json:"history"`
	TerminalAt  time.Time `json:"-"`

	// cancel aborts the worker driving this operation, set by the
	// caller that began it. Nil for operations that carry no
	// cancellable work.
	cancel context.CancelFunc
}

// Snapshot is an immutable copy of an Operation safe to hand to
// readers without holding the registry lock.
type Snapshot struct {
	ID      uuid.UUID
	Kind    string
	Status  Status
	History []Frame
}

func (op *Operation) snapshot() Snapshot {
	history := make([]Frame, len(op.History))
	copy(history, op.History)
	return Snapshot{ID: op.ID, Kind: op.Kind, Status: op.Status, History: history}
}
