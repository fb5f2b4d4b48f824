package operation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/factorio-agent/internal/agenterr"
)

const DefaultTTL = 5 * time.Minute

// cancellableKinds names the operation kinds spec.md 5 honors an
// explicit CancelOperation request for. Any other kind reports that it
// cannot be cancelled, even though every operation carries a cancel
// func internally.
var cancellableKinds = map[string]bool{
	"VersionInstall": true,
	"ModListApply":   true,
}

// reapInterval is how often the background reaper sweeps terminal
// operations past their TTL.
const reapInterval = 30 * time.Second

// Registry allocates operation identifiers, holds their history, and
// enforces the single conflict-set lock: at most one operation whose
// ConflictKey matches an already-Ongoing operation may run at a time.
type Registry struct {
	mu   sync.Mutex
	ops  map[uuid.UUID]*Operation
	held map[string]uuid.UUID // conflictKey -> holder operation ID
	ttl  time.Duration
}

func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		ops:  make(map[uuid.UUID]*Operation),
		held: make(map[string]uuid.UUID),
		ttl:  ttl,
	}
}

// Run starts the TTL reaper and blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for id, op := range r.ops {
		if op.Status.Terminal() && now.Sub(op.TerminalAt) > r.ttl {
			delete(r.ops, id)
		}
	}
}

// Begin allocates a new Operation of kind, guarded by conflictKey. If
// another Ongoing operation already holds conflictKey, it returns
// agenterr.Busy naming that operation's kind.
func (r *Registry) Begin(kind, conflictKey string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holderID, ok := r.held[conflictKey]; ok {
		holder := r.ops[holderID]
		holderKind := kind
		if holder != nil {
			holderKind = holder.Kind
		}
		return nil, agenterr.New(agenterr.Busy, holderKind)
	}

	op := &Operation{
		ID:          uuid.New(),
		Kind:        kind,
		ConflictKey: conflictKey,
		Status:      Ack,
	}
	r.ops[op.ID] = op
	r.held[conflictKey] = op.ID
	r.appendLocked(op, Ack)
	op.Status = Ongoing

	return &Handle{registry: r, id: op.ID}, nil
}

func (r *Registry) appendLocked(op *Operation, body interface{}) {
	op.History = append(op.History, Frame{
		Seq:  int64(len(op.History)),
		At:   time.Now(),
		Body: body,
	})
}

// Get returns a point-in-time Snapshot of the operation id, or false
// if it is not known (never existed, or reaped past its TTL).
func (r *Registry) Get(id uuid.UUID) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return Snapshot{}, false
	}
	return op.snapshot(), true
}

// Cancel requests that the operation id abort. It is only honored for
// an Ongoing operation of a cancellable kind; the caller's own work
// still has to observe ctx.Done() and fail with agenterr.Cancelled for
// the registry record to actually roll to Failed(Cancelled).
func (r *Registry) Cancel(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return agenterr.New(agenterr.BadRequest, "unknown or expired operation")
	}
	if op.Status.Terminal() {
		return agenterr.New(agenterr.BadRequest, "operation already finished")
	}
	if !cancellableKinds[op.Kind] || op.cancel == nil {
		return agenterr.New(agenterr.BadRequest, "operation is not cancellable")
	}
	op.cancel()
	return nil
}

// Handle is the single-writer handle returned by Begin; only the
// worker that began the operation may mutate it through this handle.
type Handle struct {
	registry *Registry
	id       uuid.UUID
}

func (h *Handle) ID() uuid.UUID { return h.id }

// SetCancel registers the CancelFunc that drives this operation's
// context, so a later Registry.Cancel can abort it.
func (h *Handle) SetCancel(cancel context.CancelFunc) {
	r := h.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[h.id]; ok {
		op.cancel = cancel
	}
}

// Progress appends a non-terminal frame.
func (h *Handle) Progress(body interface{}) {
	r := h.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if op, ok := r.ops[h.id]; ok {
		r.appendLocked(op, body)
	}
}

// Complete appends a terminal Completed frame and releases the
// conflict-set lock.
func (h *Handle) Complete(result interface{}) {
	h.terminal(Completed, result)
}

// Fail appends a terminal Failed frame and releases the conflict-set
// lock.
func (h *Handle) Fail(reason interface{}) {
	h.terminal(Failed, reason)
}

func (h *Handle) terminal(status Status, body interface{}) {
	r := h.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[h.id]
	if !ok {
		return
	}
	r.appendLocked(op, body)
	op.Status = status
	op.TerminalAt = time.Now()
	if r.held[op.ConflictKey] == op.ID {
		delete(r.held, op.ConflictKey)
	}
}
