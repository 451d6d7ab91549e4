// Package service defines the contract every primitive hosted by the
// manager must satisfy (§4.1), the execution context passed to it, the
// streaming sink interface, and the thin instance wrapper that binds one
// primitive to its identity.
package service

import (
	"github.com/corestate-io/svcmux/envelope"
)

// OperationKind classifies the call currently in flight, mirroring the
// distinction the manager itself must preserve end to end.
type OperationKind int

const (
	OperationCommand OperationKind = iota
	OperationQuery
)

func (k OperationKind) String() string {
	if k == OperationQuery {
		return "query"
	}
	return "command"
}

// Context is the read-only handle every hosted service receives on every
// call (§3, §5 "Shared Context"). It is a small immutable record: no
// global mutable state, no wall-clock reads inside services that would
// violate determinism — the tick here is the consensus layer's own
// logical clock, not time.Now().
type Context struct {
	Index     uint64
	Operation OperationKind
	Tick      int64
}

// WithOperation returns a copy of ctx for the given operation kind,
// leaving Index and Tick untouched. The manager forwards the same
// Context to every hosted service for a given apply call.
func (ctx Context) WithOperation(op OperationKind) Context {
	ctx.Operation = op
	return ctx
}

// Sink receives the chunks of a streaming command/query. Exactly one
// terminal call (Complete or Error) is required per §4.1; the manager
// never reorders or batches Next calls.
type Sink interface {
	Next(chunk []byte) error
	Complete()
	Error(err error)
}

// ByteSink is a minimal write target for snapshot output — self-framing
// is the responsibility of whatever writes into it.
type ByteSink interface {
	Write(p []byte) (int, error)
}

// ByteSource is a minimal read source for restore input.
type ByteSource interface {
	Read(p []byte) (int, error)
}

// PrimitiveService is the capability set every hosted primitive
// implements (§4.1). All methods are synchronous in this Go realization:
// a "future" in the source spec is just the returned (T, error) pair,
// since the manager already awaits each call before advancing the single
// apply loop (§5) — there is no benefit to a reified future type here.
type PrimitiveService interface {
	// Init is called once, immediately after construction, on both the
	// apply-time creation path and the restore-time creation path (§9
	// init-on-restore parity).
	Init(ctx Context)

	ApplyCommand(ctx Context, payload []byte) ([]byte, error)
	ApplyCommandStream(ctx Context, payload []byte, sink Sink) error

	ApplyQuery(ctx Context, payload []byte) ([]byte, error)
	ApplyQueryStream(ctx Context, payload []byte, sink Sink) error

	// Snapshot writes a deterministic, self-delimiting representation of
	// current state to w.
	Snapshot(w ByteSink) error
	// Restore reads a previously written snapshot from r and replaces all
	// state. Must consume exactly its own bytes, leaving r positioned at
	// whatever follows.
	Restore(r ByteSource) error

	// CanDelete reports whether state up to and including index is no
	// longer needed for correctness. Must be monotonic in index.
	CanDelete(index uint64) bool
}

// Factory produces a fresh PrimitiveService instance for one ServiceId.
// The registry maps a type tag to one of these.
type Factory func() PrimitiveService

// Instance binds one PrimitiveService to its ServiceId and is the unit
// the manager owns and can drop (§4.4). It is a thin pass-through; all
// the interesting behavior lives in the wrapped PrimitiveService.
type Instance struct {
	ID  envelope.ServiceId
	Svc PrimitiveService
}

// NewInstance constructs an Instance and calls Init on the wrapped
// service, matching the contract both the apply-time create path and the
// restore path must follow.
func NewInstance(id envelope.ServiceId, svc PrimitiveService, ctx Context) *Instance {
	inst := &Instance{ID: id, Svc: svc}
	inst.Svc.Init(ctx)
	return inst
}

func (inst *Instance) ApplyCommand(ctx Context, payload []byte) ([]byte, error) {
	return inst.Svc.ApplyCommand(ctx, payload)
}

func (inst *Instance) ApplyCommandStream(ctx Context, payload []byte, sink Sink) error {
	return inst.Svc.ApplyCommandStream(ctx, payload, sink)
}

func (inst *Instance) ApplyQuery(ctx Context, payload []byte) ([]byte, error) {
	return inst.Svc.ApplyQuery(ctx, payload)
}

func (inst *Instance) ApplyQueryStream(ctx Context, payload []byte, sink Sink) error {
	return inst.Svc.ApplyQueryStream(ctx, payload, sink)
}

func (inst *Instance) Snapshot(w ByteSink) error {
	return inst.Svc.Snapshot(w)
}

func (inst *Instance) Restore(r ByteSource) error {
	return inst.Svc.Restore(r)
}

func (inst *Instance) CanDelete(index uint64) bool {
	return inst.Svc.CanDelete(index)
}
