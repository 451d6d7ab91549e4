// Package manager implements the Service Manager (§4.5): the
// multiplexer that owns every hosted service instance, routes inbound
// envelopes, handles create/delete/metadata inline, and aggregates
// snapshot/restore and garbage-collection across all hosted instances.
//
// The manager is driven by a single-threaded apply loop (§5): two
// apply calls are never in flight at once, and the manager performs no
// suspension or blocking I/O of its own — only the primitives it hosts
// may do that, inside their own apply methods. Accordingly this type
// carries no internal mutex; serializing calls is the caller's (the
// consensus layer's) responsibility, exactly as §5 specifies.
package manager

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/corestate-io/svcmux/config"
	"github.com/corestate-io/svcmux/envelope"
	"github.com/corestate-io/svcmux/logging"
	"github.com/corestate-io/svcmux/observability"
	"github.com/corestate-io/svcmux/registry"
	"github.com/corestate-io/svcmux/service"
	"github.com/corestate-io/svcmux/svcerrors"
)

// defaultBufferSize is used when a configured buffer size is non-positive.
const defaultBufferSize = 4096

var tracer = observability.Tracer("svcmux/manager")

// instrumentApply times one apply call, records it to the apply_total/
// apply_duration_seconds metrics, and wraps it in a trace span carrying a
// fresh correlation id — the same id is logged alongside any failure so a
// span and a log line for the same call can be joined by eye. Adapted
// from the request-timing idiom of a gRPC logging interceptor, applied
// here to the manager's own apply methods instead of an RPC boundary.
func instrumentApply[T any](m *Manager, spanName, kind string, fn func(ctx context.Context) (T, error)) (T, error) {
	correlationID := NewCorrelationID()

	ctx, span := tracer.Start(context.Background(), spanName, trace.WithAttributes(
		attribute.String("svcmux.correlation_id", correlationID),
		attribute.String("svcmux.operation.kind", kind),
	))
	defer span.End()

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		m.logger.Error("apply_failed", "correlation_id", correlationID, "kind", kind, "error", err)
	}

	if m.metricsEnabled {
		status := "ok"
		if err != nil {
			status = "error"
		}
		observability.RecordApply(kind, status, elapsed)
	}
	return result, err
}

// Manager is the replicated state-machine multiplexer.
type Manager struct {
	registry *registry.TypeRegistry
	logger   logging.Logger

	services map[envelope.ServiceId]*service.Instance

	metricsEnabled        bool
	snapshotChunkBytes    int
	restoreReadBufferSize int

	// halted records a fatal UnknownType error (§7): once set, every
	// subsequent apply call fails immediately without touching state,
	// modeling "halt apply" since this Go process has no separate
	// mechanism to stop the consensus layer from calling in again.
	halted  bool
	haltErr error
}

// New constructs a Manager bound to reg. No separate Init call is
// required: construction and first use both start from an empty,
// ready-to-apply service set. A nil cfg falls back to
// config.DefaultManagerConfig().
func New(reg *registry.TypeRegistry, logger logging.Logger, cfg *config.ManagerConfig) *Manager {
	if logger == nil {
		logger = logging.NoopLogger()
	}
	if cfg == nil {
		cfg = config.DefaultManagerConfig()
	}
	return &Manager{
		registry:              reg,
		logger:                logger,
		services:              make(map[envelope.ServiceId]*service.Instance),
		metricsEnabled:        cfg.MetricsEnabled,
		snapshotChunkBytes:    cfg.SnapshotChunkBytes,
		restoreReadBufferSize: cfg.RestoreReadBufferSize,
	}
}

func bufferSizeOrDefault(size int) int {
	if size <= 0 {
		return defaultBufferSize
	}
	return size
}

func newServiceContext(index uint64, op service.OperationKind) service.Context {
	return service.Context{Index: index, Operation: op}
}

func (m *Manager) checkHalted() error {
	if m.halted {
		return m.haltErr
	}
	return nil
}

func (m *Manager) halt(err error) error {
	m.halted = true
	m.haltErr = err
	m.logger.Error("manager_halted", "error", err)
	return err
}

// create builds a fresh instance for id via the registry, calling Init on
// the new primitive. Every creation path (explicit create, implicit
// command create, transient query create, restore) funnels through this
// one function, which is how §9's init-on-restore parity requirement is
// satisfied without a second code path.
func (m *Manager) create(id envelope.ServiceId, ctx service.Context) (*service.Instance, error) {
	factory, ok := m.registry.Lookup(id.Type)
	if !ok {
		return nil, m.halt(svcerrors.NewUnknownTypeError(id.Type))
	}
	return service.NewInstance(id, factory(), ctx), nil
}

func (m *Manager) lookup(id envelope.ServiceId) (*service.Instance, bool) {
	inst, ok := m.services[id]
	return inst, ok
}

// ApplyCommand routes one decoded command envelope (§4.5 apply(command
// envelope)). index is the log index the consensus layer assigned this
// entry; it is forwarded to the hosted service via Context.
func (m *Manager) ApplyCommand(index uint64, requestBytes []byte) ([]byte, error) {
	return instrumentApply(m, "svcmux.manager.apply_command", "command", func(context.Context) ([]byte, error) {
		return m.applyCommand(index, requestBytes)
	})
}

func (m *Manager) applyCommand(index uint64, requestBytes []byte) ([]byte, error) {
	if err := m.checkHalted(); err != nil {
		return nil, err
	}
	req, err := envelope.DecodeRequest(requestBytes)
	if err != nil {
		return nil, err
	}
	ctx := newServiceContext(index, service.OperationCommand)

	switch req.Kind {
	case envelope.KindCreate:
		if _, exists := m.lookup(req.ID); !exists {
			inst, err := m.create(req.ID, ctx)
			if err != nil {
				return nil, err
			}
			m.services[req.ID] = inst
			m.recordActiveCount()
		}
		return envelope.EncodeResponse(envelope.Response{Kind: envelope.KindCreate}), nil

	case envelope.KindDelete:
		delete(m.services, req.ID)
		m.recordActiveCount()
		return envelope.EncodeResponse(envelope.Response{Kind: envelope.KindDelete}), nil

	case envelope.KindCommand:
		inst, exists := m.lookup(req.ID)
		if !exists {
			// §4.5 step 3: a command addressed to a fresh id implicitly
			// creates it.
			created, err := m.create(req.ID, ctx)
			if err != nil {
				return nil, err
			}
			m.services[req.ID] = created
			inst = created
			m.recordActiveCount()
		}
		out, err := service.SafeApply(m.logger, "apply_command", func() ([]byte, error) {
			return inst.ApplyCommand(ctx, req.Payload)
		})
		if err != nil {
			return nil, svcerrors.NewServiceError(req.ID.Type, req.ID.Name, err)
		}
		return envelope.EncodeResponse(envelope.Response{Kind: envelope.KindCommand, Payload: out}), nil

	default:
		return nil, svcerrors.NewDecodeError("apply_command", fmt.Errorf("unexpected request kind %s on command path", req.Kind))
	}
}

// ApplyCommandStream is the streaming-command variant. The sink passed in
// receives already wire-encoded response envelopes, re-framed from the
// raw bytes the hosted primitive emits (§4.5 streaming variants).
func (m *Manager) ApplyCommandStream(index uint64, requestBytes []byte, outer service.Sink) error {
	_, err := instrumentApply(m, "svcmux.manager.apply_command_stream", "command_stream", func(context.Context) (struct{}, error) {
		return struct{}{}, m.applyCommandStream(index, requestBytes, outer)
	})
	return err
}

func (m *Manager) applyCommandStream(index uint64, requestBytes []byte, outer service.Sink) error {
	if err := m.checkHalted(); err != nil {
		outer.Error(err)
		return err
	}
	req, err := envelope.DecodeRequest(requestBytes)
	if err != nil {
		outer.Error(err)
		return err
	}
	if req.Kind != envelope.KindCommand {
		err := svcerrors.NewDecodeError("apply_command_stream", fmt.Errorf("unexpected request kind %s on streaming command path", req.Kind))
		outer.Error(err)
		return err
	}
	ctx := newServiceContext(index, service.OperationCommand)

	inst, exists := m.lookup(req.ID)
	if !exists {
		created, err := m.create(req.ID, ctx)
		if err != nil {
			outer.Error(err)
			return err
		}
		m.services[req.ID] = created
		inst = created
		m.recordActiveCount()
	}

	wrapped := &reframingSink{outer: outer, kind: envelope.KindCommand}
	err = service.SafeApplyVoid(m.logger, "apply_command_stream", func() error {
		return inst.ApplyCommandStream(ctx, req.Payload, wrapped)
	})
	if err != nil {
		wrapped.errorOnce(svcerrors.NewServiceError(req.ID.Type, req.ID.Name, err))
		return err
	}
	return nil
}

// ApplyQuery routes one decoded query envelope (§4.5 apply(query
// envelope)).
func (m *Manager) ApplyQuery(index uint64, requestBytes []byte) ([]byte, error) {
	return instrumentApply(m, "svcmux.manager.apply_query", "query", func(context.Context) ([]byte, error) {
		return m.applyQuery(index, requestBytes)
	})
}

func (m *Manager) applyQuery(index uint64, requestBytes []byte) ([]byte, error) {
	if err := m.checkHalted(); err != nil {
		return nil, err
	}
	req, err := envelope.DecodeRequest(requestBytes)
	if err != nil {
		return nil, err
	}
	ctx := newServiceContext(index, service.OperationQuery)

	switch req.Kind {
	case envelope.KindMetadata:
		ids := m.listServices(req.TypeFilter)
		return envelope.EncodeResponse(envelope.Response{Kind: envelope.KindMetadata, Services: ids}), nil

	case envelope.KindQuery:
		inst, exists := m.lookup(req.ID)
		if !exists {
			// §4.5: the manager MAY create a transient instance for read
			// purposes; the transient is discarded, never inserted.
			transient, err := m.create(req.ID, ctx)
			if err != nil {
				return nil, err
			}
			inst = transient
		}
		out, err := service.SafeApply(m.logger, "apply_query", func() ([]byte, error) {
			return inst.ApplyQuery(ctx, req.Payload)
		})
		if err != nil {
			return nil, svcerrors.NewServiceError(req.ID.Type, req.ID.Name, err)
		}
		return envelope.EncodeResponse(envelope.Response{Kind: envelope.KindQuery, Payload: out}), nil

	default:
		return nil, svcerrors.NewDecodeError("apply_query", fmt.Errorf("unexpected request kind %s on query path", req.Kind))
	}
}

// ApplyQueryStream is the streaming-query variant. Per §4.5/§9, an
// absent id MUST fail with UnknownService here — unlike the
// non-streaming query path, no transient instance is created, since a
// partially-initialized instance could otherwise leak into the
// committed set through a long-lived streaming call.
func (m *Manager) ApplyQueryStream(index uint64, requestBytes []byte, outer service.Sink) error {
	_, err := instrumentApply(m, "svcmux.manager.apply_query_stream", "query_stream", func(context.Context) (struct{}, error) {
		return struct{}{}, m.applyQueryStream(index, requestBytes, outer)
	})
	return err
}

func (m *Manager) applyQueryStream(index uint64, requestBytes []byte, outer service.Sink) error {
	if err := m.checkHalted(); err != nil {
		outer.Error(err)
		return err
	}
	req, err := envelope.DecodeRequest(requestBytes)
	if err != nil {
		outer.Error(err)
		return err
	}
	if req.Kind != envelope.KindQuery {
		err := svcerrors.NewDecodeError("apply_query_stream", fmt.Errorf("unexpected request kind %s on streaming query path", req.Kind))
		outer.Error(err)
		return err
	}
	ctx := newServiceContext(index, service.OperationQuery)

	inst, exists := m.lookup(req.ID)
	if !exists {
		err := svcerrors.NewUnknownServiceError(req.ID.Type, req.ID.Name)
		outer.Error(err)
		return err
	}

	wrapped := &reframingSink{outer: outer, kind: envelope.KindQuery}
	err = service.SafeApplyVoid(m.logger, "apply_query_stream", func() error {
		return inst.ApplyQueryStream(ctx, req.Payload, wrapped)
	})
	if err != nil {
		wrapped.errorOnce(svcerrors.NewServiceError(req.ID.Type, req.ID.Name, err))
		return err
	}
	return nil
}

// listServices returns the live ServiceIds, optionally filtered by type,
// sorted lexicographically by (type, name) — §4.5, §8 invariant 4.
func (m *Manager) listServices(typeFilter *string) []envelope.ServiceId {
	ids := make([]envelope.ServiceId, 0, len(m.services))
	for id := range m.services {
		if typeFilter != nil && *typeFilter != "" && id.Type != *typeFilter {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// Snapshot writes every live instance's identity and state to w, in
// deterministic (type, name) order (§4.5, §9).
func (m *Manager) Snapshot(w service.ByteSink) error {
	start := time.Now()
	err := m.snapshot(w)
	if m.metricsEnabled {
		observability.RecordSnapshot(time.Since(start).Seconds())
	}
	return err
}

// snapshot buffers writes through a bufio.Writer sized by
// ManagerConfig.SnapshotChunkBytes, so a slow backing sink (disk, a
// replicated log's blob store) sees one write per chunk instead of one
// per service record.
func (m *Manager) snapshot(w service.ByteSink) error {
	bw := bufio.NewWriterSize(w, bufferSizeOrDefault(m.snapshotChunkBytes))

	ids := m.listServices(nil)
	for _, id := range ids {
		var idBuf []byte
		idBuf = envelope.EncodeServiceId(idBuf, id)
		if _, err := bw.Write(idBuf); err != nil {
			return svcerrors.NewIOError("snapshot service id", err)
		}
		if err := m.services[id].Snapshot(bw); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return svcerrors.NewIOError("snapshot flush", err)
	}
	return nil
}

// Restore clears the current service set and reconstructs it from r
// (§4.5). Each record's type is instantiated via the registry (fatal
// UnknownType if absent) and then restored from the stream.
func (m *Manager) Restore(r service.ByteSource) error {
	start := time.Now()
	err := m.restore(r)
	if m.metricsEnabled {
		observability.RecordRestore(time.Since(start).Seconds())
	}
	return err
}

// restore wraps r in a bufio.Reader sized by
// ManagerConfig.RestoreReadBufferSize, so the byte-at-a-time varint reads
// in readServiceIdOrEOF amortize into one syscall per buffer fill rather
// than one per byte on a slow backing source.
func (m *Manager) restore(r service.ByteSource) error {
	br := bufio.NewReaderSize(r, bufferSizeOrDefault(m.restoreReadBufferSize))
	m.services = make(map[envelope.ServiceId]*service.Instance)
	ctx := newServiceContext(0, service.OperationCommand)

	for {
		id, ok, err := readServiceIdOrEOF(br)
		if err != nil {
			return svcerrors.NewIOError("restore service id", err)
		}
		if !ok {
			m.recordActiveCount()
			return nil
		}
		inst, err := m.create(id, ctx)
		if err != nil {
			return err
		}
		if err := inst.Restore(br); err != nil {
			return err
		}
		m.services[id] = inst
	}
}

// CanDelete is the conjunction of every hosted instance's can_delete
// consent (§4.5, §8 invariant 5).
func (m *Manager) CanDelete(index uint64) bool {
	if m.metricsEnabled {
		observability.RecordCanDeleteCheck()
	}
	for _, inst := range m.services {
		if !inst.CanDelete(index) {
			return false
		}
	}
	return true
}

func (m *Manager) recordActiveCount() {
	if m.metricsEnabled {
		observability.SetActiveServices(len(m.services))
	}
}

// NewCorrelationID returns a correlation id for logging/tracing only —
// never used in replicated state, since the spec forbids randomness in
// anything that affects determinism.
func NewCorrelationID() string {
	return uuid.NewString()
}

// reframingSink wraps an outer service.Sink so each raw chunk emitted by
// a hosted primitive is re-framed as a response envelope before being
// forwarded (§4.5 streaming variants). Terminal calls pass through
// unchanged, and are idempotent here as a defensive measure against a
// misbehaving primitive calling more than one terminal signal.
type reframingSink struct {
	outer     service.Sink
	kind      envelope.Kind
	completed bool
}

func (s *reframingSink) Next(chunk []byte) error {
	wire := envelope.EncodeResponse(envelope.Response{Kind: s.kind, Payload: chunk})
	return s.outer.Next(wire)
}

func (s *reframingSink) Complete() {
	if s.completed {
		return
	}
	s.completed = true
	s.outer.Complete()
}

func (s *reframingSink) Error(err error) {
	if s.completed {
		return
	}
	s.completed = true
	s.outer.Error(err)
}

func (s *reframingSink) errorOnce(err error) {
	if !s.completed {
		s.Error(err)
	}
}

// readServiceIdOrEOF reads one self-delimited ServiceId record (varint
// length prefix, then fields) from r. ok is false only when r is
// genuinely exhausted before any byte of a new record was read.
func readServiceIdOrEOF(r service.ByteSource) (envelope.ServiceId, bool, error) {
	first := make([]byte, 1)
	n, err := r.Read(first)
	if n == 0 {
		if err == io.EOF {
			return envelope.ServiceId{}, false, nil
		}
		return envelope.ServiceId{}, false, err
	}

	length, err := readVarintContinuation(r, first[0])
	if err != nil {
		return envelope.ServiceId{}, false, err
	}
	body := make([]byte, length)
	if err := readFull(r, body); err != nil {
		return envelope.ServiceId{}, false, err
	}

	var buf []byte
	buf = appendVarint(buf, length)
	buf = append(buf, body...)
	id, _, err := envelope.DecodeServiceId(buf)
	if err != nil {
		return envelope.ServiceId{}, false, err
	}
	return id, true, nil
}

// readVarintContinuation finishes decoding a varint whose first byte has
// already been read as firstByte.
func readVarintContinuation(r service.ByteSource, firstByte byte) (uint64, error) {
	result := uint64(firstByte & 0x7F)
	shift := uint(7)
	if firstByte&0x80 == 0 {
		return result, nil
	}
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 0 || err != nil {
			return 0, fmt.Errorf("read varint: %w", err)
		}
		b := buf[0]
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
}

func readFull(r service.ByteSource, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short read")
		}
	}
	return nil
}

// appendVarint appends the standard base-128 varint encoding of v to buf.
func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}
