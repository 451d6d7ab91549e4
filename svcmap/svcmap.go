// Package svcmap implements the supplemented replicated map primitive
// (§4.2b): a string-keyed byte-value map with Put/Remove/Get/Size/Clear
// and a sorted streaming iteration, demonstrating a second primitive
// shape distinct from the counter's single scalar.
package svcmap

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/corestate-io/svcmux/service"
	"github.com/corestate-io/svcmux/svcerrors"
)

// TypeTag is the type string this primitive registers under.
const TypeTag = "map"

// Op discriminates the sub-kind carried in a map command/query payload.
type Op uint8

const (
	OpPut Op = iota
	OpRemove
	OpGet
	OpSize
	OpClear
	OpIterate
)

// Map is the reference replicated-map PrimitiveService.
type Map struct {
	entries map[string][]byte
}

// New constructs a fresh, empty Map. Matches the service.Factory
// signature expected by the type registry.
func New() service.PrimitiveService {
	return &Map{entries: make(map[string][]byte)}
}

func (m *Map) Init(service.Context) {
	if m.entries == nil {
		m.entries = make(map[string][]byte)
	}
}

func (m *Map) ApplyCommand(_ service.Context, payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, svcerrors.NewDecodeError("map op", fmt.Errorf("empty payload"))
	}
	op := Op(payload[0])
	rest := payload[1:]

	switch op {
	case OpPut:
		key, value, err := decodeKeyValue(rest)
		if err != nil {
			return nil, err
		}
		previous, existed := m.entries[key]
		m.entries[key] = value
		return encodeLookupResponse(previous, existed), nil

	case OpRemove:
		key, err := decodeString(rest)
		if err != nil {
			return nil, err
		}
		previous, existed := m.entries[key]
		delete(m.entries, key)
		return encodeLookupResponse(previous, existed), nil

	case OpClear:
		removed := len(m.entries)
		m.entries = make(map[string][]byte)
		return protowire.AppendVarint(nil, uint64(removed)), nil

	default:
		return nil, svcerrors.NewServiceError(TypeTag, "", fmt.Errorf("unsupported command op %d", op))
	}
}

func (m *Map) ApplyCommandStream(ctx service.Context, payload []byte, sink service.Sink) error {
	result, err := m.ApplyCommand(ctx, payload)
	if err != nil {
		sink.Error(err)
		return err
	}
	if err := sink.Next(result); err != nil {
		return err
	}
	sink.Complete()
	return nil
}

func (m *Map) ApplyQuery(_ service.Context, payload []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, svcerrors.NewDecodeError("map op", fmt.Errorf("empty payload"))
	}
	op := Op(payload[0])
	rest := payload[1:]

	switch op {
	case OpGet:
		key, err := decodeString(rest)
		if err != nil {
			return nil, err
		}
		value, existed := m.entries[key]
		return encodeLookupResponse(value, existed), nil

	case OpSize:
		return protowire.AppendVarint(nil, uint64(len(m.entries))), nil

	default:
		return nil, svcerrors.NewServiceError(TypeTag, "", fmt.Errorf("unsupported query op %d", op))
	}
}

// ApplyQueryStream dispatches OpIterate, emitting one chunk per
// (key, value) pair sorted by key (§4.2b), then completing. It is the
// only streaming operation this primitive defines.
func (m *Map) ApplyQueryStream(_ service.Context, payload []byte, sink service.Sink) error {
	if len(payload) < 1 {
		err := svcerrors.NewDecodeError("map op", fmt.Errorf("empty payload"))
		sink.Error(err)
		return err
	}
	if Op(payload[0]) != OpIterate {
		err := svcerrors.NewServiceError(TypeTag, "", fmt.Errorf("unsupported streaming query op %d", payload[0]))
		sink.Error(err)
		return err
	}

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		chunk := encodeKeyValue(k, m.entries[k])
		if err := sink.Next(chunk); err != nil {
			return err
		}
	}
	sink.Complete()
	return nil
}

// Snapshot writes a count-prefixed sequence of length-delimited
// (key, value) pairs sorted by key (§4.2b).
func (m *Map) Snapshot(w service.ByteSink) error {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = protowire.AppendVarint(buf, uint64(len(keys)))
	for _, k := range keys {
		rec := encodeKeyValue(k, m.entries[k])
		buf = protowire.AppendVarint(buf, uint64(len(rec)))
		buf = append(buf, rec...)
	}
	if _, err := w.Write(buf); err != nil {
		return svcerrors.NewIOError("map snapshot", err)
	}
	return nil
}

// Restore clears existing entries then reads the count-prefixed sequence
// written by Snapshot.
func (m *Map) Restore(r service.ByteSource) error {
	m.entries = make(map[string][]byte)

	count, err := readVarintFrom(r)
	if err != nil {
		return svcerrors.NewIOError("map restore count", err)
	}
	for i := uint64(0); i < count; i++ {
		length, err := readVarintFrom(r)
		if err != nil {
			return svcerrors.NewIOError("map restore record length", err)
		}
		rec := make([]byte, length)
		if err := readExact(r, rec); err != nil {
			return svcerrors.NewIOError("map restore record", err)
		}
		key, value, err := decodeKeyValue(rec)
		if err != nil {
			return err
		}
		m.entries[key] = value
	}
	return nil
}

// CanDelete is always true: the map retains no per-index session state
// (§4.2b).
func (m *Map) CanDelete(uint64) bool { return true }

func decodeString(payload []byte) (string, error) {
	s, n := protowire.ConsumeString(payload)
	if n < 0 {
		return "", svcerrors.NewDecodeError("map key", protowire.ParseError(n))
	}
	return s, nil
}

func decodeKeyValue(payload []byte) (string, []byte, error) {
	key, n := protowire.ConsumeString(payload)
	if n < 0 {
		return "", nil, svcerrors.NewDecodeError("map key", protowire.ParseError(n))
	}
	payload = payload[n:]
	value, n := protowire.ConsumeBytes(payload)
	if n < 0 {
		return "", nil, svcerrors.NewDecodeError("map value", protowire.ParseError(n))
	}
	return key, append([]byte(nil), value...), nil
}

func encodeKeyValue(key string, value []byte) []byte {
	var buf []byte
	buf = protowire.AppendString(buf, key)
	buf = protowire.AppendBytes(buf, value)
	return buf
}

func encodeLookupResponse(value []byte, existed bool) []byte {
	var buf []byte
	if existed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = protowire.AppendBytes(buf, value)
	return buf
}

// EncodePutCommand builds the payload for a Put command.
func EncodePutCommand(key string, value []byte) []byte {
	buf := []byte{byte(OpPut)}
	return append(buf, encodeKeyValue(key, value)...)
}

// EncodeRemoveCommand builds the payload for a Remove command.
func EncodeRemoveCommand(key string) []byte {
	buf := []byte{byte(OpRemove)}
	return protowire.AppendString(buf, key)
}

// EncodeClearCommand builds the payload for a Clear command.
func EncodeClearCommand() []byte { return []byte{byte(OpClear)} }

// EncodeGetQuery builds the payload for a Get query.
func EncodeGetQuery(key string) []byte {
	buf := []byte{byte(OpGet)}
	return protowire.AppendString(buf, key)
}

// EncodeSizeQuery builds the payload for a Size query.
func EncodeSizeQuery() []byte { return []byte{byte(OpSize)} }

// EncodeIterateQuery builds the payload for a streaming Iterate query.
func EncodeIterateQuery() []byte { return []byte{byte(OpIterate)} }

// DecodeLookupResponse extracts (value, existed) from a Put/Remove/Get
// response.
func DecodeLookupResponse(payload []byte) (value []byte, existed bool, err error) {
	if len(payload) < 1 {
		return nil, false, svcerrors.NewDecodeError("map lookup response", fmt.Errorf("empty payload"))
	}
	existed = payload[0] == 1
	v, n := protowire.ConsumeBytes(payload[1:])
	if n < 0 {
		return nil, false, svcerrors.NewDecodeError("map lookup response value", protowire.ParseError(n))
	}
	return append([]byte(nil), v...), existed, nil
}

// DecodeSizeResponse extracts the count from a Size response.
func DecodeSizeResponse(payload []byte) (int, error) {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return 0, svcerrors.NewDecodeError("map size response", protowire.ParseError(n))
	}
	return int(v), nil
}

// DecodeClearResponse extracts the removed count from a Clear response.
func DecodeClearResponse(payload []byte) (int, error) {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return 0, svcerrors.NewDecodeError("map clear response", protowire.ParseError(n))
	}
	return int(v), nil
}

// DecodeIterateChunk extracts (key, value) from one streamed iteration
// chunk.
func DecodeIterateChunk(chunk []byte) (key string, value []byte, err error) {
	return decodeKeyValue(chunk)
}

func readVarintFrom(r service.ByteSource) (uint64, error) {
	var result uint64
	var shift uint
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

func readExact(r service.ByteSource, buf []byte) error {
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
