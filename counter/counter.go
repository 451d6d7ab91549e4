// Package counter implements the reference atomic counter primitive
// (§4.2): a single 64-bit signed integer with Set/Get/CheckAndSet/
// Increment/Decrement operations, wrap-around arithmetic, and a trivial
// one-record snapshot.
package counter

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/corestate-io/svcmux/service"
	"github.com/corestate-io/svcmux/svcerrors"
)

// TypeTag is the type string this primitive registers under.
const TypeTag = "counter"

// Op discriminates the sub-kind carried in a counter command/query
// payload.
type Op uint8

const (
	OpSet Op = iota
	OpGet
	OpCheckAndSet
	OpIncrement
	OpDecrement
)

// Counter is the reference atomic-counter PrimitiveService.
type Counter struct {
	value int64
}

// New constructs a fresh, zero-valued Counter. Matches the
// service.Factory signature expected by the type registry.
func New() service.PrimitiveService {
	return &Counter{}
}

func (c *Counter) Init(service.Context) {
	// No per-instance setup beyond the zero value.
}

// ApplyCommand dispatches Set/CheckAndSet/Increment/Decrement. Get is
// exposed only as a query (§4.2).
func (c *Counter) ApplyCommand(_ service.Context, payload []byte) ([]byte, error) {
	op, rest, err := decodeOp(payload)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpSet:
		v, _, err := decodeInt64(rest)
		if err != nil {
			return nil, err
		}
		previous := c.value
		c.value = v
		return encodeSetResponse(previous), nil

	case OpCheckAndSet:
		expect, rest, err := decodeInt64(rest)
		if err != nil {
			return nil, err
		}
		update, _, err := decodeInt64(rest)
		if err != nil {
			return nil, err
		}
		succeeded := c.value == expect
		if succeeded {
			c.value = update
		}
		return encodeCASResponse(succeeded), nil

	case OpIncrement:
		delta, _, err := decodeInt64(rest)
		if err != nil {
			return nil, err
		}
		previous := c.value
		if delta == 0 {
			c.value = c.value + 1
		} else {
			c.value = c.value + delta
		}
		return encodeDeltaResponse(previous, c.value), nil

	case OpDecrement:
		delta, _, err := decodeInt64(rest)
		if err != nil {
			return nil, err
		}
		previous := c.value
		if delta == 0 {
			c.value = c.value - 1
		} else {
			c.value = c.value - delta
		}
		return encodeDeltaResponse(previous, c.value), nil

	default:
		return nil, svcerrors.NewServiceError(TypeTag, "", fmt.Errorf("unsupported command op %d", op))
	}
}

func (c *Counter) ApplyCommandStream(ctx service.Context, payload []byte, sink service.Sink) error {
	result, err := c.ApplyCommand(ctx, payload)
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

// ApplyQuery dispatches Get.
func (c *Counter) ApplyQuery(_ service.Context, payload []byte) ([]byte, error) {
	op, _, err := decodeOp(payload)
	if err != nil {
		return nil, err
	}
	if op != OpGet {
		return nil, svcerrors.NewServiceError(TypeTag, "", fmt.Errorf("unsupported query op %d", op))
	}
	return encodeGetResponse(c.value), nil
}

func (c *Counter) ApplyQueryStream(ctx service.Context, payload []byte, sink service.Sink) error {
	result, err := c.ApplyQuery(ctx, payload)
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

// Snapshot writes a single length-delimited record containing the
// current value (§4.2).
func (c *Counter) Snapshot(w service.ByteSink) error {
	var buf []byte
	buf = protowire.AppendVarint(buf, uint64(8))
	buf = binary.BigEndian.AppendUint64(buf, uint64(c.value))
	_, err := w.Write(buf)
	if err != nil {
		return svcerrors.NewIOError("counter snapshot", err)
	}
	return nil
}

// Restore reads the record written by Snapshot and sets value.
func (c *Counter) Restore(r service.ByteSource) error {
	length, err := readVarint(r)
	if err != nil {
		return svcerrors.NewIOError("counter restore length", err)
	}
	if length != 8 {
		return svcerrors.NewDecodeError("counter restore", fmt.Errorf("unexpected record length %d", length))
	}
	buf := make([]byte, 8)
	if _, err := readFull(r, buf); err != nil {
		return svcerrors.NewIOError("counter restore body", err)
	}
	c.value = int64(binary.BigEndian.Uint64(buf))
	return nil
}

// CanDelete is always true: the counter retains no per-index state
// (§4.2).
func (c *Counter) CanDelete(uint64) bool { return true }

func decodeOp(payload []byte) (Op, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, svcerrors.NewDecodeError("counter op", fmt.Errorf("empty payload"))
	}
	return Op(payload[0]), payload[1:], nil
}

func decodeInt64(payload []byte) (int64, []byte, error) {
	v, n := protowire.ConsumeVarint(payload)
	if n < 0 {
		return 0, nil, svcerrors.NewDecodeError("counter operand", protowire.ParseError(n))
	}
	return int64(v), payload[n:], nil
}

func encodeInt64(buf []byte, v int64) []byte {
	return protowire.AppendVarint(buf, uint64(v))
}

func encodeSetResponse(previous int64) []byte {
	return encodeInt64(nil, previous)
}

func encodeGetResponse(value int64) []byte {
	return encodeInt64(nil, value)
}

func encodeCASResponse(succeeded bool) []byte {
	if succeeded {
		return []byte{1}
	}
	return []byte{0}
}

func encodeDeltaResponse(previous, next int64) []byte {
	buf := encodeInt64(nil, previous)
	buf = encodeInt64(buf, next)
	return buf
}

// DecodeSetResponse extracts the previous value from a Set response.
func DecodeSetResponse(payload []byte) (previous int64, err error) {
	v, _, err := decodeInt64(payload)
	return v, err
}

// DecodeGetResponse extracts the value from a Get response.
func DecodeGetResponse(payload []byte) (value int64, err error) {
	v, _, err := decodeInt64(payload)
	return v, err
}

// DecodeCASResponse extracts the succeeded flag from a CheckAndSet
// response.
func DecodeCASResponse(payload []byte) (succeeded bool, err error) {
	if len(payload) != 1 {
		return false, svcerrors.NewDecodeError("counter cas response", fmt.Errorf("unexpected length %d", len(payload)))
	}
	return payload[0] == 1, nil
}

// DecodeDeltaResponse extracts previous/next from an Increment/Decrement
// response.
func DecodeDeltaResponse(payload []byte) (previous, next int64, err error) {
	p, rest, err := decodeInt64(payload)
	if err != nil {
		return 0, 0, err
	}
	n, _, err := decodeInt64(rest)
	if err != nil {
		return 0, 0, err
	}
	return p, n, nil
}

// EncodeSetCommand builds the payload for a Set command.
func EncodeSetCommand(v int64) []byte {
	buf := []byte{byte(OpSet)}
	return encodeInt64(buf, v)
}

// EncodeGetQuery builds the payload for a Get query.
func EncodeGetQuery() []byte {
	return []byte{byte(OpGet)}
}

// EncodeCheckAndSetCommand builds the payload for a CheckAndSet command.
func EncodeCheckAndSetCommand(expect, update int64) []byte {
	buf := []byte{byte(OpCheckAndSet)}
	buf = encodeInt64(buf, expect)
	buf = encodeInt64(buf, update)
	return buf
}

// EncodeIncrementCommand builds the payload for an Increment command.
func EncodeIncrementCommand(delta int64) []byte {
	buf := []byte{byte(OpIncrement)}
	return encodeInt64(buf, delta)
}

// EncodeDecrementCommand builds the payload for a Decrement command.
func EncodeDecrementCommand(delta int64) []byte {
	buf := []byte{byte(OpDecrement)}
	return encodeInt64(buf, delta)
}

func readVarint(r service.ByteSource) (uint64, error) {
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

func readFull(r service.ByteSource, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("short read")
		}
	}
	return total, nil
}
