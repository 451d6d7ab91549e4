// Package envelope implements the length-delimited, schema-based wire
// format carrying requests into the service manager and responses back
// out. It is a thin wrapper over protowire's varint/length-delimited
// primitives: every record is a sequence of (field number, wire type)
// tags followed by a length-prefixed or varint value, the same framing
// the full protobuf runtime uses, without requiring a compiled .proto
// descriptor for this internal-only format.
package envelope

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/corestate-io/svcmux/svcerrors"
)

// Kind discriminates the tagged union a ServiceRequest/ServiceResponse
// carries.
type Kind int

const (
	KindCreate Kind = iota
	KindDelete
	KindMetadata
	KindCommand
	KindQuery
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindDelete:
		return "delete"
	case KindMetadata:
		return "metadata"
	case KindCommand:
		return "command"
	case KindQuery:
		return "query"
	default:
		return "unknown"
	}
}

// ServiceId identifies one hosted primitive within a manager. Equality is
// structural over both fields; it is never mutated after construction.
type ServiceId struct {
	Type string
	Name string
}

// String renders a ServiceId for logging and metric labels only — never
// for wire encoding or map keys.
func (id ServiceId) String() string {
	return id.Type + "/" + id.Name
}

// Less orders ServiceIds lexicographically by (Type, Name), the order
// §4.5 and §8 of the spec mandate for metadata responses and snapshot
// enumeration.
func (id ServiceId) Less(other ServiceId) bool {
	if id.Type != other.Type {
		return id.Type < other.Type
	}
	return id.Name < other.Name
}

// Field tags. Stable across the lifetime of this format; renumbering
// would break replica compatibility.
const (
	tagServiceIDType = protowire.Number(1)
	tagServiceIDName = protowire.Number(2)

	tagReqKind        = protowire.Number(1)
	tagReqID          = protowire.Number(2)
	tagReqPayload     = protowire.Number(3)
	tagReqTypeFilter  = protowire.Number(4)
	tagReqHasTypeFilt = protowire.Number(5)

	tagRespKind     = protowire.Number(1)
	tagRespPayload  = protowire.Number(2)
	tagRespServices = protowire.Number(3)
)

// encodeServiceIdFields appends the two tagged fields of id (without any
// enclosing length prefix) to buf.
func encodeServiceIdFields(buf []byte, id ServiceId) []byte {
	buf = protowire.AppendTag(buf, tagServiceIDType, protowire.BytesType)
	buf = protowire.AppendString(buf, id.Type)
	buf = protowire.AppendTag(buf, tagServiceIDName, protowire.BytesType)
	buf = protowire.AppendString(buf, id.Name)
	return buf
}

// decodeServiceIdFields parses a ServiceId out of its raw field bytes
// (with no enclosing length prefix).
func decodeServiceIdFields(rec []byte) (ServiceId, error) {
	var id ServiceId
	for len(rec) > 0 {
		num, typ, tn := protowire.ConsumeTag(rec)
		if tn < 0 {
			return ServiceId{}, svcerrors.NewDecodeError("service id field tag", protowire.ParseError(tn))
		}
		rec = rec[tn:]
		switch num {
		case tagServiceIDType:
			s, vn := protowire.ConsumeString(rec)
			if vn < 0 {
				return ServiceId{}, svcerrors.NewDecodeError("service id type", protowire.ParseError(vn))
			}
			id.Type = s
			rec = rec[vn:]
		case tagServiceIDName:
			s, vn := protowire.ConsumeString(rec)
			if vn < 0 {
				return ServiceId{}, svcerrors.NewDecodeError("service id name", protowire.ParseError(vn))
			}
			id.Name = s
			rec = rec[vn:]
		default:
			vn := protowire.ConsumeFieldValue(num, typ, rec)
			if vn < 0 {
				return ServiceId{}, svcerrors.NewDecodeError("service id unknown field", protowire.ParseError(vn))
			}
			rec = rec[vn:]
		}
	}
	return id, nil
}

// EncodeServiceId appends a self-delimited ServiceId record (varint
// length prefix then field bytes) to buf — the form used directly in the
// snapshot stream layout (§3), where records are not further wrapped in
// an outer message.
func EncodeServiceId(buf []byte, id ServiceId) []byte {
	rec := encodeServiceIdFields(nil, id)
	buf = protowire.AppendVarint(buf, uint64(len(rec)))
	buf = append(buf, rec...)
	return buf
}

// DecodeServiceId consumes one self-delimited ServiceId record (as
// produced by EncodeServiceId) from buf and returns the remaining bytes.
func DecodeServiceId(buf []byte) (ServiceId, []byte, error) {
	length, n := protowire.ConsumeVarint(buf)
	if n < 0 {
		return ServiceId{}, nil, svcerrors.NewDecodeError("service id length", protowire.ParseError(n))
	}
	buf = buf[n:]
	if uint64(len(buf)) < length {
		return ServiceId{}, nil, svcerrors.NewDecodeError("service id body", errShortBuffer)
	}
	rec := buf[:length]
	rest := buf[length:]
	id, err := decodeServiceIdFields(rec)
	if err != nil {
		return ServiceId{}, nil, err
	}
	return id, rest, nil
}

var errShortBuffer = shortBufferError{}

type shortBufferError struct{}

func (shortBufferError) Error() string { return "buffer shorter than declared record length" }

// Request is the tagged-union inbound envelope (§3 ServiceRequest).
type Request struct {
	Kind       Kind
	ID         ServiceId
	Payload    []byte
	TypeFilter *string // only meaningful for KindMetadata
}

// Response is the tagged-union outbound envelope (§3 ServiceResponse).
type Response struct {
	Kind     Kind
	Payload  []byte      // KindCommand, KindQuery
	Services []ServiceId // KindMetadata, already sorted
}

// EncodeRequest serializes a Request to its wire form.
func EncodeRequest(req Request) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, tagReqKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(req.Kind))

	if req.Kind != KindMetadata {
		buf = protowire.AppendTag(buf, tagReqID, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeServiceIdFields(nil, req.ID))
	}

	if req.Kind == KindCommand || req.Kind == KindQuery {
		buf = protowire.AppendTag(buf, tagReqPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, req.Payload)
	}

	if req.Kind == KindMetadata {
		has := req.TypeFilter != nil
		buf = protowire.AppendTag(buf, tagReqHasTypeFilt, protowire.VarintType)
		buf = protowire.AppendVarint(buf, boolToUint64(has))
		if has {
			buf = protowire.AppendTag(buf, tagReqTypeFilter, protowire.BytesType)
			buf = protowire.AppendString(buf, *req.TypeFilter)
		}
	}
	return buf
}

// DecodeRequest parses a Request from its wire form.
func DecodeRequest(buf []byte) (Request, error) {
	var req Request
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Request{}, svcerrors.NewDecodeError("request tag", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case tagReqKind:
			v, vn := protowire.ConsumeVarint(buf)
			if vn < 0 {
				return Request{}, svcerrors.NewDecodeError("request kind", protowire.ParseError(vn))
			}
			req.Kind = Kind(v)
			buf = buf[vn:]
		case tagReqID:
			b, vn := protowire.ConsumeBytes(buf)
			if vn < 0 {
				return Request{}, svcerrors.NewDecodeError("request id", protowire.ParseError(vn))
			}
			id, err := decodeServiceIdFields(b)
			if err != nil {
				return Request{}, err
			}
			req.ID = id
			buf = buf[vn:]
		case tagReqPayload:
			b, vn := protowire.ConsumeBytes(buf)
			if vn < 0 {
				return Request{}, svcerrors.NewDecodeError("request payload", protowire.ParseError(vn))
			}
			req.Payload = append([]byte(nil), b...)
			buf = buf[vn:]
		case tagReqTypeFilter:
			s, vn := protowire.ConsumeString(buf)
			if vn < 0 {
				return Request{}, svcerrors.NewDecodeError("request type filter", protowire.ParseError(vn))
			}
			req.TypeFilter = &s
			buf = buf[vn:]
		case tagReqHasTypeFilt:
			_, vn := protowire.ConsumeVarint(buf)
			if vn < 0 {
				return Request{}, svcerrors.NewDecodeError("request has-type-filter", protowire.ParseError(vn))
			}
			buf = buf[vn:]
		default:
			vn := protowire.ConsumeFieldValue(num, typ, buf)
			if vn < 0 {
				return Request{}, svcerrors.NewDecodeError("request unknown field", protowire.ParseError(vn))
			}
			buf = buf[vn:]
		}
	}
	return req, nil
}

// EncodeResponse serializes a Response to its wire form.
func EncodeResponse(resp Response) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, tagRespKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(resp.Kind))

	if resp.Kind == KindCommand || resp.Kind == KindQuery {
		buf = protowire.AppendTag(buf, tagRespPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, resp.Payload)
	}

	if resp.Kind == KindMetadata {
		for _, id := range resp.Services {
			buf = protowire.AppendTag(buf, tagRespServices, protowire.BytesType)
			buf = protowire.AppendBytes(buf, encodeServiceIdFields(nil, id))
		}
	}
	return buf
}

// DecodeResponse parses a Response from its wire form.
func DecodeResponse(buf []byte) (Response, error) {
	var resp Response
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return Response{}, svcerrors.NewDecodeError("response tag", protowire.ParseError(n))
		}
		buf = buf[n:]
		switch num {
		case tagRespKind:
			v, vn := protowire.ConsumeVarint(buf)
			if vn < 0 {
				return Response{}, svcerrors.NewDecodeError("response kind", protowire.ParseError(vn))
			}
			resp.Kind = Kind(v)
			buf = buf[vn:]
		case tagRespPayload:
			b, vn := protowire.ConsumeBytes(buf)
			if vn < 0 {
				return Response{}, svcerrors.NewDecodeError("response payload", protowire.ParseError(vn))
			}
			resp.Payload = append([]byte(nil), b...)
			buf = buf[vn:]
		case tagRespServices:
			b, vn := protowire.ConsumeBytes(buf)
			if vn < 0 {
				return Response{}, svcerrors.NewDecodeError("response services", protowire.ParseError(vn))
			}
			id, err := decodeServiceIdFields(b)
			if err != nil {
				return Response{}, err
			}
			resp.Services = append(resp.Services, id)
			buf = buf[vn:]
		default:
			vn := protowire.ConsumeFieldValue(num, typ, buf)
			if vn < 0 {
				return Response{}, svcerrors.NewDecodeError("response unknown field", protowire.ParseError(vn))
			}
			buf = buf[vn:]
		}
	}
	return resp, nil
}

func boolToUint64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
