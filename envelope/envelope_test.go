package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceIdRoundTrip(t *testing.T) {
	id := ServiceId{Type: "counter", Name: "c1"}
	var buf []byte
	buf = EncodeServiceId(buf, id)
	buf = append(buf, 0xFF, 0xFE) // trailing bytes from a following record

	got, rest, err := DecodeServiceId(buf)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.Equal(t, []byte{0xFF, 0xFE}, rest)
}

func TestServiceIdLess(t *testing.T) {
	a := ServiceId{Type: "counter", Name: "a"}
	b := ServiceId{Type: "counter", Name: "b"}
	m := ServiceId{Type: "map", Name: "a"}

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, b.Less(m))
}

func TestRequestRoundTripCommand(t *testing.T) {
	req := Request{
		Kind:    KindCommand,
		ID:      ServiceId{Type: "counter", Name: "c1"},
		Payload: []byte{1, 2, 3},
	}
	wire := EncodeRequest(req)
	got, err := DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestRequestRoundTripMetadataWithFilter(t *testing.T) {
	filter := "counter"
	req := Request{Kind: KindMetadata, TypeFilter: &filter}
	wire := EncodeRequest(req)
	got, err := DecodeRequest(wire)
	require.NoError(t, err)
	require.NotNil(t, got.TypeFilter)
	assert.Equal(t, filter, *got.TypeFilter)
}

func TestRequestRoundTripMetadataNoFilter(t *testing.T) {
	req := Request{Kind: KindMetadata}
	wire := EncodeRequest(req)
	got, err := DecodeRequest(wire)
	require.NoError(t, err)
	assert.Nil(t, got.TypeFilter)
}

func TestRequestRoundTripCreateDelete(t *testing.T) {
	for _, kind := range []Kind{KindCreate, KindDelete} {
		req := Request{Kind: kind, ID: ServiceId{Type: "counter", Name: "x"}}
		wire := EncodeRequest(req)
		got, err := DecodeRequest(wire)
		require.NoError(t, err)
		assert.Equal(t, req.Kind, got.Kind)
		assert.Equal(t, req.ID, got.ID)
	}
}

func TestResponseRoundTripMetadata(t *testing.T) {
	resp := Response{
		Kind: KindMetadata,
		Services: []ServiceId{
			{Type: "counter", Name: "a"},
			{Type: "counter", Name: "b"},
			{Type: "map", Name: "m1"},
		},
	}
	wire := EncodeResponse(resp)
	got, err := DecodeResponse(wire)
	require.NoError(t, err)
	assert.Equal(t, resp.Services, got.Services)
}

func TestResponseRoundTripPayload(t *testing.T) {
	resp := Response{Kind: KindQuery, Payload: []byte{9, 9, 9}}
	wire := EncodeResponse(resp)
	got, err := DecodeResponse(wire)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestDecodeServiceIdMalformed(t *testing.T) {
	_, _, err := DecodeServiceId([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	assert.Error(t, err)
}
