package svcmap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestate-io/svcmux/service"
)

func freshMap() *Map {
	m := New().(*Map)
	m.Init(service.Context{})
	return m
}

func TestMapPutGet(t *testing.T) {
	m := freshMap()
	out, err := m.ApplyCommand(service.Context{}, EncodePutCommand("a", []byte{1}))
	require.NoError(t, err)
	_, existed, err := DecodeLookupResponse(out)
	require.NoError(t, err)
	assert.False(t, existed)

	out, err = m.ApplyQuery(service.Context{}, EncodeGetQuery("a"))
	require.NoError(t, err)
	value, existed, err := DecodeLookupResponse(out)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []byte{1}, value)
}

func TestMapRemove(t *testing.T) {
	m := freshMap()
	_, _ = m.ApplyCommand(service.Context{}, EncodePutCommand("a", []byte{1}))
	out, err := m.ApplyCommand(service.Context{}, EncodeRemoveCommand("a"))
	require.NoError(t, err)
	value, existed, err := DecodeLookupResponse(out)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, []byte{1}, value)

	out, _ = m.ApplyQuery(service.Context{}, EncodeGetQuery("a"))
	_, existed, _ = DecodeLookupResponse(out)
	assert.False(t, existed)
}

func TestMapSizeAndClear(t *testing.T) {
	m := freshMap()
	_, _ = m.ApplyCommand(service.Context{}, EncodePutCommand("a", []byte{1}))
	_, _ = m.ApplyCommand(service.Context{}, EncodePutCommand("b", []byte{2}))

	out, err := m.ApplyQuery(service.Context{}, EncodeSizeQuery())
	require.NoError(t, err)
	size, err := DecodeSizeResponse(out)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	out, err = m.ApplyCommand(service.Context{}, EncodeClearCommand())
	require.NoError(t, err)
	removed, err := DecodeClearResponse(out)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

// TestMapIterationSortedOrder matches spec scenario S7: iteration streams
// keys in sorted order and completes, with can_delete always true.
func TestMapIterationSortedOrder(t *testing.T) {
	m := freshMap()
	_, _ = m.ApplyCommand(service.Context{}, EncodePutCommand("b", []byte{2}))
	_, _ = m.ApplyCommand(service.Context{}, EncodePutCommand("a", []byte{1}))

	var keys []string
	completed := false
	sink := &recordingSink{
		next: func(chunk []byte) error {
			k, _, err := DecodeIterateChunk(chunk)
			require.NoError(t, err)
			keys = append(keys, k)
			return nil
		},
		complete: func() { completed = true },
	}
	err := m.ApplyQueryStream(service.Context{}, EncodeIterateQuery(), sink)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.True(t, completed)
	assert.True(t, m.CanDelete(0))
	assert.True(t, m.CanDelete(1_000_000))
}

type memSink struct{ buf bytes.Buffer }

func (s *memSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

func TestMapSnapshotRestore(t *testing.T) {
	m := freshMap()
	_, _ = m.ApplyCommand(service.Context{}, EncodePutCommand("a", []byte{1}))
	_, _ = m.ApplyCommand(service.Context{}, EncodePutCommand("b", []byte{2}))

	sink := &memSink{}
	require.NoError(t, m.Snapshot(sink))

	restored := freshMap()
	require.NoError(t, restored.Restore(bytes.NewReader(sink.buf.Bytes())))

	out, _ := restored.ApplyQuery(service.Context{}, EncodeGetQuery("a"))
	value, existed, _ := DecodeLookupResponse(out)
	assert.True(t, existed)
	assert.Equal(t, []byte{1}, value)

	sink2 := &memSink{}
	require.NoError(t, restored.Snapshot(sink2))
	assert.Equal(t, sink.buf.Bytes(), sink2.buf.Bytes())
}

type recordingSink struct {
	next     func([]byte) error
	complete func()
	errFn    func(error)
}

func (s *recordingSink) Next(b []byte) error {
	if s.next != nil {
		return s.next(b)
	}
	return nil
}
func (s *recordingSink) Complete() {
	if s.complete != nil {
		s.complete()
	}
}
func (s *recordingSink) Error(err error) {
	if s.errFn != nil {
		s.errFn(err)
	}
}
