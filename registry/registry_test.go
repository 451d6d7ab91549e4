package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corestate-io/svcmux/service"
)

type stubService struct{}

func (stubService) Init(service.Context)                                       {}
func (stubService) ApplyCommand(service.Context, []byte) ([]byte, error)       { return nil, nil }
func (stubService) ApplyCommandStream(service.Context, []byte, service.Sink) error {
	return nil
}
func (stubService) ApplyQuery(service.Context, []byte) ([]byte, error) { return nil, nil }
func (stubService) ApplyQueryStream(service.Context, []byte, service.Sink) error {
	return nil
}
func (stubService) Snapshot(service.ByteSink) error   { return nil }
func (stubService) Restore(service.ByteSource) error  { return nil }
func (stubService) CanDelete(uint64) bool             { return true }

func TestRegisterAndLookup(t *testing.T) {
	r := NewTypeRegistry()
	r.Register("counter", func() service.PrimitiveService { return stubService{} })

	factory, ok := r.Lookup("counter")
	assert.True(t, ok)
	assert.NotNil(t, factory())
}

func TestLookupUnknown(t *testing.T) {
	r := NewTypeRegistry()
	_, ok := r.Lookup("nonexistent")
	assert.False(t, ok)
}

func TestRegisteredTypesSorted(t *testing.T) {
	r := NewTypeRegistry()
	r.Register("map", func() service.PrimitiveService { return stubService{} })
	r.Register("counter", func() service.PrimitiveService { return stubService{} })

	assert.Equal(t, []string{"counter", "map"}, r.RegisteredTypes())
}

func TestRegisterOverwrites(t *testing.T) {
	r := NewTypeRegistry()
	first := stubService{}
	r.Register("counter", func() service.PrimitiveService { return first })
	r.Register("counter", func() service.PrimitiveService { return stubService{} })

	_, ok := r.Lookup("counter")
	assert.True(t, ok)
	assert.Len(t, r.RegisteredTypes(), 1)
}
