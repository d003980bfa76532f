package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTenantRoundTrip(t *testing.T) {
	ctx := WithTenant(context.Background(), "tenant-a")
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "tenant-a", id)
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestMustFromContextMissing(t *testing.T) {
	_, err := MustFromContext(context.Background())
	assert.True(t, errors.Is(err, ErrMissingTenant))
}

func TestSystemModeNotSetByDefault(t *testing.T) {
	ctx := WithTenant(context.Background(), "tenant-a")
	assert.False(t, IsSystemMode(ctx))

	ctx = WithSystemMode(ctx)
	assert.True(t, IsSystemMode(ctx))
}

func TestScopeDoesNotLeak(t *testing.T) {
	base := context.Background()
	err := Scope(base, "tenant-b", func(scoped context.Context) error {
		id, ok := FromContext(scoped)
		require.True(t, ok)
		assert.Equal(t, "tenant-b", id)
		return nil
	})
	require.NoError(t, err)

	_, ok := FromContext(base)
	assert.False(t, ok)
}

func TestScopePropagatesPanicWithoutLeaking(t *testing.T) {
	base := context.Background()
	defer func() {
		r := recover()
		require.NotNil(t, r)
		_, ok := FromContext(base)
		assert.False(t, ok)
	}()

	_ = Scope(base, "tenant-c", func(scoped context.Context) error {
		panic("boom")
	})
}
