package weather

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProvider_AlwaysReturnsNoContext(t *testing.T) {
	var p NoopProvider

	ctx, err := p.Lookup(context.Background(), "will it rain tomorrow")

	require.NoError(t, err)
	assert.Nil(t, ctx)
}

func TestHTTPProvider_EmptyBaseURLIsNoop(t *testing.T) {
	p := &HTTPProvider{}

	ctx, err := p.Lookup(context.Background(), "any query")

	require.NoError(t, err)
	assert.Nil(t, ctx)
}
