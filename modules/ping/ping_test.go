package ping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterd/registry"
)

func TestPing(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	res, err := registry.AsAPI(m).Call(context.Background(), "ping", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"result": "pong"}, res)
}
