package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noop(context.Context) {}

func TestNew_AcceptsDescriptorSpecs(t *testing.T) {
	s, err := New("@every 1m", "@every 5m", noop, noop, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestNew_AcceptsCronSyntax(t *testing.T) {
	_, err := New("*/2 * * * *", "0 * * * *", noop, noop, zap.NewNop())
	assert.NoError(t, err)
}

func TestNew_RejectsInvalidPollSpec(t *testing.T) {
	_, err := New("every minute please", "@every 5m", noop, noop, zap.NewNop())
	assert.Error(t, err)
}

func TestNew_RejectsInvalidDigestSpec(t *testing.T) {
	_, err := New("@every 1m", "whenever", noop, noop, zap.NewNop())
	assert.Error(t, err)
}
