package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewTerminatorFallsBackToLogWithoutRedis(t *testing.T) {
	term := NewTerminator(Params{Config: config.Config{}, Log: zap.NewNop(), Clock: clock.System()})
	_, ok := term.(*LogTerminator)
	require.True(t, ok)

	assert.NoError(t, term.TerminateSession(context.Background(), "sess-1"))
	assert.ErrorIs(t, term.TerminateSession(context.Background(), "  "), ErrInvalidSessionID)
}

func TestRedisStreamTerminatorWithoutClientIsUnreachable(t *testing.T) {
	term := NewRedisStreamTerminator(nil, "", clock.NewFakeClock(time.Now()), zap.NewNop())
	assert.Equal(t, defaultTerminateStream, term.stream)

	err := term.TerminateSession(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderUnreachable))
}
