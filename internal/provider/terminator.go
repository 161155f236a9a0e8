package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/config"
	"github.com/smallbiznis/sessionbill/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultTerminateStream = "sessions:terminate"

var (
	ErrProviderUnreachable = errors.New("provider_unreachable")
	ErrInvalidSessionID    = errors.New("invalid_session_id")
)

// Terminator asks the session provider to shut a compute session down.
// A nil error means the request was accepted, not that the session has stopped.
type Terminator interface {
	TerminateSession(ctx context.Context, sessionID string) error
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Redis  *redis.Client `optional:"true"`
}

// NewTerminator publishes to the terminate stream when Redis is available and
// falls back to logging otherwise.
func NewTerminator(p Params) Terminator {
	if p.Redis == nil {
		p.Log.Warn("redis not configured, session terminations will only be logged")
		return NewLogTerminator(p.Log)
	}
	return NewRedisStreamTerminator(p.Redis, p.Config.Monitor.TerminateStream, p.Clock, p.Log)
}

var Module = fx.Module("session.provider",
	fx.Provide(NewTerminator),
)

// RedisStreamTerminator appends terminate requests to a Redis stream read by
// the session launcher's consumer group.
type RedisStreamTerminator struct {
	client *redis.Client
	stream string
	clock  clock.Clock
	log    *zap.Logger
}

func NewRedisStreamTerminator(client *redis.Client, stream string, clk clock.Clock, log *zap.Logger) *RedisStreamTerminator {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = defaultTerminateStream
	}
	if clk == nil {
		clk = clock.System()
	}
	return &RedisStreamTerminator{
		client: client,
		stream: stream,
		clock:  clk,
		log:    log.Named("provider.terminator"),
	}
}

func (t *RedisStreamTerminator) TerminateSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	if t.client == nil {
		return fmt.Errorf("%w: redis client not configured", ErrProviderUnreachable)
	}

	id, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{
			"session_id":   sessionID,
			"requested_at": t.clock.Now().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}

	logger.WithContext(ctx, t.log).Info("terminate request published",
		zap.String("session_id", sessionID),
		zap.String("stream", t.stream),
		zap.String("message_id", id),
	)
	return nil
}

// LogTerminator only records the request. Used in development without Redis.
type LogTerminator struct {
	log *zap.Logger
}

func NewLogTerminator(log *zap.Logger) *LogTerminator {
	return &LogTerminator{log: log.Named("provider.terminator")}
}

func (t *LogTerminator) TerminateSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrInvalidSessionID
	}
	logger.WithContext(ctx, t.log).Info("terminate request (log only)", zap.String("session_id", sessionID))
	return nil
}
