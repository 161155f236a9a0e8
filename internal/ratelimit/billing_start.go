package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/sessionbill/internal/config"
	"go.uber.org/zap"
)

const keyBillingStartAccount = "billing:start:account:%s"

// BillingStartLimiter throttles StartBilling calls per account.
type BillingStartLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewBillingStartLimiter returns nil when rate limiting is disabled. A nil limiter allows everything.
func NewBillingStartLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) (*BillingStartLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		log.Warn("rate limiting enabled but redis is not configured, billing starts are not throttled")
		return nil, nil
	}
	if limitCfg.StartRate <= 0 || limitCfg.StartBurst <= 0 {
		return nil, errors.New("billing start rate limit must be positive")
	}
	return &BillingStartLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.StartRate,
		burst:  limitCfg.StartBurst,
	}, nil
}

func (l *BillingStartLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *BillingStartLimiter) AllowAccount(ctx context.Context, accountID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyBillingStartAccount, strings.TrimSpace(accountID)), l.rate, l.burst)
}
