package redisstore

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"

	gateway "github.com/dittolabs/ditto/internal"
)

// Deny codes returned by the rate-limit script.
const (
	rlAllowed    = 1
	rlDeniedRPM  = 2
	rlDeniedTPM  = 3
)

// rateLimitScript counts requests and tokens in a fixed per-minute bucket.
// The check happens before the increment so a denied request consumes
// nothing. The bucket expires after three minutes.
// KEYS[1] = counter key (scope + minute)
// ARGV: rpm (-1 unlimited), tpm (-1 unlimited), tokens
var rateLimitScript = redis.NewScript(`
	local req    = tonumber(redis.call('HGET', KEYS[1], 'requests') or '0')
	local tok    = tonumber(redis.call('HGET', KEYS[1], 'tokens') or '0')
	local rpm    = tonumber(ARGV[1])
	local tpm    = tonumber(ARGV[2])
	local tokens = tonumber(ARGV[3])

	if rpm >= 0 and req + 1 > rpm then
		return 2
	end
	if tpm >= 0 and tok + tokens > tpm then
		return 3
	end

	redis.call('HINCRBY', KEYS[1], 'requests', 1)
	if tokens > 0 then
		redis.call('HINCRBY', KEYS[1], 'tokens', tokens)
	end
	redis.call('EXPIRE', KEYS[1], 180)
	return 1
`)

// RateLimiter enforces per-minute request and token ceilings in Redis so
// every gateway instance sharing the store sees the same counters. Redis
// being unreachable degrades to allowing the request.
type RateLimiter struct {
	client redis.UniversalClient
	clock  gateway.Clock
	log    *slog.Logger
}

// NewRateLimiter creates a shared limiter over the given client.
func NewRateLimiter(client redis.UniversalClient, clock gateway.Clock, log *slog.Logger) *RateLimiter {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{client: client, clock: clock, log: log}
}

// Check consumes one request and tokens from the scope's current minute
// bucket. nil limits are unlimited; explicit zero denies all traffic.
func (l *RateLimiter) Check(ctx context.Context, scope string, rpm, tpm *int64, tokens int64) error {
	rpmArg, tpmArg := int64(-1), int64(-1)
	if rpm != nil {
		rpmArg = *rpm
	}
	if tpm != nil {
		tpmArg = *tpm
	}
	if rpmArg < 0 && tpmArg < 0 {
		return nil
	}

	minute := l.clock.Now().Unix() / 60
	key := "ditto:rl:" + scope + ":" + strconv.FormatInt(minute, 10)

	code, err := rateLimitScript.Run(ctx, l.client, []string{key}, rpmArg, tpmArg, tokens).Int()
	if err != nil {
		l.log.LogAttrs(ctx, slog.LevelWarn, "shared rate limit unavailable, allowing",
			slog.String("scope", scope), slog.String("error", err.Error()))
		return nil
	}
	switch code {
	case rlDeniedRPM:
		return &gateway.RateLimitError{Scope: scope, Limit: "rpm>" + strconv.FormatInt(rpmArg, 10)}
	case rlDeniedTPM:
		return &gateway.RateLimitError{Scope: scope, Limit: "tpm>" + strconv.FormatInt(tpmArg, 10)}
	}
	return nil
}
