// Package redisstore implements the store.Store interface on Redis. Ledger
// mutations run as Lua scripts so the check-and-reserve step is atomic even
// with several gateway instances sharing one Redis.
package redisstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/dittolabs/ditto/internal"
)

const (
	ledgerPrefix = "ditto:ledger:" // ditto:ledger:{kind}:{scope} hash
	resvPrefix   = "ditto:resv:"   // ditto:resv:{id} hash
	resvIndexKey = "ditto:resv:index"
	keysKey      = "ditto:keys"
	auditKey     = "ditto:audit"
)

// reserveScript checks the limit and books the reservation atomically.
// KEYS: ledger, reservation, index
// ARGV: amount, limit (-1 unlimited), now_ms, resv_id, scope, kind, created_at_ms
// Returns {1, 0} on success or {0, attempted} when the limit denies.
var reserveScript = redis.NewScript(`
	local spent    = tonumber(redis.call('HGET', KEYS[1], 'spent') or '0')
	local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
	local amount   = tonumber(ARGV[1])
	local limit    = tonumber(ARGV[2])

	local attempted = spent + reserved + amount
	if limit >= 0 and attempted > limit then
		return {0, attempted}
	end

	redis.call('HSET', KEYS[1], 'spent', spent, 'reserved', reserved + amount, 'updated_at_ms', ARGV[3])
	redis.call('HSET', KEYS[2], 'scope', ARGV[5], 'amount', ARGV[1], 'kind', ARGV[6], 'created_at_ms', ARGV[7])
	redis.call('ZADD', KEYS[3], tonumber(ARGV[7]), ARGV[4])
	return {1, 0}
`)

// settleScript closes a reservation, releasing its reserved amount and
// adding the spend (0 for rollback). Returns 0 when the reservation is gone.
// KEYS: ledger, reservation, index
// ARGV: amount, spend, now_ms, resv_id
var settleScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[2]) == 0 then
		return 0
	end
	redis.call('DEL', KEYS[2])
	redis.call('ZREM', KEYS[3], ARGV[4])

	local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
	local amount   = tonumber(ARGV[1])
	if amount > reserved then
		amount = reserved
	end
	redis.call('HINCRBY', KEYS[1], 'reserved', -amount)
	if tonumber(ARGV[2]) > 0 then
		redis.call('HINCRBY', KEYS[1], 'spent', ARGV[2])
	end
	redis.call('HSET', KEYS[1], 'updated_at_ms', ARGV[3])
	return 1
`)

// Store implements store.Store on a Redis instance.
type Store struct {
	client redis.UniversalClient
	clock  gateway.Clock
}

// New wraps a redis client as a Store.
func New(client redis.UniversalClient, clock gateway.Clock) *Store {
	if clock == nil {
		clock = gateway.RealClock{}
	}
	return &Store{client: client, clock: clock}
}

func ledgerKey(kind gateway.ReservationKind, scope string) string {
	return ledgerPrefix + string(kind) + ":" + scope
}

func (s *Store) nowMS() uint64 { return gateway.NowMillis(s.clock.Now()) }

func (s *Store) reserve(ctx context.Context, limit *uint64, r gateway.Reservation) error {
	limitArg := int64(-1)
	if limit != nil {
		limitArg = int64(*limit)
	}
	res, err := reserveScript.Run(ctx, s.client,
		[]string{ledgerKey(r.Kind, r.Scope), resvPrefix + r.ID, resvIndexKey},
		r.Amount, limitArg, s.nowMS(), r.ID, r.Scope, string(r.Kind), r.CreatedAtMS,
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("%w: reserve: %v", gateway.ErrStorage, err)
	}
	if len(res) == 2 && res[0] == 0 {
		return &gateway.BudgetError{Scope: r.Scope, Kind: r.Kind, Limit: *limit, Attempted: uint64(res[1])}
	}
	return nil
}

func (s *Store) settle(ctx context.Context, r gateway.Reservation, spend uint64, requireRow bool) error {
	res, err := settleScript.Run(ctx, s.client,
		[]string{ledgerKey(r.Kind, r.Scope), resvPrefix + r.ID, resvIndexKey},
		r.Amount, spend, s.nowMS(), r.ID,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: settle: %v", gateway.ErrStorage, err)
	}
	if res == 0 && requireRow {
		return fmt.Errorf("%w: reservation %s", gateway.ErrNotFound, r.ID)
	}
	return nil
}

// ReserveBudget reserves tokens on the scope's token ledger.
func (s *Store) ReserveBudget(ctx context.Context, limit *uint64, r gateway.Reservation) error {
	return s.reserve(ctx, limit, r)
}

// CommitBudget finalises a token reservation with the actual usage.
func (s *Store) CommitBudget(ctx context.Context, r gateway.Reservation, actual uint64) error {
	return s.settle(ctx, r, min(actual, r.Amount), true)
}

// RollbackBudget releases a token reservation.
func (s *Store) RollbackBudget(ctx context.Context, r gateway.Reservation) error {
	return s.settle(ctx, r, 0, false)
}

// ReserveCost reserves USD-micros on the scope's cost ledger.
func (s *Store) ReserveCost(ctx context.Context, limit *uint64, r gateway.Reservation) error {
	return s.reserve(ctx, limit, r)
}

// CommitCost finalises a cost reservation with the actual cost.
func (s *Store) CommitCost(ctx context.Context, r gateway.Reservation, actual uint64) error {
	return s.settle(ctx, r, min(actual, r.Amount), true)
}

// RollbackCost releases a cost reservation.
func (s *Store) RollbackCost(ctx context.Context, r gateway.Reservation) error {
	return s.settle(ctx, r, 0, false)
}

func (s *Store) listLedgers(ctx context.Context, kind gateway.ReservationKind) (map[string][3]uint64, error) {
	prefix := ledgerPrefix + string(kind) + ":"
	out := make(map[string][3]uint64)

	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
		}
		parse := func(field string) uint64 {
			n, _ := strconv.ParseUint(vals[field], 10, 64)
			return n
		}
		out[key[len(prefix):]] = [3]uint64{parse("spent"), parse("reserved"), parse("updated_at_ms")}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	return out, nil
}

// ListBudgetLedgers snapshots all token ledgers, sorted by scope.
func (s *Store) ListBudgetLedgers(ctx context.Context) ([]gateway.BudgetLedger, error) {
	ledgers, err := s.listLedgers(ctx, gateway.ReserveTokens)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.BudgetLedger, 0, len(ledgers))
	for scope, v := range ledgers {
		out = append(out, gateway.BudgetLedger{
			Scope: scope, SpentTokens: v[0], ReservedTokens: v[1], UpdatedAtMS: v[2],
		})
	}
	sortByScope(out, func(l gateway.BudgetLedger) string { return l.Scope })
	return out, nil
}

// ListCostLedgers snapshots all cost ledgers, sorted by scope.
func (s *Store) ListCostLedgers(ctx context.Context) ([]gateway.CostLedger, error) {
	ledgers, err := s.listLedgers(ctx, gateway.ReserveUSDMicros)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.CostLedger, 0, len(ledgers))
	for scope, v := range ledgers {
		out = append(out, gateway.CostLedger{
			Scope: scope, SpentUSDMicros: v[0], ReservedUSDMicros: v[1], UpdatedAtMS: v[2],
		})
	}
	sortByScope(out, func(l gateway.CostLedger) string { return l.Scope })
	return out, nil
}

// ReapReservations rolls back reservations created before the cutoff, found
// through the created_at_ms index.
func (s *Store) ReapReservations(ctx context.Context, olderThan time.Duration, limit int, dryRun bool) ([]gateway.Reservation, error) {
	cutoff := s.clock.Now().Add(-olderThan).UnixMilli()
	count := int64(0)
	if limit > 0 {
		count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, resvIndexKey, &redis.ZRangeBy{
		Min: "-inf", Max: "(" + strconv.FormatInt(cutoff, 10), Count: count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}

	var stale []gateway.Reservation
	for _, id := range ids {
		vals, err := s.client.HGetAll(ctx, resvPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
		}
		if len(vals) == 0 {
			continue // settled between the index read and now
		}
		amount, _ := strconv.ParseUint(vals["amount"], 10, 64)
		created, _ := strconv.ParseUint(vals["created_at_ms"], 10, 64)
		stale = append(stale, gateway.Reservation{
			ID:          id,
			Scope:       vals["scope"],
			Amount:      amount,
			Kind:        gateway.ReservationKind(vals["kind"]),
			CreatedAtMS: created,
		})
	}

	if dryRun {
		return stale, nil
	}
	for _, r := range stale {
		if err := s.settle(ctx, r, 0, false); err != nil {
			return stale, err
		}
	}
	return stale, nil
}

// ReplaceKeys stores the key set as one JSON blob.
func (s *Store) ReplaceKeys(ctx context.Context, keys []gateway.VirtualKey) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("%w: marshal keys: %v", gateway.ErrStorage, err)
	}
	if err := s.client.Set(ctx, keysKey, raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	return nil
}

// LoadKeys returns the persisted key set.
func (s *Store) LoadKeys(ctx context.Context) ([]gateway.VirtualKey, error) {
	raw, err := s.client.Get(ctx, keysKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	var keys []gateway.VirtualKey
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: parse keys: %v", gateway.ErrStorage, err)
	}
	return keys, nil
}

// AppendAudit pushes one pre-hashed record onto the audit list.
func (s *Store) AppendAudit(ctx context.Context, rec gateway.AuditRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal audit record: %v", gateway.ErrStorage, err)
	}
	if err := s.client.RPush(ctx, auditKey, raw).Err(); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	return nil
}

// LoadAudit returns the persisted chain in append order.
func (s *Store) LoadAudit(ctx context.Context) ([]gateway.AuditRecord, error) {
	raws, err := s.client.LRange(ctx, auditKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrStorage, err)
	}
	out := make([]gateway.AuditRecord, 0, len(raws))
	for _, raw := range raws {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		var rec gateway.AuditRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("%w: parse audit record: %v", gateway.ErrStorage, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func sortByScope[T any](s []T, scope func(T) string) {
	sort.Slice(s, func(i, j int) bool { return scope(s[i]) < scope(s[j]) })
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
