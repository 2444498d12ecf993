package decision

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/decisions/workflow"
)

const statsKeyPrefix = "decisions:stats:"

// applyStatsScript folds one execution into the "all" scope and the variant
// scope of a policy hash. ARGV: approved (0|100), elapsed ms, variant.
var applyStatsScript = redis.NewScript(`
local approved = tonumber(ARGV[1])
local elapsed = tonumber(ARGV[2])
for _, scope in ipairs({'all', ARGV[3]}) do
	local count = tonumber(redis.call('HGET', KEYS[1], scope .. ':count') or '0')
	local rate = tonumber(redis.call('HGET', KEYS[1], scope .. ':approval_rate') or '0')
	local avg = tonumber(redis.call('HGET', KEYS[1], scope .. ':avg_ms') or '0')
	local n = count + 1
	redis.call('HSET', KEYS[1],
		scope .. ':count', n,
		scope .. ':approval_rate', string.format('%.17g', (rate * count + approved) / n),
		scope .. ':avg_ms', string.format('%.17g', (avg * count + elapsed) / n))
end
return 1
`)

// RedisStatsStore implements StatsStore in one Redis hash per policy. The
// update runs as a Lua script so concurrent writers from several instances
// never interleave.
type RedisStatsStore struct {
	client redis.UniversalClient
}

// NewRedisStatsStore wraps an existing client
func NewRedisStatsStore(client redis.UniversalClient) *RedisStatsStore {
	return &RedisStatsStore{client: client}
}

func (s *RedisStatsStore) key(organizationID, policyID string) string {
	return statsKeyPrefix + organizationID + ":" + policyID
}

// Record implements StatsStore
func (s *RedisStatsStore) Record(ctx context.Context, organizationID, policyID string, variant Variant, decision workflow.Decision, elapsedMs float64) error {
	if err := validVariant(variant); err != nil {
		return err
	}
	err := applyStatsScript.Run(ctx, s.client,
		[]string{s.key(organizationID, policyID)},
		approvedValue(decision), elapsedMs, string(variant),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to record policy stats: %w", err)
	}
	return nil
}

// Get implements StatsStore
func (s *RedisStatsStore) Get(ctx context.Context, organizationID, policyID string) (*PolicyStats, error) {
	fields, err := s.client.HGetAll(ctx, s.key(organizationID, policyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get policy stats: %w", err)
	}
	return parseStatsHash(organizationID, policyID, fields)
}

// parseStatsHash decodes the "<scope>:<field>" hash written by the update script
func parseStatsHash(organizationID, policyID string, fields map[string]string) (*PolicyStats, error) {
	out := &PolicyStats{OrganizationID: organizationID, PolicyID: policyID, Variants: make(map[Variant]AggregateStats)}
	scopes := make(map[string]*AggregateStats)
	for field, raw := range fields {
		scope, name, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		agg, ok := scopes[scope]
		if !ok {
			agg = &AggregateStats{}
			scopes[scope] = agg
		}
		var err error
		switch name {
		case "count":
			agg.ExecutionCount, err = strconv.ParseInt(raw, 10, 64)
		case "approval_rate":
			agg.ApprovalRate, err = strconv.ParseFloat(raw, 64)
		case "avg_ms":
			agg.AvgExecutionTimeMs, err = strconv.ParseFloat(raw, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt policy stats field %s for policy %s: %w", field, policyID, err)
		}
	}
	for scope, agg := range scopes {
		if Scope(scope) == ScopeAll {
			out.Overall = *agg
		} else {
			out.Variants[Variant(scope)] = *agg
		}
	}
	return out, nil
}
