// Package redis implements the admission buffer on Redis lists. Every tenant
// gets one list; a companion set indexes which tenants currently have
// buffered work so the drain loop can round-robin without scanning keys.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/parallax-search/crawlsched/internal/coordination"
	"github.com/parallax-search/crawlsched/internal/jobs"
)

const tenantIndexKey = "admission:tenants"

var (
	pushScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

	// Pop drops the tenant from the index when its list empties, in the same
	// script, so the index never points at a drained tenant for long.
	popScript = redis.NewScript(`
local item = redis.call('LPOP', KEYS[1])
if not item then
	redis.call('SREM', KEYS[2], ARGV[1])
	return false
end
if redis.call('LLEN', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[2], ARGV[1])
end
return item
`)
)

// Buffer is a Redis-backed per-tenant admission buffer.
type Buffer struct {
	client *redis.Client
}

// NewBuffer wraps an existing Redis client, normally the one the
// coordination store already holds.
func NewBuffer(client *redis.Client) *Buffer {
	return &Buffer{client: client}
}

// Push appends the item to its tenant's list and indexes the tenant.
func (b *Buffer) Push(ctx context.Context, item jobs.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	key := coordination.TenantBufferKey(item.Params.TenantID)
	err = pushScript.Run(ctx, b.client, []string{key, tenantIndexKey}, payload, item.Params.TenantID).Err()
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

// Pop removes and returns the oldest buffered item for the tenant. The second
// return is false when the tenant's list is empty.
func (b *Buffer) Pop(ctx context.Context, tenantID string) (jobs.QueueItem, bool, error) {
	key := coordination.TenantBufferKey(tenantID)
	raw, err := popScript.Run(ctx, b.client, []string{key, tenantIndexKey}, tenantID).Text()
	if errors.Is(err, redis.Nil) {
		return jobs.QueueItem{}, false, nil
	}
	if err != nil {
		return jobs.QueueItem{}, false, fmt.Errorf("pop %s: %w", key, err)
	}
	var item jobs.QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return jobs.QueueItem{}, false, fmt.Errorf("decode queue item: %w", err)
	}
	return item, true, nil
}

// Tenants lists tenants that currently have buffered work.
func (b *Buffer) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := b.client.SMembers(ctx, tenantIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list buffered tenants: %w", err)
	}
	return tenants, nil
}
