package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/parallax-search/crawlsched/internal/jobs"
)

// Buffer is an in-memory per-tenant admission buffer for local development
// and tests.
type Buffer struct {
	mu    sync.Mutex
	lists map[string][]jobs.QueueItem
}

// NewBuffer constructs an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{lists: make(map[string][]jobs.QueueItem)}
}

// Push appends the item to its tenant's list.
func (b *Buffer) Push(_ context.Context, item jobs.QueueItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tenant := item.Params.TenantID
	b.lists[tenant] = append(b.lists[tenant], item)
	return nil
}

// Pop removes the oldest item for the tenant, if any.
func (b *Buffer) Pop(_ context.Context, tenantID string) (jobs.QueueItem, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.lists[tenantID]
	if len(list) == 0 {
		delete(b.lists, tenantID)
		return jobs.QueueItem{}, false, nil
	}
	item := list[0]
	if len(list) == 1 {
		delete(b.lists, tenantID)
	} else {
		b.lists[tenantID] = list[1:]
	}
	return item, true, nil
}

// Tenants lists tenants with buffered work in stable order.
func (b *Buffer) Tenants(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tenants := make([]string, 0, len(b.lists))
	for tenant := range b.lists {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}
