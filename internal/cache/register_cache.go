// Package cache holds the Register Cache (C3) and Meter Cache (C4):
// immutable snapshots swapped atomically by the Remote-to-Local Sync Agent
// (C9) and read lock-free by the Collection Cycle Manager (C6).
//
// Both caches follow the same pattern, grounded on the teacher's
// Subscription.managedNodes atomic.Pointer[ManagedNodes] snapshot-swap: a
// writer builds a new immutable snapshot off to the side and swaps the
// pointer in one atomic store; readers that already hold a pointer keep
// seeing a consistent (if stale) snapshot, never a partially built one.
package cache

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/syncmcp/edge-agent/internal/model"
	"github.com/syncmcp/edge-agent/internal/store"
)

// registerSnapshot is the immutable payload behind RegisterCache.
type registerSnapshot struct {
	byDeviceModel map[string][]model.RegisterDefinition
}

// RegisterCache indexes active register definitions by device model id,
// ordered by register number.
type RegisterCache struct {
	snapshot atomic.Pointer[registerSnapshot]
}

// NewRegisterCache returns an empty cache; call Reload before first use.
func NewRegisterCache() *RegisterCache {
	c := &RegisterCache{}
	c.snapshot.Store(&registerSnapshot{byDeviceModel: map[string][]model.RegisterDefinition{}})
	return c
}

// ForDeviceModel returns the ordered register list for a device model, or
// nil if none are cached.
func (c *RegisterCache) ForDeviceModel(deviceModelID string) []model.RegisterDefinition {
	return c.snapshot.Load().byDeviceModel[deviceModelID]
}

// Reload rebuilds the snapshot from the database and swaps it in. On error
// the previous snapshot remains in place.
func (c *RegisterCache) Reload(ctx context.Context, repo *store.Repo) error {
	regs, err := repo.ListRegisters(ctx)
	if err != nil {
		return fmt.Errorf("reload register cache: %w", err)
	}

	byModel := make(map[string][]model.RegisterDefinition)
	for _, r := range regs {
		byModel[r.DeviceModelID] = append(byModel[r.DeviceModelID], r)
	}
	for k := range byModel {
		sort.Slice(byModel[k], func(i, j int) bool {
			return byModel[k][i].RegisterNumber < byModel[k][j].RegisterNumber
		})
	}

	c.snapshot.Store(&registerSnapshot{byDeviceModel: byModel})
	return nil
}
