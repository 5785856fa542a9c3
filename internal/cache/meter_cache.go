package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/syncmcp/edge-agent/internal/model"
	"github.com/syncmcp/edge-agent/internal/store"
)

// ResolvedMeter pairs a meter record with its device model's register list,
// resolved by joining against RegisterCache at load time.
type ResolvedMeter struct {
	Meter     model.Meter
	Registers []model.RegisterDefinition
}

// meterSnapshot is the immutable payload behind MeterCache.
type meterSnapshot struct {
	byKey  map[model.MeterKey]ResolvedMeter
	active []ResolvedMeter
}

// MeterCache indexes meters by composite (meter_id, meter_element_id) key
// and maintains a secondary active-only list for the Collection Cycle
// Manager's fan-out.
type MeterCache struct {
	snapshot atomic.Pointer[meterSnapshot]
}

// NewMeterCache returns an empty cache; call Reload before first use.
func NewMeterCache() *MeterCache {
	c := &MeterCache{}
	c.snapshot.Store(&meterSnapshot{byKey: map[model.MeterKey]ResolvedMeter{}})
	return c
}

// Get returns the resolved meter for key, if cached.
func (c *MeterCache) Get(key model.MeterKey) (ResolvedMeter, bool) {
	rm, ok := c.snapshot.Load().byKey[key]
	return rm, ok
}

// ActiveSnapshot returns the active-meter subset as of the currently loaded
// snapshot. The returned slice must be treated as read-only.
func (c *MeterCache) ActiveSnapshot() []ResolvedMeter {
	return c.snapshot.Load().active
}

// Reload rebuilds the snapshot from the database, resolving each meter's
// registers against regCache, and swaps it in. On error the previous
// snapshot remains in place.
func (c *MeterCache) Reload(ctx context.Context, repo *store.Repo, regCache *RegisterCache) error {
	meters, err := repo.ListActiveMeters(ctx)
	if err != nil {
		return fmt.Errorf("reload meter cache: %w", err)
	}

	resolved := make([]ResolvedMeter, len(meters))
	for i, m := range meters {
		resolved[i] = ResolvedMeter{Meter: m, Registers: regCache.ForDeviceModel(m.DeviceModelID)}
	}
	c.LoadResolved(resolved)
	return nil
}

// LoadResolved swaps in a snapshot built directly from already-resolved
// meters, bypassing the database. Grounded on the teacher's
// Subscription.SwapManagedNodes: a direct snapshot swap for callers that
// already have the data in hand (tests, and any future non-Postgres meter
// source).
func (c *MeterCache) LoadResolved(meters []ResolvedMeter) {
	byKey := make(map[model.MeterKey]ResolvedMeter, len(meters))
	active := make([]ResolvedMeter, 0, len(meters))
	for _, rm := range meters {
		byKey[rm.Meter.Key()] = rm
		if rm.Meter.Active {
			active = append(active, rm)
		}
	}
	c.snapshot.Store(&meterSnapshot{byKey: byKey, active: active})
}

// DiffMeterKeys reports which keys were added, kept, and removed between two
// sets, generalizing the teacher's subscription.DiffHashes to this domain's
// composite keys. The Sync Agent (C9) does not call it; it decides on a
// Meter Cache reload from its phases' modification counts.
func DiffMeterKeys(oldKeys, newKeys map[model.MeterKey]struct{}) (added, kept, removed []model.MeterKey) {
	for k := range newKeys {
		if _, ok := oldKeys[k]; ok {
			kept = append(kept, k)
		} else {
			added = append(added, k)
		}
	}
	for k := range oldKeys {
		if _, ok := newKeys[k]; !ok {
			removed = append(removed, k)
		}
	}
	return added, kept, removed
}
