// Package batchsize implements the per-meter adaptive batch size manager
// (C5): it shrinks a meter's read batch on timeout and grows it back after a
// run of successes, state that is process-local and resets on restart.
//
// Backed by xsync.Map, grounded on the teacher's use of concurrent maps
// throughout internal/topology and internal/subscription for per-key runtime
// state shared across goroutines without a single global lock.
package batchsize

import (
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	// DefaultMinBatch is the floor batch size a meter will never shrink below.
	DefaultMinBatch = 1
	// DefaultReductionFactor is applied on shrink and inverted on grow.
	DefaultReductionFactor = 0.5
	// DefaultGrowthWindow is the number of consecutive successful batches
	// required before growing.
	DefaultGrowthWindow = 10
)

type batchState struct {
	size             int
	consecutiveOK    int
}

// Manager tracks per-meter batch size state.
type Manager struct {
	states          *xsync.Map[string, *batchState]
	minBatch        int
	reductionFactor float64
	growthWindow    int
}

// New returns a Manager with the given tuning parameters. Zero values select
// the spec defaults.
func New(minBatch int, reductionFactor float64, growthWindow int) *Manager {
	if minBatch <= 0 {
		minBatch = DefaultMinBatch
	}
	if reductionFactor <= 0 || reductionFactor >= 1 {
		reductionFactor = DefaultReductionFactor
	}
	if growthWindow <= 0 {
		growthWindow = DefaultGrowthWindow
	}
	return &Manager{
		states:          xsync.NewMap[string, *batchState](),
		minBatch:        minBatch,
		reductionFactor: reductionFactor,
		growthWindow:    growthWindow,
	}
}

// Get returns the current batch size for meterID, defaulting to
// totalRegisters on first call for that meter.
func (m *Manager) Get(meterID string, totalRegisters int) int {
	st, _ := m.states.LoadOrStore(meterID, &batchState{size: totalRegisters})
	if st.size > totalRegisters {
		return totalRegisters
	}
	if st.size < m.minBatch {
		return m.minBatch
	}
	return st.size
}

// Shrink records a timeout for a batch of size n, halving (by
// reductionFactor) the meter's batch size down to minBatch, and resets its
// success streak.
func (m *Manager) Shrink(meterID string, n int) {
	m.states.Compute(meterID, func(st *batchState, loaded bool) (*batchState, xsync.ComputeOp) {
		if !loaded || st == nil {
			st = &batchState{size: n}
		}
		newSize := int(float64(n) * m.reductionFactor)
		if newSize < m.minBatch {
			newSize = m.minBatch
		}
		st.size = newSize
		st.consecutiveOK = 0
		return st, xsync.UpdateOp
	})
}

// RecordSuccess notes a successful batch for meterID at totalRegisters
// capacity, growing the batch size once GROWTH_WINDOW consecutive successes
// have accumulated.
func (m *Manager) RecordSuccess(meterID string, totalRegisters int) {
	m.states.Compute(meterID, func(st *batchState, loaded bool) (*batchState, xsync.ComputeOp) {
		if !loaded || st == nil {
			st = &batchState{size: totalRegisters}
		}
		st.consecutiveOK++
		if st.consecutiveOK >= m.growthWindow {
			grown := int(float64(st.size) / m.reductionFactor)
			if grown > totalRegisters {
				grown = totalRegisters
			}
			if grown < m.minBatch {
				grown = m.minBatch
			}
			st.size = grown
			st.consecutiveOK = 0
		}
		return st, xsync.UpdateOp
	})
}
