// Package machine is a VM shell around a guest-physical memory registry.
// Guest vCPUs are modeled by workload goroutines that store to guest
// memory through the registry; a paused machine stores nothing.
package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/memory"
	"github.com/bobuhiro11/pgmsnap/snapshot"
)

var errAlreadyRunning = errors.New("machine is already running")

type Machine struct {
	layout Layout
	reg    *memory.Registry
	log    *zap.Logger

	// gate is held shared by every guest store and exclusively while the
	// machine is paused.
	gate    sync.RWMutex
	paused  atomic.Bool
	running atomic.Bool

	stores  atomic.Uint64
	resets  atomic.Uint64
	resyncs atomic.Uint64

	dirty *dirtyLog
}

var _ snapshot.Hooks = (*Machine)(nil)

// New builds the memory of layout. Nothing runs until Run.
func New(layout Layout, log *zap.Logger) (*Machine, error) {
	specs, err := layout.Specs()
	if err != nil {
		return nil, err
	}

	reg := memory.NewRegistry()

	for _, spec := range specs {
		if _, err := reg.AddRange(spec); err != nil {
			reg.Close()

			return nil, fmt.Errorf("machine %s: %w", layout.Name, err)
		}
	}

	log.Info("machine created",
		zap.String("layout", layout.Name),
		zap.Int("ranges", reg.NumRanges()))

	return &Machine{layout: layout, reg: reg, log: log}, nil
}

func (m *Machine) Layout() Layout { return m.layout }

func (m *Machine) Registry() *memory.Registry { return m.reg }

// Stores returns the number of guest stores so far.
func (m *Machine) Stores() uint64 { return m.stores.Load() }

// Paused reports whether the guest is stopped.
func (m *Machine) Paused() bool { return m.paused.Load() }

// PauseAndWait stops the guest and waits for stores in flight to land.
// It must not be called on a paused machine.
func (m *Machine) PauseAndWait() {
	m.gate.Lock()
	m.paused.Store(true)
	m.log.Debug("machine paused", zap.Uint64("stores", m.stores.Load()))
}

// Resume lets a paused guest run again.
func (m *Machine) Resume() {
	m.paused.Store(false)
	m.gate.Unlock()
	m.log.Debug("machine resumed")
}

// store is a guest store. It blocks while the machine is paused.
func (m *Machine) store(addr uint64, data []byte) error {
	m.gate.RLock()
	defer m.gate.RUnlock()

	m.stores.Add(1)

	return m.reg.GuestWrite(addr, data)
}

// setProtection is a chipset write to the ROM shadow controls.
func (m *Machine) setProtection(addr, size uint64, prot memory.Prot) error {
	m.gate.RLock()
	defer m.gate.RUnlock()

	m.reg.Lock()
	defer m.reg.Unlock()

	return m.reg.SetProtection(addr, size, prot)
}

// Close stops dirty logging and releases guest memory.
func (m *Machine) Close() error {
	var errs []error

	if m.dirty != nil {
		errs = append(errs, m.dirty.close())
		m.dirty = nil
	}

	errs = append(errs, m.reg.Close())

	return errors.Join(errs...)
}

// ResetVM is called before a snapshot is loaded. The workload starts over.
func (m *Machine) ResetVM() error {
	m.resets.Add(1)
	m.stores.Store(0)

	return nil
}

// InvalidateMappings drops host mappings derived from guest memory. The
// only ones are the KVM slots, whose bitmaps are stale after a load.
func (m *Machine) InvalidateMappings() error {
	if m.dirty == nil {
		return nil
	}

	m.reg.Lock()
	defer m.reg.Unlock()

	return m.dirty.sync(m.reg, false)
}

// ResyncPaging has nothing to do for a machine without vCPU page tables.
func (m *Machine) ResyncPaging() error {
	m.resyncs.Add(1)

	return nil
}

// SyncDirtyLog folds the KVM dirty log into the registry. It is called
// with the registry lock held.
func (m *Machine) SyncDirtyLog() error {
	if m.dirty == nil {
		return nil
	}

	return m.dirty.sync(m.reg, true)
}

// Run starts the workload and blocks until ctx is done or a store fails.
func (m *Machine) Run(ctx context.Context, w Workload) error {
	if !m.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer m.running.Store(false)

	return w.run(ctx, m)
}
