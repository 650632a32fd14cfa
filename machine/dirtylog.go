package machine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bobuhiro11/pgmsnap/kvm"
	"github.com/bobuhiro11/pgmsnap/memory"
)

// dirtyLog maps every RAM and MMIO2 range into a KVM VM with dirty
// logging on, one slot per range.
type dirtyLog struct {
	vm    *kvm.VM
	slots []dirtySlot
	log   *zap.Logger
}

type dirtySlot struct {
	id uint32
	r  *memory.Range
}

// EnableDirtyLog hands guest RAM to KVM at dev so that stores made by
// vCPUs reach the registry through SyncDirtyLog.
func (m *Machine) EnableDirtyLog(dev string) error {
	if m.dirty != nil {
		return nil
	}

	vm, err := kvm.Open(dev)
	if err != nil {
		return fmt.Errorf("dirty log: %w", err)
	}

	d := &dirtyLog{vm: vm, log: m.log}

	m.reg.Lock()
	m.reg.ForEachRange(func(r *memory.Range) bool {
		host := r.Host()
		if host == nil {
			return true
		}

		id := uint32(len(d.slots))
		if err = vm.AddSlot(id, r.Base, host); err != nil {
			return false
		}

		d.slots = append(d.slots, dirtySlot{id: id, r: r})

		return true
	})
	m.reg.Unlock()

	if err != nil {
		return errors.Join(err, d.close())
	}

	m.dirty = d
	m.log.Info("kvm dirty logging enabled", zap.String("dev", dev), zap.Int("slots", len(d.slots)))

	return nil
}

// sync fetches and clears every slot's log. With merge set the bits are
// folded into the registry's written flags, otherwise dropped. The caller
// holds the registry lock.
func (d *dirtyLog) sync(reg *memory.Registry, merge bool) error {
	pages := 0

	for _, s := range d.slots {
		if r, err := reg.RangeAt(s.r.Base); err != nil || r != s.r {
			continue
		}

		words, err := d.vm.DirtyLog(s.id)
		if err != nil {
			return err
		}

		if merge {
			pages += reg.MergeDirtyLog(s.r, words)
		}
	}

	if pages > 0 {
		d.log.Debug("dirty log merged", zap.Int("pages", pages))
	}

	return nil
}

func (d *dirtyLog) close() error {
	var errs []error

	for _, s := range d.slots {
		errs = append(errs, d.vm.RemoveSlot(s.id))
	}

	errs = append(errs, d.vm.Close())

	return errors.Join(errs...)
}
